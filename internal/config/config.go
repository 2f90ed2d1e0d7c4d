// Package config handles loading and parsing of bleepfiles configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for bleepfiles.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Storage       StorageConfig       `yaml:"storage"`
	Transfer      TransferConfig      `yaml:"transfer"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BaseURL is the externally visible URL prefix used when building links.
	// When empty, links are derived from the incoming request.
	BaseURL string `yaml:"base_url"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxObjectSize caps single-shot uploads and multipart declared sizes.
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// ObservabilityConfig toggles the /metrics and /health endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Engine is the record/file store engine: "sqlite" or "memory".
	Engine string       `yaml:"engine"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	// Tags selects where multipart upload tags live.
	Tags TagsConfig `yaml:"tags"`
}

// SQLiteConfig holds SQLite database settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// TagsConfig selects the tag store engine. "default" keeps tags in the
// record/file store; the cloud engines store them in a dedicated table,
// collection or container.
type TagsConfig struct {
	Engine    string          `yaml:"engine"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// DynamoDBConfig holds AWS DynamoDB tag store settings.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds GCP Firestore tag store settings.
type FirestoreConfig struct {
	Collection      string `yaml:"collection"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Azure Cosmos DB tag store settings.
type CosmosConfig struct {
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
}

// StorageConfig holds raw byte storage backend settings.
type StorageConfig struct {
	// Backend is one of "local", "memory", "sqlite", "aws", "gcp", "azure".
	Backend string             `yaml:"backend"`
	Local   LocalConfig        `yaml:"local"`
	Memory  MemoryConfig       `yaml:"memory"`
	SQLite  SQLiteConfig       `yaml:"sqlite"`
	AWS     AWSStorageConfig   `yaml:"aws"`
	GCP     GCPStorageConfig   `yaml:"gcp"`
	Azure   AzureStorageConfig `yaml:"azure"`
}

// LocalConfig holds local filesystem storage backend settings.
type LocalConfig struct {
	// RootDir is the base directory for stored files.
	RootDir string `yaml:"root_dir"`
}

// MemoryConfig holds in-memory storage backend settings.
type MemoryConfig struct {
	// MaxSizeBytes caps the total bytes held; 0 means unlimited.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	// SnapshotPath enables periodic snapshots to a SQLite file when set.
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// AWSStorageConfig holds S3 backend settings.
type AWSStorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPStorageConfig holds Google Cloud Storage backend settings.
type GCPStorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureStorageConfig holds Azure Blob Storage backend settings.
type AzureStorageConfig struct {
	Container string `yaml:"container"`
	Account   string `yaml:"account"`
	// AccountURL overrides the URL derived from Account.
	AccountURL         string `yaml:"account_url"`
	Prefix             string `yaml:"prefix"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// TransferConfig holds transfer strategy settings.
type TransferConfig struct {
	// DefaultType is the transfer type used when a file does not name one.
	DefaultType string `yaml:"default_type"`
	// MultipartSerializable controls whether the multipart type code appears
	// in API representations.
	MultipartSerializable *bool `yaml:"multipart_serializable"`
	// MultipartIncludeSize stores the declared total size alongside parts and
	// part_size in the multipart upload tags.
	MultipartIncludeSize bool `yaml:"multipart_include_size"`
	// PartLinkTTL is the advisory expiration of generated part upload links.
	PartLinkTTL time.Duration `yaml:"part_link_ttl"`
	Fetch       FetchConfig   `yaml:"fetch"`
}

// FetchConfig holds deferred fetch worker settings.
type FetchConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout"`
}

// IsMultipartSerializable reports the effective multipart serializability.
func (t TransferConfig) IsMultipartSerializable() bool {
	if t.MultipartSerializable == nil {
		return true
	}
	return *t.MultipartSerializable
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied. If the primary path cannot be read,
// bleepfiles.example.yaml next to it or in its parent directory is used.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "bleepfiles.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepfiles.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// Validate checks option combinations that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Metadata.Engine {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("metadata.engine: unsupported engine %q", c.Metadata.Engine)
	}
	switch c.Metadata.Tags.Engine {
	case "default":
	case "dynamodb":
		if c.Metadata.Tags.DynamoDB.Table == "" {
			return fmt.Errorf("metadata.tags.dynamodb.table is required")
		}
	case "firestore":
		if c.Metadata.Tags.Firestore.ProjectID == "" {
			return fmt.Errorf("metadata.tags.firestore.project_id is required")
		}
	case "cosmos":
		if c.Metadata.Tags.Cosmos.Endpoint == "" {
			return fmt.Errorf("metadata.tags.cosmos.endpoint is required")
		}
	default:
		return fmt.Errorf("metadata.tags.engine: unsupported engine %q", c.Metadata.Tags.Engine)
	}
	switch c.Storage.Backend {
	case "local", "memory", "sqlite":
	case "aws":
		if c.Storage.AWS.Bucket == "" {
			return fmt.Errorf("storage.aws.bucket is required")
		}
	case "gcp":
		if c.Storage.GCP.Bucket == "" {
			return fmt.Errorf("storage.gcp.bucket is required")
		}
	case "azure":
		if c.Storage.Azure.Container == "" {
			return fmt.Errorf("storage.azure.container is required")
		}
	default:
		return fmt.Errorf("storage.backend: unsupported backend %q", c.Storage.Backend)
	}
	switch c.Transfer.DefaultType {
	case "L", "F", "R", "M":
	default:
		return fmt.Errorf("transfer.default_type: unknown transfer type %q", c.Transfer.DefaultType)
	}
	if c.Transfer.Fetch.Workers < 1 {
		return fmt.Errorf("transfer.fetch.workers must be at least 1")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			ShutdownTimeout: 30,
			MaxObjectSize:   5 * 1024 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{Path: "./data/metadata.db"},
			Tags:   TagsConfig{Engine: "default"},
		},
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalConfig{RootDir: "./data/files"},
		},
		Transfer: TransferConfig{
			DefaultType: "L",
			PartLinkTTL: 14 * 24 * time.Hour,
			Fetch: FetchConfig{
				Workers:     2,
				MaxAttempts: 3,
				RetryDelay:  2 * time.Second,
				Timeout:     5 * time.Minute,
			},
		},
	}
}

// applyDefaults fills in fields still at their zero value after YAML
// unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxObjectSize == 0 {
		cfg.Server.MaxObjectSize = 5 * 1024 * 1024 * 1024
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = "sqlite"
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = "./data/metadata.db"
	}
	if cfg.Metadata.Tags.Engine == "" {
		cfg.Metadata.Tags.Engine = "default"
	}
	if cfg.Metadata.Tags.DynamoDB.Region == "" {
		cfg.Metadata.Tags.DynamoDB.Region = "us-east-1"
	}
	if cfg.Metadata.Tags.Firestore.Collection == "" {
		cfg.Metadata.Tags.Firestore.Collection = "bleepfiles-tags"
	}
	if cfg.Metadata.Tags.Cosmos.Database == "" {
		cfg.Metadata.Tags.Cosmos.Database = "bleepfiles"
	}
	if cfg.Metadata.Tags.Cosmos.Container == "" {
		cfg.Metadata.Tags.Cosmos.Container = "tags"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/files"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "./data/files.db"
	}
	if cfg.Storage.Memory.SnapshotInterval == 0 {
		cfg.Storage.Memory.SnapshotInterval = 5 * time.Minute
	}
	if cfg.Storage.AWS.Region == "" {
		cfg.Storage.AWS.Region = "us-east-1"
	}
	if cfg.Transfer.DefaultType == "" {
		cfg.Transfer.DefaultType = "L"
	}
	if cfg.Transfer.PartLinkTTL == 0 {
		cfg.Transfer.PartLinkTTL = 14 * 24 * time.Hour
	}
	if cfg.Transfer.Fetch.Workers == 0 {
		cfg.Transfer.Fetch.Workers = 2
	}
	if cfg.Transfer.Fetch.MaxAttempts == 0 {
		cfg.Transfer.Fetch.MaxAttempts = 3
	}
	if cfg.Transfer.Fetch.RetryDelay == 0 {
		cfg.Transfer.Fetch.RetryDelay = 2 * time.Second
	}
	if cfg.Transfer.Fetch.Timeout == 0 {
		cfg.Transfer.Fetch.Timeout = 5 * time.Minute
	}
}
