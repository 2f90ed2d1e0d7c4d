// Package main is the entry point for the bleepfiles record and file
// transfer server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bleepstore/bleepfiles/internal/config"
	"github.com/bleepstore/bleepfiles/internal/logging"
	"github.com/bleepstore/bleepfiles/internal/metadata"
	"github.com/bleepstore/bleepfiles/internal/metrics"
	"github.com/bleepstore/bleepfiles/internal/server"
	"github.com/bleepstore/bleepfiles/internal/service"
	"github.com/bleepstore/bleepfiles/internal/storage"
	"github.com/bleepstore/bleepfiles/internal/tasks"
	"github.com/bleepstore/bleepfiles/internal/transfer"
)

func main() {
	configPath := flag.String("config", "bleepfiles.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxObjectSize := flag.Int64("max-object-size", 0, "maximum file size in bytes (default: from config or 5368709120)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxObjectSize != 0 {
		cfg.Server.MaxObjectSize = *maxObjectSize
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if err := run(cfg); err != nil {
		slog.Error("bleepfiles exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	if cfg.Observability.Metrics {
		metrics.Register()
	}

	store, err := openMetadata(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	backend, closeBackend, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	pool := tasks.NewWorkerPool(tasks.Options{
		Workers:     cfg.Transfer.Fetch.Workers,
		MaxAttempts: cfg.Transfer.Fetch.MaxAttempts,
		RetryDelay:  cfg.Transfer.Fetch.RetryDelay,
		Timeout:     cfg.Transfer.Fetch.Timeout,
	})

	env := &transfer.Env{
		Files:         store,
		Tags:          store,
		Backend:       backend,
		Queue:         pool,
		MaxObjectSize: cfg.Server.MaxObjectSize,
		IncludeSize:   cfg.Transfer.MultipartIncludeSize,
		PartLinkTTL:   cfg.Transfer.PartLinkTTL,
	}
	registry, err := transfer.NewDefaultRegistry(env, cfg.Transfer.DefaultType, cfg.Transfer.IsMultipartSerializable())
	if err != nil {
		return fmt.Errorf("building transfer registry: %w", err)
	}
	files := service.New(store, backend, registry)
	service.NewFetcher(files, cfg.Transfer.Fetch.Timeout).Register(pool)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	pool.Start(workerCtx)

	srv, err := server.New(cfg, files)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("bleepfiles listening", "addr", addr, "default_transfer", cfg.Transfer.DefaultType)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		// Queued fetch jobs are lost on stop; their files stay pending.
		if err := pool.Stop(shutdownCtx); err != nil {
			slog.Warn("Fetch workers did not drain", "error", err)
		}
		slog.Info("Server stopped")
		return nil

	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// openMetadata opens the record/file store and, when configured, moves tags
// to a cloud tag store.
func openMetadata(ctx context.Context, cfg *config.Config) (metadata.Store, error) {
	var store metadata.Store
	switch cfg.Metadata.Engine {
	case "memory":
		store = metadata.NewMemoryStore()
		slog.Info("Metadata store initialized", "engine", "memory")
	default:
		dbPath := cfg.Metadata.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		sqliteStore, err := metadata.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing metadata store: %w", err)
		}
		store = sqliteStore
		slog.Info("Metadata store initialized", "engine", "sqlite", "path", dbPath)
	}

	var (
		tags metadata.TagStoreCloser
		err  error
	)
	tagsCfg := cfg.Metadata.Tags
	switch tagsCfg.Engine {
	case "dynamodb":
		tags, err = metadata.NewDynamoDBTagStore(ctx, &tagsCfg.DynamoDB)
	case "firestore":
		tags, err = metadata.NewFirestoreTagStore(ctx, &tagsCfg.Firestore)
	case "cosmos":
		tags, err = metadata.NewCosmosTagStore(&tagsCfg.Cosmos)
	default:
		return store, nil
	}
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing %s tag store: %w", tagsCfg.Engine, err)
	}
	slog.Info("Tag store initialized", "engine", tagsCfg.Engine)
	return metadata.WithTagStore(store, tags), nil
}

// openStorage creates the configured storage backend. The returned func
// releases it.
func openStorage(ctx context.Context, cfg *config.Config) (storage.Backend, func(), error) {
	noop := func() {}
	sc := cfg.Storage
	switch sc.Backend {
	case "aws":
		b, err := storage.NewAWSBackend(ctx, &sc.AWS, cfg.Transfer.PartLinkTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing AWS storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "aws", "bucket", sc.AWS.Bucket, "region", sc.AWS.Region, "prefix", sc.AWS.Prefix)
		return b, noop, nil
	case "gcp":
		b, err := storage.NewGCPBackend(ctx, &sc.GCP)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing GCP storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "gcp", "bucket", sc.GCP.Bucket, "project", sc.GCP.Project, "prefix", sc.GCP.Prefix)
		return b, noop, nil
	case "azure":
		b, err := storage.NewAzureBackend(ctx, &sc.Azure)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing Azure storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "azure", "container", sc.Azure.Container, "prefix", sc.Azure.Prefix)
		return b, noop, nil
	case "memory":
		b, err := storage.NewMemoryBackend(sc.Memory.MaxSizeBytes, sc.Memory.SnapshotPath, sc.Memory.SnapshotInterval)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing memory storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "memory", "max_size_bytes", sc.Memory.MaxSizeBytes, "snapshot", sc.Memory.SnapshotPath)
		return b, func() { b.Close() }, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(sc.SQLite.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating storage directory: %w", err)
		}
		b, err := storage.NewSQLiteBackend(sc.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing sqlite storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "sqlite", "path", sc.SQLite.Path)
		return b, func() { b.Close() }, nil
	default:
		b, err := storage.NewLocalBackend(sc.Local.RootDir)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing storage backend: %w", err)
		}
		// Crash-only recovery: clean orphan temp files from incomplete writes.
		if err := b.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		slog.Info("Storage backend initialized", "backend", "local", "root", sc.Local.RootDir)
		return b, noop, nil
	}
}
