package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bleepstore/bleepfiles/internal/config"
)

// maxComposeSources is the GCS limit on source objects per Compose call.
const maxComposeSources = 32

const gcpExtraPartPrefix = "part_prefix"

// GCSAPI is the subset of the GCS client the GCP backend uses, so tests can
// substitute a mock.
type GCSAPI interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, object string) error
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
	// MD5 is empty for composite objects.
	MD5 []byte
}

type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	srcs := make([]*gcs.ObjectHandle, 0, len(srcObjects))
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	attrs, err := dst.ComposerFrom(srcs...).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCPBackend stores files in a single GCS bucket under Prefix. Multipart
// parts are uploaded as separate objects next to the final one and composed
// on commit, chaining compose calls when there are more than 32 parts.
//
// URIs have the form gs://<bucket>/<prefix><object id>.
type GCPBackend struct {
	Bucket  string
	Project string
	Prefix  string

	client GCSAPI
}

// NewGCPBackend creates the GCS client using Application Default
// Credentials, or cfg.CredentialsFile when set, and verifies bucket access.
func NewGCPBackend(ctx context.Context, cfg *config.GCPStorageConfig) (*GCPBackend, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCPBackendWithClient(cfg.Bucket, cfg.Project, cfg.Prefix, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("GCP storage backend initialized", "bucket", cfg.Bucket, "project", cfg.Project, "prefix", cfg.Prefix)
	return b, nil
}

// NewGCPBackendWithClient creates a GCPBackend around an existing client.
func NewGCPBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCPBackend {
	return &GCPBackend{
		Bucket:  bucket,
		Project: project,
		Prefix:  prefix,
		client:  client,
	}
}

func (b *GCPBackend) Name() string { return "gcp" }

func (b *GCPBackend) NewURI(objectID string) string {
	return "gs://" + b.Bucket + "/" + b.Prefix + objectID
}

func (b *GCPBackend) name(uri string) (string, error) {
	n, ok := strings.CutPrefix(uri, "gs://"+b.Bucket+"/")
	if !ok || n == "" {
		return "", fmt.Errorf("uri %q does not belong to bucket %q", uri, b.Bucket)
	}
	return n, nil
}

func (b *GCPBackend) Initialize(ctx context.Context, uri string, size int64) error {
	return ErrRandomAccessUnsupported
}

func (b *GCPBackend) Update(ctx context.Context, uri string, r io.Reader, seek, size int64) (int64, error) {
	return 0, ErrRandomAccessUnsupported
}

// upload streams r into object while hashing it.
func (b *GCPBackend) upload(ctx context.Context, object string, r io.Reader, size int64) (int64, []byte, error) {
	data, err := readExact(r, size)
	if err != nil {
		return 0, nil, fmt.Errorf("reading data: %w", err)
	}
	w := b.client.NewWriter(ctx, b.Bucket, object)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return 0, nil, fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, nil, fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return int64(len(data)), data, nil
}

func (b *GCPBackend) Write(ctx context.Context, uri string, r io.Reader, size int64) (int64, string, error) {
	name, err := b.name(uri)
	if err != nil {
		return 0, "", err
	}
	n, data, err := b.upload(ctx, name, r, size)
	if err != nil {
		return 0, "", err
	}
	return n, Checksum(data), nil
}

func (b *GCPBackend) Open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	name, err := b.name(uri)
	if err != nil {
		return nil, 0, err
	}
	attrs, err := b.client.Attrs(ctx, b.Bucket, name)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, fmt.Errorf("%s: %w", uri, ErrObjectNotFound)
		}
		return nil, 0, fmt.Errorf("getting object attrs from GCS: %w", err)
	}
	reader, err := b.client.NewReader(ctx, b.Bucket, name)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, fmt.Errorf("%s: %w", uri, ErrObjectNotFound)
		}
		return nil, 0, fmt.Errorf("getting object from GCS: %w", err)
	}
	return reader, attrs.Size, nil
}

// Delete treats a missing object as success; GCS reports 404 unlike S3.
func (b *GCPBackend) Delete(ctx context.Context, uri string) error {
	name, err := b.name(uri)
	if err != nil {
		return err
	}
	if err := b.client.Delete(ctx, b.Bucket, name); err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

func (b *GCPBackend) FileURL(uri string) string { return uri }

// HealthCheck lists an impossible prefix to verify bucket access.
func (b *GCPBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListObjects(ctx, b.Bucket, "\x00nonexistent\x00")
	return err
}

func partObject(prefix string, part int) string {
	return fmt.Sprintf("%s%05d", prefix, part)
}

func (b *GCPBackend) partPrefix(uri string, upload *MultipartUpload) (string, error) {
	if p := upload.Extra[gcpExtraPartPrefix]; p != "" {
		return p, nil
	}
	name, err := b.name(uri)
	if err != nil {
		return "", err
	}
	return name + ".parts/", nil
}

// MultipartInitialize records where the part objects live. No GCS call is
// needed until the first part.
func (b *GCPBackend) MultipartInitialize(ctx context.Context, uri string, upload *MultipartUpload) (map[string]string, error) {
	name, err := b.name(uri)
	if err != nil {
		return nil, err
	}
	return map[string]string{gcpExtraPartPrefix: name + ".parts/"}, nil
}

// MultipartWritePart uploads the part as its own object.
func (b *GCPBackend) MultipartWritePart(ctx context.Context, uri string, upload *MultipartUpload, part int, r io.Reader, size int64) (map[string]string, error) {
	prefix, err := b.partPrefix(uri, upload)
	if err != nil {
		return nil, err
	}
	if _, _, err := b.upload(ctx, partObject(prefix, part), r, size); err != nil {
		return nil, fmt.Errorf("part %d: %w", part, err)
	}
	return nil, nil
}

// MultipartCommit composes parts 1..Parts into the final object and removes
// the part and intermediate objects.
func (b *GCPBackend) MultipartCommit(ctx context.Context, uri string, upload *MultipartUpload) (*CommitResult, error) {
	finalName, err := b.name(uri)
	if err != nil {
		return nil, err
	}
	prefix, err := b.partPrefix(uri, upload)
	if err != nil {
		return nil, err
	}

	sources := make([]string, upload.Parts)
	for i := range sources {
		sources[i] = partObject(prefix, i+1)
	}

	intermediates, err := b.chainCompose(ctx, sources, finalName)
	for _, name := range intermediates {
		if delErr := b.client.Delete(ctx, b.Bucket, name); delErr != nil && !isGCSNotFound(delErr) {
			slog.Warn("Failed to clean up intermediate compose object", "object", name, "error", delErr)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := b.deletePrefix(ctx, prefix); err != nil {
		slog.Warn("Failed to clean up multipart parts", "prefix", prefix, "error", err)
	}

	attrs, err := b.client.Attrs(ctx, b.Bucket, finalName)
	if err != nil {
		return nil, fmt.Errorf("reading attrs of composed object: %w", err)
	}
	res := &CommitResult{Size: attrs.Size}
	if len(attrs.MD5) > 0 {
		res.Checksum = ChecksumPrefix + hex.EncodeToString(attrs.MD5)
	}
	return res, nil
}

// chainCompose composes sources into finalName in batches of 32, composing
// the intermediates until one call suffices. It returns the intermediate
// object names for cleanup.
func (b *GCPBackend) chainCompose(ctx context.Context, sources []string, finalName string) ([]string, error) {
	var intermediates []string
	current := sources

	for generation := 0; len(current) > maxComposeSources; generation++ {
		var next []string
		for i := 0; i < len(current); i += maxComposeSources {
			end := min(i+maxComposeSources, len(current))
			batch := current[i:end]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := b.client.Compose(ctx, b.Bucket, name, batch); err != nil {
				return intermediates, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			next = append(next, name)
			intermediates = append(intermediates, name)
		}
		current = next
	}

	if _, err := b.client.Compose(ctx, b.Bucket, finalName, current); err != nil {
		return intermediates, fmt.Errorf("final compose in GCS: %w", err)
	}
	return intermediates, nil
}

// MultipartAbort deletes every uploaded part object.
func (b *GCPBackend) MultipartAbort(ctx context.Context, uri string, upload *MultipartUpload) error {
	prefix, err := b.partPrefix(uri, upload)
	if err != nil {
		return err
	}
	return b.deletePrefix(ctx, prefix)
}

func (b *GCPBackend) deletePrefix(ctx context.Context, prefix string) error {
	names, err := b.client.ListObjects(ctx, b.Bucket, prefix)
	if err != nil {
		return fmt.Errorf("listing objects under %q: %w", prefix, err)
	}
	for _, name := range names {
		if err := b.client.Delete(ctx, b.Bucket, name); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting %s: %w", name, err)
		}
	}
	return nil
}

// isGCSNotFound reports whether err is a GCS 404.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var (
	_ Backend              = (*GCPBackend)(nil)
	_ MultipartInitializer = (*GCPBackend)(nil)
	_ MultipartPartWriter  = (*GCPBackend)(nil)
	_ MultipartCommitter   = (*GCPBackend)(nil)
	_ MultipartAborter     = (*GCPBackend)(nil)
)
