package storage

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/bleepstore/bleepfiles/internal/config"
	"github.com/bleepstore/bleepfiles/internal/uid"
)

const azureExtraSession = "block_session"

// AzureBlobAPI is the subset of the Azure Blob client the Azure backend
// uses, so tests can substitute a mock.
type AzureBlobAPI interface {
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, error)
	// DeleteBlob returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	GetBlobProperties(ctx context.Context, containerName, blobName string) (*AzureBlobProperties, error)
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) error
}

// AzureBlobProperties holds the blob properties the backend reads.
type AzureBlobProperties struct {
	Size       int64
	ContentMD5 []byte
}

// AzureBackend stores files as block blobs in one container under Prefix.
// Multipart parts are staged as blocks on the final blob and committed as a
// block list. There is no abort: uncommitted blocks expire on their own.
//
// URIs have the form azure://<container>/<prefix><object id>.
type AzureBackend struct {
	Container  string
	AccountURL string
	Prefix     string

	client AzureBlobAPI
}

// NewAzureBackend creates the Azure client from cfg and verifies container
// access.
func NewAzureBackend(ctx context.Context, cfg *config.AzureStorageConfig) (*AzureBackend, error) {
	accountURL := cfg.AccountURL
	if accountURL == "" && cfg.Account != "" {
		accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	client, err := newRealAzureClient(accountURL, cfg.ConnectionString, cfg.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := NewAzureBackendWithClient(cfg.Container, accountURL, cfg.Prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", cfg.Container, err)
	}

	slog.Info("Azure storage backend initialized", "container", cfg.Container, "account", accountURL, "prefix", cfg.Prefix)
	return b, nil
}

// NewAzureBackendWithClient creates an AzureBackend around an existing client.
func NewAzureBackendWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}
}

func (b *AzureBackend) Name() string { return "azure" }

func (b *AzureBackend) NewURI(objectID string) string {
	return "azure://" + b.Container + "/" + b.Prefix + objectID
}

func (b *AzureBackend) blobName(uri string) (string, error) {
	n, ok := strings.CutPrefix(uri, "azure://"+b.Container+"/")
	if !ok || n == "" {
		return "", fmt.Errorf("uri %q does not belong to container %q", uri, b.Container)
	}
	return n, nil
}

// blockID encodes session and part into a block id. Azure requires ids of
// equal length within a blob, hence the fixed-width part number.
func blockID(session string, part int) string {
	return base64.StdEncoding.EncodeToString(fmt.Appendf(nil, "%s:%05d", session, part))
}

func (b *AzureBackend) Initialize(ctx context.Context, uri string, size int64) error {
	return ErrRandomAccessUnsupported
}

func (b *AzureBackend) Update(ctx context.Context, uri string, r io.Reader, seek, size int64) (int64, error) {
	return 0, ErrRandomAccessUnsupported
}

func (b *AzureBackend) Write(ctx context.Context, uri string, r io.Reader, size int64) (int64, string, error) {
	name, err := b.blobName(uri)
	if err != nil {
		return 0, "", err
	}
	data, err := readExact(r, size)
	if err != nil {
		return 0, "", fmt.Errorf("reading file data: %w", err)
	}
	if err := b.client.UploadBlob(ctx, b.Container, name, data); err != nil {
		return 0, "", fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return int64(len(data)), Checksum(data), nil
}

func (b *AzureBackend) Open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	name, err := b.blobName(uri)
	if err != nil {
		return nil, 0, err
	}
	props, err := b.client.GetBlobProperties(ctx, b.Container, name)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, fmt.Errorf("%s: %w", uri, ErrObjectNotFound)
		}
		return nil, 0, fmt.Errorf("getting blob properties from Azure: %w", err)
	}
	rc, err := b.client.DownloadBlob(ctx, b.Container, name)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, fmt.Errorf("%s: %w", uri, ErrObjectNotFound)
		}
		return nil, 0, fmt.Errorf("downloading blob from Azure: %w", err)
	}
	return rc, props.Size, nil
}

func (b *AzureBackend) Delete(ctx context.Context, uri string) error {
	name, err := b.blobName(uri)
	if err != nil {
		return err
	}
	if err := b.client.DeleteBlob(ctx, b.Container, name); err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting blob from Azure: %w", err)
	}
	return nil
}

func (b *AzureBackend) FileURL(uri string) string {
	name, err := b.blobName(uri)
	if err != nil || b.AccountURL == "" {
		return uri
	}
	return strings.TrimSuffix(b.AccountURL, "/") + "/" + b.Container + "/" + name
}

// HealthCheck probes a blob that cannot exist; only a not-found answer
// proves the container is reachable.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.GetBlobProperties(ctx, b.Container, "\x00nonexistent\x00")
	if err == nil || (isAzureNotFound(err) && !bloberror.HasCode(err, bloberror.ContainerNotFound)) {
		return nil
	}
	return err
}

// MultipartInitialize picks a block session id so concurrent uploads to the
// same blob cannot collide.
func (b *AzureBackend) MultipartInitialize(ctx context.Context, uri string, upload *MultipartUpload) (map[string]string, error) {
	if _, err := b.blobName(uri); err != nil {
		return nil, err
	}
	return map[string]string{azureExtraSession: uid.New()[:16]}, nil
}

// MultipartWritePart stages the part as a block on the final blob.
func (b *AzureBackend) MultipartWritePart(ctx context.Context, uri string, upload *MultipartUpload, part int, r io.Reader, size int64) (map[string]string, error) {
	name, err := b.blobName(uri)
	if err != nil {
		return nil, err
	}
	data, err := readExact(r, size)
	if err != nil {
		return nil, fmt.Errorf("reading part data: %w", err)
	}
	if err := b.client.StageBlock(ctx, b.Container, name, blockID(upload.Extra[azureExtraSession], part), data); err != nil {
		return nil, fmt.Errorf("staging block for part %d: %w", part, err)
	}
	return nil, nil
}

// MultipartCommit commits blocks 1..Parts in order.
func (b *AzureBackend) MultipartCommit(ctx context.Context, uri string, upload *MultipartUpload) (*CommitResult, error) {
	name, err := b.blobName(uri)
	if err != nil {
		return nil, err
	}
	session := upload.Extra[azureExtraSession]
	ids := make([]string, upload.Parts)
	for i := range ids {
		ids[i] = blockID(session, i+1)
	}
	if err := b.client.CommitBlockList(ctx, b.Container, name, ids); err != nil {
		return nil, fmt.Errorf("committing block list: %w", err)
	}

	props, err := b.client.GetBlobProperties(ctx, b.Container, name)
	if err != nil {
		return nil, fmt.Errorf("reading committed blob properties: %w", err)
	}
	res := &CommitResult{Size: props.Size}
	if len(props.ContentMD5) > 0 {
		res.Checksum = ChecksumPrefix + hex.EncodeToString(props.ContentMD5)
	}
	return res, nil
}

// isAzureNotFound reports whether err is a missing blob or container.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist")
}

var (
	_ Backend              = (*AzureBackend)(nil)
	_ MultipartInitializer = (*AzureBackend)(nil)
	_ MultipartPartWriter  = (*AzureBackend)(nil)
	_ MultipartCommitter   = (*AzureBackend)(nil)
	// No MultipartAborter: Azure discards uncommitted blocks after seven days.
)
