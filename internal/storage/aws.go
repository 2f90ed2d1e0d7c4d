package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bleepstore/bleepfiles/internal/config"
)

// S3API is the subset of the S3 client the AWS backend uses, so tests can
// substitute a mock.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// S3Presigner presigns part uploads so clients can send parts straight to S3.
type S3Presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

const (
	awsExtraUploadID = "upload_id"
	awsExtraETag     = "etag_"

	// MaxPresignTTL is the longest lifetime SigV4 accepts for a presigned URL.
	MaxPresignTTL = 7 * 24 * time.Hour
)

// AWSBackend stores files in a single S3 bucket under Prefix. It runs
// multipart uploads natively: the S3 upload id and every part ETag are
// persisted as multipart extras, and part links are presigned UploadPart URLs.
// Parts uploaded through those links never pass through the server, so commit
// asks S3 for the parts it holds.
//
// URIs have the form s3://<bucket>/<prefix><object id>.
type AWSBackend struct {
	Bucket string
	Region string
	Prefix string
	// LinkTTL is the lifetime of presigned part links, at most MaxPresignTTL.
	LinkTTL time.Duration

	client    S3API
	presigner S3Presigner
}

// NewAWSBackend builds the S3 client from cfg using the default credential
// chain, or static credentials when both keys are set, and verifies that the
// bucket is reachable.
func NewAWSBackend(ctx context.Context, cfg *config.AWSStorageConfig, linkTTL time.Duration) (*AWSBackend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	b := NewAWSBackendWithClient(cfg.Bucket, cfg.Region, cfg.Prefix, client, s3.NewPresignClient(client))
	b.LinkTTL = clampPresignTTL(linkTTL)
	if b.LinkTTL != linkTTL {
		slog.Warn("Part link TTL exceeds the S3 presign limit, clamping", "configured", linkTTL, "used", b.LinkTTL)
	}

	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("AWS storage backend initialized", "bucket", cfg.Bucket, "region", cfg.Region, "prefix", cfg.Prefix)
	return b, nil
}

// NewAWSBackendWithClient creates an AWSBackend around existing clients.
// presigner may be nil, in which case no native part links are produced.
func NewAWSBackendWithClient(bucket, region, prefix string, client S3API, presigner S3Presigner) *AWSBackend {
	return &AWSBackend{
		Bucket:    bucket,
		Region:    region,
		Prefix:    prefix,
		LinkTTL:   time.Hour,
		client:    client,
		presigner: presigner,
	}
}

func (b *AWSBackend) Name() string { return "aws" }

func (b *AWSBackend) NewURI(objectID string) string {
	return "s3://" + b.Bucket + "/" + b.Prefix + objectID
}

// key maps a URI back to the S3 object key.
func (b *AWSBackend) key(uri string) (string, error) {
	k, ok := strings.CutPrefix(uri, "s3://"+b.Bucket+"/")
	if !ok || k == "" {
		return "", fmt.Errorf("uri %q does not belong to bucket %q", uri, b.Bucket)
	}
	return k, nil
}

func (b *AWSBackend) Initialize(ctx context.Context, uri string, size int64) error {
	return ErrRandomAccessUnsupported
}

func (b *AWSBackend) Update(ctx context.Context, uri string, r io.Reader, seek, size int64) (int64, error) {
	return 0, ErrRandomAccessUnsupported
}

// Write buffers the content to compute its checksum locally, since S3 ETags
// differ from the MD5 under server-side encryption.
func (b *AWSBackend) Write(ctx context.Context, uri string, r io.Reader, size int64) (int64, string, error) {
	key, err := b.key(uri)
	if err != nil {
		return 0, "", err
	}
	data, err := readExact(r, size)
	if err != nil {
		return 0, "", fmt.Errorf("reading file data: %w", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return 0, "", fmt.Errorf("uploading to S3: %w", err)
	}
	return int64(len(data)), Checksum(data), nil
}

func (b *AWSBackend) Open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	key, err := b.key(uri)
	if err != nil {
		return nil, 0, err
	}
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, fmt.Errorf("%s: %w", uri, ErrObjectNotFound)
		}
		return nil, 0, fmt.Errorf("getting object from S3: %w", err)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

// Delete is idempotent: S3 DeleteObject does not fail on missing keys.
func (b *AWSBackend) Delete(ctx context.Context, uri string) error {
	key, err := b.key(uri)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

func (b *AWSBackend) FileURL(uri string) string { return uri }

// HealthCheck verifies that the bucket is accessible.
func (b *AWSBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	return err
}

// MultipartInitialize creates the S3 multipart upload.
func (b *AWSBackend) MultipartInitialize(ctx context.Context, uri string, upload *MultipartUpload) (map[string]string, error) {
	key, err := b.key(uri)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("creating S3 multipart upload: %w", err)
	}
	return map[string]string{awsExtraUploadID: aws.ToString(resp.UploadId)}, nil
}

func (b *AWSBackend) uploadID(upload *MultipartUpload) (string, error) {
	id := upload.Extra[awsExtraUploadID]
	if id == "" {
		return "", fmt.Errorf("multipart upload has no S3 upload id")
	}
	return id, nil
}

// MultipartWritePart uploads one part and records its ETag.
func (b *AWSBackend) MultipartWritePart(ctx context.Context, uri string, upload *MultipartUpload, part int, r io.Reader, size int64) (map[string]string, error) {
	key, err := b.key(uri)
	if err != nil {
		return nil, err
	}
	uploadID, err := b.uploadID(upload)
	if err != nil {
		return nil, err
	}
	data, err := readExact(r, size)
	if err != nil {
		return nil, fmt.Errorf("reading part data: %w", err)
	}

	resp, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(part)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return nil, fmt.Errorf("uploading part %d to S3: %w", part, err)
	}
	return map[string]string{awsExtraETag + strconv.Itoa(part): aws.ToString(resp.ETag)}, nil
}

// MultipartCommit completes the S3 upload. Part ETags come from the extras
// recorded by MultipartWritePart and from S3's own listing, which also covers
// parts clients sent through presigned links. Every declared part must be
// present. S3 multipart ETags are not content digests, so no checksum is
// reported.
func (b *AWSBackend) MultipartCommit(ctx context.Context, uri string, upload *MultipartUpload) (*CommitResult, error) {
	key, err := b.key(uri)
	if err != nil {
		return nil, err
	}
	uploadID, err := b.uploadID(upload)
	if err != nil {
		return nil, err
	}

	etags := make(map[int32]string)
	for k, etag := range upload.Extra {
		num, ok := strings.CutPrefix(k, awsExtraETag)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return nil, fmt.Errorf("parsing part number from %q: %w", k, err)
		}
		etags[int32(n)] = etag
	}
	listed, err := b.listParts(ctx, key, uploadID)
	if err != nil {
		return nil, err
	}
	for n, etag := range listed {
		etags[n] = etag
	}

	parts := make([]types.CompletedPart, 0, len(etags))
	for n := int32(1); n <= int32(upload.Parts); n++ {
		etag, ok := etags[n]
		if !ok {
			return nil, fmt.Errorf("%w: part %d of %d", ErrPartsMissing, n, upload.Parts)
		}
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(n),
		})
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, fmt.Errorf("completing S3 multipart upload: %w", err)
	}

	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("reading size of completed object: %w", err)
	}
	return &CommitResult{Size: aws.ToInt64(head.ContentLength)}, nil
}

// listParts returns the ETag of every part S3 holds for the upload.
func (b *AWSBackend) listParts(ctx context.Context, key, uploadID string) (map[int32]string, error) {
	etags := make(map[int32]string)
	p := s3.NewListPartsPaginator(b.client, &s3.ListPartsInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing S3 multipart parts: %w", err)
		}
		for _, part := range page.Parts {
			etags[aws.ToInt32(part.PartNumber)] = aws.ToString(part.ETag)
		}
	}
	return etags, nil
}

// MultipartAbort aborts the S3 upload. An upload S3 no longer knows about
// counts as aborted.
func (b *AWSBackend) MultipartAbort(ctx context.Context, uri string, upload *MultipartUpload) error {
	key, err := b.key(uri)
	if err != nil {
		return err
	}
	uploadID, err := b.uploadID(upload)
	if err != nil {
		return err
	}
	_, err = b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isAWSNoSuchUpload(err) {
		return fmt.Errorf("aborting S3 multipart upload: %w", err)
	}
	return nil
}

// MultipartLinks presigns an UploadPart request for every part.
func (b *AWSBackend) MultipartLinks(ctx context.Context, uri string, upload *MultipartUpload, baseURL string) (map[string]any, error) {
	if b.presigner == nil {
		return nil, nil
	}
	key, err := b.key(uri)
	if err != nil {
		return nil, err
	}
	uploadID, err := b.uploadID(upload)
	if err != nil {
		return nil, err
	}

	ttl := clampPresignTTL(b.LinkTTL)
	expires := time.Now().UTC().Add(ttl)
	links := make([]PartLink, 0, upload.Parts)
	for part := 1; part <= upload.Parts; part++ {
		req, err := b.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(b.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(part)),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return nil, fmt.Errorf("presigning part %d: %w", part, err)
		}
		links = append(links, PartLink{Part: part, URL: req.URL, Expiration: expires})
	}
	return map[string]any{"parts": links}, nil
}

func clampPresignTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > MaxPresignTTL {
		return MaxPresignTTL
	}
	return ttl
}

// isAWSNotFound reports whether err is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

func isAWSNoSuchUpload(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchUpload"
	}
	return false
}

var (
	_ Backend              = (*AWSBackend)(nil)
	_ MultipartInitializer = (*AWSBackend)(nil)
	_ MultipartPartWriter  = (*AWSBackend)(nil)
	_ MultipartCommitter   = (*AWSBackend)(nil)
	_ MultipartAborter     = (*AWSBackend)(nil)
	_ MultipartLinker      = (*AWSBackend)(nil)
)
