package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	objects          map[string][]byte
	multipartUploads map[string]*mockMultipartUpload
	nextUploadID     int
	abortCalls       int
	listPartsCalls   int
}

type mockMultipartUpload struct {
	key   string
	parts map[int32][]byte
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:          make(map[string][]byte),
		multipartUploads: make(map[string]*mockMultipartUpload),
	}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{ETag: aws.String(fmt.Sprintf(`"%x"`, md5.Sum(data)))}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.nextUploadID++
	uploadID := fmt.Sprintf("mock-upload-%d", m.nextUploadID)
	m.multipartUploads[uploadID] = &mockMultipartUpload{
		key:   aws.ToString(params.Key),
		parts: make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(uploadID)}, nil
}

func (m *mockS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	upload, ok := m.multipartUploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchUpload", message: "No such upload", httpStatus: 404}
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	upload.parts[aws.ToInt32(params.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"%x"`, md5.Sum(data)))}, nil
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	uploadID := aws.ToString(params.UploadId)
	upload, ok := m.multipartUploads[uploadID]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchUpload", message: "No such upload", httpStatus: 404}
	}

	var assembled bytes.Buffer
	for _, cp := range params.MultipartUpload.Parts {
		partData, ok := upload.parts[aws.ToInt32(cp.PartNumber)]
		if !ok {
			return nil, &mockAPIError{code: "InvalidPart", message: "Part not found", httpStatus: 400}
		}
		if want := fmt.Sprintf(`"%x"`, md5.Sum(partData)); aws.ToString(cp.ETag) != want {
			return nil, &mockAPIError{code: "InvalidPart", message: "ETag mismatch", httpStatus: 400}
		}
		assembled.Write(partData)
	}
	m.objects[upload.key] = assembled.Bytes()
	delete(m.multipartUploads, uploadID)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.abortCalls++
	uploadID := aws.ToString(params.UploadId)
	if _, ok := m.multipartUploads[uploadID]; !ok {
		return nil, &mockAPIError{code: "NoSuchUpload", message: "No such upload", httpStatus: 404}
	}
	delete(m.multipartUploads, uploadID)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (m *mockS3Client) ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	m.listPartsCalls++
	upload, ok := m.multipartUploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchUpload", message: "No such upload", httpStatus: 404}
	}
	nums := make([]int, 0, len(upload.parts))
	for n := range upload.parts {
		nums = append(nums, int(n))
	}
	sort.Ints(nums)
	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for _, n := range nums {
		data := upload.parts[int32(n)]
		out.Parts = append(out.Parts, types.Part{
			PartNumber: aws.Int32(int32(n)),
			ETag:       aws.String(fmt.Sprintf(`"%x"`, md5.Sum(data))),
			Size:       aws.Int64(int64(len(data))),
		})
	}
	return out, nil
}

// uploadDirect stores a part the way a client following a presigned link
// does: straight into S3, leaving no trace in the upload's extras.
func (m *mockS3Client) uploadDirect(t *testing.T, uploadID string, part int32, body string) {
	t.Helper()
	upload, ok := m.multipartUploads[uploadID]
	if !ok {
		t.Fatalf("no upload %q", uploadID)
	}
	upload.parts[part] = []byte(body)
}

// mockAPIError implements smithy.APIError for the mock client.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (e *mockAPIError) HTTPStatusCode() int           { return e.httpStatus }

// mockPresigner returns deterministic URLs.
type mockPresigner struct{}

func (mockPresigner) PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://s3.example/%s?partNumber=%d&uploadId=%s", aws.ToString(params.Key), aws.ToInt32(params.PartNumber), aws.ToString(params.UploadId)),
		Method: "PUT",
	}, nil
}

func newTestAWSBackend() (*AWSBackend, *mockS3Client) {
	mock := newMockS3Client()
	return NewAWSBackendWithClient("test-bucket", "us-east-1", "files/", mock, mockPresigner{}), mock
}

func TestAWSWriteOpenDelete(t *testing.T) {
	ctx := context.Background()
	b, mock := newTestAWSBackend()

	uri := b.NewURI("abc123")
	if uri != "s3://test-bucket/files/abc123" {
		t.Fatalf("NewURI = %q", uri)
	}

	n, checksum, err := b.Write(ctx, uri, strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 || checksum != Checksum([]byte("hello")) {
		t.Errorf("Write = (%d, %q)", n, checksum)
	}
	if _, ok := mock.objects["files/abc123"]; !ok {
		t.Fatal("object not stored under prefixed key")
	}

	rc, size, err := b.Open(ctx, uri)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" || size != 5 {
		t.Errorf("Open = (%q, %d)", data, size)
	}

	if err := b.Delete(ctx, uri); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := b.Open(ctx, uri); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Open after delete: got %v, want ErrObjectNotFound", err)
	}
}

func TestAWSRejectsForeignURI(t *testing.T) {
	b, _ := newTestAWSBackend()
	if _, _, err := b.Write(context.Background(), "s3://other/x", strings.NewReader("x"), 1); err == nil {
		t.Fatal("expected error for uri in another bucket")
	}
}

func TestAWSNativeMultipart(t *testing.T) {
	ctx := context.Background()
	b, mock := newTestAWSBackend()
	a := NewAdapter(b, b.NewURI("mp1"))
	if !a.Native() {
		t.Fatal("AWS backend should be native")
	}

	upload := &MultipartUpload{Parts: 3, Size: 9}
	delta, err := a.MultipartInitialize(ctx, upload)
	if err != nil {
		t.Fatalf("MultipartInitialize: %v", err)
	}
	if delta[awsExtraUploadID] == "" {
		t.Fatalf("missing upload id in %v", delta)
	}
	upload.Merge(delta)

	// Out of order on purpose.
	for _, part := range []int{3, 1, 2} {
		body := strings.Repeat(fmt.Sprint(part), 3)
		delta, err := a.MultipartWritePart(ctx, upload, part, strings.NewReader(body), 3)
		if err != nil {
			t.Fatalf("MultipartWritePart(%d): %v", part, err)
		}
		upload.Merge(delta)
	}

	res, err := a.MultipartCommit(ctx, upload)
	if err != nil {
		t.Fatalf("MultipartCommit: %v", err)
	}
	if res == nil || res.Size != 9 || res.Checksum != "" {
		t.Errorf("CommitResult = %+v", res)
	}
	if got := string(mock.objects["files/mp1"]); got != "111222333" {
		t.Errorf("assembled = %q", got)
	}
}

func TestAWSCommitPresignedParts(t *testing.T) {
	ctx := context.Background()
	b, mock := newTestAWSBackend()
	a := NewAdapter(b, b.NewURI("mp4"))

	upload := &MultipartUpload{Parts: 2, Size: 8}
	delta, err := a.MultipartInitialize(ctx, upload)
	if err != nil {
		t.Fatalf("MultipartInitialize: %v", err)
	}
	upload.Merge(delta)
	uploadID := upload.Extra[awsExtraUploadID]

	mock.uploadDirect(t, uploadID, 2, "efgh")
	mock.uploadDirect(t, uploadID, 1, "abcd")

	res, err := a.MultipartCommit(ctx, upload)
	if err != nil {
		t.Fatalf("MultipartCommit: %v", err)
	}
	if res == nil || res.Size != 8 {
		t.Errorf("CommitResult = %+v, want size 8", res)
	}
	if got := string(mock.objects["files/mp4"]); got != "abcdefgh" {
		t.Errorf("assembled = %q", got)
	}
	if mock.listPartsCalls == 0 {
		t.Error("commit did not list the parts held by S3")
	}
}

func TestAWSCommitMixedParts(t *testing.T) {
	ctx := context.Background()
	b, mock := newTestAWSBackend()
	a := NewAdapter(b, b.NewURI("mp5"))

	upload := &MultipartUpload{Parts: 2, Size: 6}
	delta, err := a.MultipartInitialize(ctx, upload)
	if err != nil {
		t.Fatalf("MultipartInitialize: %v", err)
	}
	upload.Merge(delta)

	delta, err = a.MultipartWritePart(ctx, upload, 1, strings.NewReader("abc"), 3)
	if err != nil {
		t.Fatalf("MultipartWritePart: %v", err)
	}
	upload.Merge(delta)
	mock.uploadDirect(t, upload.Extra[awsExtraUploadID], 2, "def")

	if _, err := a.MultipartCommit(ctx, upload); err != nil {
		t.Fatalf("MultipartCommit: %v", err)
	}
	if got := string(mock.objects["files/mp5"]); got != "abcdef" {
		t.Errorf("assembled = %q", got)
	}
}

func TestAWSCommitMissingPart(t *testing.T) {
	ctx := context.Background()
	b, mock := newTestAWSBackend()
	a := NewAdapter(b, b.NewURI("mp6"))

	upload := &MultipartUpload{Parts: 3, Size: 9}
	delta, err := a.MultipartInitialize(ctx, upload)
	if err != nil {
		t.Fatalf("MultipartInitialize: %v", err)
	}
	upload.Merge(delta)
	mock.uploadDirect(t, upload.Extra[awsExtraUploadID], 1, "aaa")
	mock.uploadDirect(t, upload.Extra[awsExtraUploadID], 3, "ccc")

	if _, err := a.MultipartCommit(ctx, upload); !errors.Is(err, ErrPartsMissing) {
		t.Fatalf("MultipartCommit: got %v, want ErrPartsMissing", err)
	}
	if _, ok := mock.objects["files/mp6"]; ok {
		t.Error("object created from an incomplete upload")
	}
	if len(mock.multipartUploads) != 1 {
		t.Error("incomplete upload should stay open")
	}
}

func TestAWSPresignTTLIsClamped(t *testing.T) {
	client := s3.New(s3.Options{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
	})
	b := NewAWSBackendWithClient("test-bucket", "us-east-1", "", client, s3.NewPresignClient(client))
	b.LinkTTL = 14 * 24 * time.Hour

	upload := &MultipartUpload{Parts: 1, Extra: map[string]string{awsExtraUploadID: "u-1"}}
	before := time.Now().UTC()
	links, err := b.MultipartLinks(context.Background(), b.NewURI("obj"), upload, "")
	if err != nil {
		t.Fatalf("MultipartLinks: %v", err)
	}
	parts := links["parts"].([]PartLink)
	u, err := url.Parse(parts[0].URL)
	if err != nil {
		t.Fatalf("parsing presigned URL: %v", err)
	}
	if got := u.Query().Get("X-Amz-Expires"); got != "604800" {
		t.Errorf("X-Amz-Expires = %q, want 604800", got)
	}
	if exp := parts[0].Expiration; exp.After(before.Add(MaxPresignTTL + time.Minute)) {
		t.Errorf("advertised expiration %v exceeds the presign limit", exp)
	}
}

func TestClampPresignTTL(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{time.Hour, time.Hour},
		{MaxPresignTTL, MaxPresignTTL},
		{14 * 24 * time.Hour, MaxPresignTTL},
		{0, MaxPresignTTL},
	}
	for _, tt := range tests {
		if got := clampPresignTTL(tt.in); got != tt.want {
			t.Errorf("clampPresignTTL(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAWSMultipartAbortIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b, mock := newTestAWSBackend()
	uri := b.NewURI("mp2")

	upload := &MultipartUpload{Parts: 1, Size: 1}
	delta, err := b.MultipartInitialize(ctx, uri, upload)
	if err != nil {
		t.Fatalf("MultipartInitialize: %v", err)
	}
	upload.Merge(delta)

	if err := b.MultipartAbort(ctx, uri, upload); err != nil {
		t.Fatalf("MultipartAbort: %v", err)
	}
	if err := b.MultipartAbort(ctx, uri, upload); err != nil {
		t.Fatalf("second MultipartAbort: %v", err)
	}
	if mock.abortCalls != 2 || len(mock.multipartUploads) != 0 {
		t.Errorf("abortCalls=%d uploads=%d", mock.abortCalls, len(mock.multipartUploads))
	}
}

func TestAWSMultipartLinks(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestAWSBackend()
	uri := b.NewURI("mp3")
	upload := &MultipartUpload{Parts: 2, Extra: map[string]string{awsExtraUploadID: "u-1"}}

	links, err := b.MultipartLinks(ctx, uri, upload, "http://self")
	if err != nil {
		t.Fatalf("MultipartLinks: %v", err)
	}
	parts, ok := links["parts"].([]PartLink)
	if !ok || len(parts) != 2 {
		t.Fatalf("parts = %#v", links["parts"])
	}
	if !strings.Contains(parts[1].URL, "partNumber=2") || !strings.Contains(parts[1].URL, "uploadId=u-1") {
		t.Errorf("unexpected presigned URL %q", parts[1].URL)
	}

	if _, err := b.MultipartLinks(ctx, uri, &MultipartUpload{Parts: 1}, ""); err == nil {
		t.Error("expected error without upload id")
	}
}

func TestAWSRandomAccessUnsupported(t *testing.T) {
	b, _ := newTestAWSBackend()
	if err := b.Initialize(context.Background(), b.NewURI("x"), 10); !errors.Is(err, ErrRandomAccessUnsupported) {
		t.Errorf("Initialize: got %v", err)
	}
}

func TestIsAWSNotFound(t *testing.T) {
	if !isAWSNotFound(&mockAPIError{code: "NoSuchKey"}) {
		t.Error("NoSuchKey should be not found")
	}
	if !isAWSNotFound(&mockAPIError{code: "Other", httpStatus: 404}) {
		t.Error("HTTP 404 should be not found")
	}
	if isAWSNotFound(&mockAPIError{code: "AccessDenied", httpStatus: 403}) {
		t.Error("AccessDenied should not be not found")
	}
}
