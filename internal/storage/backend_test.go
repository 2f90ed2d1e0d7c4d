package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// backendFactories builds every backend that supports random-access writes.
func backendFactories() map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"local": func(t *testing.T) Backend {
			return newTestBackend(t)
		},
		"memory": func(t *testing.T) Backend {
			b, err := NewMemoryBackend(0, "", 0)
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { b.Close() })
			return b
		},
		"sqlite": func(t *testing.T) Backend {
			b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "files.db"))
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
}

func readAll(t *testing.T, b Backend, uri string) string {
	t.Helper()
	rc, size, err := b.Open(context.Background(), uri)
	if err != nil {
		t.Fatalf("Open(%q): %v", uri, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %q: %v", uri, err)
	}
	if int64(len(data)) != size {
		t.Errorf("Open size = %d, read %d bytes", size, len(data))
	}
	return string(data)
}

func TestBackendWriteOpenDelete(t *testing.T) {
	for name, factory := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()
			uri := b.NewURI("0123456789abcdef")

			n, checksum, err := b.Write(ctx, uri, strings.NewReader("hello world"), 11)
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			if n != 11 {
				t.Errorf("n = %d", n)
			}
			if checksum != Checksum([]byte("hello world")) {
				t.Errorf("checksum = %q", checksum)
			}
			if got := readAll(t, b, uri); got != "hello world" {
				t.Errorf("content = %q", got)
			}

			// Overwrite replaces.
			if _, _, err := b.Write(ctx, uri, strings.NewReader("bye"), -1); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if got := readAll(t, b, uri); got != "bye" {
				t.Errorf("content after overwrite = %q", got)
			}

			if err := b.Delete(ctx, uri); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := b.Delete(ctx, uri); err != nil {
				t.Fatalf("Delete of missing object: %v", err)
			}
			if _, _, err := b.Open(ctx, uri); !errors.Is(err, ErrObjectNotFound) {
				t.Errorf("Open after delete: got %v, want ErrObjectNotFound", err)
			}
			if err := b.HealthCheck(ctx); err != nil {
				t.Errorf("HealthCheck: %v", err)
			}
		})
	}
}

func TestBackendShortBody(t *testing.T) {
	for name, factory := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			_, _, err := b.Write(context.Background(), b.NewURI("0123456789abcdef"), strings.NewReader("abc"), 5)
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("got %v, want io.ErrUnexpectedEOF", err)
			}
		})
	}
}

func TestBackendInitializeUpdate(t *testing.T) {
	for name, factory := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()
			uri := b.NewURI("fedcba9876543210")

			if _, err := b.Update(ctx, uri, strings.NewReader("x"), 0, 1); !errors.Is(err, ErrObjectNotFound) {
				t.Errorf("Update before Initialize: got %v", err)
			}
			if err := b.Initialize(ctx, uri, 9); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			if got := readAll(t, b, uri); got != strings.Repeat("\x00", 9) {
				t.Errorf("initialized content = %q", got)
			}

			writes := []struct {
				seek int64
				data string
			}{
				{6, "ccc"},
				{0, "aaa"},
				{3, "bbb"},
			}
			for _, w := range writes {
				n, err := b.Update(ctx, uri, strings.NewReader(w.data), w.seek, int64(len(w.data)))
				if err != nil {
					t.Fatalf("Update(seek=%d): %v", w.seek, err)
				}
				if n != int64(len(w.data)) {
					t.Errorf("Update n = %d", n)
				}
			}
			if got := readAll(t, b, uri); got != "aaabbbccc" {
				t.Errorf("content = %q", got)
			}
		})
	}
}

func TestAdapterGenericMultipart(t *testing.T) {
	for name, factory := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := factory(t)
			uri := b.NewURI("00112233445566")
			a := NewAdapter(b, uri)
			if a.Native() {
				t.Fatal("backend should use the generic path")
			}

			if _, err := a.MultipartInitialize(ctx, &MultipartUpload{Parts: 2, Size: 8}); !errors.Is(err, ErrPartSizeRequired) {
				t.Errorf("initialize without part size: got %v", err)
			}

			upload := &MultipartUpload{Parts: 3, PartSize: 4, Size: 10}
			delta, err := a.MultipartInitialize(ctx, upload)
			if err != nil || delta != nil {
				t.Fatalf("MultipartInitialize = (%v, %v)", delta, err)
			}
			for _, p := range []struct {
				part int
				data string
			}{{3, "ZZ"}, {1, "AAAA"}, {2, "BBBB"}} {
				if _, err := a.MultipartWritePart(ctx, upload, p.part, strings.NewReader(p.data), int64(len(p.data))); err != nil {
					t.Fatalf("part %d: %v", p.part, err)
				}
			}

			res, err := a.MultipartCommit(ctx, upload)
			if err != nil || res != nil {
				t.Errorf("MultipartCommit = (%v, %v), want nil result", res, err)
			}
			if err := a.MultipartAbort(ctx, upload); err != nil {
				t.Errorf("MultipartAbort: %v", err)
			}
			links, err := a.MultipartLinks(ctx, upload, "http://x")
			if err != nil || links != nil {
				t.Errorf("MultipartLinks = (%v, %v)", links, err)
			}
			if got := readAll(t, b, uri); got != "AAAABBBBZZ" {
				t.Errorf("content = %q", got)
			}
		})
	}
}

func TestMemoryBackendLimit(t *testing.T) {
	b, err := NewMemoryBackend(10, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, _, err := b.Write(ctx, "mem://a", strings.NewReader("123456"), 6); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, _, err := b.Write(ctx, "mem://b", strings.NewReader("123456"), 6); err == nil {
		t.Fatal("expected memory limit error")
	}
	// Replacing an object only counts the delta.
	if _, _, err := b.Write(ctx, "mem://a", strings.NewReader("1234567890"), 10); err != nil {
		t.Fatalf("replace within limit: %v", err)
	}
	if b.Size() != 10 {
		t.Errorf("Size = %d", b.Size())
	}
}

func TestMemoryBackendSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.db")
	ctx := context.Background()

	b, err := NewMemoryBackend(0, path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.Write(ctx, "mem://keep", strings.NewReader("persisted"), 9); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	restored, err := NewMemoryBackend(0, path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer restored.Close()
	if got := readAll(t, restored, "mem://keep"); got != "persisted" {
		t.Errorf("restored = %q", got)
	}
}

func TestMultipartUploadTags(t *testing.T) {
	u := &MultipartUpload{Parts: 4, PartSize: 100, Size: 400}
	tags := u.Tags(false)
	if len(tags) != 2 || tags["multipart:parts"] != "4" || tags["multipart:part_size"] != "100" {
		t.Errorf("Tags(false) = %v", tags)
	}
	if got := u.Tags(true)["multipart:size"]; got != "400" {
		t.Errorf("size tag = %q", got)
	}

	u.Merge(map[string]string{"upload_id": "u1"})
	parsed, err := ParseMultipartUpload(u.Tags(false), 400)
	if err != nil {
		t.Fatalf("ParseMultipartUpload: %v", err)
	}
	if parsed.Parts != 4 || parsed.PartSize != 100 || parsed.Size != 400 || parsed.Extra["upload_id"] != "u1" {
		t.Errorf("parsed = %+v", parsed)
	}
	if parsed.Offset(3) != 200 || !parsed.IsLast(4) || parsed.IsLast(3) {
		t.Error("Offset/IsLast mismatch")
	}

	if _, err := ParseMultipartUpload(map[string]string{"multipart:part_size": "1"}, 0); err == nil {
		t.Error("expected error without part count")
	}
	if _, err := ParseMultipartUpload(map[string]string{"multipart:parts": "x"}, 0); err == nil {
		t.Error("expected error for non-numeric parts")
	}
}
