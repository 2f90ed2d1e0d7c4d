package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
	"github.com/bleepstore/bleepfiles/internal/metadata"
	"github.com/bleepstore/bleepfiles/internal/service"
	"github.com/bleepstore/bleepfiles/internal/storage"
	"github.com/bleepstore/bleepfiles/internal/transfer"
)

// newTestRouter wires the API over in-memory stores.
func newTestRouter(t *testing.T, baseURL string) http.Handler {
	t.Helper()
	store := metadata.NewMemoryStore()
	backend, err := storage.NewMemoryBackend(0, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })

	env := &transfer.Env{
		Files:       store,
		Tags:        store,
		Backend:     backend,
		PartLinkTTL: time.Hour,
	}
	reg, err := transfer.NewDefaultRegistry(env, transfer.CodeLocal, true)
	if err != nil {
		t.Fatal(err)
	}
	router := chi.NewMux()
	api := humachi.New(router, huma.DefaultConfig("test", "1.0.0"))
	Register(api, router, service.New(store, backend, reg), baseURL)
	return router
}

func do(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil && method != http.MethodPut {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func createRecord(t *testing.T, h http.Handler, sizeLimit int64) string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/records", strings.NewReader(`{"size_limit":`+jsonInt(sizeLimit)+`}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("create record: %d %s", w.Code, w.Body.String())
	}
	return decode[RecordBody](t, w).ID
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestRecordEndpoints(t *testing.T) {
	h := newTestRouter(t, "")
	id := createRecord(t, h, 100)

	w := do(t, h, http.MethodGet, "/records/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get record: %d %s", w.Code, w.Body.String())
	}
	if rec := decode[RecordBody](t, w); rec.ID != id || rec.SizeLimit != 100 {
		t.Errorf("record = %+v", rec)
	}

	w = do(t, h, http.MethodDelete, "/records/"+id, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete record: %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/records/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get deleted record: %d", w.Code)
	}
	if e := decode[APIError](t, w); e.Code != berrors.CodeNotFound {
		t.Errorf("error code = %q", e.Code)
	}
}

func TestCreateRecordNegativeLimit(t *testing.T) {
	h := newTestRouter(t, "")
	w := do(t, h, http.MethodPost, "/records", strings.NewReader(`{"size_limit":-1}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if e := decode[APIError](t, w); e.Code != berrors.CodeValidation {
		t.Errorf("error code = %q", e.Code)
	}
}

func TestLocalUploadRoundTrip(t *testing.T) {
	h := newTestRouter(t, "https://files.example.com/")
	id := createRecord(t, h, 0)

	w := do(t, h, http.MethodPost, "/records/"+id+"/files", strings.NewReader(`[{"key":"hello.txt","metadata":{"lang":"en"}}]`))
	if w.Code != http.StatusCreated {
		t.Fatalf("init: %d %s", w.Code, w.Body.String())
	}
	list := decode[FileListBody](t, w)
	if len(list.Entries) != 1 {
		t.Fatalf("entries = %+v", list.Entries)
	}
	f := list.Entries[0]
	if f.Status != "pending" || f.Transfer.Type != "" {
		t.Errorf("initialized file = %+v", f)
	}
	wantSelf := "https://files.example.com/records/" + id + "/files/hello.txt"
	if f.Links["self"] != wantSelf || f.Links["content"] != wantSelf+"/content" {
		t.Errorf("links = %v", f.Links)
	}

	w = do(t, h, http.MethodPut, "/records/"+id+"/files/hello.txt/content", strings.NewReader("hello world"))
	if w.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPost, "/records/"+id+"/files/hello.txt/commit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("commit: %d %s", w.Code, w.Body.String())
	}
	f = decode[FileBody](t, w)
	if f.Status != "completed" || f.Size != 11 || f.StorageClass != transfer.CodeLocal {
		t.Errorf("committed file = %+v", f)
	}

	w = do(t, h, http.MethodGet, "/records/"+id+"/files/hello.txt/content", nil)
	if w.Code != http.StatusOK || w.Body.String() != "hello world" {
		t.Fatalf("download: %d %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Length"); got != "11" {
		t.Errorf("Content-Length = %q", got)
	}

	w = do(t, h, http.MethodDelete, "/records/"+id+"/files/hello.txt", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/records/"+id+"/files/hello.txt", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("read deleted file: %d", w.Code)
	}
}

func TestUploadOverLimitIsFailedUpload(t *testing.T) {
	h := newTestRouter(t, "")
	id := createRecord(t, h, 4)
	do(t, h, http.MethodPost, "/records/"+id+"/files", strings.NewReader(`[{"key":"big"}]`))

	w := do(t, h, http.MethodPut, "/records/"+id+"/files/big/content", strings.NewReader("too large"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	e := decode[APIError](t, w)
	if e.Code != berrors.CodeFailedUpload || e.FileKey != "big" {
		t.Errorf("error = %+v", e)
	}
	w = do(t, h, http.MethodGet, "/records/"+id+"/files/big", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("failed upload left the file behind: %d", w.Code)
	}
}

func TestInitFilesValidation(t *testing.T) {
	h := newTestRouter(t, "")
	id := createRecord(t, h, 0)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"slash in key", `[{"key":"a/b"}]`, berrors.CodeValidation},
		{"remote without uri", `[{"key":"r","transfer":{"type":"R"}}]`, berrors.CodeValidation},
		{"unknown type", `[{"key":"x","transfer":{"type":"Z"}}]`, berrors.CodeLookup},
		{"multipart without parts", `[{"key":"m","transfer":{"type":"M","size":10}}]`, berrors.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/records/"+id+"/files", strings.NewReader(tt.body))
			if w.Code < 400 {
				t.Fatalf("status = %d", w.Code)
			}
			if e := decode[APIError](t, w); e.Code != tt.code {
				t.Errorf("code = %q, want %q (%s)", e.Code, tt.code, e.Message)
			}
		})
	}

	w := do(t, h, http.MethodGet, "/records/"+id+"/files", nil)
	if list := decode[FileListBody](t, w); len(list.Entries) != 0 {
		t.Errorf("rejected inits left files: %+v", list.Entries)
	}
}

func TestRemoteRedirect(t *testing.T) {
	h := newTestRouter(t, "")
	id := createRecord(t, h, 0)
	w := do(t, h, http.MethodPost, "/records/"+id+"/files",
		strings.NewReader(`[{"key":"ext","transfer":{"type":"R","uri":"https://cdn.example.com/ext.bin"}}]`))
	if w.Code != http.StatusCreated {
		t.Fatalf("init: %d %s", w.Code, w.Body.String())
	}
	if f := decode[FileListBody](t, w).Entries[0]; f.Transfer.Type != transfer.CodeRemote || f.Status != "completed" {
		t.Errorf("remote file = %+v", f)
	}

	w = do(t, h, http.MethodGet, "/records/"+id+"/files/ext/content", nil)
	if w.Code != http.StatusFound || w.Header().Get("Location") != "https://cdn.example.com/ext.bin" {
		t.Errorf("download = %d, Location %q", w.Code, w.Header().Get("Location"))
	}

	w = do(t, h, http.MethodPut, "/records/"+id+"/files/ext/content", strings.NewReader("x"))
	if e := decode[APIError](t, w); w.Code != http.StatusBadRequest || e.Code != berrors.CodeUnsupported {
		t.Errorf("upload to remote = %d %+v", w.Code, e)
	}
}

func TestMultipartUpload(t *testing.T) {
	h := newTestRouter(t, "http://api.test")
	id := createRecord(t, h, 0)
	w := do(t, h, http.MethodPost, "/records/"+id+"/files",
		strings.NewReader(`[{"key":"data.bin","transfer":{"type":"M","parts":3,"size":10,"part_size":4}}]`))
	if w.Code != http.StatusCreated {
		t.Fatalf("init: %d %s", w.Code, w.Body.String())
	}
	f := decode[FileListBody](t, w).Entries[0]
	if f.Transfer.Type != transfer.CodeMultipart {
		t.Errorf("transfer = %+v", f.Transfer)
	}
	if v, ok := f.Links["content"]; !ok || v != nil {
		t.Errorf("content link = %v (present %v)", v, ok)
	}
	parts, ok := f.Links["parts"].([]any)
	if !ok || len(parts) != 3 {
		t.Fatalf("parts links = %#v", f.Links["parts"])
	}

	// Parts may arrive in any order.
	for _, p := range []struct{ n, body string }{{"2", "efgh"}, {"3", "ij"}, {"1", "abcd"}} {
		w = do(t, h, http.MethodPut, "/records/"+id+"/files/data.bin/content/"+p.n, strings.NewReader(p.body))
		if w.Code != http.StatusOK {
			t.Fatalf("part %s: %d %s", p.n, w.Code, w.Body.String())
		}
	}

	w = do(t, h, http.MethodPut, "/records/"+id+"/files/data.bin/content/x", bytes.NewReader(nil))
	if e := decode[APIError](t, w); e.Code != berrors.CodeValidation {
		t.Errorf("bad part number = %+v", e)
	}
	w = do(t, h, http.MethodPut, "/records/"+id+"/files/data.bin/content/9", strings.NewReader("zz"))
	if e := decode[APIError](t, w); e.Code != berrors.CodeFailedUpload {
		t.Errorf("out of range part = %+v", e)
	}

	w = do(t, h, http.MethodPost, "/records/"+id+"/files/data.bin/commit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("commit: %d %s", w.Code, w.Body.String())
	}
	if f := decode[FileBody](t, w); f.Status != "completed" || f.StorageClass != transfer.CodeLocal || f.Links["content"] == nil {
		t.Errorf("committed = %+v", f)
	}
	w = do(t, h, http.MethodGet, "/records/"+id+"/files/data.bin/content", nil)
	if w.Body.String() != "abcdefghij" {
		t.Errorf("content = %q", w.Body.String())
	}
}

func TestPendingContentIsNotFound(t *testing.T) {
	h := newTestRouter(t, "")
	id := createRecord(t, h, 0)
	do(t, h, http.MethodPost, "/records/"+id+"/files", strings.NewReader(`[{"key":"empty"}]`))
	w := do(t, h, http.MethodGet, "/records/"+id+"/files/empty/content", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestNewHumaErrorMapsValidation(t *testing.T) {
	err := newHumaError(http.StatusUnprocessableEntity, "validation failed", io.ErrUnexpectedEOF)
	e, ok := err.(*APIError)
	if !ok {
		t.Fatalf("type = %T", err)
	}
	if e.GetStatus() != http.StatusBadRequest || e.Code != berrors.CodeValidation || len(e.Errors) != 1 {
		t.Errorf("error = %+v", e)
	}
}

func TestToAPIErrorHidesUnknownErrors(t *testing.T) {
	e := toAPIError(io.ErrClosedPipe)
	if e.GetStatus() != http.StatusInternalServerError || e.Code != berrors.CodeInternal {
		t.Errorf("error = %+v", e)
	}
	e = toAPIError(berrors.ErrFileSizeLimit.WithFile("k", nil))
	if e.GetStatus() != http.StatusRequestEntityTooLarge || e.FileKey != "k" {
		t.Errorf("error = %+v", e)
	}
}

func TestListTransferTypes(t *testing.T) {
	h := newTestRouter(t, "")
	w := do(t, h, http.MethodGet, "/transfer-types", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list transfer types: %d %s", w.Code, w.Body.String())
	}
	body := decode[struct {
		Entries []TransferTypeBody `json:"entries"`
	}](t, w)
	var defaults []string
	for _, e := range body.Entries {
		if e.Default {
			defaults = append(defaults, e.Type)
		}
	}
	if len(body.Entries) != 4 || len(defaults) != 1 || defaults[0] != transfer.CodeLocal {
		t.Errorf("entries = %+v", body.Entries)
	}
}
