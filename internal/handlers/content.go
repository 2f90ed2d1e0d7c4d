package handlers

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
	"github.com/bleepstore/bleepfiles/internal/metrics"
	"github.com/bleepstore/bleepfiles/internal/service"
	"github.com/bleepstore/bleepfiles/internal/transfer"
)

// ContentHandler streams file content in and out.
type ContentHandler struct {
	files *service.FileService
	links linkBuilder
}

// NewContentHandler creates a ContentHandler.
func NewContentHandler(files *service.FileService, links linkBuilder) *ContentHandler {
	return &ContentHandler{files: files, links: links}
}

func (h *ContentHandler) register(router chi.Router) {
	router.Put("/records/{id}/files/{key}/content", h.PutContent)
	router.Put("/records/{id}/files/{key}/content/{part}", h.PutPart)
	router.Get("/records/{id}/files/{key}/content", h.GetContent)
}

// PutContent handles PUT /records/{id}/files/{key}/content. The request
// body is the complete file content.
func (h *ContentHandler) PutContent(w http.ResponseWriter, r *http.Request) {
	recordID, key := pathParam(chi.URLParam(r, "id")), pathParam(chi.URLParam(r, "key"))
	if err := h.files.SetContent(r.Context(), recordID, key, r.Body, r.ContentLength); err != nil {
		writeError(w, err)
		return
	}
	h.writeFile(w, r, recordID, key)
}

// PutPart handles PUT /records/{id}/files/{key}/content/{part}. Parts are
// numbered from 1 and may arrive in any order.
func (h *ContentHandler) PutPart(w http.ResponseWriter, r *http.Request) {
	recordID, key := pathParam(chi.URLParam(r, "id")), pathParam(chi.URLParam(r, "key"))
	part, err := strconv.Atoi(chi.URLParam(r, "part"))
	if err != nil {
		writeError(w, berrors.ErrValidation.WithMessage("Invalid part number %q.", chi.URLParam(r, "part")).WithFile(key, nil))
		return
	}
	if err := h.files.SetPartContent(r.Context(), recordID, key, part, r.Body, r.ContentLength); err != nil {
		writeError(w, err)
		return
	}
	h.writeFile(w, r, recordID, key)
}

// GetContent handles GET /records/{id}/files/{key}/content. Remote files
// redirect to their source.
func (h *ContentHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	recordID, key := pathParam(chi.URLParam(r, "id")), pathParam(chi.URLParam(r, "key"))
	c, err := h.files.OpenContent(r.Context(), recordID, key)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.RedirectURL != "" {
		http.Redirect(w, r, c.RedirectURL, http.StatusFound)
		return
	}
	defer c.Body.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", "application/octet-stream")
	hdr.Set("Content-Length", strconv.FormatInt(c.Size, 10))
	hdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": key}))
	if c.Checksum != "" && c.Checksum != transfer.ChecksumUnknown {
		hdr.Set("ETag", strconv.Quote(c.Checksum))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, c.Body)
	metrics.BytesSentTotal.Add(float64(n))
	if err != nil {
		slog.Warn("Streaming content failed", "record", recordID, "key", key, "sent", n, "error", err)
	}
}

func (h *ContentHandler) writeFile(w http.ResponseWriter, r *http.Request, recordID, key string) {
	filesURL := h.links.filesURL(requestBase(r.Header.Get("X-Forwarded-Proto"), r.Host), recordID)
	f, err := h.files.ReadFile(r.Context(), recordID, key, identity(), filesURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newFileBody(f))
}
