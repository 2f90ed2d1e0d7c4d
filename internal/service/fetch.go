package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bleepstore/bleepfiles/internal/metadata"
	"github.com/bleepstore/bleepfiles/internal/metrics"
	"github.com/bleepstore/bleepfiles/internal/tasks"
	"github.com/bleepstore/bleepfiles/internal/transfer"
)

// ErrFetch is returned when the remote side of a fetch fails.
var ErrFetch = errors.New("fetching remote content")

// Fetcher runs deferred fetch jobs: it downloads the remote content of a
// Fetch file and stores it as local content.
type Fetcher struct {
	files  *FileService
	client *resty.Client
}

// NewFetcher creates a Fetcher. timeout bounds a single download.
func NewFetcher(files *FileService, timeout time.Duration) *Fetcher {
	client := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeader("User-Agent", "bleepfiles-fetch")
	return &Fetcher{files: files, client: client}
}

// Register wires the fetch job into the worker pool.
func (f *Fetcher) Register(pool *tasks.WorkerPool) {
	pool.Handle(transfer.FetchJobName, f.Run)
	pool.OnFailure(transfer.FetchJobName, f.Failed)
}

// Run executes one attempt of a fetch job. It does nothing when the file
// is gone or no longer waiting for content, so redelivery is harmless.
func (f *Fetcher) Run(ctx context.Context, job tasks.Job) error {
	recordID, key := job.Args["record_id"], job.Args["file_key"]

	rec, err := f.files.store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec == nil {
		slog.Info("Skipping fetch of deleted record", "record", recordID, "key", key)
		return nil
	}
	file, err := f.files.store.GetFile(ctx, recordID, key)
	if err != nil {
		return err
	}
	if file == nil {
		slog.Info("Skipping fetch of deleted file", "record", recordID, "key", key)
		return nil
	}
	if file.StorageClass() != transfer.CodeFetch || file.Status != "" {
		slog.Info("Skipping fetch", "record", recordID, "key", key, "class", file.StorageClass())
		return nil
	}

	source := file.Object.URI
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(source)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrFetch, source, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return fmt.Errorf("%w %s: HTTP status %d", ErrFetch, source, resp.StatusCode())
	}

	tr, err := f.files.registry.Resolve(transfer.CodeFetch, f.files.fileContext(rec, key))
	if err != nil {
		return err
	}
	if err := tr.SetFileContent(ctx, body, resp.RawResponse.ContentLength); err != nil {
		return err
	}
	if err := tr.CommitFile(ctx); err != nil {
		return err
	}
	metrics.FetchJobsTotal.WithLabelValues("success").Inc()
	slog.Info("Fetched remote content", "record", recordID, "key", key, "source", source)
	return nil
}

// Failed marks the file failed once the job has used up its attempts.
func (f *Fetcher) Failed(ctx context.Context, job tasks.Job, cause error) {
	metrics.FetchJobsTotal.WithLabelValues("failure").Inc()
	recordID, key := job.Args["record_id"], job.Args["file_key"]
	file, err := f.files.store.GetFile(ctx, recordID, key)
	if err != nil || file == nil || file.StorageClass() != transfer.CodeFetch {
		return
	}
	if err := f.files.store.SetFileStatus(ctx, recordID, key, metadata.StatusFailed); err != nil {
		slog.Error("Marking fetch failed", "record", recordID, "key", key, "error", err)
	}
}
