package transfer

import (
	"context"
	"log/slog"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
	"github.com/bleepstore/bleepfiles/internal/metadata"
	"github.com/bleepstore/bleepfiles/internal/tasks"
	"github.com/bleepstore/bleepfiles/internal/uid"
)

// fetchTransfer records a remote URI and schedules a background job that
// downloads it. Content arrives through SetFileContent, called by the job.
type fetchTransfer struct {
	base
}

func newFetch(env *Env, fc FileContext) Transfer {
	return &fetchTransfer{base{typ: Fetch, env: env, fc: fc}}
}

func (t *fetchTransfer) InitFile(ctx context.Context, p FileParams) (*metadata.FileRecord, error) {
	if err := validateRemoteURI(p.Key, p.URI); err != nil {
		return nil, err
	}
	if t.env.Queue == nil {
		return nil, berrors.ErrInternal.WithMessage("No task queue is configured for fetch transfers.")
	}
	f := t.newFile(p, &metadata.StorageObject{
		ID:           uid.New(),
		URI:          p.URI,
		StorageClass: CodeFetch,
	})
	if err := t.env.Files.CreateFile(ctx, f); err != nil {
		return nil, err
	}

	job := tasks.Job{
		Name: FetchJobName,
		Args: map[string]string{"record_id": t.fc.RecordID, "file_key": t.fc.Key},
	}
	if err := t.env.Queue.Enqueue(ctx, job); err != nil {
		if _, derr := t.env.Files.DeleteFile(context.WithoutCancel(ctx), t.fc.RecordID, t.fc.Key); derr != nil {
			slog.Error("Rolling back fetch file failed", "record", t.fc.RecordID, "key", t.fc.Key, "error", derr)
		}
		return nil, berrors.ErrTransfer.WithMessage("Could not schedule fetch of %s.", p.URI).WithFile(p.Key, nil).Wrap(err)
	}
	return f, nil
}

// Status is completed only once fetched content replaced the reference.
func (t *fetchTransfer) Status(ctx context.Context) (Status, error) {
	f, err := t.file(ctx)
	if err != nil {
		return "", err
	}
	if s, ok := storedStatus(f); ok {
		return s, nil
	}
	if f.StorageClass() == CodeLocal {
		return StatusCompleted, nil
	}
	return StatusPending, nil
}
