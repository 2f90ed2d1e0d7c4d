package transfer

import (
	"context"
	"io"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
	"github.com/bleepstore/bleepfiles/internal/metadata"
)

// localTransfer receives content directly from the client.
type localTransfer struct {
	base
}

func newLocal(env *Env, fc FileContext) Transfer {
	return &localTransfer{base{typ: Local, env: env, fc: fc}}
}

func (t *localTransfer) InitFile(ctx context.Context, p FileParams) (*metadata.FileRecord, error) {
	if p.URI != "" {
		return nil, berrors.ErrValidation.WithMessage("File %s: uri is not allowed for local transfers.", p.Key).WithFile(p.Key, nil)
	}
	f := t.newFile(p, nil)
	if err := t.env.Files.CreateFile(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// SetFileContent refuses to overwrite content that already exists.
func (t *localTransfer) SetFileContent(ctx context.Context, r io.Reader, contentLength int64) error {
	f, err := t.file(ctx)
	if err != nil {
		return err
	}
	if f.Object != nil {
		return berrors.ErrTransfer.WithMessage("File with key %s is committed.", t.fc.Key).WithFile(t.fc.Key, f)
	}
	return t.writeContent(ctx, r, contentLength)
}
