package transfer

import (
	"context"
	"io"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
	"github.com/bleepstore/bleepfiles/internal/metadata"
	"github.com/bleepstore/bleepfiles/internal/uid"
)

// remoteTransfer links a file to content that stays at a remote URI. The
// file is complete as soon as it exists.
type remoteTransfer struct {
	base
}

func newRemote(env *Env, fc FileContext) Transfer {
	return &remoteTransfer{base{typ: Remote, env: env, fc: fc}}
}

func (t *remoteTransfer) InitFile(ctx context.Context, p FileParams) (*metadata.FileRecord, error) {
	if err := validateRemoteURI(p.Key, p.URI); err != nil {
		return nil, err
	}
	f := t.newFile(p, &metadata.StorageObject{
		ID:           uid.New(),
		URI:          p.URI,
		StorageClass: CodeRemote,
	})
	f.Committed = true
	if err := t.env.Files.CreateFile(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (t *remoteTransfer) SetFileContent(ctx context.Context, r io.Reader, contentLength int64) error {
	return berrors.ErrUnsupported.WithMessage("File %s is a remote reference and cannot receive content.", t.fc.Key).WithFile(t.fc.Key, nil)
}
