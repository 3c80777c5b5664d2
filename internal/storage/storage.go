package storage

import (
	"context"
	"io"
)

// Archiver stores account snapshots taken before deletion.
type Archiver interface {
	// Archive writes body under name and returns the resulting location.
	Archive(ctx context.Context, name string, body io.Reader) (string, error)
}
