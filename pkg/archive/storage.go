// Package archive stores opaque blobs by name on local disk or in S3.
package archive

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("archive object not found")

// Storage is a flat name → blob store.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}
