// internal/domain/storage/store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrObjectNotFound is returned by stores when the named object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Ref points at an object inside a storage area (bucket, container or directory).
type Ref struct {
	Area string
	Name string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Area, r.Name)
}

// Entry describes a stored object.
type Entry struct {
	Ref Ref
	// Location is the same string Upload and Copy return for the object.
	Location     string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// ObjectStore is the object-storage collaborator. Implementations return a
// location string that identifies the object to external readers.
type ObjectStore interface {
	Upload(ctx context.Context, ref Ref, data []byte, contentType string, metadata map[string]string) (string, error)
	Download(ctx context.Context, ref Ref) ([]byte, error)
	Exists(ctx context.Context, ref Ref) (bool, error)
	Info(ctx context.Context, ref Ref) (*Entry, error)
	// Copy overwrites dest if it already exists.
	Copy(ctx context.Context, source, dest Ref) (string, error)
	// Delete reports whether the object existed.
	Delete(ctx context.Context, ref Ref) (bool, error)
	List(ctx context.Context, area, prefix string) ([]Entry, error)
}
