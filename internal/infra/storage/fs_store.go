// Package storage holds the ObjectStore implementations.
package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"uci_middleware/internal/domain/storage"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// metaDir holds one JSON sidecar per object with its content type and metadata.
const metaDir = ".meta"

// FSStore implements storage.ObjectStore on a filesystem. Each storage area is
// a directory under root.
type FSStore struct {
	fs     afero.Fs
	root   string
	logger logrus.FieldLogger
}

type sidecar struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func NewFSStore(fsys afero.Fs, root string) *FSStore {
	return &FSStore{fs: fsys, root: filepath.Clean(root), logger: logrus.StandardLogger()}
}

// WithLogger replaces the logger used for non-fatal metadata problems.
func (s *FSStore) WithLogger(l logrus.FieldLogger) *FSStore {
	s.logger = l
	return s
}

// EnsureAreas creates any missing area directory.
func (s *FSStore) EnsureAreas(_ context.Context, areas []string) error {
	for _, a := range areas {
		if err := s.fs.MkdirAll(filepath.Join(s.root, a), 0o755); err != nil {
			return fmt.Errorf("create area %s: %w", a, err)
		}
	}
	return nil
}

func (s *FSStore) objectPath(ref storage.Ref) (string, error) {
	if ref.Area == "" || ref.Name == "" || ref.Area == metaDir {
		return "", fmt.Errorf("invalid object reference %q", ref.String())
	}
	name := path.Clean("/" + ref.Name)[1:]
	if name == "" || name != ref.Name {
		return "", fmt.Errorf("invalid object name %q", ref.Name)
	}
	return filepath.Join(s.root, ref.Area, filepath.FromSlash(name)), nil
}

func (s *FSStore) sidecarPath(ref storage.Ref) string {
	return filepath.Join(s.root, metaDir, ref.Area, filepath.FromSlash(ref.Name)+".json")
}

func (s *FSStore) Upload(ctx context.Context, ref storage.Ref, data []byte, contentType string, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := s.objectPath(ref)
	if err != nil {
		return "", err
	}
	if err := s.write(p, data); err != nil {
		return "", fmt.Errorf("write object %s: %w", ref, err)
	}
	if err := s.writeSidecar(ref, sidecar{ContentType: contentType, Metadata: metadata}); err != nil {
		return "", err
	}
	return p, nil
}

func (s *FSStore) Download(ctx context.Context, ref storage.Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.objectPath(ref)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		return nil, s.translate(ref, err)
	}
	return data, nil
}

func (s *FSStore) Exists(ctx context.Context, ref storage.Ref) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.objectPath(ref)
	if err != nil {
		return false, err
	}
	info, err := s.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", ref, err)
	}
	return !info.IsDir(), nil
}

func (s *FSStore) Info(ctx context.Context, ref storage.Ref) (*storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.objectPath(ref)
	if err != nil {
		return nil, err
	}
	return s.entry(ref, p)
}

// Copy overwrites dest, sidecar included.
func (s *FSStore) Copy(ctx context.Context, source, dest storage.Ref) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := s.objectPath(source)
	if err != nil {
		return "", err
	}
	dst, err := s.objectPath(dest)
	if err != nil {
		return "", err
	}
	data, err := afero.ReadFile(s.fs, src)
	if err != nil {
		return "", s.translate(source, err)
	}
	if err := s.write(dst, data); err != nil {
		return "", fmt.Errorf("write object %s: %w", dest, err)
	}
	meta, err := s.readSidecar(source)
	if err != nil {
		return "", err
	}
	if err := s.writeSidecar(dest, meta); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *FSStore) Delete(ctx context.Context, ref storage.Ref) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.objectPath(ref)
	if err != nil {
		return false, err
	}
	if err := s.fs.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove object %s: %w", ref, err)
	}
	// The object is gone; a leftover sidecar is only reported.
	if err := s.fs.Remove(s.sidecarPath(ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.WithError(err).WithField("object", ref.String()).Warn("Failed to remove object metadata")
	}
	return true, nil
}

// List walks area and returns the objects whose name starts with prefix,
// sorted by name.
func (s *FSStore) List(ctx context.Context, area, prefix string) ([]storage.Entry, error) {
	if area == "" || area == metaDir {
		return nil, fmt.Errorf("invalid area %q", area)
	}
	base := filepath.Join(s.root, area)
	entries := make([]storage.Entry, 0)
	if ok, err := afero.DirExists(s.fs, base); err != nil || !ok {
		return entries, err
	}
	err := afero.Walk(s.fs, base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		e, err := s.entry(storage.Ref{Area: area, Name: name}, p)
		if err != nil {
			return err
		}
		entries = append(entries, *e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", area, prefix, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Ref.Name < entries[j].Ref.Name })
	return entries, nil
}

func (s *FSStore) entry(ref storage.Ref, p string) (*storage.Entry, error) {
	info, err := s.fs.Stat(p)
	if err != nil {
		return nil, s.translate(ref, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, ref)
	}
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		return nil, s.translate(ref, err)
	}
	sum := md5.Sum(data)
	meta, err := s.readSidecar(ref)
	if err != nil {
		return nil, err
	}
	return &storage.Entry{
		Ref:          ref,
		Location:     p,
		Size:         info.Size(),
		ContentType:  meta.ContentType,
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: info.ModTime().UTC(),
		Metadata:     meta.Metadata,
	}, nil
}

func (s *FSStore) write(p string, data []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, p, data, 0o644)
}

func (s *FSStore) writeSidecar(ref storage.Ref, meta sidecar) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", ref, err)
	}
	if err := s.write(s.sidecarPath(ref), raw); err != nil {
		return fmt.Errorf("write metadata for %s: %w", ref, err)
	}
	return nil
}

func (s *FSStore) readSidecar(ref storage.Ref) (sidecar, error) {
	var meta sidecar
	raw, err := afero.ReadFile(s.fs, s.sidecarPath(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, nil
		}
		return meta, fmt.Errorf("read metadata for %s: %w", ref, err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("decode metadata for %s: %w", ref, err)
	}
	return meta, nil
}

func (s *FSStore) translate(ref storage.Ref, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", storage.ErrObjectNotFound, ref)
	}
	return fmt.Errorf("object %s: %w", ref, err)
}
