// Package storage provides the artifact store backing session blocks. Keys
// are namespaced per session ("<code>/<name>") so a whole session's artifacts
// can be dropped in one call. All content is ephemeral: the root is wiped on
// startup.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// BlobStore is the artifact store consumed by the session layer.
type BlobStore interface {
	// Put streams r into the artifact at key. If the stream exceeds limit
	// bytes the transfer is aborted, nothing is left behind, and
	// ErrArtifactTooLarge is returned. A limit <= 0 means unlimited.
	Put(key string, r io.Reader, limit int64) (int64, error)
	// Open returns a reader over the artifact, or ErrArtifactNotFound.
	Open(key string) (io.ReadCloser, error)
	// Size returns the stored artifact size, or ErrArtifactNotFound.
	Size(key string) (int64, error)
	// Delete removes the artifact. Deleting a missing key is not an error.
	Delete(key string) error
	// DeleteNamespace removes every artifact under the namespace.
	DeleteNamespace(ns string) error
}

// DiskStore implements BlobStore on the local filesystem.
type DiskStore struct {
	root string
	log  *zap.Logger
}

// NewDiskStore creates the root directory if needed and wipes any content
// left over from a previous process. Session state does not survive
// restarts, so orphaned artifacts are garbage.
func NewDiskStore(root string, log *zap.Logger) (*DiskStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	s := &DiskStore{root: root, log: log}
	if err := s.wipe(); err != nil {
		return nil, fmt.Errorf("failed to clean storage root %s: %w", root, err)
	}
	return s, nil
}

func (s *DiskStore) wipe() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	removed := 0
	for _, entry := range entries {
		if entry.Name() == ".gitkeep" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("cleaned storage root", zap.String("root", s.root), zap.Int("entries", removed))
	}
	return nil
}

// path resolves key inside the root, rejecting traversal outside it.
func (s *DiskStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", ErrInvalidKey
	}
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", ErrInvalidKey
	}
	return p, nil
}

func (s *DiskStore) Put(key string, r io.Reader, limit int64) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	f, err := os.Create(p)
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact %s: %w", key, err)
	}

	src := r
	if limit > 0 {
		// Read one byte past the limit so an over-limit stream is
		// detected during transfer rather than after buffering.
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(p)
		return 0, fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	if limit > 0 && n > limit {
		_ = os.Remove(p)
		return 0, ErrArtifactTooLarge
	}
	return n, nil
}

func (s *DiskStore) Open(key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to open artifact %s: %w", key, err)
	}
	return f, nil
}

func (s *DiskStore) Size(key string) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrArtifactNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

func (s *DiskStore) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact %s: %w", key, err)
	}
	return nil
}

func (s *DiskStore) DeleteNamespace(ns string) error {
	p, err := s.path(ns)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("failed to delete namespace %s: %w", ns, err)
	}
	return nil
}
