package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// BlobStore is the capability interface for content bytes. Blobs are
// append-once: written at create, never modified.
type BlobStore interface {
	Put(id string, content []byte) error
	Get(id string) ([]byte, error)
	GetRange(id string, start, end int64) ([]byte, error)
	Delete(id string) error
	Exists(id string) bool
}

// FileBlobStore keeps blobs as <dir>/<id>.bin, written via temp file + rename
// so a crash never leaves a partial blob visible.
type FileBlobStore struct {
	Dir string
}

// NewFileBlobStore creates the directory if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileBlobStore{Dir: dir}, nil
}

func (b *FileBlobStore) path(id string) string {
	return filepath.Join(b.Dir, id+".bin")
}

func (b *FileBlobStore) Put(id string, content []byte) error {
	tmp := b.path(id) + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, b.path(id)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}

func (b *FileBlobStore) Get(id string) ([]byte, error) {
	return os.ReadFile(b.path(id))
}

// GetRange reads [start, end) without loading the whole blob.
func (b *FileBlobStore) GetRange(id string, start, end int64) ([]byte, error) {
	if end < start {
		return nil, fmt.Errorf("bad range [%d, %d)", start, end)
	}
	f, err := os.Open(b.path(id))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, end-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && int64(n) != end-start {
		return nil, fmt.Errorf("read blob range: %w", err)
	}
	return buf[:n], nil
}

func (b *FileBlobStore) Delete(id string) error {
	err := os.Remove(b.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *FileBlobStore) Exists(id string) bool {
	_, err := os.Stat(b.path(id))
	return err == nil
}
