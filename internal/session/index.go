package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MetadataIndex is the capability interface for session records. Readers may
// run concurrently; writers are exclusive.
type MetadataIndex interface {
	Upsert(id string, rec Session) error
	Get(id string) (Session, bool, error)
	List() ([]Session, error)
	Delete(id string) error
	Snapshot() (map[string]Session, error)
}

// FileIndex is the authoritative metadata.json index. The whole file is
// rewritten via temp + rename on every mutation; an RWMutex guards access
// within the process.
type FileIndex struct {
	Path string

	mu     sync.RWMutex
	loaded bool
	data   map[string]Session
}

// NewFileIndex points at <dir>/metadata.json.
func NewFileIndex(dir string) (*FileIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	return &FileIndex{Path: filepath.Join(dir, "metadata.json")}, nil
}

// load reads metadata.json once; caller must hold mu for writing.
func (x *FileIndex) load() error {
	if x.loaded {
		return nil
	}
	x.data = make(map[string]Session)
	raw, err := os.ReadFile(x.Path)
	if os.IsNotExist(err) {
		x.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	if err := json.Unmarshal(raw, &x.data); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}
	x.loaded = true
	return nil
}

// persist writes the index atomically; caller must hold mu for writing.
func (x *FileIndex) persist() error {
	raw, err := json.MarshalIndent(x.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tmp := x.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, x.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish index: %w", err)
	}
	return nil
}

func (x *FileIndex) Upsert(id string, rec Session) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.load(); err != nil {
		return err
	}
	x.data[id] = rec
	return x.persist()
}

func (x *FileIndex) Get(id string) (Session, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.load(); err != nil {
		return Session{}, false, err
	}
	rec, ok := x.data[id]
	return rec, ok, nil
}

func (x *FileIndex) List() ([]Session, error) {
	snap, err := x.Snapshot()
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(snap))
	for _, rec := range snap {
		out = append(out, rec)
	}
	return out, nil
}

func (x *FileIndex) Delete(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.load(); err != nil {
		return err
	}
	if _, ok := x.data[id]; !ok {
		return nil
	}
	delete(x.data, id)
	return x.persist()
}

func (x *FileIndex) Snapshot() (map[string]Session, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.load(); err != nil {
		return nil, err
	}
	out := make(map[string]Session, len(x.data))
	for k, v := range x.data {
		out[k] = v
	}
	return out, nil
}
