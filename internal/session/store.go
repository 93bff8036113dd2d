package session

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hyperifyio/goscrape/internal/scraperr"
)

// DefaultMaxFullBytes caps get_full reads unless the caller raises it.
const DefaultMaxFullBytes = 5 * 1024 * 1024

// Store composes a BlobStore and a MetadataIndex into the session API.
// Swapping either implementation (e.g. object storage) needs no changes here.
type Store struct {
	Blobs BlobStore
	Index MetadataIndex

	now   func() time.Time
	newID func() string
}

// NewStore wires a store over the given backends.
func NewStore(blobs BlobStore, index MetadataIndex) *Store {
	return &Store{
		Blobs: blobs,
		Index: index,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Open builds a file-backed store rooted at <root>/sessions.
func Open(root string) (*Store, error) {
	dir := root + "/sessions"
	blobs, err := NewFileBlobStore(dir + "/blobs")
	if err != nil {
		return nil, err
	}
	index, err := NewFileIndex(dir)
	if err != nil {
		return nil, err
	}
	return NewStore(blobs, index), nil
}

// Create stores content and its metadata, returning the new session.
// The blob is written before the index entry so a crash in between leaves an
// orphan blob (pruned later) rather than a dangling record.
func (s *Store) Create(content []byte, url, group string, chunkSize int, ct ContentType) (*Session, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return nil, scraperr.Newf(scraperr.KindValidation, scraperr.CodeInvalidArgument,
			"chunk_size %d outside [%d, %d]", chunkSize, MinChunkSize, MaxChunkSize).
			WithDetail("chunk_size", chunkSize)
	}
	id := s.newID()
	size := int64(len(content))
	total := int((size + int64(chunkSize) - 1) / int64(chunkSize))
	if total == 0 {
		total = 1 // an empty session still has one (empty) chunk
	}
	rec := Session{
		SessionID:      id,
		URL:            url,
		Group:          group,
		CreatedAt:      s.now().UTC(),
		ChunkSize:      chunkSize,
		TotalChunks:    total,
		TotalSizeBytes: size,
		ContentType:    ct,
	}
	if err := s.Blobs.Put(id, content); err != nil {
		return nil, scraperr.Wrap(scraperr.KindDependency, scraperr.CodeInternalError, "store blob", err)
	}
	if err := s.Index.Upsert(id, rec); err != nil {
		_ = s.Blobs.Delete(id)
		return nil, scraperr.Wrap(scraperr.KindDependency, scraperr.CodeInternalError, "store metadata", err)
	}
	return &rec, nil
}

// Info returns session metadata subject to the group ACL.
func (s *Store) Info(id string, groups []string) (*Session, error) {
	rec, ok, err := s.Index.Get(id)
	if err != nil {
		return nil, scraperr.Wrap(scraperr.KindDependency, scraperr.CodeInternalError, "read metadata", err)
	}
	if !ok {
		return nil, notFound(id)
	}
	if !rec.Readable(groups) {
		return nil, denied(id)
	}
	return &rec, nil
}

// Chunk returns chunk bytes for index i.
func (s *Store) Chunk(id string, i int, groups []string) ([]byte, *Session, error) {
	rec, err := s.Info(id, groups)
	if err != nil {
		return nil, nil, err
	}
	if i < 0 || i >= rec.TotalChunks {
		return nil, nil, scraperr.Newf(scraperr.KindValidation, scraperr.CodeInvalidChunkIndex,
			"chunk index %d outside [0, %d)", i, rec.TotalChunks).
			WithDetail("chunk_index", i).WithDetail("total_chunks", rec.TotalChunks)
	}
	start, end := rec.ChunkRange(i)
	data, err := s.Blobs.GetRange(id, start, end)
	if err != nil {
		return nil, nil, scraperr.Wrap(scraperr.KindDependency, scraperr.CodeInternalError, "read blob", err)
	}
	return data, rec, nil
}

// List returns sessions the caller may read, newest first.
func (s *Store) List(groups []string) ([]Session, error) {
	all, err := s.Index.List()
	if err != nil {
		return nil, scraperr.Wrap(scraperr.KindDependency, scraperr.CodeInternalError, "list metadata", err)
	}
	out := make([]Session, 0, len(all))
	for _, rec := range all {
		if rec.Readable(groups) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// URLs returns one retrieval reference per chunk. With a base URL the
// references are REST chunk endpoints; otherwise (session_id, index) pairs.
func (s *Store) URLs(id string, groups []string, baseURL string) ([]string, error) {
	rec, err := s.Info(id, groups)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, rec.TotalChunks)
	for i := 0; i < rec.TotalChunks; i++ {
		if baseURL != "" {
			out = append(out, fmt.Sprintf("%s/sessions/%s/chunks/%d", strings.TrimSuffix(baseURL, "/"), id, i))
		} else {
			out = append(out, fmt.Sprintf("%s#%d", id, i))
		}
	}
	return out, nil
}

// GetFull returns the entire content, refusing blobs over maxBytes.
func (s *Store) GetFull(id string, groups []string, maxBytes int64) ([]byte, *Session, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFullBytes
	}
	rec, err := s.Info(id, groups)
	if err != nil {
		return nil, nil, err
	}
	if rec.TotalSizeBytes > maxBytes {
		return nil, nil, scraperr.Newf(scraperr.KindValidation, scraperr.CodeContentTooLarge,
			"session is %d bytes, over the %d byte limit", rec.TotalSizeBytes, maxBytes).
			WithDetail("total_size_bytes", rec.TotalSizeBytes).WithDetail("max_bytes", maxBytes)
	}
	data, err := s.Blobs.Get(id)
	if err != nil {
		return nil, nil, scraperr.Wrap(scraperr.KindDependency, scraperr.CodeInternalError, "read blob", err)
	}
	return data, rec, nil
}

// Delete removes blob and metadata. Housekeeper and purge only; there is no
// ACL because callers are administrative.
func (s *Store) Delete(id string) error {
	if err := s.Blobs.Delete(id); err != nil {
		return scraperr.Wrap(scraperr.KindDependency, scraperr.CodeInternalError, "delete blob", err)
	}
	if err := s.Index.Delete(id); err != nil {
		return scraperr.Wrap(scraperr.KindDependency, scraperr.CodeInternalError, "delete metadata", err)
	}
	return nil
}

func notFound(id string) error {
	return scraperr.Newf(scraperr.KindNotFound, scraperr.CodeSessionNotFound,
		"no session %q", id).WithDetail("session_id", id)
}

func denied(id string) error {
	return scraperr.Newf(scraperr.KindPermission, scraperr.CodePermissionDenied,
		"session %q belongs to another group", id).WithDetail("session_id", id)
}
