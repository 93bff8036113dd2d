// Package session stores large tool outputs as immutable, chunked,
// group-owned blobs with a metadata index and lazy expiry via the housekeeper.
package session

import "time"

// ContentType tags what a session blob holds.
type ContentType string

const (
	ContentRawCrawl   ContentType = "raw_crawl"
	ContentParsedFeed ContentType = "parsed_feed"
	ContentStructure  ContentType = "structure"
)

// Chunk size bounds; DefaultChunkSize applies when the caller passes zero.
const (
	DefaultChunkSize = 4000
	MinChunkSize     = 256
	MaxChunkSize     = 65536
)

// Session is the metadata record for one stored blob. Content is immutable
// after creation; chunk boundaries are deterministic given ChunkSize.
type Session struct {
	SessionID      string      `json:"session_id"`
	URL            string      `json:"url"`
	Group          string      `json:"group,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	ChunkSize      int         `json:"chunk_size"`
	TotalChunks    int         `json:"total_chunks"`
	TotalSizeBytes int64       `json:"total_size_bytes"`
	ContentType    ContentType `json:"content_type"`
}

// Readable reports whether a caller holding the given group set may read the
// session: public sessions are readable by anyone, owned sessions only by
// members of the owning group.
func (s Session) Readable(groups []string) bool {
	if s.Group == "" {
		return true
	}
	for _, g := range groups {
		if g == s.Group {
			return true
		}
	}
	return false
}

// ChunkRange returns the byte range [start, end) of chunk index i.
func (s Session) ChunkRange(i int) (int64, int64) {
	start := int64(i) * int64(s.ChunkSize)
	end := start + int64(s.ChunkSize)
	if end > s.TotalSizeBytes {
		end = s.TotalSizeBytes
	}
	return start, end
}
