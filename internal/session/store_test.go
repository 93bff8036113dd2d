package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/goscrape/internal/scraperr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestChunkArithmetic(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	content := bytes.Repeat([]byte("x"), 10001)
	rec, err := st.Create(content, "http://h/page", "", 4000, ContentRawCrawl)
	require.NoError(t, err)

	assert.Equal(t, 3, rec.TotalChunks)
	assert.Equal(t, int64(10001), rec.TotalSizeBytes)

	last, _, err := st.Chunk(rec.SessionID, 2, nil)
	require.NoError(t, err)
	assert.Len(t, last, 2001)
}

// Round-trip property: chunks concatenate back to the original bytes for
// several content/chunk-size combinations.
func TestChunkRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	cases := []struct {
		size      int
		chunkSize int
	}{
		{0, 256},
		{1, 256},
		{256, 256},
		{257, 256},
		{10001, 4000},
		{65536, 65536},
		{70000, 65536},
	}
	for _, tc := range cases {
		content := make([]byte, tc.size)
		for i := range content {
			content[i] = byte(i % 251)
		}
		rec, err := st.Create(content, "http://h/", "", tc.chunkSize, ContentRawCrawl)
		require.NoError(t, err)

		var joined []byte
		for i := 0; i < rec.TotalChunks; i++ {
			chunk, _, err := st.Chunk(rec.SessionID, i, nil)
			require.NoError(t, err)
			joined = append(joined, chunk...)
		}
		assert.True(t, bytes.Equal(content, joined), "size=%d chunk=%d", tc.size, tc.chunkSize)
	}
}

// Empty content is stored as a single empty chunk rather than zero chunks,
// so chunk 0 is always readable and the URL fan-out is never an empty list.
func TestCreateEmptyContent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	rec, err := st.Create(nil, "http://h/", "", 256, ContentRawCrawl)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.TotalChunks)
	assert.Equal(t, int64(0), rec.TotalSizeBytes)

	data, _, err := st.Chunk(rec.SessionID, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, data)

	_, _, err = st.Chunk(rec.SessionID, 1, nil)
	assert.Equal(t, scraperr.CodeInvalidChunkIndex, scraperr.CodeOf(err))
}

func TestChunkIndexBounds(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	rec, err := st.Create([]byte("hello"), "http://h/", "", 256, ContentRawCrawl)
	require.NoError(t, err)

	_, _, err = st.Chunk(rec.SessionID, -1, nil)
	assert.Equal(t, scraperr.CodeInvalidChunkIndex, scraperr.CodeOf(err))
	_, _, err = st.Chunk(rec.SessionID, 1, nil)
	assert.Equal(t, scraperr.CodeInvalidChunkIndex, scraperr.CodeOf(err))
}

func TestChunkSizeBounds(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	_, err := st.Create([]byte("x"), "http://h/", "", 100, ContentRawCrawl)
	assert.Equal(t, scraperr.CodeInvalidArgument, scraperr.CodeOf(err))
	_, err = st.Create([]byte("x"), "http://h/", "", 70000, ContentRawCrawl)
	assert.Equal(t, scraperr.CodeInvalidArgument, scraperr.CodeOf(err))
}

func TestGroupACL(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	owned, err := st.Create([]byte("secret"), "http://h/", "a", 0, ContentRawCrawl)
	require.NoError(t, err)
	public, err := st.Create([]byte("open"), "http://h/", "", 0, ContentRawCrawl)
	require.NoError(t, err)

	// Owner group reads; others are denied; multi-group membership works.
	_, err = st.Info(owned.SessionID, []string{"a"})
	assert.NoError(t, err)
	_, err = st.Info(owned.SessionID, []string{"b"})
	assert.Equal(t, scraperr.CodePermissionDenied, scraperr.CodeOf(err))
	_, err = st.Info(owned.SessionID, []string{"b", "a"})
	assert.NoError(t, err)
	_, err = st.Info(owned.SessionID, nil)
	assert.Equal(t, scraperr.CodePermissionDenied, scraperr.CodeOf(err))

	// Public sessions are readable by anyone, including anonymous callers.
	_, err = st.Info(public.SessionID, nil)
	assert.NoError(t, err)

	// List only returns readable sessions: public plus own-group.
	forB, err := st.List([]string{"b"})
	require.NoError(t, err)
	require.Len(t, forB, 1)
	assert.Equal(t, public.SessionID, forB[0].SessionID)

	forA, err := st.List([]string{"a"})
	require.NoError(t, err)
	assert.Len(t, forA, 2)
}

func TestInfoUnknownSession(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	_, err := st.Info("2f6d3a9e-0000-0000-0000-000000000000", nil)
	assert.Equal(t, scraperr.CodeSessionNotFound, scraperr.CodeOf(err))
}

func TestGetFullEnforcesLimit(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	rec, err := st.Create(bytes.Repeat([]byte("y"), 5000), "http://h/", "", 0, ContentRawCrawl)
	require.NoError(t, err)

	_, _, err = st.GetFull(rec.SessionID, nil, 1000)
	assert.Equal(t, scraperr.CodeContentTooLarge, scraperr.CodeOf(err))

	data, _, err := st.GetFull(rec.SessionID, nil, 10000)
	require.NoError(t, err)
	assert.Len(t, data, 5000)
}

func TestURLs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	rec, err := st.Create(bytes.Repeat([]byte("z"), 9000), "http://h/", "", 4000, ContentRawCrawl)
	require.NoError(t, err)

	refs, err := st.URLs(rec.SessionID, nil, "https://scrape.example/api/")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "https://scrape.example/api/sessions/"+rec.SessionID+"/chunks/0", refs[0])

	pairs, err := st.URLs(rec.SessionID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID+"#2", pairs[2])
}

func TestDeleteRemovesBlobAndMetadata(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	rec, err := st.Create([]byte("bye"), "http://h/", "", 0, ContentRawCrawl)
	require.NoError(t, err)

	require.NoError(t, st.Delete(rec.SessionID))
	_, err = st.Info(rec.SessionID, nil)
	assert.Equal(t, scraperr.CodeSessionNotFound, scraperr.CodeOf(err))
	assert.False(t, st.Blobs.Exists(rec.SessionID))
}

func TestIndexSurvivesReopen(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	st, err := Open(root)
	require.NoError(t, err)
	rec, err := st.Create([]byte("persisted"), "http://h/", "g", 0, ContentStructure)
	require.NoError(t, err)

	st2, err := Open(root)
	require.NoError(t, err)
	got, err := st2.Info(rec.SessionID, []string{"g"})
	require.NoError(t, err)
	assert.Equal(t, ContentStructure, got.ContentType)
	assert.Equal(t, int64(9), got.TotalSizeBytes)
}
