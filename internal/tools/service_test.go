package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/goscrape/internal/auth"
	"github.com/hyperifyio/goscrape/internal/crawler"
	"github.com/hyperifyio/goscrape/internal/fetch"
	"github.com/hyperifyio/goscrape/internal/newsparser"
	"github.com/hyperifyio/goscrape/internal/profile"
	"github.com/hyperifyio/goscrape/internal/ratelimit"
	"github.com/hyperifyio/goscrape/internal/robots"
	"github.com/hyperifyio/goscrape/internal/session"
)

// testStack wires the full component graph against a temp dir and an
// optional httptest server.
type testStack struct {
	settings   *profile.Settings
	store      *session.Store
	dispatcher *Dispatcher
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	settings := profile.NewSettings()
	limiter := ratelimit.New(settings.RateDelay)
	cache := robots.NewCache(nil, nil)
	client := fetch.NewClient(nil, settings, cache, limiter, nil)
	client.AllowPrivateHosts = true

	store, err := session.Open(t.TempDir())
	require.NoError(t, err)
	reg, err := newsparser.NewRegistry()
	require.NoError(t, err)

	svc := NewService(settings, client, crawler.New(client, nil), store,
		newsparser.NewParser(reg, nil), nil, "")
	registry := NewRegistry()
	require.NoError(t, svc.RegisterAll(registry))

	verifier := auth.StaticVerifier{
		"tok-a": {Subject: "a-user", Groups: []string{"a"}},
		"tok-b": {Subject: "b-user", Groups: []string{"b"}},
		"tok-m": {Subject: "m-user", Groups: []string{"a", "b"}},
	}
	return &testStack{
		settings:   settings,
		store:      store,
		dispatcher: NewDispatcher(registry, verifier, nil),
	}
}

func (s *testStack) call(t *testing.T, tool string, args map[string]any) Envelope {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return s.dispatcher.Dispatch(context.Background(), tool, raw)
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)
	env := s.call(t, "ping", nil)
	assert.Equal(t, true, env["success"])
	assert.Equal(t, "ok", env["status"])
	assert.Equal(t, "goscrape", env["service"])
}

func TestUnknownTool(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)
	env := s.call(t, "does_not_exist", nil)
	assert.Equal(t, false, env["success"])
	assert.Equal(t, "UNKNOWN_TOOL", env["error_code"])
	assert.NotEmpty(t, env["recovery_strategy"])
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)

	env := s.call(t, "get_content", map[string]any{})
	assert.Equal(t, "INVALID_ARGUMENT", env["error_code"])
	details := env["details"].(map[string]any)
	assert.Equal(t, "url", details["field"])

	env = s.call(t, "get_content", map[string]any{"url": "http://h/", "depth": 9})
	assert.Equal(t, "INVALID_ARGUMENT", env["error_code"])

	env = s.call(t, "get_content", map[string]any{"url": "http://h/", "bogus": 1})
	assert.Equal(t, "INVALID_ARGUMENT", env["error_code"])

	env = s.call(t, "get_session_chunk", map[string]any{"session_id": "x", "chunk_index": "zero"})
	assert.Equal(t, "INVALID_ARGUMENT", env["error_code"])
}

func TestSetAntidetection(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)

	env := s.call(t, "set_antidetection", map[string]any{
		"profile":            "stealth",
		"rate_limit_delay":   0.5,
		"max_response_chars": 5000,
	})
	require.Equal(t, true, env["success"])
	assert.Equal(t, "stealth", env["profile"])
	assert.Equal(t, 0.5, env["rate_limit_delay"])
	assert.Equal(t, float64(5000), env["max_response_chars"])

	env = s.call(t, "set_antidetection", map[string]any{"profile": "ninja"})
	assert.Equal(t, "INVALID_PROFILE", env["error_code"])

	env = s.call(t, "set_antidetection", map[string]any{"rate_limit_delay": 600})
	assert.Equal(t, "INVALID_RATE_LIMIT", env["error_code"])
}

func TestGetContentInline(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Inline page</title></head><body><h1>Hello</h1><p>Body text here.</p></body></html>`))
	}))
	defer srv.Close()

	env := s.call(t, "get_content", map[string]any{"url": srv.URL + "/page"})
	require.Equal(t, true, env["success"], "envelope: %v", env)
	assert.Equal(t, "content", env["response_type"])
	assert.Equal(t, "Inline page", env["title"])
	assert.Contains(t, env["text"], "Body text here.")
}

func TestTruncateTextKeepsRuneBoundary(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		{"ab世界", 3, "ab"},
		{"ab世界", 4, "ab"},
		{"ab世界", 5, "ab世"},
		{"世界", 1, ""},
	} {
		assert.Equal(t, tc.want, truncateText(tc.in, tc.max), "%q max=%d", tc.in, tc.max)
	}
}

// Truncating an inline response must not leave a split rune behind.
func TestGetContentInlineTruncatesValidUTF8(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><head><title>T</title></head><body><p>" +
			strings.Repeat("日", 600) + "</p></body></html>"))
	}))
	defer srv.Close()

	env := s.call(t, "set_antidetection", map[string]any{"max_response_chars": 1000})
	require.Equal(t, true, env["success"], "envelope: %v", env)

	env = s.call(t, "get_content", map[string]any{"url": srv.URL + "/page"})
	require.Equal(t, true, env["success"], "envelope: %v", env)
	assert.Equal(t, true, env["truncated"])
	text := env["text"].(string)
	assert.LessOrEqual(t, len(text), 1000)
	assert.True(t, utf8.ValidString(text))
}

// Two sequential fetches against the same host must be spaced by the
// configured delay.
func TestSequentialFetchesAreRateLimited(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)

	var mu sync.Mutex
	var hits []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		hits = append(hits, time.Now())
		mu.Unlock()
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	env := s.call(t, "set_antidetection", map[string]any{"profile": "none", "rate_limit_delay": 0.5})
	require.Equal(t, true, env["success"])

	env = s.call(t, "get_content", map[string]any{"url": srv.URL + "/a"})
	require.Equal(t, true, env["success"])
	env = s.call(t, "get_content", map[string]any{"url": srv.URL + "/b"})
	require.Equal(t, true, env["success"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hits, 2)
	assert.GreaterOrEqual(t, hits[1].Sub(hits[0]), 450*time.Millisecond)
}

func crawlServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", http.NotFound)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<p>Seed page</p>
			<a href="/a">a</a><a href="/b">b</a><a href="/c">c</a>
			<a href="http://external.invalid/x">x</a>
		</body></html>`))
	})
	for _, p := range []string{"/a", "/b", "/c"} {
		path := p
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html><body>Leaf " + path + "</body></html>"))
		})
	}
	return httptest.NewServer(mux)
}

func TestGetContentDepthTwoReturnsSession(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)
	srv := crawlServer(t)
	defer srv.Close()

	env := s.call(t, "set_antidetection", map[string]any{"rate_limit_delay": 0.1})
	require.Equal(t, true, env["success"])

	env = s.call(t, "get_content", map[string]any{
		"url":                 srv.URL + "/",
		"depth":               2,
		"max_pages_per_level": 2,
		"parse_results":       false,
	})
	require.Equal(t, true, env["success"], "envelope: %v", env)
	assert.Equal(t, "session", env["response_type"])
	assert.Equal(t, float64(3), env["total_pages"])
	assert.Equal(t, "raw_crawl", env["content_type"])
	assert.NotEmpty(t, env["session_id"])

	// The stored blob is the raw crawl result.
	id := env["session_id"].(string)
	full := s.call(t, "get_session", map[string]any{"session_id": id})
	require.Equal(t, true, full["success"])
	var stored crawler.Result
	require.NoError(t, json.Unmarshal([]byte(full["content"].(string)), &stored))
	assert.Len(t, stored.Pages, 3)
}

func TestGetContentParsedFeedSession(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)
	srv := crawlServer(t)
	defer srv.Close()

	env := s.call(t, "set_antidetection", map[string]any{"rate_limit_delay": 0.1})
	require.Equal(t, true, env["success"])

	env = s.call(t, "get_content", map[string]any{
		"url":   srv.URL + "/",
		"depth": 2,
	})
	require.Equal(t, true, env["success"], "envelope: %v", env)
	assert.Equal(t, "parsed_feed", env["content_type"])

	id := env["session_id"].(string)
	full := s.call(t, "get_session", map[string]any{"session_id": id})
	require.Equal(t, true, full["success"])
	var feed newsparser.Feed
	require.NoError(t, json.Unmarshal([]byte(full["content"].(string)), &feed))
	assert.Equal(t, newsparser.ParserVersion, feed.FeedMeta.ParserVersion)
}

func TestSessionChunkingViaTools(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)

	content := make([]byte, 10001)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	rec, err := s.store.Create(content, "http://h/", "", 4000, session.ContentRawCrawl)
	require.NoError(t, err)

	info := s.call(t, "get_session_info", map[string]any{"session_id": rec.SessionID})
	require.Equal(t, true, info["success"])
	assert.Equal(t, float64(3), info["total_chunks"])

	var joined []byte
	for i := 0; i < 3; i++ {
		chunk := s.call(t, "get_session_chunk", map[string]any{
			"session_id":  rec.SessionID,
			"chunk_index": i,
		})
		require.Equal(t, true, chunk["success"])
		joined = append(joined, []byte(chunk["content"].(string))...)
	}
	assert.Equal(t, content, joined)

	last := s.call(t, "get_session_chunk", map[string]any{
		"session_id": rec.SessionID, "chunk_index": 2,
	})
	assert.Len(t, last["content"].(string), 2001)

	oob := s.call(t, "get_session_chunk", map[string]any{
		"session_id": rec.SessionID, "chunk_index": 3,
	})
	assert.Equal(t, "INVALID_CHUNK_INDEX", oob["error_code"])
}

func TestGroupACLThroughDispatcher(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("<html><body>Group content</body></html>"))
	}))
	defer srv.Close()

	env := s.call(t, "get_content", map[string]any{
		"url":           srv.URL + "/",
		"session":       true,
		"parse_results": false,
		"auth_token":    "tok-a",
	})
	require.Equal(t, true, env["success"], "envelope: %v", env)
	id := env["session_id"].(string)

	denied := s.call(t, "get_session_info", map[string]any{"session_id": id, "auth_token": "tok-b"})
	assert.Equal(t, false, denied["success"])
	assert.Equal(t, "PERMISSION_DENIED", denied["error_code"])

	multi := s.call(t, "get_session_info", map[string]any{"session_id": id, "auth_token": "tok-m"})
	assert.Equal(t, true, multi["success"])

	owner := s.call(t, "get_session_info", map[string]any{"session_id": id, "auth_token": "tok-a"})
	assert.Equal(t, true, owner["success"])

	anon := s.call(t, "get_session_info", map[string]any{"session_id": id})
	assert.Equal(t, "PERMISSION_DENIED", anon["error_code"])

	badToken := s.call(t, "get_session_info", map[string]any{"session_id": id, "auth_token": "nope"})
	assert.Equal(t, "AUTH_ERROR", badToken["error_code"])
}

func TestListSessionsFiltersByCaller(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)

	_, err := s.store.Create([]byte("a-data"), "http://h/", "a", 0, session.ContentRawCrawl)
	require.NoError(t, err)
	_, err = s.store.Create([]byte("pub"), "http://h/", "", 0, session.ContentRawCrawl)
	require.NoError(t, err)

	env := s.call(t, "list_sessions", map[string]any{"auth_token": "tok-b"})
	require.Equal(t, true, env["success"])
	assert.Equal(t, float64(1), env["count"])

	env = s.call(t, "list_sessions", map[string]any{"auth_token": "tok-a"})
	require.Equal(t, true, env["success"])
	assert.Equal(t, float64(2), env["count"])
}

func TestGetSessionURLs(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)
	rec, err := s.store.Create(make([]byte, 9000), "http://h/", "", 4000, session.ContentRawCrawl)
	require.NoError(t, err)

	env := s.call(t, "get_session_urls", map[string]any{
		"session_id": rec.SessionID,
		"base_url":   "https://scrape.example",
	})
	require.Equal(t, true, env["success"])
	chunks := env["chunks"].([]any)
	require.Len(t, chunks, 3)
	first := chunks[0].(map[string]any)
	assert.Equal(t, "https://scrape.example/sessions/"+rec.SessionID+"/chunks/0", first["url"])

	env = s.call(t, "get_session_urls", map[string]any{
		"session_id": rec.SessionID,
		"as_json":    false,
	})
	require.Equal(t, true, env["success"])
	assert.Len(t, env["chunk_urls"].([]any), 3)
}

func TestGetSessionTooLarge(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)
	rec, err := s.store.Create(make([]byte, 5000), "http://h/", "", 0, session.ContentRawCrawl)
	require.NoError(t, err)

	env := s.call(t, "get_session", map[string]any{"session_id": rec.SessionID, "max_bytes": 1000})
	assert.Equal(t, "CONTENT_TOO_LARGE", env["error_code"])
}

func TestRobotsOverrideFlow(t *testing.T) {
	t.Parallel()
	s := newTestStack(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /foo\n"))
			return
		}
		_, _ = w.Write([]byte("<html><body>Secret foo</body></html>"))
	}))
	defer srv.Close()

	env := s.call(t, "get_content", map[string]any{"url": srv.URL + "/foo"})
	assert.Equal(t, "ROBOTS_BLOCKED", env["error_code"])

	env = s.call(t, "set_antidetection", map[string]any{"respect_robots_txt": false})
	require.Equal(t, true, env["success"])

	env = s.call(t, "get_content", map[string]any{"url": srv.URL + "/foo"})
	require.Equal(t, true, env["success"], "envelope: %v", env)
	assert.Contains(t, env["text"], "Secret foo")
}
