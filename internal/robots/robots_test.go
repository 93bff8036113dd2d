package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAllowedFetchesOncePerHost(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\nCrawl-delay: 2\n"))
	}))
	t.Cleanup(srv.Close)

	c := NewCache(srv.Client(), nil)
	ctx := context.Background()

	ok, err := c.Allowed(ctx, srv.URL+"/public", "goscrape/1.0")
	if err != nil {
		t.Fatalf("allowed: %v", err)
	}
	if !ok {
		t.Fatal("expected /public to be allowed")
	}
	ok, err = c.Allowed(ctx, srv.URL+"/private/page", "goscrape/1.0")
	if err != nil {
		t.Fatalf("allowed: %v", err)
	}
	if ok {
		t.Fatal("expected /private/page to be denied")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected 1 robots fetch, got %d", hits)
	}
	if d := c.CrawlDelay(srv.URL+"/anything", "goscrape/1.0"); d != 2*time.Second {
		t.Fatalf("expected 2s crawl delay, got %s", d)
	}
}

// At most one outstanding robots.txt fetch per host even under concurrency.
func TestSingleOutstandingFetchPerHost(t *testing.T) {
	t.Parallel()
	var inflight, maxInflight, hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			prev := atomic.LoadInt32(&maxInflight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInflight, prev, cur) {
				break
			}
		}
		atomic.AddInt32(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		_, _ = w.Write([]byte("User-agent: *\nDisallow:\n"))
	}))
	t.Cleanup(srv.Close)

	c := NewCache(srv.Client(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Allowed(context.Background(), srv.URL+"/x", "goscrape/1.0")
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&maxInflight); got != 1 {
		t.Fatalf("expected at most 1 concurrent robots fetch, saw %d", got)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly 1 robots fetch, got %d", got)
	}
}

func TestMissingRobotsAllowsEverything(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewCache(srv.Client(), nil)
	ok, err := c.Allowed(context.Background(), srv.URL+"/anything", "goscrape/1.0")
	if err != nil {
		t.Fatalf("allowed: %v", err)
	}
	if !ok {
		t.Fatal("404 robots must allow")
	}
}

func TestFetchFailureFailsOpen(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewCache(srv.Client(), nil)
	ok, err := c.Allowed(context.Background(), srv.URL+"/x", "goscrape/1.0")
	if err != nil {
		t.Fatalf("allowed: %v", err)
	}
	if !ok {
		t.Fatal("robots fetch failure must fail open")
	}
}

func TestTTLExpiryRefetches(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /x\n"))
	}))
	t.Cleanup(srv.Close)

	c := NewCache(srv.Client(), nil)
	base := time.Now()
	c.now = func() time.Time { return base }

	_, _ = c.Allowed(context.Background(), srv.URL+"/a", "ua")
	_, _ = c.Allowed(context.Background(), srv.URL+"/b", "ua")
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected 1 fetch within TTL, got %d", hits)
	}

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, _ = c.Allowed(context.Background(), srv.URL+"/c", "ua")
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected refetch after expiry, got %d", hits)
	}
}

func TestParseGroupSelectionAndWildcards(t *testing.T) {
	t.Parallel()
	rules := Parse(`
User-agent: *
Disallow: /all

User-agent: goscrape
Allow: /all/except
Disallow: /all
Crawl-delay: 5
`)
	if got := rules.CrawlDelayFor("goscrape/1.0"); got != 5*time.Second {
		t.Fatalf("crawl delay: got %s", got)
	}
	if rules.IsAllowed("goscrape/1.0", "/all/private") {
		t.Fatal("specific group should disallow /all/private")
	}
	if !rules.IsAllowed("goscrape/1.0", "/all/except/page") {
		t.Fatal("more specific Allow should win")
	}
	if !rules.IsAllowed("otherbot", "/elsewhere") {
		t.Fatal("wildcard group should only block /all")
	}

	wild := Parse("User-agent: *\nDisallow: /*.json$\n")
	if wild.IsAllowed("ua", "/data/feed.json") {
		t.Fatal("wildcard+anchor pattern should match")
	}
	if !wild.IsAllowed("ua", "/data/feed.json.html") {
		t.Fatal("anchored pattern must not match longer path")
	}
}
