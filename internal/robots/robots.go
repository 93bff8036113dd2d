// Package robots fetches, parses and caches per-host robots.txt policies.
// Fetch failures fail open: the crawl proceeds and a warning is emitted.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hyperifyio/goscrape/internal/logging"
)

// DefaultTTL is how long parsed rules stay fresh per host.
const DefaultTTL = time.Hour

// Cache resolves allow/deny decisions per host with a TTL cache. At most one
// robots.txt fetch per host is in flight at any time; concurrent callers for
// the same host wait for the first fetch to finish.
type Cache struct {
	HTTPClient *http.Client
	Log        *logging.Logger
	TTL        time.Duration

	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]chan struct{}
	now      func() time.Time
}

type entry struct {
	rules  Rules
	failed bool // fetch failed: allow everything until expiry
	expiry time.Time
}

// NewCache builds a cache with the given HTTP client and logger.
func NewCache(client *http.Client, log *logging.Logger) *Cache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Cache{
		HTTPClient: client,
		Log:        log,
		TTL:        DefaultTTL,
		entries:    make(map[string]entry),
		inflight:   make(map[string]chan struct{}),
		now:        time.Now,
	}
}

// Allowed reports whether rawURL may be fetched for userAgent. The per-host
// rules are fetched once and cached; on fetch failure the answer is allow.
func (c *Cache) Allowed(ctx context.Context, rawURL, userAgent string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false, fmt.Errorf("parse url: %w", err)
	}
	ent, err := c.rulesFor(ctx, u)
	if err != nil {
		return false, err
	}
	if ent.failed {
		return true, nil
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return ent.rules.IsAllowed(userAgent, path), nil
}

// CrawlDelay returns the robots-declared crawl delay for the host of rawURL,
// or zero when none is declared or the rules are not cached yet. It never
// triggers a fetch; Allowed is always called first in the pipeline.
func (c *Cache) CrawlDelay(rawURL, userAgent string) time.Duration {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	c.mu.Lock()
	ent, ok := c.entries[hostKey(u)]
	c.mu.Unlock()
	if !ok || ent.failed {
		return 0
	}
	return ent.rules.CrawlDelayFor(userAgent)
}

func hostKey(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func (c *Cache) rulesFor(ctx context.Context, u *url.URL) (entry, error) {
	key := hostKey(u)
	for {
		c.mu.Lock()
		if ent, ok := c.entries[key]; ok && c.now().Before(ent.expiry) {
			c.mu.Unlock()
			return ent, nil
		}
		if ch, busy := c.inflight[key]; busy {
			c.mu.Unlock()
			select {
			case <-ch:
				continue // re-check the cache
			case <-ctx.Done():
				return entry{}, ctx.Err()
			}
		}
		ch := make(chan struct{})
		c.inflight[key] = ch
		c.mu.Unlock()

		ent := c.fetch(ctx, u)

		c.mu.Lock()
		c.entries[key] = ent
		delete(c.inflight, key)
		close(ch)
		c.mu.Unlock()
		return ent, nil
	}
}

func (c *Cache) fetch(ctx context.Context, u *url.URL) entry {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	exp := c.now().Add(ttl)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return c.failOpen(robotsURL, err, exp)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return c.failOpen(robotsURL, err, exp)
	}
	defer resp.Body.Close()

	// 4xx means no policy published: everything allowed. Other non-2xx is a
	// fetch failure.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return entry{rules: Rules{}, expiry: exp}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.failOpen(robotsURL, fmt.Errorf("unexpected status: %d", resp.StatusCode), exp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return c.failOpen(robotsURL, err, exp)
	}
	return entry{rules: Parse(string(data)), expiry: exp}
}

func (c *Cache) failOpen(robotsURL string, cause error, exp time.Time) entry {
	c.Log.Warn("robots_fetch_failed", logging.Scope{}, "fetch", "robots", "target_site",
		logging.CauseType(cause), "proceeding fail-open; robots will be retried after TTL",
		map[string]string{"robots_url": robotsURL})
	return entry{failed: true, expiry: exp}
}
