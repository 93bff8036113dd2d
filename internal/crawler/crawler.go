// Package crawler performs a depth-bounded breadth-first crawl over
// same-domain links, with dedup by normalized URL and a per-level page cap.
package crawler

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/hyperifyio/goscrape/internal/extract"
	"github.com/hyperifyio/goscrape/internal/fetch"
	"github.com/hyperifyio/goscrape/internal/logging"
	"github.com/hyperifyio/goscrape/internal/scraperr"
)

// Bounds the wire contract exposes.
const (
	MaxDepth         = 3
	MaxPagesPerLevel = 20
)

// Options configures one crawl.
type Options struct {
	StartURL         string
	Depth            int
	MaxPagesPerLevel int
	Selector         string
	TimeoutSeconds   int
	RespectRobots    bool
	Scope            logging.Scope
}

// Summary aggregates crawl counters.
type Summary struct {
	TotalPages      int         `json:"total_pages"`
	TotalTextLength int         `json:"total_text_length"`
	PagesByDepth    map[int]int `json:"pages_by_depth"`
}

// Result is the aggregated crawl output. Pages contains no two entries with
// the same normalized URL; failed fetches appear as placeholder entries with
// only URL, Depth and Error set.
type Result struct {
	StartURL string                 `json:"start_url"`
	Pages    []*extract.PageContent `json:"pages"`
	Summary  Summary                `json:"summary"`
}

// Crawler drives BFS crawls through a Fetcher.
type Crawler struct {
	Fetcher fetch.Fetcher
	Log     *logging.Logger
}

// New builds a Crawler.
func New(f fetch.Fetcher, log *logging.Logger) *Crawler {
	if log == nil {
		log = logging.Nop()
	}
	return &Crawler{Fetcher: f, Log: log}
}

// Run crawls breadth-first from StartURL. Pages at depth d are fully
// processed before depth d+1 begins. Cancellation discards partial results.
func (c *Crawler) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Depth < 1 {
		opts.Depth = 1
	}
	if opts.Depth > MaxDepth {
		return nil, scraperr.Newf(scraperr.KindValidation, scraperr.CodeInvalidArgument,
			"depth %d exceeds maximum %d", opts.Depth, MaxDepth).WithDetail("depth", opts.Depth)
	}
	if opts.MaxPagesPerLevel < 1 {
		opts.MaxPagesPerLevel = 10
	}
	if opts.MaxPagesPerLevel > MaxPagesPerLevel {
		return nil, scraperr.Newf(scraperr.KindValidation, scraperr.CodeInvalidArgument,
			"max_pages_per_level %d exceeds maximum %d", opts.MaxPagesPerLevel, MaxPagesPerLevel).
			WithDetail("max_pages_per_level", opts.MaxPagesPerLevel)
	}

	start, err := url.Parse(opts.StartURL)
	if err != nil || start.Hostname() == "" {
		return nil, scraperr.New(scraperr.KindValidation, scraperr.CodeInvalidURL, "bad start_url").
			WithDetail("url", opts.StartURL)
	}
	rootHost := strings.ToLower(start.Hostname())

	res := &Result{
		StartURL: opts.StartURL,
		Summary:  Summary{PagesByDepth: make(map[int]int)},
	}
	visited := map[string]bool{Normalize(opts.StartURL): true}
	frontier := []string{opts.StartURL}

	for depth := 1; depth <= opts.Depth; depth++ {
		var nextFrontier []string
		for _, pageURL := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, scraperr.Wrap(scraperr.KindDependency, scraperr.CodeTimeoutError, "crawl cancelled", err)
			}
			page := c.fetchPage(ctx, pageURL, depth, opts)
			res.Pages = append(res.Pages, page)
			res.Summary.TotalPages++
			res.Summary.PagesByDepth[depth]++
			res.Summary.TotalTextLength += len(page.Text)

			if page.Error != "" || depth == opts.Depth {
				continue
			}
			for _, link := range page.Links {
				if len(nextFrontier) >= opts.MaxPagesPerLevel {
					break
				}
				if !sameSite(link.Href, rootHost) {
					continue
				}
				norm := Normalize(link.Href)
				if visited[norm] {
					continue
				}
				visited[norm] = true
				nextFrontier = append(nextFrontier, link.Href)
			}
		}
		frontier = nextFrontier
		if len(frontier) == 0 {
			break
		}
	}
	return res, nil
}

func (c *Crawler) fetchPage(ctx context.Context, pageURL string, depth int, opts Options) *extract.PageContent {
	fail := func(err error) *extract.PageContent {
		c.Log.Warn("crawl_page_failed", opts.Scope, "crawl", "fetch_page", "target_site",
			logging.CauseType(err), "page skipped; crawl continues",
			map[string]string{"url": pageURL, "depth": strconv.Itoa(depth)})
		return &extract.PageContent{URL: pageURL, Depth: depth, Error: scraperr.CodeOf(err)}
	}

	fres, err := c.Fetcher.Do(ctx, fetch.Request{
		URL:            pageURL,
		TimeoutSeconds: opts.TimeoutSeconds,
		RespectRobots:  opts.RespectRobots,
		Scope:          opts.Scope,
	})
	if err != nil {
		return fail(err)
	}
	// The selector only scopes the seed page; deeper pages are captured whole
	// so link discovery keeps working.
	selector := ""
	if depth == 1 {
		selector = opts.Selector
	}
	page, err := extract.Page(fres.Body, fres.FinalURL, selector)
	if err != nil {
		return fail(err)
	}
	page.URL = pageURL
	page.Depth = depth
	return page
}

// sameSite reports whether the link's host equals the root host or is a
// subdomain of it.
func sameSite(rawURL, rootHost string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	h := strings.ToLower(u.Hostname())
	return h == rootHost || strings.HasSuffix(h, "."+rootHost)
}

// Normalize canonicalizes a URL for dedup: lowercase scheme and host, drop
// the fragment, collapse a trailing slash, sort query keys.
func Normalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	return u.String()
}
