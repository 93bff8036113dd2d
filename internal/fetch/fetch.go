// Package fetch performs polite HTTP retrieval: robots consultation, per-host
// rate limiting, anti-detection request shaping, bounded retry with backoff
// and Retry-After, and terminal error classification.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/hyperifyio/goscrape/internal/logging"
	"github.com/hyperifyio/goscrape/internal/profile"
	"github.com/hyperifyio/goscrape/internal/ratelimit"
	"github.com/hyperifyio/goscrape/internal/robots"
	"github.com/hyperifyio/goscrape/internal/scraperr"
)

// Request describes one fetch.
type Request struct {
	URL            string
	Selector       string
	TimeoutSeconds int
	RespectRobots  bool
	Scope          logging.Scope
}

// Result is the immutable outcome of a successful fetch.
type Result struct {
	URL         string
	FinalURL    string
	HTTPStatus  int
	Body        string
	RawBody     []byte
	ContentType string
	Charset     string
	Headers     http.Header
	ElapsedMS   int64
	RateLimited bool
}

// Fetcher is the pluggable retrieval interface; alternative implementations
// may do TLS fingerprint emulation.
type Fetcher interface {
	Do(ctx context.Context, req Request) (*Result, error)
}

const (
	// DefaultTimeout applies when the caller does not set one.
	DefaultTimeout = 60 * time.Second
	minTimeout     = 1
	maxTimeout     = 300

	retryBase   = time.Second
	retryCap    = 30 * time.Second
	maxRetries  = 3
	maxBodySize = 10 << 20
)

// Client is the default Fetcher.
type Client struct {
	HTTPClient *http.Client
	Settings   *profile.Settings
	Robots     *robots.Cache
	Limiter    *ratelimit.Limiter
	Log        *logging.Logger
	// AllowPrivateHosts disables the SSRF guard; tests use it.
	AllowPrivateHosts bool
	// MaxBodyBytes caps response bodies. Zero means the 10 MiB default.
	MaxBodyBytes int64

	randMu sync.Mutex
	rand   *rand.Rand
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewClient wires a Client from its collaborators.
func NewClient(httpClient *http.Client, settings *profile.Settings, rc *robots.Cache, rl *ratelimit.Limiter, log *logging.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		HTTPClient: httpClient,
		Settings:   settings,
		Robots:     rc,
		Limiter:    rl,
		Log:        log,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs the full fetch pipeline for one URL.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	u, err := validateURL(req.URL)
	if err != nil {
		return nil, err
	}
	if !c.AllowPrivateHosts && isLocalOrPrivateHost(u.Hostname()) {
		return nil, scraperr.Newf(scraperr.KindPolicy, scraperr.CodeSSRFBlocked,
			"refusing to fetch private host %q", u.Hostname()).WithDetail("host", u.Hostname())
	}

	snap := c.Settings.Snapshot()

	if req.RespectRobots && snap.RespectRobots && c.Robots != nil {
		allowed, rerr := c.Robots.Allowed(ctx, req.URL, snap.UserAgent)
		if rerr != nil {
			if ctx.Err() != nil {
				return nil, scraperr.Wrap(scraperr.KindTransient, scraperr.CodeTimeoutError, "robots check cancelled", rerr)
			}
			return nil, scraperr.Wrap(scraperr.KindValidation, scraperr.CodeInvalidURL, "robots check failed", rerr)
		}
		if !allowed {
			return nil, scraperr.Newf(scraperr.KindPolicy, scraperr.CodeRobotsBlocked,
				"robots.txt disallows %s", req.URL).WithDetail("url", req.URL)
		}
		if d := c.Robots.CrawlDelay(req.URL, snap.UserAgent); d > 0 && c.Limiter != nil {
			c.Limiter.SetCrawlDelay(u.Host, d)
		}
	}

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx, u.Host); err != nil {
			return nil, scraperr.Wrap(scraperr.KindTransient, scraperr.CodeTimeoutError, "rate limit wait cancelled", err)
		}
	}

	timeout := DefaultTimeout
	if req.TimeoutSeconds != 0 {
		ts := req.TimeoutSeconds
		if ts < minTimeout {
			ts = minTimeout
		}
		if ts > maxTimeout {
			ts = maxTimeout
		}
		timeout = time.Duration(ts) * time.Second
	}

	start := time.Now()
	res, err := c.fetchWithRetry(ctx, req, u, snap, timeout)
	if err != nil {
		return nil, err
	}
	res.ElapsedMS = time.Since(start).Milliseconds()
	return res, nil
}

func (c *Client) fetchWithRetry(ctx context.Context, req Request, u *url.URL, snap profile.Snapshot, timeout time.Duration) (*Result, error) {
	var rateLimited bool
	for attempt := 0; ; attempt++ {
		res, retryable, cause := c.tryOnce(ctx, req, snap, timeout)
		if res != nil {
			res.RateLimited = rateLimited
			return res, nil
		}
		if !retryable || attempt >= maxRetries {
			return nil, classify(cause, req.URL)
		}
		var he *httpStatusError
		if errors.As(cause, &he) && he.status == http.StatusTooManyRequests {
			rateLimited = true
		}
		delay := c.retryDelay(attempt, cause)
		c.Log.Warn("fetch_retry", req.Scope, "fetch", "request", "target_site",
			logging.CauseType(cause), "waiting before retry", map[string]string{
				"url_host": u.Host,
				"attempt":  strconv.Itoa(attempt + 1),
				"delay_ms": strconv.FormatInt(delay.Milliseconds(), 10),
			})
		if err := c.sleep(ctx, delay); err != nil {
			return nil, classify(err, req.URL)
		}
	}
}

// httpStatusError marks a retryable HTTP status, carrying any Retry-After.
type httpStatusError struct {
	status     int
	retryAfter time.Duration
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("http status %d", e.status) }

func (c *Client) tryOnce(ctx context.Context, req Request, snap profile.Snapshot, timeout time.Duration) (res *Result, retryable bool, cause error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(actx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, false, err
	}
	for k, v := range snap.Headers {
		hreq.Header.Set(k, v)
	}
	if snap.UserAgent != "" {
		hreq.Header.Set("User-Agent", snap.UserAgent)
	}

	resp, err := c.HTTPClient.Do(hreq)
	if err != nil {
		// Network-level failures are retryable unless the caller is gone.
		if ctx.Err() != nil {
			return nil, false, err
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, true, &httpStatusError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, &httpStatusError{status: resp.StatusCode}
	}

	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = maxBodySize
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, err
		}
		return nil, true, err
	}

	ct := resp.Header.Get("Content-Type")
	body, charsetName, err := decodeBody(raw, ct)
	if err != nil {
		return nil, false, scraperr.Wrap(scraperr.KindDependency, scraperr.CodeEncodingError, "decode response body", err)
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Result{
		URL:         req.URL,
		FinalURL:    finalURL,
		HTTPStatus:  resp.StatusCode,
		Body:        body,
		RawBody:     raw,
		ContentType: ct,
		Charset:     charsetName,
		Headers:     resp.Header,
	}, false, nil
}

// retryDelay is exponential from base with a cap, plus uniform jitter, unless
// a larger Retry-After was provided (itself capped).
func (c *Client) retryDelay(attempt int, cause error) time.Duration {
	d := retryBase << uint(attempt)
	if d > retryCap {
		d = retryCap
	}
	d += c.jitter(d / 2)
	var he *httpStatusError
	if errors.As(cause, &he) && he.retryAfter > 0 {
		ra := he.retryAfter
		if ra > retryCap {
			ra = retryCap
		}
		if ra > d {
			d = ra
		}
	}
	return d
}

func (c *Client) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return time.Duration(c.rand.Int63n(int64(max)))
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func decodeBody(raw []byte, contentType string) (string, string, error) {
	enc, name, _ := charset.DetermineEncoding(raw, contentType)
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		// Fall back to replacement-lossy UTF-8 rather than failing the fetch.
		return string(raw), "utf-8", nil
	}
	return string(decoded), name, nil
}

func validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, scraperr.Wrap(scraperr.KindValidation, scraperr.CodeInvalidURL, "malformed URL", err).
			WithDetail("url", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, scraperr.Newf(scraperr.KindValidation, scraperr.CodeInvalidURL,
			"unsupported scheme %q", u.Scheme).WithDetail("url", raw)
	}
	if u.Hostname() == "" {
		return nil, scraperr.New(scraperr.KindValidation, scraperr.CodeInvalidURL, "missing host").
			WithDetail("url", raw)
	}
	return u, nil
}

// classify maps a terminal failure onto the error taxonomy.
func classify(cause error, rawURL string) error {
	var he *httpStatusError
	if errors.As(cause, &he) {
		switch {
		case he.status == http.StatusNotFound:
			return scraperr.Newf(scraperr.KindNotFound, scraperr.CodeURLNotFound, "404 for %s", rawURL)
		case he.status == http.StatusForbidden:
			return scraperr.Newf(scraperr.KindPermission, scraperr.CodeAccessDenied, "403 for %s", rawURL)
		case he.status == http.StatusTooManyRequests:
			return scraperr.Newf(scraperr.KindDependency, scraperr.CodeRateLimited,
				"still rate limited after %d retries", maxRetries)
		case he.status >= 500:
			return scraperr.Newf(scraperr.KindDependency, scraperr.CodeFetchError,
				"server error %d for %s", he.status, rawURL).WithDetail("http_status", he.status)
		default:
			return scraperr.Newf(scraperr.KindDependency, scraperr.CodeFetchError,
				"unexpected status %d for %s", he.status, rawURL).WithDetail("http_status", he.status)
		}
	}
	var se *scraperr.Error
	if errors.As(cause, &se) {
		return se
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return scraperr.Wrap(scraperr.KindDependency, scraperr.CodeTimeoutError, "fetch timed out", cause)
	}
	var ne net.Error
	if errors.As(cause, &ne) && ne.Timeout() {
		return scraperr.Wrap(scraperr.KindDependency, scraperr.CodeTimeoutError, "fetch timed out", cause)
	}
	var de *net.DNSError
	var oe *net.OpError
	if errors.As(cause, &de) || errors.As(cause, &oe) {
		return scraperr.Wrap(scraperr.KindDependency, scraperr.CodeConnectionError, "connection failed", cause)
	}
	if errors.Is(cause, context.Canceled) {
		return scraperr.Wrap(scraperr.KindDependency, scraperr.CodeTimeoutError, "fetch cancelled", cause)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return scraperr.Wrap(scraperr.KindDependency, scraperr.CodeConnectionError, "connection failed", cause)
	}
	return scraperr.Wrap(scraperr.KindDependency, scraperr.CodeFetchError, "fetch failed", cause)
}

func isLocalOrPrivateHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" || h == "localhost.localdomain" || h == "::1" || h == "[::1]" {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
	}
	return false
}
