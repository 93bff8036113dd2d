// Package profile holds the anti-detection profile registry and the mutable
// scrape settings owned by the dispatcher. There is no package-level state;
// callers hold a *Settings and pass it into the fetcher explicitly.
package profile

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperifyio/goscrape/internal/scraperr"
)

// TLSMode hints how the underlying transport should present itself.
type TLSMode string

const (
	TLSStandard         TLSMode = "standard"
	TLSBrowserEmulation TLSMode = "browser_emulation"
)

// Profile is a named bundle of request-shaping values.
type Profile struct {
	Name             string
	Headers          map[string]string
	UserAgent        string
	TLSMode          TLSMode
	DefaultRateDelay time.Duration
	// userAgents, when non-empty, is rotated per request (stealth).
	userAgents []string
	rotation   atomic.Uint64
}

// CurrentUserAgent returns the user agent for the next request, rotating
// through the pool when one is configured.
func (p *Profile) CurrentUserAgent() string {
	if len(p.userAgents) == 0 {
		return p.UserAgent
	}
	n := p.rotation.Add(1)
	return p.userAgents[int(n-1)%len(p.userAgents)]
}

var stealthAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

var browserHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
	"Accept-Encoding": "gzip, deflate",
	"Connection":      "keep-alive",
	"Sec-Fetch-Dest":  "document",
	"Sec-Fetch-Mode":  "navigate",
	"Sec-Fetch-Site":  "none",
}

// builtins constructs the required profile set.
func builtins() map[string]*Profile {
	return map[string]*Profile{
		"balanced": {
			Name:             "balanced",
			Headers:          browserHeaders,
			UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			TLSMode:          TLSStandard,
			DefaultRateDelay: time.Second,
		},
		"stealth": {
			Name:             "stealth",
			Headers:          browserHeaders,
			userAgents:       stealthAgents,
			TLSMode:          TLSStandard,
			DefaultRateDelay: 2 * time.Second,
		},
		"browser_tls": {
			Name:             "browser_tls",
			Headers:          browserHeaders,
			UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			TLSMode:          TLSBrowserEmulation,
			DefaultRateDelay: time.Second,
		},
		"none": {
			Name:             "none",
			Headers:          map[string]string{},
			UserAgent:        "goscrape/1.0 (+https://github.com/hyperifyio/goscrape)",
			TLSMode:          TLSStandard,
			DefaultRateDelay: 500 * time.Millisecond,
		},
		"custom": {
			Name:             "custom",
			Headers:          map[string]string{},
			UserAgent:        "goscrape/1.0 (+https://github.com/hyperifyio/goscrape)",
			TLSMode:          TLSStandard,
			DefaultRateDelay: time.Second,
		},
	}
}

// Bounds for set_antidetection arguments.
const (
	MinRateDelay        = 100 * time.Millisecond
	MaxRateDelay        = 60 * time.Second
	MinResponseChars    = 1000
	MaxResponseChars    = 1_000_000
	DefaultResponseChar = 100_000
)

// Settings is the one owner of mutable anti-detection state. The dispatcher
// holds it and the fetcher reads it per request.
type Settings struct {
	mu sync.RWMutex

	profiles map[string]*Profile
	current  string

	rateDelay        time.Duration
	maxResponseChars int
	respectRobots    bool

	customHeaders   map[string]string
	customUserAgent string
}

// NewSettings returns settings with the balanced profile active,
// robots respected and default limits.
func NewSettings() *Settings {
	return &Settings{
		profiles:         builtins(),
		current:          "balanced",
		rateDelay:        time.Second,
		maxResponseChars: DefaultResponseChar,
		respectRobots:    true,
	}
}

// Update applies a set_antidetection call. Zero-valued options leave the
// corresponding setting untouched.
type Update struct {
	Profile          string
	CustomHeaders    map[string]string
	CustomUserAgent  string
	RateDelay        time.Duration
	MaxResponseChars int
	RespectRobots    *bool
}

// Apply validates and applies an update atomically.
func (s *Settings) Apply(u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Profile != "" {
		if _, ok := s.profiles[u.Profile]; !ok {
			return scraperr.Newf(scraperr.KindValidation, scraperr.CodeInvalidProfile,
				"unknown profile %q", u.Profile).WithDetail("profile", u.Profile)
		}
	}
	if u.RateDelay != 0 && (u.RateDelay < MinRateDelay || u.RateDelay > MaxRateDelay) {
		return scraperr.Newf(scraperr.KindValidation, scraperr.CodeInvalidRateLimit,
			"rate_limit_delay %s outside [0.1s, 60s]", u.RateDelay).
			WithDetail("rate_limit_delay", u.RateDelay.Seconds())
	}
	if u.MaxResponseChars != 0 && (u.MaxResponseChars < MinResponseChars || u.MaxResponseChars > MaxResponseChars) {
		return scraperr.Newf(scraperr.KindValidation, scraperr.CodeInvalidMaxResponseChars,
			"max_response_chars %d outside [1000, 1000000]", u.MaxResponseChars).
			WithDetail("max_response_chars", u.MaxResponseChars)
	}

	if u.Profile != "" {
		s.current = u.Profile
	}
	if u.RateDelay != 0 {
		s.rateDelay = u.RateDelay
	}
	if u.MaxResponseChars != 0 {
		s.maxResponseChars = u.MaxResponseChars
	}
	if u.RespectRobots != nil {
		s.respectRobots = *u.RespectRobots
	}
	if u.CustomHeaders != nil {
		s.customHeaders = u.CustomHeaders
	}
	if u.CustomUserAgent != "" {
		s.customUserAgent = u.CustomUserAgent
	}
	return nil
}

// Snapshot is an immutable view used to shape one request.
type Snapshot struct {
	ProfileName      string
	Headers          map[string]string
	UserAgent        string
	TLSMode          TLSMode
	RateDelay        time.Duration
	MaxResponseChars int
	RespectRobots    bool
}

// Snapshot resolves the current profile into per-request values. The stealth
// profile yields a different user agent on each call.
func (s *Settings) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.profiles[s.current]
	snap := Snapshot{
		ProfileName:      p.Name,
		UserAgent:        p.CurrentUserAgent(),
		TLSMode:          p.TLSMode,
		RateDelay:        s.rateDelay,
		MaxResponseChars: s.maxResponseChars,
		RespectRobots:    s.respectRobots,
	}
	headers := make(map[string]string, len(p.Headers)+len(s.customHeaders))
	for k, v := range p.Headers {
		headers[k] = v
	}
	if p.Name == "custom" {
		for k, v := range s.customHeaders {
			headers[k] = v
		}
		if s.customUserAgent != "" {
			snap.UserAgent = s.customUserAgent
		}
	}
	snap.Headers = headers
	return snap
}

// Current returns the active profile name.
func (s *Settings) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// RateDelay returns the configured minimum per-host delay.
func (s *Settings) RateDelay() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateDelay
}

// MaxChars returns the inline response character limit.
func (s *Settings) MaxChars() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxResponseChars
}

// RespectRobots reports whether robots.txt is honored.
func (s *Settings) RespectRobots() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.respectRobots
}
