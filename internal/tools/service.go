package tools

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/hyperifyio/goscrape/internal/crawler"
	"github.com/hyperifyio/goscrape/internal/extract"
	"github.com/hyperifyio/goscrape/internal/fetch"
	"github.com/hyperifyio/goscrape/internal/logging"
	"github.com/hyperifyio/goscrape/internal/newsparser"
	"github.com/hyperifyio/goscrape/internal/profile"
	"github.com/hyperifyio/goscrape/internal/scraperr"
	"github.com/hyperifyio/goscrape/internal/session"
)

// Service implements the tool handlers over the scraping components. One
// Service instance backs the whole process; the anti-detection settings
// object it holds is the single mutable configuration owner.
type Service struct {
	Settings *profile.Settings
	Fetcher  fetch.Fetcher
	Crawler  *crawler.Crawler
	Store    *session.Store
	Parser   *newsparser.Parser
	Log      *logging.Logger
	BaseURL  string

	now func() time.Time
}

// NewService wires the handlers; log may be nil.
func NewService(settings *profile.Settings, f fetch.Fetcher, cr *crawler.Crawler,
	store *session.Store, parser *newsparser.Parser, log *logging.Logger, baseURL string) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{
		Settings: settings,
		Fetcher:  f,
		Crawler:  cr,
		Store:    store,
		Parser:   parser,
		Log:      log,
		BaseURL:  baseURL,
		now:      time.Now,
	}
}

// RegisterAll installs the core tool set into reg.
func (s *Service) RegisterAll(reg *Registry) error {
	entries := []Tool{
		{Name: "ping", Description: "Check that the scrape server is alive.",
			Schema: schemaPing, Handler: s.ping},
		{Name: "set_antidetection", Description: "Update the process-wide anti-detection configuration.",
			Schema: schemaSetAntidetection, Handler: s.setAntidetection},
		{Name: "get_content", Description: "Fetch a page or crawl a site and return extracted content.",
			Schema: schemaGetContent, Handler: s.getContent},
		{Name: "get_structure", Description: "Analyze a page's DOM structure, navigation and forms.",
			Schema: schemaGetStructure, Handler: s.getStructure},
		{Name: "get_session_info", Description: "Return metadata for a stored session.",
			Schema: schemaSessionID, Handler: s.getSessionInfo},
		{Name: "get_session_chunk", Description: "Return one chunk of a stored session.",
			Schema: schemaGetSessionChunk, Handler: s.getSessionChunk},
		{Name: "list_sessions", Description: "List sessions readable by the caller.",
			Schema: schemaListSessions, Handler: s.listSessions},
		{Name: "get_session_urls", Description: "Return per-chunk retrieval references for a session.",
			Schema: schemaGetSessionURLs, Handler: s.getSessionURLs},
		{Name: "get_session", Description: "Return a session's full content, subject to a size limit.",
			Schema: schemaGetSession, Handler: s.getSession},
	}
	for _, t := range entries {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) ping(context.Context, Caller, map[string]any) (any, error) {
	return map[string]any{"status": "ok", "service": "goscrape"}, nil
}

func (s *Service) setAntidetection(_ context.Context, _ Caller, args map[string]any) (any, error) {
	u := profile.Update{
		Profile:         argString(args, "profile", ""),
		CustomUserAgent: argString(args, "custom_user_agent", ""),
	}
	if raw, ok := args["custom_headers"].(map[string]any); ok {
		headers := make(map[string]string, len(raw))
		for k, v := range raw {
			if str, ok := v.(string); ok {
				headers[k] = str
			}
		}
		u.CustomHeaders = headers
	}
	if delay, ok := asFloat(args["rate_limit_delay"]); ok {
		u.RateDelay = time.Duration(delay * float64(time.Second))
	}
	if chars, ok := asFloat(args["max_response_chars"]); ok {
		u.MaxResponseChars = int(chars)
	}
	if respect, ok := args["respect_robots_txt"].(bool); ok {
		u.RespectRobots = &respect
	}
	if err := s.Settings.Apply(u); err != nil {
		return nil, err
	}
	return map[string]any{
		"profile":            s.Settings.Current(),
		"rate_limit_delay":   s.Settings.RateDelay().Seconds(),
		"max_response_chars": s.Settings.MaxChars(),
	}, nil
}

// pageResponse is the inline get_content shape.
type pageResponse struct {
	*extract.PageContent
	ResponseType string `json:"response_type"`
	HTTPStatus   int    `json:"http_status"`
	ElapsedMS    int64  `json:"elapsed_ms"`
	Truncated    bool   `json:"truncated,omitempty"`
}

func (s *Service) getContent(ctx context.Context, caller Caller, args map[string]any) (any, error) {
	rawURL := argString(args, "url", "")
	selector := argString(args, "selector", "")
	depth := argInt(args, "depth", 1)
	timeout := argInt(args, "timeout_seconds", 0)
	scope := logging.Scope{Group: caller.Primary()}

	if depth <= 1 && !argBool(args, "session", false) {
		res, err := s.Fetcher.Do(ctx, fetch.Request{
			URL: rawURL, Selector: selector, TimeoutSeconds: timeout,
			RespectRobots: true, Scope: scope,
		})
		if err != nil {
			return nil, err
		}
		page, err := extract.Page(res.Body, res.FinalURL, selector)
		if err != nil {
			return nil, err
		}
		out := &pageResponse{
			PageContent:  page,
			ResponseType: "content",
			HTTPStatus:   res.HTTPStatus,
			ElapsedMS:    res.ElapsedMS,
		}
		if max := s.Settings.MaxChars(); len(page.Text) > max {
			page.Text = truncateText(page.Text, max)
			out.Truncated = true
		}
		return out, nil
	}

	res, err := s.Crawler.Run(ctx, crawler.Options{
		StartURL:         rawURL,
		Depth:            depth,
		MaxPagesPerLevel: argInt(args, "max_pages_per_level", 10),
		Selector:         selector,
		TimeoutSeconds:   timeout,
		RespectRobots:    true,
		Scope:            scope,
	})
	if err != nil {
		return nil, err
	}

	var payload []byte
	var contentType session.ContentType
	if argBool(args, "parse_results", true) {
		feed, err := s.Parser.Parse(parserInput(res), s.now().UTC(),
			argString(args, "source_profile_name", ""))
		if err != nil {
			return nil, err
		}
		if payload, err = json.Marshal(feed); err != nil {
			return nil, scraperr.Wrap(scraperr.KindInternal, scraperr.CodeInternalError, "encode feed", err)
		}
		contentType = session.ContentParsedFeed
	} else {
		if payload, err = json.Marshal(res); err != nil {
			return nil, scraperr.Wrap(scraperr.KindInternal, scraperr.CodeInternalError, "encode crawl", err)
		}
		contentType = session.ContentRawCrawl
	}

	rec, err := s.Store.Create(payload, rawURL, caller.Primary(), argInt(args, "chunk_size", 0), contentType)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"response_type":    "session",
		"session_id":       rec.SessionID,
		"url":              rawURL,
		"content_type":     rec.ContentType,
		"chunk_size":       rec.ChunkSize,
		"total_chunks":     rec.TotalChunks,
		"total_size_bytes": rec.TotalSizeBytes,
		"total_pages":      res.Summary.TotalPages,
		"pages_by_depth":   res.Summary.PagesByDepth,
	}, nil
}

// parserInput adapts a crawl result for the news parser, skipping failed
// page placeholders.
func parserInput(res *crawler.Result) newsparser.CrawlInput {
	in := newsparser.CrawlInput{StartURL: res.StartURL}
	for _, p := range res.Pages {
		if p.Error != "" {
			continue
		}
		in.Pages = append(in.Pages, newsparser.CrawlPage{URL: p.URL, Depth: p.Depth, Text: p.Text})
	}
	return in
}

func (s *Service) getStructure(ctx context.Context, caller Caller, args map[string]any) (any, error) {
	selector := argString(args, "selector", "")
	res, err := s.Fetcher.Do(ctx, fetch.Request{
		URL:            argString(args, "url", ""),
		Selector:       selector,
		TimeoutSeconds: argInt(args, "timeout_seconds", 0),
		RespectRobots:  true,
		Scope:          logging.Scope{Group: caller.Primary()},
	})
	if err != nil {
		return nil, err
	}
	return extract.Analyze(res.Body, res.FinalURL, selector)
}

func (s *Service) getSessionInfo(_ context.Context, caller Caller, args map[string]any) (any, error) {
	return s.Store.Info(argString(args, "session_id", ""), caller.Groups)
}

func (s *Service) getSessionChunk(_ context.Context, caller Caller, args map[string]any) (any, error) {
	id := argString(args, "session_id", "")
	index := argInt(args, "chunk_index", 0)
	data, rec, err := s.Store.Chunk(id, index, caller.Groups)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id":   rec.SessionID,
		"chunk_index":  index,
		"total_chunks": rec.TotalChunks,
		"content":      string(data),
	}, nil
}

func (s *Service) listSessions(_ context.Context, caller Caller, _ map[string]any) (any, error) {
	list, err := s.Store.List(caller.Groups)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": list, "count": len(list)}, nil
}

func (s *Service) getSessionURLs(_ context.Context, caller Caller, args map[string]any) (any, error) {
	base := argString(args, "base_url", s.BaseURL)
	urls, err := s.Store.URLs(argString(args, "session_id", ""), caller.Groups, base)
	if err != nil {
		return nil, err
	}
	if !argBool(args, "as_json", true) {
		return map[string]any{"chunk_urls": urls}, nil
	}
	chunks := make([]map[string]any, len(urls))
	for i, u := range urls {
		chunks[i] = map[string]any{"chunk_index": i, "url": u}
	}
	return map[string]any{"chunks": chunks}, nil
}

func (s *Service) getSession(_ context.Context, caller Caller, args map[string]any) (any, error) {
	id := argString(args, "session_id", "")
	maxBytes := int64(argInt(args, "max_bytes", 0))
	data, rec, err := s.Store.GetFull(id, caller.Groups, maxBytes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id":       rec.SessionID,
		"content_type":     rec.ContentType,
		"total_size_bytes": rec.TotalSizeBytes,
		"content":          string(data),
	}, nil
}

// truncateText cuts s to at most max bytes without splitting a UTF-8 rune.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func argString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	if f, ok := asFloat(args[key]); ok {
		return int(f)
	}
	return def
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

var (
	schemaPing = json.RawMessage(`{
		"type": "object",
		"properties": {"auth_token": {"type": "string"}},
		"additionalProperties": false
	}`)

	schemaSetAntidetection = json.RawMessage(`{
		"type": "object",
		"properties": {
			"auth_token": {"type": "string"},
			"profile": {"type": "string"},
			"custom_headers": {"type": "object"},
			"custom_user_agent": {"type": "string"},
			"rate_limit_delay": {"type": "number"},
			"max_response_chars": {"type": "integer"},
			"respect_robots_txt": {"type": "boolean"}
		},
		"additionalProperties": false
	}`)

	schemaGetContent = json.RawMessage(`{
		"type": "object",
		"required": ["url"],
		"properties": {
			"auth_token": {"type": "string"},
			"url": {"type": "string"},
			"selector": {"type": "string"},
			"depth": {"type": "integer", "minimum": 1, "maximum": 3},
			"max_pages_per_level": {"type": "integer", "minimum": 1, "maximum": 20},
			"session": {"type": "boolean"},
			"parse_results": {"type": "boolean"},
			"source_profile_name": {"type": "string"},
			"chunk_size": {"type": "integer"},
			"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 300}
		},
		"additionalProperties": false
	}`)

	schemaGetStructure = json.RawMessage(`{
		"type": "object",
		"required": ["url"],
		"properties": {
			"auth_token": {"type": "string"},
			"url": {"type": "string"},
			"selector": {"type": "string"},
			"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 300}
		},
		"additionalProperties": false
	}`)

	schemaSessionID = json.RawMessage(`{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"auth_token": {"type": "string"},
			"session_id": {"type": "string"}
		},
		"additionalProperties": false
	}`)

	schemaGetSessionChunk = json.RawMessage(`{
		"type": "object",
		"required": ["session_id", "chunk_index"],
		"properties": {
			"auth_token": {"type": "string"},
			"session_id": {"type": "string"},
			"chunk_index": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`)

	schemaListSessions = json.RawMessage(`{
		"type": "object",
		"properties": {"auth_token": {"type": "string"}},
		"additionalProperties": false
	}`)

	schemaGetSessionURLs = json.RawMessage(`{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"auth_token": {"type": "string"},
			"session_id": {"type": "string"},
			"as_json": {"type": "boolean"},
			"base_url": {"type": "string"}
		},
		"additionalProperties": false
	}`)

	schemaGetSession = json.RawMessage(`{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"auth_token": {"type": "string"},
			"session_id": {"type": "string"},
			"max_bytes": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`)
)
