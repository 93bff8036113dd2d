// Package newsparser turns raw crawl text into a structured story feed. The
// pipeline is deterministic: the same input, profile and crawl time always
// produce the same feed, story ids included.
package newsparser

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"lukechampine.com/blake3"

	"github.com/hyperifyio/goscrape/internal/logging"
	"github.com/hyperifyio/goscrape/internal/scraperr"
)

// ParserVersion tags feeds with the pipeline revision that produced them.
const ParserVersion = "2.1.0"

// CrawlPage is one crawled page's visible text.
type CrawlPage struct {
	URL   string
	Depth int
	Text  string
}

// CrawlInput is the crawl output the parser consumes.
type CrawlInput struct {
	StartURL string
	Pages    []CrawlPage
}

// Story is one parsed news item.
type Story struct {
	StoryID      string       `json:"story_id"`
	Headline     string       `json:"headline"`
	Subheadline  string       `json:"subheadline,omitempty"`
	Section      string       `json:"section,omitempty"`
	Published    *time.Time   `json:"published"`
	PublishedRaw string       `json:"published_raw,omitempty"`
	BodySnippet  string       `json:"body_snippet,omitempty"`
	CommentCount *int         `json:"comment_count,omitempty"`
	Tags         []string     `json:"tags"`
	ContentType  string       `json:"content_type"`
	Author       string       `json:"author,omitempty"`
	ParseQuality ParseQuality `json:"parse_quality"`
	Provenance   Provenance   `json:"provenance"`
	SeenOnPages  []string     `json:"seen_on_pages"`

	dedupKey string
}

// ParseQuality reports per-story confidence signals.
type ParseQuality struct {
	ParseConfidence    float64  `json:"parse_confidence"`
	MissingFields      []string `json:"missing_fields"`
	SegmentationReason string   `json:"segmentation_reason"`
}

// Provenance records where a story was found.
type Provenance struct {
	RootURL    string `json:"root_url"`
	PageURL    string `json:"page_url"`
	CrawlDepth int    `json:"crawl_depth"`
}

// FeedMeta summarizes one parse run.
type FeedMeta struct {
	ParserVersion      string    `json:"parser_version"`
	SourceProfile      string    `json:"source_profile"`
	SourceName         string    `json:"source_name"`
	SourceRootURL      string    `json:"source_root_url"`
	CrawlTimeUTC       time.Time `json:"crawl_time_utc"`
	PagesCrawled       int       `json:"pages_crawled"`
	StoriesExtracted   int       `json:"stories_extracted"`
	DuplicatesRemoved  int       `json:"duplicates_removed"`
	NoiseLinesStripped int       `json:"noise_lines_stripped"`
	ParseWarnings      []string  `json:"parse_warnings"`
}

// Feed is the parser output.
type Feed struct {
	FeedMeta FeedMeta `json:"feed_meta"`
	Stories  []Story  `json:"stories"`
}

// Content type values.
const (
	TypeNews      = "news"
	TypeOpinion   = "opinion"
	TypeAnalysis  = "analysis"
	TypeVideo     = "video"
	TypeSponsored = "sponsored"
)

var (
	photoLineRe    = regexp.MustCompile(`^(Photo|Illustration):`)
	durationLineRe = regexp.MustCompile(`^\d{2}:\d{2}$`)
	appMetaRe      = regexp.MustCompile(`(?i)^(download (the|our) app|available on the app store|get it on google play|all rights reserved|copyright ©)`)
	commentCountRe = regexp.MustCompile(`(?i)^(\d+)\s+comments?$`)
	relativeDateRe = regexp.MustCompile(`^(\d+)\s+(minute|hour|day)s?\s+ago$`)
	analysisRe     = regexp.MustCompile(`(?i)\b(analysis|deep dive|explainer)\b`)
	authorLineRe   = regexp.MustCompile(`^[A-Z][\w.'-]*(?: [A-Z][\w.'-]*){1,2}$`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

// Parser runs the pipeline against a profile registry.
type Parser struct {
	Registry *Registry
	Log      *logging.Logger
}

// NewParser builds a parser; log may be nil.
func NewParser(reg *Registry, log *logging.Logger) *Parser {
	if log == nil {
		log = logging.Nop()
	}
	return &Parser{Registry: reg, Log: log}
}

// Parse converts crawled pages into a Feed using the named source profile,
// falling back to the generic profile for unknown names.
func (p *Parser) Parse(in CrawlInput, crawlTime time.Time, profileName string) (*Feed, error) {
	if in.StartURL == "" || len(in.Pages) == 0 || crawlTime.IsZero() {
		return nil, scraperr.New(scraperr.KindValidation, scraperr.CodeParseError,
			"crawl input needs a start URL, at least one page and a crawl time").
			WithDetail("start_url", in.StartURL).WithDetail("pages", len(in.Pages))
	}
	profile, fellBack := p.Registry.Resolve(profileName)

	run := &parseRun{
		profile:   profile,
		fellBack:  fellBack,
		crawlTime: crawlTime.UTC(),
		rootURL:   in.StartURL,
	}
	for _, page := range in.Pages {
		run.parsePage(page)
	}
	stories, removed := run.dedup()

	if fellBack {
		run.warn(fmt.Sprintf("UNKNOWN_SOURCE_PROFILE: %q, using generic", profileName))
	}
	feed := &Feed{
		FeedMeta: FeedMeta{
			ParserVersion:      ParserVersion,
			SourceProfile:      profile.Name,
			SourceName:         profile.DisplayName,
			SourceRootURL:      in.StartURL,
			CrawlTimeUTC:       run.crawlTime,
			PagesCrawled:       len(in.Pages),
			StoriesExtracted:   len(stories),
			DuplicatesRemoved:  removed,
			NoiseLinesStripped: run.noiseStripped,
			ParseWarnings:      run.warnings,
		},
		Stories: stories,
	}
	return feed, nil
}

// parseRun accumulates state across the pages of one Parse call.
type parseRun struct {
	profile   *SourceProfile
	fellBack  bool
	crawlTime time.Time
	rootURL   string

	stories       []Story
	warnings      []string
	noiseStripped int
}

func (r *parseRun) warn(msg string) {
	r.warnings = append(r.warnings, msg)
}

func (r *parseRun) parsePage(page CrawlPage) {
	lines := splitLines(page.Text)
	kept, videoMarks := r.stripNoise(lines)

	var anchors []int
	for i, l := range kept {
		if r.profile.dateRe.MatchString(l) {
			anchors = append(anchors, i)
		}
	}

	if len(anchors) == 0 {
		// No anchors on this page: treat the whole page as one story block
		// so a headline is still recoverable.
		if s, ok := r.buildStory(kept, -1, videoMarks, 0, page, "no_date_anchor_fallback"); ok {
			r.stories = append(r.stories, s)
		}
		return
	}
	prev := -1
	for _, a := range anchors {
		if s, ok := r.buildStory(kept[prev+1:a], a, videoMarks, prev+1, page, "date_anchor"); ok {
			s.PublishedRaw = r.profile.dateRe.FindString(kept[a])
			s.Published = r.normalizeDate(s.PublishedRaw)
			if s.Published == nil {
				s.ParseQuality.ParseConfidence -= 0.2
				s.ParseQuality.MissingFields = append(s.ParseQuality.MissingFields, "published")
			}
			// The anchor line may also carry the comment count.
			if s.CommentCount == nil {
				if n, ok := commentCount(strings.TrimSpace(strings.Replace(kept[a], s.PublishedRaw, "", 1))); ok {
					s.CommentCount = &n
				}
			}
			r.finishStory(&s)
			r.stories = append(r.stories, s)
		}
		prev = a
	}
}

// stripNoise removes marker, photo-credit, duration and app-metadata lines.
// A noise line directly adjacent to a date anchor is kept so segmentation
// boundaries survive. Returns the kept lines and, for each stripped duration
// line, its would-be index among the kept lines.
func (r *parseRun) stripNoise(lines []string) ([]string, map[int]bool) {
	kept := make([]string, 0, len(lines))
	videoMarks := make(map[int]bool)
	for i, l := range lines {
		if !r.isNoise(l) {
			kept = append(kept, l)
			continue
		}
		if r.adjacentToAnchor(lines, i) {
			r.warn("STRIP_RULE_SKIPPED_STORY_SAFETY: " + l)
			kept = append(kept, l)
			continue
		}
		if durationLineRe.MatchString(l) {
			videoMarks[len(kept)] = true
		}
		r.noiseStripped++
	}
	return kept, videoMarks
}

func (r *parseRun) isNoise(line string) bool {
	if line == "" {
		return false
	}
	for _, m := range r.profile.NoiseMarkers {
		if line == m {
			return true
		}
	}
	return photoLineRe.MatchString(line) || durationLineRe.MatchString(line) || appMetaRe.MatchString(line)
}

func (r *parseRun) adjacentToAnchor(lines []string, i int) bool {
	if i > 0 && r.profile.dateRe.MatchString(lines[i-1]) {
		return true
	}
	if i+1 < len(lines) && r.profile.dateRe.MatchString(lines[i+1]) {
		return true
	}
	return false
}

// buildStory interprets one block of pre-date lines. anchorIdx is the kept
// index of the block's date anchor, or -1 for the whole-page fallback.
// keptOffset is the block's starting index among the kept lines, used to map
// video duration marks into the block.
func (r *parseRun) buildStory(block []string, anchorIdx int, videoMarks map[int]bool, keptOffset int, page CrawlPage, segReason string) (Story, bool) {
	s := Story{
		ContentType: TypeNews,
		Tags:        []string{},
		Provenance:  Provenance{RootURL: r.rootURL, PageURL: page.URL, CrawlDepth: page.Depth},
		SeenOnPages: []string{page.URL},
		ParseQuality: ParseQuality{
			ParseConfidence:    1.0,
			MissingFields:      []string{},
			SegmentationReason: segReason,
		},
	}
	if segReason != "date_anchor" {
		s.ParseQuality.ParseConfidence -= 0.2
		s.ParseQuality.MissingFields = append(s.ParseQuality.MissingFields, "published")
	}
	if r.fellBack {
		s.ParseQuality.ParseConfidence -= 0.1
	}

	sponsored := false
	i := 0
scan:
	for i < len(block) {
		l := strings.TrimSpace(block[i])
		switch {
		case l == "":
			i++
		case r.isSectionLabel(l):
			s.Section = l
			i++
		case containsAny(l, r.profile.SponsoredMarkers):
			sponsored = true
			i++
		case containsAny(l, r.profile.ExclusiveMarkers):
			s.Tags = append(s.Tags, "exclusive")
			i++
		default:
			break scan
		}
	}
	rest := block[i:]

	headlineIdx := -1
	for j, l := range rest {
		l = strings.TrimSpace(l)
		if _, ok := opinionPipe(l, r.profile.OpinionLabels); ok {
			headlineIdx = j
			s.Headline = l
			s.ContentType = TypeOpinion
			if j > 0 {
				if author := strings.TrimSpace(rest[j-1]); authorLineRe.MatchString(author) {
					s.Author = author
				}
			}
			break
		}
	}
	if headlineIdx < 0 {
		for j, l := range rest {
			if strings.TrimSpace(l) != "" {
				headlineIdx = j
				s.Headline = strings.TrimSpace(l)
				break
			}
		}
	}
	if s.Headline == "" {
		return s, false
	}

	var bodyLines []string
	for _, l := range rest[headlineIdx+1:] {
		l = strings.TrimSpace(l)
		if l == "" || l == s.Author {
			continue
		}
		if n, ok := commentCount(l); ok {
			s.CommentCount = &n
			continue
		}
		if s.Subheadline == "" && !r.isSectionLabel(l) {
			s.Subheadline = l
			continue
		}
		bodyLines = append(bodyLines, l)
	}
	s.BodySnippet = snippet(strings.Join(bodyLines, " "), 300)

	if sponsored {
		s.ContentType = TypeSponsored
	} else if s.ContentType != TypeOpinion {
		switch {
		case analysisRe.MatchString(s.Headline) || analysisRe.MatchString(s.Subheadline):
			s.ContentType = TypeAnalysis
		case r.videoPreceded(videoMarks, keptOffset, keptOffset+i+headlineIdx):
			s.ContentType = TypeVideo
		}
	}

	if s.Section == "" {
		s.ParseQuality.ParseConfidence -= 0.1
		s.ParseQuality.MissingFields = append(s.ParseQuality.MissingFields, "section")
	}
	if s.Subheadline == "" {
		s.ParseQuality.ParseConfidence -= 0.05
		s.ParseQuality.MissingFields = append(s.ParseQuality.MissingFields, "subheadline")
	}
	if anchorIdx < 0 {
		r.finishStory(&s)
	}
	return s, true
}

// videoPreceded reports whether a duration line was stripped between the
// block start and the headline.
func (r *parseRun) videoPreceded(marks map[int]bool, from, to int) bool {
	for p := range marks {
		if p >= from && p <= to {
			return true
		}
	}
	return false
}

func (r *parseRun) isSectionLabel(line string) bool {
	for _, l := range r.profile.SectionLabels {
		if line == l {
			return true
		}
	}
	return false
}

// finishStory clamps confidence and derives the dedup key and story id.
func (r *parseRun) finishStory(s *Story) {
	if s.ParseQuality.ParseConfidence < 0 {
		s.ParseQuality.ParseConfidence = 0
	}
	if s.ParseQuality.ParseConfidence > 1 {
		s.ParseQuality.ParseConfidence = 1
	}
	norm := normalizeHeadline(s.Headline)
	bucket := ""
	if s.Published != nil {
		bucket = s.Published.In(r.profile.location).Format("2006-01-02")
	}
	switch {
	case bucket != "" && s.Section != "":
		s.dedupKey = norm + "|" + bucket + "|" + s.Section
	case bucket != "":
		s.dedupKey = norm + "|" + bucket
	default:
		s.dedupKey = norm
	}
	sum := blake3.Sum256([]byte(r.profile.Name + "|" + s.dedupKey))
	s.StoryID = hex.EncodeToString(sum[:])[:16]
}

// normalizeDate turns a raw anchor string into a UTC timestamp, or nil with
// a warning when no form matches.
func (r *parseRun) normalizeDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if m := relativeDateRe.FindStringSubmatch(raw); m != nil {
		n, _ := strconv.Atoi(m[1])
		var unit time.Duration
		switch m[2] {
		case "minute":
			unit = time.Minute
		case "hour":
			unit = time.Hour
		case "day":
			unit = 24 * time.Hour
		}
		t := r.crawlTime.Add(-time.Duration(n) * unit)
		return &t
	}
	compact := whitespaceRe.ReplaceAllString(raw, " ")
	for _, layout := range []string{"2 Jan 2006 - 3:04PM", "2 Jan 2006 - 3:04 PM"} {
		if t, err := time.ParseInLocation(layout, compact, r.profile.location); err == nil {
			u := t.UTC()
			return &u
		}
	}
	if t, err := dateparse.ParseIn(raw, r.profile.location); err == nil {
		u := t.UTC()
		return &u
	}
	r.warn("DATE_PARSE_FAILED: " + raw)
	return nil
}

// dedup collapses stories sharing a key, keeping the shallowest crawl depth
// and breaking ties by richness. seen_on_pages of losers are merged into the
// survivor.
func (r *parseRun) dedup() ([]Story, int) {
	byKey := make(map[string]int)
	out := make([]Story, 0, len(r.stories))
	removed := 0
	for _, s := range r.stories {
		idx, seen := byKey[s.dedupKey]
		if !seen {
			byKey[s.dedupKey] = len(out)
			out = append(out, s)
			continue
		}
		removed++
		winner := &out[idx]
		loser := s
		if betterStory(&s, winner) {
			loser = *winner
			*winner = s
		}
		for _, p := range loser.SeenOnPages {
			if !containsString(winner.SeenOnPages, p) {
				winner.SeenOnPages = append(winner.SeenOnPages, p)
			}
		}
	}
	return out, removed
}

// betterStory reports whether a should replace b as a dedup survivor.
func betterStory(a, b *Story) bool {
	if a.Provenance.CrawlDepth != b.Provenance.CrawlDepth {
		return a.Provenance.CrawlDepth < b.Provenance.CrawlDepth
	}
	return richness(a) > richness(b)
}

func richness(s *Story) float64 {
	score := float64(len(s.BodySnippet)) / 1000
	if s.Subheadline != "" {
		score++
	}
	if s.CommentCount != nil {
		score++
	}
	score += float64(len(s.Tags))
	return score
}

func opinionPipe(line string, labels []string) (string, bool) {
	i := strings.IndexByte(line, '|')
	if i < 0 {
		return "", false
	}
	prefix := strings.TrimSpace(line[:i])
	for _, l := range labels {
		if strings.EqualFold(prefix, l) {
			return l, true
		}
	}
	return "", false
}

func commentCount(line string) (int, bool) {
	m := commentCountRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func normalizeHeadline(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = whitespaceRe.ReplaceAllString(h, " ")
	return strings.Trim(h, ".!?,;: ")
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut
}

func splitLines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, len(raw))
	for i, l := range raw {
		out[i] = strings.TrimSpace(l)
	}
	return out
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
