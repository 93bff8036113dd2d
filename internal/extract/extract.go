// Package extract turns fetched HTML into structured page content. Extraction
// can be scoped to the first subtree matching a caller-supplied CSS selector.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/hyperifyio/goscrape/internal/scraperr"
)

// Link is one resolved anchor.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// Heading preserves document order of h1..h6.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// PageContent is the full extraction result for one page.
type PageContent struct {
	URL      string            `json:"url"`
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Links    []Link            `json:"links"`
	Headings []Heading         `json:"headings"`
	Images   []string          `json:"images"`
	Meta     map[string]string `json:"meta"`
	Language string            `json:"language,omitempty"`
	Depth    int               `json:"depth,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Page extracts content from decoded HTML. A non-empty selector scopes all
// extraction to the first matching subtree; selector syntax errors and
// zero-match selectors are distinct failures.
func Page(htmlText, baseURL, selector string) (*PageContent, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return nil, scraperr.Wrap(scraperr.KindDependency, scraperr.CodeExtractionError, "parse html", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, scraperr.Wrap(scraperr.KindValidation, scraperr.CodeInvalidURL, "parse base url", err)
	}

	root := doc.Selection
	if selector != "" {
		scoped, err := scope(doc, selector)
		if err != nil {
			return nil, err
		}
		root = scoped
	}

	pc := &PageContent{
		URL:   baseURL,
		Title: title(doc),
		Meta:  metaTags(doc),
	}
	if lang, ok := doc.Find("html").Attr("lang"); ok {
		pc.Language = strings.TrimSpace(lang)
	}

	pc.Text = visibleText(root)
	pc.Links = links(root, base)
	pc.Headings = headings(root)
	pc.Images = images(root, base)
	return pc, nil
}

// scope validates the selector and returns the first matching subtree.
func scope(doc *goquery.Document, selector string) (*goquery.Selection, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, scraperr.Wrap(scraperr.KindValidation, scraperr.CodeInvalidSelector, "bad CSS selector", err).
			WithDetail("selector", selector)
	}
	// cascadia.Selector satisfies goquery.Matcher.
	matched := doc.FindMatcher(sel)
	if matched.Length() == 0 {
		return nil, scraperr.Newf(scraperr.KindNotFound, scraperr.CodeSelectorNotFound,
			"selector %q matched nothing", selector).WithDetail("selector", selector)
	}
	return matched.First(), nil
}

func title(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	return ""
}

func metaTags(doc *goquery.Document) map[string]string {
	meta := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok || strings.TrimSpace(content) == "" {
			return
		}
		if name, ok := s.Attr("name"); ok {
			switch strings.ToLower(name) {
			case "description", "keywords":
				meta[strings.ToLower(name)] = strings.TrimSpace(content)
			}
		}
		if prop, ok := s.Attr("property"); ok && strings.HasPrefix(strings.ToLower(prop), "og:") {
			meta[strings.ToLower(prop)] = strings.TrimSpace(content)
		}
	})
	return meta
}

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "header": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "br": true, "hr": true, "blockquote": true,
	"pre": true, "ul": true, "ol": true, "table": true, "figcaption": true,
}

var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "iframe": true,
}

// visibleText walks the subtree collecting text: whitespace runs collapse to
// single spaces, block boundaries become newlines.
func visibleText(root *goquery.Selection) string {
	var b strings.Builder
	for _, n := range root.Nodes {
		collect(&b, n)
	}
	return normalize(b.String())
}

func collect(b *strings.Builder, n *html.Node) {
	if n.Type == html.ElementNode {
		name := strings.ToLower(n.Data)
		if skipTags[name] {
			return
		}
		if blockTags[name] {
			b.WriteString("\n")
		}
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collect(b, c)
	}
	if n.Type == html.ElementNode && blockTags[strings.ToLower(n.Data)] {
		b.WriteString("\n")
	}
}

// normalize collapses internal whitespace per line and drops blank runs.
func normalize(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		collapsed := strings.Join(strings.Fields(line), " ")
		if collapsed == "" {
			continue
		}
		out = append(out, collapsed)
	}
	return strings.Join(out, "\n")
}

func links(root *goquery.Selection, base *url.URL) []Link {
	var out []Link
	root.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return
		}
		if rel, ok := s.Attr("rel"); ok && containsToken(rel, "nofollow") {
			return
		}
		abs, err := base.Parse(href)
		if err != nil {
			return
		}
		scheme := strings.ToLower(abs.Scheme)
		if scheme != "http" && scheme != "https" {
			return
		}
		out = append(out, Link{Href: abs.String(), Text: strings.Join(strings.Fields(s.Text()), " ")})
	})
	return out
}

func containsToken(list, token string) bool {
	for _, t := range strings.Fields(list) {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}

func headings(root *goquery.Selection) []Heading {
	var out []Heading
	root.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		level := int(s.Nodes[0].Data[1] - '0')
		out = append(out, Heading{Level: level, Text: strings.Join(strings.Fields(s.Text()), " ")})
	})
	return out
}

func images(root *goquery.Selection, base *url.URL) []string {
	var out []string
	seen := make(map[string]bool)
	root.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		src = strings.TrimSpace(src)
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		abs, err := base.Parse(src)
		if err != nil {
			return
		}
		u := abs.String()
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	})
	return out
}
