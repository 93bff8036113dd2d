package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hyperifyio/goscrape/internal/scraperr"
)

// Section describes one structural container without its body text.
type Section struct {
	Tag           string   `json:"tag"`
	ID            string   `json:"id,omitempty"`
	Classes       []string `json:"classes,omitempty"`
	ChildrenCount int      `json:"children_count"`
}

// Form summarizes one form element.
type Form struct {
	Action string   `json:"action,omitempty"`
	Method string   `json:"method,omitempty"`
	Inputs []string `json:"inputs,omitempty"`
}

// Structure is the page layout summary used to discover selectors before a
// scoped extraction.
type Structure struct {
	URL           string    `json:"url"`
	Sections      []Section `json:"sections"`
	Navigation    []Link    `json:"navigation"`
	InternalLinks []string  `json:"internal_links"`
	ExternalLinks []string  `json:"external_links"`
	Forms         []Form    `json:"forms"`
	Outline       []Heading `json:"outline"`
}

// Analyze builds a Structure for decoded HTML without extracting body text.
func Analyze(htmlText, baseURL, selector string) (*Structure, error) {
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

	st := &Structure{URL: baseURL}

	root.Find("section, article, main, aside, header, footer, div[id], div[class]").Each(func(_ int, s *goquery.Selection) {
		node := s.Nodes[0]
		sec := Section{
			Tag:           strings.ToLower(node.Data),
			ChildrenCount: s.Children().Length(),
		}
		if id, ok := s.Attr("id"); ok {
			sec.ID = id
		}
		if cls, ok := s.Attr("class"); ok {
			sec.Classes = strings.Fields(cls)
		}
		st.Sections = append(st.Sections, sec)
	})

	root.Find("nav a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs, err := base.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		st.Navigation = append(st.Navigation, Link{
			Href: abs.String(),
			Text: strings.Join(strings.Fields(s.Text()), " "),
		})
	})

	pageHost := strings.ToLower(base.Hostname())
	seen := make(map[string]bool)
	for _, l := range links(root, base) {
		if seen[l.Href] {
			continue
		}
		seen[l.Href] = true
		u, err := url.Parse(l.Href)
		if err != nil {
			continue
		}
		if strings.EqualFold(u.Hostname(), pageHost) {
			st.InternalLinks = append(st.InternalLinks, l.Href)
		} else {
			st.ExternalLinks = append(st.ExternalLinks, l.Href)
		}
	}

	root.Find("form").Each(func(_ int, s *goquery.Selection) {
		f := Form{}
		if a, ok := s.Attr("action"); ok {
			if abs, err := base.Parse(a); err == nil {
				f.Action = abs.String()
			}
		}
		if m, ok := s.Attr("method"); ok {
			f.Method = strings.ToUpper(m)
		}
		s.Find("input[name], select[name], textarea[name]").Each(func(_ int, in *goquery.Selection) {
			name, _ := in.Attr("name")
			f.Inputs = append(f.Inputs, name)
		})
		st.Forms = append(st.Forms, f)
	})

	st.Outline = headings(root)
	return st, nil
}
