package crawler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/goscrape/internal/fetch"
	"github.com/hyperifyio/goscrape/internal/scraperr"
)

// stubFetcher serves canned HTML per URL without a network.
type stubFetcher struct {
	pages map[string]string
	calls []string
}

func (s *stubFetcher) Do(_ context.Context, req fetch.Request) (*fetch.Result, error) {
	s.calls = append(s.calls, req.URL)
	body, ok := s.pages[req.URL]
	if !ok {
		return nil, scraperr.Newf(scraperr.KindNotFound, scraperr.CodeURLNotFound, "404 for %s", req.URL)
	}
	return &fetch.Result{URL: req.URL, FinalURL: req.URL, HTTPStatus: 200, Body: body}, nil
}

func page(links ...string) string {
	out := "<html><body>"
	for i, l := range links {
		out += fmt.Sprintf(`<a href=%q>link %d</a>`, l, i)
	}
	return out + "<p>some body text</p></body></html>"
}

func TestDepthTwoCrawlWithCapAndExternalExclusion(t *testing.T) {
	t.Parallel()
	seed := "http://h.example/"
	f := &stubFetcher{pages: map[string]string{
		seed:                  page("/a", "/b", "/c", "http://other.example/x"),
		"http://h.example/a":  page("/d"),
		"http://h.example/b":  page(),
	}}
	c := New(f, nil)

	res, err := c.Run(context.Background(), Options{StartURL: seed, Depth: 2, MaxPagesPerLevel: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Summary.TotalPages, "seed + 2 capped internal links")
	assert.Equal(t, 1, res.Summary.PagesByDepth[1])
	assert.Equal(t, 2, res.Summary.PagesByDepth[2])
	for _, p := range res.Pages {
		assert.NotContains(t, p.URL, "other.example", "external host excluded")
	}
}

func TestCrawlDedupByNormalizedURL(t *testing.T) {
	t.Parallel()
	seed := "http://h.example/"
	f := &stubFetcher{pages: map[string]string{
		seed:                      page("/a", "/a/", "/a#frag", "/a?x=1&y=2", "/a?y=2&x=1"),
		"http://h.example/a":      page(),
		"http://h.example/a?x=1&y=2": page(),
	}}
	c := New(f, nil)

	res, err := c.Run(context.Background(), Options{StartURL: seed, Depth: 2, MaxPagesPerLevel: 10})
	require.NoError(t, err)

	norms := make(map[string]bool)
	for _, p := range res.Pages {
		n := Normalize(p.URL)
		assert.False(t, norms[n], "duplicate normalized url %s", n)
		norms[n] = true
	}
	// /a, /a/ and /a#frag collapse to one; the two query orders collapse to one.
	assert.Equal(t, 3, res.Summary.TotalPages)
}

func TestFailedPagesBecomePlaceholders(t *testing.T) {
	t.Parallel()
	seed := "http://h.example/"
	f := &stubFetcher{pages: map[string]string{
		seed: page("/missing", "/b"),
		"http://h.example/b": page(),
	}}
	c := New(f, nil)

	res, err := c.Run(context.Background(), Options{StartURL: seed, Depth: 2, MaxPagesPerLevel: 10})
	require.NoError(t, err)

	var placeholder bool
	for _, p := range res.Pages {
		if p.URL == "http://h.example/missing" {
			placeholder = true
			assert.Equal(t, scraperr.CodeURLNotFound, p.Error)
			assert.Empty(t, p.Text)
		}
	}
	assert.True(t, placeholder, "failed page must appear as a placeholder")
	assert.Equal(t, 3, res.Summary.TotalPages)
}

func TestDepthOrdering(t *testing.T) {
	t.Parallel()
	seed := "http://h.example/"
	f := &stubFetcher{pages: map[string]string{
		seed:                 page("/a"),
		"http://h.example/a": page("/b"),
		"http://h.example/b": page(),
	}}
	c := New(f, nil)

	res, err := c.Run(context.Background(), Options{StartURL: seed, Depth: 3, MaxPagesPerLevel: 5})
	require.NoError(t, err)

	maxDepth := 0
	lastDepth := 0
	for _, p := range res.Pages {
		require.GreaterOrEqual(t, p.Depth, lastDepth, "levels must complete in order")
		lastDepth = p.Depth
		if p.Depth > maxDepth {
			maxDepth = p.Depth
		}
	}
	assert.LessOrEqual(t, maxDepth, 3)
	assert.Equal(t, []string{seed, "http://h.example/a", "http://h.example/b"}, f.calls)
}

func TestBoundsRejected(t *testing.T) {
	t.Parallel()
	c := New(&stubFetcher{}, nil)
	_, err := c.Run(context.Background(), Options{StartURL: "http://h.example/", Depth: 4})
	assert.Equal(t, scraperr.CodeInvalidArgument, scraperr.CodeOf(err))

	_, err = c.Run(context.Background(), Options{StartURL: "http://h.example/", Depth: 1, MaxPagesPerLevel: 21})
	assert.Equal(t, scraperr.CodeInvalidArgument, scraperr.CodeOf(err))
}

func TestCancellationDiscardsPartialResults(t *testing.T) {
	t.Parallel()
	seed := "http://h.example/"
	f := &stubFetcher{pages: map[string]string{seed: page("/a")}}
	c := New(f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.Run(ctx, Options{StartURL: seed, Depth: 2, MaxPagesPerLevel: 5})
	assert.Nil(t, res)
	assert.Equal(t, scraperr.CodeTimeoutError, scraperr.CodeOf(err))
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"HTTP://Example.COM/Path/":      "http://example.com/Path",
		"http://example.com/a#frag":     "http://example.com/a",
		"http://example.com/a?b=2&a=1":  "http://example.com/a?a=1&b=2",
		"http://example.com/":           "http://example.com/",
		"http://example.com/x?z=9":      "http://example.com/x?z=9",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}
