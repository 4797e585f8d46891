// Package scrape fetches a web page and reduces it to capture-ready text:
// sanitized HTML converted to markdown, plus the document title.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/pagebrain/capd/api/schemas"
)

const (
	fetchTimeout = 30 * time.Second

	// maxBodyBytes caps how much of a page is read. Formatting truncates to
	// the provider budget later; this only guards against runaway responses.
	maxBodyBytes = 8 << 20

	userAgent = "capd/1.0 (+https://github.com/pagebrain/capd)"
)

// Scraper turns a URL into a CaptureRequest.
type Scraper struct {
	client    *http.Client
	policy    *bluemonday.Policy
	converter *converter.Converter
	logger    *zap.Logger
}

// New builds a Scraper with a sanitization policy that keeps textual markup
// and links but strips scripts, styles and event handlers.
func New(logger *zap.Logger) *Scraper {
	return &Scraper{
		client: &http.Client{Timeout: fetchTimeout},
		policy: bluemonday.UGCPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger.Named("scrape"),
	}
}

// Scrape fetches url and returns its title and markdown content.
func (s *Scraper) Scrape(ctx context.Context, url string) (schemas.CaptureRequest, error) {
	raw, err := s.fetch(ctx, url)
	if err != nil {
		return schemas.CaptureRequest{}, err
	}

	title := documentTitle(raw)
	content, err := s.toMarkdown(raw, url)
	if err != nil {
		return schemas.CaptureRequest{}, fmt.Errorf("failed to extract content from %s: %w", url, err)
	}
	if strings.TrimSpace(content) == "" {
		return schemas.CaptureRequest{}, fmt.Errorf("no textual content found at %s", url)
	}

	s.logger.Debug("Scraped page",
		zap.String("url", url),
		zap.String("title", title),
		zap.Int("content_bytes", len(content)))

	return schemas.CaptureRequest{Title: title, Content: content, URL: url}, nil
}

func (s *Scraper) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid page URL %q: %w", url, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch of %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", url, err)
	}
	return string(body), nil
}

// toMarkdown sanitizes the page and converts the survivors to markdown. The
// sanitizer runs first so script and style payloads never reach the converter.
func (s *Scraper) toMarkdown(raw, sourceURL string) (string, error) {
	clean := s.policy.Sanitize(raw)
	md, err := s.converter.ConvertString(clean, converter.WithDomain(sourceURL))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(md), nil
}

// documentTitle extracts the <title> text, falling back to the first <h1>.
func documentTitle(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return ""
	}
	if t := findText(doc, atom.Title); t != "" {
		return t
	}
	return findText(doc, atom.H1)
}

func findText(root *html.Node, a atom.Atom) string {
	var walk func(*html.Node) string
	walk = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.DataAtom == a {
			return strings.TrimSpace(collectText(n))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if t := walk(c); t != "" {
				return t
			}
		}
		return ""
	}
	return walk(root)
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
