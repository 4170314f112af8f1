package rag

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; docchat/1.0)"

// WebFetcher 抓取网页并抽取正文
type WebFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// WebFetcherConfig 配置
type WebFetcherConfig struct {
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64
}

// NewWebFetcher 创建网页抓取器
func NewWebFetcher(cfg WebFetcherConfig) *WebFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	return &WebFetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBytes,
	}
}

// Fetch 抓取 URL，按块级元素切分为段落
func (f *WebFetcher) Fetch(ctx context.Context, rawURL string) (*LoadedSource, error) {
	u, err := validateURL(rawURL)
	if err != nil {
		return nil, err
	}

	doc, err := f.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(findTitle(doc))
	if title == "" {
		title = u.Host
	}
	text := extractText(doc)

	src := &LoadedSource{
		Kind:   SourceWebsite,
		Source: u.String(),
		Title:  title,
		Metadata: map[string]string{
			"format": "html",
		},
	}
	if text != "" {
		src.Segments = []Segment{{Text: text}}
	}
	return src, nil
}

func (f *WebFetcher) get(ctx context.Context, target string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch %s: status %d: %s", target, resp.StatusCode, string(body))
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// findTitle 取 <title>，缺失时用 og:title
func findTitle(doc *html.Node) string {
	var title, ogTitle string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if n.FirstChild != nil {
					title = n.FirstChild.Data
				}
				return
			case atom.Meta:
				if attr(n, "property") == "og:title" && ogTitle == "" {
					ogTitle = attr(n, "content")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if title != "" {
		return title
	}
	return ogTitle
}

// findMeta 按 name 或 property 查找 <meta content>
func findMeta(doc *html.Node, key string) string {
	var out string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if out != "" {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Meta {
			if attr(n, "name") == key || attr(n, "property") == key {
				out = attr(n, "content")
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

var skipAtoms = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Head:     true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Template: true,
}

var blockAtoms = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Tr: true, atom.Pre: true,
	atom.Blockquote: true, atom.Header: true, atom.Footer: true,
}

// extractText 抽取可见文本，块级元素之间换行
func extractText(doc *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipAtoms[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				sb.WriteString(t)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockAtoms[n.DataAtom] {
			sb.WriteString("\n")
		}
	}
	walk(doc)

	var lines []string
	for _, line := range strings.Split(sb.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
