package rag

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// YouTubeFetcher 获取视频标题与字幕轨
type YouTubeFetcher struct {
	client    *http.Client
	baseURL   string
	language  string
	userAgent string
}

// YouTubeFetcherConfig 配置
type YouTubeFetcherConfig struct {
	BaseURL  string // 默认 https://www.youtube.com
	Language string // 字幕语言，默认 en
	Timeout  time.Duration
}

// NewYouTubeFetcher 创建 YouTube 抓取器
func NewYouTubeFetcher(cfg YouTubeFetcherConfig) *YouTubeFetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.youtube.com"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &YouTubeFetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		language:  cfg.Language,
		userAgent: defaultUserAgent,
	}
}

// Fetch 整段字幕拼成一个 Segment，标题和作者写入元数据
func (f *YouTubeFetcher) Fetch(ctx context.Context, rawURL string) (*LoadedSource, error) {
	u, err := validateURL(rawURL)
	if err != nil {
		return nil, err
	}
	videoID := VideoID(u)
	if videoID == "" {
		return nil, fmt.Errorf("%w: no video id in %q", ErrInvalidURL, rawURL)
	}

	page, err := f.watchPage(ctx, videoID)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(strings.TrimSuffix(findTitle(page), " - YouTube"))
	if title == "" {
		title = videoID
	}

	transcript, err := f.transcript(ctx, videoID)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{"videoId": videoID}
	if d := findMeta(page, "description"); d != "" {
		meta["description"] = d
	}
	if a := findAuthor(page); a != "" {
		meta["author"] = a
	}
	if th := findThumbnail(page); th != "" {
		meta["thumbnail"] = th
	}

	src := &LoadedSource{
		Kind:     SourceYouTube,
		Source:   rawURL,
		Title:    title,
		Metadata: meta,
	}
	if transcript != "" {
		src.Segments = []Segment{{Text: transcript}}
	}
	return src, nil
}

// VideoID 支持 watch?v= / youtu.be / shorts / embed 形式
func VideoID(u *url.URL) string {
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	host = strings.TrimPrefix(host, "m.")
	path := strings.Trim(u.Path, "/")

	switch host {
	case "youtu.be":
		return firstSegment(path)
	case "youtube.com", "music.youtube.com":
		if v := u.Query().Get("v"); v != "" {
			return v
		}
		for _, prefix := range []string{"shorts/", "embed/", "live/"} {
			if strings.HasPrefix(path, prefix) {
				return firstSegment(strings.TrimPrefix(path, prefix))
			}
		}
	}
	return ""
}

func firstSegment(path string) string {
	if i := strings.Index(path, "/"); i >= 0 {
		return path[:i]
	}
	return path
}

func (f *YouTubeFetcher) watchPage(ctx context.Context, videoID string) (*html.Node, error) {
	body, err := f.get(ctx, f.baseURL+"/watch?v="+url.QueryEscape(videoID))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := html.Parse(io.LimitReader(body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("parse watch page: %w", err)
	}
	return doc, nil
}

// findAuthor 取 itemprop="author" 下的 name
func findAuthor(doc *html.Node) string {
	author := findItemprop(doc, "author")
	if author == nil {
		return findMeta(doc, "author")
	}
	if name := findItemprop(author, "name"); name != nil {
		return itempropValue(name)
	}
	return ""
}

func findThumbnail(doc *html.Node) string {
	if n := findItemprop(doc, "thumbnailUrl"); n != nil {
		if v := itempropValue(n); v != "" {
			return v
		}
	}
	return findMeta(doc, "og:image")
}

func findItemprop(root *html.Node, prop string) *html.Node {
	if root.Type == html.ElementNode && attr(root, "itemprop") == prop {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findItemprop(c, prop); n != nil {
			return n
		}
	}
	return nil
}

func itempropValue(n *html.Node) string {
	if v := attr(n, "content"); v != "" {
		return v
	}
	return attr(n, "href")
}

type timedText struct {
	XMLName xml.Name        `xml:"transcript"`
	Texts   []timedTextLine `xml:"text"`
}

type timedTextLine struct {
	Start string `xml:"start,attr"`
	Dur   string `xml:"dur,attr"`
	Text  string `xml:",chardata"`
}

func (f *YouTubeFetcher) transcript(ctx context.Context, videoID string) (string, error) {
	q := url.Values{}
	q.Set("v", videoID)
	q.Set("lang", f.language)

	body, err := f.get(ctx, f.baseURL+"/api/timedtext?"+q.Encode())
	if err != nil {
		return "", err
	}
	defer body.Close()

	var tt timedText
	if err := xml.NewDecoder(io.LimitReader(body, 8<<20)).Decode(&tt); err != nil {
		if err == io.EOF {
			return "", nil
		}
		return "", fmt.Errorf("parse transcript: %w", err)
	}

	parts := make([]string, 0, len(tt.Texts))
	for _, line := range tt.Texts {
		// 字幕文本是二次转义的 HTML
		t := strings.Join(strings.Fields(html.UnescapeString(line.Text)), " ")
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}

func (f *YouTubeFetcher) get(ctx context.Context, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Language", f.language)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("youtube request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("youtube request %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return resp.Body, nil
}
