package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docchat/internal/domain/pipeline"
	applog "docchat/internal/platform/log"
)

// Config Tavily 搜索配置
type Config struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"` // 默认 https://api.tavily.com
	MaxResults     int    `json:"max_results"`
	SearchDepth    string `json:"search_depth"` // basic | advanced
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Client Tavily Search API 客户端
type Client struct {
	config Config
	client *http.Client
}

var _ pipeline.WebSearch = (*Client)(nil)

// New 创建 Tavily 客户端
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.tavily.com"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.MaxResults <= 0 {
		config.MaxResults = 5
	}
	if config.SearchDepth == "" {
		config.SearchDepth = "basic"
	}
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type searchResponse struct {
	Query   string         `json:"query"`
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Query 执行搜索
func (c *Client) Query(ctx context.Context, query string) ([]pipeline.WebResult, error) {
	if c.config.APIKey == "" {
		return nil, fmt.Errorf("tavily api key is not configured")
	}
	start := time.Now()

	body, err := json.Marshal(searchRequest{
		APIKey:      c.config.APIKey,
		Query:       query,
		SearchDepth: c.config.SearchDepth,
		MaxResults:  c.config.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("tavily API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]pipeline.WebResult, 0, len(sr.Results))
	for _, r := range sr.Results {
		out = append(out, pipeline.WebResult{Title: r.Title, Content: r.Content, URL: r.URL})
	}

	applog.Debug("[WebSearch/Tavily] Search done",
		"results", len(out),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}
