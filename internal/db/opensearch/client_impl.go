package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docchat/internal/domain/rag"
	applog "docchat/internal/platform/log"
)

// Client OpenSearch HTTP 客户端，实现 rag.VectorIndex（kNN 检索）
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	indexName  string
	embedder   rag.Embedder
}

var _ rag.VectorIndex = (*Client)(nil)

// NewClient 创建 OpenSearch 客户端
func NewClient(cfg *rag.Config, embedder rag.Embedder) *Client {
	transport := &http.Transport{}
	if cfg.OpenSearchInsecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // 开发环境
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.OpenSearchURL, "/"),
		username: cfg.OpenSearchUsername,
		password: cfg.OpenSearchPassword,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		indexName: cfg.ChunkIndexName(),
		embedder:  embedder,
	}
}

// EnsureIndex 确保索引存在，如不存在则创建
func (c *Client) EnsureIndex(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodHead, "/"+c.indexName, nil)
	if err != nil {
		return fmt.Errorf("check index existence: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		applog.Info("[RAG/OpenSearch] Index already exists", "index", c.indexName)
		return nil
	}

	mapping := map[string]interface{}{
		"settings": map[string]interface{}{
			"index.knn": true,
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"chunk_id": map[string]string{"type": "keyword"},
				"doc_id":   map[string]string{"type": "keyword"},
				"owner_id": map[string]string{"type": "keyword"},
				"type":     map[string]string{"type": "keyword"},
				"source":   map[string]string{"type": "keyword"},
				"ext":      map[string]string{"type": "keyword"},
				"title":    map[string]string{"type": "text"},
				"content":  map[string]string{"type": "text"},
				"page":     map[string]string{"type": "integer"},
				"metadata": map[string]interface{}{"type": "object", "enabled": false},
				"vector": map[string]interface{}{
					"type":      "knn_vector",
					"dimension": c.embedder.Dims(),
					"method": map[string]interface{}{
						"name":       "hnsw",
						"space_type": "cosinesimil",
						"engine":     "lucene",
					},
				},
				"uploaded_at": map[string]string{"type": "date"},
			},
		},
	}

	body, _ := json.Marshal(mapping)
	resp, err = c.doRequest(ctx, http.MethodPut, "/"+c.indexName, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create index failed (%d): %s", resp.StatusCode, string(respBody))
	}

	applog.Info("[RAG/OpenSearch] ✅ Index created", "index", c.indexName, "dims", c.embedder.Dims())
	return nil
}

// Insert 向量化后批量写入
func (c *Client) Insert(ctx context.Context, chunks []rag.ChunkDocument) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	var buf bytes.Buffer
	for i, doc := range chunks {
		doc.Vector = vectors[i]
		action := map[string]interface{}{
			"index": map[string]interface{}{
				"_index": c.indexName,
				"_id":    doc.ChunkID,
			},
		}
		actionLine, _ := json.Marshal(action)
		buf.Write(actionLine)
		buf.WriteByte('\n')

		docLine, _ := json.Marshal(doc)
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/_bulk?refresh=wait_for", &buf)
	if err != nil {
		return fmt.Errorf("bulk index: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bulk index failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var bulk struct {
		Errors bool `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &bulk); err == nil && bulk.Errors {
		return fmt.Errorf("bulk index reported item errors")
	}

	applog.Info("[RAG/OpenSearch] Bulk indexed", "count", len(chunks))
	return nil
}

// Search 全库 kNN 检索
func (c *Client) Search(ctx context.Context, key string, k int) ([]rag.RetrievedChunk, error) {
	return c.searchKNN(ctx, key, k, nil)
}

// SearchFiltered 带 term 过滤的 kNN 检索
func (c *Client) SearchFiltered(ctx context.Context, key string, k int, filter *rag.RetrievalFilter) ([]rag.RetrievedChunk, error) {
	filters := buildFilters(filter)
	if len(filters) == 0 {
		return nil, fmt.Errorf("empty filter")
	}
	return c.searchKNN(ctx, key, k, filters)
}

func buildFilters(filter *rag.RetrievalFilter) []interface{} {
	if filter.IsZero() {
		return nil
	}
	var filters []interface{}
	if filter.SourceKind != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]string{"type": string(filter.SourceKind)},
		})
	}
	if filter.SourceID != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]string{"source": filter.SourceID},
		})
	}
	if filter.Extension != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]string{"ext": filter.Extension},
		})
	}
	return filters
}

func (c *Client) searchKNN(ctx context.Context, key string, k int, filters []interface{}) ([]rag.RetrievedChunk, error) {
	start := time.Now()
	if k <= 0 {
		k = 5
	}

	vector, err := rag.EmbedOne(ctx, c.embedder, key)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	knn := map[string]interface{}{
		"vector": vector,
		"k":      k,
	}
	if len(filters) > 0 {
		knn["filter"] = map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		}
	}

	query := map[string]interface{}{
		"size":    k,
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
		"query": map[string]interface{}{
			"knn": map[string]interface{}{"vector": knn},
		},
	}

	chunks, err := c.executeSearch(ctx, query)
	if err != nil {
		return nil, err
	}

	applog.Debug("[RAG/OpenSearch] kNN search",
		"top_k", k,
		"filtered", len(filters) > 0,
		"hits", len(chunks),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return chunks, nil
}

// executeSearch 执行 OpenSearch 查询并解析结果
func (c *Client) executeSearch(ctx context.Context, query map[string]interface{}) ([]rag.RetrievedChunk, error) {
	body, _ := json.Marshal(query)
	resp, err := c.doRequest(ctx, http.MethodPost, "/"+c.indexName+"/_search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var osResp struct {
		Hits struct {
			Hits []struct {
				ID     string          `json:"_id"`
				Score  float64         `json:"_score"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(respBody, &osResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	chunks := make([]rag.RetrievedChunk, 0, len(osResp.Hits.Hits))
	for _, hit := range osResp.Hits.Hits {
		var src rag.ChunkDocument
		if err := json.Unmarshal(hit.Source, &src); err != nil {
			applog.Warn("[RAG/OpenSearch] Failed to parse hit source", "id", hit.ID, "error", err)
			continue
		}
		chunks = append(chunks, src.Retrieved(hit.Score))
	}
	return chunks, nil
}

// Ping 检查 OpenSearch 连通性
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return fmt.Errorf("ping opensearch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opensearch returned status %d", resp.StatusCode)
	}
	return nil
}

// doRequest 执行 HTTP 请求
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	return c.httpClient.Do(req)
}
