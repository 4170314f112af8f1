package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"docchat/internal/domain/rag"
)

type constEmbedder struct{}

func (constEmbedder) Dims() int { return 3 }

func (constEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func newTestClient(url string) *Client {
	cfg := rag.DefaultConfig()
	cfg.OpenSearchURL = url
	return NewClient(cfg, constEmbedder{})
}

func TestSearchFilteredBuildsTermFilters(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_search") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_id":"c1","_score":0.9,"_source":{"chunk_id":"c1","type":"SUBTITLE","source":"ep1.srt","content":"hello","metadata":{"from":"1000","to":"2000","id":"1"}}},
			{"_id":"c2","_score":0.8,"_source":{"chunk_id":"c2","type":"FILE","source":"a.pdf","content":"world","page":3}}
		]}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	chunks, err := c.SearchFiltered(context.Background(), "hello", 10, &rag.RetrievalFilter{SourceKind: rag.SourceSubtitle, Extension: ".srt"})
	if err != nil {
		t.Fatalf("SearchFiltered: %v", err)
	}

	knn := captured["query"].(map[string]interface{})["knn"].(map[string]interface{})["vector"].(map[string]interface{})
	filters := knn["filter"].(map[string]interface{})["bool"].(map[string]interface{})["filter"].([]interface{})
	if len(filters) != 2 {
		t.Errorf("filters = %v", filters)
	}
	if int(knn["k"].(float64)) != 10 {
		t.Errorf("k = %v", knn["k"])
	}

	if len(chunks) != 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if chunks[0].Position.Timing["from"] != "1000" || chunks[0].SourceID != "ep1.srt" {
		t.Errorf("subtitle chunk = %+v", chunks[0])
	}
	if chunks[1].Position.Page != 3 {
		t.Errorf("file chunk = %+v", chunks[1])
	}
	t.Logf("✅ filtered kNN query carries %d term filters", len(filters))
}

func TestSearchFilteredRejectsEmptyFilter(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	if _, err := c.SearchFiltered(context.Background(), "q", 10, &rag.RetrievalFilter{}); err == nil {
		t.Fatal("expected error for empty filter")
	}
}

func TestInsertBulk(t *testing.T) {
	var lines int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lines = strings.Count(string(body), "\n")
		_, _ = w.Write([]byte(`{"errors":false,"items":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.Insert(context.Background(), []rag.ChunkDocument{
		{ChunkID: "a", Content: "one"},
		{ChunkID: "b", Content: "two"},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if lines != 4 {
		t.Errorf("bulk lines = %d, want 4", lines)
	}
}
