package tavily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.APIKey != "tvly-test" || req.Query != "what is go" || req.MaxResults != 5 {
			t.Errorf("unexpected request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"query":"what is go","results":[{"title":"Go","url":"https://go.dev","content":"Go is a language","score":0.9}]}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "tvly-test", BaseURL: srv.URL})
	results, err := c.Query(context.Background(), "what is go")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Go" || results[0].Content != "Go is a language" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestQueryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := New(Config{BaseURL: srv.URL}).Query(context.Background(), "q"); err == nil {
		t.Error("expected error without api key")
	}
	if _, err := New(Config{APIKey: "bad", BaseURL: srv.URL}).Query(context.Background(), "q"); err == nil {
		t.Error("expected error for 401")
	}
}
