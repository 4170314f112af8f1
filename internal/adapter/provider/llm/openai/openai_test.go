package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"docchat/internal/provider"
)

func TestComplete(t *testing.T) {
	var got apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"total_tokens":7}}`))
	}))
	defer srv.Close()

	p := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	resp, err := p.Complete(context.Background(), &provider.CompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hi" || resp.Usage.TotalTokens != 7 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got.Model != "gpt-4o-mini" || len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.Temperature != nil {
		t.Errorf("temperature should be omitted when zero")
	}
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantEmpty bool
	}{
		{name: "zero choices", status: http.StatusOK, body: `{"choices":[]}`, wantEmpty: true},
		{name: "api error", status: http.StatusTooManyRequests, body: `{"error":"slow down"}`},
		{name: "bad json", status: http.StatusOK, body: `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := New(Config{BaseURL: srv.URL})
			_, err := p.Complete(context.Background(), &provider.CompletionRequest{Model: "m"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, provider.ErrEmptyChoices); got != tt.wantEmpty {
				t.Errorf("errors.Is(ErrEmptyChoices) = %v, want %v (err=%v)", got, tt.wantEmpty, err)
			}
		})
	}
}

func TestName(t *testing.T) {
	if got := New(Config{}).Name(); got != "openai" {
		t.Errorf("default name = %q", got)
	}
	if got := New(Config{Name: "gemini"}).Name(); got != "gemini" {
		t.Errorf("name = %q", got)
	}
}
