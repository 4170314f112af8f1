package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"docchat/internal/domain/pipeline"
	"docchat/internal/domain/rag"
	"docchat/internal/provider"
)

// TestAnswerFreshGuest 新访客提问：改写生效、非过滤检索、写入原始查询
func TestAnswerFreshGuest(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()

	res, err := svc.Answer(ctx, h.guest, "whats node js", nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.Answer != "Node.js is a runtime." {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(res.Sources) != 2 {
		t.Errorf("sources = %d, want 2", len(res.Sources))
	}

	keys := h.index.Keys()
	if len(keys) != 1 || keys[0] != "What is Node.js?" {
		t.Errorf("retrieval keys = %v, want refined query", keys)
	}

	q, _ := h.store.GetQuota(ctx, h.guest.ID)
	if q.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", q.MessageCount)
	}

	turns, _ := h.store.GetHistory(ctx, h.guest.ID)
	if len(turns) != 2 {
		t.Fatalf("history = %d turns, want 2", len(turns))
	}
	if turns[0].Role != pipeline.RoleUser || turns[0].Content != "whats node js" {
		t.Errorf("user turn = %+v, want raw query", turns[0])
	}
	if turns[1].Role != pipeline.RoleAssistant || turns[1].Content != res.Answer {
		t.Errorf("assistant turn = %+v", turns[1])
	}

	t.Logf("✅ fresh guest answered, history=%d turns", len(turns))
}

// TestAnswerQuotaExhausted 额度用尽时不发起任何模型调用
func TestAnswerQuotaExhausted(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()
	h.store.SetCounters(h.guest.ID, pipeline.QuotaCounters{MessageCount: 10})

	_, err := svc.Answer(ctx, h.guest, "hello", nil)

	var qe *pipeline.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if qe.Kind != pipeline.KindGuest || qe.Current != 10 || qe.Limit != 10 {
		t.Errorf("unexpected quota error: %+v", qe)
	}
	if !errors.Is(err, pipeline.ErrQuotaExceeded) {
		t.Error("expected errors.Is(err, ErrQuotaExceeded)")
	}

	if n := len(h.chat.Calls()) + len(h.refine.Calls()) + len(h.hyde.Calls()); n != 0 {
		t.Errorf("expected no completion calls, got %d", n)
	}
	if keys := h.index.Keys(); len(keys) != 0 {
		t.Errorf("expected no retrieval, got %v", keys)
	}
	turns, _ := h.store.GetHistory(ctx, h.guest.ID)
	if len(turns) != 0 {
		t.Errorf("history changed: %d turns", len(turns))
	}
}

// TestAnswerFilteredSearchFallback 过滤检索失败后用全库检索结果作答
func TestAnswerFilteredSearchFallback(t *testing.T) {
	h := newHarness()
	h.index.filteredErr = errors.New("payload index missing")
	svc := h.service()

	filter := &rag.RetrievalFilter{SourceKind: rag.SourceWebsite, SourceID: "example.com"}
	res, err := svc.Answer(context.Background(), h.guest, "what is on the page", filter)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.Answer == "" {
		t.Fatal("expected an answer")
	}
	if h.index.filteredCalls != 1 {
		t.Errorf("filtered calls = %d, want 1", h.index.filteredCalls)
	}

	system := h.chat.Calls()[0].Messages[0].Content
	if !strings.Contains(system, "node.pdf") {
		t.Errorf("expected unfiltered chunks in context, got %q", system)
	}
}

// TestAnswerEmptyCompletion 0 个 choice 为致命错误，历史与额度不变
func TestAnswerEmptyCompletion(t *testing.T) {
	h := newHarness()
	h.chat = failingLLM("chat", provider.ErrEmptyChoices)
	svc := h.service()
	ctx := context.Background()

	_, err := svc.Answer(ctx, h.guest, "hello", nil)
	if !errors.Is(err, pipeline.ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
	if errors.Is(err, pipeline.ErrCompletionUnavailable) {
		t.Error("empty completion must not be reported as unavailable")
	}

	q, _ := h.store.GetQuota(ctx, h.guest.ID)
	turns, _ := h.store.GetHistory(ctx, h.guest.ID)
	if q.MessageCount != 0 || len(turns) != 0 {
		t.Errorf("state changed: count=%d turns=%d", q.MessageCount, len(turns))
	}
}

func TestAnswerCompletionUnavailable(t *testing.T) {
	h := newHarness()
	h.chat = failingLLM("chat", errors.New("connection reset"))
	svc := h.service()

	_, err := svc.Answer(context.Background(), h.guest, "hello", nil)
	if !errors.Is(err, pipeline.ErrCompletionUnavailable) {
		t.Fatalf("expected ErrCompletionUnavailable, got %v", err)
	}
	var ue *pipeline.UnavailableError
	if !errors.As(err, &ue) || ue.Op != "chat" {
		t.Errorf("expected UnavailableError for chat, got %#v", err)
	}
}

// TestAnswerRawQueryWhenRefineAndHydeFail 改写和 HyDE 都失败时用原始查询检索
func TestAnswerRawQueryWhenRefineAndHydeFail(t *testing.T) {
	h := newHarness()
	h.refine = failingLLM("refine", errors.New("timeout"))
	h.hyde = replyLLM("hyde", "   ")
	svc := h.service()

	if _, err := svc.Answer(context.Background(), h.guest, "raw question", nil); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	keys := h.index.Keys()
	if len(keys) != 1 || keys[0] != "raw question" {
		t.Errorf("retrieval keys = %v, want raw query", keys)
	}
}

func TestAnswerHypotheticalDocumentIsRetrievalKey(t *testing.T) {
	h := newHarness()
	h.hyde = replyLLM("hyde", "Node.js is an open-source JavaScript runtime built on V8.")
	svc := h.service()

	if _, err := svc.Answer(context.Background(), h.guest, "whats node js", nil); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	// HyDE 的输入是改写后的查询
	hydeCalls := h.hyde.Calls()
	if len(hydeCalls) != 1 || hydeCalls[0].Messages[1].Content != "What is Node.js?" {
		t.Errorf("hyde input = %+v", hydeCalls)
	}
	keys := h.index.Keys()
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "Node.js is an open-source") {
		t.Errorf("retrieval keys = %v, want hypothetical document", keys)
	}
}

func TestAnswerRetrievalUnavailable(t *testing.T) {
	h := newHarness()
	h.index.filteredErr = errors.New("filtered down")
	h.index.searchErr = errors.New("index down")
	svc := h.service()
	ctx := context.Background()

	_, err := svc.Answer(ctx, h.guest, "hello", &rag.RetrievalFilter{SourceID: "a.pdf"})
	if !errors.Is(err, pipeline.ErrRetrievalUnavailable) {
		t.Fatalf("expected ErrRetrievalUnavailable, got %v", err)
	}
	if len(h.chat.Calls()) != 0 {
		t.Error("chat must not be called when retrieval is unavailable")
	}
	q, _ := h.store.GetQuota(ctx, h.guest.ID)
	if q.MessageCount != 0 {
		t.Errorf("message count = %d, want 0", q.MessageCount)
	}
}

// TestAnswerMessageOrder system(上下文) → 历史 → 原始查询
func TestAnswerMessageOrder(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()

	if _, err := svc.Answer(ctx, h.guest, "first question", nil); err != nil {
		t.Fatalf("first Answer: %v", err)
	}
	if _, err := svc.Answer(ctx, h.guest, "second question", nil); err != nil {
		t.Fatalf("second Answer: %v", err)
	}

	calls := h.chat.Calls()
	msgs := calls[len(calls)-1].Messages
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}

	wantRoles := []string{provider.RoleSystem, provider.RoleUser, provider.RoleAssistant, provider.RoleUser}
	for i, m := range msgs {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
	}
	if !strings.Contains(msgs[0].Content, "Source 1 [FILE node.pdf, page 3]") {
		t.Errorf("system message missing context: %q", msgs[0].Content)
	}
	if msgs[1].Content != "first question" || msgs[3].Content != "second question" {
		t.Errorf("unexpected user messages: %q / %q", msgs[1].Content, msgs[3].Content)
	}
}

func TestAnswerEmptyRetrievalUsesSentinel(t *testing.T) {
	h := newHarness()
	h.index.chunks = nil
	svc := h.service()

	res, err := svc.Answer(context.Background(), h.guest, "anything", nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(res.Sources) != 0 {
		t.Errorf("sources = %d, want 0", len(res.Sources))
	}
	system := h.chat.Calls()[0].Messages[0].Content
	if !strings.HasSuffix(system, rag.NoContextSentinel) {
		t.Errorf("system message should end with sentinel, got %q", system)
	}
}

// TestAnswerQuotaReachesLimitThenRejects limit-1 → limit → 拒绝
func TestAnswerQuotaReachesLimitThenRejects(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()
	h.store.SetCounters(h.guest.ID, pipeline.QuotaCounters{MessageCount: 9})

	if _, err := svc.Answer(ctx, h.guest, "one more", nil); err != nil {
		t.Fatalf("Answer at limit-1: %v", err)
	}
	q, _ := h.store.GetQuota(ctx, h.guest.ID)
	if q.MessageCount != 10 {
		t.Fatalf("message count = %d, want 10", q.MessageCount)
	}

	_, err := svc.Answer(ctx, h.guest, "too many", nil)
	var qe *pipeline.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	q, _ = h.store.GetQuota(ctx, h.guest.ID)
	if q.MessageCount != 10 {
		t.Errorf("message count after reject = %d, want 10", q.MessageCount)
	}
}

func TestAnswerWritesPairs(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := svc.Answer(ctx, h.registered, "question", nil); err != nil {
			t.Fatalf("Answer %d: %v", i, err)
		}
	}

	turns, err := svc.History(ctx, h.registered)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 2*n {
		t.Fatalf("history = %d turns, want %d", len(turns), 2*n)
	}
	for i, turn := range turns {
		want := pipeline.RoleUser
		if i%2 == 1 {
			want = pipeline.RoleAssistant
		}
		if turn.Role != want {
			t.Errorf("turn %d role = %s, want %s", i, turn.Role, want)
		}
		if i%2 == 1 && turn.Timestamp.Before(turns[i-1].Timestamp) {
			t.Errorf("turn %d answered before it was asked", i)
		}
	}
}

func TestAnswerStoreFailureWritesNothing(t *testing.T) {
	h := newHarness()
	fs := &failingStore{Store: h.store, appendErr: errors.New("tx aborted")}
	svc := h.service(func(_ *pipeline.Config, d *pipeline.Deps) { d.Store = fs })
	ctx := context.Background()

	_, err := svc.Answer(ctx, h.guest, "hello", nil)
	if !errors.Is(err, pipeline.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	q, _ := h.store.GetQuota(ctx, h.guest.ID)
	turns, _ := h.store.GetHistory(ctx, h.guest.ID)
	if q.MessageCount != 0 || len(turns) != 0 {
		t.Errorf("partial write: count=%d turns=%d", q.MessageCount, len(turns))
	}
}

// TestAnswerConcurrentCommit 检查通过后被并发请求用尽额度
func TestAnswerConcurrentCommit(t *testing.T) {
	tests := []struct {
		name      string
		strict    bool
		wantErr   bool
		wantCount int
	}{
		{name: "optimistic keeps the race", strict: false, wantErr: false, wantCount: 11},
		{name: "strict closes the race", strict: true, wantErr: true, wantCount: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.store.SetCounters(h.guest.ID, pipeline.QuotaCounters{MessageCount: 9})
			// 模拟另一个请求在本次对话期间提交
			h.chat = &fakeLLM{name: "chat", fn: func(*provider.CompletionRequest) (*provider.CompletionResponse, error) {
				h.store.SetCounters(h.guest.ID, pipeline.QuotaCounters{MessageCount: 10})
				return &provider.CompletionResponse{Content: "ok"}, nil
			}}
			svc := h.service(func(c *pipeline.Config, _ *pipeline.Deps) { c.QuotaStrict = tt.strict })
			ctx := context.Background()

			_, err := svc.Answer(ctx, h.guest, "racing", nil)
			if tt.wantErr {
				var qe *pipeline.QuotaExceededError
				if !errors.As(err, &qe) {
					t.Fatalf("expected QuotaExceededError, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("Answer: %v", err)
			}

			q, _ := h.store.GetQuota(ctx, h.guest.ID)
			if q.MessageCount != tt.wantCount {
				t.Errorf("message count = %d, want %d", q.MessageCount, tt.wantCount)
			}
		})
	}
}

func TestAnswerValidation(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()

	tests := []struct {
		name     string
		identity *pipeline.Identity
		query    string
		want     error
	}{
		{name: "no identity", identity: nil, query: "hi", want: pipeline.ErrAuthRequired},
		{name: "blank query", identity: h.guest, query: "   ", want: pipeline.ErrEmptyQuery},
		{name: "unknown identity", identity: &pipeline.Identity{ID: "ghost", Kind: pipeline.KindGuest}, query: "hi", want: pipeline.ErrAuthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Answer(ctx, tt.identity, tt.query, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if len(h.chat.Calls()) != 0 {
		t.Error("no completion expected for rejected requests")
	}
}

func TestAnswerHydeWebSearch(t *testing.T) {
	t.Run("search results are sent as json", func(t *testing.T) {
		h := newHarness()
		h.hyde = replyLLM("hyde", "synthesized passage")
		h.search.results = []pipeline.WebResult{{Title: "Node", Content: "runtime", URL: "https://nodejs.org"}}
		svc := h.service(func(c *pipeline.Config, _ *pipeline.Deps) { c.HyDEWebSearch = true })

		if _, err := svc.Answer(context.Background(), h.guest, "whats node js", nil); err != nil {
			t.Fatalf("Answer: %v", err)
		}

		var sent []map[string]string
		payload := h.hyde.Calls()[0].Messages[1].Content
		if err := json.Unmarshal([]byte(payload), &sent); err != nil {
			t.Fatalf("hyde input is not json: %q", payload)
		}
		if len(sent) != 1 || sent[0]["title"] != "Node" || sent[0]["content"] != "runtime" {
			t.Errorf("unexpected payload: %v", sent)
		}
		if _, ok := sent[0]["url"]; ok {
			t.Error("payload should only carry title and content")
		}
		if keys := h.index.Keys(); keys[0] != "synthesized passage" {
			t.Errorf("retrieval key = %q", keys[0])
		}
	})

	t.Run("search failure falls back to refined query", func(t *testing.T) {
		h := newHarness()
		h.hyde = replyLLM("hyde", "never used")
		h.search.err = errors.New("tavily down")
		svc := h.service(func(c *pipeline.Config, _ *pipeline.Deps) { c.HyDEWebSearch = true })

		if _, err := svc.Answer(context.Background(), h.guest, "whats node js", nil); err != nil {
			t.Fatalf("Answer: %v", err)
		}
		if len(h.hyde.Calls()) != 0 {
			t.Error("hyde completion should be skipped when search fails")
		}
		if keys := h.index.Keys(); keys[0] != "What is Node.js?" {
			t.Errorf("retrieval key = %q, want refined query", keys[0])
		}
	})
}
