package pipeline_test

import (
	"context"
	"errors"
	"sync"

	"docchat/internal/db/memstore"
	"docchat/internal/domain/pipeline"
	"docchat/internal/domain/rag"
	"docchat/internal/provider"
)

// fakeLLM 按脚本返回补全结果并记录请求
type fakeLLM struct {
	name string
	fn   func(req *provider.CompletionRequest) (*provider.CompletionResponse, error)

	mu    sync.Mutex
	calls []*provider.CompletionRequest
}

func (f *fakeLLM) Name() string { return f.name }

func (f *fakeLLM) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fn == nil {
		return nil, errors.New("not scripted")
	}
	return f.fn(req)
}

func (f *fakeLLM) Calls() []*provider.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*provider.CompletionRequest(nil), f.calls...)
}

func replyLLM(name, content string) *fakeLLM {
	return &fakeLLM{name: name, fn: func(*provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return &provider.CompletionResponse{Content: content, Model: name}, nil
	}}
}

func failingLLM(name string, err error) *fakeLLM {
	return &fakeLLM{name: name, fn: func(*provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return nil, err
	}}
}

// fakeIndex 记录检索 key，按需失败
type fakeIndex struct {
	mu             sync.Mutex
	chunks         []rag.RetrievedChunk
	filteredChunks []rag.RetrievedChunk
	searchErr      error
	filteredErr    error
	keys           []string
	filteredCalls  int
	inserted       []rag.ChunkDocument
}

func (f *fakeIndex) Insert(ctx context.Context, chunks []rag.ChunkDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, chunks...)
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, key string, k int) ([]rag.RetrievedChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if len(f.chunks) > k {
		return f.chunks[:k], nil
	}
	return f.chunks, nil
}

func (f *fakeIndex) SearchFiltered(ctx context.Context, key string, k int, filter *rag.RetrievalFilter) ([]rag.RetrievedChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.filteredCalls++
	if f.filteredErr != nil {
		return nil, f.filteredErr
	}
	return f.filteredChunks, nil
}

func (f *fakeIndex) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type fakeSearch struct {
	results []pipeline.WebResult
	err     error
	calls   int
}

func (f *fakeSearch) Query(ctx context.Context, q string) ([]pipeline.WebResult, error) {
	f.calls++
	return f.results, f.err
}

// fakeLoader 返回单段文本
type fakeLoader struct {
	err   error
	calls int
}

func (f *fakeLoader) Load(ctx context.Context, ref rag.SourceRef) (*rag.LoadedSource, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	src := &rag.LoadedSource{
		Kind:     ref.Kind,
		Source:   ref.Name,
		Title:    ref.Name,
		Segments: []rag.Segment{{Text: "content of " + ref.Name}},
	}
	switch ref.Kind {
	case rag.SourceYouTube:
		src.Metadata = map[string]string{"videoId": "abc123", "author": "Gopher Academy"}
	case rag.SourceWebsite:
		src.Metadata = map[string]string{"format": "html"}
	}
	return src, nil
}

type fakeLock struct {
	held map[string]bool
}

func (l *fakeLock) Acquire(ctx context.Context, key string) (bool, error) {
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLock) Release(ctx context.Context, key string) error {
	delete(l.held, key)
	return nil
}

// failingStore AppendExchange / RecordDocument 失败，其余委托给内存实现
type failingStore struct {
	*memstore.Store
	appendErr error
	recordErr error
}

func (s *failingStore) RecordDocument(ctx context.Context, doc *pipeline.Document) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	return s.Store.RecordDocument(ctx, doc)
}

func (s *failingStore) AppendExchange(ctx context.Context, id string, pair pipeline.TurnPair, max int) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.Store.AppendExchange(ctx, id, pair, max)
}

var twoChunks = []rag.RetrievedChunk{
	{Text: "Node.js is a JavaScript runtime.", SourceKind: rag.SourceFile, SourceID: "node.pdf", Position: rag.PositionHint{Page: 3}},
	{Text: "Node.js uses an event loop.", SourceKind: rag.SourceWebsite, SourceID: "https://nodejs.org"},
}

type harness struct {
	store      *memstore.Store
	index      *fakeIndex
	chat       *fakeLLM
	refine     *fakeLLM
	hyde       *fakeLLM
	search     *fakeSearch
	loader     *fakeLoader
	lock       *fakeLock
	guest      *pipeline.Identity
	registered *pipeline.Identity
}

func newHarness() *harness {
	store := memstore.New()
	return &harness{
		store:      store,
		index:      &fakeIndex{chunks: twoChunks},
		chat:       replyLLM("chat", "Node.js is a runtime."),
		refine:     replyLLM("refine", "What is Node.js?"),
		hyde:       failingLLM("hyde", errors.New("hyde down")),
		search:     &fakeSearch{},
		loader:     &fakeLoader{},
		lock:       &fakeLock{held: map[string]bool{}},
		guest:      store.PutIdentity(pipeline.Identity{Kind: pipeline.KindGuest, Fingerprint: "guest-fp"}),
		registered: store.PutIdentity(pipeline.Identity{Kind: pipeline.KindRegistered, Fingerprint: "registered-fp"}),
	}
}

func (h *harness) service(mutate ...func(*pipeline.Config, *pipeline.Deps)) *pipeline.Service {
	cfg := pipeline.Config{
		Limits:    pipeline.DefaultLimits(),
		ChatModel: "chat-model",
	}
	deps := pipeline.Deps{
		Store:     h.store,
		Retriever: rag.NewCoordinator(h.index, rag.CoordinatorConfig{}),
		ChatLLM:   h.chat,
		RefineLLM: h.refine,
		HyDELLM:   h.hyde,
		WebSearch: h.search,
		Loader:    h.loader,
		Indexer:   rag.NewIndexer(h.index, nil),
		Lock:      h.lock,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	return pipeline.NewService(cfg, deps)
}
