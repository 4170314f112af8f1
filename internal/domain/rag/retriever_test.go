package rag_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docchat/internal/domain/rag"
)

type stubIndex struct {
	mu          sync.Mutex
	chunks      []rag.RetrievedChunk
	filtered    []rag.RetrievedChunk
	searchErr   error
	filteredErr error
	gotK        []int
	blockFor    time.Duration
}

func (s *stubIndex) Insert(ctx context.Context, chunks []rag.ChunkDocument) error { return nil }

func (s *stubIndex) Search(ctx context.Context, key string, k int) ([]rag.RetrievedChunk, error) {
	s.mu.Lock()
	s.gotK = append(s.gotK, k)
	s.mu.Unlock()
	if s.blockFor > 0 {
		select {
		case <-time.After(s.blockFor):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.chunks, s.searchErr
}

func (s *stubIndex) SearchFiltered(ctx context.Context, key string, k int, f *rag.RetrievalFilter) ([]rag.RetrievedChunk, error) {
	s.mu.Lock()
	s.gotK = append(s.gotK, k)
	s.mu.Unlock()
	return s.filtered, s.filteredErr
}

var (
	fileChunk = rag.RetrievedChunk{Text: "a", SourceKind: rag.SourceFile, SourceID: "a.pdf"}
	webChunk  = rag.RetrievedChunk{Text: "b", SourceKind: rag.SourceWebsite, SourceID: "https://b.dev"}
)

func TestCoordinatorRetrieve(t *testing.T) {
	filter := &rag.RetrievalFilter{SourceKind: rag.SourceWebsite}

	tests := []struct {
		name    string
		index   *stubIndex
		filter  *rag.RetrievalFilter
		wantK   []int
		wantLen int
		wantErr bool
	}{
		{
			name:    "unfiltered uses small k",
			index:   &stubIndex{chunks: []rag.RetrievedChunk{fileChunk, webChunk}},
			wantK:   []int{2},
			wantLen: 2,
		},
		{
			name:    "filtered uses large k",
			index:   &stubIndex{filtered: []rag.RetrievedChunk{webChunk}},
			filter:  filter,
			wantK:   []int{10},
			wantLen: 1,
		},
		{
			name:    "empty filter is unfiltered",
			index:   &stubIndex{chunks: []rag.RetrievedChunk{fileChunk}},
			filter:  &rag.RetrievalFilter{},
			wantK:   []int{2},
			wantLen: 1,
		},
		{
			name:    "filtered failure falls back",
			index:   &stubIndex{chunks: []rag.RetrievedChunk{fileChunk}, filteredErr: errors.New("bad filter")},
			filter:  filter,
			wantK:   []int{10, 2},
			wantLen: 1,
		},
		{
			name:    "zero chunks is valid",
			index:   &stubIndex{},
			wantK:   []int{2},
			wantLen: 0,
		},
		{
			name:    "both fail",
			index:   &stubIndex{searchErr: errors.New("down"), filteredErr: errors.New("down")},
			filter:  filter,
			wantK:   []int{10, 2},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := rag.NewCoordinator(tt.index, rag.CoordinatorConfig{})
			chunks, err := c.Retrieve(context.Background(), "key", tt.filter)

			if tt.wantErr {
				if !errors.Is(err, rag.ErrRetrievalUnavailable) {
					t.Fatalf("expected ErrRetrievalUnavailable, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			if len(chunks) != tt.wantLen {
				t.Errorf("chunks = %d, want %d", len(chunks), tt.wantLen)
			}
			if len(tt.index.gotK) != len(tt.wantK) {
				t.Fatalf("calls k = %v, want %v", tt.index.gotK, tt.wantK)
			}
			for i := range tt.wantK {
				if tt.index.gotK[i] != tt.wantK[i] {
					t.Errorf("call %d k = %d, want %d", i, tt.index.gotK[i], tt.wantK[i])
				}
			}
		})
	}
}

func TestCoordinatorPreservesOrder(t *testing.T) {
	idx := &stubIndex{chunks: []rag.RetrievedChunk{webChunk, fileChunk}}
	c := rag.NewCoordinator(idx, rag.CoordinatorConfig{})

	chunks, err := c.Retrieve(context.Background(), "key", nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if chunks[0].SourceID != webChunk.SourceID || chunks[1].SourceID != fileChunk.SourceID {
		t.Errorf("order changed: %+v", chunks)
	}
}

func TestCoordinatorTimeout(t *testing.T) {
	idx := &stubIndex{blockFor: time.Second}
	c := rag.NewCoordinator(idx, rag.CoordinatorConfig{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := c.Retrieve(context.Background(), "key", nil)
	if !errors.Is(err, rag.ErrRetrievalUnavailable) {
		t.Fatalf("expected ErrRetrievalUnavailable, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("timeout not applied, took %s", time.Since(start))
	}
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]rag.RetrievedChunk
	sets chan struct{}
}

func (m *memCache) key(key string, k int, f *rag.RetrievalFilter) string {
	return key + "|" + string(rune('0'+k)) + "|" + f.String()
}

func (m *memCache) Get(ctx context.Context, key string, k int, f *rag.RetrievalFilter) ([]rag.RetrievedChunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[m.key(key, k, f)]
	return v, ok
}

func (m *memCache) Set(ctx context.Context, key string, k int, f *rag.RetrievalFilter, chunks []rag.RetrievedChunk) {
	m.mu.Lock()
	m.data[m.key(key, k, f)] = chunks
	m.mu.Unlock()
	m.sets <- struct{}{}
}

func (m *memCache) InvalidateAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = map[string][]rag.RetrievedChunk{}
}

func TestCoordinatorCache(t *testing.T) {
	idx := &stubIndex{chunks: []rag.RetrievedChunk{fileChunk}}
	cache := &memCache{data: map[string][]rag.RetrievedChunk{}, sets: make(chan struct{}, 4)}
	c := rag.NewCoordinator(idx, rag.CoordinatorConfig{})
	c.SetCache(cache)
	ctx := context.Background()

	if _, err := c.Retrieve(ctx, "key", nil); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	select {
	case <-cache.sets:
	case <-time.After(time.Second):
		t.Fatal("cache was not written")
	}

	chunks, err := c.Retrieve(ctx, "key", nil)
	if err != nil {
		t.Fatalf("cached Retrieve: %v", err)
	}
	if len(chunks) != 1 || len(idx.gotK) != 1 {
		t.Errorf("expected cache hit, index calls = %d", len(idx.gotK))
	}
}
