package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	applog "docchat/internal/platform/log"
)

// ErrRetrievalUnavailable 过滤与非过滤检索都失败
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// Coordinator 检索协调器：过滤检索失败时回退到全库检索
type Coordinator struct {
	index          VectorIndex
	unfilteredTopK int
	filteredTopK   int
	timeout        time.Duration
	cache          SearchCacheStore // 可选
}

// CoordinatorConfig 检索协调器配置
type CoordinatorConfig struct {
	UnfilteredTopK int
	FilteredTopK   int
	Timeout        time.Duration // 每次索引调用的超时，0 表示不单独设置
}

// NewCoordinator 创建检索协调器
func NewCoordinator(index VectorIndex, cfg CoordinatorConfig) *Coordinator {
	if cfg.UnfilteredTopK <= 0 {
		cfg.UnfilteredTopK = 2
	}
	if cfg.FilteredTopK <= 0 {
		cfg.FilteredTopK = 10
	}
	return &Coordinator{
		index:          index,
		unfilteredTopK: cfg.UnfilteredTopK,
		filteredTopK:   cfg.FilteredTopK,
		timeout:        cfg.Timeout,
	}
}

// SetCache 设置检索缓存
func (c *Coordinator) SetCache(cache SearchCacheStore) {
	c.cache = cache
}

// Retrieve 按检索 key 取回片段，顺序与索引返回一致
func (c *Coordinator) Retrieve(ctx context.Context, key string, filter *RetrievalFilter) ([]RetrievedChunk, error) {
	start := time.Now()

	if !filter.IsZero() {
		chunks, err := c.searchFiltered(ctx, key, filter)
		if err == nil {
			applog.Info("[RAG] Filtered search",
				"filter", filter.String(),
				"top_k", c.filteredTopK,
				"chunks", len(chunks),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return chunks, nil
		}
		applog.Warn("[RAG] Filtered search failed, falling back to unfiltered",
			"filter", filter.String(),
			"error", err,
		)
	}

	chunks, err := c.search(ctx, key)
	if err != nil {
		applog.Error("[RAG] Unfiltered search failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}

	applog.Info("[RAG] Unfiltered search",
		"top_k", c.unfilteredTopK,
		"chunks", len(chunks),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return chunks, nil
}

func (c *Coordinator) search(ctx context.Context, key string) ([]RetrievedChunk, error) {
	if cached, ok := c.cacheGet(ctx, key, c.unfilteredTopK, nil); ok {
		return cached, nil
	}

	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	chunks, err := c.index.Search(callCtx, key, c.unfilteredTopK)
	if err != nil {
		return nil, err
	}
	c.cacheSet(key, c.unfilteredTopK, nil, chunks)
	return chunks, nil
}

func (c *Coordinator) searchFiltered(ctx context.Context, key string, filter *RetrievalFilter) ([]RetrievedChunk, error) {
	if cached, ok := c.cacheGet(ctx, key, c.filteredTopK, filter); ok {
		return cached, nil
	}

	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	chunks, err := c.index.SearchFiltered(callCtx, key, c.filteredTopK, filter)
	if err != nil {
		return nil, err
	}
	c.cacheSet(key, c.filteredTopK, filter, chunks)
	return chunks, nil
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Coordinator) cacheGet(ctx context.Context, key string, k int, filter *RetrievalFilter) ([]RetrievedChunk, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(ctx, key, k, filter)
}

// cacheSet 异步写缓存，不阻塞请求
func (c *Coordinator) cacheSet(key string, k int, filter *RetrievalFilter, chunks []RetrievedChunk) {
	if c.cache == nil {
		return
	}
	var filterCopy *RetrievalFilter
	if filter != nil {
		f := *filter
		filterCopy = &f
	}
	chunksCopy := append([]RetrievedChunk(nil), chunks...)
	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.cache.Set(cacheCtx, key, k, filterCopy, chunksCopy)
	}()
}
