package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	applog "docchat/internal/platform/log"
)

// Indexer 分块并写入向量索引
type Indexer struct {
	index   VectorIndex
	chunker *Chunker
	cache   SearchCacheStore // 可选，入库后整体失效
}

// NewIndexer 创建入库器
func NewIndexer(index VectorIndex, chunker *Chunker) *Indexer {
	if chunker == nil {
		chunker = NewChunker(0, 0)
	}
	return &Indexer{index: index, chunker: chunker}
}

// SetCache 设置检索缓存
func (x *Indexer) SetCache(cache SearchCacheStore) {
	x.cache = cache
}

// Index 入库一个已加载的来源
func (x *Indexer) Index(ctx context.Context, req *IndexRequest) (*IndexResult, error) {
	start := time.Now()
	if req.DocID == "" {
		req.DocID = uuid.New().String()
	}

	chunks, err := x.chunker.Chunk(req)
	if err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}

	if err := x.index.Insert(ctx, chunks); err != nil {
		return nil, fmt.Errorf("insert chunks: %w", err)
	}

	if x.cache != nil {
		x.cache.InvalidateAll(ctx)
	}

	applog.Info("[RAG] Source indexed",
		"doc_id", req.DocID,
		"kind", req.Source.Kind,
		"source", req.Source.Source,
		"chunks", len(chunks),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return &IndexResult{DocID: req.DocID, ChunkCount: len(chunks)}, nil
}
