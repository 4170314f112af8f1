package rag

import "context"

// VectorIndex 向量索引能力。实现方负责把检索 key 转成向量。
type VectorIndex interface {
	Insert(ctx context.Context, chunks []ChunkDocument) error
	Search(ctx context.Context, key string, k int) ([]RetrievedChunk, error)
	// SearchFiltered 过滤检索；索引不支持该过滤形状时返回错误
	SearchFiltered(ctx context.Context, key string, k int, filter *RetrievalFilter) ([]RetrievedChunk, error)
}

// DocumentLoader 把来源加载为带元数据的文本段，只用于入库
type DocumentLoader interface {
	Load(ctx context.Context, ref SourceRef) (*LoadedSource, error)
}

// SearchCacheStore 检索结果缓存
type SearchCacheStore interface {
	Get(ctx context.Context, key string, k int, filter *RetrievalFilter) ([]RetrievedChunk, bool)
	Set(ctx context.Context, key string, k int, filter *RetrievalFilter, chunks []RetrievedChunk)
	InvalidateAll(ctx context.Context)
}
