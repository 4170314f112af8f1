package redisdb

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"docchat/internal/domain/rag"
	applog "docchat/internal/platform/log"
)

// SearchCache 检索结果 Redis 缓存
type SearchCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

var _ rag.SearchCacheStore = (*SearchCache)(nil)

// NewSearchCache 创建检索缓存
func NewSearchCache(rdb *redis.Client, ttlSeconds int) *SearchCache {
	ttl := 5 * time.Minute
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &SearchCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "rag:cache:",
	}
}

// Get 从缓存获取检索结果
func (c *SearchCache) Get(ctx context.Context, key string, k int, filter *rag.RetrievalFilter) ([]rag.RetrievedChunk, bool) {
	ck := c.cacheKey(key, k, filter)
	data, err := c.redis.Get(ctx, ck).Bytes()
	if err != nil {
		if err != redis.Nil {
			applog.Warn("[RAG/Cache] Failed to read cache", "key", ck, "error", err)
		}
		return nil, false
	}

	var chunks []rag.RetrievedChunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		applog.Warn("[RAG/Cache] Failed to unmarshal cached result", "error", err)
		return nil, false
	}

	applog.Debug("[RAG/Cache] Hit", "key", ck, "chunks", len(chunks))
	return chunks, true
}

// Set 写入检索结果到缓存
func (c *SearchCache) Set(ctx context.Context, key string, k int, filter *rag.RetrievalFilter, chunks []rag.RetrievedChunk) {
	ck := c.cacheKey(key, k, filter)
	data, err := json.Marshal(chunks)
	if err != nil {
		return
	}

	if err := c.redis.Set(ctx, ck, data, c.ttl).Err(); err != nil {
		applog.Warn("[RAG/Cache] Failed to set cache", "key", ck, "error", err)
	}
}

// InvalidateAll 清除所有检索缓存，新语料入库后调用
func (c *SearchCache) InvalidateAll(ctx context.Context) {
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		applog.Warn("[RAG/Cache] Scan failed", "error", err)
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
		applog.Info("[RAG/Cache] All cache invalidated", "keys_deleted", len(keys))
	}
}

// cacheKey = hash(key + k + filter)
func (c *SearchCache) cacheKey(key string, k int, filter *rag.RetrievalFilter) string {
	raw := fmt.Sprintf("%s|%d|%s", key, k, filter.String())
	hash := sha256.Sum256([]byte(raw))
	return c.prefix + fmt.Sprintf("%x", hash[:12])
}
