package redisdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"docchat/internal/domain/pipeline"
	applog "docchat/internal/platform/log"
)

// IngestLock 基于 Redis SETNX 的入库互斥锁，防止同一来源被并发重复入库
type IngestLock struct {
	client *redis.Client
	ttl    time.Duration
}

var _ pipeline.IngestLock = (*IngestLock)(nil)

// NewIngestLock 创建入库锁，ttl<=0 时默认 2 分钟
func NewIngestLock(client *redis.Client, ttl time.Duration) *IngestLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &IngestLock{client: client, ttl: ttl}
}

func lockKey(key string) string {
	return fmt.Sprintf("ingest:v1:lock:%s", key)
}

// Acquire 获取入库锁
func (l *IngestLock) Acquire(ctx context.Context, key string) (bool, error) {
	acquired, err := l.client.SetNX(ctx, lockKey(key), "locked", l.ttl).Result()
	if err != nil {
		applog.Warn("[IngestLock] Failed to acquire lock", "key", key, "error", err)
		return false, err
	}

	if acquired {
		applog.Debug("[IngestLock] Lock acquired", "key", key)
	} else {
		applog.Debug("[IngestLock] Lock already held", "key", key)
	}
	return acquired, nil
}

// Release 释放入库锁
func (l *IngestLock) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, lockKey(key)).Err(); err != nil {
		applog.Warn("[IngestLock] Failed to release lock", "key", key, "error", err)
		return err
	}
	applog.Debug("[IngestLock] Lock released", "key", key)
	return nil
}
