package pipeline

import (
	"context"
	"errors"
	"time"

	applog "docchat/internal/platform/log"
)

// Role 对话角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatTurn 单条对话记录，写入后不再修改
type ChatTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnPair 一问一答，整体写入
type TurnPair struct {
	User      ChatTurn
	Assistant ChatTurn
}

// NewTurnPair 构造一对记录，助手时间戳不早于用户
func NewTurnPair(query, answer string, asked, answered time.Time) TurnPair {
	if answered.Before(asked) {
		answered = asked
	}
	return TurnPair{
		User:      ChatTurn{Role: RoleUser, Content: query, Timestamp: asked},
		Assistant: ChatTurn{Role: RoleAssistant, Content: answer, Timestamp: answered},
	}
}

// HistoryWriter 提交一问一答并消耗一次消息额度
type HistoryWriter struct {
	store   Store
	limits  LimitTable
	strict  bool
	timeout time.Duration
}

// NewHistoryWriter 创建历史写入器；strict 时额度在事务内条件自增
func NewHistoryWriter(store Store, limits LimitTable, strict bool, timeout time.Duration) *HistoryWriter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &HistoryWriter{store: store, limits: limits, strict: strict, timeout: timeout}
}

// Commit 原子写入；失败时不留下任何部分记录
func (w *HistoryWriter) Commit(ctx context.Context, identity *Identity, pair TurnPair) error {
	maxMessages := 0
	if w.strict {
		maxMessages = w.limits.Limit(identity.Kind, ActionSendMessage)
	}

	ctx, cancel := withStageTimeout(ctx, w.timeout)
	defer cancel()

	err := w.store.AppendExchange(ctx, identity.ID, pair, maxMessages)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrQuotaConflict):
		applog.Warn("[Pipeline] Message quota exhausted by a concurrent request",
			"identity_id", identity.ID,
			"limit", maxMessages,
		)
		return &QuotaExceededError{
			Kind:    identity.Kind,
			Action:  ActionSendMessage,
			Current: maxMessages,
			Limit:   maxMessages,
		}
	default:
		return unavailable(ErrStoreUnavailable, "append exchange", err)
	}
}

// LoadHistory 读取历史
func LoadHistory(ctx context.Context, store Store, identityID string, timeout time.Duration) ([]ChatTurn, error) {
	ctx, cancel := withStageTimeout(ctx, timeout)
	defer cancel()

	turns, err := store.GetHistory(ctx, identityID)
	if err != nil {
		return nil, unavailable(ErrStoreUnavailable, "get history", err)
	}
	return turns, nil
}
