package pipeline

import (
	"context"
	"errors"
	"time"

	"docchat/internal/domain/rag"
	applog "docchat/internal/platform/log"
)

// Action 受额度约束的动作
type Action string

const (
	ActionSendMessage Action = "send_message"
	ActionUploadFile  Action = "upload_file" // FILE / SUBTITLE
	ActionUploadWeb   Action = "upload_web"  // WEBSITE / YOUTUBE
)

// UploadAction 按来源类型选择上传额度
func UploadAction(kind rag.SourceKind) Action {
	if kind.IsWeb() {
		return ActionUploadWeb
	}
	return ActionUploadFile
}

// QuotaCounters 额度计数，只增不减
type QuotaCounters struct {
	MessageCount int `json:"messageCount"`
	UploadCount  int `json:"uploadCount"`
}

// Limits 单一身份类型的上限
type Limits struct {
	Messages    int `json:"messages"`
	FileUploads int `json:"file_uploads"`
	WebUploads  int `json:"web_uploads"`
}

// LimitTable 身份类型 → 上限
type LimitTable map[IdentityKind]Limits

// DefaultLimits 默认上限
func DefaultLimits() LimitTable {
	return LimitTable{
		KindGuest:      {Messages: 10, FileUploads: 15, WebUploads: 5},
		KindRegistered: {Messages: 100, FileUploads: 50, WebUploads: 50},
	}
}

// Limit 返回指定动作的上限；未配置的身份类型上限为 0
func (t LimitTable) Limit(kind IdentityKind, action Action) int {
	l := t[kind]
	switch action {
	case ActionSendMessage:
		return l.Messages
	case ActionUploadFile:
		return l.FileUploads
	case ActionUploadWeb:
		return l.WebUploads
	}
	return 0
}

// Decision 额度检查结果
type Decision struct {
	Admit   bool
	Current int
	Limit   int
}

// QuotaManager 额度检查，无副作用
type QuotaManager struct {
	store   Store
	limits  LimitTable
	timeout time.Duration
}

// NewQuotaManager 创建额度管理器
func NewQuotaManager(store Store, limits LimitTable, timeout time.Duration) *QuotaManager {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &QuotaManager{store: store, limits: limits, timeout: timeout}
}

// Limits 返回上限表
func (m *QuotaManager) Limits() LimitTable {
	return m.limits
}

// Check current + n <= limit 时放行；消息 n 固定为 1
func (m *QuotaManager) Check(ctx context.Context, identity *Identity, action Action, n int) (Decision, error) {
	if action == ActionSendMessage || n <= 0 {
		n = 1
	}

	ctx, cancel := withStageTimeout(ctx, m.timeout)
	defer cancel()

	counters, err := m.store.GetQuota(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			return Decision{}, ErrAuthRequired
		}
		return Decision{}, unavailable(ErrStoreUnavailable, "get quota", err)
	}

	current := counters.UploadCount
	if action == ActionSendMessage {
		current = counters.MessageCount
	}
	limit := m.limits.Limit(identity.Kind, action)

	d := Decision{
		Admit:   current+n <= limit,
		Current: current,
		Limit:   limit,
	}
	if !d.Admit {
		applog.Info("[Quota] Rejected",
			"identity_id", identity.ID,
			"kind", identity.Kind,
			"action", action,
			"current", current,
			"requested", n,
			"limit", limit,
		)
	}
	return d, nil
}

// Enforce Check 的便捷封装，拒绝时返回 *QuotaExceededError
func (m *QuotaManager) Enforce(ctx context.Context, identity *Identity, action Action, n int) error {
	d, err := m.Check(ctx, identity, action, n)
	if err != nil {
		return err
	}
	if !d.Admit {
		return &QuotaExceededError{
			Kind:    identity.Kind,
			Action:  action,
			Current: d.Current,
			Limit:   d.Limit,
		}
	}
	return nil
}
