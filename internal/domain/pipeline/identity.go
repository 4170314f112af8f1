package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	applog "docchat/internal/platform/log"
)

// IdentityKind 身份类型
type IdentityKind string

const (
	KindGuest      IdentityKind = "GUEST"
	KindRegistered IdentityKind = "REGISTERED"
)

// ParseIdentityKind 解析身份类型
func ParseIdentityKind(s string) (IdentityKind, error) {
	switch IdentityKind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindGuest:
		return KindGuest, nil
	case KindRegistered:
		return KindRegistered, nil
	}
	return "", fmt.Errorf("unknown identity kind: %q", s)
}

// Identity 会话身份
type Identity struct {
	ID          string       `json:"id"`
	Kind        IdentityKind `json:"type"`
	Fingerprint string       `json:"-"`
	SessionID   string       `json:"sessionId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Fingerprint 访客指纹 base64(sha256(ip + "_" + userAgent))
func Fingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "_" + userAgent))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Sessions 访客身份解析
type Sessions struct {
	store   Store
	timeout time.Duration
}

// NewSessions 创建会话解析器
func NewSessions(store Store, timeout time.Duration) *Sessions {
	return &Sessions{store: store, timeout: timeout}
}

// ResolveGuest 按指纹查找或创建访客；指纹属于注册用户时拒绝
func (s *Sessions) ResolveGuest(ctx context.Context, ip, userAgent string) (*Identity, error) {
	fp := Fingerprint(ip, userAgent)

	ctx, cancel := withStageTimeout(ctx, s.timeout)
	defer cancel()

	existing, err := s.store.FindIdentityByFingerprint(ctx, fp)
	if err != nil {
		return nil, unavailable(ErrStoreUnavailable, "find identity", err)
	}
	if existing != nil {
		return checkGuest(existing)
	}

	// insert-if-absent：并发的首次请求会拿到同一条记录
	created, err := s.store.CreateGuestIdentity(ctx, fp)
	if err != nil {
		return nil, unavailable(ErrStoreUnavailable, "create guest", err)
	}
	applog.Info("[Session] Guest resolved", "identity_id", created.ID, "kind", created.Kind)
	return checkGuest(created)
}

func checkGuest(id *Identity) (*Identity, error) {
	if id.Kind == KindRegistered {
		return nil, ErrRegisteredFingerprint
	}
	return id, nil
}

// withStageTimeout 为单次外部调用设置超时，0 表示沿用上游 ctx
func withStageTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
