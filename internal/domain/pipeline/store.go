package pipeline

import (
	"context"
	"time"

	"docchat/internal/domain/rag"
)

// Store 身份、额度、对话历史与上传记录的持久化
// 查询不到时返回 nil, nil
type Store interface {
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	FindIdentityByFingerprint(ctx context.Context, fingerprint string) (*Identity, error)
	// CreateGuestIdentity 指纹已存在时返回已有记录
	CreateGuestIdentity(ctx context.Context, fingerprint string) (*Identity, error)

	// GetQuota 身份不存在时返回 ErrUnknownIdentity
	GetQuota(ctx context.Context, identityID string) (QuotaCounters, error)

	// AppendExchange 在一个事务里写入 user+assistant 两条记录并 message_count+1
	// maxMessages > 0 时只有 message_count < maxMessages 才自增，否则回滚并返回 ErrQuotaConflict
	AppendExchange(ctx context.Context, identityID string, pair TurnPair, maxMessages int) error
	GetHistory(ctx context.Context, identityID string) ([]ChatTurn, error)

	FindDocument(ctx context.Context, identityID string, kind rag.SourceKind, source string) (*Document, error)
	// RecordDocument 在一个事务里写入上传记录并 upload_count+1
	RecordDocument(ctx context.Context, doc *Document) error
	// ListDocuments kind 为空时返回全部
	ListDocuments(ctx context.Context, identityID string, kind rag.SourceKind) ([]*Document, error)
}

// Document 上传记录
type Document struct {
	ID         string         `json:"id"`
	IdentityID string         `json:"userId"`
	Kind       rag.SourceKind `json:"documentType"`
	Source     string         `json:"source"`
	Title      string         `json:"title,omitempty"`
	Ext        string         `json:"ext,omitempty"`
	ChunkCount int            `json:"chunkCount"`
	UploadedAt time.Time      `json:"uploadedAt"`
	// YOUTUBE 的视频信息：videoId / description / author / thumbnail
	Metadata map[string]string `json:"metadata,omitempty"`
}
