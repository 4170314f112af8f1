package pipeline

import (
	"errors"
	"fmt"

	"docchat/internal/domain/rag"
)

var (
	// ErrAuthRequired 请求没有可识别的身份
	ErrAuthRequired = errors.New("authentication required")

	// ErrEmptyQuery 查询为空
	ErrEmptyQuery = errors.New("query is empty")

	// ErrRegisteredFingerprint 指纹已属于注册用户，拒绝创建访客
	ErrRegisteredFingerprint = errors.New("fingerprint belongs to a registered user")

	// ErrUnknownIdentity 身份不存在
	ErrUnknownIdentity = errors.New("identity not found")

	// ErrQuotaExceeded 额度用尽，具体信息见 QuotaExceededError
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrQuotaConflict 严格模式下条件自增失败（并发请求抢先用尽额度）
	ErrQuotaConflict = errors.New("message quota exhausted during commit")

	// ErrDuplicateSource 同一身份重复上传同一来源
	ErrDuplicateSource = errors.New("source already uploaded")

	// ErrIngestInProgress 同一来源正在入库
	ErrIngestInProgress = errors.New("source ingestion already in progress")

	// ErrUnsupportedSource 来源类型或格式不支持
	ErrUnsupportedSource = errors.New("unsupported source")
)

// 能力不可用（致命，HTTP 层统一返回 500）
var (
	ErrRetrievalUnavailable  = rag.ErrRetrievalUnavailable
	ErrEmptyCompletion       = errors.New("completion returned no choices")
	ErrCompletionUnavailable = errors.New("completion unavailable")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrIngestUnavailable     = errors.New("ingestion unavailable")
)

// UnavailableError 外部能力失败
type UnavailableError struct {
	Capability error  // 上面的 Err*Unavailable / ErrEmptyCompletion 之一
	Op         string // 失败的阶段
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Capability)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Capability, e.Err)
}

func (e *UnavailableError) Is(target error) bool {
	return target == e.Capability
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func unavailable(capability error, op string, err error) error {
	return &UnavailableError{Capability: capability, Op: op, Err: err}
}

// QuotaExceededError 额度拒绝
type QuotaExceededError struct {
	Kind    IdentityKind
	Action  Action
	Current int
	Limit   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded for %s identity (%d/%d)", e.Action, e.Kind, e.Current, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
