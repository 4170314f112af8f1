package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"docchat/internal/domain/rag"
	applog "docchat/internal/platform/log"
	"docchat/internal/provider"
)

// Retriever 检索能力，由 rag.Coordinator 实现
type Retriever interface {
	Retrieve(ctx context.Context, key string, filter *rag.RetrievalFilter) ([]rag.RetrievedChunk, error)
}

// Indexer 入库能力，由 rag.Indexer 实现
type Indexer interface {
	Index(ctx context.Context, req *rag.IndexRequest) (*rag.IndexResult, error)
}

// IngestLock 同一来源的入库互斥锁
type IngestLock interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Timeouts 各阶段外部调用超时，0 表示不单独设置
type Timeouts struct {
	Store      time.Duration
	Refine     time.Duration
	HyDE       time.Duration
	WebSearch  time.Duration
	Completion time.Duration
	Ingest     time.Duration
}

// Config 流水线配置
type Config struct {
	Timeouts      Timeouts
	Limits        LimitTable
	QuotaStrict   bool
	ChatModel     string
	RefineModel   string
	HyDEModel     string
	HyDEWebSearch bool
	Instructions  string
}

// Deps 流水线依赖
type Deps struct {
	Store     Store
	Retriever Retriever
	ChatLLM   provider.LLMProvider
	RefineLLM provider.LLMProvider // nil 时使用 ChatLLM
	HyDELLM   provider.LLMProvider // nil 时使用 ChatLLM
	WebSearch WebSearch            // 可选
	Loader    rag.DocumentLoader   // 入库，可选
	Indexer   Indexer              // 入库，可选
	Lock      IngestLock           // 可选
}

// Result 问答结果
type Result struct {
	Answer  string           `json:"answer"`
	Sources []rag.Provenance `json:"sources,omitempty"`
}

// Service 问答流水线
type Service struct {
	cfg          Config
	store        Store
	sessions     *Sessions
	quota        *QuotaManager
	refiner      *Refiner
	expander     *Expander
	retriever    Retriever
	orchestrator *Orchestrator
	history      *HistoryWriter
	loader       rag.DocumentLoader
	indexer      Indexer
	lock         IngestLock
}

// NewService 创建流水线
func NewService(cfg Config, deps Deps) *Service {
	if cfg.Limits == nil {
		cfg.Limits = DefaultLimits()
	}
	refineLLM := deps.RefineLLM
	if refineLLM == nil {
		refineLLM = deps.ChatLLM
	}
	hydeLLM := deps.HyDELLM
	if hydeLLM == nil {
		hydeLLM = deps.ChatLLM
	}

	t := cfg.Timeouts
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  NewSessions(deps.Store, t.Store),
		quota:     NewQuotaManager(deps.Store, cfg.Limits, t.Store),
		refiner:   NewRefiner(refineLLM, cfg.RefineModel, t.Refine),
		retriever: deps.Retriever,
		expander: NewExpander(hydeLLM, deps.WebSearch, ExpanderConfig{
			Model:         cfg.HyDEModel,
			UseWebSearch:  cfg.HyDEWebSearch,
			Timeout:       t.HyDE,
			SearchTimeout: t.WebSearch,
		}),
		orchestrator: NewOrchestrator(deps.ChatLLM, cfg.ChatModel, cfg.Instructions, t.Completion),
		history:      NewHistoryWriter(deps.Store, cfg.Limits, cfg.QuotaStrict, t.Store),
		loader:       deps.Loader,
		indexer:      deps.Indexer,
		lock:         deps.Lock,
	}
}

// Quota 额度管理器
func (s *Service) Quota() *QuotaManager {
	return s.quota
}

// ResolveGuest 按 ip + UA 解析访客身份
func (s *Service) ResolveGuest(ctx context.Context, ip, userAgent string) (*Identity, error) {
	return s.sessions.ResolveGuest(ctx, ip, userAgent)
}

// Answer 问答主流程，各阶段严格串行
func (s *Service) Answer(ctx context.Context, identity *Identity, query string, filter *rag.RetrievalFilter) (*Result, error) {
	if identity == nil || identity.ID == "" {
		return nil, ErrAuthRequired
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	asked := time.Now()
	log := applog.With("identity_id", identity.ID)

	// 1. 额度与历史，先于任何付费调用
	if err := s.quota.Enforce(ctx, identity, ActionSendMessage, 1); err != nil {
		return nil, err
	}
	turns, err := LoadHistory(ctx, s.store, identity.ID, s.cfg.Timeouts.Store)
	if err != nil {
		return nil, err
	}

	// 2-3. 改写与假设文档，失败不致命
	refinement := s.refiner.Refine(ctx, query)
	expansion := s.expander.Expand(ctx, refinement.Text)
	key := RetrievalKey(query, refinement, expansion)

	// 4. 检索
	chunks, err := s.retriever.Retrieve(ctx, key, filter)
	if err != nil {
		return nil, unavailable(ErrRetrievalUnavailable, "retrieve", err)
	}

	// 5. 上下文
	assembled := rag.Assemble(chunks)

	// 6. 对话（使用原始查询）
	answer, err := s.orchestrator.Respond(ctx, query, turns, assembled)
	if err != nil {
		return nil, err
	}

	// 7. 写入历史
	pair := NewTurnPair(query, answer, asked, time.Now())
	if err := s.history.Commit(ctx, identity, pair); err != nil {
		return nil, err
	}

	log.Info("[Pipeline] Answered",
		"refined", refinement.Refined,
		"hypothetical", expansion.Hypothetical,
		"filtered", !filter.IsZero(),
		"chunks", len(chunks),
		"elapsed_ms", time.Since(asked).Milliseconds(),
	)
	return &Result{Answer: answer, Sources: assembled.Provenance}, nil
}

// History 返回对话历史
func (s *Service) History(ctx context.Context, identity *Identity) ([]ChatTurn, error) {
	if identity == nil || identity.ID == "" {
		return nil, ErrAuthRequired
	}
	return LoadHistory(ctx, s.store, identity.ID, s.cfg.Timeouts.Store)
}

// Documents 列出上传记录，kind 为空时返回全部
func (s *Service) Documents(ctx context.Context, identity *Identity, kind rag.SourceKind) ([]*Document, error) {
	if identity == nil || identity.ID == "" {
		return nil, ErrAuthRequired
	}
	ctx, cancel := withStageTimeout(ctx, s.cfg.Timeouts.Store)
	defer cancel()

	docs, err := s.store.ListDocuments(ctx, identity.ID, kind)
	if err != nil {
		return nil, unavailable(ErrStoreUnavailable, "list documents", err)
	}
	return docs, nil
}

// Ingest 批量入库；额度按整批检查，重复来源在加载前拒绝
func (s *Service) Ingest(ctx context.Context, identity *Identity, refs []rag.SourceRef) ([]*Document, error) {
	if identity == nil || identity.ID == "" {
		return nil, ErrAuthRequired
	}
	if s.loader == nil || s.indexer == nil {
		return nil, unavailable(ErrIngestUnavailable, "ingest", errors.New("ingestion is not configured"))
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no sources", ErrUnsupportedSource)
	}

	var actions []Action
	for _, ref := range refs {
		if _, err := rag.ParseSourceKind(string(ref.Kind)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
		}
		if strings.TrimSpace(ref.Name) == "" {
			return nil, fmt.Errorf("%w: empty source name", ErrUnsupportedSource)
		}
		if action := UploadAction(ref.Kind); !slices.Contains(actions, action) {
			actions = append(actions, action)
		}
	}
	// upload_count 是所有来源共用的计数，整批数量要满足每种来源的上限
	for _, action := range actions {
		if err := s.quota.Enforce(ctx, identity, action, len(refs)); err != nil {
			return nil, err
		}
	}

	for _, ref := range refs {
		if err := s.checkDuplicate(ctx, identity, ref); err != nil {
			return nil, err
		}
	}

	docs := make([]*Document, 0, len(refs))
	for _, ref := range refs {
		doc, err := s.ingestOne(ctx, identity, ref)
		if err != nil {
			return docs, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Service) checkDuplicate(ctx context.Context, identity *Identity, ref rag.SourceRef) error {
	ctx, cancel := withStageTimeout(ctx, s.cfg.Timeouts.Store)
	defer cancel()

	existing, err := s.store.FindDocument(ctx, identity.ID, ref.Kind, ref.Name)
	if err != nil {
		return unavailable(ErrStoreUnavailable, "find document", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, ref.Name)
	}
	return nil
}

func (s *Service) ingestOne(ctx context.Context, identity *Identity, ref rag.SourceRef) (*Document, error) {
	start := time.Now()

	if s.lock != nil {
		lockKey := fmt.Sprintf("%s:%s:%s", identity.ID, ref.Kind, ref.Name)
		acquired, err := s.lock.Acquire(ctx, lockKey)
		switch {
		case err != nil:
			applog.Warn("[Ingest] Lock unavailable, continuing without it", "source", ref.Name, "error", err)
		case !acquired:
			return nil, fmt.Errorf("%w: %s", ErrIngestInProgress, ref.Name)
		default:
			defer func() {
				_ = s.lock.Release(context.WithoutCancel(ctx), lockKey)
			}()
		}
	}

	ictx, cancel := withStageTimeout(ctx, s.cfg.Timeouts.Ingest)
	defer cancel()

	loaded, err := s.loader.Load(ictx, ref)
	if err != nil {
		if errors.Is(err, rag.ErrUnsupportedFile) || errors.Is(err, rag.ErrInvalidURL) || errors.Is(err, rag.ErrEmptySource) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
		}
		return nil, unavailable(ErrIngestUnavailable, "load", err)
	}

	docID := uuid.New().String()
	res, err := s.indexer.Index(ictx, &rag.IndexRequest{
		DocID:   docID,
		OwnerID: identity.ID,
		Source:  loaded,
	})
	if err != nil {
		return nil, unavailable(ErrIngestUnavailable, "index", err)
	}

	doc := &Document{
		ID:         docID,
		IdentityID: identity.ID,
		Kind:       ref.Kind,
		Source:     ref.Name,
		Title:      loaded.Title,
		Ext:        loaded.Ext,
		ChunkCount: res.ChunkCount,
		UploadedAt: time.Now(),
	}
	if ref.Kind == rag.SourceYouTube && len(loaded.Metadata) > 0 {
		doc.Metadata = maps.Clone(loaded.Metadata)
	}

	sctx, scancel := withStageTimeout(ctx, s.cfg.Timeouts.Store)
	defer scancel()
	if err := s.store.RecordDocument(sctx, doc); err != nil {
		// 向量已写入但记录失败，这些 chunk 仍可被检索
		applog.Error("[Ingest] ❌ Record failed after indexing, chunks orphaned",
			"identity_id", identity.ID,
			"doc_id", docID,
			"source", ref.Name,
			"chunks", res.ChunkCount,
			"error", err,
		)
		if errors.Is(err, ErrDuplicateSource) {
			return nil, err
		}
		return nil, unavailable(ErrStoreUnavailable, "record document", err)
	}

	applog.Info("[Ingest] Source ingested",
		"identity_id", identity.ID,
		"kind", ref.Kind,
		"source", ref.Name,
		"chunks", res.ChunkCount,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return doc, nil
}
