package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docchat/internal/domain/pipeline"
	"docchat/internal/domain/rag"
	applog "docchat/internal/platform/log"
)

// Store PostgreSQL 实现的 pipeline.Store，对话历史带 Redis 读穿缓存（按代数校验回填）
type Store struct {
	db       *sql.DB
	rds      *redis.Client // 可为 nil（无缓存模式）
	cacheTTL time.Duration
}

// StoreConfig Store 配置
type StoreConfig struct {
	DB       *sql.DB
	Redis    *redis.Client // 可选，nil 则不缓存
	CacheTTL time.Duration // 历史缓存 TTL，默认 30 分钟
}

var _ pipeline.Store = (*Store)(nil)

// NewStore 创建 PostgreSQL Store
func NewStore(cfg StoreConfig) *Store {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	applog.Info("[Store/PG] Initialized",
		"has_redis_cache", cfg.Redis != nil,
		"cache_ttl", ttl,
	)
	return &Store{db: cfg.DB, rds: cfg.Redis, cacheTTL: ttl}
}

// EnsureTables 确保 identities / chat_turns / uploaded_documents 表存在
func (s *Store) EnsureTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS identities (
		id            UUID PRIMARY KEY,
		kind          VARCHAR(16) NOT NULL,
		fingerprint   TEXT UNIQUE,
		session_id    UUID NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0 CHECK (message_count >= 0),
		upload_count  INTEGER NOT NULL DEFAULT 0 CHECK (upload_count >= 0),
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS chat_turns (
		id          BIGSERIAL PRIMARY KEY,
		identity_id UUID NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
		role        VARCHAR(16) NOT NULL,
		content     TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_chat_turns_identity ON chat_turns(identity_id, id);

	CREATE TABLE IF NOT EXISTS uploaded_documents (
		id            UUID PRIMARY KEY,
		identity_id   UUID NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
		document_type VARCHAR(32) NOT NULL,
		source        TEXT NOT NULL,
		title         TEXT NOT NULL DEFAULT '',
		ext           VARCHAR(16) NOT NULL DEFAULT '',
		chunk_count   INTEGER NOT NULL DEFAULT 0,
		uploaded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		metadata      JSONB NOT NULL DEFAULT '{}',
		UNIQUE (identity_id, document_type, source)
	);
	ALTER TABLE uploaded_documents ADD COLUMN IF NOT EXISTS metadata JSONB NOT NULL DEFAULT '{}';
	CREATE INDEX IF NOT EXISTS idx_uploaded_documents_identity ON uploaded_documents(identity_id, uploaded_at DESC);
	`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		applog.Error("[Store/PG] ❌ Failed to create tables", "error", err)
	} else {
		applog.Info("[Store/PG] ✅ Tables ready")
	}
	return err
}

const identityColumns = `id, kind, COALESCE(fingerprint, ''), session_id, created_at`

func scanIdentity(row *sql.Row) (*pipeline.Identity, error) {
	var (
		id   pipeline.Identity
		kind string
	)
	if err := row.Scan(&id.ID, &kind, &id.Fingerprint, &id.SessionID, &id.CreatedAt); err != nil {
		return nil, err
	}
	id.Kind = pipeline.IdentityKind(kind)
	return &id, nil
}

// GetIdentity 按 ID 查询身份
func (s *Store) GetIdentity(ctx context.Context, id string) (*pipeline.Identity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	identity, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg get identity: %w", err)
	}
	return identity, nil
}

// FindIdentityByFingerprint 按指纹查询身份
func (s *Store) FindIdentityByFingerprint(ctx context.Context, fingerprint string) (*pipeline.Identity, error) {
	identity, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE fingerprint = $1`, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg find identity by fingerprint: %w", err)
	}
	return identity, nil
}

// CreateGuestIdentity insert-if-absent；指纹冲突时返回已有记录（可能是注册用户）
func (s *Store) CreateGuestIdentity(ctx context.Context, fingerprint string) (*pipeline.Identity, error) {
	identity, err := scanIdentity(s.db.QueryRowContext(ctx,
		`INSERT INTO identities (id, kind, fingerprint, session_id, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (fingerprint) DO UPDATE
		 SET fingerprint = EXCLUDED.fingerprint
		 RETURNING `+identityColumns,
		uuid.New().String(), string(pipeline.KindGuest), fingerprint, uuid.New().String(),
	))
	if err != nil {
		return nil, fmt.Errorf("pg create guest identity: %w", err)
	}
	return identity, nil
}

// GetQuota 读取计数
func (s *Store) GetQuota(ctx context.Context, identityID string) (pipeline.QuotaCounters, error) {
	var q pipeline.QuotaCounters
	if _, err := uuid.Parse(identityID); err != nil {
		return q, pipeline.ErrUnknownIdentity
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT message_count, upload_count FROM identities WHERE id = $1`, identityID,
	).Scan(&q.MessageCount, &q.UploadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return q, pipeline.ErrUnknownIdentity
	}
	if err != nil {
		return q, fmt.Errorf("pg get quota: %w", err)
	}
	return q, nil
}

// AppendExchange 一个事务内：计数自增（行锁）→ 写入两条记录
func (s *Store) AppendExchange(ctx context.Context, identityID string, pair pipeline.TurnPair, maxMessages int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pg begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if maxMessages > 0 {
		res, err = tx.ExecContext(ctx,
			`UPDATE identities SET message_count = message_count + 1
			 WHERE id = $1 AND message_count < $2`,
			identityID, maxMessages)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE identities SET message_count = message_count + 1 WHERE id = $1`,
			identityID)
	}
	if err != nil {
		return fmt.Errorf("pg increment message count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if maxMessages > 0 {
			return pipeline.ErrQuotaConflict
		}
		return pipeline.ErrUnknownIdentity
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_turns (identity_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4), ($1, $5, $6, $7)`,
		identityID,
		string(pair.User.Role), pair.User.Content, pair.User.Timestamp,
		string(pair.Assistant.Role), pair.Assistant.Content, pair.Assistant.Timestamp,
	); err != nil {
		return fmt.Errorf("pg insert turns: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pg commit exchange: %w", err)
	}

	s.invalidateHistory(ctx, identityID)
	return nil
}

// historyGenTTL 代数 key 的存活时间，需长于任何一次回填读
const historyGenTTL = 24 * time.Hour

var errHistoryStale = errors.New("history generation changed")

func (s *Store) historyKey(identityID string) string {
	return fmt.Sprintf("chat:v1:history:%s", identityID)
}

// historyGenKey 每次提交自增，回填缓存前校验
func (s *Store) historyGenKey(identityID string) string {
	return fmt.Sprintf("chat:v1:history:gen:%s", identityID)
}

// GetHistory 先查 Redis 缓存，miss 则查 PG 并回填缓存
func (s *Store) GetHistory(ctx context.Context, identityID string) ([]pipeline.ChatTurn, error) {
	if _, err := uuid.Parse(identityID); err != nil {
		return nil, nil
	}

	var (
		gen      int64
		backfill bool
	)
	if s.rds != nil {
		cached, err := s.rds.Get(ctx, s.historyKey(identityID)).Bytes()
		if err == nil {
			var turns []pipeline.ChatTurn
			if json.Unmarshal(cached, &turns) == nil {
				applog.Debug("[Store/PG] History cache HIT", "identity_id", identityID, "turns", len(turns))
				return turns, nil
			}
			applog.Warn("[Store/PG] History cache corrupted, falling through to PG", "identity_id", identityID)
		} else if !errors.Is(err, redis.Nil) {
			applog.Warn("[Store/PG] ⚠️ History cache read failed", "identity_id", identityID, "error", err)
		}
		// 读 PG 之前记下代数，回填时代数不变才写入
		gen, backfill = s.historyGen(ctx, identityID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM chat_turns WHERE identity_id = $1 ORDER BY id ASC`,
		identityID)
	if err != nil {
		return nil, fmt.Errorf("pg get history: %w", err)
	}
	defer rows.Close()

	var turns []pipeline.ChatTurn
	for rows.Next() {
		var (
			t    pipeline.ChatTurn
			role string
		)
		if err := rows.Scan(&role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("pg scan turn: %w", err)
		}
		t.Role = pipeline.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg iterate turns: %w", err)
	}

	if backfill {
		s.setHistoryCache(ctx, identityID, gen, turns)
	}
	return turns, nil
}

func (s *Store) historyGen(ctx context.Context, identityID string) (int64, bool) {
	gen, err := s.rds.Get(ctx, s.historyGenKey(identityID)).Int64()
	switch {
	case err == nil:
		return gen, true
	case errors.Is(err, redis.Nil):
		return 0, true
	default:
		applog.Warn("[Store/PG] ⚠️ History generation read failed, skip backfill", "identity_id", identityID, "error", err)
		return 0, false
	}
}

// setHistoryCache 代数未变时回填（CAS），期间有提交则放弃
func (s *Store) setHistoryCache(ctx context.Context, identityID string, gen int64, turns []pipeline.ChatTurn) {
	data, err := json.Marshal(turns)
	if err != nil {
		return
	}
	genKey := s.historyGenKey(identityID)

	err = s.rds.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if errors.Is(err, redis.Nil) {
			current = 0
		} else if err != nil {
			return err
		}
		if current != gen {
			return errHistoryStale
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.historyKey(identityID), data, s.cacheTTL)
			return nil
		})
		return err
	}, genKey)

	switch {
	case err == nil:
	case errors.Is(err, errHistoryStale), errors.Is(err, redis.TxFailedErr):
		applog.Debug("[Store/PG] History changed during read, skip backfill", "identity_id", identityID)
	default:
		applog.Warn("[Store/PG] ⚠️ Failed to set history cache", "identity_id", identityID, "error", err)
	}
}

// invalidateHistory 提交后自增代数并删除缓存，进行中的回填随之失效
func (s *Store) invalidateHistory(ctx context.Context, identityID string) {
	if s.rds == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	genKey := s.historyGenKey(identityID)

	_, err := s.rds.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, historyGenTTL)
		pipe.Del(ctx, s.historyKey(identityID))
		return nil
	})
	if err != nil {
		applog.Warn("[Store/PG] ⚠️ Failed to invalidate history cache", "identity_id", identityID, "error", err)
	}
}

const documentColumns = `id, identity_id, document_type, source, title, ext, chunk_count, uploaded_at, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*pipeline.Document, error) {
	var (
		d    pipeline.Document
		kind string
		meta []byte
	)
	if err := row.Scan(&d.ID, &d.IdentityID, &kind, &d.Source, &d.Title, &d.Ext, &d.ChunkCount, &d.UploadedAt, &meta); err != nil {
		return nil, err
	}
	d.Kind = rag.SourceKind(kind)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode document metadata: %w", err)
		}
		if len(d.Metadata) == 0 {
			d.Metadata = nil
		}
	}
	return &d, nil
}

// FindDocument 按 (身份, 类型, 来源) 查询上传记录
func (s *Store) FindDocument(ctx context.Context, identityID string, kind rag.SourceKind, source string) (*pipeline.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM uploaded_documents
		 WHERE identity_id = $1 AND document_type = $2 AND source = $3`,
		identityID, string(kind), source))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg find document: %w", err)
	}
	return doc, nil
}

// RecordDocument 一个事务内：写入上传记录 → upload_count+1
func (s *Store) RecordDocument(ctx context.Context, doc *pipeline.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}

	meta := []byte("{}")
	if len(doc.Metadata) > 0 {
		data, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("encode document metadata: %w", err)
		}
		meta = data
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pg begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO uploaded_documents (`+documentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (identity_id, document_type, source) DO NOTHING`,
		doc.ID, doc.IdentityID, string(doc.Kind), doc.Source, doc.Title, doc.Ext, doc.ChunkCount, doc.UploadedAt, meta)
	if err != nil {
		return fmt.Errorf("pg insert document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeline.ErrDuplicateSource
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE identities SET upload_count = upload_count + 1 WHERE id = $1`, doc.IdentityID,
	); err != nil {
		return fmt.Errorf("pg increment upload count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pg commit document: %w", err)
	}
	return nil
}

// ListDocuments 按上传时间倒序
func (s *Store) ListDocuments(ctx context.Context, identityID string, kind rag.SourceKind) ([]*pipeline.Document, error) {
	if _, err := uuid.Parse(identityID); err != nil {
		return nil, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if kind == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+documentColumns+` FROM uploaded_documents
			 WHERE identity_id = $1 ORDER BY uploaded_at DESC`, identityID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+documentColumns+` FROM uploaded_documents
			 WHERE identity_id = $1 AND document_type = $2 ORDER BY uploaded_at DESC`, identityID, string(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("pg list documents: %w", err)
	}
	defer rows.Close()

	var docs []*pipeline.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("pg scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
