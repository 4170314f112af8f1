// Package memstore 进程内 Store 实现，用于测试与无数据库的本地运行
package memstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"docchat/internal/domain/pipeline"
	"docchat/internal/domain/rag"
)

type identityRecord struct {
	identity pipeline.Identity
	counters pipeline.QuotaCounters
	turns    []pipeline.ChatTurn
	docs     []*pipeline.Document
}

// Store 内存 Store，一把锁保证 AppendExchange / RecordDocument 的原子性
type Store struct {
	mu            sync.Mutex
	byID          map[string]*identityRecord
	byFingerprint map[string]string
}

var _ pipeline.Store = (*Store)(nil)

// New 创建内存 Store
func New() *Store {
	return &Store{
		byID:          make(map[string]*identityRecord),
		byFingerprint: make(map[string]string),
	}
}

// PutIdentity 直接写入身份（注册用户由外部系统创建）
func (s *Store) PutIdentity(id pipeline.Identity) *pipeline.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id.ID == "" {
		id.ID = uuid.New().String()
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now()
	}
	s.byID[id.ID] = &identityRecord{identity: id}
	if id.Fingerprint != "" {
		s.byFingerprint[id.Fingerprint] = id.ID
	}
	out := id
	return &out
}

// SetCounters 直接设置计数
func (s *Store) SetCounters(identityID string, c pipeline.QuotaCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byID[identityID]; ok {
		rec.counters = c
	}
}

func (s *Store) GetIdentity(ctx context.Context, id string) (*pipeline.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	out := rec.identity
	return &out, nil
}

func (s *Store) FindIdentityByFingerprint(ctx context.Context, fingerprint string) (*pipeline.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byFingerprint[fingerprint]
	if !ok {
		return nil, nil
	}
	out := s.byID[id].identity
	return &out, nil
}

func (s *Store) CreateGuestIdentity(ctx context.Context, fingerprint string) (*pipeline.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byFingerprint[fingerprint]; ok {
		out := s.byID[id].identity
		return &out, nil
	}
	rec := &identityRecord{identity: pipeline.Identity{
		ID:          uuid.New().String(),
		Kind:        pipeline.KindGuest,
		Fingerprint: fingerprint,
		SessionID:   uuid.New().String(),
		CreatedAt:   time.Now(),
	}}
	s.byID[rec.identity.ID] = rec
	s.byFingerprint[fingerprint] = rec.identity.ID
	out := rec.identity
	return &out, nil
}

func (s *Store) GetQuota(ctx context.Context, identityID string) (pipeline.QuotaCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[identityID]
	if !ok {
		return pipeline.QuotaCounters{}, pipeline.ErrUnknownIdentity
	}
	return rec.counters, nil
}

func (s *Store) AppendExchange(ctx context.Context, identityID string, pair pipeline.TurnPair, maxMessages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[identityID]
	if !ok {
		return pipeline.ErrUnknownIdentity
	}
	if maxMessages > 0 && rec.counters.MessageCount >= maxMessages {
		return pipeline.ErrQuotaConflict
	}
	rec.turns = append(rec.turns, pair.User, pair.Assistant)
	rec.counters.MessageCount++
	return nil
}

func (s *Store) GetHistory(ctx context.Context, identityID string) ([]pipeline.ChatTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[identityID]
	if !ok {
		return nil, nil
	}
	return append([]pipeline.ChatTurn(nil), rec.turns...), nil
}

func (s *Store) FindDocument(ctx context.Context, identityID string, kind rag.SourceKind, source string) (*pipeline.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[identityID]
	if !ok {
		return nil, nil
	}
	for _, d := range rec.docs {
		if d.Kind == kind && d.Source == source {
			out := *d
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) RecordDocument(ctx context.Context, doc *pipeline.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[doc.IdentityID]
	if !ok {
		return pipeline.ErrUnknownIdentity
	}
	for _, d := range rec.docs {
		if d.Kind == doc.Kind && d.Source == doc.Source {
			return pipeline.ErrDuplicateSource
		}
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}
	stored := *doc
	stored.Metadata = maps.Clone(doc.Metadata)
	rec.docs = append(rec.docs, &stored)
	rec.counters.UploadCount++
	return nil
}

func (s *Store) ListDocuments(ctx context.Context, identityID string, kind rag.SourceKind) ([]*pipeline.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[identityID]
	if !ok {
		return nil, nil
	}
	var out []*pipeline.Document
	for _, d := range rec.docs {
		if kind == "" || d.Kind == kind {
			c := *d
			out = append(out, &c)
		}
	}
	// 最新的在前
	sort.SliceStable(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	return out, nil
}
