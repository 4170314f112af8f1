package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"docchat/internal/domain/pipeline"
	"docchat/internal/domain/rag"
)

func subtitleRefs(names ...string) []rag.SourceRef {
	refs := make([]rag.SourceRef, 0, len(names))
	for _, n := range names {
		refs = append(refs, rag.SourceRef{Kind: rag.SourceSubtitle, Name: n, Reader: strings.NewReader("")})
	}
	return refs
}

func TestIngestRecordsDocuments(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()

	docs, err := svc.Ingest(ctx, h.guest, subtitleRefs("ep1.srt", "ep2.vtt"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("docs = %d, want 2", len(docs))
	}
	for _, d := range docs {
		if d.ChunkCount != 1 || d.IdentityID != h.guest.ID {
			t.Errorf("unexpected document: %+v", d)
		}
	}

	q, _ := h.store.GetQuota(ctx, h.guest.ID)
	if q.UploadCount != 2 {
		t.Errorf("upload count = %d, want 2", q.UploadCount)
	}
	if len(h.index.inserted) != 2 {
		t.Errorf("inserted chunks = %d, want 2", len(h.index.inserted))
	}
	for _, c := range h.index.inserted {
		if c.OwnerID != h.guest.ID {
			t.Errorf("chunk owner = %s", c.OwnerID)
		}
	}
}

func TestIngestBatchOverLimit(t *testing.T) {
	h := newHarness()
	svc := h.service()
	h.store.SetCounters(h.guest.ID, pipeline.QuotaCounters{UploadCount: 14})

	_, err := svc.Ingest(context.Background(), h.guest, subtitleRefs("a.srt", "b.srt"))
	var qe *pipeline.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if qe.Current != 14 || qe.Limit != 15 {
		t.Errorf("unexpected quota error: %+v", qe)
	}
	if h.loader.calls != 0 {
		t.Errorf("loader called %d times before quota rejection", h.loader.calls)
	}
}

func TestIngestDuplicateSource(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()
	web := []rag.SourceRef{{Kind: rag.SourceWebsite, Name: "https://example.com"}}

	if _, err := svc.Ingest(ctx, h.guest, web); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	_, err := svc.Ingest(ctx, h.guest, web)
	if !errors.Is(err, pipeline.ErrDuplicateSource) {
		t.Fatalf("expected ErrDuplicateSource, got %v", err)
	}
	if h.loader.calls != 1 {
		t.Errorf("loader calls = %d, want 1", h.loader.calls)
	}

	// 其他身份可以上传同一来源
	if _, err := svc.Ingest(ctx, h.registered, web); err != nil {
		t.Errorf("other identity Ingest: %v", err)
	}
}

func TestIngestInProgress(t *testing.T) {
	h := newHarness()
	svc := h.service()
	h.lock.held[h.guest.ID+":WEBSITE:https://example.com"] = true

	_, err := svc.Ingest(context.Background(), h.guest, []rag.SourceRef{{Kind: rag.SourceWebsite, Name: "https://example.com"}})
	if !errors.Is(err, pipeline.ErrIngestInProgress) {
		t.Fatalf("expected ErrIngestInProgress, got %v", err)
	}
}

func TestIngestLoaderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "unsupported file", err: rag.ErrUnsupportedFile, want: pipeline.ErrUnsupportedSource},
		{name: "invalid url", err: rag.ErrInvalidURL, want: pipeline.ErrUnsupportedSource},
		{name: "fetch failure", err: errors.New("connection refused"), want: pipeline.ErrIngestUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.loader.err = tt.err
			svc := h.service()
			ctx := context.Background()

			_, err := svc.Ingest(ctx, h.guest, []rag.SourceRef{{Kind: rag.SourceFile, Name: "x.bin", Reader: strings.NewReader("x")}})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			q, _ := h.store.GetQuota(ctx, h.guest.ID)
			if q.UploadCount != 0 {
				t.Errorf("upload count = %d, want 0", q.UploadCount)
			}
			if len(h.lock.held) != 0 {
				t.Errorf("lock not released: %v", h.lock.held)
			}
		})
	}
}

func TestIngestRejectsUnknownKind(t *testing.T) {
	h := newHarness()
	svc := h.service()

	_, err := svc.Ingest(context.Background(), h.guest, []rag.SourceRef{{Kind: "PODCAST", Name: "ep.mp3"}})
	if !errors.Is(err, pipeline.ErrUnsupportedSource) {
		t.Fatalf("expected ErrUnsupportedSource, got %v", err)
	}
}

func TestDocumentsFilterByKind(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, h.registered, subtitleRefs("a.srt")); err != nil {
		t.Fatalf("Ingest subtitle: %v", err)
	}
	if _, err := svc.Ingest(ctx, h.registered, []rag.SourceRef{{Kind: rag.SourceWebsite, Name: "https://go.dev"}}); err != nil {
		t.Fatalf("Ingest website: %v", err)
	}

	all, err := svc.Documents(ctx, h.registered, "")
	if err != nil {
		t.Fatalf("Documents: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all documents = %d, want 2", len(all))
	}

	webs, err := svc.Documents(ctx, h.registered, rag.SourceWebsite)
	if err != nil {
		t.Fatalf("Documents(WEBSITE): %v", err)
	}
	if len(webs) != 1 || webs[0].Source != "https://go.dev" {
		t.Errorf("website documents = %+v", webs)
	}
}

func TestIngestMixedBatchUsesSharedCounter(t *testing.T) {
	tests := []struct {
		name      string
		current   int
		wantAdmit bool
	}{
		{name: "fits web limit", current: 3, wantAdmit: true},
		{name: "exceeds web limit", current: 4, wantAdmit: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			svc := h.service()
			ctx := context.Background()
			h.store.SetCounters(h.guest.ID, pipeline.QuotaCounters{UploadCount: tt.current})

			refs := []rag.SourceRef{
				{Kind: rag.SourceFile, Name: "notes.md", Reader: strings.NewReader("# notes")},
				{Kind: rag.SourceWebsite, Name: "https://go.dev"},
			}
			_, err := svc.Ingest(ctx, h.guest, refs)

			if tt.wantAdmit {
				if err != nil {
					t.Fatalf("Ingest: %v", err)
				}
				q, _ := h.store.GetQuota(ctx, h.guest.ID)
				if q.UploadCount != 5 {
					t.Errorf("upload count = %d, want 5", q.UploadCount)
				}
				return
			}

			var qe *pipeline.QuotaExceededError
			if !errors.As(err, &qe) {
				t.Fatalf("expected QuotaExceededError, got %v", err)
			}
			if qe.Action != pipeline.ActionUploadWeb || qe.Current != 4 || qe.Limit != 5 {
				t.Errorf("unexpected quota error: %+v", qe)
			}
			if h.loader.calls != 0 {
				t.Errorf("loader called %d times before quota rejection", h.loader.calls)
			}
		})
	}
}

func TestIngestRecordFailureAfterIndex(t *testing.T) {
	h := newHarness()
	store := &failingStore{Store: h.store, recordErr: errors.New("connection reset")}
	svc := h.service(func(_ *pipeline.Config, d *pipeline.Deps) { d.Store = store })

	_, err := svc.Ingest(context.Background(), h.guest, []rag.SourceRef{{Kind: rag.SourceWebsite, Name: "https://go.dev"}})
	if !errors.Is(err, pipeline.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if len(h.index.inserted) == 0 {
		t.Fatal("expected chunks to be indexed before the record step")
	}
	if len(h.lock.held) != 0 {
		t.Errorf("lock not released: %v", h.lock.held)
	}
	t.Logf("✅ record failure surfaced after indexing %d chunks", len(h.index.inserted))
}

func TestIngestYouTubeKeepsVideoMetadata(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, h.registered, []rag.SourceRef{{Kind: rag.SourceYouTube, Name: "https://youtu.be/abc123"}}); err != nil {
		t.Fatalf("Ingest youtube: %v", err)
	}
	if _, err := svc.Ingest(ctx, h.registered, []rag.SourceRef{{Kind: rag.SourceWebsite, Name: "https://go.dev"}}); err != nil {
		t.Fatalf("Ingest website: %v", err)
	}

	videos, err := svc.Documents(ctx, h.registered, rag.SourceYouTube)
	if err != nil {
		t.Fatalf("Documents: %v", err)
	}
	if len(videos) != 1 || videos[0].Metadata["author"] != "Gopher Academy" || videos[0].Metadata["videoId"] != "abc123" {
		t.Errorf("video documents = %+v", videos)
	}

	webs, _ := svc.Documents(ctx, h.registered, rag.SourceWebsite)
	if len(webs) != 1 || webs[0].Metadata != nil {
		t.Errorf("website document should carry no video metadata: %+v", webs)
	}
}
