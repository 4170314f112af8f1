package qdrantdb

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"docchat/internal/domain/rag"
	applog "docchat/internal/platform/log"
)

// payload 字段
const (
	fieldContent  = "page_content"
	fieldMetadata = "metadata"
)

// payload 索引
var payloadIndexes = []struct {
	field string
	typ   qdrant.FieldType
}{
	{"metadata.source", qdrant.FieldType_FieldTypeKeyword},
	{"metadata.type", qdrant.FieldType_FieldTypeKeyword},
	{"metadata.ext", qdrant.FieldType_FieldTypeKeyword},
	{"metadata.title", qdrant.FieldType_FieldTypeKeyword},
	{"metadata.uploadedAt", qdrant.FieldType_FieldTypeDatetime},
}

// Index Qdrant 实现的 rag.VectorIndex
type Index struct {
	client     *qdrant.Client
	collection string
	embedder   rag.Embedder
}

var _ rag.VectorIndex = (*Index)(nil)

// New 连接 Qdrant（gRPC）
func New(cfg *rag.Config, embedder rag.Embedder) (*Index, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.QdrantHost,
		Port:   cfg.QdrantPort,
		APIKey: cfg.QdrantAPIKey,
		UseTLS: cfg.QdrantUseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	applog.Info("[RAG/Qdrant] Client created",
		"host", cfg.QdrantHost,
		"port", cfg.QdrantPort,
		"collection", cfg.QdrantCollection,
	)
	return &Index{client: client, collection: cfg.QdrantCollection, embedder: embedder}, nil
}

// Close 关闭连接
func (x *Index) Close() error {
	return x.client.Close()
}

// EnsureCollection 确保集合与过滤字段索引存在
func (x *Index) EnsureCollection(ctx context.Context) error {
	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		applog.Info("[RAG/Qdrant] Collection already exists", "collection", x.collection)
		return nil
	}

	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(x.embedder.Dims()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		applog.Error("[RAG/Qdrant] ❌ Failed to create collection", "collection", x.collection, "error", err)
		return fmt.Errorf("create collection: %w", err)
	}

	for _, idx := range payloadIndexes {
		_, err := x.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: x.collection,
			FieldName:      idx.field,
			FieldType:      idx.typ.Enum(),
		})
		if err != nil {
			return fmt.Errorf("create field index %s: %w", idx.field, err)
		}
	}

	applog.Info("[RAG/Qdrant] ✅ Collection created", "collection", x.collection, "dims", x.embedder.Dims())
	return nil
}

// Insert 向量化后 upsert
func (x *Index) Insert(ctx context.Context, chunks []rag.ChunkDocument) error {
	if len(chunks) == 0 {
		return nil
	}
	start := time.Now()

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := x.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, ch := range chunks {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(ch.ChunkID),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: qdrant.NewValueMap(toPayload(ch)),
		}
	}

	_, err = x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}

	applog.Info("[RAG/Qdrant] Points upserted",
		"count", len(points),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Search 全库检索
func (x *Index) Search(ctx context.Context, key string, k int) ([]rag.RetrievedChunk, error) {
	return x.query(ctx, key, k, nil)
}

// SearchFiltered 按 metadata 字段过滤检索
func (x *Index) SearchFiltered(ctx context.Context, key string, k int, filter *rag.RetrievalFilter) ([]rag.RetrievedChunk, error) {
	f := buildFilter(filter)
	if f == nil {
		return nil, fmt.Errorf("empty filter")
	}
	return x.query(ctx, key, k, f)
}

func buildFilter(filter *rag.RetrievalFilter) *qdrant.Filter {
	if filter.IsZero() {
		return nil
	}
	var must []*qdrant.Condition
	if filter.SourceKind != "" {
		must = append(must, qdrant.NewMatch("metadata.type", string(filter.SourceKind)))
	}
	if filter.SourceID != "" {
		must = append(must, qdrant.NewMatch("metadata.source", filter.SourceID))
	}
	if filter.Extension != "" {
		must = append(must, qdrant.NewMatch("metadata.ext", filter.Extension))
	}
	return &qdrant.Filter{Must: must}
}

func (x *Index) query(ctx context.Context, key string, k int, filter *qdrant.Filter) ([]rag.RetrievedChunk, error) {
	start := time.Now()
	if k <= 0 {
		k = 5
	}

	vector, err := rag.EmbedOne(ctx, x.embedder, key)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}

	chunks := make([]rag.RetrievedChunk, 0, len(points))
	for _, p := range points {
		chunks = append(chunks, fromPayload(p.GetPayload()).Retrieved(float64(p.GetScore())))
	}

	applog.Debug("[RAG/Qdrant] Query done",
		"top_k", k,
		"filtered", filter != nil,
		"hits", len(chunks),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return chunks, nil
}

// toPayload page_content + metadata{...}
func toPayload(ch rag.ChunkDocument) map[string]any {
	meta := make(map[string]any, len(ch.Metadata)+9)
	for k, v := range ch.Metadata {
		meta[k] = v
	}
	meta["source"] = ch.Source
	meta["type"] = string(ch.SourceKind)
	meta["ext"] = ch.Ext
	meta["title"] = ch.Title
	meta["userId"] = ch.OwnerID
	meta["docId"] = ch.DocID
	meta["chunkId"] = ch.ChunkID
	meta["uploadedAt"] = ch.UploadedAt.UTC().Format(time.RFC3339)
	if ch.Page > 0 {
		meta["page"] = int64(ch.Page)
	}
	return map[string]any{
		fieldContent:  ch.Content,
		fieldMetadata: meta,
	}
}

var reservedMetadata = map[string]bool{
	"source": true, "type": true, "ext": true, "title": true,
	"userId": true, "docId": true, "chunkId": true, "uploadedAt": true, "page": true,
}

func fromPayload(payload map[string]*qdrant.Value) rag.ChunkDocument {
	doc := rag.ChunkDocument{Content: payload[fieldContent].GetStringValue()}
	fields := payload[fieldMetadata].GetStructValue().GetFields()

	doc.Source = fields["source"].GetStringValue()
	doc.SourceKind = rag.SourceKind(fields["type"].GetStringValue())
	doc.Ext = fields["ext"].GetStringValue()
	doc.Title = fields["title"].GetStringValue()
	doc.OwnerID = fields["userId"].GetStringValue()
	doc.DocID = fields["docId"].GetStringValue()
	doc.ChunkID = fields["chunkId"].GetStringValue()
	doc.Page = int(fields["page"].GetIntegerValue())
	if t, err := time.Parse(time.RFC3339, fields["uploadedAt"].GetStringValue()); err == nil {
		doc.UploadedAt = t
	}

	for k, v := range fields {
		if reservedMetadata[k] {
			continue
		}
		if s := v.GetStringValue(); s != "" {
			if doc.Metadata == nil {
				doc.Metadata = make(map[string]string)
			}
			doc.Metadata[k] = s
		}
	}
	return doc
}
