package rag

// VectorBackend 向量索引后端
type VectorBackend string

const (
	BackendQdrant     VectorBackend = "qdrant"
	BackendOpenSearch VectorBackend = "opensearch"
)

// Config RAG 模块配置
type Config struct {
	Backend VectorBackend `json:"backend"`

	// Qdrant（gRPC 端口）
	QdrantHost       string `json:"qdrant_host"`
	QdrantPort       int    `json:"qdrant_port"`
	QdrantAPIKey     string `json:"qdrant_api_key"`
	QdrantUseTLS     bool   `json:"qdrant_use_tls"`
	QdrantCollection string `json:"qdrant_collection"`

	// OpenSearch
	OpenSearchURL      string `json:"opensearch_url"`
	OpenSearchUsername string `json:"opensearch_username"`
	OpenSearchPassword string `json:"opensearch_password"`
	OpenSearchInsecure bool   `json:"opensearch_insecure"` // 跳过 TLS 校验，仅开发环境
	IndexPrefix        string `json:"index_prefix"`

	// 检索
	UnfilteredTopK int `json:"unfiltered_top_k"`
	FilteredTopK   int `json:"filtered_top_k"`

	// Embedding
	EmbeddingModel     string `json:"embedding_model"`
	EmbeddingDims      int    `json:"embedding_dims"`
	EmbeddingBatchSize int    `json:"embedding_batch_size"`
	EmbeddingParallel  int    `json:"embedding_parallel"`

	// Chunker
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`

	CacheTTL    int `json:"cache_ttl"`     // 秒，0=禁用
	MaxFileSize int `json:"max_file_size"` // MB
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Backend:            BackendQdrant,
		QdrantHost:         "localhost",
		QdrantPort:         6334,
		QdrantCollection:   "uploaded_files",
		OpenSearchURL:      "https://localhost:9200",
		IndexPrefix:        "docchat",
		UnfilteredTopK:     2,
		FilteredTopK:       10,
		EmbeddingModel:     "text-embedding-3-small",
		EmbeddingDims:      1536,
		EmbeddingBatchSize: 64,
		EmbeddingParallel:  4,
		ChunkSize:          1000,
		ChunkOverlap:       200,
		CacheTTL:           300,
		MaxFileSize:        20,
	}
}

// ChunkIndexName OpenSearch chunk 索引名称
func (c *Config) ChunkIndexName() string {
	return c.IndexPrefix + "_chunk_index"
}

// HasCache 是否启用缓存
func (c *Config) HasCache() bool {
	return c.CacheTTL > 0
}

// Normalize 修正非法取值
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.UnfilteredTopK <= 0 {
		c.UnfilteredTopK = def.UnfilteredTopK
	}
	if c.FilteredTopK <= 0 {
		c.FilteredTopK = def.FilteredTopK
	}
	if c.EmbeddingDims <= 0 {
		c.EmbeddingDims = def.EmbeddingDims
	}
	if c.EmbeddingBatchSize <= 0 {
		c.EmbeddingBatchSize = def.EmbeddingBatchSize
	}
	if c.EmbeddingParallel <= 0 {
		c.EmbeddingParallel = 1
	}
	if c.QdrantCollection == "" {
		c.QdrantCollection = def.QdrantCollection
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = def.MaxFileSize
	}
}
