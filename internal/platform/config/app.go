package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"docchat/internal/domain/pipeline"
	"docchat/internal/domain/rag"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string          `json:"log_level"`
	LogFormat string          `json:"log_format"`
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Auth      AuthConfig      `json:"auth"`
	OpenAI    OpenAIConfig    `json:"openai"`
	LLM       LLMConfig       `json:"llm"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Quota     QuotaConfig     `json:"quota"`
	WebSearch WebSearchConfig `json:"websearch"`
	RAG       rag.Config      `json:"rag"`
}

type ServerConfig struct {
	Host                string  `json:"host"`
	Port                int     `json:"port"`
	ReadTimeoutSeconds  int     `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int     `json:"write_timeout_seconds"`
	RateLimitRPS        float64 `json:"rate_limit_rps"` // 0=不限流
	RateLimitBurst      int     `json:"rate_limit_burst"`
	TrustProxyHeaders   bool    `json:"trust_proxy_headers"` // 仅在反向代理之后开启
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL                  string `json:"url"`
	HistoryCacheSeconds  int    `json:"history_cache_seconds"`
	IngestLockTTLSeconds int    `json:"ingest_lock_ttl_seconds"`
}

type AuthConfig struct {
	JWTSecret            string `json:"jwt_secret"`
	JWTIssuer            string `json:"jwt_issuer"`
	GuestTokenTTLSeconds int    `json:"guest_token_ttl_seconds"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// LLMConfig 各阶段使用的 provider 与模型
type LLMConfig struct {
	ChatProvider   string `json:"chat_provider"`
	ChatModel      string `json:"chat_model"`
	RefineProvider string `json:"refine_provider"`
	RefineModel    string `json:"refine_model"`
	HyDEProvider   string `json:"hyde_provider"`
	HyDEModel      string `json:"hyde_model"`

	// Gemini 走 OpenAI 兼容端点
	GeminiAPIKey  string `json:"gemini_api_key"`
	GeminiBaseURL string `json:"gemini_base_url"`
}

// PipelineConfig 流水线行为与各阶段超时（秒）
type PipelineConfig struct {
	StoreTimeoutSeconds      int    `json:"store_timeout_seconds"`
	RefineTimeoutSeconds     int    `json:"refine_timeout_seconds"`
	HyDETimeoutSeconds       int    `json:"hyde_timeout_seconds"`
	WebSearchTimeoutSeconds  int    `json:"web_search_timeout_seconds"`
	RetrievalTimeoutSeconds  int    `json:"retrieval_timeout_seconds"`
	CompletionTimeoutSeconds int    `json:"completion_timeout_seconds"`
	IngestTimeoutSeconds     int    `json:"ingest_timeout_seconds"`
	HyDEWebSearch            bool   `json:"hyde_web_search"`
	QuotaStrict              bool   `json:"quota_strict"`
	Instructions             string `json:"instructions"`
}

// QuotaConfig 身份类型 → 上限
type QuotaConfig struct {
	Guest      pipeline.Limits `json:"guest"`
	Registered pipeline.Limits `json:"registered"`
}

type WebSearchConfig struct {
	TavilyAPIKey  string `json:"tavily_api_key"`
	TavilyBaseURL string `json:"tavily_base_url"`
	MaxResults    int    `json:"max_results"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	ragCfg := rag.DefaultConfig()
	limits := pipeline.DefaultLimits()
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 300,
			RateLimitRPS:        5,
			RateLimitBurst:      20,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		Redis: RedisConfig{
			HistoryCacheSeconds:  1800,
			IngestLockTTLSeconds: 120,
		},
		Auth: AuthConfig{
			JWTIssuer:            "docchat",
			GuestTokenTTLSeconds: 3600,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		LLM: LLMConfig{
			ChatProvider:   "openai",
			ChatModel:      "gpt-4o-mini",
			RefineProvider: "openai",
			RefineModel:    "gpt-4o-mini",
			HyDEProvider:   "openai",
			HyDEModel:      "gpt-4o-mini",
			GeminiBaseURL:  "https://generativelanguage.googleapis.com/v1beta/openai",
		},
		Pipeline: PipelineConfig{
			StoreTimeoutSeconds:      5,
			RefineTimeoutSeconds:     20,
			HyDETimeoutSeconds:       30,
			WebSearchTimeoutSeconds:  15,
			RetrievalTimeoutSeconds:  15,
			CompletionTimeoutSeconds: 60,
			IngestTimeoutSeconds:     180,
		},
		Quota: QuotaConfig{
			Guest:      limits[pipeline.KindGuest],
			Registered: limits[pipeline.KindRegistered],
		},
		WebSearch: WebSearchConfig{
			TavilyBaseURL: "https://api.tavily.com",
			MaxResults:    5,
		},
		RAG: *ragCfg,
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	// .env 非必需，忽略错误
	_ = godotenv.Load()

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)
	applyFloat64("RATE_LIMIT_RPS", &c.Server.RateLimitRPS)
	applyInt("RATE_LIMIT_BURST", &c.Server.RateLimitBurst)
	applyBool("TRUST_PROXY_HEADERS", &c.Server.TrustProxyHeaders)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)
	applyInt("HISTORY_CACHE_TTL", &c.Redis.HistoryCacheSeconds)
	applyInt("INGEST_LOCK_TTL", &c.Redis.IngestLockTTLSeconds)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)
	applyInt("GUEST_TOKEN_TTL", &c.Auth.GuestTokenTTLSeconds)

	applyString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	applyString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)

	applyString("CHAT_LLM_PROVIDER", &c.LLM.ChatProvider)
	applyString("CHAT_LLM_MODEL", &c.LLM.ChatModel)
	applyString("REFINE_LLM_PROVIDER", &c.LLM.RefineProvider)
	applyString("REFINE_LLM_MODEL", &c.LLM.RefineModel)
	applyString("HYDE_LLM_PROVIDER", &c.LLM.HyDEProvider)
	applyString("HYDE_LLM_MODEL", &c.LLM.HyDEModel)
	applyString("GEMINI_API_KEY", &c.LLM.GeminiAPIKey)
	applyString("GEMINI_BASE_URL", &c.LLM.GeminiBaseURL)

	applyInt("STORE_TIMEOUT", &c.Pipeline.StoreTimeoutSeconds)
	applyInt("REFINE_TIMEOUT", &c.Pipeline.RefineTimeoutSeconds)
	applyInt("HYDE_TIMEOUT", &c.Pipeline.HyDETimeoutSeconds)
	applyInt("WEB_SEARCH_TIMEOUT", &c.Pipeline.WebSearchTimeoutSeconds)
	applyInt("RETRIEVAL_TIMEOUT", &c.Pipeline.RetrievalTimeoutSeconds)
	applyInt("COMPLETION_TIMEOUT", &c.Pipeline.CompletionTimeoutSeconds)
	applyInt("INGEST_TIMEOUT", &c.Pipeline.IngestTimeoutSeconds)
	applyBool("HYDE_WEB_SEARCH", &c.Pipeline.HyDEWebSearch)
	applyBool("QUOTA_STRICT", &c.Pipeline.QuotaStrict)

	applyInt("GUEST_MESSAGE_LIMIT", &c.Quota.Guest.Messages)
	applyInt("GUEST_FILE_UPLOAD_LIMIT", &c.Quota.Guest.FileUploads)
	applyInt("GUEST_WEB_UPLOAD_LIMIT", &c.Quota.Guest.WebUploads)
	applyInt("REGISTERED_MESSAGE_LIMIT", &c.Quota.Registered.Messages)
	applyInt("REGISTERED_FILE_UPLOAD_LIMIT", &c.Quota.Registered.FileUploads)
	applyInt("REGISTERED_WEB_UPLOAD_LIMIT", &c.Quota.Registered.WebUploads)

	applyString("TAVILY_API_KEY", &c.WebSearch.TavilyAPIKey)
	applyString("TAVILY_BASE_URL", &c.WebSearch.TavilyBaseURL)
	applyInt("TAVILY_MAX_RESULTS", &c.WebSearch.MaxResults)

	// RAG 环境变量
	if v := os.Getenv("VECTOR_BACKEND"); v != "" {
		c.RAG.Backend = rag.VectorBackend(strings.ToLower(v))
	}
	applyString("QDRANT_HOST", &c.RAG.QdrantHost)
	applyInt("QDRANT_PORT", &c.RAG.QdrantPort)
	applyString("QDRANT_API_KEY", &c.RAG.QdrantAPIKey)
	applyBool("QDRANT_USE_TLS", &c.RAG.QdrantUseTLS)
	applyString("QDRANT_COLLECTION", &c.RAG.QdrantCollection)
	applyString("OPENSEARCH_URL", &c.RAG.OpenSearchURL)
	applyString("OPENSEARCH_USERNAME", &c.RAG.OpenSearchUsername)
	applyString("OPENSEARCH_PASSWORD", &c.RAG.OpenSearchPassword)
	applyBool("OPENSEARCH_INSECURE", &c.RAG.OpenSearchInsecure)
	applyString("OPENSEARCH_INDEX_PREFIX", &c.RAG.IndexPrefix)
	applyInt("RAG_UNFILTERED_TOP_K", &c.RAG.UnfilteredTopK)
	applyInt("RAG_FILTERED_TOP_K", &c.RAG.FilteredTopK)
	applyString("RAG_EMBEDDING_MODEL", &c.RAG.EmbeddingModel)
	applyInt("RAG_EMBEDDING_DIMS", &c.RAG.EmbeddingDims)
	applyInt("RAG_EMBEDDING_BATCH_SIZE", &c.RAG.EmbeddingBatchSize)
	applyInt("RAG_EMBEDDING_PARALLEL", &c.RAG.EmbeddingParallel)
	applyInt("RAG_CHUNK_SIZE", &c.RAG.ChunkSize)
	applyInt("RAG_CHUNK_OVERLAP", &c.RAG.ChunkOverlap)
	applyInt("RAG_CACHE_TTL", &c.RAG.CacheTTL)
	applyInt("RAG_MAX_FILE_SIZE", &c.RAG.MaxFileSize)
}

func (c *AppConfig) normalize() {
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.RefineProvider == "" {
		c.LLM.RefineProvider = c.LLM.ChatProvider
	}
	if c.LLM.RefineModel == "" {
		c.LLM.RefineModel = c.LLM.ChatModel
	}
	if c.LLM.HyDEProvider == "" {
		c.LLM.HyDEProvider = c.LLM.ChatProvider
	}
	if c.LLM.HyDEModel == "" {
		c.LLM.HyDEModel = c.LLM.ChatModel
	}
	if c.Auth.GuestTokenTTLSeconds <= 0 {
		c.Auth.GuestTokenTTLSeconds = 3600
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 1
	}
	c.RAG.Normalize()
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.RAG.Backend {
	case rag.BackendQdrant, rag.BackendOpenSearch:
	default:
		return fmt.Errorf("unknown VECTOR_BACKEND %q", c.RAG.Backend)
	}
	return nil
}

// Limits 转为流水线上限表
func (c *AppConfig) Limits() pipeline.LimitTable {
	return pipeline.LimitTable{
		pipeline.KindGuest:      c.Quota.Guest,
		pipeline.KindRegistered: c.Quota.Registered,
	}
}

// Timeouts 转为流水线各阶段超时
func (c *AppConfig) Timeouts() pipeline.Timeouts {
	p := c.Pipeline
	return pipeline.Timeouts{
		Store:      seconds(p.StoreTimeoutSeconds),
		Refine:     seconds(p.RefineTimeoutSeconds),
		HyDE:       seconds(p.HyDETimeoutSeconds),
		WebSearch:  seconds(p.WebSearchTimeoutSeconds),
		Completion: seconds(p.CompletionTimeoutSeconds),
		Ingest:     seconds(p.IngestTimeoutSeconds),
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}
