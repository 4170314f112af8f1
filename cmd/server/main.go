package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"docchat/internal/adapter/websearch/tavily"
	"docchat/internal/api"
	"docchat/internal/app/bootstrap"
	"docchat/internal/db/opensearch"
	"docchat/internal/db/postgres"
	qdrantdb "docchat/internal/db/qdrant"
	redisdb "docchat/internal/db/redis"
	"docchat/internal/domain/pipeline"
	"docchat/internal/domain/rag"
	"docchat/internal/platform/config"
	applog "docchat/internal/platform/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	defer applog.Sync()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

	if err := db.Ping(); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}
	applog.Info("✅ Connected to PostgreSQL")

	redisClient := initRedis(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store := postgres.NewStore(postgres.StoreConfig{
		DB:       db,
		Redis:    redisClient,
		CacheTTL: time.Duration(cfg.Redis.HistoryCacheSeconds) * time.Second,
	})
	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.EnsureTables(migrateCtx); err != nil {
		migrateCancel()
		applog.Fatalf("❌ Failed to ensure tables: %v", err)
	}
	migrateCancel()

	registry := bootstrap.BuildLLMRegistry(cfg)
	llms, err := bootstrap.ResolveStageLLMs(registry, cfg.LLM)
	if err != nil {
		applog.Fatalf("❌ No chat LLM available: %v", err)
	}

	ragCfg := &cfg.RAG
	embedder := rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
		BaseURL:   cfg.OpenAI.BaseURL,
		APIKey:    cfg.OpenAI.APIKey,
		Model:     ragCfg.EmbeddingModel,
		Dims:      ragCfg.EmbeddingDims,
		BatchSize: ragCfg.EmbeddingBatchSize,
		Parallel:  ragCfg.EmbeddingParallel,
	})
	applog.Infof("✅ RAG Embedder initialized (model: %s, dims: %d)", ragCfg.EmbeddingModel, embedder.Dims())

	index, closeIndex := initVectorIndex(ragCfg, embedder)
	defer closeIndex()

	retriever := rag.NewCoordinator(index, rag.CoordinatorConfig{
		UnfilteredTopK: ragCfg.UnfilteredTopK,
		FilteredTopK:   ragCfg.FilteredTopK,
		Timeout:        time.Duration(cfg.Pipeline.RetrievalTimeoutSeconds) * time.Second,
	})
	indexer := rag.NewIndexer(index, rag.NewChunker(ragCfg.ChunkSize, ragCfg.ChunkOverlap))

	deps := pipeline.Deps{
		Store:     store,
		Retriever: retriever,
		ChatLLM:   llms.Chat,
		RefineLLM: llms.Refine,
		HyDELLM:   llms.HyDE,
		Indexer:   indexer,
	}

	if redisClient != nil {
		if ragCfg.HasCache() {
			searchCache := redisdb.NewSearchCache(redisClient, ragCfg.CacheTTL)
			retriever.SetCache(searchCache)
			indexer.SetCache(searchCache)
			applog.Infof("✅ RAG Search cache initialized (TTL: %ds)", ragCfg.CacheTTL)
		}
		deps.Lock = redisdb.NewIngestLock(redisClient, time.Duration(cfg.Redis.IngestLockTTLSeconds)*time.Second)
		applog.Info("✅ Ingest lock initialized")
	}

	parsers := rag.NewParserRegistry()
	applog.Infof("✅ RAG Parser registry initialized (types: %s)", parsers.SupportedTypes())
	deps.Loader = rag.NewLoader(parsers, rag.NewWebFetcher(rag.WebFetcherConfig{}), rag.NewYouTubeFetcher(rag.YouTubeFetcherConfig{}))

	if cfg.WebSearch.TavilyAPIKey != "" {
		deps.WebSearch = tavily.New(tavily.Config{
			APIKey:     cfg.WebSearch.TavilyAPIKey,
			BaseURL:    cfg.WebSearch.TavilyBaseURL,
			MaxResults: cfg.WebSearch.MaxResults,
		})
		applog.Info("✅ Tavily web search enabled for HyDE")
	} else if cfg.Pipeline.HyDEWebSearch {
		applog.Warn("⚠️  HYDE_WEB_SEARCH is on but TAVILY_API_KEY is empty, HyDE will use model knowledge only")
	}

	svc := pipeline.NewService(pipeline.Config{
		Timeouts:      cfg.Timeouts(),
		Limits:        cfg.Limits(),
		QuotaStrict:   cfg.Pipeline.QuotaStrict,
		ChatModel:     cfg.LLM.ChatModel,
		RefineModel:   cfg.LLM.RefineModel,
		HyDEModel:     cfg.LLM.HyDEModel,
		HyDEWebSearch: cfg.Pipeline.HyDEWebSearch && deps.WebSearch != nil,
		Instructions:  cfg.Pipeline.Instructions,
	}, deps)
	applog.Info("✅ Pipeline ready",
		"chat", cfg.LLM.ChatProvider+"/"+cfg.LLM.ChatModel,
		"refine", cfg.LLM.RefineProvider+"/"+cfg.LLM.RefineModel,
		"hyde", cfg.LLM.HyDEProvider+"/"+cfg.LLM.HyDEModel,
		"quota_strict", cfg.Pipeline.QuotaStrict,
	)

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	serverConfig.TokenTTL = time.Duration(cfg.Auth.GuestTokenTTLSeconds) * time.Second
	serverConfig.RateLimitRPS = cfg.Server.RateLimitRPS
	serverConfig.RateLimitBurst = cfg.Server.RateLimitBurst
	serverConfig.TrustProxy = cfg.Server.TrustProxyHeaders
	serverConfig.MaxFileMB = ragCfg.MaxFileSize
	server := api.NewServer(serverConfig, svc)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}

// initRedis Redis 可选；未配置或不可达时关闭缓存与入库锁
func initRedis(cfg *config.AppConfig) *goredis.Client {
	if cfg.Redis.URL == "" {
		applog.Info("ℹ️  No REDIS_URL set, cache and ingest lock disabled")
		return nil
	}
	opt, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		applog.Warnf("⚠️  Redis URL invalid, cache disabled: %v", err)
		return nil
	}

	client := goredis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		applog.Warnf("⚠️  Redis ping failed, cache disabled: %v", err)
		client.Close()
		return nil
	}
	applog.Info("✅ Connected to Redis")
	return client
}

func initVectorIndex(ragCfg *rag.Config, embedder rag.Embedder) (rag.VectorIndex, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch ragCfg.Backend {
	case rag.BackendOpenSearch:
		client := opensearch.NewClient(ragCfg, embedder)
		if err := client.Ping(ctx); err != nil {
			applog.Fatalf("❌ OpenSearch ping failed: %v", err)
		}
		if err := client.EnsureIndex(ctx); err != nil {
			applog.Fatalf("❌ Failed to ensure OpenSearch index: %v", err)
		}
		applog.Info("✅ Connected to OpenSearch")
		return client, func() {}
	default:
		index, err := qdrantdb.New(ragCfg, embedder)
		if err != nil {
			applog.Fatalf("❌ %v", err)
		}
		if err := index.EnsureCollection(ctx); err != nil {
			applog.Fatalf("❌ Failed to ensure Qdrant collection: %v", err)
		}
		applog.Info("✅ Connected to Qdrant")
		return index, func() { _ = index.Close() }
	}
}
