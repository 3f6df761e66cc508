package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/sashabaranov/go-openai"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"onlyone/pkg/audit"
	"onlyone/pkg/cache"
	"onlyone/pkg/config"
	"onlyone/pkg/embedding"
	"onlyone/pkg/feed"
	"onlyone/pkg/huggingface"
	"onlyone/pkg/logger"
	"onlyone/pkg/middleware"
	"onlyone/pkg/moderation"
	"onlyone/pkg/orchestrator"
	"onlyone/pkg/post"
	"onlyone/pkg/post/api"
	"onlyone/pkg/similarity"
)

func main() {
	seedCount := flag.Int("seed", 0, "generate this many posts through the pipeline before serving")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalln("main: can't load config:", err)
	}
	zapLogger := logger.Run(cfg.Server.LogLevel)
	defer zapLogger.Sync() // nolint:errcheck

	if cfg.Server.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Server.SentryDSN}); err != nil {
			log.Fatalln("main: can't init Sentry:", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		log.Fatalf("main: unable to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("main: unable to reach PostgreSQL: %v", err)
	}
	postsRepo := post.NewPostRepo(db)
	if err := postsRepo.EnsureSchema(ctx, cfg.Embedding.Dimension); err != nil {
		log.Fatalln("main:", err)
	}

	c, closeCache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		log.Fatalln("main: can't open cache:", err)
	}
	defer closeCache()

	var auditLog *audit.Log
	if cfg.Mongo.URI != "" {
		mongoCtx, mongoCtxCancel := context.WithTimeout(ctx, 3*time.Second)
		defer mongoCtxCancel()
		mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Fatalln("main: can't connect to MongoDB,", err)
		}
		if err := mongoClient.Ping(mongoCtx, nil); err != nil {
			log.Fatalln("main: unable to connect to MongoDB,", err)
		}
		defer func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				log.Println("main: failed disconnecting from MongoDB,", err)
			}
		}()
		auditLog = audit.NewLog(mongoClient.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection))
	}

	hf := huggingface.NewClient(cfg.HuggingFace.Token, cfg.HuggingFace.Timeout)
	var oai *openai.Client
	if cfg.OpenAI.APIKey != "" {
		oaiCfg := openai.DefaultConfig(cfg.OpenAI.APIKey)
		if cfg.OpenAI.BaseURL != "" {
			oaiCfg.BaseURL = cfg.OpenAI.BaseURL
		}
		oai = openai.NewClientWithConfig(oaiCfg)
	}

	var provider embedding.Provider
	switch cfg.Embedding.Provider {
	case "openai":
		provider = embedding.NewOpenAIProvider(oai, cfg.Embedding.Model, cfg.Embedding.Dimension)
	default:
		provider = embedding.NewHuggingFaceProvider(hf, cfg.Embedding.Endpoint)
	}
	embedder := embedding.NewClient(provider, embedding.Options{
		Dimension:   cfg.Embedding.Dimension,
		Timeout:     cfg.Embedding.Timeout,
		MaxAttempts: cfg.Embedding.MaxAttempts,
		Backoff:     cfg.Embedding.Backoff,
	})

	policy, err := moderation.ParsePolicy(cfg.Moderation.Policy)
	if err != nil {
		log.Fatalln("main:", err)
	}
	moderator := moderation.NewPipeline(c, moderation.Options{
		CheckTimeout: cfg.Moderation.CheckTimeout,
		CacheTTL:     cfg.Cache.ModerationTTL,
		Policy:       policy,
	}, moderationChecks(cfg.Moderation, hf, oai)...)

	matcher := similarity.NewMatcher(postsRepo, c, similarity.Options{
		Threshold:      cfg.Similarity.Threshold,
		CandidateLimit: cfg.Similarity.CandidateLimit,
		CacheTTL:       cfg.Cache.SimilarTTL,
	})

	deps := orchestrator.Deps{
		Moderator: moderator,
		Embedder:  embedder,
		Matcher:   matcher,
		Store:     postsRepo,
		Cache:     c,
	}
	var auditReader api.AuditReader
	if auditLog != nil {
		deps.Audit = auditLog
		auditReader = auditLog
	}
	orch := orchestrator.New(deps, orchestrator.Options{
		RequestBudget: cfg.Server.RequestBudget,
		CountTTL:      cfg.Cache.CountTTL,
		TemporalTTL:   cfg.Cache.TemporalTTL,
		FeedPages:     cfg.Feed.InvalidatePages,
		Temporal:      cfg.Temporal,
	})
	feedReader := feed.NewReader(postsRepo, c, cfg.Feed.PageSize, cfg.Cache.FeedTTL)

	if *seedCount > 0 {
		seed(ctx, orch, *seedCount)
	}

	r := mux.NewRouter()
	api.NewPostHandler(orch, postsRepo, feedReader, auditReader).Routes(r)

	logMiddleware := middleware.NewLoggingMiddleware(zapLogger)
	r.Use(logMiddleware.SetupTracing)
	r.Use(logMiddleware.SetupLogging)
	r.Use(logMiddleware.AccessLog)

	zapLogger.Infof("main: serving at %s", cfg.Server.Addr)
	log.Fatalln(http.ListenAndServe(cfg.Server.Addr, r))
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, func(), error) {
	switch cfg.Backend {
	case "memory":
		return cache.NewMemory(), func() {}, nil
	case "valkey":
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("bad valkey url: %w", err)
		}
		pass, _ := u.User.Password()
		v, err := cache.NewValkey(ctx, cache.ValkeyOptions{
			Address:  u.Host,
			Password: pass,
			TLS:      u.Scheme == "rediss" || u.Scheme == "valkeys",
			Timeout:  cfg.DialTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return v, v.Close, nil
	default:
		pool := cache.NewRedisPool(cfg.URL, cfg.MaxIdle, cfg.DialTimeout)
		return cache.NewRedis(pool), func() { pool.Close() }, nil
	}
}

// moderationChecks builds one check per category. Spam is always judged
// locally; the other categories come from the configured provider.
func moderationChecks(cfg config.ModerationConfig, hf *huggingface.Client, oai *openai.Client) []moderation.Check {
	check := func(cl moderation.Classifier) moderation.Check {
		return moderation.Check{Classifier: cl, Threshold: cfg.Thresholds[string(cl.Category())]}
	}

	checks := []moderation.Check{check(moderation.NewSpamClassifier())}
	if cfg.Provider == "openai" {
		for _, cat := range []moderation.Category{moderation.CategoryToxicity, moderation.CategoryHate, moderation.CategoryAdult} {
			checks = append(checks, check(moderation.NewOpenAIClassifier(oai, cfg.OpenAIModel, cat)))
		}
		return checks
	}

	if cfg.ToxicityEndpoint != "" {
		checks = append(checks, check(moderation.NewHuggingFaceClassifier(hf, cfg.ToxicityEndpoint, moderation.CategoryToxicity, cfg.ToxicityLabel)))
	} else {
		checks = append(checks, check(moderation.NewToxicityClassifier()))
	}
	return append(checks,
		check(moderation.NewLexiconClassifier(moderation.CategoryHate, 0.6, moderation.HateTerms...)),
		check(moderation.NewLexiconClassifier(moderation.CategoryAdult, 0.5, moderation.AdultTerms...)),
	)
}
