package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"projectfinder/internal/ai"
	"projectfinder/internal/app"
	"projectfinder/internal/cache"
	"projectfinder/internal/config"
	"projectfinder/internal/embedding"
	"projectfinder/internal/etl"
	"projectfinder/internal/harvest"
	"projectfinder/internal/keyword"
	"projectfinder/internal/model"
	"projectfinder/internal/normalize"
	"projectfinder/internal/pkg/logger"
	"projectfinder/internal/platform/database"
	rabbitmqClient "projectfinder/internal/platform/rabbitmq"
	redisClient "projectfinder/internal/platform/redis"
	"projectfinder/internal/repository"
	"projectfinder/internal/retry"
	"projectfinder/internal/vectorindex"
	"projectfinder/internal/worker"
)

type Options struct {
	// KeywordIndex opens the full-text index. Only one process may hold an
	// on-disk index, so one-shot tools leave it off.
	KeywordIndex bool
}

type App struct {
	Config *config.Config
	Log    *zap.Logger
	DB     *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection

	Keyword   *keyword.BleveIndex
	Harvest   *harvest.Client
	Pipeline  *etl.Pipeline
	Generator *embedding.Generator

	Auth            *app.AuthService
	Catalog         *app.CatalogService
	Router          *app.QueryRouter
	Recommendations *app.RecommendationService
	Admin           *app.AdminService

	chatLogWorker *worker.ChatLogPersistWorker
	publisher     *rabbitmqClient.ChatLogPublisher
	scheduler     *worker.SyncScheduler

	StartedAt time.Time
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: log, StartedAt: time.Now()}
	if err := a.init(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg, log := a.Config, a.Log

	db, err := database.New(ctx, cfg.Database.Driver, cfg.DSN())
	if err != nil {
		return err
	}
	a.DB = db
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db, log); err != nil {
			return err
		}
	}

	// redis and rabbitmq are optional: without them the history cache and the
	// query cache are skipped and chat logs are written directly.
	if redisCli, err := redisClient.New(ctx, redisClient.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		log.Warn("redis unavailable, caches disabled", zap.Error(err))
	} else {
		a.Redis = redisCli
	}
	if cfg.RabbitMQ.Enabled {
		if conn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL); err != nil {
			log.Warn("rabbitmq unavailable, chat logs written directly", zap.Error(err))
		} else {
			a.MQConn = conn
		}
	}

	if opts.KeywordIndex {
		kw, err := keyword.NewBleveIndex(cfg.Pipeline.KeywordIndexPath)
		if err != nil {
			return err
		}
		a.Keyword = kw
	}

	records := repository.NewRecordRepository(db)
	embeddings := repository.NewEmbeddingRepository(db)
	recommendations := repository.NewRecommendationRepository(db)
	chats := repository.NewChatRepository(db)
	runs := repository.NewSyncRunRepository(db)

	aiClient := ai.NewOpenAICompatibleClient(0)
	chatModel := ai.NewChatModel(aiClient, ai.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
	})
	embeddingModel := ai.NewEmbeddingModel(aiClient, ai.EmbeddingConfig{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	})

	var queryCache embedding.QueryCache
	var historyCache app.HistoryCache
	if a.Redis != nil {
		queryCache = cache.NewQueryEmbeddingCache(a.Redis, seconds(cfg.Embedding.QueryCacheTTLSeconds))
		historyCache = cache.NewHistoryCache(a.Redis, seconds(cfg.Redis.HistoryTTLSeconds), seconds(cfg.Redis.HistoryDirtyTTLSeconds))
	}

	a.Generator = embedding.New(embeddingModel, embedding.Options{
		ModelVersion:      cfg.Embedding.ModelVersion,
		Dimensions:        cfg.Embedding.Dimensions,
		BatchSize:         cfg.Embedding.BatchSize,
		Concurrency:       cfg.Embedding.Concurrency,
		RequestsPerMinute: cfg.Embedding.RequestsPerMinute,
		Policy:            providerPolicy(cfg.Embedding.MaxAttempts, cfg.Embedding.TimeoutSeconds),
	}, queryCache, log)

	index, err := vectorindex.New(cfg.Search.Backend, db, vectorindex.Options{
		ModelVersion: cfg.Embedding.ModelVersion,
		Dimensions:   cfg.Embedding.Dimensions,
		MaxK:         cfg.Search.MaxK,
	})
	if err != nil {
		return err
	}

	a.Harvest = harvest.NewClient(harvest.Options{
		BaseURL:           cfg.Harvest.BaseURL,
		APIKey:            cfg.Harvest.APIKey,
		PageSize:          cfg.Harvest.PageSize,
		RequestsPerMinute: cfg.Harvest.RequestsPerMinute,
		Timeout:           seconds(cfg.Harvest.TimeoutSeconds),
		MaxAttempts:       cfg.Harvest.MaxAttempts,
	}, log)

	var keywordIndexer etl.KeywordIndexer
	var keywordSearcher app.KeywordSearcher
	if a.Keyword != nil {
		keywordIndexer = a.Keyword
		keywordSearcher = a.Keyword
	} else {
		keywordSearcher = unavailableKeyword{}
	}

	a.Pipeline = etl.NewPipeline(
		a.Harvest,
		normalize.New(normalize.Options{
			LocalCurrency: cfg.Harvest.LocalCurrency,
			ITThreshold:   cfg.Harvest.ITThreshold,
			SourceBaseURL: cfg.Harvest.BaseURL,
		}),
		records,
		embeddings,
		runs,
		a.Generator,
		index,
		keywordIndexer,
		etl.Options{
			LeaseTTL:    seconds(cfg.Pipeline.LeaseTTLSeconds),
			Concurrency: cfg.Pipeline.Concurrency,
		},
		log,
	)

	idle := time.Duration(cfg.Router.SessionIdleMinutes) * time.Minute
	var sink app.ChatLogSink = app.NewDirectChatLogSink(chats, idle)
	if a.MQConn != nil {
		a.publisher = rabbitmqClient.NewChatLogPublisher(a.MQConn, cfg.RabbitMQ.ChatLogPersistQueue)
		sink = app.NewQueueChatLogSink(a.publisher, sink, log)
		a.chatLogWorker = worker.NewChatLogPersistWorker(a.MQConn, chats, cfg.RabbitMQ.ChatLogPersistQueue, idle,
			retry.Policy{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}, log)
	}

	a.Router = app.NewQueryRouter(
		app.NewClassifier(cfg.Router.KeywordMaxTerms, cfg.Router.FilterTerms),
		keywordSearcher,
		a.Generator,
		index,
		records,
		chats,
		sink,
		historyCache,
		chatModel,
		app.RouterOptions{
			DefaultK:          cfg.Search.DefaultK,
			MaxK:              cfg.Search.MaxK,
			MaxContextRecords: cfg.Router.MaxContextRecords,
			MaxContextChars:   cfg.Router.MaxContextChars,
			SessionIdle:       idle,
			HistoryLimit:      cfg.Router.HistoryLimit,
			Generation:        providerPolicy(cfg.LLM.MaxAttempts, cfg.LLM.TimeoutSeconds),
		},
		log,
	)
	a.Auth = app.NewAuthService(app.AuthOptions{
		JWTSecret:         cfg.Auth.JWTSecret,
		JWTExpiration:     time.Duration(cfg.Auth.JWTExpireMinute) * time.Minute,
		AdminUsername:     cfg.Auth.AdminUsername,
		AdminPasswordHash: cfg.Auth.AdminPasswordHash,
	})
	a.Catalog = app.NewCatalogService(records, embeddings, keywordSearcher, cfg.Embedding.ModelVersion)
	a.Recommendations = app.NewRecommendationService(records, recommendations, chatModel,
		providerPolicy(cfg.LLM.MaxAttempts, cfg.LLM.TimeoutSeconds), log)
	a.Admin = app.NewAdminService(a.Pipeline, runs, embeddings, a.healthChecks(), app.AdminOptions{
		IncrementalDefaultDays: cfg.Pipeline.IncrementalDefaultDays,
		FullDefaultDaysBack:    cfg.Pipeline.FullDefaultDaysBack,
		ModelVersion:           cfg.Embedding.ModelVersion,
	}, log)

	if cfg.Scheduler.Enabled {
		interval := time.Duration(cfg.Scheduler.IncrementalIntervalMinutes) * time.Minute
		a.scheduler = worker.NewSyncScheduler(a.Admin, interval, log)
	}
	return nil
}

func (a *App) healthChecks() []app.HealthCheck {
	checks := []app.HealthCheck{{
		Name: "database",
		Probe: func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}
	if a.Redis != nil {
		checks = append(checks, app.HealthCheck{
			Name:     "redis",
			Optional: true,
			Probe:    func(ctx context.Context) error { return redisClient.Ping(ctx, a.Redis) },
		})
	}
	if a.MQConn != nil {
		checks = append(checks, app.HealthCheck{
			Name:     "rabbitmq",
			Optional: true,
			Probe:    func(ctx context.Context) error { return rabbitmqClient.Ping(ctx, a.MQConn) },
		})
	}
	checks = append(checks, app.HealthCheck{
		Name:     "harvest",
		Optional: true,
		Probe:    a.Harvest.Ping,
	})
	return checks
}

// StartWorkers starts the chat log consumer and the sync scheduler when
// they are configured.
func (a *App) StartWorkers(ctx context.Context) error {
	if a.chatLogWorker != nil {
		if err := a.chatLogWorker.Start(ctx); err != nil {
			return fmt.Errorf("start chat log worker failed: %w", err)
		}
	}
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}
	return nil
}

// RefreshKeywordIndex rebuilds the keyword index when it is behind the store.
func (a *App) RefreshKeywordIndex(ctx context.Context) error {
	if a.Keyword == nil {
		return nil
	}
	docs, err := a.Keyword.DocCount()
	if err != nil {
		return err
	}
	var total int64
	if err := a.DB.WithContext(ctx).Model(&model.ProcurementRecord{}).Count(&total).Error; err != nil {
		return fmt.Errorf("count records failed: %w", err)
	}
	if uint64(total) == docs {
		return nil
	}
	_, err = a.Pipeline.ReindexKeywords(ctx)
	return err
}

func (a *App) Close() error {
	var closeErr error
	if a.scheduler != nil {
		a.scheduler.Close()
	}
	if a.chatLogWorker != nil {
		a.chatLogWorker.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.Keyword != nil {
		if err := a.Keyword.Close(); err != nil {
			closeErr = err
		}
	}
	if a.DB != nil {
		sqlDB, err := a.DB.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	if a.Log != nil {
		_ = a.Log.Sync()
	}
	return closeErr
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func providerPolicy(attempts, timeoutSeconds int) retry.Policy {
	return retry.Policy{
		MaxAttempts:    attempts,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Jitter:         0.2,
		AttemptTimeout: seconds(timeoutSeconds),
	}
}

// unavailableKeyword stands in when the process holds no keyword index.
type unavailableKeyword struct{}

func (unavailableKeyword) Search(context.Context, string, int) ([]keyword.Result, error) {
	return nil, nil
}

var _ app.KeywordSearcher = unavailableKeyword{}
