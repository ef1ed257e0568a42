// File: cmd/app/wire.go
package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/domain/ports/repository"
	aiAdapters "grading-orchestrator/internal/infra/adapters/ai"
	"grading-orchestrator/internal/infra/adapters/notify"
	"grading-orchestrator/internal/infra/adapters/ocr"
	"grading-orchestrator/internal/infra/adapters/storage"
	bdg "grading-orchestrator/internal/infra/badger"
	pg "grading-orchestrator/internal/infra/db/postgres"
	red "grading-orchestrator/internal/infra/redis"
	"grading-orchestrator/internal/infra/resilience"
	"grading-orchestrator/internal/usecase"
)

// app holds the process-wide collaborators shared by every command.
type app struct {
	cfg *config.Config
	log *zerolog.Logger

	redis  *red.Client
	pool   *pgxpool.Pool
	cache  repository.CacheStore
	queue  *red.TaskQueue
	bus    *red.ProgressBus
	fanout *notify.Fanout

	recorder *usecase.Recorder
	uc       usecase.SubmissionUseCase

	closers []func() error
}

func (a *app) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

// newBaseApp connects redis and the result cache. Admin commands need nothing more.
func newBaseApp(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}

	rc, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.redis = rc
	a.onClose(rc.Close)

	switch cfg.Cache.Backend {
	case "badger":
		bc, err := bdg.Open(cfg.Cache.BadgerDir, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("badger: %w", err)
		}
		a.cache = bc
		a.onClose(bc.Close)
	default:
		a.cache = red.NewGradingCache(rc, logger)
	}

	a.queue = red.NewTaskQueue(rc, cfg.Queue, logger)
	a.bus = red.NewProgressBus(rc, logger)
	return a, nil
}

// newApp adds postgres, the outcome recorder with its notifiers and the
// submission use case.
func newApp(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*app, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	a, err := newBaseApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	pool, err := pg.Connect(ctx, cfg.Database)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.pool = pool
	a.onClose(func() error { pool.Close(); return nil })

	notifiers := buildNotifiers(cfg, logger)
	a.fanout = notify.NewFanout(a.bus, logger, notifiers...)
	a.onClose(a.fanout.Close)

	repo := pg.NewSubmissionRepo(pool)
	a.recorder = usecase.NewRecorder(repo, pg.NewTxManager(pool), red.NewLocker(a.redis), a.fanout, cfg.Resilience.LockTTL, logger)
	a.uc = usecase.NewSubmissionUseCase(repo, a.queue, a.cache, a.bus, a.recorder, cfg.Queue.TaskTimeout, cfg.HTTP.MaxSyncWait, logger)
	return a, nil
}

// buildNotifiers returns the configured outcome sinks. A sink that fails to
// start is logged and skipped.
func buildNotifiers(cfg *config.Config, logger *zerolog.Logger) []notify.Notifier {
	var out []notify.Notifier
	if len(cfg.Notify.Kafka.Brokers) > 0 {
		k, err := notify.NewKafkaNotifier(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic)
		if err != nil {
			logger.Warn().Err(err).Msg("kafka notifier disabled")
		} else {
			out = append(out, k)
		}
	}
	if cfg.Notify.Telegram.Token != "" && cfg.Notify.Telegram.ChatID != 0 {
		tg, err := notify.NewTelegramNotifier(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram notifier disabled")
		} else {
			out = append(out, tg)
		}
	}
	return out
}

// buildPipeline wires storage, OCR, the guarded AI chain and every stage.
func (a *app) buildPipeline(ctx context.Context) (*usecase.Orchestrator, error) {
	cfg, logger := a.cfg, a.log

	images, err := a.buildImageStore(ctx)
	if err != nil {
		return nil, err
	}

	var engine adapter.OCREngine = ocr.NoopEngine{}
	if cfg.OCR.Provider == "yandex" {
		y, err := ocr.NewYandexEngine(cfg.OCR)
		if err != nil {
			logger.Warn().Err(err).Msg("ocr disabled; cache lookups and segmentation get empty text")
		} else {
			engine = y
		}
	}

	ai := a.buildAI(ctx)

	deps := usecase.PipelineDeps{
		Images:         images,
		OCR:            engine,
		Cache:          a.cache,
		CacheTTL:       cfg.Cache.TTL,
		Assessor:       usecase.NewComplexityAssessor(cfg.Complexity),
		Segmenter:      usecase.NewSegmentationStage(logger),
		Grader:         usecase.NewGradingStage(ai, cfg.AI.GradingModel, cfg.Grading, logger),
		Locator:        usecase.NewLocationStage(ai, cfg.AI.LocationModel, cfg.Location, logger),
		LocateSeverity: cfg.Grading.LocateSeverity,
	}
	return usecase.NewGradingPipeline(deps, a.recorder, logger), nil
}

func (a *app) buildImageStore(ctx context.Context) (*storage.Router, error) {
	cfg := a.cfg.Storage
	router := storage.NewRouter().Handle(storage.NewHTTPStore(cfg.HTTPTimeout, cfg.MaxBytes), "http", "https")

	if cfg.S3.Endpoint != "" {
		s3, err := storage.NewS3Store(cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 store: %w", err)
		}
		router.Handle(s3, "s3")
	}
	if cfg.GCS.Enabled {
		gcs, err := storage.NewGCSStore(ctx, cfg.GCS.CredentialsFile, cfg.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("gcs store: %w", err)
		}
		router.Handle(gcs, "gs")
		a.onClose(gcs.Close)
	}
	return router, nil
}

// buildAI composes provider adapters -> failover -> breaker/retry/limits ->
// concurrency cap. Without any provider key the no-op adapter answers, which
// keeps the pipeline runnable in development.
func (a *app) buildAI(ctx context.Context) adapter.AIServiceAdapter {
	cfg, logger := a.cfg, a.log

	byProvider := map[string]adapter.AIServiceAdapter{}
	modelToProvider := map[string]string{}
	if cfg.AI.OpenAIKey != "" {
		oa, err := aiAdapters.NewOpenAIAdapter(aiAdapters.OpenAIOptions{
			APIKey:      cfg.AI.OpenAIKey,
			BaseURL:     cfg.AI.OpenAIBaseURL,
			Model:       cfg.AI.GradingModel,
			Temperature: cfg.AI.Temperature,
			MaxTokens:   cfg.AI.MaxTokens,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("openai adapter disabled")
		} else {
			byProvider["openai"] = oa
			modelToProvider[cfg.AI.GradingModel] = "openai"
			modelToProvider[cfg.AI.LocationModel] = "openai"
		}
	}
	if cfg.AI.GeminiKey != "" {
		ga, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, "", cfg.AI.GeminiModel, cfg.AI.Temperature, cfg.AI.MaxTokens)
		if err != nil {
			logger.Warn().Err(err).Msg("gemini adapter disabled")
		} else {
			byProvider["gemini"] = ga
			modelToProvider[cfg.AI.GeminiModel] = "gemini"
		}
	}

	if len(byProvider) == 0 {
		logger.Warn().Msg("no AI provider configured; using no-op adapter")
		return aiAdapters.NewNoopAIAdapter(logger)
	}
	inner := aiAdapters.NewMultiAIAdapter(cfg.AI.Provider, byProvider, modelToProvider)

	rc := cfg.Resilience
	breaker := resilience.NewBreaker("ai", rc.BreakerThreshold, rc.BreakerCooldown, logger)
	retry := resilience.DefaultRetryPolicy()
	retry.MaxTries = rc.RetryMaxTries
	retry.MaxElapsed = rc.RetryMaxElapsed
	local := resilience.NewLocalLimiter("ai_local", rc.RatePerSecond, rc.RateBurst)
	shared := red.NewRateLimiter(a.redis, "ai", rc.SharedLimit, rc.SharedWindow)

	guarded := aiAdapters.NewGuardedAI(inner, breaker, retry, cfg.AI.Timeout, local, shared)
	return aiAdapters.NewLimitedAI(guarded, cfg.AI.ConcurrentLimit)
}
