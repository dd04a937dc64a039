package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stankur/pipeline-processor/internal/config"
	"github.com/stankur/pipeline-processor/internal/infrastructure/github"
	"github.com/stankur/pipeline-processor/internal/infrastructure/llm"
	"github.com/stankur/pipeline-processor/internal/infrastructure/memstore"
	"github.com/stankur/pipeline-processor/internal/infrastructure/ml"
	"github.com/stankur/pipeline-processor/internal/infrastructure/parser"
	"github.com/stankur/pipeline-processor/internal/infrastructure/scheduler"
	"github.com/stankur/pipeline-processor/internal/infrastructure/storage"
	"github.com/stankur/pipeline-processor/internal/infrastructure/telegram"
	"github.com/stankur/pipeline-processor/internal/logging"
	"github.com/stankur/pipeline-processor/internal/ports"
	"github.com/stankur/pipeline-processor/internal/usecase"
)

// DriverMemory keeps all state in process memory.
const DriverMemory = "memory"

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger
	store  ports.Store

	Orchestrator *usecase.Orchestrator
	Feeds        *usecase.FeedBuilder
	Exposure     *usecase.ExposureTracker
	Judgments    *usecase.JudgmentCache
	Scheduler    *usecase.Scheduler
}

// Options replaces adapters built from configuration; tests use it to swap
// out network clients.
type Options struct {
	Store      ports.Store
	Fetcher    ports.RepoFetcher
	Selector   ports.HighlightSelector
	Enricher   ports.Enricher
	Summarizer ports.Summarizer
	Scorer     ports.RelevanceScorer
	Notifier   ports.Notifier
	Driver     ports.Scheduler
}

// New builds the application from configuration.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	return NewWithOptions(ctx, cfg, baseLogger, Options{})
}

// NewWithOptions is New with explicit adapter overrides.
func NewWithOptions(ctx context.Context, cfg config.Config, baseLogger *slog.Logger, opts Options) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = openStore(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
	}

	var chat ports.ChatClient
	if cfg.LLM.APIKey != "" {
		chat = llm.NewChatGPTClient(cfg.LLM)
	} else {
		baseLogger.Info("llm disabled: no api key, using heuristic selection and description blurbs")
	}

	heuristic := usecase.HeuristicSelector{Limit: cfg.LLM.MaxHighlights}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = github.NewClient(cfg.GitHub, baseLogger.With("component", "github"))
	}
	selector := opts.Selector
	if selector == nil && chat != nil {
		selector = llm.NewSelector(chat, cfg.LLM.MaxHighlights, heuristic, baseLogger.With("component", "llm.selector"))
	}
	enricher := opts.Enricher
	if enricher == nil {
		enricher = parser.NewReadmeEnricher(cfg.GitHub, nil, baseLogger.With("component", "parser.readme"))
	}
	summarizer := opts.Summarizer
	if summarizer == nil && chat != nil {
		summarizer = llm.NewSummarizer(chat)
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = buildScorer(cfg, chat)
	}
	notifier := opts.Notifier
	if notifier == nil {
		if tg := cfg.Notifications.Telegram; tg.BotToken != "" && tg.ChatID != "" {
			notifier = telegram.NewNotifier(tg.BotToken, tg.ChatID)
		}
	}

	orchestrator := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Store:         store,
		Fetcher:       fetcher,
		Selector:      selector,
		Enricher:      enricher,
		Summarizer:    summarizer,
		Notifier:      notifier,
		Logger:        baseLogger.With("component", "orchestrator"),
		MaxHighlights: cfg.LLM.MaxHighlights,
	})

	scorerID := ""
	if scorer != nil {
		scorerID = scorer.ID()
	}
	judgments := usecase.NewJudgmentCache(store, scorerID, baseLogger.With("component", "judgments"))
	exposure := usecase.NewExposureTracker(store, store, usecase.DecayPolicy{
		Factor:        cfg.Feed.DecayFactor,
		RecoveryHours: cfg.Feed.RecoveryHours,
		RecoveryFloor: cfg.Feed.RecoveryFloor,
	})
	feeds := usecase.NewFeedBuilder(usecase.FeedDeps{
		Store:       store,
		Scorer:      scorer,
		Judgments:   judgments,
		Exposure:    exposure,
		Logger:      baseLogger.With("component", "feed"),
		Limit:       cfg.Feed.Limit,
		MinScore:    cfg.Feed.MinScore,
		Concurrency: cfg.Feed.Concurrency,
	})

	driver := opts.Driver
	if driver == nil {
		driver = scheduler.NewCronScheduler(cfg.Scheduler.Interval, cfg.Scheduler.Location())
	}

	return &Application{
		cfg:          cfg,
		logger:       baseLogger,
		store:        store,
		Orchestrator: orchestrator,
		Feeds:        feeds,
		Exposure:     exposure,
		Judgments:    judgments,
		Scheduler:    usecase.NewScheduler(driver, feeds, baseLogger.With("component", "scheduler")),
	}, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (ports.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == DriverMemory {
		return memstore.New(), nil
	}
	store, err := storage.Open(ctx, driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// buildScorer prefers the external inference service when configured.
func buildScorer(cfg config.Config, chat ports.ChatClient) ports.RelevanceScorer {
	if cfg.ML.InferenceURL != "" {
		return ml.NewClient(cfg.ML.InferenceURL, cfg.ML.APIKey)
	}
	if chat != nil {
		return llm.NewScorer(chat, cfg.LLM.Model, cfg.LLM.Temperature)
	}
	return nil
}

// Serve rebuilds feeds on the configured interval until ctx is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("serving", "interval", a.cfg.Scheduler.Interval, "timezone", a.cfg.Scheduler.Location().String())
	<-ctx.Done()

	stopCtx := context.WithoutCancel(ctx)
	return a.Scheduler.Stop(stopCtx)
}

// Close waits for background pipeline runs and releases the store.
func (a *Application) Close() error {
	a.Orchestrator.Wait()
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
