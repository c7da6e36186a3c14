package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/yegors/flightqa/internal/config"
	"github.com/yegors/flightqa/internal/llm"
	"github.com/yegors/flightqa/internal/pipeline"
	"github.com/yegors/flightqa/internal/schedule"
	"github.com/yegors/flightqa/internal/shaping"
	"github.com/yegors/flightqa/internal/storage/sqlite"
	"github.com/yegors/flightqa/pkg/logger"
)

// app holds the wired services for one process
type app struct {
	config  *config.Config
	logger  *logger.Logger
	service *pipeline.Service
	queries *sqlite.QueryStorage // nil when the query log is disabled
	closers []func() error
}

// newApp builds every component from cfg
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{config: cfg, logger: log}

	fetcher, err := a.buildFetcher()
	if err != nil {
		a.Close()
		return nil, err
	}

	completer, err := a.buildCompleter(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	generator := llm.NewGenerator(completer, llm.GeneratorConfig{
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		AttemptTimeout:  cfg.LLM.Timeout(),
		MaxRetries:      cfg.LLM.MaxRetries,
		InitialBackoff:  time.Duration(cfg.LLM.RetryInitialBackoffMs) * time.Millisecond,
		MaxBackoff:      time.Duration(cfg.LLM.RetryMaxBackoffMs) * time.Millisecond,
	}, log)

	var recorder pipeline.Recorder
	if cfg.Storage.Enabled {
		db, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, db.Close)

		a.queries, err = sqlite.NewQueryStorage(db, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		recorder = a.queries
		log.Info("Query log enabled", logger.String("path", cfg.Storage.Path))
	}

	shaper := shaping.NewShaper(shaping.CharEstimator{CharsPerToken: cfg.Shaping.CharsPerToken}, log)

	a.service = pipeline.NewService(fetcher, shaper, generator, recorder, pipeline.Config{
		RequestTimeout:   cfg.Pipeline.RequestTimeout(),
		FetchShare:       cfg.Pipeline.FetchShare,
		InputTokenBudget: cfg.Shaping.InputTokenBudget,
	}, log)

	return a, nil
}

// buildFetcher creates the schedule client and its optional cache
func (a *app) buildFetcher() (schedule.Fetcher, error) {
	cfg := a.config
	if cfg.Schedule.APIKey == "" {
		a.logger.Warn("Schedule API key is empty - provider requests will be rejected")
	}

	client := schedule.NewClient(schedule.ClientConfig{
		BaseURL:           cfg.Schedule.BaseURL,
		APIKey:            cfg.Schedule.APIKey,
		Day:               cfg.Schedule.Day,
		Timeout:           cfg.Schedule.Timeout(),
		MaxRetries:        cfg.Schedule.MaxRetries,
		RetryBackoff:      cfg.Schedule.RetryBackoff(),
		RequestsPerSecond: cfg.Schedule.RequestsPerSecond,
	}, a.logger)

	switch cfg.Cache.Backend {
	case "memory":
		a.logger.Info("Schedule cache enabled", logger.String("backend", "memory"))
		return schedule.NewCachedFetcher(client, schedule.NewMemoryStore(), cfg.Cache.Freshness(), a.logger), nil
	case "redis":
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		a.closers = append(a.closers, rc.Close)
		a.logger.Info("Schedule cache enabled",
			logger.String("backend", "redis"),
			logger.String("addr", cfg.Cache.RedisAddr))
		return schedule.NewCachedFetcher(client, schedule.NewRedisStore(rc), cfg.Cache.Freshness(), a.logger), nil
	default:
		return client, nil
	}
}

// buildCompleter creates the configured LLM provider client
func (a *app) buildCompleter(ctx context.Context) (llm.Completer, error) {
	cfg := a.config.LLM

	switch cfg.Provider {
	case "mock":
		a.logger.Warn("LLM provider is mock - answers are built from schedule counts only")
		return llm.NewStaticCompleter(a.logger), nil
	case "gemini":
		client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return client, nil
	default:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout(),
		}, a.logger), nil
	}
}

// Close releases connections in reverse order of creation
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
