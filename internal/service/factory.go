// Package service assembles the application graph: configuration in,
// ready-to-serve components out.
package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
	"github.com/karenhq/karen/internal/adapters"
	"github.com/karenhq/karen/internal/automation"
	"github.com/karenhq/karen/internal/browser"
	"github.com/karenhq/karen/internal/config"
	"github.com/karenhq/karen/internal/conversation"
	"github.com/karenhq/karen/internal/httpapi"
	"github.com/karenhq/karen/internal/llmclient"
	"github.com/karenhq/karen/internal/store"
)

// App is the wired application. Construct it with New, serve Router, and call
// Shutdown when done.
type App struct {
	Config        *config.Config
	Logger        *zap.Logger
	Repo          store.Repository
	LLM           schemas.LLMClient
	Browser       *browser.Manager
	Adapters      *adapters.Registry
	Conversations *conversation.Manager
	Router        http.Handler

	dbPool *pgxpool.Pool
}

// New builds every component from the configuration. The browser process is
// not launched here; it starts lazily on the first automation request.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	var (
		repo   store.Repository
		dbPool *pgxpool.Pool
	)
	if cfg.Database.URL == "" {
		logger.Warn("Database URL is not set. Conversations persist in memory only.")
		repo = store.NewMemory(logger)
	} else {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		pg, err := store.NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize conversation store: %w", err)
		}
		logger.Info("Database connection established.")
		repo = pg
		dbPool = pool
	}

	llm, err := llmclient.NewClient(cfg.LLM, logger)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	browserManager := browser.NewManager(cfg.Browser, logger)
	executor := automation.NewExecutor(logger)
	registry := adapters.NewRegistry(llm, executor, browserManager.OpenPage, cfg.Automation.ServiceURLs, logger)
	conversations := conversation.NewManager(repo, llm, registry, cfg.Automation, logger)

	handlers := httpapi.NewHandlers(logger, conversations, browserManager, repo)
	router := httpapi.NewRouter(handlers, cfg.Server)

	return &App{
		Config:        cfg,
		Logger:        logger,
		Repo:          repo,
		LLM:           llm,
		Browser:       browserManager,
		Adapters:      registry,
		Conversations: conversations,
		Router:        router,
		dbPool:        dbPool,
	}, nil
}

// Shutdown releases adapters, the browser process, and the database pool, in
// that order.
func (a *App) Shutdown(ctx context.Context) error {
	a.Adapters.CloseAll(ctx)

	err := a.Browser.Shutdown(ctx)
	if err != nil {
		a.Logger.Error("Browser shutdown reported an error.", zap.Error(err))
	}

	if a.dbPool != nil {
		a.Logger.Info("Closing database connections.")
		a.dbPool.Close()
	}
	return err
}
