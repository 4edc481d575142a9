package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/bobmcallan/loraforge/internal/clients/generator"
	"github.com/bobmcallan/loraforge/internal/clients/rationale"
	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/interfaces"
	"github.com/bobmcallan/loraforge/internal/services/broadcast"
	"github.com/bobmcallan/loraforge/internal/services/cache"
	"github.com/bobmcallan/loraforge/internal/services/coordinator"
	"github.com/bobmcallan/loraforge/internal/services/delivery"
	"github.com/bobmcallan/loraforge/internal/services/queue"
	"github.com/bobmcallan/loraforge/internal/services/similarity"
	"github.com/bobmcallan/loraforge/internal/storage/surrealdb"
)

// App holds all initialized services, clients, and configuration. It is
// the shared core used by cmd/loraforge-server.
type App struct {
	Config  *common.Config
	Logger  *common.Logger
	Storage interfaces.StorageManager

	// Adapters is the read-only adapter catalog accessor. It is held
	// separately from Storage because interfaces.StorageManager (the
	// composition root's narrow persistence contract) doesn't expose it
	// — only the concrete SurrealDB manager does.
	Adapters interfaces.AdapterLookup

	Generator *generator.Client
	Rationale interfaces.RationaleClient // nil when no rationale API key is configured

	Hub          *broadcast.Hub
	Orchestrator *queue.Orchestrator
	Worker       *delivery.Worker
	Reaper       *delivery.StaleReaper
	Coordinator  *coordinator.Coordinator
	Cache        *cache.Cache
	Similarity   *similarity.Engine

	StartupTime time.Time

	orchestratorCancel context.CancelFunc
	reaperCancel       context.CancelFunc
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes all services, clients, and storage.
// configPath may be empty, in which case the default resolution logic is used.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("LORAFORGE_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "loraforge-service.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/loraforge-service.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if config.Storage.DataPath != "" && !filepath.IsAbs(config.Storage.DataPath) {
		config.Storage.DataPath = filepath.Join(binDir, config.Storage.DataPath)
	}
	if config.Logging.FilePath != "" && !filepath.IsAbs(config.Logging.FilePath) {
		config.Logging.FilePath = filepath.Join(binDir, config.Logging.FilePath)
	}

	logger := common.NewLogger(config.Logging.Level)

	storageManager, err := surrealdb.NewManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	adapters := storageManager.AdapterStore()

	generatorClient := generator.NewClient(config.Clients.Generator.BaseURL,
		generator.WithLogger(logger),
		generator.WithTimeout(config.Clients.Generator.GetTimeout()),
		generator.WithRateLimit(config.Clients.Generator.RateLimit),
	)

	ctx := context.Background()
	var rationaleClient interfaces.RationaleClient
	if config.Clients.Rationale.APIKey != "" {
		c, err := rationale.NewClient(ctx, config.Clients.Rationale.APIKey,
			rationale.WithLogger(logger),
			rationale.WithModel(config.Clients.Rationale.Model),
		)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize rationale client, recommendations will omit rationale")
		} else {
			rationaleClient = c
		}
	}

	hub := broadcast.NewHub(logger, config.Broadcast.GetBufferSize(), config.Broadcast.GetTerminalRetention())

	worker := delivery.NewWorker(storageManager.JobStore(), generatorClient, hub, logger,
		config.Delivery.GetPollInterval(), config.Delivery.GetMaxJobDuration())

	reaper := delivery.NewStaleReaper(storageManager.JobStore(), logger, 0, config.Delivery.GetMaxJobDuration())

	// No broker backend is configured yet (config.Queue.BrokerURL is the
	// documented extension point); the orchestrator runs purely
	// in-process, with worker.Handle as the per-job entry point.
	orchestrator := queue.NewOrchestrator(logger, nil, worker.Handle)

	coord := coordinator.NewCoordinator(storageManager.JobStore(), adapters, orchestrator, logger,
		config.Coordinator.GetImmediateModeDeadline())

	recCache := cache.NewCache(logger, config.Cache.GetTTL(), config.Cache.GetMaxEntries(), config.Cache.GetMaxBytes())

	simEngine := similarity.NewEngine(adapters)

	a := &App{
		Config:       config,
		Logger:       logger,
		Storage:      storageManager,
		Adapters:     adapters,
		Generator:    generatorClient,
		Rationale:    rationaleClient,
		Hub:          hub,
		Orchestrator: orchestrator,
		Worker:       worker,
		Reaper:       reaper,
		Coordinator:  coord,
		Cache:        recCache,
		Similarity:   simEngine,
		StartupTime:  startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("app initialized")

	return a, nil
}

// AdapterName resolves an adapter id to its display name, falling back
// to the id itself when the adapter can't be found — used to enrich
// recommendation rationale prompts without failing the request.
func (a *App) AdapterName(adapterID string) string {
	adapter, err := a.Adapters.Get(context.Background(), adapterID)
	if err != nil || adapter == nil {
		return adapterID
	}
	return adapter.Name
}

// StartOrchestrator launches the Queue Orchestrator's worker pool and,
// if a broker backend is configured, its health-check loop.
func (a *App) StartOrchestrator() {
	ctx, cancel := context.WithCancel(context.Background())
	a.orchestratorCancel = cancel
	concurrency := a.Config.Queue.GetWorkerConcurrency(runtime.NumCPU())
	go a.Orchestrator.Run(ctx, concurrency)
}

// StartReaper launches the periodic stale-processing sweep.
func (a *App) StartReaper() {
	ctx, cancel := context.WithCancel(context.Background())
	a.reaperCancel = cancel
	go a.Reaper.Run(ctx)
}

// Close releases all resources held by the App.
// Shutdown order: stop the orchestrator, stop the reaper, close every
// WebSocket subscriber, close storage.
func (a *App) Close() {
	if a.orchestratorCancel != nil {
		a.orchestratorCancel()
		a.orchestratorCancel = nil
	}
	if a.reaperCancel != nil {
		a.reaperCancel()
		a.reaperCancel = nil
	}
	if a.Hub != nil {
		a.Hub.Shutdown()
	}
	if a.Storage != nil {
		a.Storage.Close()
		a.Storage = nil
	}
}
