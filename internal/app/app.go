// -----------------------------------------------------------------------
// App - dependency wiring and lifecycle of all application components
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conductor/internal/cache"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/executor"
	"github.com/ternarybob/conductor/internal/handlers"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/lifecycle"
	"github.com/ternarybob/conductor/internal/metadata/local"
	"github.com/ternarybob/conductor/internal/scheduler"
	"github.com/ternarybob/conductor/internal/services/events"
	"github.com/ternarybob/conductor/internal/services/jobs"
	"github.com/ternarybob/conductor/internal/services/status"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger
	Clock  common.Clock

	ctx       context.Context
	cancelCtx context.CancelFunc

	// Stores and backends
	Metadata interfaces.MetadataClient
	Cache    interfaces.JobCache
	Executor interfaces.Executor

	// Core services
	EventService     interfaces.EventService
	LifecycleService *lifecycle.Service
	JobService       interfaces.JobService
	Scheduler        *scheduler.Scheduler
	StatusService    *status.Service

	// HTTP handlers
	JobHandler    *handlers.JobHandler
	WSHandler     *handlers.WebSocketHandler
	StatusHandler *handlers.StatusHandler
}

// New wires the application: config -> clock -> stores -> cache ->
// executor -> services -> scheduler -> handlers.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Config:    config,
		Logger:    logger,
		Clock:     common.RealClock{},
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := a.initStores(); err != nil {
		cancel()
		return nil, err
	}
	if err := a.initServices(); err != nil {
		cancel()
		a.Close()
		return nil, err
	}
	a.initHandlers()

	logger.Info().
		Str("cache_backend", a.Cache.Name()).
		Msg("Application components initialized")
	return a, nil
}

func (a *App) initStores() error {
	meta, err := local.NewStore(&local.Config{
		Path:           a.Config.Metadata.Local.Path,
		ResetOnStartup: a.Config.Metadata.Local.ResetOnStartup,
	}, a.Clock, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	a.Metadata = meta

	cacheRegistry := cache.NewRegistry()
	cacheRegistry.Register("memory", func() (interfaces.JobCache, error) {
		return cache.NewMemoryCache(a.Clock, a.Logger), nil
	})
	cacheRegistry.Register("sqlite", func() (interfaces.JobCache, error) {
		return cache.NewSQLiteCache(a.Config.Cache.SQLite.Path, a.Clock, a.Logger)
	})
	jobCache, err := cacheRegistry.Create(a.Config.Cache.Backend)
	if err != nil {
		return fmt.Errorf("failed to create job cache: %w", err)
	}
	a.Cache = jobCache

	executorRegistry := executor.NewRegistry()
	executorRegistry.Register(executor.ProtocolLocal, func() (interfaces.Executor, error) {
		return executor.NewLocalExecutor(&executor.LocalConfig{
			WorkDir:    a.Config.Executor.Local.WorkDir,
			LaunchCmd:  a.Config.Executor.Local.LaunchCmd,
			LaunchArgs: a.Config.Executor.Local.LaunchArgs,
		}, a.Logger), nil
	})
	exec, err := executorRegistry.Create(a.Config.Executor.Protocol)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	a.Executor = exec

	return nil
}

func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)
	a.LifecycleService = lifecycle.NewService(a.Metadata, a.Logger)

	leaseDuration, err := a.Config.Scheduler.LeaseDurationValue()
	if err != nil {
		return err
	}
	a.JobService = jobs.NewService(a.Cache, a.Metadata, a.LifecycleService, a.EventService, leaseDuration, a.Logger)

	sched, err := scheduler.New(&a.Config.Scheduler, a.Cache, a.Executor, a.LifecycleService, a.Metadata, a.EventService, a.Clock, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	a.Scheduler = sched
	a.StatusService = status.NewService(a.Config, a.Cache.Name(), a.Scheduler, a.Logger)

	return nil
}

func (a *App) initHandlers() {
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.JobService, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.StatusService, a.Logger)
}

// Start launches the background components.
func (a *App) Start() {
	a.Scheduler.Start(a.ctx)
}

// Close shuts down components in reverse dependency order.
func (a *App) Close() {
	a.cancelCtx()

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.EventService != nil {
		a.EventService.Close()
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close job cache")
		}
	}
	if closer, ok := a.Metadata.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close metadata store")
		}
	}
	a.Logger.Info().Msg("Application components closed")
}
