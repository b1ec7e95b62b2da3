// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/internal/browser"
	"github.com/xkilldash9x/passup/internal/config"
	"github.com/xkilldash9x/passup/internal/credentials"
	"github.com/xkilldash9x/passup/internal/engine"
	"github.com/xkilldash9x/passup/internal/metrics"
	"github.com/xkilldash9x/passup/internal/orchestrator"
	"github.com/xkilldash9x/passup/internal/registry"
	"github.com/xkilldash9x/passup/internal/runner"
)

// ComponentFactory builds the components for a run. Commands depend on this
// interface so tests can substitute the browser.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// FactoryOption customizes the production factory.
type FactoryOption func(*concreteFactory)

// WithDriverFactory replaces the Chrome-backed driver factory.
func WithDriverFactory(drivers runner.DriverFactory) FactoryOption {
	return func(f *concreteFactory) { f.drivers = drivers }
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	drivers runner.DriverFactory
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory(opts ...FactoryOption) ComponentFactory {
	f := &concreteFactory{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create handles the dependency injection and initialization of the run
// components. Chrome is launched lazily by the first session.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{
		logger:      logger.Named("service"),
		metricsPath: cfg.Metrics().Textfile,
	}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Flow registry
	reg, err := registry.Load(cfg.Flows(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to load flows: %w", err)
		return nil, initializationErr
	}
	components.Registry = reg
	logger.Debug("Flow registry loaded.", zap.Int("flows", reg.Len()))

	// 2. Metrics
	components.Metrics = metrics.New()

	// 3. History store
	st, pool, closePool, err := InitializeStore(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize rotation history: %w", err)
		return nil, initializationErr
	}
	components.Store, components.DBPool, components.closeDBPool = st, pool, closePool

	// 4. Browser
	drivers := f.drivers
	if drivers == nil {
		components.BrowserManager = browser.NewManager(ctx, cfg.Browser(), logger)
		drivers = components.BrowserManager
	}

	// 5. Executor and runner
	engineCfg := cfg.Engine()
	components.Executor = engine.NewExecutor(logger, engine.Options{
		PollInterval:   engineCfg.PollInterval,
		DefaultTimeout: engineCfg.DefaultStepTimeout,
		Observer:       components.Metrics,
	})

	recorders := []runner.Recorder{components.Metrics}
	if components.Store != nil {
		recorders = append(recorders, components.Store)
	}
	run, err := runner.New(logger, reg, drivers, components.Executor,
		runner.WithRecorders(recorders...),
		runner.WithExecutionTimeout(engineCfg.ExecutionTimeout))
	if err != nil {
		initializationErr = fmt.Errorf("failed to create runner: %w", err)
		return nil, initializationErr
	}
	components.Runner = run

	// 6. Orchestrator
	generator, err := credentials.NewGenerator(cfg.Password())
	if err != nil {
		initializationErr = fmt.Errorf("failed to create password generator: %w", err)
		return nil, initializationErr
	}
	vault, err := credentials.NewVault(cfg.Vault())
	if err != nil {
		initializationErr = fmt.Errorf("failed to open password database: %w", err)
		return nil, initializationErr
	}
	var orchOpts []orchestrator.Option
	if vault != nil {
		orchOpts = append(orchOpts, orchestrator.WithVault(vault))
		logger.Info("Password database write-back enabled.", zap.String("type", cfg.Vault().Type))
	}
	orch, err := orchestrator.New(logger, reg, run, generator, engineCfg, orchOpts...)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch

	logger.Debug("All components initialized.")
	return components, nil
}
