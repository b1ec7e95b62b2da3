// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/internal/browser"
	"github.com/xkilldash9x/passup/internal/engine"
	"github.com/xkilldash9x/passup/internal/metrics"
	"github.com/xkilldash9x/passup/internal/orchestrator"
	"github.com/xkilldash9x/passup/internal/registry"
	"github.com/xkilldash9x/passup/internal/runner"
	"github.com/xkilldash9x/passup/internal/store"
)

const shutdownTimeout = 30 * time.Second

// Components holds every service a rotation run needs and centralizes their
// lifecycle.
type Components struct {
	Registry     *registry.Registry
	Executor     *engine.Executor
	Runner       *runner.Runner
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Collector

	// Optional; nil when no browser was launched or no database is configured.
	BrowserManager *browser.Manager
	Store          *store.Store
	DBPool         *pgxpool.Pool

	logger      *zap.Logger
	metricsPath string
	closeDBPool func()
}

// FlushMetrics writes the textfile export when one is configured.
func (c *Components) FlushMetrics() {
	if c.Metrics == nil || c.metricsPath == "" {
		return
	}
	if err := c.Metrics.WriteTextfile(c.metricsPath); err != nil {
		c.logger.Warn("Failed to write metrics textfile.", zap.Error(err))
		return
	}
	c.logger.Debug("Metrics textfile written.", zap.String("path", c.metricsPath))
}

// Shutdown releases components in reverse order of creation. It is safe to
// call on a partially initialized value.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	c.FlushMetrics()

	if c.BrowserManager != nil {
		// A fresh context so shutdown completes even after the run was cancelled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := c.BrowserManager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
	}

	if c.closeDBPool != nil {
		c.closeDBPool()
		logger.Debug("Database connection pool closed.")
	}

	logger.Debug("All components shut down.")
}
