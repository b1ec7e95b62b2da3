// File: internal/runner/runner.go
// Description: The invocation surface. A run looks the flow up, validates it
// against the parameters, opens a driver, executes, releases the driver on
// every path and hands the result to the recorders.

package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/engine"
	"github.com/xkilldash9x/passup/internal/observability"
)

const defaultCleanupTimeout = 10 * time.Second

// FlowSource looks flows up by site key.
type FlowSource interface {
	Lookup(siteKey string) (schemas.Flow, error)
}

// DriverFactory opens a fresh browser session for one execution.
type DriverFactory interface {
	NewDriver(ctx context.Context) (engine.Driver, error)
}

// Recorder receives every finished execution. Recording failures are logged
// and never change the result.
type Recorder interface {
	Record(ctx context.Context, res schemas.ExecutionResult) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, res schemas.ExecutionResult) error

func (f RecorderFunc) Record(ctx context.Context, res schemas.ExecutionResult) error { return f(ctx, res) }

// Option configures a Runner.
type Option func(*Runner)

// WithRecorders appends recorders.
func WithRecorders(recs ...Recorder) Option {
	return func(r *Runner) {
		for _, rec := range recs {
			if rec != nil {
				r.recorders = append(r.recorders, rec)
			}
		}
	}
}

// WithExecutionTimeout bounds a whole execution, driver launch included.
func WithExecutionTimeout(d time.Duration) Option {
	return func(r *Runner) { r.executionTimeout = d }
}

// Runner executes flows end to end. It is safe for concurrent use.
type Runner struct {
	logger           *zap.Logger
	flows            FlowSource
	drivers          DriverFactory
	executor         *engine.Executor
	recorders        []Recorder
	executionTimeout time.Duration
	cleanupTimeout   time.Duration
}

// New creates a Runner.
func New(logger *zap.Logger, flows FlowSource, drivers DriverFactory, executor *engine.Executor, opts ...Option) (*Runner, error) {
	if logger == nil || flows == nil || drivers == nil || executor == nil {
		return nil, fmt.Errorf("cannot initialize runner with nil dependencies")
	}
	r := &Runner{
		logger:         logger.Named("runner"),
		flows:          flows,
		drivers:        drivers,
		executor:       executor,
		cleanupTimeout: defaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Execute runs the flow registered for siteKey. The error is non-nil only
// when no flow could be found; every execution failure is in the result.
func (r *Runner) Execute(ctx context.Context, siteKey string, params schemas.Parameters) (schemas.ExecutionResult, error) {
	flow, err := r.flows.Lookup(siteKey)
	if err != nil {
		return schemas.ExecutionResult{SiteKey: siteKey, FailedStepIndex: schemas.NoFailedStep}, fmt.Errorf("lookup flow: %w", err)
	}
	return r.Run(ctx, flow, params), nil
}

// Run executes flow with params.
func (r *Runner) Run(ctx context.Context, flow schemas.Flow, params schemas.Parameters) schemas.ExecutionResult {
	id := uuid.NewString()
	started := time.Now()
	logger := r.logger.With(zap.String("execution_id", id), zap.String("site", flow.SiteKey))
	logger.Debug("Execution starting.",
		zap.String("url", params.URL),
		observability.Secret("old_password", params.OldPassword),
		observability.Secret("new_password", params.NewPassword))

	res := r.run(ctx, flow, params, logger)
	res.ExecutionID = id
	res.StartedAt = started
	res.Elapsed = time.Since(started)

	if res.Succeeded() {
		logger.Info("Execution succeeded.", observability.Result(res)...)
	} else {
		logger.Warn("Execution failed.", observability.Result(res)...)
	}
	r.record(ctx, logger, res)
	return res
}

func (r *Runner) run(ctx context.Context, flow schemas.Flow, params schemas.Parameters, logger *zap.Logger) schemas.ExecutionResult {
	// Configuration problems never open a browser.
	if err := engine.Validate(flow, params); err != nil {
		return engine.FailureResult(flow, err, time.Now())
	}

	if r.executionTimeout <= 0 {
		return r.open(ctx, flow, params, logger)
	}
	execCtx, cancel := context.WithTimeout(ctx, r.executionTimeout)
	defer cancel()
	res := r.open(execCtx, flow, params, logger)
	// Our own deadline is a timeout; only the caller cancels.
	if res.ErrorKind == schemas.ErrorKindCancelled && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		res.ErrorKind = schemas.ErrorKindTimeout
		res.Status = schemas.StatusTimedOut
		res.Message = fmt.Sprintf("execution exceeded %s: %s", r.executionTimeout, res.Message)
	}
	return res
}

// open runs flow on a fresh driver and releases it.
func (r *Runner) open(ctx context.Context, flow schemas.Flow, params schemas.Parameters, logger *zap.Logger) schemas.ExecutionResult {
	driver, err := r.drivers.NewDriver(ctx)
	if err != nil {
		kind := schemas.ErrorKindDriverUnavailable
		if ctx.Err() != nil {
			kind = schemas.ErrorKindCancelled
		}
		return engine.FailureResult(flow, &engine.StepError{Kind: kind, StepIndex: schemas.NoFailedStep, Err: err}, time.Now())
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cleanupTimeout)
		defer cancel()
		if err := driver.Close(closeCtx); err != nil {
			logger.Warn("Failed to release driver.", zap.Error(err))
		}
	}()

	return r.executor.Execute(ctx, flow, params, driver)
}

func (r *Runner) record(ctx context.Context, logger *zap.Logger, res schemas.ExecutionResult) {
	if len(r.recorders) == 0 {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cleanupTimeout)
	defer cancel()
	for _, rec := range r.recorders {
		if err := rec.Record(recCtx, res); err != nil {
			logger.Warn("Failed to record execution result.", zap.Error(err))
		}
	}
}
