// File: internal/orchestrator/orchestrator.go
// Description: Runs a batch of credential entries concurrently. Each entry is
// resolved to a flow, given a generated password when it has none, and run
// through the runner on a bounded pool with throttled session launches.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/config"
	"github.com/xkilldash9x/passup/internal/credentials"
	"github.com/xkilldash9x/passup/internal/engine"
	"github.com/xkilldash9x/passup/internal/registry"
)

// FlowResolver maps an entry's site or URL to a flow.
type FlowResolver interface {
	Resolve(target string) (schemas.Flow, error)
}

// FlowRunner executes a resolved flow.
type FlowRunner interface {
	Run(ctx context.Context, flow schemas.Flow, params schemas.Parameters) schemas.ExecutionResult
}

// PasswordSource produces new passwords for entries that do not carry one.
type PasswordSource interface {
	Generate() (string, error)
}

// Skip reasons.
const (
	SkipBlocked   = "blocked"
	SkipNoFlow    = "no flow"
	SkipCancelled = "cancelled"
)

// Outcome is what happened to one entry.
type Outcome struct {
	Entry    credentials.Entry
	Result   schemas.ExecutionResult
	Attempts int
	// Generated is set when NewPassword was produced by the generator.
	Generated bool
	// Started is set once any attempt got a browser session and ran a step.
	Started    bool
	Skipped    bool
	SkipReason string
	// VaultErr is set when the password database rejected the new password.
	VaultErr error
}

// Unconfirmed reports whether a generated password reached the browser but
// the flow did not confirm the change. The site may already use it.
func (o Outcome) Unconfirmed() bool {
	return o.Generated && o.Started && !o.Skipped && !o.Result.Succeeded()
}

// started reports whether res came from a flow that reached the browser.
func started(res schemas.ExecutionResult) bool {
	if res.ErrorKind.Category() == schemas.CategoryConfiguration {
		return false
	}
	return res.StepsCompleted > 0 || res.FailedStepIndex != schemas.NoFailedStep
}

// Summary is the result of a whole batch, outcomes in entry order.
type Summary struct {
	RunID     string
	StartedAt time.Time
	Elapsed   time.Duration
	Outcomes  []Outcome
}

// Counts returns succeeded, failed and skipped totals.
func (s Summary) Counts() (succeeded, failed, skipped int) {
	for _, o := range s.Outcomes {
		switch {
		case o.Skipped:
			skipped++
		case o.Result.Succeeded():
			succeeded++
		default:
			failed++
		}
	}
	return succeeded, failed, skipped
}

// AllSucceeded reports whether every entry rotated successfully.
func (s Summary) AllSucceeded() bool {
	succeeded, _, _ := s.Counts()
	return succeeded == len(s.Outcomes)
}

// Results returns the execution results of the entries that ran.
func (s Summary) Results() []schemas.ExecutionResult {
	out := make([]schemas.ExecutionResult, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		if !o.Skipped {
			out = append(out, o.Result)
		}
	}
	return out
}

// Rotated returns the entries whose generated password is now live.
func (s Summary) Rotated() []credentials.Entry {
	var out []credentials.Entry
	for _, o := range s.Outcomes {
		if o.Generated && !o.Skipped && o.Result.Succeeded() {
			out = append(out, o.Entry)
		}
	}
	return out
}

// VaultFailures returns the rotated entries the password database did not
// accept.
func (s Summary) VaultFailures() []Outcome {
	var out []Outcome
	for _, o := range s.Outcomes {
		if o.VaultErr != nil {
			out = append(out, o)
		}
	}
	return out
}

// Pending returns the entries whose generated password may be live without
// confirmation. They carry both the old and the generated password.
func (s Summary) Pending() []credentials.Entry {
	var out []credentials.Entry
	for _, o := range s.Outcomes {
		if o.Unconfirmed() {
			out = append(out, o.Entry)
		}
	}
	return out
}

// Orchestrator runs batches. It is safe to reuse across batches.
type Orchestrator struct {
	logger      *zap.Logger
	resolver    FlowResolver
	runner      FlowRunner
	passwords   PasswordSource
	concurrency int
	launchRate  float64
	attempts    int
	vault       credentials.Vault
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithVault saves the new password of every successful rotation.
func WithVault(v credentials.Vault) Option {
	return func(o *Orchestrator) { o.vault = v }
}

// New creates an Orchestrator from the engine section of the configuration.
func New(logger *zap.Logger, resolver FlowResolver, runner FlowRunner, passwords PasswordSource, cfg config.EngineConfig, opts ...Option) (*Orchestrator, error) {
	if logger == nil || resolver == nil || runner == nil || passwords == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	o := &Orchestrator{
		logger:      logger.Named("orchestrator"),
		resolver:    resolver,
		runner:      runner,
		passwords:   passwords,
		concurrency: cfg.Concurrency,
		launchRate:  cfg.LaunchRate,
		attempts:    cfg.Attempts,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	if o.attempts < 1 {
		o.attempts = 1
	}
	return o, nil
}

// RunBatch processes every entry and returns once all of them finished. The
// error is the context's error when the batch was interrupted; entries that
// never started are reported as skipped.
func (o *Orchestrator) RunBatch(ctx context.Context, entries []credentials.Entry) (Summary, error) {
	summary := Summary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Outcomes:  make([]Outcome, len(entries)),
	}
	logger := o.logger.With(zap.String("run_id", summary.RunID))
	logger.Info("Batch starting.",
		zap.Int("entries", len(entries)),
		zap.Int("concurrency", o.concurrency),
		zap.Float64("launch_rate", o.launchRate),
		zap.Int("attempts", o.attempts))

	limit := rate.Inf
	if o.launchRate > 0 {
		limit = rate.Limit(o.launchRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, entry := range entries {
		if ctx.Err() != nil {
			summary.Outcomes[i] = skipped(entry, SkipCancelled)
			continue
		}
		g.Go(func() error {
			summary.Outcomes[i] = o.runEntry(ctx, logger, limiter, entry)
			return nil
		})
	}
	_ = g.Wait()

	summary.Elapsed = time.Since(summary.StartedAt)
	succeeded, failed, skippedN := summary.Counts()
	logger.Info("Batch finished.",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("skipped", skippedN),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, ctx.Err()
}

func (o *Orchestrator) runEntry(ctx context.Context, logger *zap.Logger, limiter *rate.Limiter, entry credentials.Entry) Outcome {
	logger = logger.With(zap.String("target", entry.Target()), zap.String("user", entry.Username))

	flow, err := o.resolver.Resolve(entry.Target())
	if err != nil {
		reason := err.Error()
		switch {
		case errors.Is(err, registry.ErrDomainBlocked):
			reason = SkipBlocked
		case errors.Is(err, registry.ErrFlowNotFound):
			reason = SkipNoFlow
		}
		logger.Warn("Entry skipped.", zap.String("reason", reason), zap.Error(err))
		return skipped(entry, reason)
	}

	out := Outcome{Entry: entry}
	if out.Entry.NewPassword == "" {
		pw, err := o.passwords.Generate()
		if err != nil {
			out.Result = engine.FailureResult(flow, &engine.StepError{
				Kind: schemas.ErrorKindMissingParameter, StepIndex: schemas.NoFailedStep,
				Err: fmt.Errorf("generate password: %w", err),
			}, time.Now())
			return out
		}
		out.Entry.NewPassword = pw
		out.Generated = true
	}
	params := out.Entry.Parameters()

	for out.Attempts < o.attempts {
		if err := limiter.Wait(ctx); err != nil {
			if out.Attempts == 0 {
				return skipped(entry, SkipCancelled)
			}
			break
		}
		out.Attempts++
		out.Result = o.runner.Run(ctx, flow, params)
		out.Started = out.Started || started(out.Result)
		if out.Result.Succeeded() || !retryable(out.Result) {
			break
		}
		logger.Info("Retrying entry.", zap.Int("attempt", out.Attempts), zap.String("error_kind", string(out.Result.ErrorKind)))
	}
	if out.Unconfirmed() {
		logger.Warn("Generated password may be active without confirmation.",
			zap.Int("attempts", out.Attempts), zap.String("error_kind", string(out.Result.ErrorKind)))
	}
	if o.vault != nil && out.Result.Succeeded() {
		// The site already changed; an interrupted batch still saves.
		if err := o.vault.Save(context.WithoutCancel(ctx), out.Entry); err != nil {
			out.VaultErr = err
			logger.Error("Failed to save new password to the password database.", zap.Error(err))
		} else {
			logger.Debug("New password saved to the password database.")
		}
	}
	return out
}

// retryable reports whether a whole-flow retry could help. Only mechanical
// failures qualify; a failed assertion or bad configuration will fail again.
func retryable(res schemas.ExecutionResult) bool {
	return res.ErrorKind.Category() == schemas.CategoryMechanical &&
		res.ErrorKind != schemas.ErrorKindUnsupportedSelector
}

func skipped(entry credentials.Entry, reason string) Outcome {
	return Outcome{
		Entry:      entry,
		Skipped:    true,
		SkipReason: reason,
		Result: schemas.ExecutionResult{
			SiteKey:         entry.Target(),
			FailedStepIndex: schemas.NoFailedStep,
			Message:         reason,
		},
	}
}
