// File: internal/engine/executor.go
// Description: The step interpreter. It walks a flow in declaration order,
// driving one session through the wait subsystem, and stops at the first failure.

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/api/schemas"
)

// StepObserver receives a callback after every step the executor attempts.
// err is nil for a completed step.
type StepObserver interface {
	StepFinished(siteKey string, index int, step schemas.Step, elapsed time.Duration, err error)
}

// Options tunes the executor. Zero values select the defaults.
type Options struct {
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	Observer       StepObserver
}

// Executor interprets flows. It holds no per-execution state and is safe for
// concurrent use; every call to Execute owns its own session.
type Executor struct {
	logger *zap.Logger
	opts   Options
}

// NewExecutor creates an Executor.
func NewExecutor(logger *zap.Logger, opts Options) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = schemas.DefaultStepTimeout
	}
	return &Executor{logger: logger.Named("executor"), opts: opts}
}

// session is the runtime state of one in-flight execution. It is never shared.
type session struct {
	driver       Driver
	params       schemas.Parameters
	currentFrame *int
	stepCursor   int
	startedAt    time.Time
}

// Execute runs flow against d with params and returns the single result of
// this execution. The caller owns d and is responsible for closing it.
func (e *Executor) Execute(ctx context.Context, flow schemas.Flow, params schemas.Parameters, d Driver) schemas.ExecutionResult {
	s := &session{driver: d, params: params, startedAt: time.Now()}
	logger := e.logger.With(zap.String("site", flow.SiteKey), zap.Int("steps", len(flow.Steps)))

	if err := Validate(flow, params); err != nil {
		logger.Warn("Flow rejected before execution", zap.Error(err))
		return e.failure(flow, s, err)
	}
	if d == nil {
		return e.failure(flow, s, &StepError{
			Kind: schemas.ErrorKindDriverUnavailable, StepIndex: schemas.NoFailedStep, Err: ErrDriverUnavailable,
		})
	}

	logger.Debug("Starting flow execution")
	for i, step := range flow.Steps {
		s.stepCursor = i
		if err := ctx.Err(); err != nil {
			return e.failure(flow, s, e.stepFailure(ctx, i, step, err))
		}

		stepStart := time.Now()
		err := e.runStep(ctx, s, step)
		if e.opts.Observer != nil {
			e.opts.Observer.StepFinished(flow.SiteKey, i, step, time.Since(stepStart), err)
		}
		if err != nil {
			se := e.stepFailure(ctx, i, step, err)
			logger.Info("Step failed",
				zap.Int("step_index", i),
				zap.String("step", se.Step),
				zap.String("error_kind", string(se.Kind)),
				zap.Error(se.Err))
			return e.failure(flow, s, se)
		}
		logger.Debug("Step completed",
			zap.Int("step_index", i),
			zap.String("step", step.Describe()),
			zap.Duration("elapsed", time.Since(stepStart)))
	}

	res := schemas.ExecutionResult{
		SiteKey:         flow.SiteKey,
		Status:          schemas.StatusSuccess,
		FailedStepIndex: schemas.NoFailedStep,
		StepsCompleted:  len(flow.Steps),
		StartedAt:       s.startedAt,
		Elapsed:         time.Since(s.startedAt),
	}
	logger.Info("Flow completed", zap.Duration("elapsed", res.Elapsed))
	return res
}

// stepFailure normalises any error from a step into a *StepError bound to
// index i. Once the caller's context is done the failure is a cancellation,
// whatever the driver made of it.
func (e *Executor) stepFailure(ctx context.Context, i int, step schemas.Step, err error) *StepError {
	var se *StepError
	if !errors.As(err, &se) {
		se = &StepError{Kind: classify(err), Err: err}
	}
	if ctx.Err() != nil {
		se.Kind = schemas.ErrorKindCancelled
		se.Expired = false
	}
	se.StepIndex = i
	se.Step = step.Describe()
	return se
}

func (e *Executor) failure(flow schemas.Flow, s *session, err error) schemas.ExecutionResult {
	return FailureResult(flow, err, s.startedAt)
}

// FailureResult converts err into the terminal result of an execution of flow
// that began at startedAt. Errors that are not a *StepError are classified
// and attributed to no step.
func FailureResult(flow schemas.Flow, err error, startedAt time.Time) schemas.ExecutionResult {
	var se *StepError
	if !errors.As(err, &se) {
		se = &StepError{Kind: classify(err), StepIndex: schemas.NoFailedStep, Err: err}
	}
	completed := se.StepIndex
	if completed < 0 {
		completed = 0
	}
	return schemas.ExecutionResult{
		SiteKey:         flow.SiteKey,
		Status:          se.Status(),
		FailedStepIndex: se.StepIndex,
		FailedStep:      se.Step,
		ErrorKind:       se.Kind,
		Message:         se.Err.Error(),
		StepsCompleted:  completed,
		StartedAt:       startedAt,
		Elapsed:         time.Since(startedAt),
	}
}

func (e *Executor) runStep(ctx context.Context, s *session, step schemas.Step) error {
	switch step.Kind {
	case schemas.StepNavigate:
		return e.navigate(ctx, s, step)
	case schemas.StepWaitForElement:
		_, err := e.awaitElement(ctx, s, step, step.Visible, schemas.ErrorKindTimeout)
		return err
	case schemas.StepClick:
		return e.click(ctx, s, step)
	case schemas.StepSetValue:
		return e.setValue(ctx, s, step)
	case schemas.StepSwitchFrame:
		return e.switchFrame(ctx, s, step)
	case schemas.StepAssertText:
		return e.assertText(ctx, s, step)
	case schemas.StepPause:
		return e.pause(ctx, step)
	}
	return newStepError(schemas.ErrorKindInvalidFlow, "unknown step kind %q", step.Kind)
}

// -- Step handlers --

func (e *Executor) navigate(ctx context.Context, s *session, step schemas.Step) error {
	url, _ := step.Value.Resolve(s.params)
	navCtx, cancel := context.WithTimeout(ctx, step.EffectiveTimeout(e.opts.DefaultTimeout))
	defer cancel()

	if err := s.driver.Navigate(navCtx, url); err != nil {
		if ctx.Err() == nil && errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return expiredError(schemas.ErrorKindTimeout, "navigation to %s timed out: %w", url, err)
		}
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	// A new document always starts at the top-level browsing context.
	s.currentFrame = nil
	return nil
}

// awaitElement runs the single wait phase of an element step and returns the
// first handle satisfying it. notFound is the kind reported when the selector
// never matched anything before the deadline.
func (e *Executor) awaitElement(ctx context.Context, s *session, step schemas.Step, visible bool, notFound schemas.ErrorKind) (ElementHandle, error) {
	var (
		target  ElementHandle
		matched bool
	)
	cond := func(ctx context.Context) (bool, error) {
		handles, err := Resolve(ctx, s.driver, step.Selector)
		if err != nil || len(handles) == 0 {
			return false, err
		}
		matched = true
		if !visible {
			target = handles[0]
			return true, nil
		}
		for _, h := range handles {
			ok, err := s.driver.IsVisible(ctx, h)
			if err != nil {
				if IsTransient(err) {
					continue
				}
				return false, err
			}
			if ok {
				target = h
				return true, nil
			}
		}
		return false, nil
	}

	timeout := step.EffectiveTimeout(e.opts.DefaultTimeout)
	out, err := Await(ctx, cond, timeout, e.opts.PollInterval)
	if err != nil {
		return nil, err
	}
	if out.TimedOut {
		if matched {
			return nil, expiredError(schemas.ErrorKindTimeout,
				"%s matched but no visible element within %s", step.Selector, timeout)
		}
		return nil, expiredError(notFound, "%s not found within %s%s", step.Selector, timeout, lastErrSuffix(out))
	}
	return target, nil
}

func (e *Executor) click(ctx context.Context, s *session, step schemas.Step) error {
	h, err := e.awaitElement(ctx, s, step, step.Visible, schemas.ErrorKindElementNotFound)
	if err != nil {
		return err
	}
	actCtx, cancel := context.WithTimeout(ctx, step.EffectiveTimeout(e.opts.DefaultTimeout))
	defer cancel()
	if err := s.driver.Click(actCtx, h); err != nil {
		return actionError("click", step, err)
	}
	return nil
}

func (e *Executor) setValue(ctx context.Context, s *session, step schemas.Step) error {
	text, _ := step.Value.Resolve(s.params)
	h, err := e.awaitElement(ctx, s, step, step.Visible, schemas.ErrorKindElementNotFound)
	if err != nil {
		return err
	}
	actCtx, cancel := context.WithTimeout(ctx, step.EffectiveTimeout(e.opts.DefaultTimeout))
	defer cancel()
	if err := s.driver.SetValue(actCtx, h, text); err != nil {
		return actionError("set value", step, err)
	}
	e.logger.Debug("Value set", zap.Stringer("selector", step.Selector), zap.Int("length", len(text)))
	return nil
}

func (e *Executor) switchFrame(ctx context.Context, s *session, step schemas.Step) error {
	if step.FrameIndex == nil {
		ctx, cancel := context.WithTimeout(ctx, step.EffectiveTimeout(e.opts.DefaultTimeout))
		defer cancel()
		if err := s.driver.SwitchToFrame(ctx, nil); err != nil {
			return fmt.Errorf("switch to top document: %w", err)
		}
		s.currentFrame = nil
		return nil
	}

	index := *step.FrameIndex
	cond := func(ctx context.Context) (bool, error) {
		if err := s.driver.SwitchToFrame(ctx, &index); err != nil {
			return false, err
		}
		return true, nil
	}
	timeout := step.EffectiveTimeout(e.opts.DefaultTimeout)
	out, err := Await(ctx, cond, timeout, e.opts.PollInterval)
	if err != nil {
		return err
	}
	if out.TimedOut {
		return expiredError(schemas.ErrorKindElementNotFound, "frame %d not available within %s%s", index, timeout, lastErrSuffix(out))
	}
	s.currentFrame = &index
	return nil
}

// assertText has a single wait phase: the element is present and its text
// matches. Running out of time with the element present is a verification
// failure carrying the last observed text.
func (e *Executor) assertText(ctx context.Context, s *session, step schemas.Step) error {
	expected, _ := step.Value.Resolve(s.params)
	var (
		observed string
		seen     bool
	)
	cond := func(ctx context.Context) (bool, error) {
		handles, err := Resolve(ctx, s.driver, step.Selector)
		if err != nil || len(handles) == 0 {
			return false, err
		}
		text, err := s.driver.Text(ctx, handles[0])
		if err != nil {
			return false, err
		}
		observed, seen = text, true
		return step.Match.Matches(text, expected), nil
	}

	timeout := step.EffectiveTimeout(e.opts.DefaultTimeout)
	out, err := Await(ctx, cond, timeout, e.opts.PollInterval)
	if err != nil {
		return err
	}
	if out.TimedOut {
		if seen {
			mode := step.Match
			if mode == "" {
				mode = schemas.MatchContains
			}
			want := fmt.Sprintf("%q", expected)
			if step.Value.IsRef() && step.Value.Ref.Secret() {
				want = step.Value.String()
			}
			return newStepError(schemas.ErrorKindAssertionFailed,
				"text of %s: want %s %s, got %q", step.Selector, mode, want, s.params.Mask(observed))
		}
		return expiredError(schemas.ErrorKindElementNotFound, "%s not found within %s%s", step.Selector, timeout, lastErrSuffix(out))
	}
	return nil
}

func (e *Executor) pause(ctx context.Context, step schemas.Step) error {
	d, err := ParseDuration(step.Value.Literal)
	if err != nil {
		return newStepError(schemas.ErrorKindInvalidFlow, "%v", err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// actionError classifies a failed click or setValue. The element was found
// a moment earlier, so a transient error means it went stale in between.
func actionError(action string, step schemas.Step, err error) error {
	if IsTransient(err) {
		return newStepError(schemas.ErrorKindElementNotFound, "%s %s: element went stale: %w", action, step.Selector, err)
	}
	return fmt.Errorf("%s %s: %w", action, step.Selector, err)
}

func lastErrSuffix(out WaitOutcome) string {
	if out.LastErr == nil {
		return ""
	}
	return fmt.Sprintf(" (last error: %v)", out.LastErr)
}
