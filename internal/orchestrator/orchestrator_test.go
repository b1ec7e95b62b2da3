// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/config"
	"github.com/xkilldash9x/passup/internal/credentials"
	"github.com/xkilldash9x/passup/internal/registry"
)

// -- Fakes --

type fakeResolver struct {
	flows   map[string]schemas.Flow
	blocked map[string]bool
}

func (f fakeResolver) Resolve(target string) (schemas.Flow, error) {
	if f.blocked[target] {
		return schemas.Flow{}, fmt.Errorf("%w: %q", registry.ErrDomainBlocked, target)
	}
	flow, ok := f.flows[target]
	if !ok {
		return schemas.Flow{}, fmt.Errorf("%w: %q", registry.ErrFlowNotFound, target)
	}
	return flow, nil
}

// fakeRunner returns scripted results per user name, in call order, and
// tracks the peak number of concurrent runs.
type fakeRunner struct {
	mu       sync.Mutex
	scripts  map[string][]schemas.ExecutionResult
	calls    map[string]int
	params   map[string]schemas.Parameters
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		scripts: map[string][]schemas.ExecutionResult{},
		calls:   map[string]int{},
		params:  map[string]schemas.Parameters{},
	}
}

func (f *fakeRunner) Run(ctx context.Context, flow schemas.Flow, params schemas.Parameters) schemas.ExecutionResult {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.params[params.UserName] = params
	call := f.calls[params.UserName]
	f.calls[params.UserName]++
	script := f.scripts[params.UserName]
	if call < len(script) {
		res := script[call]
		res.SiteKey = flow.SiteKey
		return res
	}
	return schemas.ExecutionResult{SiteKey: flow.SiteKey, Status: schemas.StatusSuccess, FailedStepIndex: schemas.NoFailedStep}
}

type counterPasswords struct {
	n   atomic.Int32
	err error
}

func (c *counterPasswords) Generate() (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return fmt.Sprintf("generated-%d", c.n.Add(1)), nil
}

// -- Fixtures --

var siteFlow = schemas.Flow{SiteKey: "example.com", Steps: []schemas.Step{schemas.Navigate(schemas.RefValue(schemas.ParamURL))}}

func resolver() fakeResolver {
	return fakeResolver{
		flows:   map[string]schemas.Flow{"https://example.com": siteFlow, "example.com": siteFlow},
		blocked: map[string]bool{"https://blocked.test": true},
	}
}

func entry(user string) credentials.Entry {
	return credentials.Entry{URL: "https://example.com", Username: user, OldPassword: "old"}
}

func newTestOrchestrator(t *testing.T, run FlowRunner, pw PasswordSource, cfg config.EngineConfig) *Orchestrator {
	t.Helper()
	o, err := New(zaptest.NewLogger(t), resolver(), run, pw, cfg)
	require.NoError(t, err)
	return o
}

// -- Tests --

func TestNew(t *testing.T) {
	_, err := New(zap.NewNop(), nil, newFakeRunner(), &counterPasswords{}, config.EngineConfig{})
	assert.Error(t, err)

	o, err := New(zap.NewNop(), resolver(), newFakeRunner(), &counterPasswords{}, config.EngineConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, o.concurrency)
	assert.Equal(t, 1, o.attempts)
}

func TestRunBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	run := newFakeRunner()
	run.scripts["bob"] = []schemas.ExecutionResult{{
		Status: schemas.StatusFailed, ErrorKind: schemas.ErrorKindAssertionFailed, FailedStepIndex: 3,
	}}
	pw := &counterPasswords{}
	o := newTestOrchestrator(t, run, pw, config.EngineConfig{Concurrency: 2, Attempts: 3})

	withPassword := entry("carol")
	withPassword.NewPassword = "chosen-by-carol"
	blocked := credentials.Entry{URL: "https://blocked.test", Username: "dave", OldPassword: "x"}
	unknown := credentials.Entry{URL: "https://unknown.test", Username: "erin", OldPassword: "x"}

	summary, err := o.RunBatch(context.Background(), []credentials.Entry{entry("alice"), entry("bob"), withPassword, blocked, unknown})
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 5)
	assert.NotEmpty(t, summary.RunID)

	alice, bob, carol, dave, erin := summary.Outcomes[0], summary.Outcomes[1], summary.Outcomes[2], summary.Outcomes[3], summary.Outcomes[4]

	assert.True(t, alice.Result.Succeeded())
	assert.True(t, alice.Generated)
	assert.Equal(t, 1, alice.Attempts)
	assert.Contains(t, alice.Entry.NewPassword, "generated-")
	assert.Equal(t, alice.Entry.NewPassword, run.params["alice"].NewPassword)

	assert.Equal(t, schemas.ErrorKindAssertionFailed, bob.Result.ErrorKind)
	assert.Equal(t, 1, bob.Attempts, "verification failures are not retried")

	assert.False(t, carol.Generated)
	assert.Equal(t, "chosen-by-carol", run.params["carol"].NewPassword)

	assert.True(t, dave.Skipped)
	assert.Equal(t, SkipBlocked, dave.SkipReason)
	assert.True(t, erin.Skipped)
	assert.Equal(t, SkipNoFlow, erin.SkipReason)

	succeeded, failed, skippedN := summary.Counts()
	assert.Equal(t, []int{2, 1, 2}, []int{succeeded, failed, skippedN})
	assert.False(t, summary.AllSucceeded())
	assert.Len(t, summary.Results(), 3)

	rotated := summary.Rotated()
	require.Len(t, rotated, 1)
	assert.Equal(t, "alice", rotated[0].Username)
}

func TestRunBatchRetriesMechanicalFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	run := newFakeRunner()
	timedOut := schemas.ExecutionResult{Status: schemas.StatusTimedOut, ErrorKind: schemas.ErrorKindTimeout, FailedStepIndex: 2}
	run.scripts["alice"] = []schemas.ExecutionResult{timedOut, timedOut}
	run.scripts["bob"] = []schemas.ExecutionResult{timedOut, timedOut, timedOut, timedOut}

	o := newTestOrchestrator(t, run, &counterPasswords{}, config.EngineConfig{Concurrency: 2, Attempts: 3})
	summary, err := o.RunBatch(context.Background(), []credentials.Entry{entry("alice"), entry("bob")})
	require.NoError(t, err)

	assert.True(t, summary.Outcomes[0].Result.Succeeded())
	assert.Equal(t, 3, summary.Outcomes[0].Attempts)
	assert.Equal(t, schemas.StatusTimedOut, summary.Outcomes[1].Result.Status)
	assert.Equal(t, 3, summary.Outcomes[1].Attempts)
	assert.False(t, summary.AllSucceeded())
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	run := newFakeRunner()
	run.delay = 20 * time.Millisecond
	o := newTestOrchestrator(t, run, &counterPasswords{}, config.EngineConfig{Concurrency: 3, Attempts: 1})

	entries := make([]credentials.Entry, 12)
	for i := range entries {
		entries[i] = entry(fmt.Sprintf("user%d", i))
	}
	summary, err := o.RunBatch(context.Background(), entries)
	require.NoError(t, err)
	assert.True(t, summary.AllSucceeded())
	assert.LessOrEqual(t, run.peak.Load(), int32(3))
	assert.Greater(t, run.peak.Load(), int32(1))
}

func TestRunBatchThrottlesLaunches(t *testing.T) {
	defer goleak.VerifyNone(t)

	run := newFakeRunner()
	o := newTestOrchestrator(t, run, &counterPasswords{}, config.EngineConfig{Concurrency: 4, LaunchRate: 20, Attempts: 1})

	entries := []credentials.Entry{entry("a"), entry("b"), entry("c"), entry("d"), entry("e")}
	start := time.Now()
	_, err := o.RunBatch(context.Background(), entries)
	require.NoError(t, err)
	// Burst of one, then 50ms between launches.
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestRunBatchCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	run := newFakeRunner()
	run.delay = 5 * time.Second
	o := newTestOrchestrator(t, run, &counterPasswords{}, config.EngineConfig{Concurrency: 1, LaunchRate: 0.5, Attempts: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	summary, err := o.RunBatch(ctx, []credentials.Entry{entry("a"), entry("b"), entry("c")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, summary.Outcomes, 3)

	assert.False(t, summary.Outcomes[0].Skipped, "the first launch is not throttled")
	for _, out := range summary.Outcomes[1:] {
		assert.True(t, out.Skipped)
		assert.Equal(t, SkipCancelled, out.SkipReason)
	}
}

func TestRunBatchGeneratorFailure(t *testing.T) {
	run := newFakeRunner()
	o := newTestOrchestrator(t, run, &counterPasswords{err: errors.New("entropy exhausted")}, config.EngineConfig{Concurrency: 1, Attempts: 1})

	summary, err := o.RunBatch(context.Background(), []credentials.Entry{entry("a")})
	require.NoError(t, err)
	out := summary.Outcomes[0]
	assert.Equal(t, schemas.StatusFailed, out.Result.Status)
	assert.Equal(t, schemas.ErrorKindMissingParameter, out.Result.ErrorKind)
	assert.Zero(t, out.Attempts)
	assert.Empty(t, run.calls)
}

func TestRunBatchKeepsUnconfirmedPasswords(t *testing.T) {
	defer goleak.VerifyNone(t)

	run := newFakeRunner()
	run.scripts["late"] = []schemas.ExecutionResult{{
		Status: schemas.StatusFailed, ErrorKind: schemas.ErrorKindAssertionFailed,
		FailedStepIndex: 12, StepsCompleted: 12,
	}}
	timedOut := schemas.ExecutionResult{Status: schemas.StatusTimedOut, ErrorKind: schemas.ErrorKindTimeout, FailedStepIndex: 9, StepsCompleted: 9}
	noDriver := schemas.ExecutionResult{Status: schemas.StatusFailed, ErrorKind: schemas.ErrorKindDriverUnavailable, FailedStepIndex: schemas.NoFailedStep}
	run.scripts["nobrowser"] = []schemas.ExecutionResult{noDriver, noDriver}
	run.scripts["retried"] = []schemas.ExecutionResult{timedOut, noDriver}

	chosen := entry("chosen")
	chosen.NewPassword = "picked-by-user"
	run.scripts["chosen"] = run.scripts["late"]

	o := newTestOrchestrator(t, run, &counterPasswords{}, config.EngineConfig{Concurrency: 2, Attempts: 2})
	summary, err := o.RunBatch(context.Background(), []credentials.Entry{entry("late"), entry("nobrowser"), entry("retried"), chosen})
	require.NoError(t, err)

	late, nobrowser, retried, picked := summary.Outcomes[0], summary.Outcomes[1], summary.Outcomes[2], summary.Outcomes[3]
	assert.True(t, late.Unconfirmed())
	assert.False(t, nobrowser.Unconfirmed(), "the browser never saw the password")
	assert.Equal(t, 2, retried.Attempts)
	assert.True(t, retried.Unconfirmed(), "an earlier attempt reached the page")
	assert.False(t, picked.Unconfirmed(), "the user already knows a chosen password")

	pending := summary.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "late", pending[0].Username)
	assert.Equal(t, run.params["late"].NewPassword, pending[0].NewPassword)
	assert.Equal(t, "old", pending[0].OldPassword)
	assert.Equal(t, "retried", pending[1].Username)
	assert.Empty(t, summary.Rotated())
}

type fakeVault struct {
	mu    sync.Mutex
	saved []credentials.Entry
	err   map[string]error
}

func (v *fakeVault) Save(ctx context.Context, e credentials.Entry) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.err[e.Username]; err != nil {
		return err
	}
	v.saved = append(v.saved, e)
	return nil
}

func TestRunBatchSavesToVault(t *testing.T) {
	defer goleak.VerifyNone(t)

	run := newFakeRunner()
	run.scripts["failed"] = []schemas.ExecutionResult{{
		Status: schemas.StatusFailed, ErrorKind: schemas.ErrorKindAssertionFailed, FailedStepIndex: 3, StepsCompleted: 3,
	}}
	chosen := entry("chosen")
	chosen.NewPassword = "picked-by-user"
	vault := &fakeVault{err: map[string]error{"locked": errors.New("gpg: decryption failed")}}

	o, err := New(zaptest.NewLogger(t), resolver(), run, &counterPasswords{}, config.EngineConfig{Concurrency: 1, Attempts: 1}, WithVault(vault))
	require.NoError(t, err)
	summary, err := o.RunBatch(context.Background(), []credentials.Entry{entry("ok"), entry("failed"), chosen, entry("locked")})
	require.NoError(t, err)

	require.Len(t, vault.saved, 2, "only successful rotations are saved")
	assert.Equal(t, "ok", vault.saved[0].Username)
	assert.Equal(t, run.params["ok"].NewPassword, vault.saved[0].NewPassword)
	assert.Equal(t, "picked-by-user", vault.saved[1].NewPassword)

	failures := summary.VaultFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "locked", failures[0].Entry.Username)
	assert.True(t, failures[0].Result.Succeeded(), "the site change itself stands")
	assert.ErrorContains(t, failures[0].VaultErr, "decryption failed")
}
