// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/internal/config"
	"github.com/xkilldash9x/passup/internal/engine"
)

const (
	browserStartTimeout = 60 * time.Second
	shutdownGracePeriod = 15 * time.Second
)

// Manager owns one Chrome process and hands out isolated tabs as Sessions.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc

	browserCtx    context.Context
	browserCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.RWMutex
	// wg tracks open sessions so Shutdown can wait for them.
	wg sync.WaitGroup

	initOnce sync.Once
	initErr  error
}

// NewManager prepares the allocator. Chrome itself is started lazily by the
// first NewSession call.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), DefaultAllocatorOptions(cfg)...)
	m := &Manager{
		cfg:         cfg,
		logger:      logger.Named("browser_manager"),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		sessions:    make(map[string]*Session),
	}
	m.logger.Debug("Browser manager created (initialization deferred).", zap.Bool("headless", cfg.Headless))
	return m
}

// initialize starts the browser process once.
func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser.")
		var opts []chromedp.ContextOption
		if m.cfg.Debug {
			opts = append(opts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
		}
		opts = append(opts, chromedp.WithErrorf(m.logger.Sugar().Errorf))

		m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx, opts...)
		// The first Run on a fresh context launches the process; it must not be
		// bound to ctx or a cancelled caller would kill the shared browser.
		if err := m.runBounded(ctx, m.browserCtx, browserStartTimeout); err != nil {
			m.browserCancel()
			m.initErr = fmt.Errorf("failed to launch browser: %w", err)
			return
		}
		m.logger.Info("Browser launched.")
	})
	return m.initErr
}

// runBounded performs the first Run on target, giving up when ctx is done or
// after timeout without cancelling target itself.
func (m *Manager) runBounded(ctx, target context.Context, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(target) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("browser did not respond within %s", timeout)
	}
}

// NewSession opens a fresh tab in the shared browser.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	if err := m.runBounded(ctx, tabCtx, browserStartTimeout); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	m.wg.Add(1)
	var session *Session
	session = NewSession(tabCtx, tabCancel, m.cfg.NavigationTimeout, m.cfg.ActionTimeout, m.logger, func() {
		m.mu.Lock()
		delete(m.sessions, session.ID())
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", session.ID()))
	})

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()

	m.logger.Debug("New session created.", zap.String("session_id", session.ID()))
	return session, nil
}

// NewDriver satisfies the runner's driver factory.
func (m *Manager) NewDriver(ctx context.Context) (engine.Driver, error) {
	s, err := m.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrDriverUnavailable, err)
	}
	return s, nil
}

// ActiveSessions reports the number of open tabs.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every session and then the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	for _, s := range open {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("Error during session close in shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	if m.browserCtx != nil {
		// Cancel gracefully closes the browser when the context owns it.
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		_ = m.runCancel(closeCtx)
	}
	m.allocCancel()

	m.logger.Info("Browser manager shutdown complete.")
	return nil
}

func (m *Manager) runCancel(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(m.browserCtx) }()
	select {
	case err := <-done:
		if err != nil {
			m.logger.Warn("Failed to close browser cleanly.", zap.Error(err))
		}
		return err
	case <-ctx.Done():
		m.browserCancel()
		return ctx.Err()
	}
}
