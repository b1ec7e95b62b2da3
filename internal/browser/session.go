// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/engine"
)

const (
	defaultNavigationTimeout = 90 * time.Second
	defaultActionTimeout     = 5 * time.Second
)

// Session is one browser tab driven through CDP. It implements engine.Driver;
// element handles are *cdp.Node values scoped to the current frame.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	navTimeout    time.Duration
	actionTimeout time.Duration

	mu sync.Mutex
	// frame is the iframe node lookups are scoped to; nil is the top document.
	frame     *cdp.Node
	framePath []int
	isClosed  bool
	onClose   func()
}

var (
	_ engine.Driver            = (*Session)(nil)
	_ engine.StrategySupporter = (*Session)(nil)
)

// NewSession wraps an already allocated tab context.
func NewSession(ctx context.Context, cancel context.CancelFunc, navTimeout, actionTimeout time.Duration, logger *zap.Logger, onClose func()) *Session {
	if navTimeout <= 0 {
		navTimeout = defaultNavigationTimeout
	}
	if actionTimeout <= 0 {
		actionTimeout = defaultActionTimeout
	}
	id := uuid.New().String()
	return &Session{
		id:            id,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With(zap.String("session_id", id)),
		navTimeout:    navTimeout,
		actionTimeout: actionTimeout,
		onClose:       onClose,
	}
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string { return s.id }

// SupportsStrategy reports true for every strategy: link text is matched in
// page script.
func (s *Session) SupportsStrategy(strategy schemas.SelectorStrategy) bool {
	return strategy.Valid()
}

// Navigate loads url in the top document and resets the frame scope.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	navCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	defer cancel()

	s.logger.Debug("Navigating.", zap.String("url", url))
	if err := s.run(navCtx, 0, chromedp.Navigate(url)); err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("navigation to %s timed out after %s: %w", url, s.navTimeout, context.DeadlineExceeded)
		}
		return s.wrapErr(ctx, "navigate", err)
	}

	s.mu.Lock()
	s.frame = nil
	s.framePath = nil
	s.mu.Unlock()
	return nil
}

// Find resolves sel inside the current frame scope without waiting.
func (s *Session) Find(ctx context.Context, sel schemas.Selector) ([]engine.ElementHandle, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var query string
	switch sel.Strategy {
	case schemas.StrategyCSS:
		query = sel.Pattern
	case schemas.StrategyID:
		query = "[id=" + cssString(sel.Pattern) + "]"
	case schemas.StrategyLinkTextPartial:
		query = "a"
	default:
		return nil, fmt.Errorf("%w: %q", engine.ErrUnsupportedSelector, sel.Strategy)
	}

	nodes, err := s.queryAll(ctx, query)
	if err != nil {
		return nil, err
	}
	if sel.Strategy == schemas.StrategyLinkTextPartial {
		nodes, err = s.filterByText(ctx, nodes, sel.Pattern)
		if err != nil {
			return nil, err
		}
	}

	handles := make([]engine.ElementHandle, len(nodes))
	for i, n := range nodes {
		handles[i] = n
	}
	return handles, nil
}

// queryAll returns every node matching the css query in the current scope.
func (s *Session) queryAll(ctx context.Context, query string) ([]*cdp.Node, error) {
	opts := []chromedp.QueryOption{chromedp.ByQueryAll, chromedp.AtLeast(0)}
	if frame := s.currentFrame(); frame != nil {
		opts = append(opts, chromedp.FromNode(frame))
	}
	var nodes []*cdp.Node
	if err := s.run(ctx, s.actionTimeout, chromedp.Nodes(query, &nodes, opts...)); err != nil {
		return nil, s.wrapErr(ctx, "query "+query, err)
	}
	return nodes, nil
}

// SwitchToFrame scopes lookups to the index-th frame of the current scope.
// A frame that does not exist yet is a transient condition.
func (s *Session) SwitchToFrame(ctx context.Context, index *int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if index == nil {
		s.mu.Lock()
		s.frame = nil
		s.framePath = nil
		s.mu.Unlock()
		return nil
	}

	frames, err := s.queryAll(ctx, "iframe, frame")
	if err != nil {
		return err
	}
	if *index < 0 || *index >= len(frames) {
		return engine.Transient(fmt.Errorf("%w: index %d of %d", engine.ErrNoSuchFrame, *index, len(frames)))
	}

	s.mu.Lock()
	s.frame = frames[*index]
	s.framePath = append(s.framePath, *index)
	path := append([]int(nil), s.framePath...)
	s.mu.Unlock()
	s.logger.Debug("Switched frame.", zap.Ints("frame_path", path))
	return nil
}

func (s *Session) currentFrame() *cdp.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Close terminates the tab. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")
	if s.cancel != nil {
		s.cancel()
	}
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	closed := s.isClosed
	s.mu.Unlock()
	if closed || s.ctx.Err() != nil {
		return fmt.Errorf("session %s: %w", s.id, engine.ErrDriverUnavailable)
	}
	return nil
}

// run executes actions bounded by the session lifetime, the caller's context
// and, when positive, timeout.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}
	return chromedp.Run(runCtx, actions...)
}

// wrapErr maps a CDP failure onto the engine's error vocabulary.
func (s *Session) wrapErr(ctx context.Context, op string, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case s.ctx.Err() != nil, errors.Is(err, chromedp.ErrInvalidContext):
		return fmt.Errorf("%s: %w: %w", op, engine.ErrDriverUnavailable, err)
	case isStaleNode(err):
		return engine.Transient(fmt.Errorf("%s: %w: %w", op, engine.ErrStaleElement, err))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Only the per-call action timeout can be left at this point.
		return engine.Transient(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

var staleMessages = []string{
	"no node with given id",
	"could not find node with given id",
	"node with given id does not belong to the document",
	"cannot find context with specified id",
	"node is detached",
	"execution context was destroyed",
}

func isStaleNode(err error) bool {
	msg := err.Error()
	var cdpErr *cdproto.Error
	if errors.As(err, &cdpErr) {
		msg = cdpErr.Message
	}
	msg = strings.ToLower(msg)
	for _, m := range staleMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// cssString quotes s as a CSS string literal.
func cssString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\a `)
	return `"` + r.Replace(s) + `"`
}
