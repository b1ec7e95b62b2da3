package engine

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/passup/api/schemas"
)

// Resolve looks up every element matching sel in the driver's current frame
// scope. It never waits; an empty result is not an error.
func Resolve(ctx context.Context, d Driver, sel schemas.Selector) ([]ElementHandle, error) {
	if !sel.Strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSelector, sel.Strategy)
	}
	if s, ok := d.(StrategySupporter); ok && !s.SupportsStrategy(sel.Strategy) {
		return nil, fmt.Errorf("%w: driver cannot resolve %q", ErrUnsupportedSelector, sel.Strategy)
	}
	handles, err := d.Find(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", sel, err)
	}
	return handles, nil
}
