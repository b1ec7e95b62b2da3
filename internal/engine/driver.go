package engine

import (
	"context"

	"github.com/xkilldash9x/passup/api/schemas"
)

// ElementHandle is an opaque reference to an element owned by a Driver.
// Handles are only valid for the driver that produced them.
type ElementHandle interface{}

// Driver is the browser session capability the executor consumes. It never
// manages process lifecycle; implementations own the browser tab.
//
// Errors returned from Find, IsVisible and Text that mean "not ready yet"
// (stale nodes, a document still loading) must be wrapped with Transient.
// Any other error is treated as fatal by the wait subsystem.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	// Find returns every element matching sel in the current frame scope.
	// No match is an empty slice and a nil error.
	Find(ctx context.Context, sel schemas.Selector) ([]ElementHandle, error)
	IsVisible(ctx context.Context, h ElementHandle) (bool, error)
	SetValue(ctx context.Context, h ElementHandle, text string) error
	Click(ctx context.Context, h ElementHandle) error
	// SwitchToFrame scopes later lookups to the index-th frame of the current
	// scope, or back to the top document when index is nil.
	SwitchToFrame(ctx context.Context, index *int) error
	Text(ctx context.Context, h ElementHandle) (string, error)
	Close(ctx context.Context) error
}

// StrategySupporter is implemented by drivers that cannot resolve every
// selector strategy. Resolution consults it before calling Find.
type StrategySupporter interface {
	SupportsStrategy(schemas.SelectorStrategy) bool
}
