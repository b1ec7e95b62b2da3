package engine_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/engine"
)

// -- Scripted fake driver --

// fakeElement is one element of the scripted document.
type fakeElement struct {
	selector schemas.Selector
	// frame is the frame index the element lives in; nil is the top document.
	frame *int
	// readyAfter is the number of Find calls for the selector that return
	// nothing before the element appears.
	readyAfter int
	hidden     bool
	text       string
}

type fakeHandle struct {
	el *fakeElement
}

type fakeDriver struct {
	mu          sync.Mutex
	elements    []*fakeElement
	frameCount  int
	scope       *int
	finds       map[schemas.Selector]int
	actions     []string
	totalCalls  int
	values      map[schemas.Selector]string
	unsupported map[schemas.SelectorStrategy]bool
	findErr     error
	clickErr    error
	navigateErr error
	closed      bool
}

func newFakeDriver(elements ...*fakeElement) *fakeDriver {
	return &fakeDriver{
		elements:    elements,
		finds:       make(map[schemas.Selector]int),
		values:      make(map[schemas.Selector]string),
		unsupported: make(map[schemas.SelectorStrategy]bool),
	}
}

func inFrame(i int) *int { return &i }

func sameFrame(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (d *fakeDriver) record(action string) {
	d.actions = append(d.actions, action)
}

func (d *fakeDriver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalCalls++
	if d.navigateErr != nil {
		return d.navigateErr
	}
	d.record("navigate " + url)
	d.scope = nil
	return nil
}

func (d *fakeDriver) Find(_ context.Context, sel schemas.Selector) ([]engine.ElementHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalCalls++
	if d.findErr != nil {
		return nil, d.findErr
	}
	d.finds[sel]++
	var out []engine.ElementHandle
	for _, el := range d.elements {
		if el.selector != sel || !sameFrame(el.frame, d.scope) {
			continue
		}
		if d.finds[sel] > el.readyAfter {
			out = append(out, fakeHandle{el: el})
		}
	}
	return out, nil
}

func (d *fakeDriver) IsVisible(_ context.Context, h engine.ElementHandle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalCalls++
	return !h.(fakeHandle).el.hidden, nil
}

func (d *fakeDriver) SetValue(_ context.Context, h engine.ElementHandle, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalCalls++
	el := h.(fakeHandle).el
	d.values[el.selector] = text
	d.record("setValue " + el.selector.Pattern)
	return nil
}

func (d *fakeDriver) Click(_ context.Context, h engine.ElementHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalCalls++
	if d.clickErr != nil {
		return d.clickErr
	}
	d.record("click " + h.(fakeHandle).el.selector.Pattern)
	return nil
}

func (d *fakeDriver) SwitchToFrame(_ context.Context, index *int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalCalls++
	if index == nil {
		d.scope = nil
		d.record("switchFrame top")
		return nil
	}
	if *index >= d.frameCount {
		return engine.Transient(fmt.Errorf("%w: %d", engine.ErrNoSuchFrame, *index))
	}
	i := *index
	d.scope = &i
	d.record(fmt.Sprintf("switchFrame %d", i))
	return nil
}

func (d *fakeDriver) Text(_ context.Context, h engine.ElementHandle) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalCalls++
	return h.(fakeHandle).el.text, nil
}

func (d *fakeDriver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) SupportsStrategy(s schemas.SelectorStrategy) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.unsupported[s]
}

func (d *fakeDriver) Actions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.actions...)
}

func (d *fakeDriver) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalCalls
}

func (d *fakeDriver) Value(sel schemas.Selector) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values[sel]
}
