// internal/browser/interaction.go
package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/internal/engine"
)

// Page-side helpers. Each is invoked with the element bound to `this`.
const (
	jsIsVisible = `function() {
	if (!this.isConnected) { return false; }
	const view = this.ownerDocument.defaultView;
	const style = view ? view.getComputedStyle(this) : null;
	if (style && (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0')) { return false; }
	const rect = this.getBoundingClientRect();
	return rect.width > 0 && rect.height > 0;
}`

	jsInnerText = `function() {
	return (this.innerText || this.textContent || '').trim();
}`

	jsContainsText = `function(p) {
	return (this.innerText || this.textContent || '').includes(p);
}`

	jsClearValue = `function() {
	this.focus();
	if ('value' in this) { this.value = ''; } else if (this.isContentEditable) { this.textContent = ''; }
	this.dispatchEvent(new Event('input', { bubbles: true }));
	return true;
}`

	jsCommitValue = `function() {
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`
)

// IsVisible reports whether the element is rendered with a non-empty box.
func (s *Session) IsVisible(ctx context.Context, h engine.ElementHandle) (bool, error) {
	var visible bool
	if err := s.callOn(ctx, h, "visibility", jsIsVisible, &visible); err != nil {
		return false, err
	}
	return visible, nil
}

// Text returns the element's rendered text, trimmed.
func (s *Session) Text(ctx context.Context, h engine.ElementHandle) (string, error) {
	var text string
	if err := s.callOn(ctx, h, "text", jsInnerText, &text); err != nil {
		return "", err
	}
	return text, nil
}

// Click scrolls the element into view and dispatches a left click at its center.
func (s *Session) Click(ctx context.Context, h engine.ElementHandle) error {
	node, err := s.node(h)
	if err != nil {
		return err
	}
	s.logger.Debug("Clicking element.", zap.String("node", nodeName(node)))

	err = s.run(ctx, s.actionTimeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return dom.ScrollIntoViewIfNeeded().WithBackendNodeID(node.BackendNodeID).Do(ctx)
		}),
		chromedp.MouseClickNode(node),
	)
	if err != nil {
		return s.wrapErr(ctx, "click", err)
	}
	return nil
}

// SetValue replaces the element's value with text the way typing would:
// the field is cleared, focused, filled through the input domain and then
// committed with a change event.
func (s *Session) SetValue(ctx context.Context, h engine.ElementHandle, text string) error {
	node, err := s.node(h)
	if err != nil {
		return err
	}

	err = s.run(ctx, s.actionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var ok bool
		if err := callOnNode(ctx, node, jsClearValue, &ok); err != nil {
			return err
		}
		if err := dom.Focus().WithBackendNodeID(node.BackendNodeID).Do(ctx); err != nil {
			return err
		}
		if text != "" {
			if err := input.InsertText(text).Do(ctx); err != nil {
				return err
			}
		}
		return callOnNode(ctx, node, jsCommitValue, &ok)
	}))
	if err != nil {
		// The value itself never goes into the error.
		return s.wrapErr(ctx, "set value", err)
	}
	return nil
}

// filterByText keeps the nodes whose rendered text contains pattern.
func (s *Session) filterByText(ctx context.Context, nodes []*cdp.Node, pattern string) ([]*cdp.Node, error) {
	if len(nodes) == 0 {
		return nodes, nil
	}
	matched := make([]*cdp.Node, 0, len(nodes))
	err := s.run(ctx, s.actionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, n := range nodes {
			var ok bool
			if err := callOnNode(ctx, n, jsContainsText, &ok, pattern); err != nil {
				return err
			}
			if ok {
				matched = append(matched, n)
			}
		}
		return nil
	}))
	if err != nil {
		return nil, s.wrapErr(ctx, "link text", err)
	}
	return matched, nil
}

func (s *Session) callOn(ctx context.Context, h engine.ElementHandle, op, fn string, res interface{}) error {
	node, err := s.node(h)
	if err != nil {
		return err
	}
	err = s.run(ctx, s.actionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		return callOnNode(ctx, node, fn, res)
	}))
	if err != nil {
		return s.wrapErr(ctx, op, err)
	}
	return nil
}

// callOnNode invokes fn with the node bound to `this` and decodes the return
// value into res.
func callOnNode(ctx context.Context, node *cdp.Node, fn string, res interface{}, args ...interface{}) error {
	obj, err := dom.ResolveNode().WithBackendNodeID(node.BackendNodeID).Do(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// Fails once the page navigated away; the object is gone then anyway.
		_ = runtime.ReleaseObject(obj.ObjectID).Do(ctx)
	}()
	return chromedp.CallFunctionOn(fn, res,
		func(p *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
			return p.WithObjectID(obj.ObjectID)
		},
		args...,
	).Do(ctx)
}

func (s *Session) node(h engine.ElementHandle) (*cdp.Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	node, ok := h.(*cdp.Node)
	if !ok || node == nil {
		return nil, fmt.Errorf("handle %T does not belong to a CDP session", h)
	}
	return node, nil
}

func nodeName(n *cdp.Node) string {
	name := strings.ToLower(n.LocalName)
	if id := n.AttributeValue("id"); id != "" {
		name += "#" + id
	}
	return name
}
