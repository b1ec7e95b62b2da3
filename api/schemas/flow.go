// File: api/schemas/flow.go
// Description: The declarative flow model. Flows and steps are built once at
// configuration load and are read-only afterwards.

package schemas

import (
	"fmt"
	"strings"
	"time"
)

// DefaultStepTimeout bounds every wait phase whose step does not name its own timeout.
const DefaultStepTimeout = 10 * time.Second

// -- Selectors --

// SelectorStrategy names how a selector pattern is interpreted by the driver.
type SelectorStrategy string

const (
	StrategyCSS             SelectorStrategy = "css"
	StrategyLinkTextPartial SelectorStrategy = "linkTextPartial"
	StrategyID              SelectorStrategy = "id"
)

// Strategies lists every strategy in a stable order.
var Strategies = []SelectorStrategy{StrategyCSS, StrategyLinkTextPartial, StrategyID}

// Valid reports whether the strategy is one the engine knows how to resolve.
func (s SelectorStrategy) Valid() bool {
	switch s {
	case StrategyCSS, StrategyLinkTextPartial, StrategyID:
		return true
	}
	return false
}

// Selector is an opaque pattern tagged with a strategy. It is compared by value.
type Selector struct {
	Strategy SelectorStrategy `json:"strategy" yaml:"strategy"`
	Pattern  string           `json:"pattern" yaml:"pattern"`
}

// CSS returns a css selector.
func CSS(pattern string) Selector { return Selector{Strategy: StrategyCSS, Pattern: pattern} }

// LinkText returns a selector matching anchors whose visible text contains pattern.
func LinkText(pattern string) Selector {
	return Selector{Strategy: StrategyLinkTextPartial, Pattern: pattern}
}

// ByID returns a selector matching the element id attribute.
func ByID(pattern string) Selector { return Selector{Strategy: StrategyID, Pattern: pattern} }

// IsZero reports whether the selector is unset.
func (s Selector) IsZero() bool { return s.Strategy == "" && s.Pattern == "" }

func (s Selector) String() string {
	if s.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s=%q", s.Strategy, s.Pattern)
}

// -- Parameters --

// ParamName identifies one of the runtime parameters a flow may reference.
type ParamName string

const (
	ParamURL         ParamName = "url"
	ParamUserName    ParamName = "userName"
	ParamOldPassword ParamName = "oldPassword"
	ParamNewPassword ParamName = "newPassword"
)

// Valid reports whether the name is a known parameter.
func (p ParamName) Valid() bool {
	switch p {
	case ParamURL, ParamUserName, ParamOldPassword, ParamNewPassword:
		return true
	}
	return false
}

// Secret reports whether values bound to this name must never be logged or persisted.
func (p ParamName) Secret() bool {
	return p == ParamOldPassword || p == ParamNewPassword
}

// Parameters carries the already-resolved values for one execution.
type Parameters struct {
	URL         string
	UserName    string
	OldPassword string
	NewPassword string
}

// Lookup returns the value bound to name. Empty values count as absent.
func (p Parameters) Lookup(name ParamName) (string, bool) {
	var v string
	switch name {
	case ParamURL:
		v = p.URL
	case ParamUserName:
		v = p.UserName
	case ParamOldPassword:
		v = p.OldPassword
	case ParamNewPassword:
		v = p.NewPassword
	}
	return v, v != ""
}

// Mask replaces every secret value occurring in s with its ${name} reference.
func (p Parameters) Mask(s string) string {
	for _, name := range []ParamName{ParamOldPassword, ParamNewPassword} {
		if v, ok := p.Lookup(name); ok {
			s = strings.ReplaceAll(s, v, "${"+string(name)+"}")
		}
	}
	return s
}

// String keeps passwords out of logs and error messages.
func (p Parameters) String() string {
	return fmt.Sprintf("Parameters{url:%q userName:%q oldPassword:%s newPassword:%s}",
		p.URL, p.UserName, redact(p.OldPassword), redact(p.NewPassword))
}

// GoString covers %#v.
func (p Parameters) GoString() string { return p.String() }

func redact(s string) string {
	if s == "" {
		return "<unset>"
	}
	return "<redacted>"
}

// -- Values --

// Value is either a literal string or a reference to a Parameters field.
// References are resolved at execution time and never stored resolved.
type Value struct {
	Literal string    `json:"literal,omitempty" yaml:"literal,omitempty"`
	Ref     ParamName `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// LiteralValue wraps a literal string.
func LiteralValue(s string) Value { return Value{Literal: s} }

// RefValue references a parameter by name.
func RefValue(name ParamName) Value { return Value{Ref: name} }

// IsRef reports whether the value is a parameter reference.
func (v Value) IsRef() bool { return v.Ref != "" }

// IsZero reports whether neither a literal nor a reference is set.
func (v Value) IsZero() bool { return v.Ref == "" && v.Literal == "" }

// Resolve returns the concrete string for this value. The boolean is false
// when a referenced parameter is absent.
func (v Value) Resolve(p Parameters) (string, bool) {
	if v.IsRef() {
		return p.Lookup(v.Ref)
	}
	return v.Literal, true
}

func (v Value) String() string {
	if v.IsRef() {
		return "${" + string(v.Ref) + "}"
	}
	return fmt.Sprintf("%q", v.Literal)
}

// ParseValue interprets the textual form used in flow files: "${name}" is a
// reference, "$${" escapes a literal "${", everything else is a literal.
func ParseValue(s string) Value {
	if strings.HasPrefix(s, "$${") {
		return LiteralValue(s[1:])
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) > 3 {
		return RefValue(ParamName(s[2 : len(s)-1]))
	}
	return LiteralValue(s)
}

// -- Steps --

// StepKind tags the action a step performs.
type StepKind string

const (
	StepNavigate       StepKind = "navigate"
	StepWaitForElement StepKind = "waitFor"
	StepClick          StepKind = "click"
	StepSetValue       StepKind = "setValue"
	StepSwitchFrame    StepKind = "switchFrame"
	StepAssertText     StepKind = "assertText"
	StepPause          StepKind = "pause"
)

// StepKinds lists every step kind in a stable order.
var StepKinds = []StepKind{
	StepNavigate, StepWaitForElement, StepClick, StepSetValue,
	StepSwitchFrame, StepAssertText, StepPause,
}

// Valid reports whether the kind is known.
func (k StepKind) Valid() bool {
	for _, known := range StepKinds {
		if k == known {
			return true
		}
	}
	return false
}

// MatchMode selects how AssertText compares the observed text.
type MatchMode string

const (
	MatchContains MatchMode = "contains"
	MatchEquals   MatchMode = "equals"
)

// Matches applies the mode to an observed and expected text.
func (m MatchMode) Matches(observed, expected string) bool {
	if m == MatchEquals {
		return strings.TrimSpace(observed) == strings.TrimSpace(expected)
	}
	return strings.Contains(observed, expected)
}

// Step is one intent-level instruction of a flow.
type Step struct {
	Kind     StepKind `json:"kind" yaml:"kind"`
	Selector Selector `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value    Value    `json:"value,omitempty" yaml:"value,omitempty"`
	// Timeout of zero means DefaultStepTimeout (or the executor's configured default).
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// FrameIndex is only meaningful for SwitchFrame. Nil selects the top document.
	FrameIndex *int      `json:"frame_index,omitempty" yaml:"frame_index,omitempty"`
	Visible    bool      `json:"visible,omitempty" yaml:"visible,omitempty"`
	Match      MatchMode `json:"match,omitempty" yaml:"match,omitempty"`
	Label      string    `json:"label,omitempty" yaml:"label,omitempty"`
}

// Navigate loads a URL.
func Navigate(v Value) Step { return Step{Kind: StepNavigate, Value: v} }

// WaitFor waits until sel matches at least one element.
func WaitFor(sel Selector) Step { return Step{Kind: StepWaitForElement, Selector: sel} }

// WaitVisible waits until sel matches a visible element.
func WaitVisible(sel Selector) Step {
	return Step{Kind: StepWaitForElement, Selector: sel, Visible: true}
}

// Click clicks the first element matching sel.
func Click(sel Selector) Step { return Step{Kind: StepClick, Selector: sel} }

// SetValue writes v into the first element matching sel.
func SetValue(sel Selector, v Value) Step { return Step{Kind: StepSetValue, Selector: sel, Value: v} }

// SwitchFrame scopes later resolutions to the index-th frame of the current document.
func SwitchFrame(index int) Step { return Step{Kind: StepSwitchFrame, FrameIndex: &index} }

// SwitchToTop returns resolution scope to the top document.
func SwitchToTop() Step { return Step{Kind: StepSwitchFrame} }

// AssertText checks the text of the first element matching sel.
func AssertText(sel Selector, expected Value, mode MatchMode) Step {
	return Step{Kind: StepAssertText, Selector: sel, Value: expected, Match: mode}
}

// Pause sleeps for d.
func Pause(d time.Duration) Step { return Step{Kind: StepPause, Value: LiteralValue(d.String())} }

// WithTimeout returns a copy of the step with its wait timeout set.
func (s Step) WithTimeout(d time.Duration) Step {
	s.Timeout = d
	return s
}

// WithLabel returns a copy of the step carrying a human readable label.
func (s Step) WithLabel(label string) Step {
	s.Label = label
	return s
}

// EffectiveTimeout returns the step timeout, falling back to def.
func (s Step) EffectiveTimeout(def time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	if def > 0 {
		return def
	}
	return DefaultStepTimeout
}

// Describe renders the step for logs and reports. Values of secret
// parameters are shown by reference only, so the output is always safe.
func (s Step) Describe() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	switch s.Kind {
	case StepNavigate, StepPause:
		b.WriteString(" " + s.Value.String())
	case StepSwitchFrame:
		if s.FrameIndex == nil {
			b.WriteString(" top")
		} else {
			fmt.Fprintf(&b, " %d", *s.FrameIndex)
		}
	default:
		b.WriteString(" " + s.Selector.String())
		if !s.Value.IsZero() {
			b.WriteString(" " + s.Value.String())
		}
	}
	if s.Label != "" {
		b.WriteString(" (" + s.Label + ")")
	}
	return b.String()
}

// -- Flows --

// Flow is the ordered sequence of steps for one site.
type Flow struct {
	SiteKey     string `json:"site_key" yaml:"site_key"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
	// Source records where the flow was loaded from.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// ParamRefs returns the distinct parameters the flow references, in first-use order.
func (f Flow) ParamRefs() []ParamName {
	seen := make(map[ParamName]struct{})
	var refs []ParamName
	for _, st := range f.Steps {
		if !st.Value.IsRef() {
			continue
		}
		if _, ok := seen[st.Value.Ref]; ok {
			continue
		}
		seen[st.Value.Ref] = struct{}{}
		refs = append(refs, st.Value.Ref)
	}
	return refs
}
