package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/engine"
)

var validate = validator.New()

// ParseError reports a problem in a flow file together with its location.
type ParseError struct {
	Source  string
	Line    int
	SiteKey string
	Err     error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString(e.Source)
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
	}
	if e.SiteKey != "" {
		fmt.Fprintf(&b, " (%s)", e.SiteKey)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// lineError carries the line of the node that failed to decode.
type lineError struct {
	line int
	err  error
}

func (e *lineError) Error() string { return e.err.Error() }
func (e *lineError) Unwrap() error { return e.err }

func errAt(node *yaml.Node, format string, args ...any) error {
	return &lineError{line: node.Line, err: fmt.Errorf(format, args...)}
}

// -- Documents --

// flowDoc is one site entry of a flow file.
type flowDoc struct {
	Description string      `yaml:"description" validate:"max=200"`
	Defaults    stepDefault `yaml:"defaults"`
	Steps       []stepDoc   `yaml:"steps" validate:"required,min=1,dive"`
}

// stepDefault applies to every step of a flow that does not set the key itself.
type stepDefault struct {
	Timeout durationDoc `yaml:"timeout"`
	Visible bool        `yaml:"visible"`
}

var flowKeys = map[string]bool{"description": true, "defaults": true, "steps": true}

func (d *flowDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errAt(node, "flow must be a mapping with a steps list")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if key := node.Content[i]; !flowKeys[key.Value] {
			return errAt(key, "unknown flow key %q", key.Value)
		}
	}
	type plain flowDoc
	return node.Decode((*plain)(d))
}

// stepDoc is a single step. Exactly one action key names its kind; the
// remaining keys are modifiers.
type stepDoc struct {
	Kind     schemas.StepKind `validate:"required"`
	Selector selectorDoc
	Value    *string
	Frame    *int
	Timeout  durationDoc
	Visible  *bool
	Match    string `default:"contains" validate:"oneof=contains equals"`
	Label    string `validate:"max=120"`
	Line     int
}

func (d *stepDoc) UnmarshalYAML(node *yaml.Node) error {
	d.Line = node.Line
	if node.Kind != yaml.MappingNode {
		return errAt(node, "step must be a mapping")
	}

	var inline *string
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var err error
		switch key.Value {
		case "value":
			var s string
			err = val.Decode(&s)
			d.Value = &s
		case "timeout":
			err = val.Decode(&d.Timeout)
		case "visible":
			var b bool
			err = val.Decode(&b)
			d.Visible = &b
		case "match":
			err = val.Decode(&d.Match)
		case "label":
			err = val.Decode(&d.Label)
		default:
			kind := schemas.StepKind(key.Value)
			if !kind.Valid() {
				return errAt(key, "unknown step key %q", key.Value)
			}
			if d.Kind != "" {
				return errAt(key, "step has two actions: %s and %s", d.Kind, kind)
			}
			d.Kind = kind
			inline, err = d.decodeAction(val)
		}
		if err != nil {
			var le *lineError
			if errors.As(err, &le) {
				return err
			}
			return errAt(val, "%s: %v", key.Value, err)
		}
	}

	if d.Kind == "" {
		return errAt(node, "step has no action (one of %v)", schemas.StepKinds)
	}
	if inline != nil {
		if d.Value != nil {
			return errAt(node, "%s takes its argument inline, not as value", d.Kind)
		}
		d.Value = inline
	}
	return defaults.Set(d)
}

// decodeAction reads the argument of the action key. Navigate and pause take
// a scalar, returned as the step value.
func (d *stepDoc) decodeAction(val *yaml.Node) (*string, error) {
	switch d.Kind {
	case schemas.StepNavigate, schemas.StepPause:
		if val.Kind != yaml.ScalarNode {
			return nil, errAt(val, "%s expects a scalar", d.Kind)
		}
		s := val.Value
		return &s, nil
	case schemas.StepSwitchFrame:
		if val.Tag == "!!null" {
			d.Frame = nil
			return nil, nil
		}
		var idx int
		if err := val.Decode(&idx); err != nil {
			return nil, errAt(val, "switchFrame expects a frame index or null")
		}
		d.Frame = &idx
		return nil, nil
	default:
		return nil, val.Decode(&d.Selector)
	}
}

func (d stepDoc) toStep(def stepDefault) schemas.Step {
	step := schemas.Step{
		Kind:       d.Kind,
		Selector:   d.Selector.Selector,
		FrameIndex: d.Frame,
		Label:      d.Label,
		Timeout:    def.Timeout.Duration,
	}
	if d.Value != nil {
		step.Value = schemas.ParseValue(*d.Value)
	}
	if d.Timeout.set {
		step.Timeout = d.Timeout.Duration
	}
	switch d.Kind {
	case schemas.StepWaitForElement, schemas.StepClick, schemas.StepSetValue:
		step.Visible = def.Visible
		if d.Visible != nil {
			step.Visible = *d.Visible
		}
	case schemas.StepAssertText:
		step.Match = schemas.MatchMode(d.Match)
	}
	return step
}

// selectorDoc accepts either a bare CSS string or a single-key mapping naming
// the strategy.
type selectorDoc struct {
	schemas.Selector
}

func (s *selectorDoc) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		s.Selector = schemas.CSS(node.Value)
		return nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return errAt(node, "selector must name exactly one strategy (one of %v)", schemas.Strategies)
		}
		key, val := node.Content[0], node.Content[1]
		strategy := schemas.SelectorStrategy(key.Value)
		if !strategy.Valid() {
			return errAt(key, "%w: %q", engine.ErrUnsupportedSelector, key.Value)
		}
		if val.Kind != yaml.ScalarNode || strings.TrimSpace(val.Value) == "" {
			return errAt(val, "selector pattern must be a non-empty string")
		}
		s.Selector = schemas.Selector{Strategy: strategy, Pattern: val.Value}
		return nil
	}
	return errAt(node, "selector must be a string or a mapping")
}

// durationDoc is a Go duration string or an integer number of milliseconds.
type durationDoc struct {
	time.Duration
	set bool
}

func (t *durationDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errAt(node, "duration must be a scalar")
	}
	d, err := engine.ParseDuration(node.Value)
	if err != nil {
		return errAt(node, "%v", err)
	}
	t.Duration, t.set = d, true
	return nil
}

// -- Decoding --

// parseFlows decodes a flow file into flows in document order.
func parseFlows(data []byte, source string) ([]schemas.Flow, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ParseError{Source: source, Err: err}
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, &ParseError{Source: source, Line: doc.Line, Err: fmt.Errorf("flow file must map site keys to flows")}
	}

	flows := make([]schemas.Flow, 0, len(doc.Content)/2)
	for i := 0; i+1 < len(doc.Content); i += 2 {
		keyNode, flowNode := doc.Content[i], doc.Content[i+1]
		siteKey := NormalizeSiteKey(keyNode.Value)
		fail := func(line int, err error) error {
			return &ParseError{Source: source, Line: line, SiteKey: siteKey, Err: err}
		}

		if err := validate.Var(siteKey, "required,hostname_rfc1123"); err != nil {
			return nil, fail(keyNode.Line, fmt.Errorf("site key %q is not a host name", keyNode.Value))
		}

		var fd flowDoc
		if err := flowNode.Decode(&fd); err != nil {
			line := flowNode.Line
			var le *lineError
			if errors.As(err, &le) {
				line = le.line
			}
			return nil, fail(line, err)
		}
		if err := validate.Struct(fd); err != nil {
			return nil, fail(flowNode.Line, describeValidation(err))
		}

		flow := schemas.Flow{SiteKey: siteKey, Description: fd.Description, Source: source}
		for _, sd := range fd.Steps {
			flow.Steps = append(flow.Steps, sd.toStep(fd.Defaults))
		}
		if err := engine.ValidateFlow(flow); err != nil {
			line := flowNode.Line
			var se *engine.StepError
			if errors.As(err, &se) && se.StepIndex >= 0 {
				line = fd.Steps[se.StepIndex].Line
			}
			return nil, fail(line, err)
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid flow: %s", strings.Join(msgs, "; "))
}
