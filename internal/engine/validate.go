package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/passup/api/schemas"
)

// ValidateFlow checks the structure of a flow without looking at parameters.
// The first problem found is returned as a *StepError of kind InvalidFlow or
// UnsupportedSelector.
func ValidateFlow(flow schemas.Flow) error {
	if strings.TrimSpace(flow.SiteKey) == "" {
		return &StepError{Kind: schemas.ErrorKindInvalidFlow, StepIndex: schemas.NoFailedStep,
			Err: fmt.Errorf("flow has no site key")}
	}
	if len(flow.Steps) == 0 {
		return &StepError{Kind: schemas.ErrorKindInvalidFlow, StepIndex: schemas.NoFailedStep,
			Err: fmt.Errorf("flow %q has no steps", flow.SiteKey)}
	}
	for i, step := range flow.Steps {
		if se := validateStep(step); se != nil {
			se.StepIndex = i
			se.Step = step.Describe()
			return se
		}
	}
	return nil
}

func validateStep(step schemas.Step) *StepError {
	if step.Timeout < 0 {
		return newStepError(schemas.ErrorKindInvalidFlow, "negative timeout %s", step.Timeout)
	}
	if step.Value.IsRef() && !step.Value.Ref.Valid() {
		return newStepError(schemas.ErrorKindInvalidFlow, "unknown parameter %q", step.Value.Ref)
	}

	switch step.Kind {
	case schemas.StepNavigate:
		if step.Value.IsZero() {
			return newStepError(schemas.ErrorKindInvalidFlow, "navigate needs a url")
		}
	case schemas.StepWaitForElement, schemas.StepClick:
		return validateSelector(step.Selector)
	case schemas.StepSetValue, schemas.StepAssertText:
		if se := validateSelector(step.Selector); se != nil {
			return se
		}
		if step.Value.IsZero() {
			return newStepError(schemas.ErrorKindInvalidFlow, "%s needs a value", step.Kind)
		}
		if step.Match != "" && step.Match != schemas.MatchContains && step.Match != schemas.MatchEquals {
			return newStepError(schemas.ErrorKindInvalidFlow, "unknown match mode %q", step.Match)
		}
	case schemas.StepSwitchFrame:
		if step.FrameIndex != nil && *step.FrameIndex < 0 {
			return newStepError(schemas.ErrorKindInvalidFlow, "negative frame index %d", *step.FrameIndex)
		}
	case schemas.StepPause:
		if step.Value.IsRef() {
			return newStepError(schemas.ErrorKindInvalidFlow, "pause duration must be a literal")
		}
		if _, err := ParseDuration(step.Value.Literal); err != nil {
			return newStepError(schemas.ErrorKindInvalidFlow, "%v", err)
		}
	default:
		return newStepError(schemas.ErrorKindInvalidFlow, "unknown step kind %q", step.Kind)
	}
	return nil
}

func validateSelector(sel schemas.Selector) *StepError {
	if sel.IsZero() || sel.Pattern == "" {
		return newStepError(schemas.ErrorKindInvalidFlow, "missing selector")
	}
	if !sel.Strategy.Valid() {
		return newStepError(schemas.ErrorKindUnsupportedSelector, "%w: %q", ErrUnsupportedSelector, sel.Strategy)
	}
	return nil
}

// ValidateParameters checks that every parameter the flow references is bound.
// It touches no driver, so a typo in a flow fails before any browser work.
func ValidateParameters(flow schemas.Flow, params schemas.Parameters) error {
	for i, step := range flow.Steps {
		if !step.Value.IsRef() {
			continue
		}
		if _, ok := params.Lookup(step.Value.Ref); !ok {
			return &StepError{
				Kind:      schemas.ErrorKindMissingParameter,
				StepIndex: i,
				Step:      step.Describe(),
				Err:       fmt.Errorf("parameter %q is not set", step.Value.Ref),
			}
		}
	}
	return nil
}

// Validate runs ValidateFlow then ValidateParameters.
func Validate(flow schemas.Flow, params schemas.Parameters) error {
	if err := ValidateFlow(flow); err != nil {
		return err
	}
	return ValidateParameters(flow, params)
}

const maxDurationMillis = math.MaxInt64 / int64(time.Millisecond)

// ParseDuration accepts a Go duration ("2s", "1500ms") or a bare integer number
// of milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return d, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if ms > maxDurationMillis {
		return 0, fmt.Errorf("duration %q out of range", s)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
