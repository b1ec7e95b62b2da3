package schemas

import (
	"time"
)

// ExecutionStatus is the terminal state of one flow execution.
type ExecutionStatus string

const (
	StatusSuccess  ExecutionStatus = "success"
	StatusFailed   ExecutionStatus = "failed"
	StatusTimedOut ExecutionStatus = "timed_out"
)

// ErrorKind classifies why an execution stopped. The empty kind means no error.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindElementNotFound     ErrorKind = "element_not_found"
	ErrorKindTimeout             ErrorKind = "timeout"
	ErrorKindUnsupportedSelector ErrorKind = "unsupported_selector"
	ErrorKindMissingParameter    ErrorKind = "missing_parameter"
	ErrorKindAssertionFailed     ErrorKind = "assertion_failed"
	ErrorKindDriverUnavailable   ErrorKind = "driver_unavailable"
	ErrorKindCancelled           ErrorKind = "cancelled"
	ErrorKindInvalidFlow         ErrorKind = "invalid_flow"
)

// FailureCategory groups error kinds by who has to act on them.
type FailureCategory string

const (
	CategoryNone          FailureCategory = ""
	CategoryMechanical    FailureCategory = "mechanical"
	CategoryVerification  FailureCategory = "verification"
	CategoryConfiguration FailureCategory = "configuration"
	CategoryCancellation  FailureCategory = "cancellation"
)

// Category maps the kind to its failure category.
func (k ErrorKind) Category() FailureCategory {
	switch k {
	case ErrorKindElementNotFound, ErrorKindTimeout, ErrorKindUnsupportedSelector, ErrorKindDriverUnavailable:
		return CategoryMechanical
	case ErrorKindAssertionFailed:
		return CategoryVerification
	case ErrorKindMissingParameter, ErrorKindInvalidFlow:
		return CategoryConfiguration
	case ErrorKindCancelled:
		return CategoryCancellation
	}
	return CategoryNone
}

// NoFailedStep is the FailedStepIndex of executions that did not stop on a step.
const NoFailedStep = -1

// ExecutionResult is produced exactly once per execution and never mutated afterwards.
type ExecutionResult struct {
	ExecutionID     string          `json:"execution_id"`
	SiteKey         string          `json:"site_key"`
	Status          ExecutionStatus `json:"status"`
	FailedStepIndex int             `json:"failed_step_index"`
	FailedStep      string          `json:"failed_step,omitempty"`
	ErrorKind       ErrorKind       `json:"error_kind,omitempty"`
	Message         string          `json:"message,omitempty"`
	StepsCompleted  int             `json:"steps_completed"`
	StartedAt       time.Time       `json:"started_at"`
	Elapsed         time.Duration   `json:"elapsed"`
}

// Succeeded reports whether every step ran to completion.
func (r ExecutionResult) Succeeded() bool { return r.Status == StatusSuccess }
