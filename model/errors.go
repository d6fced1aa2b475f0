package model

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Engine error codes.
const (
	ErrStructural         = "STRUCTURAL"
	ErrTraceLimit         = "TRACE_LIMIT"
	ErrSubprocessExists   = "SUBPROCESS_EXISTS"
	ErrStepLimit          = "STEP_LIMIT"
	ErrDataInputMissing   = "DATA_INPUT_MISSING"
	ErrDataOutputMissing  = "DATA_OUTPUT_MISSING"
	ErrEvaluationFailed   = "EVALUATION_FAILED"
	ErrNoDecision         = "NO_DECISION"
	ErrNoMatchingFlow     = "NO_MATCHING_FLOW"
	ErrSerialization      = "SERIALIZATION"
	ErrVersionUnsupported = "VERSION_UNSUPPORTED"
	ErrStoreUnavailable   = "STORE_UNAVAILABLE"
)

// WorkflowError is the error type raised by the engine. Errors raised while
// operating on a task carry the task reference and its diagnostic trace.
type WorkflowError struct {
	Code     string       `json:"code"`
	Message  string       `json:"message"`
	Details  []FieldError `json:"details,omitempty"`
	TaskID   string       `json:"task_id,omitempty"`
	TaskName string       `json:"task_name,omitempty"`
	Trace    []string     `json:"trace,omitempty"`
	Notes    []string     `json:"notes,omitempty"`
	Line     int          `json:"line,omitempty"`
	Offset   int          `json:"offset,omitempty"`
	Cause    error        `json:"-"`
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.TaskName != "" {
		fmt.Fprintf(&b, " (task %s)", e.TaskName)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	for _, note := range e.Notes {
		b.WriteString(" ")
		b.WriteString(note)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// AddNote appends a free-text note.
func (e *WorkflowError) AddNote(note string) {
	if note != "" {
		e.Notes = append(e.Notes, note)
	}
}

// DataError is raised when data cannot cross a subprocess boundary. Input or
// Output names the missing variable.
type DataError struct {
	*WorkflowError
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// Unwrap exposes the embedded WorkflowError to errors.As.
func (e *DataError) Unwrap() error {
	return e.WorkflowError
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsWorkflowError returns the first WorkflowError in err's chain.
func AsWorkflowError(err error) (*WorkflowError, bool) {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// HasCode reports whether err's chain contains a WorkflowError with code.
func HasCode(err error, code string) bool {
	for err != nil {
		var we *WorkflowError
		if !errors.As(err, &we) {
			return false
		}
		if we.Code == code {
			return true
		}
		err = we.Cause
	}
	return false
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *WorkflowError {
	return &WorkflowError{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *WorkflowError {
	return &WorkflowError{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *WorkflowError {
	return &WorkflowError{
		Code:    ErrValidationError,
		Message: "One or more definitions are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(from, to TaskState) *WorkflowError {
	return &WorkflowError{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("cannot transition from %s to %s", from, to),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError(msg string) *WorkflowError {
	return &WorkflowError{Code: ErrInternalError, Message: msg}
}

// NewStructuralError returns a STRUCTURAL error for a corrupted instance graph.
func NewStructuralError(msg string) *WorkflowError {
	return &WorkflowError{Code: ErrStructural, Message: msg}
}

// NewSerializationError returns a SERIALIZATION error.
func NewSerializationError(msg string, cause error) *WorkflowError {
	return &WorkflowError{Code: ErrSerialization, Message: msg, Cause: cause}
}

// EvaluationError is returned by an Evaluator when an expression cannot be
// compiled or evaluated. Undefined is set when the failure is a reference to
// a name missing from the data context.
type EvaluationError struct {
	Expression string
	Message    string
	Undefined  string
	Line       int
	Column     int
	Cause      error
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("evaluate %q at %d:%d: %s", e.Expression, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("evaluate %q: %s", e.Expression, e.Message)
}

// Unwrap returns the underlying cause.
func (e *EvaluationError) Unwrap() error {
	return e.Cause
}
