package engine

import (
	"errors"
	"fmt"
)

// ErrorClass drives retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient marks failures worth retrying, such as step
	// timeouts or dropped connections.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict marks state collisions, such as registering a
	// module or handler target twice.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent marks failures no retry can fix, such as an
	// invalid playbook or a policy denial.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is the classified error the engine reports. Every failure
// that crosses a package boundary is wrapped in one so callers can branch
// on Class and Code instead of matching message text.
//
//nolint:revive // the name keeps classified errors distinct from stdlib errors at call sites
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message describes the failure.
	Message string `json:"message"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code,omitempty"`

	// Step is the step target that failed, when one is involved.
	Step string `json:"step,omitempty"`

	// Stage is the stage being executed when the failure happened.
	Stage string `json:"stage,omitempty"`

	// Err is the wrapped cause.
	Err error `json:"-"`

	// Details carries extra context for rendering and debugging.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error renders the class, message, step and stage scope, and the cause.
func (e *EngineError) Error() string {
	scope := ""
	switch {
	case e.Step != "" && e.Stage != "":
		scope = fmt.Sprintf(" (step=%s, stage=%s)", e.Step, e.Stage)
	case e.Step != "":
		scope = fmt.Sprintf(" (step=%s)", e.Step)
	}

	cause := ""
	if e.Err != nil {
		cause = ": " + e.Err.Error()
	}

	return fmt.Sprintf("[%s] %s%s%s", e.Class, e.Message, scope, cause)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewTransientError wraps err as a retryable failure.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewConflictError wraps err as a state collision.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError wraps err as a failure no retry can fix.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// WithStep records the failing step target.
func (e *EngineError) WithStep(target string) *EngineError {
	e.Step = target
	return e
}

// WithStage records the stage being executed.
func (e *EngineError) WithStage(stage string) *EngineError {
	e.Stage = stage
	return e
}

// WithCode attaches an error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches one key of extra context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// hasClass reports whether the chain carries an EngineError of the given
// class.
func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == class
}

// IsTransient reports whether the error is classified as retryable.
func IsTransient(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// IsConflict reports whether the error is classified as a state collision.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsPermanent reports whether the error is classified as permanent.
func IsPermanent(err error) bool {
	return hasClass(err, ErrorClassPermanent)
}

// IsTimeout reports whether the error carries the step timeout code.
func IsTimeout(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == ErrCodeStepTimeout
}

// ErrorCode extracts the classified code from an error chain, or "" when the
// chain carries no EngineError.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeMissingDependency = "MISSING_DEPENDENCY"
	ErrCodeUnknownTarget     = "UNKNOWN_TARGET"
	ErrCodeStepTimeout       = "STEP_TIMEOUT"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeRollbackFailed    = "ROLLBACK_FAILED"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeStoreFailure      = "STORE_FAILURE"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
