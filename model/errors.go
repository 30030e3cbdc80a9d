package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Workflow-engine error codes.
const (
	ErrDefinitionNotFound   = "DEFINITION_NOT_FOUND"
	ErrDefinitionInvalid    = "DEFINITION_INVALID"
	ErrFormNotFound         = "FORM_NOT_FOUND"
	ErrValidationError      = "VALIDATION_ERROR"
	ErrFieldMissing         = "FIELD_MISSING"
	ErrTaskAlreadyCompleted = "TASK_ALREADY_COMPLETED"
	ErrIncompatibleState    = "INCOMPATIBLE_STATE"
	ErrExternalService      = "EXTERNAL_SERVICE_ERROR"
)

// ErrorEnvelope is the standard error shape returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code of err, or INTERNAL_ERROR for any
// other error type.
func CodeOf(err error) string {
	if ee, ok := err.(*ErrorEnvelope); ok {
		return ee.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewDefinitionNotFoundError returns a DEFINITION_NOT_FOUND error.
func NewDefinitionNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDefinitionNotFound, Message: msg}
}

// NewDefinitionInvalidError returns a DEFINITION_INVALID error with
// per-location details.
func NewDefinitionInvalidError(msg string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDefinitionInvalid, Message: msg, Details: details}
}

// NewFormNotFoundError returns a FORM_NOT_FOUND error.
func NewFormNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrFormNotFound, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more form fields are invalid",
		Details: details,
	}
}

// NewFieldMissingError returns a FIELD_MISSING error for a required form
// field that was absent from the submitted variables.
func NewFieldMissingError(field string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrFieldMissing,
		Message: fmt.Sprintf("required field %q is missing", field),
		Details: []FieldError{{Field: field, Code: "REQUIRED", Message: "field is required"}},
	}
}

// NewTaskAlreadyCompletedError returns a TASK_ALREADY_COMPLETED error.
// Callers should treat this as "someone else already acted", not retry.
func NewTaskAlreadyCompletedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTaskAlreadyCompleted, Message: msg}
}

// NewIncompatibleStateError returns an INCOMPATIBLE_STATE error for a
// serialized execution state that cannot be resumed against the current
// process graph.
func NewIncompatibleStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIncompatibleState, Message: msg}
}

// NewExternalServiceError returns an EXTERNAL_SERVICE_ERROR.
func NewExternalServiceError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExternalService, Message: msg}
}
