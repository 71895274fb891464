package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeBusinessRule ErrorType = "BUSINESS_RULE_VIOLATION"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidWindow    ErrorCode = "INVALID_WINDOW"
	ErrCodeInvalidReason    ErrorCode = "INVALID_REASON"
	ErrCodeInvalidDecision  ErrorCode = "INVALID_DECISION"

	ErrCodeBusinessRules ErrorCode = "BUSINESS_RULES_VIOLATED"
	ErrCodeDailyCap      ErrorCode = "DAILY_CAP_EXCEEDED"
	ErrCodeWeeklyCap     ErrorCode = "WEEKLY_CAP_EXCEEDED"
	ErrCodePastDeadline  ErrorCode = "SUBMISSION_PAST_DEADLINE"

	ErrCodeWindowOverlap     ErrorCode = "WINDOW_OVERLAP"
	ErrCodeVersionMismatch   ErrorCode = "VERSION_MISMATCH"
	ErrCodeStepAlreadyClosed ErrorCode = "STEP_ALREADY_DECIDED"
	ErrCodeStepNotActive     ErrorCode = "STEP_NOT_ACTIVE"
	ErrCodeChainClosed       ErrorCode = "APPROVAL_CHAIN_CLOSED"
	ErrCodeInvalidStatus     ErrorCode = "INVALID_REQUEST_STATUS"
	ErrCodeKeyInFlight       ErrorCode = "IDEMPOTENCY_KEY_IN_FLIGHT"
	ErrCodeKeyReused         ErrorCode = "IDEMPOTENCY_KEY_REUSED"

	ErrCodeRequestNotFound ErrorCode = "REQUEST_NOT_FOUND"
	ErrCodeStepNotFound    ErrorCode = "APPROVAL_STEP_NOT_FOUND"
	ErrCodeNotYourStep     ErrorCode = "NOT_ASSIGNED_APPROVER"
	ErrCodeNotOwner        ErrorCode = "NOT_REQUEST_OWNER"

	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired ErrorCode = "TOKEN_EXPIRED"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if ruleErrors, ok := e.Details.(RuleViolations); ok && len(ruleErrors.Violations) > 0 {
			return ruleErrors.Violations[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if ruleErrors, ok := e.Details.(RuleViolations); ok && len(ruleErrors.Violations) > 0 {
			messages := make([]string, len(ruleErrors.Violations))
			for i, v := range ruleErrors.Violations {
				messages[i] = v.Message
			}
			return strings.Join(messages, "; ")
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// RuleViolation describes one violated overtime policy rule. A submission that
// breaks several rules at once reports every violation, not just the first.
type RuleViolation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type RuleViolations struct {
	Violations []RuleViolation `json:"violations"`
}

// ConflictDetails carries enough state for a caller to refresh and retry.
type ConflictDetails struct {
	OverlappingIDs  []int64 `json:"overlapping_ids,omitempty"`
	ExpectedVersion *int64  `json:"expected_version,omitempty"`
	ActualVersion   *int64  `json:"actual_version,omitempty"`
	CurrentStatus   string  `json:"current_status,omitempty"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: RuleViolations{
			Violations: []RuleViolation{
				{Rule: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewBusinessRuleError(violations []RuleViolation) *AppError {
	return &AppError{
		Type:       ErrorTypeBusinessRule,
		Code:       ErrCodeBusinessRules,
		Message:    "one or more overtime policy rules were violated",
		StatusCode: http.StatusUnprocessableEntity,
		Details:    RuleViolations{Violations: violations},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewOverlapConflict(overlappingIDs []int64) *AppError {
	return NewConflictError("requested window overlaps an existing overtime request", ErrCodeWindowOverlap).
		WithDetails(ConflictDetails{OverlappingIDs: overlappingIDs})
}

func NewVersionConflict(expected, actual int64) *AppError {
	return NewConflictError("request was modified concurrently, refresh and retry", ErrCodeVersionMismatch).
		WithDetails(ConflictDetails{ExpectedVersion: &expected, ActualVersion: &actual})
}

func NewStatusConflict(currentStatus string, code ErrorCode) *AppError {
	return NewConflictError("operation not allowed in current status", code).
		WithDetails(ConflictDetails{CurrentStatus: currentStatus})
}

var (
	ErrRequestNotFound = NewNotFoundError("overtime request not found", ErrCodeRequestNotFound)
	ErrStepNotFound    = NewNotFoundError("approval step not found", ErrCodeStepNotFound)
	ErrNotYourStep     = NewForbiddenError("actor is not the assigned approver for this step", ErrCodeNotYourStep)
	ErrNotOwner        = NewForbiddenError("actor does not own this overtime request", ErrCodeNotOwner)

	ErrInvalidToken = NewUnauthorizedError("Invalid token", ErrCodeInvalidToken)
	ErrTokenExpired = NewUnauthorizedError("Token has expired", ErrCodeTokenExpired)
)

func IsAppError(err error) (*AppError, bool) {
	if appErr, ok := err.(*AppError); ok {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
