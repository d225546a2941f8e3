// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrState        = errors.New("invalid state")
	ErrConflict     = errors.New("state conflict")
	ErrChronology   = errors.New("chronology violation")
	ErrIntegrity    = errors.New("integrity violation")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// RuleError is a domain error carrying a machine-readable code. It unwraps to
// one of the sentinel kinds above so RespondError can pick the status.
type RuleError struct {
	Kind   error
	Code   string
	Detail string
}

// Rule builds a RuleError.
func Rule(kind error, code, detail string) *RuleError {
	return &RuleError{Kind: kind, Code: code, Detail: detail}
}

func (e *RuleError) Error() string {
	return e.Detail
}

func (e *RuleError) Unwrap() error {
	return e.Kind
}

// CodeOf extracts the machine-readable code from err, if any.
func CodeOf(err error) string {
	var rule *RuleError
	if errors.As(err, &rule) {
		return rule.Code
	}
	return ""
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	code := CodeOf(err)
	switch {
	case errors.Is(err, ErrNotFound):
		problem(w, http.StatusNotFound, "Not Found", err.Error(), code)
	case errors.Is(err, ErrDuplicate):
		problem(w, http.StatusConflict, "Duplicate", err.Error(), code)
	case errors.Is(err, ErrValidation):
		problem(w, http.StatusBadRequest, "Validation Failed", err.Error(), code)
	case errors.Is(err, ErrState):
		problem(w, http.StatusBadRequest, "Invalid State", err.Error(), code)
	case errors.Is(err, ErrConflict):
		problem(w, http.StatusConflict, "Conflict", err.Error(), code)
	case errors.Is(err, ErrChronology):
		problem(w, http.StatusBadRequest, "Chronology Violation", err.Error(), code)
	case errors.Is(err, ErrIntegrity):
		problem(w, http.StatusLocked, "Ledger Integrity Violation", err.Error(), code)
	case errors.Is(err, ErrForbidden):
		problem(w, http.StatusForbidden, "Forbidden", err.Error(), code)
	case errors.Is(err, ErrUnauthorized):
		problem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), code)
	default:
		problem(w, http.StatusInternalServerError, "Internal Error", "", "")
	}
}
