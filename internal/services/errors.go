package services

import (
	"errors"
	"net/http"
)

// Domain errors shared by the ledger operations and their HTTP surface.
// Validation failures are detected before a database transaction opens;
// everything raised inside one aborts the whole unit.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAccessDenied      = errors.New("access denied")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBalanceNotZero    = errors.New("balance must be zero")
	ErrConflict          = errors.New("concurrent update conflict")
)

// StatusForError maps a domain error to its HTTP status. Unknown errors are
// internal failures; their details never reach the caller.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrBalanceNotZero):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
