package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the core unwraps to one of these,
// so callers classify failures with errors.Is.
var (
	ErrValidation              = errors.New("VALIDATION")
	ErrInsufficientFunds       = errors.New("INSUFFICIENT_FUNDS")
	ErrInsufficientHoldings    = errors.New("INSUFFICIENT_HOLDINGS")
	ErrNoMarketPrice           = errors.New("NO_MARKET_PRICE")
	ErrAlreadyFilledOrTerminal = errors.New("ALREADY_FILLED_OR_TERMINAL")
	ErrCannotCancel            = errors.New("CANNOT_CANCEL")
	ErrConflict                = errors.New("CONFLICT")
	ErrBackendUnavailable      = errors.New("BACKEND_UNAVAILABLE")
	ErrIdempotentReplay        = errors.New("IDEMPOTENT_REPLAY")
	ErrNotFound                = errors.New("NOT_FOUND")
	ErrInvariantViolation      = errors.New("INVARIANT_VIOLATION")
)

// Not-found and duplicate errors for individual entities.
var (
	ErrUserNotFound        = &Error{Kind: ErrNotFound, Reason: "user_not_found"}
	ErrOrderNotFound       = &Error{Kind: ErrNotFound, Reason: "order_not_found"}
	ErrSymbolNotFound      = &Error{Kind: ErrNotFound, Reason: "symbol_not_found"}
	ErrPositionNotFound    = &Error{Kind: ErrNotFound, Reason: "position_not_found"}
	ErrWebhookNotFound     = &Error{Kind: ErrNotFound, Reason: "webhook_not_found"}
	ErrUserAlreadyExists   = &Error{Kind: ErrConflict, Reason: "user_already_exists"}
	ErrSymbolAlreadyExists = &Error{Kind: ErrConflict, Reason: "symbol_already_exists"}
	ErrOrderAlreadyExists  = &Error{Kind: ErrConflict, Reason: "order_already_exists"}
)

var kinds = []error{
	ErrValidation,
	ErrInsufficientFunds,
	ErrInsufficientHoldings,
	ErrNoMarketPrice,
	ErrAlreadyFilledOrTerminal,
	ErrCannotCancel,
	ErrConflict,
	ErrBackendUnavailable,
	ErrIdempotentReplay,
	ErrNotFound,
	ErrInvariantViolation,
}

// Error is a classified failure with a short human-readable reason.
// Amounts in the reason are minor units.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// KindOf returns the taxonomy code of err, or "INTERNAL" when err does
// not belong to any kind. A nil error has no kind.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "INTERNAL"
}

// Reason renders err as the "<KIND>: <reason>" string stored on rejected
// orders.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	kind := KindOf(err)
	if kind == "" {
		return ""
	}
	if err.Error() == kind {
		return kind
	}
	return kind + ": " + err.Error()
}

// IsBenign reports whether err is a lost compare-and-set race rather than
// a real failure.
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadyFilledOrTerminal) || errors.Is(err, ErrConflict)
}
