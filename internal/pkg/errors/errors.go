package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Pipeline error kinds. The dispatcher's retry policy keys on these.
type Kind int

const (
	KindAuthentication Kind = iota // bad signature: reject, no retry
	KindValidation                 // malformed event/rule: skip that rule only
	KindTransient                  // 5xx/timeout: eligible for retry
	KindPermanent                  // 4xx: route straight to manual_recovery
	KindConfiguration              // malformed config: fail open
	KindStorage                    // ledger write failure: retry the write
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient_delivery"
	case KindPermanent:
		return "permanent_delivery"
	case KindConfiguration:
		return "configuration"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two classified errors by kind, so callers can test
// errors.Is(err, &Error{Kind: KindTransient}) semantics through the
// sentinel constructors below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func Authentication(msg string) error { return &Error{Kind: KindAuthentication, Msg: msg} }

func Validation(msg string, err error) error { return &Error{Kind: KindValidation, Msg: msg, Err: err} }

func Transient(msg string, err error) error { return &Error{Kind: KindTransient, Msg: msg, Err: err} }

func Permanent(msg string, err error) error { return &Error{Kind: KindPermanent, Msg: msg, Err: err} }

func Configuration(msg string, err error) error {
	return &Error{Kind: KindConfiguration, Msg: msg, Err: err}
}

func Storage(msg string, err error) error { return &Error{Kind: KindStorage, Msg: msg, Err: err} }

// IsKind reports whether err (or anything it wraps) carries the kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the dispatcher may attempt err again.
// Anything unclassified is treated as transient; the retry budget
// bounds the damage of a wrong guess.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindPermanent, KindAuthentication, KindValidation:
			return false
		}
	}
	return true
}

type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeInvalidSignature = "INVALID_SIGNATURE"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeDeliveryFailed   = "DELIVERY_FAILED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

func WriteError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
		Details: details,
	})
}
