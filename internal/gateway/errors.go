package gateway

import (
	"errors"
	"net/http"

	"order-gateway-go/internal/orderstate"
)

// Kind classifies a gateway error for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindValidation
	KindNotFound
	KindState
	KindBroker
	KindTransient
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindBroker:
		return "broker"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	}
	return "internal"
}

// HTTPStatus maps the kind to a response code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindState:
		return http.StatusConflict
	case KindBroker:
		return http.StatusBadGateway
	case KindTransient:
		return http.StatusAccepted
	case KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// Error is the only error type the service returns to its callers.
type Error struct {
	Kind          Kind
	Message       string
	Fields        map[string]string
	OrderID       string
	CurrentStatus orderstate.Status
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// AsError converts any error into a *Error, treating unknown errors as internal.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindInternal, Message: "Internal server error", Err: err}
}

func validationError(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: "Validation failed", Fields: fields}
}
