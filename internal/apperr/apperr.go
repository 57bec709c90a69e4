package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	InvalidPhone            Kind = "invalid_phone"
	ConfigurationMissing    Kind = "configuration_missing"
	AuthFailure             Kind = "auth_failure"
	Unauthorized            Kind = "unauthorized"
	TransientNetworkFailure Kind = "transient_network_failure"
	BusinessRejection       Kind = "business_rejection"
	Malformed               Kind = "malformed"
	Timeout                 Kind = "timeout"
	Invalid                 Kind = "invalid"
	NotFound                Kind = "not_found"
	Conflict                Kind = "conflict"
	Internal                Kind = "internal"
)

// AppError carries a taxonomy kind plus the provider's own code and raw
// payload when the error originated at a provider boundary.
type AppError struct {
	Kind      Kind
	Code      string
	PublicMsg string
	Err       error
	Raw       []byte
}

func (e *AppError) Error() string {
	msg := e.PublicMsg
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code %s)", msg, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *AppError) Unwrap() error { return e.Err }

func New(kind Kind, publicMsg string) *AppError {
	return &AppError{Kind: kind, PublicMsg: publicMsg}
}

func Wrap(kind Kind, publicMsg string, err error) *AppError {
	return &AppError{Kind: kind, PublicMsg: publicMsg, Err: err}
}

// Rejection builds a business rejection with the provider's reason code.
func Rejection(code, msg string, raw []byte) *AppError {
	return &AppError{Kind: BusinessRejection, Code: code, PublicMsg: msg, Raw: raw}
}

func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return Internal
}

func IsKind(err error, kind Kind) bool {
	ae, ok := As(err)
	return ok && ae.Kind == kind
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case InvalidPhone, Invalid:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case BusinessRejection:
		return http.StatusUnprocessableEntity
	case AuthFailure, Unauthorized:
		return http.StatusBadGateway
	case TransientNetworkFailure, Timeout:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func PublicMessage(err error) string {
	if ae, ok := As(err); ok && ae.PublicMsg != "" {
		return ae.PublicMsg
	}
	return "unexpected error"
}
