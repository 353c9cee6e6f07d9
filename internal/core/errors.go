package core

import "errors"

// Error codes for domain errors. They travel to clients verbatim.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeEmptyContent      = "empty_content"
	ErrCodeContentTooLong    = "content_too_long"
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeNotInRoom         = "not_in_room"
	ErrCodePersistenceFailed = "persistence_failed"
	ErrCodeRoomBusy          = "room_busy"
	ErrCodeConnectionLost    = "connection_lost"
)

// Error classes. Every CoreError unwraps to exactly one of them.
var (
	// ErrValidation is bad input; surfaced inline, never retried.
	ErrValidation = errors.New("validation error")
	// ErrAuthorization means the handle is not authenticated or not joined to the room.
	ErrAuthorization = errors.New("authorization error")
	// ErrPersistence means the message log write failed; the publish failed as a whole.
	ErrPersistence = errors.New("persistence error")
	// ErrTransport means the connection dropped.
	ErrTransport = errors.New("transport error")
)

// CoreError wraps a code and human-readable message.
// ClientNonce is set when the error answers a specific send.
type CoreError struct {
	Code        string
	Message     string
	ClientNonce string
	class       error
}

func (e *CoreError) Error() string {
	return e.Message
}

// Unwrap exposes the error class so callers can use errors.Is.
func (e *CoreError) Unwrap() error {
	return e.class
}

// WithNonce returns a copy of the error bound to a client nonce.
func (e *CoreError) WithNonce(nonce string) *CoreError {
	cp := *e
	cp.ClientNonce = nonce
	return &cp
}

// NewError builds a CoreError from a wire code, picking the class from the code.
func NewError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg, class: classOf(code)}
}

func classOf(code string) error {
	switch code {
	case ErrCodeBadRequest, ErrCodeEmptyContent, ErrCodeContentTooLong:
		return ErrValidation
	case ErrCodeUnauthorized, ErrCodeNotInRoom:
		return ErrAuthorization
	case ErrCodePersistenceFailed, ErrCodeRoomBusy:
		return ErrPersistence
	case ErrCodeConnectionLost:
		return ErrTransport
	default:
		return ErrValidation
	}
}

func validationError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg, class: ErrValidation}
}

func authorizationError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg, class: ErrAuthorization}
}

func persistenceError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg, class: ErrPersistence}
}
