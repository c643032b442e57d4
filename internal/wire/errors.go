package wire

import "errors"

// Protocol errors: the message is dropped and the session continues.
var (
	ErrVersionMismatch = errors.New("protocol version mismatch")
	ErrUnknownKind     = errors.New("unknown message kind")
	ErrBadEnvelope     = errors.New("malformed envelope")
)

// Auth errors: the session is aborted with no partial trust granted.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidNodeID    = errors.New("node id does not match signing key")
	ErrReplayDetected   = errors.New("replay detected")
)

// Integrity, capacity and liveness errors.
var (
	ErrIntegrityMismatch = errors.New("chunk hash mismatch")
	ErrQueueFull         = errors.New("task queue full")
	ErrTimeout           = errors.New("operation timed out")
	ErrSessionClosed     = errors.New("session closed")
)

// ErrorCode identifies a structured ERROR message on the wire.
type ErrorCode uint16

const (
	CodeVersionMismatch  ErrorCode = 1
	CodeInvalidSignature ErrorCode = 2
	CodeInvalidNodeID    ErrorCode = 3
	CodeReplayDetected   ErrorCode = 4
	CodeIntegrityError   ErrorCode = 5
	CodeQueueFull        ErrorCode = 6
	CodeTimeout          ErrorCode = 7
	CodeInternal         ErrorCode = 100
)

// CodeFor maps a local error to the code sent to the peer. Unrecognized
// errors map to CodeInternal so internals never leak onto the wire.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrVersionMismatch):
		return CodeVersionMismatch
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, ErrInvalidNodeID):
		return CodeInvalidNodeID
	case errors.Is(err, ErrReplayDetected):
		return CodeReplayDetected
	case errors.Is(err, ErrIntegrityMismatch):
		return CodeIntegrityError
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// IsAuthError reports whether err requires tearing down the session.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrInvalidNodeID) ||
		errors.Is(err, ErrReplayDetected)
}
