package errors

import (
	"context"
	"errors"

	"github.com/nmxmxh/inhalteselektor/pkg/contextx"
	"go.uber.org/zap"
)

// Resolution errors. None of these ever reaches an HTTP client as a status
// code; the resolver folds them into the empty answer.
var (
	// ErrNoMatch is returned when the knowledge store has no binding for a query.
	ErrNoMatch = errors.New("no match")
	// ErrMalformedReply is returned when a backend reply cannot be decoded.
	ErrMalformedReply = errors.New("malformed backend reply")
	// ErrInvalidIdentifier is returned when a caller-supplied value cannot be
	// placed into a query without changing its structure.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrMissingParameter is returned when a request lacks a field its
	// content type requires.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrUnknownContentType is returned for content type tags outside the
	// known set.
	ErrUnknownContentType = errors.New("unknown content type")
)

// Messaging errors.
var (
	// ErrBackendTimeout is returned when a reply does not arrive in time.
	ErrBackendTimeout = errors.New("backend reply timed out")
	// ErrNoHandler is returned by the local transport when nobody answers an address.
	ErrNoHandler = errors.New("no handler for address")
	// ErrTransportClosed is returned when sending on a closed bus.
	ErrTransportClosed = errors.New("transport closed")
	// ErrUnknownTransport is returned for an unsupported transport name.
	ErrUnknownTransport = errors.New("unknown transport")
	// ErrRemoteFailure is returned when a responder replies with a failure.
	ErrRemoteFailure = errors.New("backend reported failure")
	// ErrBackendUnavailable is returned while the circuit breaker for an
	// address is open.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap wraps an error with additional context. The result still matches
// the original with Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{msg: msg, err: err}
}

type wrapped struct {
	msg string
	err error
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }

func (w *wrapped) Unwrap() error { return w.err }

// LogWithError logs the error with context and returns a wrapped error. Use this for standardized error logging across services.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID := contextx.RequestID(ctx); reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}

// LogWithWarn is LogWithError for failures the caller recovers from.
func LogWithWarn(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID := contextx.RequestID(ctx); reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Warn(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}
