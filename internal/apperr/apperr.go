// Package apperr defines the error taxonomy shared across the job
// lifecycle subsystem: one typed error carrying a fixed Kind, so HTTP
// handlers and worker loops can branch on Kind without string matching.
package apperr

import "errors"

// Kind is one of the fixed taxonomy values. New kinds are added here,
// never invented ad hoc at call sites.
type Kind string

const (
	KindInvalidParameters  Kind = "invalid_parameters"
	KindUnknownAdapter     Kind = "unknown_adapter"
	KindQueueSaturated     Kind = "queue_saturated"
	KindGeneratorUnreach   Kind = "generator_unreachable"
	KindGeneratorRejected  Kind = "generator_rejected"
	KindTimeout            Kind = "timeout"
	KindCanceled           Kind = "canceled"
	KindInvalidTransition  Kind = "invalid_transition"
	KindSlowConsumer       Kind = "slow_consumer"
	KindNotFound           Kind = "not_found"
)

// sentinels let callers use errors.Is(err, apperr.ErrUnknownAdapter) etc.
// without reaching into the AppError struct.
var (
	ErrInvalidParameters = errors.New(string(KindInvalidParameters))
	ErrUnknownAdapter    = errors.New(string(KindUnknownAdapter))
	ErrQueueSaturated    = errors.New(string(KindQueueSaturated))
	ErrGeneratorUnreach  = errors.New(string(KindGeneratorUnreach))
	ErrGeneratorRejected = errors.New(string(KindGeneratorRejected))
	ErrTimeout           = errors.New(string(KindTimeout))
	ErrCanceled          = errors.New(string(KindCanceled))
	ErrInvalidTransition = errors.New(string(KindInvalidTransition))
	ErrSlowConsumer      = errors.New(string(KindSlowConsumer))
	ErrNotFound          = errors.New(string(KindNotFound))
)

func sentinelFor(k Kind) error {
	switch k {
	case KindInvalidParameters:
		return ErrInvalidParameters
	case KindUnknownAdapter:
		return ErrUnknownAdapter
	case KindQueueSaturated:
		return ErrQueueSaturated
	case KindGeneratorUnreach:
		return ErrGeneratorUnreach
	case KindGeneratorRejected:
		return ErrGeneratorRejected
	case KindTimeout:
		return ErrTimeout
	case KindCanceled:
		return ErrCanceled
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindSlowConsumer:
		return ErrSlowConsumer
	case KindNotFound:
		return ErrNotFound
	default:
		return errors.New(string(k))
	}
}

// AppError is the one error type that crosses component and HTTP
// boundaries. Cause is the underlying error, if any, wrapped via %w.
type AppError struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: cause}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return sentinelFor(e.Kind)
}

// Is lets errors.Is(err, apperr.ErrTimeout) match an *AppError of that
// kind even when Cause is set to something else.
func (e *AppError) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

// StatusCode maps a Kind to the HTTP status a handler should return.
// invalid_transition is a bug guard and always maps to 500.
func StatusCode(k Kind) int {
	switch k {
	case KindInvalidParameters, KindUnknownAdapter:
		return 400
	case KindNotFound:
		return 404
	case KindQueueSaturated:
		return 503
	case KindTimeout:
		return 504
	case KindCanceled:
		return 409
	case KindGeneratorRejected, KindGeneratorUnreach:
		return 502
	default:
		return 500
	}
}

// Of extracts the Kind from err if it (or something it wraps) is an
// *AppError, reporting ok=false otherwise.
func Of(err error) (Kind, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}
