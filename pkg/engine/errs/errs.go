// Package errs defines the engine's error taxonomy. Errors local to one
// pipeline stage are wrapped into one of these kinds and reported upward as
// typed outcomes; only provisioning failures and unrecoverable mid-call
// provider errors terminate a call session.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for propagation and retry decisions.
type Kind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown Kind = iota
	// KindTransport is a control-plane or audio-binding connectivity failure.
	KindTransport
	// KindProviderProtocol is an adapter rejecting a malformed or
	// unsupported configuration.
	KindProviderProtocol
	// KindAudioPipeline is a format mismatch the transcoder cannot reconcile.
	KindAudioPipeline
	// KindToolExecution is a tool handler failure or allowlist rejection.
	KindToolExecution
	// KindSessionTeardown is a cleanup failure; teardown still proceeds.
	KindSessionTeardown
	// KindAuth is a credential failure that must not be retried forever.
	KindAuth
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProviderProtocol:
		return "provider_protocol"
	case KindAudioPipeline:
		return "audio_pipeline"
	case KindToolExecution:
		return "tool_execution"
	case KindSessionTeardown:
		return "session_teardown"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New wraps err with a kind and the operation that produced it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf wraps a formatted message with a kind.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or KindUnknown if err carries
// no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransport reports whether err is a transport-class failure.
func IsTransport(err error) bool { return KindOf(err) == KindTransport }

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }
