// Package ingesterr classifies pipeline errors per the taxonomy in spec §7:
// TransientRpc, TransientStore, DataViolation, InvariantViolation, and
// FatalConfig. Callers wrap a cause with one of the New* constructors; the
// loop and processor use Classify to decide whether to retry, skip, or abort.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error classes from spec §7.
type Kind int

const (
	// KindUnknown covers errors that were never wrapped by this package;
	// Retryable and Fatal both report false for these.
	KindUnknown Kind = iota
	// KindTransientRpc is an RPC failure recoverable by retry with backoff.
	KindTransientRpc
	// KindTransientStore is a store failure (serialization conflict,
	// connection drop) recoverable by retrying the current block.
	KindTransientStore
	// KindDataViolation is a missing/invalid event attribute or unknown
	// action; the offending event (or block, if a referenced entity is
	// missing) is skipped without advancing past the point of loss.
	KindDataViolation
	// KindInvariantViolation is fatal for the current block: a decreasing
	// index, a negative market total, or an inconsistent reorg-safe hash.
	KindInvariantViolation
	// KindFatalConfig is a startup-time configuration failure.
	KindFatalConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransientRpc:
		return "transient_rpc"
	case KindTransientStore:
		return "transient_store"
	case KindDataViolation:
		return "data_violation"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindFatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// ingestError pairs a classification with the underlying cause.
type ingestError struct {
	kind Kind
	msg  string
	err  error
}

func (e *ingestError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *ingestError) Unwrap() error { return e.err }

func wrap(kind Kind, msg string, err error) error {
	return &ingestError{kind: kind, msg: msg, err: err}
}

// TransientRpc wraps an RPC failure (unreachable, timeout, missing block).
func TransientRpc(msg string, err error) error { return wrap(KindTransientRpc, msg, err) }

// TransientStore wraps a store failure (serialization conflict, dropped
// connection).
func TransientStore(msg string, err error) error { return wrap(KindTransientStore, msg, err) }

// DataViolation wraps a missing attribute, unknown action, or missing
// referenced market.
func DataViolation(msg string, err error) error { return wrap(KindDataViolation, msg, err) }

// InvariantViolation wraps a fatal handler-level invariant breach.
func InvariantViolation(msg string, err error) error {
	return wrap(KindInvariantViolation, msg, err)
}

// FatalConfig wraps a startup configuration failure.
func FatalConfig(msg string, err error) error { return wrap(KindFatalConfig, msg, err) }

// Classify reports the Kind an error was wrapped with, or KindUnknown if it
// was never wrapped by this package.
func Classify(err error) Kind {
	var ie *ingestError
	if errors.As(err, &ie) {
		return ie.kind
	}
	return KindUnknown
}

// Retryable reports whether the loop should retry the current block after a
// backoff rather than treat the error as fatal.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransientRpc, KindTransientStore:
		return true
	default:
		return false
	}
}

// Fatal reports whether the error should stop the block from advancing the
// checkpoint and be surfaced as an alert-worthy condition.
func Fatal(err error) bool {
	switch Classify(err) {
	case KindInvariantViolation, KindFatalConfig:
		return true
	default:
		return false
	}
}
