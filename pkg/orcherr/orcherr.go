// Package orcherr defines the shared error taxonomy every MAICE agent and
// the Router classify their failures into. Callers wrap an underlying
// cause with one of the Kind sentinels via Wrap, then inspect it with
// errors.Is/As the way the teacher's components return plain wrapped
// errors instead of panicking or stringly-typed codes.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is one of the failure categories the Router switches on to decide
// whether to retry, log-and-continue, or surface an SSE error event.
type Kind string

const (
	// KindValidation marks malformed input: a message missing required
	// fields, a clarification response with no session match, and so on.
	KindValidation Kind = "validation"

	// KindLLMTransient marks a retryable LLM provider failure (timeout,
	// 429, connection reset).
	KindLLMTransient Kind = "llm_transient"

	// KindLLMStreamBroken marks a stream that started emitting chunks
	// and then died mid-flight, after partial output was already sent.
	KindLLMStreamBroken Kind = "llm_stream_broken"

	// KindBusTransient marks a retryable message bus failure.
	KindBusTransient Kind = "bus_transient"

	// KindRepository marks a session repository failure (including
	// permission denial — see ErrForbidden in pkg/session).
	KindRepository Kind = "repository"

	// KindTimeout marks a phase exceeding its configured deadline.
	KindTimeout Kind = "timeout"

	// KindSecurity marks a prompt-injection or danger-pattern detection.
	KindSecurity Kind = "security"

	// KindClarificationExhausted marks a clarification session hitting
	// max_clarifications without resolving to answerable/unanswerable.
	KindClarificationExhausted Kind = "clarification_exhausted"
)

// Error is a Kind-tagged wrapped error.
type Error struct {
	Kind Kind
	Op   string // component/operation that produced the error, e.g. "classifier.Classify"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, SomeKind) work by comparing Kind values when the
// target is itself a *Error with no wrapped cause (used as a Kind marker).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) && t.Err == nil {
		return e.Kind == t.Kind
	}
	return false
}

// Wrap tags err with kind and the operation name that observed it.
// Returns nil if err is nil, matching fmt.Errorf/%w conventions.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// marker returns a *Error usable only as an errors.Is/As target, e.g.
// errors.Is(err, orcherr.Timeout).
func marker(k Kind) *Error { return &Error{Kind: k} }

var (
	Validation              = marker(KindValidation)
	LLMTransient            = marker(KindLLMTransient)
	LLMStreamBroken         = marker(KindLLMStreamBroken)
	BusTransient            = marker(KindBusTransient)
	Repository              = marker(KindRepository)
	Timeout                 = marker(KindTimeout)
	Security                = marker(KindSecurity)
	ClarificationExhausted  = marker(KindClarificationExhausted)
)

// KindOf extracts the Kind of err, if it (or something it wraps) is an
// *Error. Returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether err's Kind is one the Router should retry
// with backoff rather than surface immediately (spec §7).
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case KindLLMTransient, KindBusTransient:
		return true
	default:
		return false
	}
}
