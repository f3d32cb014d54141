package pipeline

import (
	"context"
	"errors"

	"github.com/JaimeStill/arbiter/internal/llm"
	"github.com/JaimeStill/arbiter/internal/stages"
	"github.com/JaimeStill/arbiter/pkg/formatting"
)

var (
	// ErrNoInputs indicates a run was started without any documents.
	ErrNoInputs = errors.New("no input documents")
	// ErrNotResumable indicates the checkpoint cannot be re-entered.
	ErrNotResumable = errors.New("run is not resumable")
	// ErrSignatureDrift indicates the instruction set changed since the
	// checkpoint was written and strict resume refuses to continue.
	ErrSignatureDrift = errors.New("instruction signature changed since checkpoint")
)

// ErrorClass buckets a failure by how the orchestrator responds to it.
type ErrorClass string

const (
	// ClassTransient failures are retried with backoff inside the client.
	ClassTransient ErrorClass = "TRANSIENT"
	// ClassTruncation failures are retried with an adjusted request shape.
	ClassTruncation ErrorClass = "TRUNCATION"
	// ClassValidation failures get bounded stricter retries, then block.
	ClassValidation ErrorClass = "VALIDATION"
	// ClassGateFailure is a fail-closed gate verdict, surfaced with the
	// failing invariant and never retried automatically.
	ClassGateFailure ErrorClass = "GATE_FAILURE"
	// ClassFatal failures dead-letter immediately with no retry.
	ClassFatal ErrorClass = "FATAL"
)

// Classify maps an error to its taxonomy class. Permanent provider
// rejections are fatal; contextual cancellation is transient because the
// checkpointed run can resume; anything unrecognized is treated as fatal so
// an unclassified failure can never loop.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""

	case llm.Permanent(err):
		return ClassFatal

	case errors.Is(err, llm.ErrTruncated):
		return ClassTruncation

	case errors.Is(err, stages.ErrPayloadInvalid),
		errors.Is(err, formatting.ErrParseFailed),
		errors.Is(err, llm.ErrResponseInvalid),
		errors.Is(err, llm.ErrEmptyResponse):
		return ClassValidation

	case llm.Transient(err), errors.Is(err, context.Canceled):
		return ClassTransient

	default:
		return ClassFatal
	}
}

// Retryable reports whether the class may be retried at all.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTransient, ClassTruncation, ClassValidation:
		return true
	}
	return false
}
