// Package fault classifies pipeline errors so retry decisions can be made
// from the error kind instead of its concrete type.
package fault

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Kind is the category of a pipeline failure.
type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindSourceMissing    Kind = "SourceMissing"
	KindTransientGateway Kind = "TransientGatewayError"
	KindStageFailure     Kind = "StageFailure"
	KindMalformed        Kind = "MalformedResponse"
	KindPartialDataLoss  Kind = "PartialDataLoss"
	KindCancelled        Kind = "Cancelled"
	KindInternal         Kind = "Internal"
)

// MaxMessageLen bounds the error message stored on a job record.
const MaxMessageLen = 500

// Error is a classified pipeline error.
type Error struct {
	Kind  Kind
	Stage string
	Msg   string
	Err   error
	// Permanent marks failures that will not improve on an automatic retry.
	Permanent bool
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// InStage tags err with the stage it happened in. Errors that are not
// classified yet become stage failures.
func InStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Stage != "" {
			return err
		}
		cp := *fe
		cp.Stage = stage
		return &cp
	}
	return &Error{Kind: KindStageFailure, Stage: stage, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}

// finalKinds never get better on retry.
var finalKinds = []Kind{KindValidation, KindSourceMissing, KindCancelled}

// Retryable reports whether a job that failed with kind may be retried
// automatically. Bad input and missing sources never get better on retry.
func Retryable(kind Kind) bool {
	return !slices.Contains(finalKinds, kind)
}

// FinalKinds returns the kinds Retryable rejects.
func FinalKinds() []Kind {
	return slices.Clone(finalKinds)
}

// MarkPermanent flags err so that automatic job retries skip it.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		cp.Permanent = true
		return &cp
	}
	return &Error{Kind: KindStageFailure, Err: err, Permanent: true}
}

// AutoRetryable reports whether a job that failed with err may go back to
// pending without an explicit retry request.
func AutoRetryable(err error) bool {
	if !Retryable(KindOf(err)) {
		return false
	}
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return true
		}
		if fe.Permanent {
			return false
		}
		err = fe.Err
	}
	return true
}

// Summary is the bounded form of an error stored on a job record.
type Summary struct {
	Kind    Kind   `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
	// Permanent is set when an automatic retry would not help.
	Permanent bool `json:"permanent,omitempty"`
}

// Summarize converts err to a bounded summary.
func Summarize(err error) Summary {
	s := Summary{
		Kind:      KindOf(err),
		Message:   Truncate(err.Error(), MaxMessageLen),
		Permanent: !AutoRetryable(err),
	}
	var fe *Error
	if errors.As(err, &fe) {
		s.Stage = fe.Stage
	}
	return s
}

// Truncate cuts s to n bytes, never inside a UTF-8 sequence, and marks the cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
