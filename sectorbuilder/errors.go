package sectorbuilder

import (
	"golang.org/x/xerrors"
)

// ErrKind classifies a BuilderError so callers can decide whether to retry.
type ErrKind int

const (
	// ErrCaller means the request itself was invalid: duplicate piece key,
	// piece larger than sector capacity, unknown sector or piece. State is
	// unchanged.
	ErrCaller ErrKind = iota

	// ErrTransient means an I/O failure against the sector store or
	// metadata store. State is unchanged; the caller may retry.
	ErrTransient

	// ErrSeal means a seal job failed. The owning staged sector is marked
	// Failed and the scheduler keeps running.
	ErrSeal

	// ErrUnrecoverable means an invariant was violated or a channel peer is
	// gone. The scheduler logs at Error and invokes the configured
	// FatalFunc.
	ErrUnrecoverable
)

func (k ErrKind) String() string {
	switch k {
	case ErrCaller:
		return "caller"
	case ErrTransient:
		return "transient"
	case ErrSeal:
		return "seal"
	case ErrUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// BuilderError wraps an error with a classification. It satisfies the
// errors.As/xerrors.As unwrap protocol via Unwrap.
type BuilderError struct {
	Kind ErrKind
	Err  error
}

func (e *BuilderError) Error() string {
	return xerrors.Errorf("%s: %w", e.Kind, e.Err).Error()
}

func (e *BuilderError) Unwrap() error { return e.Err }

func newErr(kind ErrKind, format string, args ...interface{}) *BuilderError {
	return &BuilderError{Kind: kind, Err: xerrors.Errorf(format, args...)}
}
