package peloader

import "fmt"

// Kind classifies why a loader operation failed. It mirrors the
// small, closed taxonomy a caller needs to branch on — not a general
// error code space.
type Kind int

const (
	// BadImageFormat covers any header malformation: truncation, wrong
	// signature, odd section alignment, size mismatch, wrong machine.
	BadImageFormat Kind = iota + 1
	// NoEntryPoint means the optional header's entry-point RVA is zero.
	NoEntryPoint
	// OutOfMemory means a required reservation or commit failed,
	// including exhaustion of the 64-bit boundary-guard retry loop.
	OutOfMemory
	// ImportResolution means a required imported module or function
	// could not be located.
	ImportResolution
	// ProtectionFailed means VirtualProtect failed during finalization.
	ProtectionFailed
	// AttachRejected means the DLL entry point returned false on attach.
	AttachRejected
	// ExportLookupFailed covers a missing export table, empty exports,
	// an out-of-range ordinal, or a name that isn't present.
	ExportLookupFailed
	// InvalidState means the call targeted a disposed Module, the wrong
	// image kind (EXE vs DLL), or a Module that hasn't initialized yet.
	InvalidState
)

func (k Kind) String() string {
	switch k {
	case BadImageFormat:
		return "BadImageFormat"
	case NoEntryPoint:
		return "NoEntryPoint"
	case OutOfMemory:
		return "OutOfMemory"
	case ImportResolution:
		return "ImportResolution"
	case ProtectionFailed:
		return "ProtectionFailed"
	case AttachRejected:
		return "AttachRejected"
	case ExportLookupFailed:
		return "ExportLookupFailed"
	case InvalidState:
		return "InvalidState"
	default:
		return "Unknown"
	}
}

// LoaderError is the error type returned across package boundaries. It
// always carries a Kind so callers can branch with errors.As instead of
// string-matching.
type LoaderError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *LoaderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peloader: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("peloader: %s: %s", e.Op, e.Kind)
}

func (e *LoaderError) Unwrap() error { return e.Err }

func newErr(op string, kind Kind, err error) error {
	return &LoaderError{Op: op, Kind: kind, Err: err}
}

func errf(op string, kind Kind, format string, args ...any) error {
	return newErr(op, kind, fmt.Errorf(format, args...))
}
