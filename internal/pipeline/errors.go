package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure for logs and metrics. The HTTP layer does not
// expose it, but it is kept on every error so diagnostics can tell failures apart.
type Kind string

const (
	KindInputOpen    Kind = "input_open"
	KindOutputCreate Kind = "output_create"
	KindDetector     Kind = "detector"
	KindInternal     Kind = "internal"
)

// InputOpenError means the source media could not be opened or decoded at all.
type InputOpenError struct {
	Path string
	Err  error
}

func (e *InputOpenError) Error() string {
	return fmt.Sprintf("cannot open input %q: %v", e.Path, e.Err)
}

func (e *InputOpenError) Unwrap() error { return e.Err }

// OutputCreateError means the encoder could not be created for the target, or
// failed while frames were being written to it.
type OutputCreateError struct {
	Path string
	Op   string // "open", "write" or "close"
	Err  error
}

func (e *OutputCreateError) Error() string {
	if e.Op == "" || e.Op == "open" {
		return fmt.Sprintf("cannot create output %q: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("cannot create output %q (%s): %v", e.Path, e.Op, e.Err)
}

func (e *OutputCreateError) Unwrap() error { return e.Err }

// DetectorError wraps a failure of the detector. Frame is the 1-based counter of the
// primary pass, or the 0-based index of the per-second pass.
type DetectorError struct {
	Pass  string
	Frame int
	Err   error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector failed on %s frame %d: %v", e.Pass, e.Frame, e.Err)
}

func (e *DetectorError) Unwrap() error { return e.Err }

// KindOf reports the failure class of err.
func KindOf(err error) Kind {
	var in *InputOpenError
	var out *OutputCreateError
	var det *DetectorError
	switch {
	case errors.As(err, &in):
		return KindInputOpen
	case errors.As(err, &out):
		return KindOutputCreate
	case errors.As(err, &det):
		return KindDetector
	default:
		return KindInternal
	}
}
