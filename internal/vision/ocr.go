package vision

import (
	"context"
	"errors"
)

// ErrNoText means the engine found no plausible plate text in the
// candidate. It is an expected outcome, not a fault.
var ErrNoText = errors.New("no text recognized")

// Reading is a single OCR decode: the raw recognized text and the engine's
// confidence in it, scaled to 0.0–1.0.
type Reading struct {
	Text       string
	Confidence float64
}

// OCREngine decodes text from a candidate region. Implementations may take
// non-trivial wall time; callers bound each invocation with a context
// deadline and must not hold any session state while waiting.
type OCREngine interface {
	Recognize(ctx context.Context, candidate Candidate) (Reading, error)
}
