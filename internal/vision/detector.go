package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	_ "image/jpeg"
	_ "image/png"
)

// Candidate is an image region hypothesized to contain a license plate.
// It is owned by a single OCR pass and discarded afterwards.
type Candidate struct {
	Data       []byte
	Bounds     image.Rectangle
	CapturedAt time.Time
}

func (c Candidate) Area() int {
	return c.Bounds.Dx() * c.Bounds.Dy()
}

// AspectRatio is width over height; plates are wide and short.
func (c Candidate) AspectRatio() float64 {
	h := c.Bounds.Dy()
	if h == 0 {
		return 0
	}
	return float64(c.Bounds.Dx()) / float64(h)
}

// Detector locates candidate plate regions in a frame. Zero candidates is a
// normal outcome for frames with no vehicle in view.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Candidate, error)
}

// FullFrameDetector emits the whole frame as a single candidate, for OCR
// engines that locate text themselves. The frame header is decoded only to
// establish candidate bounds for downstream area and aspect filtering.
type FullFrameDetector struct{}

func (FullFrameDetector) Detect(_ context.Context, frame Frame) ([]Candidate, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return []Candidate{{
		Data:       frame.Data,
		Bounds:     image.Rect(0, 0, cfg.Width, cfg.Height),
		CapturedAt: frame.CapturedAt,
	}}, nil
}

// CandidateFilter discards regions that cannot plausibly be a plate before
// they reach the OCR engine.
type CandidateFilter struct {
	MinArea   int
	MinAspect float64
	MaxAspect float64
}

func (f CandidateFilter) Keep(c Candidate) bool {
	if f.MinArea > 0 && c.Area() < f.MinArea {
		return false
	}
	aspect := c.AspectRatio()
	if f.MinAspect > 0 && aspect < f.MinAspect {
		return false
	}
	if f.MaxAspect > 0 && aspect > f.MaxAspect {
		return false
	}
	return true
}
