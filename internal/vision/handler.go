package vision

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"parkgate/internal/domain/parking"
	"parkgate/internal/notify"
	"parkgate/internal/utils"
)

// HandlerConfig tunes one camera channel's processing loop.
type HandlerConfig struct {
	Channel             parking.Channel
	CameraID            string
	ConfidenceThreshold float64
	DebounceWindow      time.Duration
	OCRTimeout          time.Duration
	Filter              CandidateFilter
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
}

// Stats counts pipeline outcomes for diagnostics. Counters only; rejected
// frames and readings are never faults.
type Stats struct {
	Frames       atomic.Uint64
	Candidates   atomic.Uint64
	Rejected     atomic.Uint64
	Emitted      atomic.Uint64
	SourceFaults atomic.Uint64
}

// StatsSnapshot is a point-in-time copy safe for serialization.
type StatsSnapshot struct {
	Frames       uint64 `json:"frames"`
	Candidates   uint64 `json:"candidates"`
	Rejected     uint64 `json:"rejected"`
	Emitted      uint64 `json:"emitted"`
	SourceFaults uint64 `json:"source_faults"`
}

// Handler drives one camera channel: it drains the frame source, runs
// detection and OCR off the interactive path, debounces repeated sightings
// and emits at most one recognition event per physical plate sighting.
// It never touches session state directly.
type Handler struct {
	source   FrameSource
	detector Detector
	ocr      OCREngine
	cfg      HandlerConfig
	events   chan<- parking.RecognitionEvent
	sink     notify.Sink
	log      zerolog.Logger
	clock    func() time.Time

	stats Stats

	lastPlate   string
	lastEmitted time.Time
}

func NewHandler(
	source FrameSource,
	detector Detector,
	ocr OCREngine,
	cfg HandlerConfig,
	events chan<- parking.RecognitionEvent,
	sink notify.Sink,
	log zerolog.Logger,
) *Handler {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.OCRTimeout <= 0 {
		cfg.OCRTimeout = 5 * time.Second
	}
	return &Handler{
		source:   source,
		detector: detector,
		ocr:      ocr,
		cfg:      cfg,
		events:   events,
		sink:     sink,
		log:      log.With().Str("channel", string(cfg.Channel)).Str("camera_id", cfg.CameraID).Logger(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source, for tests.
func (h *Handler) SetClock(clock func() time.Time) { h.clock = clock }

// StatsSnapshot returns current counter values.
func (h *Handler) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		Frames:       h.stats.Frames.Load(),
		Candidates:   h.stats.Candidates.Load(),
		Rejected:     h.stats.Rejected.Load(),
		Emitted:      h.stats.Emitted.Load(),
		SourceFaults: h.stats.SourceFaults.Load(),
	}
}

// Run drains the frame source until the context is cancelled or the source
// reports end of stream. Source failures are reported as vision faults and
// retried with backoff; per-frame detector or OCR errors skip the frame and
// are never fatal to the cycle.
func (h *Handler) Run(ctx context.Context) error {
	backoff := h.cfg.BackoffInitial
	for {
		frame, err := h.source.NextFrame(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return ctx.Err()
			case errors.Is(err, ErrEndOfStream):
				h.log.Info().Msg("frame source ended")
				return nil
			}

			h.stats.SourceFaults.Add(1)
			h.sink.OnFault(parking.FaultVisionSource, fmt.Sprintf("camera %s: %v", h.cfg.CameraID, err))
			h.log.Warn().Err(err).Dur("backoff", backoff).Msg("frame source unavailable, backing off")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > h.cfg.BackoffMax {
				backoff = h.cfg.BackoffMax
			}
			continue
		}
		backoff = h.cfg.BackoffInitial

		h.stats.Frames.Add(1)
		if err := h.processFrame(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.log.Debug().Err(err).Msg("frame skipped")
		}
	}
}

func (h *Handler) processFrame(ctx context.Context, frame Frame) error {
	candidates, err := h.detector.Detect(ctx, frame)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}

	for _, candidate := range candidates {
		if !h.cfg.Filter.Keep(candidate) {
			continue
		}
		h.stats.Candidates.Add(1)

		reading, err := h.recognize(ctx, candidate)
		if err != nil {
			if errors.Is(err, ErrNoText) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A stuck or failing OCR call skips this candidate only.
			h.log.Debug().Err(err).Msg("ocr failed for candidate")
			continue
		}

		if reading.Confidence < h.cfg.ConfidenceThreshold {
			h.stats.Rejected.Add(1)
			h.log.Debug().
				Str("text", reading.Text).
				Float64("confidence", reading.Confidence).
				Msg("recognition rejected: below confidence threshold")
			continue
		}

		plate := utils.NormalizePlate(reading.Text)
		if !utils.ValidPlate(plate) {
			h.stats.Rejected.Add(1)
			h.log.Debug().Str("text", reading.Text).Msg("recognition rejected: malformed plate")
			continue
		}

		now := h.clock()
		if h.debounced(plate, now) {
			continue
		}

		event := parking.RecognitionEvent{
			Plate:      plate,
			RawPlate:   reading.Text,
			Channel:    h.cfg.Channel,
			Confidence: reading.Confidence,
			CameraID:   h.cfg.CameraID,
			ObservedAt: candidate.CapturedAt,
		}
		select {
		case h.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}

		h.lastPlate = plate
		h.lastEmitted = now
		h.stats.Emitted.Add(1)
		h.log.Info().
			Str("plate", plate).
			Float64("confidence", reading.Confidence).
			Time("observed_at", event.ObservedAt).
			Msg("plate recognized")
	}
	return nil
}

func (h *Handler) recognize(ctx context.Context, candidate Candidate) (Reading, error) {
	ocrCtx, cancel := context.WithTimeout(ctx, h.cfg.OCRTimeout)
	defer cancel()
	return h.ocr.Recognize(ocrCtx, candidate)
}

// debounced reports whether this sighting repeats the last emitted plate
// within the debounce window on this channel.
func (h *Handler) debounced(plate string, now time.Time) bool {
	return plate == h.lastPlate && now.Sub(h.lastEmitted) < h.cfg.DebounceWindow
}
