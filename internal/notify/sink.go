package notify

import (
	"github.com/rs/zerolog"

	"parkgate/internal/domain/parking"
)

// Sink receives receipts and fault notifications from the billing path and
// the vision pipeline. Implementations must not block the caller for long;
// slow consumers drop rather than stall.
type Sink interface {
	OnReceipt(receipt parking.Receipt)
	OnFault(kind parking.FaultKind, details string)
}

// LogSink writes notifications to the structured log. It is always
// installed; richer sinks fan out alongside it.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) OnReceipt(receipt parking.Receipt) {
	s.log.Info().
		Str("session_id", receipt.SessionID.String()).
		Str("plate", receipt.Plate).
		Int64("duration_minutes", receipt.DurationMinutes).
		Float64("fee", receipt.Fee).
		Msg("receipt issued")
}

func (s *LogSink) OnFault(kind parking.FaultKind, details string) {
	s.log.Warn().
		Str("kind", string(kind)).
		Str("details", details).
		Msg("fault reported")
}

// MultiSink fans a notification out to every registered sink.
type MultiSink []Sink

func (m MultiSink) OnReceipt(receipt parking.Receipt) {
	for _, s := range m {
		s.OnReceipt(receipt)
	}
}

func (m MultiSink) OnFault(kind parking.FaultKind, details string) {
	for _, s := range m {
		s.OnFault(kind, details)
	}
}
