package parking

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies which side of the facility produced a recognition.
type Channel string

const (
	ChannelEntry Channel = "entry"
	ChannelExit  Channel = "exit"
)

// RecognitionEvent is a single debounced plate sighting. Produced by the
// vision pipeline (or the camera webhook), consumed once by the session
// manager.
type RecognitionEvent struct {
	Plate      string    `json:"plate"`
	RawPlate   string    `json:"raw_plate,omitempty"`
	Channel    Channel   `json:"channel"`
	Confidence float64   `json:"confidence"`
	CameraID   string    `json:"camera_id,omitempty"`
	ObservedAt time.Time `json:"observed_at"`

	RawPayload map[string]interface{} `json:"raw_payload,omitempty"`
}

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// Session is one continuous parking stay for one vehicle. At most one open
// session exists per plate at any time. A closed session is never mutated.
type Session struct {
	ID          uuid.UUID     `json:"id"`
	Plate       string        `json:"plate"`
	EntryTime   time.Time     `json:"entry_time"`
	ExitTime    *time.Time    `json:"exit_time,omitempty"`
	Status      SessionStatus `json:"status"`
	Fee         *float64      `json:"fee,omitempty"`
	NeedsReview bool          `json:"needs_review,omitempty"`
}

// Receipt is the immutable billing artifact handed to the notification
// sinks when a session closes.
type Receipt struct {
	SessionID       uuid.UUID `json:"session_id"`
	Plate           string    `json:"plate"`
	EntryTime       time.Time `json:"entry_time"`
	ExitTime        time.Time `json:"exit_time"`
	DurationMinutes int64     `json:"duration_minutes"`
	Fee             float64   `json:"fee"`
	PaymentRef      string    `json:"payment_ref,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// TariffBand applies its rate to stays whose duration reaches the
// threshold. Bands are ordered ascending by threshold.
type TariffBand struct {
	ThresholdMinutes int64   `json:"threshold_minutes" mapstructure:"threshold_minutes"`
	Rate             float64 `json:"rate" mapstructure:"rate"`
}

// Tariff is the step-function rate schedule consumed by the billing engine.
// Stays longer than the top band extend linearly at ExtensionRate per
// ExtensionUnitMinutes.
type Tariff struct {
	Bands                []TariffBand `json:"bands" mapstructure:"bands"`
	ExtensionRate        float64      `json:"extension_rate" mapstructure:"extension_rate"`
	ExtensionUnitMinutes int64        `json:"extension_unit_minutes" mapstructure:"extension_unit_minutes"`
}

// NoMatchPolicy controls what happens to an exit recognition with no open
// session.
type NoMatchPolicy string

const (
	// PolicyReject reports the anomaly and discards the event.
	PolicyReject NoMatchPolicy = "reject"
	// PolicyReconcile additionally records a zero-duration closed session
	// flagged for manual review.
	PolicyReconcile NoMatchPolicy = "reconcile"
)

// FaultKind classifies non-fatal anomalies surfaced to notification sinks.
type FaultKind string

const (
	FaultVisionSource      FaultKind = "vision_fault"
	FaultNoMatchingSession FaultKind = "no_matching_session"
	FaultInvalidDuration   FaultKind = "invalid_duration"
	FaultPersistence       FaultKind = "persistence_failure"
)
