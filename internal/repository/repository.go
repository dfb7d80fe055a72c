package repository

import (
	"context"
	"errors"
	"time"

	"parkgate/internal/domain/parking"
)

var ErrNotFound = errors.New("not found")

// SessionFilter narrows session history queries.
type SessionFilter struct {
	Plate  *string
	Status *parking.SessionStatus
	Limit  int
	Offset int
}

// ReceiptFilter narrows receipt queries.
type ReceiptFilter struct {
	Plate  *string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// SessionStore is the persistence contract for parking sessions. It must be
// safely callable from the transition path; failures are reported to the
// caller, never swallowed.
type SessionStore interface {
	CreateSession(ctx context.Context, session *parking.Session) error
	UpdateSession(ctx context.Context, session *parking.Session) error
	FindOpenSession(ctx context.Context, plate string) (*parking.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]parking.Session, error)
}

// ReceiptStore persists issued receipts for later retrieval.
type ReceiptStore interface {
	CreateReceipt(ctx context.Context, receipt *parking.Receipt) error
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]parking.Receipt, error)
}

// RecognitionStore keeps the raw recognition audit log.
type RecognitionStore interface {
	CreateRecognition(ctx context.Context, event parking.RecognitionEvent) error
}
