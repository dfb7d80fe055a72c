package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"parkgate/internal/domain/parking"
)

// ParkingRepository implements the session, receipt and recognition stores
// on PostgreSQL.
type ParkingRepository struct {
	db *gorm.DB
}

func NewParkingRepository(db *gorm.DB) *ParkingRepository {
	return &ParkingRepository{db: db}
}

type sessionRow struct {
	ID          uuid.UUID `gorm:"primaryKey"`
	Plate       string    `gorm:"not null;index"`
	EntryTime   time.Time `gorm:"not null"`
	ExitTime    *time.Time
	Status      string `gorm:"not null"`
	Fee         *float64
	NeedsReview bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (sessionRow) TableName() string { return "parking_sessions" }

type receiptRow struct {
	SessionID       uuid.UUID `gorm:"primaryKey"`
	Plate           string    `gorm:"not null;index"`
	EntryTime       time.Time `gorm:"not null"`
	ExitTime        time.Time `gorm:"not null"`
	DurationMinutes int64     `gorm:"not null"`
	Fee             float64   `gorm:"not null"`
	PaymentRef      *string
	GeneratedAt     time.Time `gorm:"not null"`
	CreatedAt       time.Time
}

func (receiptRow) TableName() string { return "receipts" }

type recognitionRow struct {
	ID         int64  `gorm:"primaryKey"`
	Plate      string `gorm:"not null;index"`
	RawPlate   string
	Channel    string  `gorm:"not null"`
	Confidence float64 `gorm:"not null"`
	CameraID   *string
	ObservedAt time.Time `gorm:"not null"`
	RawPayload datatypes.JSON
	CreatedAt  time.Time
}

func (recognitionRow) TableName() string { return "recognitions" }

func (r *ParkingRepository) CreateSession(ctx context.Context, session *parking.Session) error {
	row := sessionToRow(session)
	row.CreatedAt = time.Now()
	row.UpdatedAt = row.CreatedAt
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *ParkingRepository) UpdateSession(ctx context.Context, session *parking.Session) error {
	row := sessionToRow(session)
	row.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"entry_time":   row.EntryTime,
			"exit_time":    row.ExitTime,
			"status":       row.Status,
			"fee":          row.Fee,
			"needs_review": row.NeedsReview,
			"updated_at":   row.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// The original create may itself be sitting in the retry queue.
		return r.db.WithContext(ctx).Create(&row).Error
	}
	return nil
}

func (r *ParkingRepository) FindOpenSession(ctx context.Context, plate string) (*parking.Session, error) {
	var row sessionRow
	err := r.db.WithContext(ctx).
		Where("plate = ? AND status = ?", plate, string(parking.SessionOpen)).
		Order("entry_time DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	session := rowToSession(row)
	return &session, nil
}

func (r *ParkingRepository) ListSessions(ctx context.Context, filter SessionFilter) ([]parking.Session, error) {
	query := r.db.WithContext(ctx).Model(&sessionRow{})
	if filter.Plate != nil {
		query = query.Where("plate = ?", *filter.Plate)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", string(*filter.Status))
	}
	query = query.Order("entry_time DESC")
	query = applyWindow(query, filter.Limit, filter.Offset)

	var rows []sessionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	sessions := make([]parking.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, rowToSession(row))
	}
	return sessions, nil
}

func (r *ParkingRepository) CreateReceipt(ctx context.Context, receipt *parking.Receipt) error {
	row := receiptRow{
		SessionID:       receipt.SessionID,
		Plate:           receipt.Plate,
		EntryTime:       receipt.EntryTime,
		ExitTime:        receipt.ExitTime,
		DurationMinutes: receipt.DurationMinutes,
		Fee:             receipt.Fee,
		GeneratedAt:     receipt.GeneratedAt,
		CreatedAt:       time.Now(),
	}
	if receipt.PaymentRef != "" {
		row.PaymentRef = &receipt.PaymentRef
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *ParkingRepository) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]parking.Receipt, error) {
	query := r.db.WithContext(ctx).Model(&receiptRow{})
	if filter.Plate != nil {
		query = query.Where("plate = ?", *filter.Plate)
	}
	if filter.From != nil {
		query = query.Where("exit_time >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("exit_time <= ?", *filter.To)
	}
	query = query.Order("exit_time DESC")
	query = applyWindow(query, filter.Limit, filter.Offset)

	var rows []receiptRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	receipts := make([]parking.Receipt, 0, len(rows))
	for _, row := range rows {
		receipt := parking.Receipt{
			SessionID:       row.SessionID,
			Plate:           row.Plate,
			EntryTime:       row.EntryTime,
			ExitTime:        row.ExitTime,
			DurationMinutes: row.DurationMinutes,
			Fee:             row.Fee,
			GeneratedAt:     row.GeneratedAt,
		}
		if row.PaymentRef != nil {
			receipt.PaymentRef = *row.PaymentRef
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

func (r *ParkingRepository) CreateRecognition(ctx context.Context, event parking.RecognitionEvent) error {
	row := recognitionRow{
		Plate:      event.Plate,
		RawPlate:   event.RawPlate,
		Channel:    string(event.Channel),
		Confidence: event.Confidence,
		ObservedAt: event.ObservedAt,
		CreatedAt:  time.Now(),
	}
	if event.CameraID != "" {
		row.CameraID = &event.CameraID
	}
	if len(event.RawPayload) > 0 {
		payload, err := json.Marshal(event.RawPayload)
		if err == nil {
			row.RawPayload = datatypes.JSON(payload)
		}
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func applyWindow(query *gorm.DB, limit, offset int) *gorm.DB {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	query = query.Limit(limit)
	if offset > 0 {
		query = query.Offset(offset)
	}
	return query
}

func sessionToRow(session *parking.Session) sessionRow {
	return sessionRow{
		ID:          session.ID,
		Plate:       session.Plate,
		EntryTime:   session.EntryTime,
		ExitTime:    session.ExitTime,
		Status:      string(session.Status),
		Fee:         session.Fee,
		NeedsReview: session.NeedsReview,
	}
}

func rowToSession(row sessionRow) parking.Session {
	return parking.Session{
		ID:          row.ID,
		Plate:       row.Plate,
		EntryTime:   row.EntryTime,
		ExitTime:    row.ExitTime,
		Status:      parking.SessionStatus(row.Status),
		Fee:         row.Fee,
		NeedsReview: row.NeedsReview,
	}
}
