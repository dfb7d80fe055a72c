package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS parking_sessions (
		id              UUID PRIMARY KEY,
		plate           TEXT NOT NULL,
		entry_time      TIMESTAMPTZ NOT NULL,
		exit_time       TIMESTAMPTZ,
		status          TEXT NOT NULL,
		fee             NUMERIC(10,2),
		needs_review    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_parking_sessions_plate ON parking_sessions(plate);`,
	`CREATE INDEX IF NOT EXISTS idx_parking_sessions_status ON parking_sessions(status);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_parking_sessions_open_plate
		ON parking_sessions(plate) WHERE status = 'open';`,
	`CREATE TABLE IF NOT EXISTS receipts (
		session_id       UUID PRIMARY KEY REFERENCES parking_sessions(id),
		plate            TEXT NOT NULL,
		entry_time       TIMESTAMPTZ NOT NULL,
		exit_time        TIMESTAMPTZ NOT NULL,
		duration_minutes BIGINT NOT NULL,
		fee              NUMERIC(10,2) NOT NULL,
		payment_ref      TEXT,
		generated_at     TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_plate ON receipts(plate);`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_exit_time ON receipts(exit_time);`,
	`CREATE TABLE IF NOT EXISTS recognitions (
		id              BIGSERIAL PRIMARY KEY,
		plate           TEXT NOT NULL,
		raw_plate       TEXT,
		channel         TEXT NOT NULL,
		confidence      NUMERIC(5,2) NOT NULL,
		camera_id       TEXT,
		observed_at     TIMESTAMPTZ NOT NULL,
		raw_payload     JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_recognitions_plate ON recognitions(plate);`,
	`CREATE INDEX IF NOT EXISTS idx_recognitions_observed_at ON recognitions(observed_at);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
