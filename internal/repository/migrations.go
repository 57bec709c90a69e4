package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	amount, blob := "DECIMAL(15,2)", "BYTEA"
	if d == SQLite {
		// SQLite has no exact decimal type; TEXT keeps the digits intact.
		amount, blob = "TEXT", "BLOB"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS payments (
			id VARCHAR(64) PRIMARY KEY,
			provider VARCHAR(32) NOT NULL,
			purpose VARCHAR(16) NOT NULL,
			reference VARCHAR(255) NOT NULL,
			merchant_request_id VARCHAR(255),
			checkout_request_id VARCHAR(255),
			amount %s NOT NULL,
			currency VARCHAR(3) NOT NULL,
			phone VARCHAR(32),
			status VARCHAR(32) NOT NULL,
			failure_reason TEXT,
			provider_receipt VARCHAR(255),
			redirect_url TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			confirmed_at TIMESTAMP,
			polled_at TIMESTAMP
		)`, amount),
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_payments_reference ON payments(provider, purpose, reference)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_correlation ON payments(provider, checkout_request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status_updated ON payments(status, updated_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS refunds (
			id VARCHAR(64) PRIMARY KEY,
			payment_id VARCHAR(64) NOT NULL REFERENCES payments(id),
			reference VARCHAR(255) NOT NULL,
			provider VARCHAR(32) NOT NULL,
			amount %s NOT NULL,
			currency VARCHAR(3) NOT NULL,
			phone VARCHAR(32),
			reason TEXT,
			status VARCHAR(32) NOT NULL,
			correlation_id VARCHAR(255),
			conversation_id VARCHAR(255),
			transaction_id VARCHAR(255),
			failure_reason TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`, amount),
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_refunds_reference ON refunds(provider, reference)`,
		// At most one refund per payment may be pending, processing or
		// succeeded. Older schemas carried a narrower index under another name.
		`DROP INDEX IF EXISTS ux_refunds_active`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_refunds_live ON refunds(payment_id) WHERE status IN ('pending', 'processing', 'succeeded')`,
		`CREATE INDEX IF NOT EXISTS idx_refunds_correlation ON refunds(provider, correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_refunds_status_updated ON refunds(status, updated_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS provider_snapshots (
			id VARCHAR(64) PRIMARY KEY,
			provider VARCHAR(32) NOT NULL,
			subject_type VARCHAR(16),
			subject_id VARCHAR(64),
			kind VARCHAR(64) NOT NULL,
			payload %s NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, blob),
		`CREATE INDEX IF NOT EXISTS idx_snapshots_subject ON provider_snapshots(subject_type, subject_id)`,
	}

	if d == Postgres {
		// SQLite has no ADD COLUMN IF NOT EXISTS; its databases are created
		// fresh with the column above.
		stmts = append(stmts, `ALTER TABLE payments ADD COLUMN IF NOT EXISTS polled_at TIMESTAMP`)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
