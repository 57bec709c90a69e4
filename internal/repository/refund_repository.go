package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

type RefundRepository struct {
	store
}

func NewRefundRepository(db *sql.DB, d Dialect) *RefundRepository {
	return &RefundRepository{store{db: db, dialect: d}}
}

const refundColumns = `id, payment_id, reference, provider, amount, currency, phone, reason, status,
	correlation_id, conversation_id, transaction_id, failure_reason, created_at, updated_at, completed_at`

func scanRefund(row rowScanner) (*models.Refund, error) {
	var (
		r                                 models.Refund
		provider, status                  string
		phone, reason, corr, conversation sql.NullString
		txID, failure                     sql.NullString
		completed                         sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.PaymentID, &r.Reference, &provider, &r.Amount, &r.Currency,
		&phone, &reason, &status, &corr, &conversation, &txID, &failure,
		&r.CreatedAt, &r.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	r.Provider = models.Provider(provider)
	r.Status = models.RefundStatus(status)
	r.Phone = phone.String
	r.Reason = reason.String
	r.CorrelationID = corr.String
	r.ConversationID = conversation.String
	r.TransactionID = strPtr(txID)
	r.FailureReason = strPtr(failure)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

func collectRefunds(rows *sql.Rows) ([]*models.Refund, error) {
	defer rows.Close()
	var out []*models.Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateSuperseding inserts r after failing every pending refund of the same
// payment with reason "superseded". The superseded refunds are returned as
// they were before the update. A payment is refunded at most once: a
// processing or succeeded refund makes it a Conflict.
func (s *RefundRepository) CreateSuperseding(ctx context.Context, r *models.Refund) ([]*models.Refund, error) {
	r.CreatedAt = dbTime(r.CreatedAt)
	r.UpdatedAt = dbTime(r.UpdatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.q(`SELECT `+refundColumns+` FROM refunds
		WHERE payment_id = ? AND status IN (?, ?, ?)`),
		r.PaymentID, string(models.RefundPending), string(models.RefundProcessing), string(models.RefundSucceeded))
	if err != nil {
		return nil, err
	}
	active, err := collectRefunds(rows)
	if err != nil {
		return nil, err
	}

	var superseded []*models.Refund
	for _, old := range active {
		switch old.Status {
		case models.RefundProcessing:
			return nil, apperr.New(apperr.Conflict,
				fmt.Sprintf("refund %s is already being processed for this payment", old.ID))
		case models.RefundSucceeded:
			return nil, apperr.New(apperr.Conflict,
				fmt.Sprintf("payment has already been refunded by %s", old.ID))
		}
		superseded = append(superseded, old)
	}

	if len(superseded) > 0 {
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE refunds SET status = ?, failure_reason = ?, updated_at = ?, completed_at = ?
			WHERE payment_id = ? AND status = ?
		`), string(models.RefundFailed), models.ReasonSuperseded, r.CreatedAt, r.CreatedAt,
			r.PaymentID, string(models.RefundPending)); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO refunds (`+refundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.PaymentID, r.Reference, string(r.Provider), r.Amount, r.Currency,
		nullString(r.Phone), nullString(r.Reason), string(r.Status),
		nullString(r.CorrelationID), nullString(r.ConversationID), nil, nil,
		r.CreatedAt, r.UpdatedAt, nil); err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Wrap(apperr.Conflict, "another refund for this payment was created concurrently", err)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return superseded, nil
}

func (s *RefundRepository) getOne(ctx context.Context, where string, args ...interface{}) (*models.Refund, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+refundColumns+` FROM refunds WHERE `+where), args...)
	r, err := scanRefund(row)
	if err != nil {
		return nil, notFound("refund", err)
	}
	return r, nil
}

func (s *RefundRepository) GetByID(ctx context.Context, id string) (*models.Refund, error) {
	return s.getOne(ctx, `id = ?`, id)
}

func (s *RefundRepository) GetByCorrelation(ctx context.Context, provider models.Provider, correlationID string) (*models.Refund, error) {
	if correlationID == "" {
		return nil, apperr.New(apperr.NotFound, "refund not found")
	}
	return s.getOne(ctx, `provider = ? AND correlation_id = ?`, string(provider), correlationID)
}

func (s *RefundRepository) GetByReference(ctx context.Context, provider models.Provider, reference string) (*models.Refund, error) {
	return s.getOne(ctx, `provider = ? AND reference = ?`, string(provider), reference)
}

func (s *RefundRepository) GetProcessingByPayment(ctx context.Context, paymentID string) (*models.Refund, error) {
	return s.getOne(ctx, `payment_id = ? AND status = ?`, paymentID, string(models.RefundProcessing))
}

func (s *RefundRepository) ListByPayment(ctx context.Context, paymentID string) ([]*models.Refund, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+refundColumns+` FROM refunds
		WHERE payment_id = ? ORDER BY created_at`), paymentID)
	if err != nil {
		return nil, err
	}
	return collectRefunds(rows)
}

// Transition is a compare-and-set on status; see PaymentRepository.Transition.
func (s *RefundRepository) Transition(ctx context.Context, id string, u models.RefundUpdate) (bool, error) {
	at := dbTime(u.At)
	var completed sql.NullTime
	if u.To.IsTerminal() {
		completed = sql.NullTime{Time: at, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE refunds SET
			status = ?,
			correlation_id = COALESCE(?, correlation_id),
			conversation_id = COALESCE(?, conversation_id),
			transaction_id = COALESCE(?, transaction_id),
			failure_reason = COALESCE(?, failure_reason),
			completed_at = COALESCE(?, completed_at),
			updated_at = ?
		WHERE id = ? AND status = ?
	`), string(u.To), nullString(u.CorrelationID), nullString(u.ConversationID),
		nullString(u.TransactionID), nullString(u.FailureReason), completed, at, id, string(u.From))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RefundRepository) ListStale(ctx context.Context, status models.RefundStatus, updatedBefore time.Time, limit int) ([]*models.Refund, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+refundColumns+` FROM refunds
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`), string(status), dbTime(updatedBefore), limit)
	if err != nil {
		return nil, err
	}
	return collectRefunds(rows)
}
