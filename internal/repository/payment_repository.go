package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

type PaymentRepository struct {
	store
}

func NewPaymentRepository(db *sql.DB, d Dialect) *PaymentRepository {
	return &PaymentRepository{store{db: db, dialect: d}}
}

const paymentColumns = `id, provider, purpose, reference, merchant_request_id, checkout_request_id,
	amount, currency, phone, status, failure_reason, provider_receipt, redirect_url,
	created_at, updated_at, confirmed_at`

func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	p.CreatedAt = dbTime(p.CreatedAt)
	p.UpdatedAt = dbTime(p.UpdatedAt)

	var reason, receipt sql.NullString
	if p.FailureReason != nil {
		reason = nullString(*p.FailureReason)
	}
	if p.ProviderReceipt != nil {
		receipt = nullString(*p.ProviderReceipt)
	}

	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), p.ID, string(p.Provider), string(p.Purpose), p.Reference,
		nullString(p.MerchantRequestID), nullString(p.CheckoutRequestID),
		p.Amount, p.Currency, nullString(p.Phone), string(p.Status), reason, receipt,
		nullString(p.RedirectURL), p.CreatedAt, p.UpdatedAt, nil)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Wrap(apperr.Conflict, "a payment with this reference already exists", err)
		}
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p                                       models.Payment
		provider, purpose, status               string
		merchantID, checkoutID, phone, redirect sql.NullString
		reason, receipt                         sql.NullString
		confirmed                               sql.NullTime
	)
	if err := row.Scan(&p.ID, &provider, &purpose, &p.Reference, &merchantID, &checkoutID,
		&p.Amount, &p.Currency, &phone, &status, &reason, &receipt, &redirect,
		&p.CreatedAt, &p.UpdatedAt, &confirmed); err != nil {
		return nil, err
	}
	p.Provider = models.Provider(provider)
	p.Purpose = models.Purpose(purpose)
	p.Status = models.PaymentStatus(status)
	p.MerchantRequestID = merchantID.String
	p.CheckoutRequestID = checkoutID.String
	p.Phone = phone.String
	p.RedirectURL = redirect.String
	p.FailureReason = strPtr(reason)
	p.ProviderReceipt = strPtr(receipt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.ConfirmedAt = timePtr(confirmed)
	return &p, nil
}

func (r *PaymentRepository) getOne(ctx context.Context, where string, args ...interface{}) (*models.Payment, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+paymentColumns+` FROM payments WHERE `+where), args...)
	p, err := scanPayment(row)
	if err != nil {
		return nil, notFound("payment", err)
	}
	return p, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	return r.getOne(ctx, `id = ?`, id)
}

func (r *PaymentRepository) GetByCorrelation(ctx context.Context, provider models.Provider, correlationID string) (*models.Payment, error) {
	if correlationID == "" {
		return nil, apperr.New(apperr.NotFound, "payment not found")
	}
	return r.getOne(ctx, `provider = ? AND checkout_request_id = ?`, string(provider), correlationID)
}

func (r *PaymentRepository) GetByReference(ctx context.Context, provider models.Provider, purpose models.Purpose, reference string) (*models.Payment, error) {
	return r.getOne(ctx, `provider = ? AND purpose = ? AND reference = ?`, string(provider), string(purpose), reference)
}

// Transition is a compare-and-set on status. Empty fields in u keep the stored
// value.
func (r *PaymentRepository) Transition(ctx context.Context, id string, u models.PaymentUpdate) (bool, error) {
	at := dbTime(u.At)
	var confirmed sql.NullTime
	if u.To == models.StatusSucceeded {
		confirmed = sql.NullTime{Time: at, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE payments SET
			status = ?,
			merchant_request_id = COALESCE(?, merchant_request_id),
			checkout_request_id = COALESCE(?, checkout_request_id),
			redirect_url = COALESCE(?, redirect_url),
			failure_reason = COALESCE(?, failure_reason),
			provider_receipt = COALESCE(?, provider_receipt),
			confirmed_at = COALESCE(?, confirmed_at),
			updated_at = ?
		WHERE id = ? AND status = ?
	`), string(u.To), nullString(u.MerchantRequestID), nullString(u.CheckoutRequestID),
		nullString(u.RedirectURL), nullString(u.FailureReason), nullString(u.ProviderReceipt),
		confirmed, at, id, string(u.From))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListUnresolved returns initiated and awaiting payments untouched since
// before and not polled since before either, least recently looked at first.
func (r *PaymentRepository) ListUnresolved(ctx context.Context, before time.Time, limit int) ([]*models.Payment, error) {
	cutoff := dbTime(before)
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT `+paymentColumns+` FROM payments
		WHERE status IN (?, ?) AND updated_at < ? AND (polled_at IS NULL OR polled_at < ?)
		ORDER BY COALESCE(polled_at, updated_at), id
		LIMIT ?
	`), string(models.StatusInitiated), string(models.StatusAwaitingConfirmation), cutoff, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPolled records a provider lookup that left the payment where it was.
func (r *PaymentRepository) MarkPolled(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.q(`UPDATE payments SET polled_at = ? WHERE id = ?`), dbTime(at), id)
	return err
}
