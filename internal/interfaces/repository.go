package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

// PaymentRepository defines the contract for payment data access. Lookups
// return an apperr NotFound error when nothing matches.
type PaymentRepository interface {
	// Create fails with apperr Conflict when (provider, purpose, reference) is
	// already taken.
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByCorrelation(ctx context.Context, provider models.Provider, correlationID string) (*models.Payment, error)
	GetByReference(ctx context.Context, provider models.Provider, purpose models.Purpose, reference string) (*models.Payment, error)
	// Transition applies u only if the payment is still in u.From and reports
	// whether it did.
	Transition(ctx context.Context, id string, u models.PaymentUpdate) (bool, error)
	// ListUnresolved returns initiated and awaiting_confirmation payments
	// neither updated nor polled since before, least recently polled first.
	ListUnresolved(ctx context.Context, before time.Time, limit int) ([]*models.Payment, error)
	// MarkPolled records an inconclusive provider lookup so the next sweep
	// moves on to other payments.
	MarkPolled(ctx context.Context, id string, at time.Time) error
}

type RefundRepository interface {
	// CreateSuperseding fails every pending refund of the same payment and
	// inserts r, atomically. It fails with apperr Conflict while another
	// refund of that payment is processing or once one has succeeded.
	CreateSuperseding(ctx context.Context, r *models.Refund) ([]*models.Refund, error)
	GetByID(ctx context.Context, id string) (*models.Refund, error)
	GetByCorrelation(ctx context.Context, provider models.Provider, correlationID string) (*models.Refund, error)
	GetByReference(ctx context.Context, provider models.Provider, reference string) (*models.Refund, error)
	GetProcessingByPayment(ctx context.Context, paymentID string) (*models.Refund, error)
	ListByPayment(ctx context.Context, paymentID string) ([]*models.Refund, error)
	Transition(ctx context.Context, id string, u models.RefundUpdate) (bool, error)
	// ListStale returns refunds in status not touched since updatedBefore.
	ListStale(ctx context.Context, status models.RefundStatus, updatedBefore time.Time, limit int) ([]*models.Refund, error)
}

// SnapshotRepository is append-only.
type SnapshotRepository interface {
	Append(ctx context.Context, s *models.Snapshot) error
	ListBySubject(ctx context.Context, subjectType, subjectID string) ([]*models.Snapshot, error)
}
