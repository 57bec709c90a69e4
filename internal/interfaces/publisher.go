package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

// EventPublisher announces applied state transitions. Failures are reported
// to the caller, which logs them; a transition is never rolled back because
// its event could not be sent.
type EventPublisher interface {
	PaymentChanged(ctx context.Context, p *models.Payment, from models.PaymentStatus) error
	RefundChanged(ctx context.Context, r *models.Refund, from models.RefundStatus) error
	Close() error
}

// Locker hands out short advisory locks. It only reduces duplicate work
// between pollers; correctness rests on the repository's conditional updates.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}
