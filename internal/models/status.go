package models

import "fmt"

type PaymentStatus string

const (
	StatusInitiated            PaymentStatus = "initiated"
	StatusAwaitingConfirmation PaymentStatus = "awaiting_confirmation"
	StatusSucceeded            PaymentStatus = "succeeded"
	StatusFailed               PaymentStatus = "failed"
	StatusTimedOut             PaymentStatus = "timed_out"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// PaymentEvent is anything that can move a payment forward.
type PaymentEvent string

const (
	// EventAccepted: provider synchronously accepted the initiation request,
	// or the outcome of the request is unknown and will be resolved later.
	EventAccepted PaymentEvent = "accepted"
	// EventRejected: provider synchronously declined the request.
	EventRejected PaymentEvent = "rejected"
	// EventConfirmed: callback or status lookup reported success.
	EventConfirmed PaymentEvent = "confirmed"
	// EventDeclined: callback or status lookup reported failure.
	EventDeclined PaymentEvent = "declined"
	// EventExpired: reconciliation window passed with no provider record, or
	// the provider kept reporting pending past the expiry bound.
	EventExpired PaymentEvent = "expired"
)

// ErrInvalidTransition is returned by the transition functions; it is a
// plain value so callers can treat it as an idempotent no-op.
type ErrInvalidTransition struct {
	From  string
	Event string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: %s on %s", e.Event, e.From)
}

// NextPaymentStatus is the payment state machine. It is a pure function; the
// storage layer applies its result with a compare-and-set on the current
// status.
func NextPaymentStatus(current PaymentStatus, ev PaymentEvent) (PaymentStatus, error) {
	switch current {
	case StatusInitiated:
		switch ev {
		case EventAccepted:
			return StatusAwaitingConfirmation, nil
		case EventRejected:
			return StatusFailed, nil
		case EventExpired:
			// Initiation never recorded a provider answer and the provider
			// has no record of it either.
			return StatusTimedOut, nil
		}
	case StatusAwaitingConfirmation:
		switch ev {
		case EventConfirmed:
			return StatusSucceeded, nil
		case EventDeclined:
			return StatusFailed, nil
		case EventExpired:
			return StatusTimedOut, nil
		}
	}
	return current, &ErrInvalidTransition{From: string(current), Event: string(ev)}
}

type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundSucceeded  RefundStatus = "succeeded"
	RefundFailed     RefundStatus = "failed"
)

func (s RefundStatus) IsTerminal() bool {
	return s == RefundSucceeded || s == RefundFailed
}

type RefundEvent string

const (
	// RefundClaimed: a processor took ownership of the refund and is about to
	// submit the payout.
	RefundClaimed RefundEvent = "claimed"
	// RefundSuperseded: a newer refund for the same payment replaced it.
	RefundSuperseded RefundEvent = "superseded"
	RefundRejected   RefundEvent = "rejected"
	RefundConfirmed  RefundEvent = "confirmed"
	RefundDeclined   RefundEvent = "declined"
)

func NextRefundStatus(current RefundStatus, ev RefundEvent) (RefundStatus, error) {
	switch current {
	case RefundPending:
		switch ev {
		case RefundClaimed:
			return RefundProcessing, nil
		case RefundSuperseded, RefundRejected:
			return RefundFailed, nil
		}
	case RefundProcessing:
		switch ev {
		case RefundConfirmed:
			return RefundSucceeded, nil
		case RefundDeclined, RefundRejected:
			return RefundFailed, nil
		}
	}
	return current, &ErrInvalidTransition{From: string(current), Event: string(ev)}
}

// Failure reason codes recorded alongside provider descriptions.
const (
	ReasonSuperseded            = "superseded"
	ReasonNoProviderRecord      = "no_provider_record"
	ReasonUnresolvedAfterExpiry = "unresolved_after_expiry"
	ReasonAuthFailure           = "auth_failure"
	ReasonQueueTimeout          = "queue_timeout"
)
