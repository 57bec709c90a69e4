// Package provider defines the capabilities a payment provider integration can
// offer. Implementations live in subpackages and are selected by
// configuration through a Registry.
package provider

import (
	"context"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/phone"
)

// Query parameters embedded in callback URLs so a late callback can be matched
// even when the provider's correlation id was never persisted.
const (
	QueryReference = "ref"
	QueryType      = "type"

	TypePayout = "payout"
	TypeRefund = "refund"
)

type ChargeRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Phone       phone.Number
	Description string
	Order       *models.OrderDetails
}

type ChargeResult struct {
	// MerchantRequestID and CheckoutRequestID are the two provider-issued
	// correlation ids. Hosted-order providers only fill CheckoutRequestID.
	MerchantRequestID string
	CheckoutRequestID string
	RedirectURL       string
	Raw               []byte
}

type PayoutRequest struct {
	Reference string
	Amount    decimal.Decimal
	Phone     phone.Number
	Remarks   string
	Occasion  string
}

type PayoutResult struct {
	// ConversationID correlates the result callback; OriginatorID is our side
	// of the same exchange as echoed by the provider.
	ConversationID string
	OriginatorID   string
	Raw            []byte
}

type RefundRequest struct {
	Refund  *models.Refund
	Payment *models.Payment
	Phone   phone.Number
}

type RefundResult struct {
	CorrelationID  string
	ConversationID string
	Raw            []byte
}

// State is the provider's view of a transaction.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateReversed  State = "reversed"
	StateNotFound  State = "not_found"
)

type StatusResult struct {
	State      State
	Receipt    string
	ReasonCode string
	Reason     string
	Raw        []byte
}

// Outcome of a callback. OutcomeLookup means the notification carries no
// result and a status lookup is needed.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeLookup    Outcome = "lookup"
)

// Notification is a parsed provider callback.
type Notification struct {
	Provider models.Provider
	// Kind is the callback route, e.g. "stk", "b2c_result", "ipn".
	Kind string
	// Subject is models.SubjectPayment or models.SubjectRefund.
	Subject       string
	Reference     string
	CorrelationID string
	Outcome       Outcome
	Receipt       string
	ReasonCode    string
	Reason        string
	Raw           []byte
	// Reply is the body the provider expects back.
	Reply interface{}
}

type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

type Payouter interface {
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
}

type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

type StatusChecker interface {
	Status(ctx context.Context, p *models.Payment) (*StatusResult, error)
}

// RefundStatusChecker is implemented by providers that can look a refund up
// after the fact.
type RefundStatusChecker interface {
	RefundStatus(ctx context.Context, r *models.Refund, p *models.Payment) (*StatusResult, error)
}

// RequestValidator checks provider-specific input rules without any network
// call, so bad input is refused before a payment row is written.
type RequestValidator interface {
	ValidateCharge(req ChargeRequest) error
	ValidatePayout(req PayoutRequest) error
}

type CallbackParser interface {
	ParseCallback(kind string, query url.Values, body []byte) (*Notification, error)
	// DefaultReply is sent when the body could not be parsed at all.
	DefaultReply(kind string) interface{}
}
