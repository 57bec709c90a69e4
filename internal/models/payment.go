package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderMpesa   Provider = "mpesa"
	ProviderPesapal Provider = "pesapal"
)

type Purpose string

const (
	PurposeCharge Purpose = "charge"
	PurposePayout Purpose = "payout"
)

type Payment struct {
	ID                string          `json:"id"`
	Provider          Provider        `json:"provider"`
	Purpose           Purpose         `json:"purpose"`
	Reference         string          `json:"reference"`
	MerchantRequestID string          `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string          `json:"checkout_request_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Phone             string          `json:"phone,omitempty"`
	Status            PaymentStatus   `json:"status"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	ProviderReceipt   *string         `json:"provider_receipt,omitempty"`
	RedirectURL       string          `json:"redirect_url,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ConfirmedAt       *time.Time      `json:"confirmed_at,omitempty"`
}

// PaymentUpdate is applied by the repository only if the payment is still in
// From. Empty optional fields leave the stored value untouched.
type PaymentUpdate struct {
	From              PaymentStatus
	To                PaymentStatus
	MerchantRequestID string
	CheckoutRequestID string
	RedirectURL       string
	FailureReason     string
	ProviderReceipt   string
	At                time.Time
}

type Refund struct {
	ID             string          `json:"id"`
	PaymentID      string          `json:"payment_id"`
	Reference      string          `json:"reference"`
	Provider       Provider        `json:"provider"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Phone          string          `json:"phone,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Status         RefundStatus    `json:"status"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	TransactionID  *string         `json:"provider_transaction_id,omitempty"`
	FailureReason  *string         `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

type RefundUpdate struct {
	From           RefundStatus
	To             RefundStatus
	CorrelationID  string
	ConversationID string
	TransactionID  string
	FailureReason  string
	At             time.Time
}

// Snapshot is an append-only audit record of a raw provider exchange.
type Snapshot struct {
	ID          string
	Provider    Provider
	SubjectType string
	SubjectID   string
	Kind        string
	Payload     []byte
	CreatedAt   time.Time
}

const (
	SubjectPayment = "payment"
	SubjectRefund  = "refund"

	SnapshotInitiation = "initiation_response"
	SnapshotCallback   = "callback"
	SnapshotMalformed  = "malformed_callback"
	SnapshotStatusPoll = "status_lookup"
	SnapshotPayout     = "payout_response"
)
