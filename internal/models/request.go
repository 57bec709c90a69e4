package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRequest is built per call by the booking/order aggregate.
type PaymentRequest struct {
	Provider    Provider
	Purpose     Purpose
	Amount      decimal.Decimal
	Currency    string
	Phone       string
	Reference   string
	Description string
	Order       *OrderDetails
	// Payout-only fields.
	Remarks  string
	Occasion string
	Deadline time.Time
}

// OrderDetails carries the billing fields of a hosted-checkout order.
type OrderDetails struct {
	Email       string `json:"email" binding:"omitempty,email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	CountryCode string `json:"country_code"`
}

type InitiationResult struct {
	Payment *Payment `json:"payment"`
	// Pending is set when the outcome of the provider call is unknown; the
	// payment will be resolved by callback or status lookup.
	Pending     bool   `json:"pending"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Message     string `json:"message,omitempty"`
}

const StatusUnknownMessage = "payment status unknown, will be resolved automatically"

// CreateChargeRequest is the body of POST /payments/charges.
type CreateChargeRequest struct {
	Provider    Provider        `json:"provider" binding:"required,oneof=mpesa pesapal"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" binding:"omitempty,len=3"`
	Phone       string          `json:"phone"`
	Reference   string          `json:"reference" binding:"required,max=64"`
	Description string          `json:"description" binding:"max=100"`
	Order       *OrderDetails   `json:"order"`
}

// CreatePayoutRequest is the body of POST /payments/payouts.
type CreatePayoutRequest struct {
	Provider  Provider        `json:"provider" binding:"omitempty,oneof=mpesa pesapal"`
	Amount    decimal.Decimal `json:"amount"`
	Phone     string          `json:"phone" binding:"required"`
	Reference string          `json:"reference" binding:"required,max=64"`
	Remarks   string          `json:"remarks" binding:"max=100"`
	Occasion  string          `json:"occasion" binding:"max=100"`
}

// CreateRefundRequest is the body of POST /payments/:id/refunds.
type CreateRefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" binding:"max=100"`
}
