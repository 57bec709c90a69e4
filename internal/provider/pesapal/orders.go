package pesapal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
)

type billingAddress struct {
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	CountryCode  string `json:"country_code,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
}

type orderRequest struct {
	ID             string         `json:"id"`
	Currency       string         `json:"currency"`
	Amount         json.Number    `json:"amount"`
	Description    string         `json:"description"`
	CallbackURL    string         `json:"callback_url"`
	NotificationID string         `json:"notification_id"`
	BillingAddress billingAddress `json:"billing_address"`
}

type orderResponse struct {
	OrderTrackingID   string    `json:"order_tracking_id"`
	MerchantReference string    `json:"merchant_reference"`
	RedirectURL       string    `json:"redirect_url"`
	Error             *apiError `json:"error"`
	Status            string    `json:"status"`
}

func (r *orderResponse) apiErr() *apiError { return r.Error }

// Charge submits a hosted-checkout order. The order id is the caller's
// reference, so IPNs carry it back as OrderMerchantReference.
func (p *Provider) Charge(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	if err := p.ValidateCharge(req); err != nil {
		return nil, err
	}
	billing := billingAddress{PhoneNumber: req.Phone.String()}
	if o := req.Order; o != nil {
		billing.EmailAddress = o.Email
		billing.FirstName = o.FirstName
		billing.LastName = o.LastName
		billing.CountryCode = o.CountryCode
	}

	callback, err := url.Parse(p.creds.CallbackURL)
	if err != nil {
		return nil, err
	}
	q := callback.Query()
	q.Set(provider.QueryReference, req.Reference)
	callback.RawQuery = q.Encode()

	currency := req.Currency
	if currency == "" {
		currency = p.creds.Currency
	}
	desc := req.Description
	if desc == "" {
		desc = "Payment for " + req.Reference
	}
	if len(desc) > 100 {
		desc = desc[:100]
	}

	body := orderRequest{
		ID:             req.Reference,
		Currency:       strings.ToUpper(currency),
		Amount:         json.Number(req.Amount.String()),
		Description:    desc,
		CallbackURL:    callback.String(),
		NotificationID: p.creds.NotificationID,
		BillingAddress: billing,
	}

	var out orderResponse
	raw, err := p.call(ctx, "submit_order", http.MethodPost, "/api/Transactions/SubmitOrderRequest", body, &out)
	if err != nil {
		return nil, err
	}
	if out.Error.present() {
		return nil, out.Error.asError(raw)
	}
	if out.OrderTrackingID == "" || out.RedirectURL == "" {
		return nil, &apperr.AppError{Kind: apperr.Malformed, PublicMsg: "order accepted without tracking id or redirect url", Raw: raw}
	}
	return &provider.ChargeResult{
		MerchantRequestID: out.MerchantReference,
		CheckoutRequestID: out.OrderTrackingID,
		RedirectURL:       out.RedirectURL,
		Raw:               raw,
	}, nil
}

type statusResponse struct {
	PaymentMethod            string    `json:"payment_method"`
	Amount                   float64   `json:"amount"`
	ConfirmationCode         string    `json:"confirmation_code"`
	PaymentStatusDescription string    `json:"payment_status_description"`
	Description              string    `json:"description"`
	StatusCode               int       `json:"status_code"`
	MerchantReference        string    `json:"merchant_reference"`
	PaymentStatusCode        string    `json:"payment_status_code"`
	Currency                 string    `json:"currency"`
	Error                    *apiError `json:"error"`
	Status                   string    `json:"status"`
}

func (p *Provider) ValidateCharge(req provider.ChargeRequest) error {
	if !req.Amount.IsPositive() {
		return apperr.New(apperr.Invalid, "amount must be positive")
	}
	if req.Phone == "" && (req.Order == nil || req.Order.Email == "") {
		return apperr.New(apperr.Invalid, "an email address or phone number is required")
	}
	return nil
}

// ValidatePayout always fails: Pesapal has no disbursement API.
func (p *Provider) ValidatePayout(provider.PayoutRequest) error {
	return apperr.New(apperr.Invalid, "pesapal does not support payouts")
}

func (r *statusResponse) apiErr() *apiError { return r.Error }

const (
	statusInvalid   = 0
	statusCompleted = 1
	statusFailed    = 2
	statusReversed  = 3
)

func (p *Provider) lookup(ctx context.Context, trackingID string) (*provider.StatusResult, error) {
	var out statusResponse
	path := "/api/Transactions/GetTransactionStatus?orderTrackingId=" + url.QueryEscape(trackingID)
	raw, err := p.call(ctx, "transaction_status", http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}

	res := &provider.StatusResult{
		Receipt:    out.ConfirmationCode,
		ReasonCode: out.PaymentStatusCode,
		Reason:     out.Description,
		Raw:        raw,
	}
	if res.Reason == "" {
		res.Reason = out.PaymentStatusDescription
	}

	switch {
	case out.Error.present():
		// An order the customer has not paid yet is reported as
		// payment_details_not_found with a "Pending Payment" message.
		switch {
		case strings.Contains(strings.ToLower(out.Error.Message), "pending"):
			res.State = provider.StatePending
		case strings.Contains(strings.ToLower(out.Error.Code), "not_found"):
			res.State = provider.StateNotFound
		default:
			return nil, out.Error.asError(raw)
		}
	case out.StatusCode == statusCompleted:
		res.State = provider.StateSucceeded
	case out.StatusCode == statusFailed:
		res.State = provider.StateFailed
	case out.StatusCode == statusReversed:
		res.State = provider.StateReversed
	default:
		res.State = provider.StatePending
	}
	if res.State == provider.StateSucceeded && res.Receipt == "" {
		return nil, &apperr.AppError{Kind: apperr.Malformed, PublicMsg: "completed order without confirmation code", Raw: raw}
	}
	return res, nil
}

func (p *Provider) Status(ctx context.Context, pay *models.Payment) (*provider.StatusResult, error) {
	if pay.CheckoutRequestID == "" {
		return &provider.StatusResult{State: provider.StateNotFound}, nil
	}
	return p.lookup(ctx, pay.CheckoutRequestID)
}

// RefundStatus reports a refund as succeeded once its order shows REVERSED.
// Pesapal approves refunds manually, so anything else is still pending.
func (p *Provider) RefundStatus(ctx context.Context, r *models.Refund, pay *models.Payment) (*provider.StatusResult, error) {
	res, err := p.lookup(ctx, pay.CheckoutRequestID)
	if err != nil {
		return nil, err
	}
	if res.State == provider.StateReversed {
		res.State = provider.StateSucceeded
		return res, nil
	}
	res.State = provider.StatePending
	return res, nil
}

type refundRequest struct {
	ConfirmationCode string `json:"confirmation_code"`
	Amount           string `json:"amount"`
	Username         string `json:"username"`
	Remarks          string `json:"remarks"`
}

type refundResponse struct {
	Status  string    `json:"status"`
	Message string    `json:"message"`
	Error   *apiError `json:"error"`
}

func (r *refundResponse) apiErr() *apiError { return r.Error }

// Refund asks Pesapal to reverse the completed order. The refund resolves
// when the order's IPN or status lookup reports REVERSED.
func (p *Provider) Refund(ctx context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	if req.Payment.ProviderReceipt == nil || *req.Payment.ProviderReceipt == "" {
		return nil, apperr.New(apperr.Invalid, "payment has no confirmation code to refund against")
	}
	remarks := req.Refund.Reason
	if remarks == "" {
		remarks = "Refund " + req.Payment.Reference
	}

	var out refundResponse
	raw, err := p.call(ctx, "refund", http.MethodPost, "/api/Transactions/RefundRequest", refundRequest{
		ConfirmationCode: *req.Payment.ProviderReceipt,
		Amount:           req.Refund.Amount.String(),
		Username:         p.creds.RefundUsername,
		Remarks:          remarks,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Error.present() {
		return nil, out.Error.asError(raw)
	}
	if out.Status != "200" {
		return nil, apperr.Rejection(out.Status, out.Message, raw)
	}
	return &provider.RefundResult{CorrelationID: req.Payment.CheckoutRequestID, Raw: raw}, nil
}
