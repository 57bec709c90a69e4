package mpesa

import (
	"context"
	"strings"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
)

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Charge sends an STK push prompt to the payer's handset.
func (p *Provider) Charge(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	amount, err := wholeAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if req.Phone == "" {
		return nil, apperr.New(apperr.InvalidPhone, "phone number is required")
	}
	callback, err := withQuery(p.creds.CallbackURL, map[string]string{provider.QueryReference: req.Reference})
	if err != nil {
		return nil, err
	}

	ts := p.timestamp()
	body := stkPushRequest{
		BusinessShortCode: p.creds.ShortCode,
		Password:          p.password(ts),
		Timestamp:         ts,
		TransactionType:   p.creds.TransactionType,
		Amount:            amount,
		PartyA:            req.Phone.String(),
		PartyB:            p.creds.ShortCode,
		PhoneNumber:       req.Phone.String(),
		CallBackURL:       callback,
		AccountReference:  truncate(req.Reference, 12),
		TransactionDesc:   truncate("Pay "+req.Reference, 13),
	}

	var out stkPushResponse
	raw, err := p.post(ctx, "stk_push", "/mpesa/stkpush/v1/processrequest", body, &out, p.opts.Timeouts.Charge)
	if err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return nil, apperr.Rejection(out.ResponseCode, out.ResponseDescription, raw)
	}
	if out.CheckoutRequestID == "" {
		return nil, &apperr.AppError{Kind: apperr.Malformed, PublicMsg: "accepted push without checkout id", Raw: raw}
	}
	return &provider.ChargeResult{
		MerchantRequestID: out.MerchantRequestID,
		CheckoutRequestID: out.CheckoutRequestID,
		Raw:               raw,
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// Status looks up an STK push. Payout payments have no synchronous lookup on
// Daraja and are reported pending until their result callback arrives.
func (p *Provider) Status(ctx context.Context, pay *models.Payment) (*provider.StatusResult, error) {
	if pay.CheckoutRequestID == "" {
		return &provider.StatusResult{State: provider.StateNotFound}, nil
	}
	if pay.Purpose == models.PurposePayout {
		return &provider.StatusResult{State: provider.StatePending}, nil
	}

	ts := p.timestamp()
	body := stkQueryRequest{
		BusinessShortCode: p.creds.ShortCode,
		Password:          p.password(ts),
		Timestamp:         ts,
		CheckoutRequestID: pay.CheckoutRequestID,
	}

	var out stkQueryResponse
	raw, err := p.post(ctx, "stk_query", "/mpesa/stkpushquery/v1/query", body, &out, p.opts.Timeouts.Charge)
	if err != nil {
		ae, ok := apperr.As(err)
		if ok && ae.Kind == apperr.BusinessRejection {
			switch {
			case ae.Code == codeSubscriberLocked:
				return &provider.StatusResult{State: provider.StatePending, Raw: raw}, nil
			case strings.Contains(strings.ToLower(ae.PublicMsg), "invalid checkoutrequestid"):
				return &provider.StatusResult{State: provider.StateNotFound, Raw: raw}, nil
			}
		}
		return nil, err
	}

	res := &provider.StatusResult{ReasonCode: out.ResultCode, Reason: out.ResultDesc, Raw: raw}
	switch out.ResultCode {
	case "0":
		// The query API does not return the M-Pesa receipt number; the checkout
		// id stands in for it until the callback, if any, is replayed.
		res.State = provider.StateSucceeded
		res.Receipt = out.CheckoutRequestID
	case "", "4999":
		res.State = provider.StatePending
	default:
		res.State = provider.StateFailed
	}
	return res, nil
}
