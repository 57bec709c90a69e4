package mpesa

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/phone"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
)

type b2cRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

type b2cResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// Payout disburses to a customer's M-Pesa wallet. The outcome arrives on the
// result URL; the queue-timeout URL fires if Daraja never processed it.
func (p *Provider) Payout(ctx context.Context, req provider.PayoutRequest) (*provider.PayoutResult, error) {
	return p.b2c(ctx, provider.TypePayout, req.Reference, req.Amount, req.Phone, req.Remarks, req.Occasion)
}

// Refund on M-Pesa is a B2C payment back to the payer.
func (p *Provider) Refund(ctx context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	remarks := req.Refund.Reason
	if remarks == "" {
		remarks = "Refund " + req.Payment.Reference
	}
	res, err := p.b2c(ctx, provider.TypeRefund, req.Refund.Reference, req.Refund.Amount, req.Phone, remarks, req.Payment.Reference)
	if err != nil {
		return nil, err
	}
	return &provider.RefundResult{
		CorrelationID:  res.ConversationID,
		ConversationID: res.OriginatorID,
		Raw:            res.Raw,
	}, nil
}

func (p *Provider) b2c(ctx context.Context, kind, ref string, amt decimal.Decimal, to phone.Number, remarks, occasion string) (*provider.PayoutResult, error) {
	amount, err := wholeAmount(amt)
	if err != nil {
		return nil, err
	}
	if to == "" {
		return nil, apperr.New(apperr.InvalidPhone, "phone number is required")
	}
	params := map[string]string{provider.QueryReference: ref, provider.QueryType: kind}
	resultURL, err := withQuery(p.creds.ResultURL, params)
	if err != nil {
		return nil, err
	}
	timeoutURL, err := withQuery(p.creds.QueueTimeoutURL, params)
	if err != nil {
		return nil, err
	}
	if remarks == "" {
		remarks = "Payout " + ref
	}

	body := b2cRequest{
		InitiatorName:      p.creds.InitiatorName,
		SecurityCredential: p.creds.SecurityCredential,
		CommandID:          p.creds.B2CCommandID,
		Amount:             amount,
		PartyA:             p.creds.B2CShortCode,
		PartyB:             to.String(),
		Remarks:            truncate(remarks, 100),
		QueueTimeOutURL:    timeoutURL,
		ResultURL:          resultURL,
		Occasion:           truncate(occasion, 100),
	}

	var out b2cResponse
	raw, err := p.post(ctx, "b2c_"+kind, "/mpesa/b2c/v1/paymentrequest", body, &out, p.opts.Timeouts.Payout)
	if err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return nil, apperr.Rejection(out.ResponseCode, out.ResponseDescription, raw)
	}
	if out.ConversationID == "" {
		return nil, &apperr.AppError{Kind: apperr.Malformed, PublicMsg: "accepted payout without conversation id", Raw: raw}
	}
	return &provider.PayoutResult{
		ConversationID: out.ConversationID,
		OriginatorID:   out.OriginatorConversationID,
		Raw:            raw,
	}, nil
}
