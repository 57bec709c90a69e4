package pesapal

import (
	"encoding/json"
	"net/url"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
)

const KindIPN = "ipn"

type ipnPayload struct {
	OrderNotificationType  string `json:"OrderNotificationType"`
	OrderTrackingID        string `json:"OrderTrackingId"`
	OrderMerchantReference string `json:"OrderMerchantReference"`
}

// ipnReply is the acknowledgement Pesapal requires; status 500 asks it to
// retry later.
type ipnReply struct {
	OrderNotificationType  string `json:"orderNotificationType"`
	OrderTrackingID        string `json:"orderTrackingId"`
	OrderMerchantReference string `json:"orderMerchantReference"`
	Status                 int    `json:"status"`
}

func (p *Provider) DefaultReply(string) interface{} {
	return ipnReply{Status: 500}
}

// ParseCallback accepts the IPN either as a JSON POST body or as GET query
// parameters. An IPN carries no outcome; it always needs a status lookup.
func (p *Provider) ParseCallback(kind string, query url.Values, body []byte) (*provider.Notification, error) {
	var in ipnPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, &apperr.AppError{Kind: apperr.Malformed, PublicMsg: "undecodable IPN", Raw: body}
		}
	}
	if in.OrderTrackingID == "" {
		in = ipnPayload{
			OrderNotificationType:  query.Get("OrderNotificationType"),
			OrderTrackingID:        query.Get("OrderTrackingId"),
			OrderMerchantReference: query.Get("OrderMerchantReference"),
		}
	}
	raw := body
	if len(raw) == 0 {
		raw, _ = json.Marshal(in)
	}

	reply := ipnReply{
		OrderNotificationType:  in.OrderNotificationType,
		OrderTrackingID:        in.OrderTrackingID,
		OrderMerchantReference: in.OrderMerchantReference,
		Status:                 200,
	}
	n := &provider.Notification{
		Provider:      models.ProviderPesapal,
		Kind:          kind,
		Subject:       models.SubjectPayment,
		Reference:     in.OrderMerchantReference,
		CorrelationID: in.OrderTrackingID,
		Outcome:       provider.OutcomeLookup,
		Raw:           raw,
		Reply:         reply,
	}
	if in.OrderTrackingID == "" {
		reply.Status = 500
		n.Reply = reply
		return n, &apperr.AppError{Kind: apperr.Malformed, PublicMsg: "IPN without OrderTrackingId", Raw: raw}
	}
	return n, nil
}
