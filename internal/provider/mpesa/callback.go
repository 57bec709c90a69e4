package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
)

// Callback kinds, one per registered URL.
const (
	KindSTK        = "stk"
	KindB2CResult  = "b2c_result"
	KindB2CTimeout = "b2c_timeout"
)

type ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var accepted = ack{ResultCode: 0, ResultDesc: "Accepted"}

type metadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

type stkCallback struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string       `json:"MerchantRequestID"`
			CheckoutRequestID string       `json:"CheckoutRequestID"`
			ResultCode        *json.Number `json:"ResultCode"`
			ResultDesc        string       `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type resultParameter struct {
	Key   string      `json:"Key"`
	Value interface{} `json:"Value"`
}

type b2cResult struct {
	Result *struct {
		ResultType               json.Number  `json:"ResultType"`
		ResultCode               *json.Number `json:"ResultCode"`
		ResultDesc               string       `json:"ResultDesc"`
		OriginatorConversationID string       `json:"OriginatorConversationID"`
		ConversationID           string       `json:"ConversationID"`
		TransactionID            string       `json:"TransactionID"`
		ResultParameters         *struct {
			ResultParameter []resultParameter `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

func malformed(msg string, raw []byte) error {
	return &apperr.AppError{Kind: apperr.Malformed, PublicMsg: msg, Raw: raw}
}

func (p *Provider) DefaultReply(string) interface{} { return accepted }

func (p *Provider) ParseCallback(kind string, query url.Values, body []byte) (*provider.Notification, error) {
	n := &provider.Notification{
		Provider:  models.ProviderMpesa,
		Kind:      kind,
		Subject:   models.SubjectPayment,
		Reference: query.Get(provider.QueryReference),
		Raw:       body,
		Reply:     accepted,
	}
	if query.Get(provider.QueryType) == provider.TypeRefund {
		n.Subject = models.SubjectRefund
	}

	switch kind {
	case KindSTK:
		return n, parseSTK(n, body)
	case KindB2CResult:
		return n, parseB2CResult(n, body)
	case KindB2CTimeout:
		return n, parseB2CTimeout(n, body)
	}
	return n, malformed(fmt.Sprintf("unknown callback kind %q", kind), body)
}

func parseSTK(n *provider.Notification, body []byte) error {
	var cb stkCallback
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&cb); err != nil {
		return malformed("undecodable STK callback", body)
	}
	s := cb.Body.StkCallback
	if s == nil || s.CheckoutRequestID == "" || s.ResultCode == nil {
		return malformed("STK callback missing CheckoutRequestID or ResultCode", body)
	}

	n.CorrelationID = s.CheckoutRequestID
	n.ReasonCode = s.ResultCode.String()
	n.Reason = s.ResultDesc
	if n.ReasonCode != "0" {
		n.Outcome = provider.OutcomeFailed
		return nil
	}

	if s.CallbackMetadata != nil {
		for _, item := range s.CallbackMetadata.Item {
			if item.Name == "MpesaReceiptNumber" && item.Value != nil {
				n.Receipt = fmt.Sprint(item.Value)
			}
		}
	}
	if n.Receipt == "" {
		return malformed("successful STK callback without MpesaReceiptNumber", body)
	}
	n.Outcome = provider.OutcomeSucceeded
	return nil
}

func decodeResult(body []byte) (*b2cResult, error) {
	var r b2cResult
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

func parseB2CResult(n *provider.Notification, body []byte) error {
	r, err := decodeResult(body)
	if err != nil {
		return malformed("undecodable B2C result", body)
	}
	res := r.Result
	if res == nil || res.ConversationID == "" || res.ResultCode == nil {
		return malformed("B2C result missing ConversationID or ResultCode", body)
	}

	n.CorrelationID = res.ConversationID
	n.ReasonCode = res.ResultCode.String()
	n.Reason = res.ResultDesc
	if n.ReasonCode != "0" {
		n.Outcome = provider.OutcomeFailed
		return nil
	}

	n.Receipt = res.TransactionID
	if n.Receipt == "" && res.ResultParameters != nil {
		for _, rp := range res.ResultParameters.ResultParameter {
			if rp.Key == "TransactionReceipt" && rp.Value != nil {
				n.Receipt = fmt.Sprint(rp.Value)
			}
		}
	}
	if n.Receipt == "" {
		return malformed("successful B2C result without TransactionID", body)
	}
	n.Outcome = provider.OutcomeSucceeded
	return nil
}

// parseB2CTimeout handles the queue-timeout notification: Daraja gave up on
// the request before processing it.
func parseB2CTimeout(n *provider.Notification, body []byte) error {
	if r, err := decodeResult(body); err == nil && r.Result != nil {
		n.CorrelationID = r.Result.ConversationID
		n.ReasonCode = "queue_timeout"
		if r.Result.ResultCode != nil {
			n.ReasonCode = r.Result.ResultCode.String()
		}
		n.Reason = r.Result.ResultDesc
	}
	if n.CorrelationID == "" && n.Reference == "" {
		return malformed("queue timeout without ConversationID or reference", body)
	}
	if n.Reason == "" {
		n.Reason = models.ReasonQueueTimeout
	}
	n.Outcome = provider.OutcomeFailed
	return nil
}
