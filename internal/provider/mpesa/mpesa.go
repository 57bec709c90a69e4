// Package mpesa integrates the Safaricom Daraja API: OAuth, STK push,
// STK status query and B2C payouts.
package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/config"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/phone"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
	"github.com/akylbek/payment-system/payment-gateway/internal/token"
)

const (
	codeSubscriberLocked   = "500.001.1001"
	codeInvalidAccessToken = "404.001.03"
)

// Daraja timestamps are in East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type Options struct {
	Timeouts   config.TimeoutConfig
	Retry      config.RetryConfig
	HTTPClient *http.Client
	Now        func() time.Time
}

type Provider struct {
	creds  *config.MpesaCredentials
	client *provider.Client
	tokens *token.Manager
	opts   Options
}

// New builds the provider and registers its credential exchange with tokens.
func New(creds *config.MpesaCredentials, tokens *token.Manager, opts Options) *Provider {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Provider{
		creds:  creds,
		tokens: tokens,
		opts:   opts,
		client: provider.NewClient(models.ProviderMpesa, provider.ClientOptions{
			MaxRetries:    opts.Retry.MaxRetries,
			RetryInterval: opts.Retry.Interval,
			HTTPClient:    opts.HTTPClient,
			Classify:      classify,
		}),
	}
	tokens.Register(models.ProviderMpesa, p)
	return p
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (p *Provider) Exchange(ctx context.Context) (string, time.Duration, error) {
	var out tokenResponse
	_, err := p.client.Do(ctx, provider.Call{
		Operation: "oauth",
		Method:    http.MethodGet,
		URL:       p.creds.Endpoint() + "/oauth/v1/generate?grant_type=client_credentials",
		BasicUser: p.creds.ConsumerKey,
		BasicPass: p.creds.ConsumerSecret,
		Timeout:   p.opts.Timeouts.Auth,
		Out:       &out,
	})
	if err != nil {
		return "", 0, err
	}
	secs, _ := strconv.Atoi(out.ExpiresIn)
	return out.AccessToken, time.Duration(secs) * time.Second, nil
}

// post sends an authenticated request, refreshing the token once if Daraja
// rejects it.
func (p *Provider) post(ctx context.Context, op, path string, body, out interface{}, timeout time.Duration) ([]byte, error) {
	var raw []byte
	err := p.tokens.Do(ctx, models.ProviderMpesa, func(tok string) error {
		var err error
		raw, err = p.client.Do(ctx, provider.Call{
			Operation: op,
			Method:    http.MethodPost,
			URL:       p.creds.Endpoint() + path,
			Token:     tok,
			Body:      body,
			Timeout:   timeout,
			Out:       out,
		})
		return err
	})
	return raw, err
}

// errorResponse is Daraja's envelope for request-level failures.
type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func classify(status int, body []byte) error {
	var e errorResponse
	_ = json.Unmarshal(body, &e)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || e.ErrorCode == codeInvalidAccessToken:
		return &apperr.AppError{Kind: apperr.Unauthorized, Code: e.ErrorCode, PublicMsg: "access token rejected", Raw: body}
	case e.ErrorCode == codeSubscriberLocked:
		// Another push is in flight for this subscriber, or the query found the
		// transaction still being processed. Either way it is not transient.
		return apperr.Rejection(e.ErrorCode, e.ErrorMessage, body)
	case status >= 400 && status < 500 && e.ErrorCode != "":
		return apperr.Rejection(e.ErrorCode, e.ErrorMessage, body)
	}
	return provider.DefaultClassify(status, body)
}

func (p *Provider) timestamp() string {
	return p.opts.Now().In(eat).Format("20060102150405")
}

func (p *Provider) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(p.creds.ShortCode + p.creds.Passkey + ts))
}

// wholeAmount rejects fractional amounts; Daraja only moves whole shillings.
func wholeAmount(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, apperr.New(apperr.Invalid, "amount must be positive")
	}
	if !amount.Equal(amount.Truncate(0)) {
		return 0, apperr.New(apperr.Invalid, "M-Pesa amounts must be whole numbers")
	}
	return amount.IntPart(), nil
}

func validate(amount decimal.Decimal, to phone.Number) error {
	if _, err := wholeAmount(amount); err != nil {
		return err
	}
	if to == "" {
		return apperr.New(apperr.InvalidPhone, "phone number is required")
	}
	return nil
}

func (p *Provider) ValidateCharge(req provider.ChargeRequest) error {
	return validate(req.Amount, req.Phone)
}

func (p *Provider) ValidatePayout(req provider.PayoutRequest) error {
	return validate(req.Amount, req.Phone)
}

func withQuery(base string, params map[string]string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse callback url: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
