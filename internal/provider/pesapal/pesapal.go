// Package pesapal integrates the Pesapal v3 hosted-checkout API.
package pesapal

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/config"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
	"github.com/akylbek/payment-system/payment-gateway/internal/token"
)

type Options struct {
	Timeouts   config.TimeoutConfig
	Retry      config.RetryConfig
	HTTPClient *http.Client
	Now        func() time.Time
}

type Provider struct {
	creds  *config.PesapalCredentials
	client *provider.Client
	tokens *token.Manager
	opts   Options
}

func New(creds *config.PesapalCredentials, tokens *token.Manager, opts Options) *Provider {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Provider{
		creds:  creds,
		tokens: tokens,
		opts:   opts,
		client: provider.NewClient(models.ProviderPesapal, provider.ClientOptions{
			MaxRetries:    opts.Retry.MaxRetries,
			RetryInterval: opts.Retry.Interval,
			HTTPClient:    opts.HTTPClient,
		}),
	}
	tokens.Register(models.ProviderPesapal, p)
	return p
}

// apiError is embedded in most responses; Pesapal reports many failures with
// HTTP 200 and a populated error object.
type apiError struct {
	ErrorType string `json:"error_type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e *apiError) present() bool {
	return e != nil && (e.Code != "" || e.Message != "")
}

func (e *apiError) asError(raw []byte) error {
	if strings.Contains(strings.ToLower(e.Code), "token") {
		return &apperr.AppError{Kind: apperr.Unauthorized, Code: e.Code, PublicMsg: e.Message, Raw: raw}
	}
	return apperr.Rejection(e.Code, e.Message, raw)
}

type tokenRequest struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
}

type tokenResponse struct {
	Token      string    `json:"token"`
	ExpiryDate string    `json:"expiryDate"`
	Error      *apiError `json:"error"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
}

func (p *Provider) Exchange(ctx context.Context) (string, time.Duration, error) {
	var out tokenResponse
	raw, err := p.client.Do(ctx, provider.Call{
		Operation: "auth",
		Method:    http.MethodPost,
		URL:       p.creds.Endpoint() + "/api/Auth/RequestToken",
		Body:      tokenRequest{ConsumerKey: p.creds.ConsumerKey, ConsumerSecret: p.creds.ConsumerSecret},
		Timeout:   p.opts.Timeouts.Auth,
		Out:       &out,
	})
	if err != nil {
		return "", 0, err
	}
	if out.Error.present() {
		// Bad credentials come back as an error object, not a 401.
		return "", 0, apperr.Rejection(out.Error.Code, out.Error.Message, raw)
	}

	var ttl time.Duration
	if exp, err := time.Parse(time.RFC3339Nano, out.ExpiryDate); err == nil {
		ttl = exp.Sub(p.opts.Now())
	}
	return out.Token, ttl, nil
}

func (p *Provider) call(ctx context.Context, op, method, path string, body, out interface{}) ([]byte, error) {
	var raw []byte
	err := p.tokens.Do(ctx, models.ProviderPesapal, func(tok string) error {
		var err error
		raw, err = p.client.Do(ctx, provider.Call{
			Operation: op,
			Method:    method,
			URL:       p.creds.Endpoint() + path,
			Token:     tok,
			Body:      body,
			Timeout:   p.opts.Timeouts.Charge,
			Out:       out,
		})
		if err != nil {
			return err
		}
		// Token errors can also arrive inside a 200 body.
		if e := errorOf(out); e.present() && strings.Contains(strings.ToLower(e.Code), "token") {
			return e.asError(raw)
		}
		return nil
	})
	return raw, err
}

type errorCarrier interface {
	apiErr() *apiError
}

func errorOf(out interface{}) *apiError {
	if c, ok := out.(errorCarrier); ok {
		return c.apiErr()
	}
	return nil
}
