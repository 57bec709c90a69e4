package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

const maxResponseBytes = 1 << 20

// Classifier maps a non-2xx response to an error. Returning nil means the body
// should be decoded as a normal response.
type Classifier func(status int, body []byte) error

type ClientOptions struct {
	MaxRetries    int
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Classify      Classifier
}

// Client sends JSON requests to one provider. Transient failures (network
// errors, 429, 5xx) are retried with linear backoff; everything else is
// returned at once.
type Client struct {
	provider models.Provider
	http     *http.Client
	opts     ClientOptions
}

func NewClient(p models.Provider, opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if opts.Classify == nil {
		opts.Classify = DefaultClassify
	}
	return &Client{provider: p, http: hc, opts: opts}
}

type Call struct {
	Operation string
	Method    string
	URL       string
	// Bearer token, or basic-auth credentials for token endpoints.
	Token     string
	BasicUser string
	BasicPass string
	Body      interface{}
	Timeout   time.Duration
	// Out receives the decoded response when non-nil.
	Out interface{}
}

// Do performs call and returns the raw response body of the final attempt.
func (c *Client) Do(ctx context.Context, call Call) ([]byte, error) {
	var payload []byte
	if call.Body != nil {
		var err error
		if payload, err = json.Marshal(call.Body); err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", call.Operation, err)
		}
	}

	var raw []byte
	attempt := 0
	op := func() error {
		attempt++
		body, err := c.once(ctx, call, payload)
		raw = body
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(apperr.Wrap(apperr.Timeout, "provider call abandoned by caller", err))
		}
		if apperr.IsKind(err, apperr.TransientNetworkFailure) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: c.opts.RetryInterval}, uint64(c.opts.MaxRetries)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		telemetry.WithTrace(ctx).Warn("Retrying provider call",
			zap.String("provider", string(c.provider)),
			zap.String("operation", call.Operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if !apperr.IsKind(err, apperr.Timeout) && !apperr.IsKind(err, apperr.TransientNetworkFailure) {
				err = apperr.Wrap(apperr.Timeout, "provider call abandoned by caller", err)
			}
		}
		return raw, err
	}

	if call.Out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, call.Out); err != nil {
			return raw, &apperr.AppError{
				Kind:      apperr.Malformed,
				PublicMsg: fmt.Sprintf("undecodable %s response", call.Operation),
				Err:       err,
				Raw:       raw,
			}
		}
	}
	return raw, nil
}

func (c *Client) once(ctx context.Context, call Call, payload []byte) ([]byte, error) {
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", call.Operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case call.Token != "":
		req.Header.Set("Authorization", "Bearer "+call.Token)
	case call.BasicUser != "":
		req.SetBasicAuth(call.BasicUser, call.BasicPass)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.ProviderCallDuration.WithLabelValues(string(c.provider), call.Operation, "error").
			Observe(time.Since(start).Seconds())
		return nil, apperr.Wrap(apperr.TransientNetworkFailure, "provider unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	telemetry.ProviderCallDuration.WithLabelValues(string(c.provider), call.Operation, strconv.Itoa(resp.StatusCode)).
		Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientNetworkFailure, "provider response interrupted", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	if err := c.opts.Classify(resp.StatusCode, raw); err != nil {
		return raw, err
	}
	return raw, nil
}

// DefaultClassify treats 401/403 as an unusable token, 429 and 5xx as
// transient, and any other 4xx as a business rejection.
func DefaultClassify(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &apperr.AppError{Kind: apperr.Unauthorized, Code: strconv.Itoa(status), PublicMsg: "provider rejected credentials", Raw: body}
	case status == http.StatusTooManyRequests || status >= 500:
		return &apperr.AppError{Kind: apperr.TransientNetworkFailure, Code: strconv.Itoa(status), PublicMsg: "provider unavailable", Raw: body}
	default:
		return apperr.Rejection(strconv.Itoa(status), "provider rejected the request", body)
	}
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
