// Package token caches short-lived provider bearer tokens.
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

// Exchanger performs one client-credentials exchange. A zero ttl means the
// provider did not declare one.
type Exchanger interface {
	Exchange(ctx context.Context) (value string, ttl time.Duration, err error)
}

type ExchangeFunc func(ctx context.Context) (string, time.Duration, error)

func (f ExchangeFunc) Exchange(ctx context.Context) (string, time.Duration, error) { return f(ctx) }

type Token struct {
	Value     string
	ExpiresAt time.Time
}

type Options struct {
	SafetyMargin  time.Duration
	FallbackTTL   time.Duration
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	Now           func() time.Time
}

// Manager is safe for concurrent use. Two callers racing past an expired token
// may both exchange; the last write wins.
type Manager struct {
	opts Options

	mu         sync.RWMutex
	tokens     map[models.Provider]Token
	exchangers map[models.Provider]Exchanger
}

func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FallbackTTL <= 0 {
		opts.FallbackTTL = 50 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Manager{
		opts:       opts,
		tokens:     make(map[models.Provider]Token),
		exchangers: make(map[models.Provider]Exchanger),
	}
}

func (m *Manager) Register(p models.Provider, ex Exchanger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchangers[p] = ex
}

// Get returns a cached token while now < expiry - margin, otherwise exchanges
// credentials for a new one. Exhausted retries surface as AuthFailure.
func (m *Manager) Get(ctx context.Context, p models.Provider) (string, error) {
	m.mu.RLock()
	tok, ok := m.tokens[p]
	ex := m.exchangers[p]
	m.mu.RUnlock()

	if ok && m.opts.Now().Before(tok.ExpiresAt.Add(-m.opts.SafetyMargin)) {
		return tok.Value, nil
	}
	if ex == nil {
		return "", apperr.New(apperr.ConfigurationMissing, fmt.Sprintf("no token exchanger for %s", p))
	}

	value, ttl, err := m.exchange(ctx, p, ex)
	if err != nil {
		telemetry.TokenExchanges.WithLabelValues(string(p), "failure").Inc()
		telemetry.Logger.Error("Token exchange failed",
			zap.String("provider", string(p)),
			zap.Error(err),
		)
		return "", apperr.Wrap(apperr.AuthFailure, "could not obtain provider token", err)
	}
	if ttl <= 0 {
		ttl = m.opts.FallbackTTL
	}

	m.mu.Lock()
	m.tokens[p] = Token{Value: value, ExpiresAt: m.opts.Now().Add(ttl)}
	m.mu.Unlock()

	telemetry.TokenExchanges.WithLabelValues(string(p), "success").Inc()
	telemetry.Logger.Info("Provider token refreshed",
		zap.String("provider", string(p)),
		zap.Duration("ttl", ttl),
	)
	return value, nil
}

func (m *Manager) exchange(ctx context.Context, p models.Provider, ex Exchanger) (string, time.Duration, error) {
	var (
		value string
		ttl   time.Duration
	)
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()

		v, d, err := ex.Exchange(attemptCtx)
		if err != nil {
			// Rejected credentials will not get better by retrying.
			if apperr.IsKind(err, apperr.Unauthorized) || apperr.IsKind(err, apperr.BusinessRejection) {
				return backoff.Permanent(err)
			}
			return err
		}
		if v == "" {
			return backoff.Permanent(apperr.New(apperr.Malformed, "token response without token"))
		}
		value, ttl = v, d
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.RetryInterval), uint64(m.opts.MaxRetries)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		telemetry.Logger.Warn("Retrying token exchange",
			zap.String("provider", string(p)),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", 0, err
	}
	return value, ttl, nil
}

// Invalidate drops the cached token for p, but only if it is still stale. A
// token refreshed concurrently by another caller is left alone.
func (m *Manager) Invalidate(p models.Provider, stale string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.tokens[p]; ok && tok.Value == stale {
		delete(m.tokens, p)
	}
}

// Do calls fn with a token for p. If fn reports Unauthorized the token is
// invalidated and fn is retried exactly once with a freshly exchanged token.
func (m *Manager) Do(ctx context.Context, p models.Provider, fn func(token string) error) error {
	tok, err := m.Get(ctx, p)
	if err != nil {
		return err
	}
	err = fn(tok)
	if !apperr.IsKind(err, apperr.Unauthorized) {
		return err
	}

	telemetry.Logger.Warn("Provider rejected cached token, refreshing",
		zap.String("provider", string(p)),
	)
	m.Invalidate(p, tok)

	tok, err = m.Get(ctx, p)
	if err != nil {
		return err
	}
	err = fn(tok)
	if apperr.IsKind(err, apperr.Unauthorized) {
		return apperr.Wrap(apperr.AuthFailure, "provider rejected a fresh token", err)
	}
	return err
}
