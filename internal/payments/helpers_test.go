package payments

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/phone"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
	"github.com/akylbek/payment-system/payment-gateway/internal/repository"
)

// fakeProvider is scripted per test. Unset functions fail the call.
type fakeProvider struct {
	charge  func(context.Context, provider.ChargeRequest) (*provider.ChargeResult, error)
	payout  func(context.Context, provider.PayoutRequest) (*provider.PayoutResult, error)
	refund  func(context.Context, provider.RefundRequest) (*provider.RefundResult, error)
	status  func(context.Context, *models.Payment) (*provider.StatusResult, error)
	calls   atomic.Int32
	lastReq atomic.Value
}

var errUnscripted = apperr.New(apperr.Internal, "unscripted call")

func (f *fakeProvider) Charge(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	f.calls.Add(1)
	f.lastReq.Store(req)
	if f.charge == nil {
		return nil, errUnscripted
	}
	return f.charge(ctx, req)
}

func (f *fakeProvider) Payout(ctx context.Context, req provider.PayoutRequest) (*provider.PayoutResult, error) {
	f.calls.Add(1)
	if f.payout == nil {
		return nil, errUnscripted
	}
	return f.payout(ctx, req)
}

func (f *fakeProvider) Refund(ctx context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	f.calls.Add(1)
	if f.refund == nil {
		return nil, errUnscripted
	}
	return f.refund(ctx, req)
}

func (f *fakeProvider) Status(ctx context.Context, p *models.Payment) (*provider.StatusResult, error) {
	if f.status == nil {
		return nil, errUnscripted
	}
	return f.status(ctx, p)
}

// fakeCallback is the JSON shape fakeProvider parses.
type fakeCallback struct {
	Subject       string `json:"subject"`
	Reference     string `json:"reference"`
	CorrelationID string `json:"correlation_id"`
	Outcome       string `json:"outcome"`
	Receipt       string `json:"receipt"`
	Reason        string `json:"reason"`
}

func (f *fakeProvider) DefaultReply(string) interface{} { return "ack" }

func (f *fakeProvider) ParseCallback(kind string, _ url.Values, body []byte) (*provider.Notification, error) {
	n := &provider.Notification{Provider: models.ProviderMpesa, Kind: kind, Raw: body, Reply: "ack"}
	var cb fakeCallback
	if err := json.Unmarshal(body, &cb); err != nil || cb.Outcome == "" {
		return n, apperr.New(apperr.Malformed, "bad callback")
	}
	n.Subject = cb.Subject
	if n.Subject == "" {
		n.Subject = models.SubjectPayment
	}
	n.Reference = cb.Reference
	n.CorrelationID = cb.CorrelationID
	n.Outcome = provider.Outcome(cb.Outcome)
	n.Receipt = cb.Receipt
	n.Reason = cb.Reason
	return n, nil
}

func callbackBody(t *testing.T, cb fakeCallback) []byte {
	t.Helper()
	b, err := json.Marshal(cb)
	require.NoError(t, err)
	return b
}

// refundLookup adds refund status lookups to a fakeProvider.
type refundLookup struct {
	*fakeProvider
	refundStatus func(context.Context, *models.Refund, *models.Payment) (*provider.StatusResult, error)
}

func (f *refundLookup) RefundStatus(ctx context.Context, r *models.Refund, p *models.Payment) (*provider.StatusResult, error) {
	return f.refundStatus(ctx, r, p)
}

// recordingPublisher keeps every published transition.
type recordingPublisher struct {
	mu       sync.Mutex
	payments []string
	refunds  []string
}

func (r *recordingPublisher) PaymentChanged(_ context.Context, p *models.Payment, from models.PaymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, string(from)+">"+string(p.Status))
	return nil
}

func (r *recordingPublisher) RefundChanged(_ context.Context, ref *models.Refund, from models.RefundStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refunds = append(r.refunds, string(from)+">"+string(ref.Status))
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

// fakeClock is settable from tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	deps      *Deps
	fake      *fakeProvider
	clock     *fakeClock
	pub       *recordingPublisher
	snapshots *repository.SnapshotRepository
}

func setup(t *testing.T, impl interface{}) *env {
	t.Helper()
	db, d, err := repository.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.Migrate(context.Background(), db, d))

	fake, _ := impl.(*fakeProvider)
	if fake == nil {
		if rl, ok := impl.(*refundLookup); ok {
			fake = rl.fakeProvider
		}
	}

	reg := provider.NewRegistry()
	reg.Register(models.ProviderMpesa, impl)

	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	snapshots := repository.NewSnapshotRepository(db, d)
	return &env{
		deps: &Deps{
			Payments:  repository.NewPaymentRepository(db, d),
			Refunds:   repository.NewRefundRepository(db, d),
			Snapshots: snapshots,
			Providers: reg,
			Publisher: pub,
			Phones:    phone.NewNormalizer(),
			Now:       clock.Now,
		},
		fake:      fake,
		clock:     clock,
		pub:       pub,
		snapshots: snapshots,
	}
}

func acceptCharge(_ context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	return &provider.ChargeResult{
		MerchantRequestID: "m-" + req.Reference,
		CheckoutRequestID: "ws_CO_" + req.Reference,
		Raw:               []byte(`{"ResponseCode":"0"}`),
	}, nil
}

// succeededPayment runs a charge through to success and returns it.
func succeededPayment(t *testing.T, e *env, ref string) *models.Payment {
	t.Helper()
	ctx := context.Background()
	e.fake.charge = acceptCharge
	res, err := NewInitiator(e.deps).InitiateCharge(ctx, chargeRequest(ref))
	require.NoError(t, err)

	_, err = NewReconciler(e.deps).HandleCallback(ctx, models.ProviderMpesa, "stk", nil, callbackBody(t, fakeCallback{
		CorrelationID: res.Payment.CheckoutRequestID,
		Outcome:       string(provider.OutcomeSucceeded),
		Receipt:       "R-" + ref,
	}))
	require.NoError(t, err)

	p, err := e.deps.Payments.GetByID(ctx, res.Payment.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, p.Status)
	return p
}
