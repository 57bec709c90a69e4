package payments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
)

func awaitingPayment(t *testing.T, e *env, ref string) *models.Payment {
	t.Helper()
	e.fake.charge = acceptCharge
	res, err := NewInitiator(e.deps).InitiateCharge(context.Background(), chargeRequest(ref))
	require.NoError(t, err)
	require.Equal(t, models.StatusAwaitingConfirmation, res.Payment.Status)
	return res.Payment
}

func TestHandleCallback_SuccessThenDuplicate(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")
	rec := NewReconciler(e.deps)
	body := callbackBody(t, fakeCallback{
		CorrelationID: p.CheckoutRequestID,
		Outcome:       string(provider.OutcomeSucceeded),
		Receipt:       "NLJ7RT61SV",
	})

	res, err := rec.HandleCallback(context.Background(), models.ProviderMpesa, "stk", nil, body)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "ack", res.Reply)

	res, err = rec.HandleCallback(context.Background(), models.ProviderMpesa, "stk", nil, body)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	require.NotNil(t, got.ProviderReceipt)
	assert.Equal(t, "NLJ7RT61SV", *got.ProviderReceipt)
	require.NotNil(t, got.ConfirmedAt)
	assert.Equal(t, []string{
		"initiated>awaiting_confirmation",
		"awaiting_confirmation>succeeded",
	}, e.pub.payments)
}

func TestHandleCallback_FirstTerminalWins(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")
	rec := NewReconciler(e.deps)
	ctx := context.Background()

	_, err := rec.HandleCallback(ctx, models.ProviderMpesa, "stk", nil, callbackBody(t, fakeCallback{
		CorrelationID: p.CheckoutRequestID, Outcome: string(provider.OutcomeSucceeded), Receipt: "R1",
	}))
	require.NoError(t, err)
	res, err := rec.HandleCallback(ctx, models.ProviderMpesa, "stk", nil, callbackBody(t, fakeCallback{
		CorrelationID: p.CheckoutRequestID, Outcome: string(provider.OutcomeFailed), Reason: "1032",
	}))
	require.NoError(t, err)
	assert.False(t, res.Applied)

	got, err := e.deps.Payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Nil(t, got.FailureReason)
}

func TestHandleCallback_Failure(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")

	_, err := NewReconciler(e.deps).HandleCallback(context.Background(), models.ProviderMpesa, "stk", nil,
		callbackBody(t, fakeCallback{
			CorrelationID: p.CheckoutRequestID,
			Outcome:       string(provider.OutcomeFailed),
			Reason:        "Request cancelled by user",
		}))
	require.NoError(t, err)

	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "Request cancelled by user", *got.FailureReason)
	assert.Nil(t, got.ProviderReceipt)
}

func TestHandleCallback_MatchesByReferenceWhenCorrelationUnknown(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")

	res, err := NewReconciler(e.deps).HandleCallback(context.Background(), models.ProviderMpesa, "stk", nil,
		callbackBody(t, fakeCallback{
			Reference:     "BOOKING-1",
			CorrelationID: "never-stored",
			Outcome:       string(provider.OutcomeSucceeded),
			Receipt:       "R1",
		}))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
}

func TestHandleCallback_UnknownPaymentIsAcknowledged(t *testing.T) {
	e := setup(t, &fakeProvider{})

	res, err := NewReconciler(e.deps).HandleCallback(context.Background(), models.ProviderMpesa, "stk", nil,
		callbackBody(t, fakeCallback{CorrelationID: "ws_CO_unknown", Outcome: string(provider.OutcomeSucceeded)}))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "ack", res.Reply)
}

func TestHandleCallback_MalformedIsAcknowledgedAndLeavesPayment(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")

	res, err := NewReconciler(e.deps).HandleCallback(context.Background(), models.ProviderMpesa, "stk", nil,
		[]byte(`{"correlation_id":"`+p.CheckoutRequestID+`"}`))
	assert.True(t, apperr.IsKind(err, apperr.Malformed))
	require.NotNil(t, res)
	assert.Equal(t, "ack", res.Reply)

	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingConfirmation, got.Status)
}

func TestHandleCallback_LookupOutcomeQueriesStatus(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")
	e.fake.status = func(_ context.Context, got *models.Payment) (*provider.StatusResult, error) {
		assert.Equal(t, p.ID, got.ID)
		return &provider.StatusResult{State: provider.StateSucceeded, Receipt: "CONF-1", Raw: []byte(`{}`)}, nil
	}

	res, err := NewReconciler(e.deps).HandleCallback(context.Background(), models.ProviderMpesa, "ipn", nil,
		callbackBody(t, fakeCallback{CorrelationID: p.CheckoutRequestID, Outcome: string(provider.OutcomeLookup)}))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, "CONF-1", *got.ProviderReceipt)

	snaps, err := e.snapshots.ListBySubject(context.Background(), models.SubjectPayment, p.ID)
	require.NoError(t, err)
	kinds := make([]string, 0, len(snaps))
	for _, s := range snaps {
		kinds = append(kinds, s.Kind)
	}
	assert.Contains(t, kinds, models.SnapshotCallback)
	assert.Contains(t, kinds, models.SnapshotStatusPoll)
}

func TestRefresh(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")
	rec := NewReconciler(e.deps)

	e.fake.status = func(context.Context, *models.Payment) (*provider.StatusResult, error) {
		return &provider.StatusResult{State: provider.StatePending}, nil
	}
	res, err := rec.Refresh(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, models.StatusUnknownMessage, res.Message)

	e.fake.status = func(context.Context, *models.Payment) (*provider.StatusResult, error) {
		return &provider.StatusResult{State: provider.StateFailed, ReasonCode: "1037", Reason: "DS timeout user cannot be reached"}, nil
	}
	res, err = rec.Refresh(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, models.StatusFailed, res.Payment.Status)
	assert.Equal(t, "1037: DS timeout user cannot be reached", *res.Payment.FailureReason)

	// Terminal payments are not looked up again.
	e.fake.status = nil
	res, err = rec.Refresh(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Payment.Status)
}

func TestRefresh_UnknownPayment(t *testing.T) {
	e := setup(t, &fakeProvider{})
	_, err := NewReconciler(e.deps).Refresh(context.Background(), "missing")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}
