package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	allPaymentStatuses = []PaymentStatus{
		StatusInitiated, StatusAwaitingConfirmation, StatusSucceeded, StatusFailed, StatusTimedOut,
	}
	allPaymentEvents = []PaymentEvent{
		EventAccepted, EventRejected, EventConfirmed, EventDeclined, EventExpired,
	}
	allRefundStatuses = []RefundStatus{RefundPending, RefundProcessing, RefundSucceeded, RefundFailed}
	allRefundEvents   = []RefundEvent{
		RefundClaimed, RefundSuperseded, RefundRejected, RefundConfirmed, RefundDeclined,
	}
)

func TestNextPaymentStatus_Table(t *testing.T) {
	allowed := map[PaymentStatus]map[PaymentEvent]PaymentStatus{
		StatusInitiated: {
			EventAccepted: StatusAwaitingConfirmation,
			EventRejected: StatusFailed,
			EventExpired:  StatusTimedOut,
		},
		StatusAwaitingConfirmation: {
			EventConfirmed: StatusSucceeded,
			EventDeclined:  StatusFailed,
			EventExpired:   StatusTimedOut,
		},
	}

	for _, from := range allPaymentStatuses {
		for _, ev := range allPaymentEvents {
			got, err := NextPaymentStatus(from, ev)
			want, ok := allowed[from][ev]
			if ok {
				assert.NoError(t, err, "%s on %s", ev, from)
				assert.Equal(t, want, got, "%s on %s", ev, from)
				continue
			}
			assert.Error(t, err, "%s on %s", ev, from)
			assert.Equal(t, from, got, "rejected transition must not move %s", from)
		}
	}
}

func TestNextPaymentStatus_TerminalStatesAreAbsorbing(t *testing.T) {
	for _, from := range allPaymentStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, ev := range allPaymentEvents {
			_, err := NextPaymentStatus(from, ev)
			var invalid *ErrInvalidTransition
			assert.ErrorAs(t, err, &invalid)
		}
	}
}

func TestNextPaymentStatus_FirstTerminalWins(t *testing.T) {
	s, err := NextPaymentStatus(StatusAwaitingConfirmation, EventConfirmed)
	assert.NoError(t, err)

	s, err = NextPaymentStatus(s, EventDeclined)
	assert.Error(t, err)
	assert.Equal(t, StatusSucceeded, s)
}

func TestNextRefundStatus_Table(t *testing.T) {
	allowed := map[RefundStatus]map[RefundEvent]RefundStatus{
		RefundPending: {
			RefundClaimed:    RefundProcessing,
			RefundSuperseded: RefundFailed,
			RefundRejected:   RefundFailed,
		},
		RefundProcessing: {
			RefundConfirmed: RefundSucceeded,
			RefundDeclined:  RefundFailed,
			RefundRejected:  RefundFailed,
		},
	}

	for _, from := range allRefundStatuses {
		for _, ev := range allRefundEvents {
			got, err := NextRefundStatus(from, ev)
			want, ok := allowed[from][ev]
			if ok {
				assert.NoError(t, err, "%s on %s", ev, from)
				assert.Equal(t, want, got)
				continue
			}
			assert.Error(t, err, "%s on %s", ev, from)
			assert.Equal(t, from, got)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, StatusInitiated.IsTerminal())
	assert.False(t, StatusAwaitingConfirmation.IsTerminal())
	assert.True(t, StatusTimedOut.IsTerminal())
	assert.False(t, RefundProcessing.IsTerminal())
	assert.True(t, RefundFailed.IsTerminal())
}
