package payment

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/relay-authz/internal/event"
	"github.com/tokligence/relay-authz/internal/ledger"
	"github.com/tokligence/relay-authz/internal/ledger/memory"
)

var (
	payee   = strings.Repeat("2b", 32)
	other   = strings.Repeat("3c", 32)
	eventID = strings.Repeat("ab", 32)
)

func zapEvent(t *testing.T, id string, tags ...event.Tag) event.Event {
	t.Helper()
	return event.Event{ID: id, Kind: 9735, Tags: tags}
}

func TestDecodeReceipt(t *testing.T) {
	ev := zapEvent(t, strings.ToUpper(eventID),
		event.Tag{"description", "{}"},
		event.Tag{TagRecipient, payee},
		event.Tag{TagInvoice, testInvoice(t, "lnbc50u")},
	)
	r, err := Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, payee, r.Payee)
	assert.Equal(t, uint64(5_000_000), r.AmountMsat)
	assert.Equal(t, int64(5000), r.Amount)
	assert.Equal(t, eventID, r.ProofID)
}

func TestDecodeDiscardsSubSatoshiRemainder(t *testing.T) {
	ev := zapEvent(t, eventID,
		event.Tag{TagInvoice, testInvoice(t, "lnbc9990p")},
		event.Tag{TagRecipient, payee},
	)
	r, err := Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, uint64(999), r.AmountMsat)
	assert.Equal(t, int64(0), r.Amount)
}

func TestDecodeStopsOnceBothFieldsAreKnown(t *testing.T) {
	ev := zapEvent(t, eventID,
		event.Tag{TagRecipient, other},
		event.Tag{TagRecipient, payee},
		event.Tag{TagInvoice, testInvoice(t, "lnbc1u")},
		event.Tag{TagRecipient, other},
		event.Tag{TagInvoice, "garbage"},
	)
	r, err := Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, payee, r.Payee)
	assert.Equal(t, int64(100), r.Amount)
}

func TestDecodeMissingFields(t *testing.T) {
	cases := map[string]event.Event{
		"no tags":      zapEvent(t, eventID),
		"no recipient": zapEvent(t, eventID, event.Tag{TagInvoice, testInvoice(t, "lnbc10u")}),
		"no invoice":   zapEvent(t, eventID, event.Tag{TagRecipient, payee}),
		"no amount":    zapEvent(t, eventID, event.Tag{TagRecipient, payee}, event.Tag{TagInvoice, testInvoice(t, "lnbc")}),
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(ev)
			assert.True(t, errors.Is(err, ErrMalformedPayment), "err = %v", err)
			assert.True(t, errors.Is(err, ErrPaymentNotFound), "err = %v", err)
		})
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode(zapEvent(t, eventID, event.Tag{TagInvoice, "lnbc1garbage"}))
	assert.True(t, errors.Is(err, ErrMalformedPayment))
	assert.True(t, errors.Is(err, ErrInvalidInvoice))

	_, err = Decode(zapEvent(t, eventID, event.Tag{TagRecipient, "nothex"}, event.Tag{TagInvoice, testInvoice(t, "lnbc10u")}))
	assert.True(t, errors.Is(err, ErrMalformedPayment))
	assert.True(t, errors.Is(err, event.ErrInvalidPrincipal))

	_, err = Decode(zapEvent(t, "", event.Tag{TagRecipient, payee}, event.Tag{TagInvoice, testInvoice(t, "lnbc10u")}))
	assert.True(t, errors.Is(err, ErrMalformedPayment))
}

func TestPipelineCreditsOnceAndOnboards(t *testing.T) {
	ctx := context.Background()
	var notices []ledger.Notice
	svc := ledger.NewService(memory.New(), ledger.WithNotifier(ledger.NotifierFunc(func(n ledger.Notice) {
		notices = append(notices, n)
	})))
	p := NewPipeline(svc, nil)

	ev := zapEvent(t, eventID, event.Tag{TagRecipient, payee}, event.Tag{TagInvoice, testInvoice(t, "lnbc50u")})

	res, err := p.Process(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Credit.Created)
	assert.Equal(t, int64(5000), res.Credit.Account.Balance)

	// replayed delivery of the same proof
	res, err = p.Process(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Credit.Duplicate)

	account, err := svc.GetAccount(ctx, payee)
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, int64(5000), account.Balance)

	onboarded := 0
	for _, n := range notices {
		if n.Kind == ledger.NoticeOnboarded {
			onboarded++
		}
	}
	assert.Equal(t, 1, onboarded)
}

func TestPipelineDistinctProofsAccumulate(t *testing.T) {
	ctx := context.Background()
	svc := ledger.NewService(memory.New())
	p := NewPipeline(svc, nil)

	for _, id := range []string{strings.Repeat("01", 32), strings.Repeat("02", 32)} {
		_, err := p.Process(ctx, zapEvent(t, id, event.Tag{TagRecipient, payee}, event.Tag{TagInvoice, testInvoice(t, "lnbc10u")}))
		require.NoError(t, err)
	}
	account, err := svc.GetAccount(ctx, payee)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), account.Balance)

	ids, err := svc.Payments(ctx, payee)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestPipelineMalformedLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	svc := ledger.NewService(memory.New())
	p := NewPipeline(svc, nil)

	_, err := p.Process(ctx, zapEvent(t, eventID, event.Tag{TagRecipient, payee}))
	require.Error(t, err)

	accounts, err := svc.SnapshotAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
