package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/relay-authz/internal/event"
	"github.com/tokligence/relay-authz/internal/ledger"
	"github.com/tokligence/relay-authz/internal/ledger/memory"
	"github.com/tokligence/relay-authz/internal/payment"
)

var (
	p1      = strings.Repeat("11", 32)
	p2      = strings.Repeat("22", 32)
	zapper  = strings.Repeat("2a", 32)
	root    = strings.Repeat("f0", 32)
	blocked = strings.Repeat("de", 32)
)

type harness struct {
	svc     *ledger.Service
	decider *Decider
	notices *noticeLog
	rec     *countingRecorder
}

type noticeLog struct {
	mu   sync.Mutex
	list []ledger.Notice
}

func (l *noticeLog) Notify(n ledger.Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, n)
}

func (l *noticeLog) count(kind ledger.NoticeKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, notice := range l.list {
		if notice.Kind == kind {
			n++
		}
	}
	return n
}

type countingRecorder struct {
	mu       sync.Mutex
	verdicts map[string]int
	payments map[string]int
	debited  int64
}

func (r *countingRecorder) RecordDecision(verdict, _ string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts[verdict]++
}

func (r *countingRecorder) RecordPayment(outcome string, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[outcome]++
}

func (r *countingRecorder) RecordDebit(amount int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debited += amount
}

func newHarness(t *testing.T, store ledger.Store, policy Policy) *harness {
	t.Helper()
	notices := &noticeLog{}
	rec := &countingRecorder{verdicts: map[string]int{}, payments: map[string]int{}}
	svc := ledger.NewService(store, ledger.WithNotifier(notices))
	return &harness{
		svc:     svc,
		decider: New(svc, payment.NewPipeline(svc, nil), policy, WithRecorder(rec)),
		notices: notices,
		rec:     rec,
	}
}

func defaultPolicy() Policy {
	return Policy{
		Trusted:  []string{root},
		Denylist: []string{blocked},
		Zapper:   zapper,
		Cost:     ledger.Cost{Admission: 100, PerEvent: 20},
	}
}

func note(author string) Request {
	return Request{Event: event.Event{ID: strings.Repeat("0e", 32), Pubkey: author, Kind: 1, Content: "hello"}}
}

func invoice(t *testing.T, hrp string) string {
	t.Helper()
	s, err := bech32.Encode(hrp, make([]byte, 120))
	require.NoError(t, err)
	return s
}

func zapRequest(t *testing.T, id, payee, hrp string) Request {
	t.Helper()
	return Request{Event: event.Event{
		ID:     id,
		Pubkey: zapper,
		Kind:   9735,
		Tags: []event.Tag{
			{payment.TagRecipient, payee},
			{payment.TagInvoice, invoice(t, hrp)},
		},
	}}
}

func balance(t *testing.T, svc *ledger.Service, pubkey string) int64 {
	t.Helper()
	account, err := svc.GetAccount(context.Background(), pubkey)
	require.NoError(t, err)
	require.NotNil(t, account, "no account for %s", pubkey)
	return account.Balance
}

func TestUnknownAuthorIsDenied(t *testing.T) {
	h := newHarness(t, memory.New(), Policy{Cost: ledger.Cost{Admission: 100}})
	d := h.decider.Decide(context.Background(), note(p1))
	assert.Equal(t, Decision{Verdict: Deny, Message: "Not allowed to publish"}, d)
}

func TestFundedAuthorIsPermittedAndCharged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New(), defaultPolicy())
	require.NoError(t, h.svc.SetAccount(ctx, ledger.Account{Pubkey: p1, Balance: 150}))

	d := h.decider.Decide(ctx, note(p1))
	assert.Equal(t, Decision{Verdict: Permit, Message: "Ok"}, d)
	assert.Equal(t, int64(130), balance(t, h.svc, p1))
	assert.Equal(t, int64(20), h.rec.debited)
}

func TestAffordabilityBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New(), defaultPolicy())

	require.NoError(t, h.svc.SetAccount(ctx, ledger.Account{Pubkey: p1, Balance: 119}))
	assert.Equal(t, Deny, h.decider.Decide(ctx, note(p1)).Verdict)
	assert.Equal(t, int64(119), balance(t, h.svc, p1), "a denied event must not be charged")

	require.NoError(t, h.svc.SetAccount(ctx, ledger.Account{Pubkey: p1, Balance: 120}))
	assert.Equal(t, Permit, h.decider.Decide(ctx, note(p1)).Verdict)
	assert.Equal(t, int64(100), balance(t, h.svc, p1))
}

func TestZeroPerEventCostLeavesBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New(), Policy{Cost: ledger.Cost{Admission: 10}})
	require.NoError(t, h.svc.SetAccount(ctx, ledger.Account{Pubkey: p1, Balance: 10}))

	for i := 0; i < 3; i++ {
		assert.Equal(t, Permit, h.decider.Decide(ctx, note(p1)).Verdict)
	}
	assert.Equal(t, int64(10), balance(t, h.svc, p1))
}

func TestDenylistPrecedence(t *testing.T) {
	ctx := context.Background()
	policy := defaultPolicy()
	policy.Denylist = append(policy.Denylist, zapper)
	h := newHarness(t, memory.New(), policy)
	require.NoError(t, h.svc.SetAccount(ctx, ledger.Account{Pubkey: blocked, Balance: 1_000_000}))

	assert.Equal(t, Decision{Verdict: Deny, Message: MessageNotAllowed}, h.decider.Decide(ctx, note(blocked)))
	assert.Equal(t, int64(1_000_000), balance(t, h.svc, blocked))

	// a denylisted payment service cannot credit anyone
	d := h.decider.Decide(ctx, zapRequest(t, strings.Repeat("01", 32), p2, "lnbc50u"))
	assert.Equal(t, Deny, d.Verdict)
	account, err := h.svc.GetAccount(ctx, p2)
	require.NoError(t, err)
	assert.Nil(t, account)
}

func TestTrustedAuthorBypassesEverything(t *testing.T) {
	policy := defaultPolicy()
	policy.Denylist = append(policy.Denylist, root)
	h := newHarness(t, memory.New(), policy)
	assert.Equal(t, Decision{Verdict: Permit, Message: MessageOk}, h.decider.Decide(context.Background(), note(root)))
}

func TestAuthenticatedPubkeyWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New(), defaultPolicy())
	require.NoError(t, h.svc.SetAccount(ctx, ledger.Account{Pubkey: p1, Balance: 500}))

	req := note(blocked)
	req.AuthPubkey = p1
	assert.Equal(t, Permit, h.decider.Decide(ctx, req).Verdict)
	assert.Equal(t, int64(480), balance(t, h.svc, p1))

	req = note(p1)
	req.AuthPubkey = blocked
	assert.Equal(t, Deny, h.decider.Decide(ctx, req).Verdict)
}

func TestMalformedAuthorIsDenied(t *testing.T) {
	h := newHarness(t, memory.New(), defaultPolicy())
	d := h.decider.Decide(context.Background(), note("abcd"))
	assert.Equal(t, Decision{Verdict: Deny, Message: MessageNotAllowed}, d)
}

func TestPaymentCreditsPayeeOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New(), defaultPolicy())
	req := zapRequest(t, strings.Repeat("01", 32), p2, "lnbc50u")

	assert.Equal(t, Decision{Verdict: Permit, Message: MessageOk}, h.decider.Decide(ctx, req))
	assert.Equal(t, int64(5000), balance(t, h.svc, p2))
	assert.Equal(t, 1, h.notices.count(ledger.NoticeOnboarded))

	assert.Equal(t, Permit, h.decider.Decide(ctx, req).Verdict)
	assert.Equal(t, int64(5000), balance(t, h.svc, p2))
	assert.Equal(t, 1, h.notices.count(ledger.NoticeOnboarded))
	assert.Equal(t, 1, h.rec.payments["credited"])
	assert.Equal(t, 1, h.rec.payments["duplicate"])

	// the payee can now publish
	assert.Equal(t, Permit, h.decider.Decide(ctx, note(p2)).Verdict)
	assert.Equal(t, int64(4980), balance(t, h.svc, p2))
}

func TestPaymentFailurePolicy(t *testing.T) {
	ctx := context.Background()
	broken := Request{Event: event.Event{
		ID:     strings.Repeat("03", 32),
		Pubkey: zapper,
		Tags:   []event.Tag{{payment.TagRecipient, p2}},
	}}

	open := newHarness(t, memory.New(), defaultPolicy())
	assert.Equal(t, Decision{Verdict: Permit, Message: MessageOk}, open.decider.Decide(ctx, broken))
	assert.Equal(t, 1, open.rec.payments["failed"])

	policy := defaultPolicy()
	policy.FailurePolicy = FailClosed
	closed := newHarness(t, memory.New(), policy)
	assert.Equal(t, Decision{Verdict: Deny, Message: MessagePaymentFailure}, closed.decider.Decide(ctx, broken))
}

type faultyStore struct {
	*memory.Store
}

var errDisk = fmt.Errorf("disk on fire: %w", ledger.ErrStorage)

func (faultyStore) GetBalance(context.Context, string) (int64, bool, error) {
	return 0, false, errDisk
}

func (faultyStore) Credit(context.Context, string, string, int64) (ledger.CreditResult, error) {
	return ledger.CreditResult{}, errDisk
}

func TestStorageFaultsStillYieldVerdict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, faultyStore{memory.New()}, defaultPolicy())

	assert.Equal(t, Decision{Verdict: Deny, Message: MessageNotAllowed}, h.decider.Decide(ctx, note(p1)))
	assert.Equal(t, Permit, h.decider.Decide(ctx, zapRequest(t, strings.Repeat("04", 32), p2, "lnbc50u")).Verdict)
	assert.Equal(t, 1, h.rec.payments["failed"])
}

func TestConcurrentDecisionsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New(), Policy{Cost: ledger.Cost{Admission: 0, PerEvent: 10}})
	require.NoError(t, h.svc.SetAccount(ctx, ledger.Account{Pubkey: p1, Balance: 100}))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.decider.Decide(ctx, note(p1))
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, h.rec.verdicts["permit"])
	assert.Equal(t, 15, h.rec.verdicts["deny"])
	assert.Equal(t, int64(0), balance(t, h.svc, p1))
}

func TestParseFailurePolicy(t *testing.T) {
	for in, want := range map[string]FailurePolicy{"": FailOpen, "open": FailOpen, " Closed ": FailClosed} {
		got, err := ParseFailurePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFailurePolicy("maybe")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ledger.ErrStorage))
}
