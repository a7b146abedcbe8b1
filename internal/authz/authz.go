// Package authz decides whether a relay accepts an event.
package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tokligence/relay-authz/internal/event"
	"github.com/tokligence/relay-authz/internal/ledger"
	"github.com/tokligence/relay-authz/internal/payment"
)

// Verdict is the binary admission outcome.
type Verdict int

const (
	// Permit lets the relay store the event.
	Permit Verdict = iota + 1
	// Deny rejects the event.
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Permit:
		return "permit"
	case Deny:
		return "deny"
	default:
		return "unspecified"
	}
}

// Reply messages.
const (
	MessageOk             = "Ok"
	MessageNotAllowed     = "Not allowed to publish"
	MessagePaymentFailure = "Payment could not be processed"
)

// FailurePolicy selects the verdict for a payment event that could not be credited.
type FailurePolicy string

const (
	// FailOpen admits the payment-service event anyway.
	FailOpen FailurePolicy = "open"
	// FailClosed denies it.
	FailClosed FailurePolicy = "closed"
)

// ParseFailurePolicy validates s. Empty means FailOpen.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	}
	return "", fmt.Errorf("unknown payment failure policy %q (want open or closed)", s)
}

// Decision is the result of one admission request.
type Decision struct {
	Verdict Verdict
	Message string
}

func permit() Decision { return Decision{Verdict: Permit, Message: MessageOk} }

func deny(msg string) Decision { return Decision{Verdict: Deny, Message: msg} }

// Request is one inbound admission request.
type Request struct {
	Event event.Event
	// AuthPubkey is the transport-authenticated author in hex, empty if the
	// relay did not authenticate the connection.
	AuthPubkey  string
	IPAddr      string
	Origin      string
	UserAgent   string
	Nip05Domain string
	RequestID   string
}

// Author returns the principal the request is judged as.
func (r Request) Author() (string, error) {
	if r.AuthPubkey != "" {
		return event.NormalizePrincipal(r.AuthPubkey)
	}
	return event.NormalizePrincipal(r.Event.Pubkey)
}

// Policy is the static configuration consulted on every decision.
type Policy struct {
	// Trusted principals are admitted unconditionally.
	Trusted  []string
	Denylist []string
	// Zapper is the payment-service principal whose events carry payment proofs.
	Zapper        string
	Cost          ledger.Cost
	FailurePolicy FailurePolicy
}

// Recorder receives decision metrics.
type Recorder interface {
	RecordDecision(verdict, reason string, duration time.Duration)
	RecordPayment(outcome string, amount int64)
	RecordDebit(amount int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(string, string, time.Duration) {}
func (nopRecorder) RecordPayment(string, int64)                  {}
func (nopRecorder) RecordDebit(int64)                            {}

// Decider evaluates admission requests. It holds no state of its own; the
// ledger is the only thing it mutates.
type Decider struct {
	ledger   *ledger.Service
	payments *payment.Pipeline
	trusted  map[string]struct{}
	denied   map[string]struct{}
	zapper   string
	cost     ledger.Cost
	onFail   FailurePolicy
	metrics  Recorder
	logger   *zap.Logger
}

// Option configures a Decider.
type Option func(*Decider)

// WithLogger sets the decision logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Decider) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(d *Decider) {
		if r != nil {
			d.metrics = r
		}
	}
}

// New builds a Decider over the ledger service and payment pipeline.
func New(svc *ledger.Service, payments *payment.Pipeline, policy Policy, opts ...Option) *Decider {
	d := &Decider{
		ledger:   svc,
		payments: payments,
		trusted:  toSet(policy.Trusted),
		denied:   toSet(policy.Denylist),
		zapper:   strings.ToLower(policy.Zapper),
		cost:     policy.Cost,
		onFail:   policy.FailurePolicy,
		metrics:  nopRecorder{},
		logger:   zap.NewNop(),
	}
	if d.onFail == "" {
		d.onFail = FailOpen
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	return set
}

// Decide returns a verdict for req. It never fails: faults on the way are
// logged and mapped to a verdict.
func (d *Decider) Decide(ctx context.Context, req Request) Decision {
	start := time.Now()
	logger := d.logger.With(zap.String("request_id", req.RequestID))
	logger.Info("event received",
		zap.Uint64("kind", req.Event.Kind),
		zap.String("origin", req.Origin),
		zap.String("nip05_domain", req.Nip05Domain),
		zap.Int("tag_count", len(req.Event.Tags)),
		zap.String("content_sample", req.Event.ContentSample(40)))

	decision := d.decide(ctx, logger, req)

	reason := ""
	if decision.Verdict == Deny {
		reason = decision.Message
	}
	d.metrics.RecordDecision(decision.Verdict.String(), reason, time.Since(start))
	logger.Info("event decided",
		zap.Stringer("verdict", decision.Verdict),
		zap.String("message", decision.Message),
		zap.Duration("elapsed", time.Since(start)))
	return decision
}

func (d *Decider) decide(ctx context.Context, logger *zap.Logger, req Request) Decision {
	author, err := req.Author()
	if err != nil {
		logger.Warn("unusable author", zap.Error(err))
		return deny(MessageNotAllowed)
	}
	logger = logger.With(zap.String("author", author))

	if _, ok := d.trusted[author]; ok {
		return permit()
	}
	if _, ok := d.denied[author]; ok {
		return deny(MessageNotAllowed)
	}
	if d.zapper != "" && author == d.zapper {
		return d.admitPayment(ctx, logger, req.Event)
	}

	res, err := d.ledger.Charge(ctx, author, d.cost)
	if err != nil {
		logger.Error("balance lookup failed", zap.Error(err))
		return deny(MessageNotAllowed)
	}
	if !res.Found || !res.Admitted {
		return deny(MessageNotAllowed)
	}
	if d.cost.PerEvent > 0 {
		d.metrics.RecordDebit(d.cost.PerEvent)
	}
	return permit()
}

// admitPayment credits the payment carried by a payment-service event. The
// event itself is never balance checked.
func (d *Decider) admitPayment(ctx context.Context, logger *zap.Logger, ev event.Event) Decision {
	res, err := d.payments.Process(ctx, ev)
	if err != nil {
		d.metrics.RecordPayment("failed", 0)
		logger.Warn("payment not credited",
			zap.String("event_id", ev.ID),
			zap.String("failure_policy", string(d.onFail)),
			zap.Error(err))
		if d.onFail == FailClosed {
			return deny(MessagePaymentFailure)
		}
		return permit()
	}

	if res.Credit.Duplicate {
		d.metrics.RecordPayment("duplicate", res.Receipt.Amount)
	} else {
		d.metrics.RecordPayment("credited", res.Receipt.Amount)
		logger.Info("payment credited",
			zap.String("payee", res.Receipt.Payee),
			zap.Int64("amount", res.Receipt.Amount),
			zap.Int64("balance", res.Credit.Account.Balance))
	}
	return permit()
}
