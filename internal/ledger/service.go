package ledger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Service is the single choke point for ledger access. Every operation runs
// inside one exclusive section, so balance adjustments and payment dedup
// checks are linearizable across concurrent decision requests.
//
// Notices are handed to the Notifier only after the section is released.
type Service struct {
	mu       sync.Mutex
	store    Store
	notifier Notifier
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier routes committed ledger changes to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wraps store. The service assumes exclusive ownership of store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: nopNotifier{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store for health checks.
func (s *Service) Store() Store { return s.store }

func (s *Service) emit(notices []Notice) {
	for _, n := range notices {
		s.notifier.Notify(n)
	}
}

// GetAccount returns the account for pubkey, or nil if none exists.
func (s *Service) GetAccount(ctx context.Context, pubkey string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, pubkey)
}

func (s *Service) getLocked(ctx context.Context, pubkey string) (*Account, error) {
	balance, ok, err := s.store.GetBalance(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Account{Pubkey: pubkey, Balance: balance}, nil
}

// SetAccount overwrites the stored balance for account.Pubkey.
func (s *Service) SetAccount(ctx context.Context, account Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.PutBalance(ctx, account.Pubkey, account.Balance)
}

// AdjustBalance applies delta to pubkey's balance and returns the result.
//
// A positive delta against a missing account opens the account and emits an
// onboarding notice. Debits are not bounds-checked here; callers gate them
// with Account.IsAdmitted first (see Charge).
func (s *Service) AdjustBalance(ctx context.Context, pubkey string, delta int64) (Account, error) {
	s.mu.Lock()
	account, notices, err := s.adjustLocked(ctx, pubkey, delta)
	s.mu.Unlock()
	if err != nil {
		return Account{}, err
	}
	s.emit(notices)
	return account, nil
}

func (s *Service) adjustLocked(ctx context.Context, pubkey string, delta int64) (Account, []Notice, error) {
	current, err := s.getLocked(ctx, pubkey)
	if err != nil {
		return Account{}, nil, err
	}

	var notices []Notice
	updated := Account{Pubkey: pubkey}
	if current == nil {
		if delta <= 0 {
			return Account{}, nil, fmt.Errorf("adjust %s by %d: %w", pubkey, delta, ErrNotFound)
		}
		updated.Balance = delta
		notices = append(notices, Notice{Kind: NoticeOnboarded, Pubkey: pubkey, Balance: delta, Delta: delta})
	} else {
		updated.Balance = current.Balance + delta
	}

	if err := s.store.PutBalance(ctx, pubkey, updated.Balance); err != nil {
		return Account{}, nil, err
	}

	switch {
	case delta > 0:
		notices = append(notices, Notice{Kind: NoticeCredited, Pubkey: pubkey, Balance: updated.Balance, Delta: delta})
	case delta < 0:
		notices = append(notices, Notice{Kind: NoticeDebited, Pubkey: pubkey, Balance: updated.Balance, Delta: delta})
	}
	return updated, notices, nil
}

// HasConsumedPayment reports whether proofID was already credited to pubkey.
func (s *Service) HasConsumedPayment(ctx context.Context, pubkey, proofID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.HasPayment(ctx, pubkey, proofID)
}

// MarkPaymentConsumed records proofID against pubkey. It is idempotent.
func (s *Service) MarkPaymentConsumed(ctx context.Context, pubkey, proofID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.RecordPayment(ctx, pubkey, proofID)
}

// Payments lists the consumed proof ids for pubkey.
func (s *Service) Payments(ctx context.Context, pubkey string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.PaymentsFor(ctx, pubkey)
}

// ApplyPayment credits amount to pubkey exactly once per proofID. The dedup
// check, the credit and the proof record happen in one exclusive section and
// one store transaction.
func (s *Service) ApplyPayment(ctx context.Context, pubkey, proofID string, amount int64) (CreditResult, error) {
	if amount < 0 {
		return CreditResult{}, fmt.Errorf("apply payment %s: negative amount %d", proofID, amount)
	}
	s.mu.Lock()
	res, err := s.store.Credit(ctx, pubkey, proofID, amount)
	s.mu.Unlock()
	if err != nil {
		return CreditResult{}, err
	}
	if res.Duplicate {
		s.logger.Debug("payment already consumed", zap.String("pubkey", pubkey), zap.String("proof_id", proofID))
		return res, nil
	}

	var notices []Notice
	if res.Created {
		notices = append(notices, Notice{Kind: NoticeOnboarded, Pubkey: pubkey, Balance: res.Account.Balance, Delta: amount, ProofID: proofID})
	}
	if amount > 0 {
		notices = append(notices, Notice{Kind: NoticeCredited, Pubkey: pubkey, Balance: res.Account.Balance, Delta: amount, ProofID: proofID})
	}
	s.emit(notices)
	return res, nil
}

// ChargeResult is the outcome of Charge.
type ChargeResult struct {
	// Account is the post-charge state; zero when Found is false.
	Account Account
	Found   bool
	// Admitted is false when the balance could not cover cost.
	Admitted bool
}

// Charge looks up pubkey, checks affordability against cost and debits
// cost.PerEvent, all in one exclusive section so concurrent events from the
// same author cannot spend the same balance twice.
func (s *Service) Charge(ctx context.Context, pubkey string, cost Cost) (ChargeResult, error) {
	s.mu.Lock()
	current, err := s.getLocked(ctx, pubkey)
	if err != nil || current == nil {
		s.mu.Unlock()
		return ChargeResult{}, err
	}
	if !current.IsAdmitted(cost) {
		s.mu.Unlock()
		return ChargeResult{Account: *current, Found: true}, nil
	}
	if cost.PerEvent <= 0 {
		s.mu.Unlock()
		return ChargeResult{Account: *current, Found: true, Admitted: true}, nil
	}
	updated, notices, err := s.adjustLocked(ctx, pubkey, -cost.PerEvent)
	s.mu.Unlock()
	if err != nil {
		return ChargeResult{}, err
	}
	s.emit(notices)
	return ChargeResult{Account: updated, Found: true, Admitted: true}, nil
}

// SnapshotAll returns every account. The order is unspecified.
func (s *Service) SnapshotAll(ctx context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ListAccounts(ctx)
}

// Clear wipes both tables. Administrative use only.
func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Warn("clearing ledger tables")
	return s.store.Clear(ctx)
}
