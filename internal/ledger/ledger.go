package ledger

import (
	"context"
	"errors"
)

var (
	// ErrStorage marks faults raised by the underlying store (I/O, corruption,
	// constraint failures). Store implementations wrap driver errors with it.
	ErrStorage = errors.New("ledger: storage fault")
	// ErrNotFound is returned when an operation needs an account that does not exist.
	ErrNotFound = errors.New("ledger: account not found")
)

// Account is one principal's standing balance in the smallest payment unit.
type Account struct {
	Pubkey  string `json:"pubkey" yaml:"pubkey"`
	Balance int64  `json:"balance" yaml:"balance"`
}

// Cost is the admission cost schedule.
type Cost struct {
	// Admission is the minimum balance required to publish at all.
	Admission int64 `json:"admission"`
	// PerEvent is debited for every admitted event; zero disables debiting.
	PerEvent int64 `json:"per_event"`
}

// IsAdmitted reports whether the account can afford one more event under cost.
func (a Account) IsAdmitted(cost Cost) bool {
	if a.Balance < cost.Admission {
		return false
	}
	return a.Balance >= cost.Admission+cost.PerEvent
}

// CreditResult describes the outcome of Store.Credit.
type CreditResult struct {
	Account Account
	// Created is true when the credit opened a new account.
	Created bool
	// Duplicate is true when the proof was already consumed and nothing changed.
	Duplicate bool
}

// Store defines persistence behaviour for the ledger: a balances table keyed by
// principal and a payment index holding consumed proof ids per principal.
// Every write is atomic; a failed write leaves no partial state behind.
type Store interface {
	PutBalance(ctx context.Context, pubkey string, balance int64) error
	// GetBalance reports ok=false when the principal has no account yet.
	GetBalance(ctx context.Context, pubkey string) (balance int64, ok bool, err error)
	ListAccounts(ctx context.Context) ([]Account, error)
	// Clear removes every balance and payment record.
	Clear(ctx context.Context) error

	// RecordPayment is idempotent: recording an existing pair is not an error.
	RecordPayment(ctx context.Context, pubkey, proofID string) error
	HasPayment(ctx context.Context, pubkey, proofID string) (bool, error)
	PaymentsFor(ctx context.Context, pubkey string) ([]string, error)

	// Credit adds amount to pubkey's balance and records proofID in one
	// transaction. An already consumed proof leaves the ledger untouched.
	Credit(ctx context.Context, pubkey, proofID string, amount int64) (CreditResult, error)

	Ping(ctx context.Context) error
	Close() error
}
