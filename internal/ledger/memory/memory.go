// Package memory provides a process-local ledger.Store. Nothing survives a
// restart, so it is meant for tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tokligence/relay-authz/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Store keeps balances and payment proofs in maps guarded by one RWMutex.
type Store struct {
	mu       sync.RWMutex
	balances map[string]int64
	payments map[string]map[string]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		balances: make(map[string]int64),
		payments: make(map[string]map[string]struct{}),
	}
}

// PutBalance upserts the balance for pubkey.
func (s *Store) PutBalance(_ context.Context, pubkey string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[pubkey] = balance
	return nil
}

// GetBalance reports the balance for pubkey and whether an account exists.
func (s *Store) GetBalance(_ context.Context, pubkey string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	balance, ok := s.balances[pubkey]
	return balance, ok, nil
}

// ListAccounts returns every account in no particular order.
func (s *Store) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]ledger.Account, 0, len(s.balances))
	for pubkey, balance := range s.balances {
		accounts = append(accounts, ledger.Account{Pubkey: pubkey, Balance: balance})
	}
	return accounts, nil
}

// Clear drops all accounts and payment records.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances = make(map[string]int64)
	s.payments = make(map[string]map[string]struct{})
	return nil
}

// RecordPayment marks proofID as seen for pubkey.
func (s *Store) RecordPayment(_ context.Context, pubkey, proofID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(pubkey, proofID)
	return nil
}

// recordLocked requires s.mu held for writing.
func (s *Store) recordLocked(pubkey, proofID string) {
	set, ok := s.payments[pubkey]
	if !ok {
		set = make(map[string]struct{})
		s.payments[pubkey] = set
	}
	set[proofID] = struct{}{}
}

// HasPayment reports whether proofID was already recorded for pubkey.
func (s *Store) HasPayment(_ context.Context, pubkey, proofID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.payments[pubkey][proofID]
	return ok, nil
}

// PaymentsFor lists the proofs recorded for pubkey, sorted.
func (s *Store) PaymentsFor(_ context.Context, pubkey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.payments[pubkey]))
	for id := range s.payments[pubkey] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Credit applies a payment once per (pubkey, proofID) under a single lock.
// A zero amount never opens an account but still records the proof.
func (s *Store) Credit(_ context.Context, pubkey, proofID string, amount int64) (ledger.CreditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, found := s.balances[pubkey]
	res := ledger.CreditResult{Account: ledger.Account{Pubkey: pubkey, Balance: balance}}
	if _, seen := s.payments[pubkey][proofID]; seen {
		res.Duplicate = true
		return res, nil
	}
	if found || amount > 0 {
		res.Created = !found
		res.Account.Balance = balance + amount
		s.balances[pubkey] = res.Account.Balance
	}
	s.recordLocked(pubkey, proofID)
	return res, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
