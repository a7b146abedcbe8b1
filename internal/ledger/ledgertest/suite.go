// Package ledgertest holds behaviour checks shared by every ledger.Store.
package ledgertest

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/relay-authz/internal/ledger"
)

const (
	alice = "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"
	bob   = "b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0"
)

// RunStoreSuite exercises the ledger.Store contract against stores built by newStore.
// Each subtest receives a fresh, empty store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("MissingAccountIsDistinctFromZero", func(t *testing.T) {
		store := newStore(t)
		_, ok, err := store.GetBalance(ctx, alice)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.PutBalance(ctx, alice, 0))
		balance, ok, err := store.GetBalance(ctx, alice)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(0), balance)
	})

	t.Run("PutBalanceUpserts", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutBalance(ctx, alice, 10))
		require.NoError(t, store.PutBalance(ctx, alice, 25))
		require.NoError(t, store.PutBalance(ctx, bob, 7))

		accounts, err := store.ListAccounts(ctx)
		require.NoError(t, err)
		sort.Slice(accounts, func(i, j int) bool { return accounts[i].Pubkey < accounts[j].Pubkey })
		assert.Equal(t, []ledger.Account{{Pubkey: alice, Balance: 25}, {Pubkey: bob, Balance: 7}}, accounts)
	})

	t.Run("RecordPaymentIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.RecordPayment(ctx, alice, "p1"))
		require.NoError(t, store.RecordPayment(ctx, alice, "p1"))
		require.NoError(t, store.RecordPayment(ctx, alice, "p2"))

		ok, err := store.HasPayment(ctx, alice, "p1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.HasPayment(ctx, bob, "p1")
		require.NoError(t, err)
		assert.False(t, ok, "payments are scoped per principal")

		ids, err := store.PaymentsFor(ctx, alice)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"p1", "p2"}, ids)

		ids, err = store.PaymentsFor(ctx, bob)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("ClearRemovesBothTables", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutBalance(ctx, alice, 10))
		require.NoError(t, store.RecordPayment(ctx, alice, "p1"))
		require.NoError(t, store.Clear(ctx))

		accounts, err := store.ListAccounts(ctx)
		require.NoError(t, err)
		assert.Empty(t, accounts)
		ok, err := store.HasPayment(ctx, alice, "p1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CreditCreatesThenAccumulates", func(t *testing.T) {
		store := newStore(t)
		res, err := store.Credit(ctx, alice, "z1", 5000)
		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.False(t, res.Duplicate)
		assert.Equal(t, int64(5000), res.Account.Balance)

		res, err = store.Credit(ctx, alice, "z2", 250)
		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.Equal(t, int64(5250), res.Account.Balance)
	})

	t.Run("CreditIgnoresReplayedProof", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Credit(ctx, alice, "z1", 5000)
		require.NoError(t, err)

		res, err := store.Credit(ctx, alice, "z1", 5000)
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		assert.Equal(t, int64(5000), res.Account.Balance)

		balance, _, err := store.GetBalance(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, int64(5000), balance)
	})

	t.Run("ZeroCreditDoesNotOpenAccount", func(t *testing.T) {
		store := newStore(t)
		res, err := store.Credit(ctx, bob, "dust", 0)
		require.NoError(t, err)
		assert.False(t, res.Created)

		_, ok, err := store.GetBalance(ctx, bob)
		require.NoError(t, err)
		assert.False(t, ok)
		seen, err := store.HasPayment(ctx, bob, "dust")
		require.NoError(t, err)
		assert.True(t, seen, "the proof is consumed even when it credits nothing")
	})

	t.Run("ConcurrentCreditsAreNotLost", func(t *testing.T) {
		store := newStore(t)
		svc := ledger.NewService(store)
		const n, amount = 24, 50

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := svc.AdjustBalance(ctx, alice, amount); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		account, err := svc.GetAccount(ctx, alice)
		require.NoError(t, err)
		require.NotNil(t, account)
		assert.Equal(t, int64(n*amount), account.Balance)
	})
}
