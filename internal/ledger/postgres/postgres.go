package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/tokligence/relay-authz/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// PoolConfig carries connection pool settings. Zero values keep driver defaults.
type PoolConfig struct {
	MaxOpen         int
	MaxIdle         int
	LifetimeMinutes int
	IdleTimeMinutes int
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and pool settings.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.LifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(pool.LifetimeMinutes) * time.Minute)
	}
	if pool.IdleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(pool.IdleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS balances (
	principal TEXT PRIMARY KEY,
	balance BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS payment_index (
	principal TEXT NOT NULL,
	proof_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (principal, proof_id)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fault("ping", err)
	}
	return nil
}

func fault(op string, err error) error {
	return fmt.Errorf("ledger/postgres: %s: %w: %w", op, ledger.ErrStorage, err)
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func putBalance(ctx context.Context, q execQueryer, pubkey string, balance int64) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO balances(principal, balance) VALUES($1, $2)
ON CONFLICT (principal) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`, pubkey, balance)
	if err != nil {
		return fault("put balance", err)
	}
	return nil
}

func getBalance(ctx context.Context, q execQueryer, pubkey string, forUpdate bool) (int64, bool, error) {
	query := `SELECT balance FROM balances WHERE principal = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var balance int64
	err := q.QueryRowContext(ctx, query, pubkey).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fault("get balance", err)
	}
	return balance, true, nil
}

func recordPayment(ctx context.Context, q execQueryer, pubkey, proofID string) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO payment_index(principal, proof_id) VALUES($1, $2)
ON CONFLICT (principal, proof_id) DO NOTHING`, pubkey, proofID)
	if err != nil {
		return fault("record payment", err)
	}
	return nil
}

func hasPayment(ctx context.Context, q execQueryer, pubkey, proofID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
SELECT EXISTS(SELECT 1 FROM payment_index WHERE principal = $1 AND proof_id = $2)`, pubkey, proofID).Scan(&exists)
	if err != nil {
		return false, fault("has payment", err)
	}
	return exists, nil
}

// PutBalance upserts the balance for pubkey.
func (s *Store) PutBalance(ctx context.Context, pubkey string, balance int64) error {
	return putBalance(ctx, s.db, pubkey, balance)
}

// GetBalance reads the balance for pubkey.
func (s *Store) GetBalance(ctx context.Context, pubkey string) (int64, bool, error) {
	return getBalance(ctx, s.db, pubkey, false)
}

// ListAccounts returns every account.
func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT principal, balance FROM balances`)
	if err != nil {
		return nil, fault("list accounts", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var a ledger.Account
		if err := rows.Scan(&a.Pubkey, &a.Balance); err != nil {
			return nil, fault("scan account", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("list accounts", err)
	}
	return accounts, nil
}

// Clear truncates both tables.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE balances, payment_index`); err != nil {
		return fault("clear", err)
	}
	return nil
}

// RecordPayment inserts (pubkey, proofID); duplicates are ignored.
func (s *Store) RecordPayment(ctx context.Context, pubkey, proofID string) error {
	return recordPayment(ctx, s.db, pubkey, proofID)
}

// HasPayment reports whether proofID was consumed by pubkey.
func (s *Store) HasPayment(ctx context.Context, pubkey, proofID string) (bool, error) {
	return hasPayment(ctx, s.db, pubkey, proofID)
}

// PaymentsFor lists the proof ids consumed by pubkey.
func (s *Store) PaymentsFor(ctx context.Context, pubkey string) ([]string, error) {
	var ids []string
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(array_agg(proof_id ORDER BY proof_id), '{}')
FROM payment_index
WHERE principal = $1`, pubkey).Scan(pq.Array(&ids))
	if err != nil {
		return nil, fault("payments for", err)
	}
	return ids, nil
}

// Credit adds amount and records proofID in one transaction. The balance row
// is locked so a second gatekeeper sharing the database cannot interleave.
func (s *Store) Credit(ctx context.Context, pubkey, proofID string, amount int64) (ledger.CreditResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return ledger.CreditResult{}, fault("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	balance, found, err := getBalance(ctx, tx, pubkey, true)
	if err != nil {
		return ledger.CreditResult{}, err
	}
	res := ledger.CreditResult{Account: ledger.Account{Pubkey: pubkey, Balance: balance}}

	seen, err := hasPayment(ctx, tx, pubkey, proofID)
	if err != nil {
		return ledger.CreditResult{}, err
	}
	if seen {
		res.Duplicate = true
		return res, nil
	}

	if found || amount > 0 {
		res.Created = !found
		res.Account.Balance = balance + amount
		if err := putBalance(ctx, tx, pubkey, res.Account.Balance); err != nil {
			return ledger.CreditResult{}, err
		}
	}
	if err := recordPayment(ctx, tx, pubkey, proofID); err != nil {
		return ledger.CreditResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.CreditResult{}, fault("commit", err)
	}
	return res, nil
}
