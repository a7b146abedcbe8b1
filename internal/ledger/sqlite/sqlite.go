package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/relay-authz/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Store implements ledger.Store backed by an embedded SQLite file.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer handle for the whole process; the ledger service serialises
	// access anyway and this keeps SQLITE_BUSY out of the picture.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
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
	balance INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS payment_index (
	principal TEXT NOT NULL,
	proof_id TEXT NOT NULL,
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

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fault("ping", err)
	}
	return nil
}

func fault(op string, err error) error {
	return fmt.Errorf("ledger/sqlite: %s: %w: %w", op, ledger.ErrStorage, err)
}

// PutBalance upserts the balance for pubkey.
func (s *Store) PutBalance(ctx context.Context, pubkey string, balance int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := putBalance(ctx, tx, pubkey, balance); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault("commit", err)
	}
	return nil
}

func putBalance(ctx context.Context, tx *sql.Tx, pubkey string, balance int64) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO balances(principal, balance) VALUES(?, ?)
ON CONFLICT(principal) DO UPDATE SET balance = excluded.balance`, pubkey, balance)
	if err != nil {
		return fault("put balance", err)
	}
	return nil
}

// GetBalance reads the balance for pubkey; ok is false when no account exists.
func (s *Store) GetBalance(ctx context.Context, pubkey string) (int64, bool, error) {
	return getBalance(ctx, s.db, pubkey)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBalance(ctx context.Context, q queryer, pubkey string) (int64, bool, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM balances WHERE principal = ?`, pubkey).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fault("get balance", err)
	}
	return balance, true, nil
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

// Clear removes all balances and payment records in one transaction.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `DELETE FROM balances`); err != nil {
		return fault("clear balances", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM payment_index`); err != nil {
		return fault("clear payments", err)
	}
	if err := tx.Commit(); err != nil {
		return fault("commit", err)
	}
	return nil
}

// RecordPayment inserts (pubkey, proofID) into the payment index.
func (s *Store) RecordPayment(ctx context.Context, pubkey, proofID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO payment_index(principal, proof_id) VALUES(?, ?)
ON CONFLICT(principal, proof_id) DO NOTHING`, pubkey, proofID)
	if err != nil {
		return fault("record payment", err)
	}
	return nil
}

// HasPayment reports whether proofID was consumed by pubkey.
func (s *Store) HasPayment(ctx context.Context, pubkey, proofID string) (bool, error) {
	return hasPayment(ctx, s.db, pubkey, proofID)
}

func hasPayment(ctx context.Context, q queryer, pubkey, proofID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM payment_index WHERE principal = ? AND proof_id = ?`, pubkey, proofID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fault("has payment", err)
	}
	return true, nil
}

// PaymentsFor lists the proof ids consumed by pubkey.
func (s *Store) PaymentsFor(ctx context.Context, pubkey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT proof_id FROM payment_index WHERE principal = ? ORDER BY proof_id`, pubkey)
	if err != nil {
		return nil, fault("payments for", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fault("scan payment", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("payments for", err)
	}
	return ids, nil
}

// Credit adds amount and records proofID atomically.
func (s *Store) Credit(ctx context.Context, pubkey, proofID string, amount int64) (ledger.CreditResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.CreditResult{}, fault("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	balance, found, err := getBalance(ctx, tx, pubkey)
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
	if _, err := tx.ExecContext(ctx, `
INSERT INTO payment_index(principal, proof_id) VALUES(?, ?)
ON CONFLICT(principal, proof_id) DO NOTHING`, pubkey, proofID); err != nil {
		return ledger.CreditResult{}, fault("record payment", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.CreditResult{}, fault("commit", err)
	}
	return res, nil
}
