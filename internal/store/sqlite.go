package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"satspay/internal/ledger"
	"satspay/internal/lightning"
)

var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store. It holds a single
// connection, so every statement is serialised through one writer.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS payment_attempts (
			wallet_id TEXT NOT NULL,
			payment_hash TEXT NOT NULL,
			amount INTEGER NOT NULL,
			state TEXT NOT NULL,
			fee INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (wallet_id, payment_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS payment_attempts_state ON payment_attempts (state)`,
		`CREATE TABLE IF NOT EXISTS fee_reservations (
			wallet_id TEXT NOT NULL,
			payment_hash TEXT NOT NULL,
			fee INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (wallet_id, payment_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL,
			payment_hash TEXT NOT NULL,
			amount INTEGER NOT NULL,
			fee INTEGER NOT NULL,
			reimbursement INTEGER,
			outcome TEXT NOT NULL,
			instruction TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			memo TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ledger_entries_payment ON ledger_entries (wallet_id, payment_hash)`,
		`CREATE TABLE IF NOT EXISTS invoices (
			payment_hash TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL,
			payment_request TEXT NOT NULL,
			satoshis INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			pubkey TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// BeginAttempt claims the (wallet, hash) pair in one statement. A new pair
// or one whose last attempt failed is claimed; otherwise ok is false and prior
// holds the state that blocked the claim.
func (s *SQLiteStore) BeginAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash, amount lightning.Satoshis) (AttemptState, bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_attempts (wallet_id, payment_hash, amount, state, fee, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, '', ?, ?)
		ON CONFLICT (wallet_id, payment_hash) DO UPDATE SET
			amount = excluded.amount,
			state = excluded.state,
			fee = 0,
			reason = '',
			updated_at = excluded.updated_at
		WHERE payment_attempts.state = ?
	`, walletID, string(hash), int64(amount), string(StatePending), now, now, string(StateFailed))
	if err != nil {
		return "", false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if rows == 1 {
		return "", true, nil
	}

	var prior string
	err = s.db.QueryRowContext(ctx, `
		SELECT state FROM payment_attempts WHERE wallet_id = ? AND payment_hash = ?
	`, walletID, string(hash)).Scan(&prior)
	if err != nil {
		return "", false, err
	}
	return AttemptState(prior), false, nil
}

func (s *SQLiteStore) FinishAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash, state AttemptState, fee lightning.Satoshis, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_attempts SET state = ?, fee = ?, reason = ?, updated_at = ?
		WHERE wallet_id = ? AND payment_hash = ?
	`, string(state), int64(fee), reason, time.Now().UTC(), walletID, string(hash))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const attemptColumns = `wallet_id, payment_hash, amount, state, fee, reason, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*Attempt, error) {
	var a Attempt
	var hash, state string
	var amount, fee int64
	if err := row.Scan(&a.WalletID, &hash, &amount, &state, &fee, &a.Reason, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.PaymentHash = lightning.PaymentHash(hash)
	a.Amount = lightning.Satoshis(amount)
	a.State = AttemptState(state)
	a.Fee = lightning.Satoshis(fee)
	return &a, nil
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM payment_attempts WHERE wallet_id = ? AND payment_hash = ?
	`, walletID, string(hash))

	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAttempts returns attempts in any of the given states, oldest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, states ...AttemptState) ([]*Attempt, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `) ORDER BY updated_at`
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ReserveFee records the fee held back from the payer. A later reservation
// for the same payment replaces the earlier one.
func (s *SQLiteStore) ReserveFee(ctx context.Context, walletID string, hash lightning.PaymentHash, fee lightning.Satoshis) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fee_reservations (wallet_id, payment_hash, fee, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (wallet_id, payment_hash) DO UPDATE SET fee = excluded.fee, created_at = excluded.created_at
	`, walletID, string(hash), int64(fee), time.Now().UTC())
	return err
}

func (s *SQLiteStore) PrepaidFee(ctx context.Context, walletID string, hash lightning.PaymentHash) (lightning.Satoshis, error) {
	var fee int64
	err := s.db.QueryRowContext(ctx, `
		SELECT fee FROM fee_reservations WHERE wallet_id = ? AND payment_hash = ?
	`, walletID, string(hash)).Scan(&fee)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return lightning.Satoshis(fee), nil
}

// Post appends an entry to the ledger outbox. Posting the same entry twice
// is a no-op.
func (s *SQLiteStore) Post(ctx context.Context, e ledger.Entry) error {
	var reimbursement sql.NullInt64
	if e.Reimbursement != nil {
		reimbursement = sql.NullInt64{Int64: int64(*e.Reimbursement), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, wallet_id, payment_hash, amount, fee, reimbursement, outcome, instruction, reason, memo, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID.String(), e.WalletID, string(e.PaymentHash), int64(e.Amount), int64(e.Fee), reimbursement,
		string(e.Outcome), string(e.Instruction()), e.Reason, e.Memo, e.CreatedAt)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return nil
	}
	return err
}

// ListEntries returns the entries posted for a payment in posting order.
func (s *SQLiteStore) ListEntries(ctx context.Context, walletID string, hash lightning.PaymentHash) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, payment_hash, amount, fee, reimbursement, outcome, reason, memo, created_at
		FROM ledger_entries WHERE wallet_id = ? AND payment_hash = ?
		ORDER BY rowid
	`, walletID, string(hash))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var id, hash, outcome string
		var amount, fee int64
		var reimbursement sql.NullInt64
		if err := rows.Scan(&id, &e.WalletID, &hash, &amount, &fee, &reimbursement, &outcome, &e.Reason, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %q: %w", id, err)
		}
		e.ID = parsed
		e.PaymentHash = lightning.PaymentHash(hash)
		e.Amount = lightning.Satoshis(amount)
		e.Fee = lightning.Satoshis(fee)
		e.Outcome = ledger.Outcome(outcome)
		if reimbursement.Valid {
			r := lightning.Satoshis(reimbursement.Int64)
			e.Reimbursement = &r
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) SaveInvoice(ctx context.Context, inv *Invoice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (payment_hash, wallet_id, payment_request, satoshis, description, pubkey, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(inv.PaymentHash), inv.WalletID, string(inv.PaymentRequest), int64(inv.Satoshis),
		inv.Description, string(inv.Pubkey), inv.ExpiresAt, inv.CreatedAt)
	return err
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, hash lightning.PaymentHash) (*Invoice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payment_hash, wallet_id, payment_request, satoshis, description, pubkey, expires_at, created_at
		FROM invoices WHERE payment_hash = ?
	`, string(hash))

	var inv Invoice
	var ph, pr, pubkey string
	var sats int64
	err := row.Scan(&ph, &inv.WalletID, &pr, &sats, &inv.Description, &pubkey, &inv.ExpiresAt, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.PaymentHash = lightning.PaymentHash(ph)
	inv.PaymentRequest = lightning.EncodedPaymentRequest(pr)
	inv.Satoshis = lightning.Satoshis(sats)
	inv.Pubkey = lightning.Pubkey(pubkey)
	return &inv, nil
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(CASE WHEN state = 'succeeded' THEN 1 ELSE 0 END), 0) as succeeded,
			COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0) as failed,
			COALESCE(SUM(CASE WHEN state = 'indeterminate' THEN 1 ELSE 0 END), 0) as indeterminate,
			COALESCE(SUM(CASE WHEN state = 'pending' THEN 1 ELSE 0 END), 0) as pending,
			COALESCE(SUM(CASE WHEN state = 'succeeded' THEN amount ELSE 0 END), 0) as amount_sent,
			COALESCE(SUM(CASE WHEN state = 'succeeded' THEN fee ELSE 0 END), 0) as fees_paid,
			COALESCE(MIN(created_at), '') as oldest,
			COALESCE(MAX(created_at), '') as newest
		FROM payment_attempts
	`)

	var oldest, newest string
	err := row.Scan(
		&stats.TotalAttempts,
		&stats.Succeeded,
		&stats.Failed,
		&stats.Indeterminate,
		&stats.Pending,
		&stats.AmountSent,
		&stats.FeesPaid,
		&oldest,
		&newest,
	)
	if err != nil {
		return nil, err
	}
	stats.OldestAttempt = parseTimestamp(oldest)
	stats.NewestAttempt = parseTimestamp(newest)

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(reimbursement), 0) FROM ledger_entries
	`).Scan(&stats.LedgerEntries, &stats.Reimbursed)
	if err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices`).Scan(&stats.Invoices); err != nil {
		return nil, err
	}

	return stats, nil
}

// parseTimestamp reads a DATETIME that came back through an aggregate, where
// the driver hands over the stored text.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
