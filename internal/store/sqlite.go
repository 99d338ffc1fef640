package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements InvoiceStore and WalletStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS wallets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			protocol TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			send INTEGER NOT NULL DEFAULT 0,
			receive INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 0,
			config TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// At most one enabled wallet per (protocol, capability) pair per user.
	for _, idx := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS wallets_enabled_send
			ON wallets (user_id, protocol) WHERE enabled = 1 AND send = 1`,
		`CREATE UNIQUE INDEX IF NOT EXISTS wallets_enabled_receive
			ON wallets (user_id, protocol) WHERE enabled = 1 AND receive = 1`,
	} {
		if _, err := db.Exec(idx); err != nil {
			return err
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			wallet_id INTEGER NOT NULL DEFAULT 0,
			bolt11 TEXT NOT NULL,
			msat_amount INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT 'PENDING',
			predecessor_id TEXT NOT NULL DEFAULT '',
			payment_attempt INTEGER NOT NULL DEFAULT 0,
			payment_hash TEXT NOT NULL DEFAULT '',
			preimage TEXT NOT NULL DEFAULT '',
			forward_failed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS invoices_wallet_state ON invoices (wallet_id, state)`)
	return err
}

const invoiceColumns = `id, user_id, wallet_id, bolt11, msat_amount, state, predecessor_id,
	payment_attempt, payment_hash, preimage, forward_failed, created_at, expires_at`

func scanInvoice(row interface{ Scan(...any) error }) (*Invoice, error) {
	var inv Invoice
	var forwardFailed int
	err := row.Scan(&inv.ID, &inv.UserID, &inv.WalletID, &inv.Bolt11, &inv.MsatAmount,
		&inv.State, &inv.PredecessorID, &inv.PaymentAttempt, &inv.PaymentHash,
		&inv.Preimage, &forwardFailed, &inv.CreatedAt, &inv.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.ForwardFailed = forwardFailed == 1
	return &inv, nil
}

func (s *SQLiteStore) CreateInvoice(ctx context.Context, p InvoiceParams) (*Invoice, error) {
	return s.insertInvoice(ctx, s.db, "", p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertInvoice(ctx context.Context, db execer, predecessorID string, p InvoiceParams) (*Invoice, error) {
	if p.MsatAmount < 0 {
		return nil, fmt.Errorf("negative invoice amount: %d msat", p.MsatAmount)
	}

	inv := &Invoice{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		WalletID:       p.WalletID,
		Bolt11:         p.Bolt11,
		MsatAmount:     p.MsatAmount,
		State:          InvoicePending,
		PredecessorID:  predecessorID,
		PaymentAttempt: p.PaymentAttempt,
		PaymentHash:    p.PaymentHash,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      p.ExpiresAt,
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO invoices (id, user_id, wallet_id, bolt11, msat_amount, state,
			predecessor_id, payment_attempt, payment_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.UserID, inv.WalletID, inv.Bolt11, inv.MsatAmount, inv.State,
		inv.PredecessorID, inv.PaymentAttempt, inv.PaymentHash, inv.CreatedAt, inv.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	return scanInvoice(row)
}

func (s *SQLiteStore) UpdateInvoiceState(ctx context.Context, id string, from, to InvoiceState) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET state = ? WHERE id = ? AND state = ?`, to, id, from)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetInvoice(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) SettleInvoice(ctx context.Context, id, preimage string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET state = ?, preimage = ?
		WHERE id = ? AND state = ?
	`, InvoicePaid, preimage, id, InvoicePending)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetInvoice(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) MarkForwardFailed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE invoices SET forward_failed = 1 WHERE id = ?`, id)
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

func (s *SQLiteStore) CreateSuccessor(ctx context.Context, predecessorID string, p InvoiceParams) (*Invoice, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The predecessor must already be in a terminal failure state; a PAID
	// invoice has no business growing a successor.
	result, err := tx.ExecContext(ctx, `
		UPDATE invoices SET state = ? WHERE id = ? AND state IN (?, ?, ?)
	`, InvoiceRetrying, predecessorID, InvoiceFailed, InvoiceCanceled, InvoiceExpired)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrConflict
	}

	inv, err := s.insertInvoice(ctx, tx, predecessorID, p)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *SQLiteStore) ListPendingInvoices(ctx context.Context) ([]*Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE state IN (?, ?)
	`, InvoicePending, InvoiceRetrying)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (s *SQLiteStore) CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error) {
	config, err := json.Marshal(w.Config)
	if err != nil {
		return nil, err
	}

	created := *w
	created.CreatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, protocol, priority, send, receive, enabled, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, w.UserID, w.Protocol, w.Priority, boolInt(w.Send), boolInt(w.Receive),
		boolInt(w.Enabled), string(config), created.CreatedAt)
	if err != nil {
		return nil, err
	}

	created.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *SQLiteStore) GetWallet(ctx context.Context, id int64) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, protocol, priority, send, receive, enabled, config, created_at
		FROM wallets WHERE id = ?
	`, id)
	return scanWallet(row)
}

func scanWallet(row interface{ Scan(...any) error }) (*Wallet, error) {
	var w Wallet
	var send, receive, enabled int
	var config string
	err := row.Scan(&w.ID, &w.UserID, &w.Protocol, &w.Priority, &send, &receive,
		&enabled, &config, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Send = send == 1
	w.Receive = receive == 1
	w.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(config), &w.Config); err != nil {
		return nil, fmt.Errorf("wallet %d: corrupt config: %w", w.ID, err)
	}
	return &w, nil
}

func (s *SQLiteStore) ListWallets(ctx context.Context, userID string, dir Direction) ([]*Wallet, error) {
	capability := "send"
	if dir == Receive {
		capability = "receive"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, protocol, priority, send, receive, enabled, config, created_at
		FROM wallets
		WHERE user_id = ? AND enabled = 1 AND `+capability+` = 1
		ORDER BY priority ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (s *SQLiteStore) CountPendingInvoices(ctx context.Context, walletID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM invoices WHERE wallet_id = ? AND state IN (?, ?)
	`, walletID, InvoicePending, InvoiceRetrying).Scan(&count)
	return count, err
}

func (s *SQLiteStore) TriedWalletIDs(ctx context.Context, predecessorID string, paymentAttempt int) ([]int64, error) {
	if predecessorID == "" {
		return nil, nil
	}

	// Walk the retry chain backwards from the invoice currently being
	// retried. Each hop is a RETRYING invoice in the same payment attempt.
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE retries (id, predecessor_id, wallet_id) AS (
			SELECT id, predecessor_id, wallet_id FROM invoices
			WHERE id = ?
			UNION ALL
			SELECT i.id, i.predecessor_id, i.wallet_id
			FROM invoices i
			JOIN retries r ON i.id = r.predecessor_id
			WHERE i.state = ? AND i.payment_attempt = ?
		)
		SELECT DISTINCT wallet_id FROM retries WHERE wallet_id != 0
	`, predecessorID, InvoiceRetrying, paymentAttempt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
