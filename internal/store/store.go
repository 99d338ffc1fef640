package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict means a compare-and-swap state transition lost the race:
	// the record changed since it was read.
	ErrConflict = errors.New("state changed concurrently")
)

// InvoiceState is the lifecycle state of an invoice.
// PENDING transitions to exactly one of PAID, FAILED, EXPIRED or CANCELED.
// RETRYING is transient and means a successor invoice exists.
type InvoiceState string

const (
	InvoicePending  InvoiceState = "PENDING"
	InvoicePaid     InvoiceState = "PAID"
	InvoiceFailed   InvoiceState = "FAILED"
	InvoiceExpired  InvoiceState = "EXPIRED"
	InvoiceCanceled InvoiceState = "CANCELED"
	InvoiceRetrying InvoiceState = "RETRYING"
)

// Terminal reports whether no further transition is possible.
func (s InvoiceState) Terminal() bool {
	switch s {
	case InvoicePaid, InvoiceFailed, InvoiceExpired, InvoiceCanceled:
		return true
	}
	return false
}

// Invoice is a stored invoice record. MsatAmount is exact integer
// millisatoshis; no floating point anywhere near it.
type Invoice struct {
	ID             string
	UserID         string
	WalletID       int64
	Bolt11         string
	MsatAmount     int64
	State          InvoiceState
	PredecessorID  string // non-empty on retry successors
	PaymentAttempt int
	PaymentHash    string
	Preimage       string
	ForwardFailed  bool
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Direction selects a wallet capability.
type Direction int

const (
	Send Direction = iota
	Receive
)

// Wallet is a configured payment backend for one user. Priority defines
// the attempt order (ascending, ties broken by id).
type Wallet struct {
	ID        int64
	UserID    string
	Protocol  string
	Priority  int
	Send      bool
	Receive   bool
	Enabled   bool
	Config    map[string]string
	CreatedAt time.Time
}

// InvoiceParams are the fields needed to create an invoice record.
type InvoiceParams struct {
	UserID         string
	WalletID       int64
	Bolt11         string
	MsatAmount     int64
	PaymentHash    string
	PaymentAttempt int
	ExpiresAt      time.Time
}

// InvoiceStore persists invoices. State transitions are compare-and-swap:
// they fail with ErrConflict if the record is not in the expected state.
type InvoiceStore interface {
	CreateInvoice(ctx context.Context, p InvoiceParams) (*Invoice, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	UpdateInvoiceState(ctx context.Context, id string, from, to InvoiceState) error
	SettleInvoice(ctx context.Context, id, preimage string) error
	MarkForwardFailed(ctx context.Context, id string) error

	// CreateSuccessor marks the predecessor RETRYING and inserts a new
	// PENDING invoice carrying a back-link, in one transaction.
	CreateSuccessor(ctx context.Context, predecessorID string, p InvoiceParams) (*Invoice, error)

	// ListPendingInvoices returns all non-terminal invoices, for the
	// background watcher.
	ListPendingInvoices(ctx context.Context) ([]*Invoice, error)
}

// WalletStore persists wallet configurations.
type WalletStore interface {
	CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error)
	GetWallet(ctx context.Context, id int64) (*Wallet, error)

	// ListWallets returns the user's enabled wallets with the given
	// capability, ordered by ascending priority with id as tie break.
	ListWallets(ctx context.Context, userID string, dir Direction) ([]*Wallet, error)

	// CountPendingInvoices counts non-terminal invoices attributed to a
	// wallet, used to bound backend load on the receive side.
	CountPendingInvoices(ctx context.Context, walletID int64) (int, error)

	// TriedWalletIDs walks the predecessor chain of a failed invoice and
	// returns the wallets already exhausted by it within one payment
	// attempt.
	TriedWalletIDs(ctx context.Context, predecessorID string, paymentAttempt int) ([]int64, error)
}
