package payments

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAnonymousSender means the caller has no identity and therefore
	// no attached wallets. No wallet is ever contacted for these.
	ErrAnonymousSender = errors.New("anonymous sender has no wallets")

	// ErrNoSendWallets means the user has no enabled wallet with the
	// send capability.
	ErrNoSendWallets = errors.New("no send-capable wallets configured")

	// ErrNoReceiveWallets means the user has no enabled wallet with the
	// receive capability.
	ErrNoReceiveWallets = errors.New("no receive-capable wallets configured")

	// ErrInvoiceExpired is the terminal outcome when the invoice being
	// paid expired before settlement.
	ErrInvoiceExpired = errors.New("invoice expired")

	// ErrInvoiceCanceled is the terminal outcome when the invoice being
	// paid was canceled.
	ErrInvoiceCanceled = errors.New("invoice canceled")

	// ErrBadPreimage means a wallet claimed success with a preimage
	// that does not hash to the invoice's payment hash.
	ErrBadPreimage = errors.New("preimage does not match payment hash")
)

// ConfigError means a wallet's stored configuration is unusable: a
// missing credential, a malformed URI. The wallet cannot be attempted.
type ConfigError struct {
	Protocol string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s wallet config: %s: %s", e.Protocol, e.Field, e.Reason)
}

// SenderError attributes a failure to the paying wallet: it could not,
// or refused to, send. The dispatcher moves on to the next wallet.
type SenderError struct {
	WalletID int64
	Err      error
}

func (e *SenderError) Error() string {
	return fmt.Sprintf("wallet %d failed to send: %v", e.WalletID, e.Err)
}

func (e *SenderError) Unwrap() error { return e.Err }

// ReceiverError attributes a failure to the receiving side: the invoice
// was canceled back, the forward failed, the receiver is unreachable.
// The same sending wallet may be retried against a fresh invoice.
type ReceiverError struct {
	Err error
}

func (e *ReceiverError) Error() string {
	return fmt.Sprintf("receiver failed: %v", e.Err)
}

func (e *ReceiverError) Unwrap() error { return e.Err }

// ValidationError rejects a payment before any wallet is contacted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// AggregateError collects the per-wallet failures of one exhausted
// dispatch, in attempt order.
type AggregateError struct {
	Errs []error
}

func (e *AggregateError) Error() string {
	if len(e.Errs) == 0 {
		return "payment failed"
	}
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("all wallets failed: %s", strings.Join(parts, "; "))
}

func (e *AggregateError) Unwrap() []error { return e.Errs }
