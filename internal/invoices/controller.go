// Package invoices tracks the lifecycle of wrapped invoices: settlement
// polling, cancelation, expiry and retry chaining.
package invoices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lnswitch/internal/logging"
	"lnswitch/internal/store"
)

var (
	// ErrExpired means the invoice reached its expiry before settling.
	ErrExpired = errors.New("invoice expired")

	// ErrCanceled means the invoice was canceled before settling.
	ErrCanceled = errors.New("invoice canceled")

	// ErrForwardFailed means the incoming payment arrived but forwarding
	// it onward failed, so the invoice was canceled back.
	ErrForwardFailed = errors.New("invoice forward failed")
)

// Canceler cancels an invoice on the wallet backend that minted it, so
// the held HTLC (if any) is released. Keyed by payment hash.
type Canceler interface {
	CancelInvoice(ctx context.Context, paymentHash string) error
}

// DefaultPollInterval is how often settlement is re-checked.
const DefaultPollInterval = time.Second

// Controller drives invoice state against the store.
type Controller struct {
	store        store.InvoiceStore
	pollInterval time.Duration
	log          *zap.SugaredLogger
}

func NewController(s store.InvoiceStore, pollInterval time.Duration) *Controller {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Controller{
		store:        s,
		pollInterval: pollInterval,
		log:          logging.New("invoices"),
	}
}

// Check polls the invoice once. It returns the invoice when PAID, nil
// invoice with nil error while still pending, and a terminal error for
// the failure states.
func (c *Controller) Check(ctx context.Context, id string) (*store.Invoice, error) {
	inv, err := c.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}

	switch inv.State {
	case store.InvoicePaid:
		return inv, nil
	case store.InvoiceExpired:
		return nil, ErrExpired
	case store.InvoiceCanceled:
		if inv.ForwardFailed {
			return nil, ErrForwardFailed
		}
		return nil, ErrCanceled
	case store.InvoiceFailed:
		if inv.ForwardFailed {
			return nil, ErrForwardFailed
		}
		return nil, fmt.Errorf("invoice %s failed", id)
	}

	if time.Now().After(inv.ExpiresAt) {
		// Expire lazily; the CAS may lose to a concurrent settlement,
		// in which case the next poll reports the real outcome.
		err := c.store.UpdateInvoiceState(ctx, id, inv.State, store.InvoiceExpired)
		if err == nil {
			return nil, ErrExpired
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
	}
	return nil, nil
}

// WaitForSettlement polls until the invoice settles, fails terminally,
// or ctx is done.
func (c *Controller) WaitForSettlement(ctx context.Context, id string) (*store.Invoice, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		inv, err := c.Check(ctx, id)
		if err != nil {
			return nil, err
		}
		if inv != nil {
			return inv, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SettleFromSend records the preimage a sending wallet learned, moving
// the invoice to PAID. Returns store.ErrConflict if the invoice left
// PENDING concurrently.
func (c *Controller) SettleFromSend(ctx context.Context, id, preimage string) error {
	return c.store.SettleInvoice(ctx, id, preimage)
}

// Cancel moves a pending invoice to CANCELED and, when a canceler is
// given, releases it on the minting backend. Canceling an already
// terminal invoice is a no-op.
func (c *Controller) Cancel(ctx context.Context, id string, canceler Canceler) error {
	inv, err := c.store.GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	if inv.State.Terminal() {
		return nil
	}

	if err := c.store.UpdateInvoiceState(ctx, id, inv.State, store.InvoiceCanceled); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}

	if canceler != nil && inv.PaymentHash != "" {
		if err := canceler.CancelInvoice(ctx, inv.PaymentHash); err != nil {
			// The record is already canceled; the watcher or backend
			// expiry will release the HTLC eventually.
			c.log.Warnw("cancel on backend", "invoice_id", id, "err", err)
		}
	}
	return nil
}

// Retry records a successor invoice for a terminally failed one. The
// successor carries the predecessor link so wallet selection can skip
// backends already exhausted within the same payment attempt.
func (c *Controller) Retry(ctx context.Context, predecessorID string, p store.InvoiceParams) (*store.Invoice, error) {
	inv, err := c.store.CreateSuccessor(ctx, predecessorID, p)
	if err != nil {
		return nil, err
	}
	c.log.Infow("invoice retried",
		"predecessor_id", predecessorID,
		"invoice_id", inv.ID,
		"wallet_id", inv.WalletID)
	return inv, nil
}
