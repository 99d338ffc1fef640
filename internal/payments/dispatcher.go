package payments

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"go.uber.org/zap"

	"lnswitch/internal/invoices"
	"lnswitch/internal/logging"
	"lnswitch/internal/store"
)

// InvoiceSource mints a replacement invoice for the same payment after
// the current one died, or before it is handed to another wallet that
// could double-pay it. The predecessor is canceled and the successor
// carries its back-link.
type InvoiceSource interface {
	ReplaceInvoice(ctx context.Context, predecessor *store.Invoice) (*store.Invoice, error)
}

// Dispatcher walks a user's send wallets in priority order until one
// of them settles the invoice. Failures attributed to the sending
// wallet advance to the next wallet; failures attributed to the
// receiving side mint a fresh invoice and retry the same wallet.
type Dispatcher struct {
	wallets    store.WalletStore
	controller *invoices.Controller
	registry   *Registry
	source     InvoiceSource
	log        *zap.SugaredLogger
}

func NewDispatcher(wallets store.WalletStore, controller *invoices.Controller, registry *Registry, source InvoiceSource) *Dispatcher {
	return &Dispatcher{
		wallets:    wallets,
		controller: controller,
		registry:   registry,
		source:     source,
		log:        logging.New("dispatch"),
	}
}

type payOutcome struct {
	preimage string
	err      error
}

type settleOutcome struct {
	invoice *store.Invoice
	err     error
}

// Pay drives the invoice to settlement. An empty userID is an
// anonymous caller and is rejected before any wallet is touched.
func (d *Dispatcher) Pay(ctx context.Context, userID string, inv *store.Invoice, maxFeeMsat int64) (*SendResult, error) {
	if userID == "" {
		return nil, ErrAnonymousSender
	}

	wallets, err := d.wallets.ListWallets(ctx, userID, store.Send)
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, ErrNoSendWallets
	}

	current := inv
	var attempts []error

	for i, w := range wallets {
		log := logging.Wallet("dispatch", w.ID)

		adapter, err := d.registry.Build(w.Protocol, w.Config, log)
		if err != nil {
			log.Warnw("wallet unusable", "err", err)
			attempts = append(attempts, &SenderError{WalletID: w.ID, Err: err})
			continue
		}

		senderFailed := false
		for retry := 0; ; retry++ {
			result, attemptErr := d.attempt(ctx, w, adapter, current, maxFeeMsat)
			if result != nil {
				result.InvoiceIdx = retry
				return result, nil
			}
			if attemptErr != nil {
				attempts = append(attempts, attemptErr)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			var recvErr *ReceiverError
			if !errors.As(attemptErr, &recvErr) {
				senderFailed = true
				break
			}
			if !d.replaceable(current) {
				break
			}

			// A receiver error never gives up on the wallet: mint a
			// fresh invoice and try again. Each replacement consumes a
			// receive wallet, so the minting side eventually runs dry
			// and returns the aggregate below.
			replacement, err := d.source.ReplaceInvoice(ctx, current)
			if err != nil {
				log.Errorw("mint replacement invoice", "err", err)
				attempts = append(attempts, err)
				return nil, &AggregateError{Errs: attempts}
			}
			log.Infow("retrying with fresh invoice",
				"old_invoice", current.ID, "new_invoice", replacement.ID)
			current = replacement
		}

		// The wallet that just failed may still have a payment in
		// flight. The next wallet must get a successor, never the same
		// invoice, or both could pay it.
		if senderFailed && i < len(wallets)-1 && d.replaceable(current) {
			replacement, err := d.source.ReplaceInvoice(ctx, current)
			if err != nil {
				log.Errorw("mint replacement invoice", "err", err)
				attempts = append(attempts, err)
				return nil, &AggregateError{Errs: attempts}
			}
			log.Infow("superseding invoice before next wallet",
				"old_invoice", current.ID, "new_invoice", replacement.ID)
			current = replacement
		}
	}

	return nil, &AggregateError{Errs: attempts}
}

// replaceable reports whether a successor may be minted for inv.
// Externally supplied invoices were minted by the payee's node, not by
// a receive wallet here, so there is nothing to replace them with.
func (d *Dispatcher) replaceable(inv *store.Invoice) bool {
	return d.source != nil && inv.WalletID != 0
}

// attempt races one wallet's send against the invoice settling out of
// band. It returns exactly one of result or error.
func (d *Dispatcher) attempt(ctx context.Context, w *store.Wallet, adapter Adapter, inv *store.Invoice, maxFeeMsat int64) (*SendResult, error) {
	payCtx, cancelPay := context.WithCancel(ctx)
	defer cancelPay()
	settleCtx, cancelSettle := context.WithCancel(ctx)
	defer cancelSettle()

	payCh := make(chan payOutcome, 1)
	go func() {
		preimage, err := adapter.Pay(payCtx, inv.Bolt11, maxFeeMsat)
		payCh <- payOutcome{preimage: preimage, err: err}
	}()

	settleCh := make(chan settleOutcome, 1)
	go func() {
		settled, err := d.controller.WaitForSettlement(settleCtx, inv.ID)
		settleCh <- settleOutcome{invoice: settled, err: err}
	}()

	success := func(preimage string) (*SendResult, error) {
		return &SendResult{
			Preimage: preimage,
			WalletID: w.ID,
			Protocol: w.Protocol,
		}, nil
	}

	select {
	case out := <-payCh:
		cancelSettle()
		if out.err == nil {
			if !preimageMatches(out.preimage, inv.PaymentHash) {
				d.log.Warnw("wallet claimed success with a bad preimage",
					"invoice_id", inv.ID, "wallet_id", w.ID)
				return nil, &SenderError{WalletID: w.ID, Err: ErrBadPreimage}
			}
			if err := d.recordSettlement(ctx, inv.ID, out.preimage); err != nil {
				d.log.Errorw("record settlement", "invoice_id", inv.ID, "err", err)
			}
			return success(out.preimage)
		}
		return d.classifyPayError(ctx, w, inv, out.err)

	case out := <-settleCh:
		cancelPay()
		if out.err == nil {
			// Settled out of band, typically by an earlier wallet's
			// in-flight payment landing late.
			return success(out.invoice.Preimage)
		}
		if recvErr := receiverTerminal(out.err); recvErr != nil {
			d.log.Infow("invoice died during send",
				"invoice_id", inv.ID, "wallet_id", w.ID, "err", out.err)
			// Let the in-flight send unwind before reusing the wallet.
			<-payCh
			return nil, recvErr
		}
		return nil, out.err
	}
}

// classifyPayError decides whether a failed send is the sender's fault
// or the receiver's. The adapter's own verdict wins; otherwise the
// invoice is re-polled once, and if that is inconclusive the failure
// stays with the sender.
func (d *Dispatcher) classifyPayError(ctx context.Context, w *store.Wallet, inv *store.Invoice, payErr error) (*SendResult, error) {
	if errors.Is(payErr, ErrInvoiceExpired) || errors.Is(payErr, ErrInvoiceCanceled) {
		return nil, &ReceiverError{Err: payErr}
	}

	settled, err := d.controller.Check(ctx, inv.ID)
	if err == nil && settled != nil {
		// The send "failed" yet the invoice settled: count it as paid.
		return &SendResult{
			Preimage: settled.Preimage,
			WalletID: w.ID,
			Protocol: w.Protocol,
		}, nil
	}
	if recvErr := receiverTerminal(err); recvErr != nil {
		return nil, recvErr
	}
	return nil, &SenderError{WalletID: w.ID, Err: payErr}
}

// receiverTerminal maps controller terminal states onto ReceiverError,
// or nil if the state is not the receiver's doing.
func receiverTerminal(err error) error {
	switch {
	case errors.Is(err, invoices.ErrExpired):
		return &ReceiverError{Err: ErrInvoiceExpired}
	case errors.Is(err, invoices.ErrCanceled):
		return &ReceiverError{Err: ErrInvoiceCanceled}
	case errors.Is(err, invoices.ErrForwardFailed):
		return &ReceiverError{Err: err}
	}
	return nil
}

// preimageMatches checks sha256(preimage) against the recorded payment
// hash. Invoices stored without a hash are taken on the wallet's word.
func preimageMatches(preimage, paymentHash string) bool {
	if paymentHash == "" {
		return true
	}
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(paymentHash)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	sum := sha256.Sum256(raw)
	return bytes.Equal(sum[:], want)
}

func (d *Dispatcher) recordSettlement(ctx context.Context, invoiceID, preimage string) error {
	err := d.controller.SettleFromSend(ctx, invoiceID, preimage)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}
