package receive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lnswitch/internal/bolt"
	"lnswitch/internal/invoices"
	"lnswitch/internal/logging"
	"lnswitch/internal/payments"
	"lnswitch/internal/store"
)

// MaxPendingInvoicesPerWallet caps how many unsettled invoices one
// wallet may carry before it stops being offered new ones.
const MaxPendingInvoicesPerWallet = 25

// DefaultFeePercent is the margin skimmed off the outer amount; the
// inner invoice is minted for the remainder.
const DefaultFeePercent = 10

// createInvoiceTimeout bounds one wallet's invoice mint; a slow wallet
// must not stall the whole candidate walk.
const createInvoiceTimeout = 10 * time.Second

// undershootToleranceMsat is how far below the requested amount an
// inner invoice may come in before it is rejected as short.
const undershootToleranceMsat = 1000

// Selector walks a user's receive wallets in priority order and mints
// a wrapped invoice on the first one that cooperates.
type Selector struct {
	wallets    store.WalletStore
	invoices   store.InvoiceStore
	controller *invoices.Controller
	registry   *payments.Registry
	wrapper    *Wrapper
	feePercent int64
	log        *zap.SugaredLogger
}

func NewSelector(wallets store.WalletStore, invStore store.InvoiceStore, controller *invoices.Controller, registry *payments.Registry, wrapper *Wrapper, feePercent int64) *Selector {
	if feePercent <= 0 || feePercent >= 100 {
		feePercent = DefaultFeePercent
	}
	return &Selector{
		wallets:    wallets,
		invoices:   invStore,
		controller: controller,
		registry:   registry,
		wrapper:    wrapper,
		feePercent: feePercent,
		log:        logging.New("receive"),
	}
}

// InnerAmountMsat applies the margin with integer math only.
func (s *Selector) InnerAmountMsat(outerMsat int64) int64 {
	return outerMsat * (100 - s.feePercent) / 100
}

// CreateWrappedInvoice mints a wrapped invoice for the user. The outer
// amount is what the payer will pay.
func (s *Selector) CreateWrappedInvoice(ctx context.Context, userID string, outerMsat int64, description string) (*store.Invoice, error) {
	if userID == "" {
		return nil, payments.ErrNoReceiveWallets
	}
	if outerMsat <= 0 {
		return nil, &payments.ValidationError{Reason: "amount must be positive"}
	}
	if s.InnerAmountMsat(outerMsat) <= 0 {
		return nil, &payments.ValidationError{Reason: "amount too small to carry the margin"}
	}
	return s.selectAndWrap(ctx, userID, outerMsat, description, nil, nil)
}

// ReplaceInvoice cancels a dead wrapped invoice and mints a successor
// on the next untried wallet, satisfying the dispatcher's retry hook.
func (s *Selector) ReplaceInvoice(ctx context.Context, predecessor *store.Invoice) (*store.Invoice, error) {
	if err := s.controller.Cancel(ctx, predecessor.ID, cancelerFor(s.wrapper)); err != nil {
		return nil, err
	}

	skip := map[int64]bool{predecessor.WalletID: true}
	tried, err := s.wallets.TriedWalletIDs(ctx, predecessor.ID, predecessor.PaymentAttempt)
	if err != nil {
		return nil, err
	}
	for _, id := range tried {
		skip[id] = true
	}
	return s.selectAndWrap(ctx, predecessor.UserID, predecessor.MsatAmount, "", skip, predecessor)
}

func cancelerFor(w *Wrapper) invoices.Canceler {
	if w == nil {
		return nil
	}
	return nodeCanceler{node: w.node}
}

type nodeCanceler struct {
	node RoutingNode
}

func (c nodeCanceler) CancelInvoice(ctx context.Context, paymentHash string) error {
	return c.node.CancelInvoice(ctx, paymentHash)
}

func (s *Selector) selectAndWrap(ctx context.Context, userID string, outerMsat int64, description string, skip map[int64]bool, predecessor *store.Invoice) (*store.Invoice, error) {
	wallets, err := s.wallets.ListWallets(ctx, userID, store.Receive)
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, payments.ErrNoReceiveWallets
	}

	innerMsat := s.InnerAmountMsat(outerMsat)
	var attempts []error

	for _, w := range wallets {
		if skip[w.ID] {
			continue
		}
		log := logging.Wallet("receive", w.ID)

		pending, err := s.wallets.CountPendingInvoices(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		if pending >= MaxPendingInvoicesPerWallet {
			log.Debugw("wallet at pending invoice ceiling", "pending", pending)
			attempts = append(attempts, fmt.Errorf("wallet %d has %d pending invoices", w.ID, pending))
			continue
		}

		inner, err := s.mintInner(ctx, w, innerMsat, description, log)
		if err != nil {
			attempts = append(attempts, err)
			continue
		}

		wrapped, err := s.wrapper.WrapInvoice(ctx, inner, outerMsat, description)
		if err != nil {
			log.Warnw("wrap failed", "err", err)
			attempts = append(attempts, fmt.Errorf("wallet %d: %w", w.ID, err))
			continue
		}

		record, err := s.record(ctx, userID, w.ID, outerMsat, wrapped, predecessor)
		if err != nil {
			return nil, err
		}

		// Detached from the request: the forward outlives it.
		go s.wrapper.Forward(context.Background(), record.ID, inner.Encoded, wrapped.PaymentHash, RoutingBudgetMsat(outerMsat))

		log.Infow("wrapped invoice minted",
			"invoice_id", record.ID,
			"outer_msat", outerMsat,
			"inner_msat", inner.MsatAmount)
		return record, nil
	}

	return nil, &payments.AggregateError{Errs: attempts}
}

// mintInner asks one wallet for the inner invoice and validates what
// came back before any money can move through it.
func (s *Selector) mintInner(ctx context.Context, w *store.Wallet, innerMsat int64, description string, log *zap.SugaredLogger) (*bolt.Invoice, error) {
	adapter, err := s.registry.Build(w.Protocol, w.Config, log)
	if err != nil {
		return nil, err
	}
	creator, ok := adapter.(payments.InvoiceCreator)
	if !ok {
		return nil, &payments.ConfigError{Protocol: w.Protocol, Field: "protocol", Reason: "cannot mint invoices"}
	}

	mintCtx, cancel := context.WithTimeout(ctx, createInvoiceTimeout)
	defer cancel()

	minted, err := creator.CreateInvoice(mintCtx, innerMsat, description, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("wallet %d: mint invoice: %w", w.ID, err)
	}

	inner, err := bolt.DecodeBolt11(minted.PaymentRequest)
	if err != nil {
		return nil, fmt.Errorf("wallet %d returned undecodable invoice: %w", w.ID, err)
	}
	switch {
	case inner.MsatAmount == 0:
		return nil, fmt.Errorf("wallet %d returned a zero-amount invoice", w.ID)
	case inner.MsatAmount > innerMsat:
		return nil, fmt.Errorf("wallet %d invoice asks %d msat, above the %d msat requested", w.ID, inner.MsatAmount, innerMsat)
	case innerMsat-inner.MsatAmount >= undershootToleranceMsat:
		return nil, fmt.Errorf("wallet %d invoice asks %d msat, short of the %d msat requested", w.ID, inner.MsatAmount, innerMsat)
	}
	if inner.Expired() {
		return nil, fmt.Errorf("wallet %d returned an expired invoice", w.ID)
	}
	return inner, nil
}

func (s *Selector) record(ctx context.Context, userID string, walletID, outerMsat int64, wrapped *Wrapped, predecessor *store.Invoice) (*store.Invoice, error) {
	params := store.InvoiceParams{
		UserID:      userID,
		WalletID:    walletID,
		Bolt11:      wrapped.Bolt11,
		MsatAmount:  outerMsat,
		PaymentHash: wrapped.PaymentHash,
		ExpiresAt:   wrapped.ExpiresAt,
	}
	if predecessor != nil {
		params.PaymentAttempt = predecessor.PaymentAttempt
		return s.invoices.CreateSuccessor(ctx, predecessor.ID, params)
	}
	return s.invoices.CreateInvoice(ctx, params)
}
