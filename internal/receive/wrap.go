// Package receive mints wrapped invoices: the payer sees an invoice on
// the routing node, the user's own wallet holds the matching inner
// invoice, and the routing node forwards the payment inward once the
// outer HTLC arrives.
package receive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lnswitch/internal/bolt"
	"lnswitch/internal/logging"
	"lnswitch/internal/payments"
	"lnswitch/internal/store"
)

// Routing budget for the inward hop, taken out of the skimmed margin.
const (
	routingFeePPM      = 9000 // 0.9%
	routingFeeBaseMsat = 1000
)

// CLTV bounds on the outer invoice. The outer delta must cover the
// inner invoice's own delta plus the route, but an unbounded delta
// locks the payer's funds for too long.
const (
	minCltvExpiry = 200
	maxCltvExpiry = 360
)

// expiryBuffer is shaved off the inner invoice's expiry so the forward
// still fits inside it after the outer invoice settles.
const expiryBuffer = 300 * time.Second

const feeEstimateTimeout = 10 * time.Second

// RoutingNode is the operator's node: it mints the outer hold invoice
// and pays the inner one.
type RoutingNode interface {
	AddHoldInvoice(ctx context.Context, p payments.HoldInvoiceParams) (string, error)
	WaitForAccepted(ctx context.Context, paymentHash []byte) error
	SettleHoldInvoice(ctx context.Context, preimage []byte) error
	CancelInvoice(ctx context.Context, paymentHash string) error
	PayBolt11(ctx context.Context, bolt11 string, maxFeeMsat int64) (string, error)
	EstimateFee(ctx context.Context, req bolt.FeeRequest) (*bolt.FeeEstimate, error)
}

// Wrapped is a minted outer invoice.
type Wrapped struct {
	Bolt11      string
	PaymentHash string
	ExpiresAt   time.Time
}

// Wrapper mints outer hold invoices and forwards settled ones inward.
// Inner payments and fee estimates go through the codec so they are
// classified before the node is contacted.
type Wrapper struct {
	node  RoutingNode
	codec *bolt.Codec
	store store.InvoiceStore
	log   *zap.SugaredLogger
}

func NewWrapper(node RoutingNode, s store.InvoiceStore) *Wrapper {
	return &Wrapper{
		node:  node,
		codec: bolt.NewCodec(node, nil),
		store: s,
		log:   logging.New("wrap"),
	}
}

// WrapInvoice mints the outer invoice for an inner one. outerMsat is
// what the payer pays; the difference to the inner amount covers the
// service margin and the routing budget.
func (w *Wrapper) WrapInvoice(ctx context.Context, inner *bolt.Invoice, outerMsat int64, description string) (*Wrapped, error) {
	if inner.MsatAmount <= 0 {
		return nil, fmt.Errorf("inner invoice has no amount")
	}
	if inner.MsatAmount > outerMsat {
		return nil, fmt.Errorf("inner amount %d msat exceeds outer %d msat", inner.MsatAmount, outerMsat)
	}

	hash, err := hex.DecodeString(inner.PaymentHash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("inner payment hash: %q", inner.PaymentHash)
	}

	cltv := inner.CltvDelta
	estCtx, cancel := context.WithTimeout(ctx, feeEstimateTimeout)
	est, err := w.codec.EstimateFee(estCtx, inner.Encoded, inner.MsatAmount, feeEstimateTimeout)
	cancel()
	if err != nil {
		w.log.Debugw("fee estimate unavailable, using inner cltv", "err", err)
	} else {
		cltv += uint64(est.TimeLockDelay)
	}
	if cltv < minCltvExpiry {
		cltv = minCltvExpiry
	}
	if cltv > maxCltvExpiry {
		cltv = maxCltvExpiry
	}

	expiry := time.Until(inner.ExpiresAt) - expiryBuffer
	if expiry <= 0 {
		return nil, fmt.Errorf("inner invoice expires too soon")
	}

	var descHash []byte
	if inner.DescriptionHash != "" {
		if descHash, err = hex.DecodeString(inner.DescriptionHash); err != nil {
			return nil, fmt.Errorf("inner description hash: %w", err)
		}
	}

	outer, err := w.node.AddHoldInvoice(ctx, payments.HoldInvoiceParams{
		PaymentHash:     hash,
		MsatAmount:      outerMsat,
		Description:     description,
		DescriptionHash: descHash,
		Expiry:          expiry,
		CltvExpiry:      cltv,
	})
	if err != nil {
		return nil, fmt.Errorf("mint outer invoice: %w", err)
	}

	return &Wrapped{
		Bolt11:      outer,
		PaymentHash: inner.PaymentHash,
		ExpiresAt:   time.Now().Add(expiry),
	}, nil
}

// RoutingBudgetMsat is the fee ceiling for the inward hop.
func RoutingBudgetMsat(outerMsat int64) int64 {
	return outerMsat*routingFeePPM/1_000_000 + routingFeeBaseMsat
}

// Forward watches the outer invoice and, once its HTLC is held, pays
// the inner invoice and settles the outer one with the learned
// preimage. On forward failure the outer invoice is canceled back so
// the payer is never charged.
func (w *Wrapper) Forward(ctx context.Context, invoiceID, innerBolt11, paymentHash string, maxFeeMsat int64) {
	log := w.log.With("invoice_id", invoiceID)

	hash, err := hex.DecodeString(paymentHash)
	if err != nil {
		log.Errorw("payment hash", "err", err)
		return
	}

	if err := w.node.WaitForAccepted(ctx, hash); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Debugw("outer invoice never accepted", "err", err)
		}
		return
	}

	preimage, err := w.codec.Pay(ctx, innerBolt11, bolt.PayOptions{MaxFeeMsat: maxFeeMsat})
	if err != nil {
		log.Warnw("inner payment failed, canceling outer invoice", "err", err)
		w.failForward(ctx, invoiceID, paymentHash)
		return
	}

	raw, err := hex.DecodeString(preimage)
	if err != nil {
		log.Errorw("inner preimage not hex", "err", err)
		w.failForward(ctx, invoiceID, paymentHash)
		return
	}
	if err := w.node.SettleHoldInvoice(ctx, raw); err != nil {
		log.Errorw("settle outer invoice", "err", err)
		return
	}

	if err := w.store.SettleInvoice(ctx, invoiceID, preimage); err != nil && !errors.Is(err, store.ErrConflict) {
		log.Errorw("record settlement", "err", err)
	}
	log.Infow("forwarded and settled")
}

func (w *Wrapper) failForward(ctx context.Context, invoiceID, paymentHash string) {
	if err := w.store.MarkForwardFailed(ctx, invoiceID); err != nil {
		w.log.Errorw("mark forward failed", "invoice_id", invoiceID, "err", err)
	}
	if err := w.node.CancelInvoice(ctx, paymentHash); err != nil {
		w.log.Errorw("cancel outer invoice", "invoice_id", invoiceID, "err", err)
	}
	err := w.store.UpdateInvoiceState(ctx, invoiceID, store.InvoicePending, store.InvoiceCanceled)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		w.log.Errorw("record cancelation", "invoice_id", invoiceID, "err", err)
	}
}
