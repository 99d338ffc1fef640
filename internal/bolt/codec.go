package bolt

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownInvoice means the input is not recognizable as any
	// supported invoice format. It is never silently treated as one.
	ErrUnknownInvoice = errors.New("unrecognized payment request")

	// ErrOfferNotPayable means the input is a BOLT12 offer. Offers must be
	// exchanged for an invoice with FetchInvoice before they can be paid,
	// decoded, or fee-estimated.
	ErrOfferNotPayable = errors.New("bolt12 offer must be fetched into an invoice first")

	// ErrNotAnOffer means FetchInvoice was handed something that is not a
	// BOLT12 offer.
	ErrNotAnOffer = errors.New("not a bolt12 offer")

	// ErrNoBolt12Support means BOLT12 input arrived but no bridge is
	// configured to handle it.
	ErrNoBolt12Support = errors.New("no bolt12 support configured")
)

// AmountMismatchError reports that a decoded invoice amount does not equal
// the amount the caller asked to pay. Paying anyway (or rounding) is never
// acceptable, so this aborts before any payment backend is contacted.
type AmountMismatchError struct {
	RequestedMsat int64
	DecodedMsat   int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("invoice amount mismatch: requested %d msat, invoice is for %d msat",
		e.RequestedMsat, e.DecodedMsat)
}

// FeeRequest describes a routing-fee estimation query.
type FeeRequest struct {
	Destination string // hex node pubkey
	MsatAmount  int64
	Invoice     string // original payment request, when available
	Timeout     time.Duration
}

// FeeEstimate is the result of a routing-fee estimation.
type FeeEstimate struct {
	RoutingFeeMsat int64
	TimeLockDelay  int64
}

// Bolt11Backend pays BOLT11 invoices and estimates routing fees.
type Bolt11Backend interface {
	PayBolt11(ctx context.Context, invoice string, maxFeeMsat int64) (preimage string, err error)
	EstimateFee(ctx context.Context, req FeeRequest) (*FeeEstimate, error)
}

// Bolt12Backend handles BOLT12 invoices and offers, typically through a
// gRPC bridge next to the node.
type Bolt12Backend interface {
	PayBolt12(ctx context.Context, invoice string, maxFeeMsat int64) (preimage string, err error)
	DecodeBolt12(ctx context.Context, invoice string) (*Invoice, error)
	FetchInvoice(ctx context.Context, offer string, msatAmount int64, payerNote string) (invoice string, err error)
}

// PayOptions bound a Codec.Pay call.
type PayOptions struct {
	// MsatAmount is the amount the caller expects the invoice to carry.
	// Zero skips the check (amountless invoices).
	MsatAmount int64
	MaxFeeMsat int64
}

// Codec routes pay, decode, and estimate-fee calls to the backend matching
// the invoice's protocol family. Classification always happens first; no
// backend is contacted for unknown input or for offers.
type Codec struct {
	bolt11 Bolt11Backend
	bolt12 Bolt12Backend
}

func NewCodec(bolt11 Bolt11Backend, bolt12 Bolt12Backend) *Codec {
	return &Codec{bolt11: bolt11, bolt12: bolt12}
}

// Pay pays an invoice of either family, verifying the decoded amount
// against opts.MsatAmount before any payment backend is contacted.
func (c *Codec) Pay(ctx context.Context, invoice string, opts PayOptions) (string, error) {
	switch Classify(invoice) {
	case Bolt11:
		if opts.MsatAmount != 0 {
			decoded, err := DecodeBolt11(invoice)
			if err != nil {
				return "", err
			}
			if decoded.MsatAmount != opts.MsatAmount {
				return "", &AmountMismatchError{RequestedMsat: opts.MsatAmount, DecodedMsat: decoded.MsatAmount}
			}
		}
		return c.bolt11.PayBolt11(ctx, invoice, opts.MaxFeeMsat)

	case Bolt12Invoice:
		if c.bolt12 == nil {
			return "", ErrNoBolt12Support
		}
		// The bridge needs the decoded amount anyway; validate it here so
		// a mismatch never reaches PayBolt12.
		decoded, err := c.bolt12.DecodeBolt12(ctx, invoice)
		if err != nil {
			return "", err
		}
		if opts.MsatAmount != 0 && decoded.MsatAmount != opts.MsatAmount {
			return "", &AmountMismatchError{RequestedMsat: opts.MsatAmount, DecodedMsat: decoded.MsatAmount}
		}
		return c.bolt12.PayBolt12(ctx, invoice, opts.MaxFeeMsat)

	case Bolt12Offer:
		return "", ErrOfferNotPayable
	}
	return "", ErrUnknownInvoice
}

// Decode normalizes an invoice of either family. BOLT11 decoding is local;
// BOLT12 goes through the bridge.
func (c *Codec) Decode(ctx context.Context, invoice string) (*Invoice, error) {
	switch Classify(invoice) {
	case Bolt11:
		return DecodeBolt11(invoice)
	case Bolt12Invoice:
		if c.bolt12 == nil {
			return nil, ErrNoBolt12Support
		}
		return c.bolt12.DecodeBolt12(ctx, invoice)
	case Bolt12Offer:
		return nil, ErrOfferNotPayable
	}
	return nil, ErrUnknownInvoice
}

// EstimateFee estimates the routing fee for paying an invoice, verifying
// the decoded amount against msatAmount when non-zero.
func (c *Codec) EstimateFee(ctx context.Context, invoice string, msatAmount int64, timeout time.Duration) (*FeeEstimate, error) {
	switch Classify(invoice) {
	case Bolt11, Bolt12Invoice:
		decoded, err := c.Decode(ctx, invoice)
		if err != nil {
			return nil, err
		}
		if msatAmount != 0 && decoded.MsatAmount != msatAmount {
			return nil, &AmountMismatchError{RequestedMsat: msatAmount, DecodedMsat: decoded.MsatAmount}
		}
		req := FeeRequest{
			Destination: decoded.Destination,
			MsatAmount:  decoded.MsatAmount,
			Timeout:     timeout,
		}
		if decoded.Family == Bolt11 {
			req.Invoice = invoice
		}
		return c.bolt11.EstimateFee(ctx, req)

	case Bolt12Offer:
		return nil, ErrOfferNotPayable
	}
	return nil, ErrUnknownInvoice
}

// FetchInvoice exchanges a BOLT12 offer for a single-use invoice. Anything
// that is not an offer is rejected.
func (c *Codec) FetchInvoice(ctx context.Context, offer string, msatAmount int64, payerNote string) (string, error) {
	if Classify(offer) != Bolt12Offer {
		return "", ErrNotAnOffer
	}
	if c.bolt12 == nil {
		return "", ErrNoBolt12Support
	}
	return c.bolt12.FetchInvoice(ctx, offer, msatAmount, payerNote)
}
