package bolt

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
)

// Invoice is the normalized form of a decoded payment request, independent
// of the protocol family it was decoded from. Amounts are exact integer
// millisatoshis throughout.
type Invoice struct {
	Encoded         string
	Family          Family
	MsatAmount      int64
	PaymentHash     string // hex
	Destination     string // hex node pubkey
	Timestamp       time.Time
	ExpiresAt       time.Time
	CltvDelta       uint64
	Description     string
	DescriptionHash string // hex
}

// Expired reports whether the invoice expiry has passed.
func (i *Invoice) Expired() bool {
	return time.Now().After(i.ExpiresAt)
}

func networkParams(invoice string) (*chaincfg.Params, error) {
	s := strings.ToLower(invoice)
	switch {
	case strings.HasPrefix(s, "lnbcrt"):
		return &chaincfg.RegressionNetParams, nil
	case strings.HasPrefix(s, "lntbs"):
		return &chaincfg.SigNetParams, nil
	case strings.HasPrefix(s, "lntb"):
		return &chaincfg.TestNet3Params, nil
	case strings.HasPrefix(s, "lnbc"):
		return &chaincfg.MainNetParams, nil
	}
	return nil, fmt.Errorf("%w: no BOLT11 network prefix", ErrUnknownInvoice)
}

// DecodeBolt11 decodes a BOLT11 payment request locally (no backend call)
// and normalizes it. The network is inferred from the invoice prefix.
func DecodeBolt11(invoice string) (*Invoice, error) {
	params, err := networkParams(invoice)
	if err != nil {
		return nil, err
	}

	decoded, err := zpay32.Decode(invoice, params)
	if err != nil {
		return nil, fmt.Errorf("decode bolt11: %w", err)
	}

	out := &Invoice{
		Encoded:   invoice,
		Family:    Bolt11,
		Timestamp: decoded.Timestamp,
		ExpiresAt: decoded.Timestamp.Add(decoded.Expiry()),
		CltvDelta: decoded.MinFinalCLTVExpiry(),
	}
	if decoded.MilliSat != nil {
		out.MsatAmount = int64(*decoded.MilliSat)
	}
	if decoded.PaymentHash != nil {
		out.PaymentHash = hex.EncodeToString(decoded.PaymentHash[:])
	}
	if decoded.Destination != nil {
		out.Destination = hex.EncodeToString(decoded.Destination.SerializeCompressed())
	}
	if decoded.Description != nil {
		out.Description = *decoded.Description
	}
	if decoded.DescriptionHash != nil {
		out.DescriptionHash = hex.EncodeToString(decoded.DescriptionHash[:])
	}

	return out, nil
}
