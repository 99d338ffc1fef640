package bolt

import "strings"

// Family is the protocol family of a payment request string.
type Family int

const (
	// Unknown means the input matched no known invoice format.
	Unknown Family = iota
	// Bolt11 is a classic BOLT11 payment request, any network.
	Bolt11
	// Bolt12Invoice is a single-use BOLT12 invoice (bech32 hrp "lni").
	Bolt12Invoice
	// Bolt12Offer is a reusable BOLT12 offer (bech32 hrp "lno"). Offers
	// cannot be paid directly; they must be exchanged for an invoice first.
	Bolt12Offer
)

func (f Family) String() string {
	switch f {
	case Bolt11:
		return "bolt11"
	case Bolt12Invoice:
		return "bolt12_invoice"
	case Bolt12Offer:
		return "bolt12_offer"
	}
	return "unknown"
}

// bolt11Prefixes are the literal network prefixes of BOLT11 payment
// requests. Order matters: lnbcrt and lntbs must be checked before their
// shorter lnbc/lntb counterparts.
var bolt11Prefixes = []string{"lnbcrt", "lntbs", "lntb", "lnbc"}

// Classify determines the protocol family of a payment request. The check
// is purely lexical; it never contacts a backend and never decodes.
func Classify(text string) Family {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimPrefix(s, "lightning:")

	switch {
	case strings.HasPrefix(s, "lni1"):
		return Bolt12Invoice
	case strings.HasPrefix(s, "lno1"):
		return Bolt12Offer
	}

	for _, prefix := range bolt11Prefixes {
		if strings.HasPrefix(s, prefix) {
			return Bolt11
		}
	}

	return Unknown
}
