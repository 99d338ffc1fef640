package bolt

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// BOLT12 strings are bech32 without a checksum: a human-readable part
// ("lni" or "lno"), the separator "1", then the payload. The gRPC bridge
// speaks raw hex, so we convert between the two here.

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var bech32CharsetRev = func() [128]int8 {
	var rev [128]int8
	for i := range rev {
		rev[i] = -1
	}
	for i, c := range bech32Charset {
		rev[c] = int8(i)
	}
	return rev
}()

// Bolt12Payload strips the hrp of a BOLT12 invoice or offer and returns the
// decoded payload bytes.
func Bolt12Payload(encoded string) ([]byte, error) {
	s := strings.ToLower(strings.TrimSpace(encoded))
	switch Classify(s) {
	case Bolt12Invoice:
		s = s[len("lni1"):]
	case Bolt12Offer:
		s = s[len("lno1"):]
	default:
		return nil, fmt.Errorf("%w: not a BOLT12 string", ErrUnknownInvoice)
	}

	data := make([]byte, 0, len(s))
	for _, c := range s {
		if c >= 128 || bech32CharsetRev[c] < 0 {
			return nil, fmt.Errorf("invalid bech32 character %q", c)
		}
		data = append(data, byte(bech32CharsetRev[c]))
	}

	converted, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("convert bech32 payload: %w", err)
	}
	return converted, nil
}

// EncodeBolt12Invoice encodes raw BOLT12 invoice bytes back into the
// checksumless "lni1..." form.
func EncodeBolt12Invoice(payload []byte) (string, error) {
	converted, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bech32 payload: %w", err)
	}

	var b strings.Builder
	b.WriteString("lni1")
	for _, v := range converted {
		b.WriteByte(bech32Charset[v])
	}
	return b.String(), nil
}
