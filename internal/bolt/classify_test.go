package bolt

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Family
	}{
		{"mainnet bolt11", "lnbc2500u1pvjluez...", Bolt11},
		{"testnet bolt11", "lntb20m1pvjluez...", Bolt11},
		{"signet bolt11", "lntbs4320n1pn...", Bolt11},
		{"regtest bolt11", "lnbcrt500n1pn...", Bolt11},
		{"uppercase bolt11", "LNBC2500U1PVJLUEZ", Bolt11},
		{"lightning uri", "lightning:lnbc1pvjluez", Bolt11},
		{"bolt12 invoice", "lni1qqgds4gweqxey37gexf5jus4kcrwuq3", Bolt12Invoice},
		{"bolt12 offer", "lno1pg257enxv4ezqcneype82um50ynhxgrwdajx293pqglnyxw6q0hzngfdusg8umzuxe8kquuz7pjl90ldj8wadwgs0xlmc", Bolt12Offer},
		{"empty", "", Unknown},
		{"garbage", "deadbeef", Unknown},
		{"onchain address", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", Unknown},
		{"lnurl", "lnurl1dp68gurn8ghj7um9wfmxjcm99e3k7mf0v9cxj0m385ekvcenxc6r2c35xvukxefcv5mkvv34x5ekzd3ev56nyd3hxqurzepexejxxepnxscrvwfnv9nxzcn9xq6xyefhvgcxxcfnxq6xzcfnxqcr2vpsxqcrqvps", Unknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.in); got != tc.want {
				t.Errorf("Classify(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestBolt12PayloadRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0xff, 0x00, 0x7f, 0xaa}

	encoded, err := EncodeBolt12Invoice(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if Classify(encoded) != Bolt12Invoice {
		t.Fatalf("encoded invoice %q did not classify as bolt12 invoice", encoded)
	}

	decoded, err := Bolt12Payload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Errorf("round trip mismatch: got %x, want %x", decoded, payload)
	}
}

func TestBolt12PayloadRejectsBolt11(t *testing.T) {
	if _, err := Bolt12Payload("lnbc1pvjluez"); err == nil {
		t.Fatal("expected error for non-bolt12 input")
	}
}
