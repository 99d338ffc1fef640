package payments

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/macaroons"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
	macaroon "gopkg.in/macaroon.v2"

	"lnswitch/internal/bolt"
)

const ProtocolLNDK = "lndk"

// The bridge daemon exposes a small offers service; its message types
// are plain JSON so the methods are invoked directly without generated
// stubs.
const (
	offersDecodeMethod = "/lndkrpc.Offers/DecodeInvoice"
	offersFetchMethod  = "/lndkrpc.Offers/GetInvoice"
	offersPayMethod    = "/lndkrpc.Offers/PayInvoice"
)

// jsonCodecName selects the JSON wire codec on a per-call basis.
const jsonCodecName = "json"

// jsonCodec is a grpc encoding.Codec that marshals messages as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// BOLT12Bridge pays and decodes BOLT12 invoices, and fetches invoices
// from offers, through a sidecar daemon speaking gRPC next to the lnd
// node.
type BOLT12Bridge struct {
	conn *grpc.ClientConn
	log  *zap.SugaredLogger
}

// DialBOLT12Bridge connects to the offers daemon. Required config keys
// mirror the lnd adapter: "socket", "cert" (hex PEM), "macaroon" (hex).
func DialBOLT12Bridge(ctx context.Context, config map[string]string, log *zap.SugaredLogger) (*BOLT12Bridge, error) {
	socket := config["socket"]
	if socket == "" {
		return nil, &ConfigError{Protocol: ProtocolLNDK, Field: "socket", Reason: "missing"}
	}
	certPEM, err := hex.DecodeString(config["cert"])
	if err != nil || len(certPEM) == 0 {
		return nil, &ConfigError{Protocol: ProtocolLNDK, Field: "cert", Reason: "missing or not hex"}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, &ConfigError{Protocol: ProtocolLNDK, Field: "cert", Reason: "no certificate in PEM"}
	}
	macBytes, err := hex.DecodeString(config["macaroon"])
	if err != nil || len(macBytes) == 0 {
		return nil, &ConfigError{Protocol: ProtocolLNDK, Field: "macaroon", Reason: "missing or not hex"}
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, &ConfigError{Protocol: ProtocolLNDK, Field: "macaroon", Reason: "malformed macaroon"}
	}
	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("macaroon credential: %w", err)
	}

	conn, err := grpc.DialContext(ctx, socket,
		grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(pool, "")),
		grpc.WithPerRPCCredentials(macCred),
	)
	if err != nil {
		return nil, fmt.Errorf("dial offers bridge %s: %w", socket, err)
	}
	return &BOLT12Bridge{conn: conn, log: log}, nil
}

func (b *BOLT12Bridge) Close() error { return b.conn.Close() }

func (b *BOLT12Bridge) invoke(ctx context.Context, method string, req, resp any) error {
	ctx, cancel := ensureDeadline(ctx, lndDefaultTimeout)
	defer cancel()
	return b.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(jsonCodecName))
}

type decodeInvoiceRequest struct {
	Invoice string `json:"invoice"`
}

type decodeInvoiceResponse struct {
	AmountMsats    int64  `json:"amount_msats"`
	PaymentHash    string `json:"payment_hash"`
	NodeID         string `json:"node_id"`
	Description    string `json:"description"`
	CreatedAt      int64  `json:"created_at"`
	RelativeExpiry int64  `json:"relative_expiry"`
}

// DecodeBolt12 decodes an encoded BOLT12 invoice into the normalized
// form. The daemon expects the raw invoice bytes as hex.
func (b *BOLT12Bridge) DecodeBolt12(ctx context.Context, invoice string) (*bolt.Invoice, error) {
	payload, err := bolt.Bolt12Payload(invoice)
	if err != nil {
		return nil, err
	}

	var resp decodeInvoiceResponse
	if err := b.invoke(ctx, offersDecodeMethod, &decodeInvoiceRequest{Invoice: hex.EncodeToString(payload)}, &resp); err != nil {
		return nil, err
	}

	return &bolt.Invoice{
		Encoded:     invoice,
		Family:      bolt.Bolt12Invoice,
		MsatAmount:  resp.AmountMsats,
		PaymentHash: resp.PaymentHash,
		Destination: resp.NodeID,
		Description: resp.Description,
		Timestamp:   time.Unix(resp.CreatedAt, 0),
		ExpiresAt:   time.Unix(resp.CreatedAt+resp.RelativeExpiry, 0),
	}, nil
}

type fetchInvoiceRequest struct {
	Offer       string `json:"offer"`
	AmountMsats int64  `json:"amount_msats"`
	PayerNote   string `json:"payer_note,omitempty"`
}

type fetchInvoiceResponse struct {
	InvoiceHexStr string `json:"invoice_hex_str"`
}

// FetchInvoice requests an invoice for an offer from the issuing node.
func (b *BOLT12Bridge) FetchInvoice(ctx context.Context, offer string, msatAmount int64, payerNote string) (string, error) {
	var resp fetchInvoiceResponse
	err := b.invoke(ctx, offersFetchMethod, &fetchInvoiceRequest{
		Offer:       offer,
		AmountMsats: msatAmount,
		PayerNote:   payerNote,
	}, &resp)
	if err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(resp.InvoiceHexStr)
	if err != nil {
		return "", fmt.Errorf("bridge returned non-hex invoice: %w", err)
	}
	return bolt.EncodeBolt12Invoice(raw)
}

type payInvoiceRequest struct {
	Invoice     string `json:"invoice"`
	AmountMsats int64  `json:"amount_msats,omitempty"`
	MaxFeeMsats int64  `json:"max_fee_msats,omitempty"`
}

type payInvoiceResponse struct {
	Preimage string `json:"payment_preimage"`
}

// PayBolt12 pays an encoded BOLT12 invoice and returns the preimage.
func (b *BOLT12Bridge) PayBolt12(ctx context.Context, invoice string, maxFeeMsat int64) (string, error) {
	payload, err := bolt.Bolt12Payload(invoice)
	if err != nil {
		return "", err
	}

	var resp payInvoiceResponse
	err = b.invoke(ctx, offersPayMethod, &payInvoiceRequest{
		Invoice:     hex.EncodeToString(payload),
		MaxFeeMsats: maxFeeMsat,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Preimage == "" {
		return "", fmt.Errorf("bridge settled without preimage")
	}
	return resp.Preimage, nil
}

// LNDKWallet exposes the bridge as a sending wallet. It only pays
// BOLT12 invoices; BOLT11 traffic belongs to the other protocols.
type LNDKWallet struct {
	bridge *BOLT12Bridge
}

func NewLNDKWallet(b *BOLT12Bridge) *LNDKWallet { return &LNDKWallet{bridge: b} }

func (w *LNDKWallet) Protocol() string { return ProtocolLNDK }

func (w *LNDKWallet) Pay(ctx context.Context, invoice string, maxFeeMsat int64) (string, error) {
	if bolt.Classify(invoice) != bolt.Bolt12Invoice {
		return "", &ValidationError{Reason: "offers wallet only pays BOLT12 invoices"}
	}
	return w.bridge.PayBolt12(ctx, invoice, maxFeeMsat)
}

func (w *LNDKWallet) TestConnection(ctx context.Context) error {
	return w.bridge.TestConnection(ctx)
}

// TestConnection decodes a trivially invalid invoice; a structured
// rejection still proves the daemon is up and authenticated.
func (b *BOLT12Bridge) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var resp decodeInvoiceResponse
	err := b.invoke(ctx, offersDecodeMethod, &decodeInvoiceRequest{Invoice: ""}, &resp)
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.Unauthenticated, codes.PermissionDenied, codes.DeadlineExceeded:
		return err
	}
	// An application-level rejection means the transport and auth worked.
	return nil
}
