package payments

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	macaroon "gopkg.in/macaroon.v2"

	"lnswitch/internal/bolt"
)

const ProtocolLND = "lnd"

// lndDefaultTimeout bounds individual RPCs that have no caller deadline.
const lndDefaultTimeout = 30 * time.Second

// LNDWallet talks to an lnd node over gRPC. It covers both directions:
// paying invoices and minting (hold) invoices for the receive side.
type LNDWallet struct {
	conn     *grpc.ClientConn
	client   lnrpc.LightningClient
	router   routerrpc.RouterClient
	invoices invoicesrpc.InvoicesClient
	log      *zap.SugaredLogger
}

// DialLND connects to an lnd node from wallet config. Required keys:
// "socket" (host:port), "cert" (hex TLS cert, PEM), "macaroon" (hex).
func DialLND(ctx context.Context, config map[string]string, log *zap.SugaredLogger) (*LNDWallet, error) {
	socket := config["socket"]
	if socket == "" {
		return nil, &ConfigError{Protocol: ProtocolLND, Field: "socket", Reason: "missing"}
	}

	certHex := config["cert"]
	if certHex == "" {
		return nil, &ConfigError{Protocol: ProtocolLND, Field: "cert", Reason: "missing"}
	}
	certPEM, err := hex.DecodeString(certHex)
	if err != nil {
		return nil, &ConfigError{Protocol: ProtocolLND, Field: "cert", Reason: "not hex"}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, &ConfigError{Protocol: ProtocolLND, Field: "cert", Reason: "no certificate in PEM"}
	}

	macHex := config["macaroon"]
	if macHex == "" {
		return nil, &ConfigError{Protocol: ProtocolLND, Field: "macaroon", Reason: "missing"}
	}
	macBytes, err := hex.DecodeString(macHex)
	if err != nil {
		return nil, &ConfigError{Protocol: ProtocolLND, Field: "macaroon", Reason: "not hex"}
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, &ConfigError{Protocol: ProtocolLND, Field: "macaroon", Reason: "malformed macaroon"}
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
		return nil, fmt.Errorf("dial lnd %s: %w", socket, err)
	}

	return &LNDWallet{
		conn:     conn,
		client:   lnrpc.NewLightningClient(conn),
		router:   routerrpc.NewRouterClient(conn),
		invoices: invoicesrpc.NewInvoicesClient(conn),
		log:      log,
	}, nil
}

func (w *LNDWallet) Protocol() string { return ProtocolLND }

func (w *LNDWallet) Close() error { return w.conn.Close() }

func (w *LNDWallet) Pay(ctx context.Context, bolt11 string, maxFeeMsat int64) (string, error) {
	return w.PayBolt11(ctx, bolt11, maxFeeMsat)
}

// PayBolt11 pays synchronously and returns the hex preimage.
func (w *LNDWallet) PayBolt11(ctx context.Context, bolt11 string, maxFeeMsat int64) (string, error) {
	ctx, cancel := ensureDeadline(ctx, lndDefaultTimeout)
	defer cancel()

	resp, err := w.client.SendPaymentSync(ctx, &lnrpc.SendRequest{
		PaymentRequest: bolt11,
		FeeLimit: &lnrpc.FeeLimit{
			Limit: &lnrpc.FeeLimit_FixedMsat{FixedMsat: maxFeeMsat},
		},
	})
	if err != nil {
		return "", err
	}
	if resp.PaymentError != "" {
		return "", classifyLNDPaymentError(resp.PaymentError)
	}
	return hex.EncodeToString(resp.PaymentPreimage), nil
}

// classifyLNDPaymentError maps lnd's stringly payment errors onto the
// taxonomy. "invoice expired" and "canceled" belong to the receiving
// side; everything else stays a plain send failure.
func classifyLNDPaymentError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "invoice expired"):
		return ErrInvoiceExpired
	case strings.Contains(lower, "canceled"):
		return ErrInvoiceCanceled
	}
	return errors.New(msg)
}

// EstimateFee probes the route cost to a destination.
func (w *LNDWallet) EstimateFee(ctx context.Context, req bolt.FeeRequest) (*bolt.FeeEstimate, error) {
	ctx, cancel := ensureDeadline(ctx, lndDefaultTimeout)
	defer cancel()

	dest, err := hex.DecodeString(req.Destination)
	if err != nil {
		return nil, fmt.Errorf("destination pubkey: %w", err)
	}

	resp, err := w.router.EstimateRouteFee(ctx, &routerrpc.RouteFeeRequest{
		Dest:    dest,
		AmtSat:  req.MsatAmount / 1000,
		Timeout: uint32(req.Timeout / time.Second),
	})
	if err != nil {
		return nil, err
	}
	return &bolt.FeeEstimate{
		RoutingFeeMsat: resp.RoutingFeeMsat,
		TimeLockDelay:  resp.TimeLockDelay,
	}, nil
}

func (w *LNDWallet) CreateInvoice(ctx context.Context, msatAmount int64, description string, expiry time.Duration) (*Invoice, error) {
	ctx, cancel := ensureDeadline(ctx, lndDefaultTimeout)
	defer cancel()

	resp, err := w.client.AddInvoice(ctx, &lnrpc.Invoice{
		ValueMsat: msatAmount,
		Memo:      description,
		Expiry:    int64(expiry / time.Second),
	})
	if err != nil {
		return nil, err
	}
	return &Invoice{
		PaymentHash:    hex.EncodeToString(resp.RHash),
		PaymentRequest: resp.PaymentRequest,
		MsatAmount:     msatAmount,
	}, nil
}

// HoldInvoiceParams mints an invoice whose HTLC is held until settled
// or canceled with the preimage learned elsewhere.
type HoldInvoiceParams struct {
	PaymentHash     []byte
	MsatAmount      int64
	Description     string
	DescriptionHash []byte
	Expiry          time.Duration
	CltvExpiry      uint64
}

func (w *LNDWallet) AddHoldInvoice(ctx context.Context, p HoldInvoiceParams) (string, error) {
	ctx, cancel := ensureDeadline(ctx, lndDefaultTimeout)
	defer cancel()

	resp, err := w.invoices.AddHoldInvoice(ctx, &invoicesrpc.AddHoldInvoiceRequest{
		Hash:            p.PaymentHash,
		ValueMsat:       p.MsatAmount,
		Memo:            p.Description,
		DescriptionHash: p.DescriptionHash,
		Expiry:          int64(p.Expiry / time.Second),
		CltvExpiry:      p.CltvExpiry,
	})
	if err != nil {
		return "", err
	}
	return resp.PaymentRequest, nil
}

// WaitForAccepted blocks until the hold invoice's HTLC arrives, the
// invoice hits a terminal state, or ctx is done.
func (w *LNDWallet) WaitForAccepted(ctx context.Context, paymentHash []byte) error {
	stream, err := w.invoices.SubscribeSingleInvoice(ctx, &invoicesrpc.SubscribeSingleInvoiceRequest{
		RHash: paymentHash,
	})
	if err != nil {
		return err
	}
	for {
		update, err := stream.Recv()
		if err != nil {
			return err
		}
		switch update.State {
		case lnrpc.Invoice_ACCEPTED:
			return nil
		case lnrpc.Invoice_SETTLED:
			return nil
		case lnrpc.Invoice_CANCELED:
			return ErrInvoiceCanceled
		}
	}
}

func (w *LNDWallet) SettleHoldInvoice(ctx context.Context, preimage []byte) error {
	ctx, cancel := ensureDeadline(ctx, lndDefaultTimeout)
	defer cancel()
	_, err := w.invoices.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{Preimage: preimage})
	return err
}

// CancelInvoice releases a held invoice by payment hash (hex).
func (w *LNDWallet) CancelInvoice(ctx context.Context, paymentHash string) error {
	hash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return fmt.Errorf("payment hash: %w", err)
	}
	ctx, cancel := ensureDeadline(ctx, lndDefaultTimeout)
	defer cancel()
	_, err = w.invoices.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{PaymentHash: hash})
	return err
}

func (w *LNDWallet) TestConnection(ctx context.Context) error {
	ctx, cancel := ensureDeadline(ctx, lndDefaultTimeout)
	defer cancel()

	info, err := w.client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return err
	}
	w.log.Infow("lnd reachable", "alias", info.Alias, "synced", info.SyncedToChain)
	return nil
}

func ensureDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
