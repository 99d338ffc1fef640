package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"go.uber.org/zap"

	"lnswitch/internal/session"
)

const ProtocolNWC = "nwc"

// Wallet connect event kinds.
const (
	nwcKindRequest  = 23194
	nwcKindResponse = 23195
)

const nwcRequestTimeout = 30 * time.Second

// NWCWallet speaks the wallet connect protocol over a nostr relay. The
// relay connection is cached and serialized through the session
// manager so concurrent payments do not interleave subscriptions on a
// shared socket.
type NWCWallet struct {
	walletPubkey string
	secret       string
	relayURL     string
	sharedSecret []byte

	sessions   *session.Manager
	sessionKey string
	log        *zap.SugaredLogger
}

// NewNWCWallet parses a nostr+walletconnect:// URI from wallet config
// key "url".
func NewNWCWallet(config map[string]string, sessions *session.Manager, sessionKey string, log *zap.SugaredLogger) (*NWCWallet, error) {
	raw := config["url"]
	if raw == "" {
		return nil, &ConfigError{Protocol: ProtocolNWC, Field: "url", Reason: "missing"}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "nostr+walletconnect" {
		return nil, &ConfigError{Protocol: ProtocolNWC, Field: "url", Reason: "not a nostr+walletconnect URI"}
	}

	walletPubkey := u.Host
	if walletPubkey == "" {
		walletPubkey = u.Opaque
	}
	if len(walletPubkey) != 64 {
		return nil, &ConfigError{Protocol: ProtocolNWC, Field: "url", Reason: "wallet pubkey must be 64 hex chars"}
	}

	q := u.Query()
	relayURL := q.Get("relay")
	if relayURL == "" {
		return nil, &ConfigError{Protocol: ProtocolNWC, Field: "url", Reason: "missing relay parameter"}
	}
	secret := q.Get("secret")
	if len(secret) != 64 {
		return nil, &ConfigError{Protocol: ProtocolNWC, Field: "url", Reason: "secret must be 64 hex chars"}
	}

	shared, err := nip04.ComputeSharedSecret(walletPubkey, secret)
	if err != nil {
		return nil, &ConfigError{Protocol: ProtocolNWC, Field: "url", Reason: "invalid key material"}
	}

	return &NWCWallet{
		walletPubkey: walletPubkey,
		secret:       secret,
		relayURL:     relayURL,
		sharedSecret: shared,
		sessions:     sessions,
		sessionKey:   sessionKey,
		log:          log,
	}, nil
}

func (w *NWCWallet) Protocol() string { return ProtocolNWC }

// relayConn adapts a live relay to the session manager.
type relayConn struct {
	relay *nostr.Relay
}

func (c *relayConn) Disconnect() error { return c.relay.Close() }

func (w *NWCWallet) dialRelay(ctx context.Context, creds map[string]string) (session.Conn, error) {
	relay, err := nostr.RelayConnect(ctx, creds["relay"])
	if err != nil {
		return nil, fmt.Errorf("connect relay %s: %w", creds["relay"], err)
	}
	return &relayConn{relay: relay}, nil
}

type nwcRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type nwcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type nwcResponse struct {
	ResultType string          `json:"result_type"`
	Error      *nwcError       `json:"error"`
	Result     json.RawMessage `json:"result"`
}

// call publishes one encrypted request event and waits for its
// response event on the same relay session.
func (w *NWCWallet) call(ctx context.Context, method string, params map[string]any, result any) error {
	ctx, cancel := ensureDeadline(ctx, nwcRequestTimeout)
	defer cancel()

	body, err := json.Marshal(nwcRequest{Method: method, Params: params})
	if err != nil {
		return err
	}
	content, err := nip04.Encrypt(string(body), w.sharedSecret)
	if err != nil {
		return fmt.Errorf("encrypt request: %w", err)
	}

	ev := nostr.Event{
		Kind:      nwcKindRequest,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{nostr.Tag{"p", w.walletPubkey}},
		Content:   content,
	}
	if err := ev.Sign(w.secret); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	creds := map[string]string{"relay": w.relayURL, "secret": w.secret}
	return w.sessions.Do(ctx, w.sessionKey, creds, w.dialRelay, func(conn session.Conn) error {
		relay := conn.(*relayConn).relay

		since := nostr.Now()
		sub, err := relay.Subscribe(ctx, nostr.Filters{{
			Kinds:   []int{nwcKindResponse},
			Authors: []string{w.walletPubkey},
			Tags:    nostr.TagMap{"e": []string{ev.ID}},
			Since:   &since,
		}})
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		defer sub.Unsub()

		if err := relay.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish request: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-sub.ClosedReason:
			return fmt.Errorf("relay closed subscription: %s", reason)
		case respEv := <-sub.Events:
			if respEv == nil {
				return errors.New("relay dropped subscription")
			}
			plain, err := nip04.Decrypt(respEv.Content, w.sharedSecret)
			if err != nil {
				return fmt.Errorf("decrypt response: %w", err)
			}
			var resp nwcResponse
			if err := json.Unmarshal([]byte(plain), &resp); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if resp.Error != nil {
				return classifyNWCError(resp.Error)
			}
			if result != nil {
				return json.Unmarshal(resp.Result, result)
			}
			return nil
		}
	})
}

// classifyNWCError maps wallet connect error codes to the taxonomy.
func classifyNWCError(e *nwcError) error {
	switch strings.ToUpper(e.Code) {
	case "UNAUTHORIZED", "RESTRICTED":
		return &ConfigError{Protocol: ProtocolNWC, Field: "url", Reason: e.Message}
	}
	return fmt.Errorf("wallet error %s: %s", e.Code, e.Message)
}

func (w *NWCWallet) Pay(ctx context.Context, bolt11 string, maxFeeMsat int64) (string, error) {
	var result struct {
		Preimage string `json:"preimage"`
	}
	err := w.call(ctx, "pay_invoice", map[string]any{"invoice": bolt11}, &result)
	if err != nil {
		return "", err
	}
	if result.Preimage == "" {
		return "", errors.New("wallet settled without preimage")
	}
	return result.Preimage, nil
}

func (w *NWCWallet) CreateInvoice(ctx context.Context, msatAmount int64, description string, expiry time.Duration) (*Invoice, error) {
	var result struct {
		Invoice     string `json:"invoice"`
		PaymentHash string `json:"payment_hash"`
	}
	err := w.call(ctx, "make_invoice", map[string]any{
		"amount":      msatAmount,
		"description": description,
		"expiry":      int64(expiry / time.Second),
	}, &result)
	if err != nil {
		return nil, err
	}
	return &Invoice{
		PaymentHash:    result.PaymentHash,
		PaymentRequest: result.Invoice,
		MsatAmount:     msatAmount,
	}, nil
}

func (w *NWCWallet) TestConnection(ctx context.Context) error {
	var result struct {
		Methods []string `json:"methods"`
	}
	if err := w.call(ctx, "get_info", map[string]any{}, &result); err != nil {
		return err
	}
	for _, m := range result.Methods {
		if m == "pay_invoice" {
			return nil
		}
	}
	return &ConfigError{Protocol: ProtocolNWC, Field: "url", Reason: "connection lacks pay_invoice permission"}
}
