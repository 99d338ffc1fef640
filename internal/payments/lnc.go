package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lnswitch/internal/session"
)

const ProtocolLNC = "lnc"

const (
	lncDefaultMailbox = "wss://mailbox.terminal.lightning.today:443"
	lncDialTimeout    = 15 * time.Second
)

// Permission URIs checked during pairing. A node connect session must
// be scoped to sending payments; a session that can move funds on
// chain is rejected outright.
var (
	lncRequiredPerms  = []string{"/lnrpc.Lightning/SendPaymentSync"}
	lncForbiddenPerms = []string{
		"/lnrpc.Lightning/SendCoins",
		"/lnrpc.Lightning/SendMany",
		"/walletrpc.WalletKit/SendOutputs",
	}
)

// LNCWallet pays through a node connect session tunneled over a
// mailbox websocket. One session exists per wallet; the session
// manager serializes callers on it and tears it down when idle.
type LNCWallet struct {
	pairingPhrase string
	mailboxURL    string

	sessions   *session.Manager
	sessionKey string
	log        *zap.SugaredLogger
}

// NewLNCWallet reads config keys "pairing_phrase" and optional
// "mailbox".
func NewLNCWallet(config map[string]string, sessions *session.Manager, sessionKey string, log *zap.SugaredLogger) (*LNCWallet, error) {
	phrase := config["pairing_phrase"]
	if phrase == "" {
		return nil, &ConfigError{Protocol: ProtocolLNC, Field: "pairing_phrase", Reason: "missing"}
	}

	mailbox := config["mailbox"]
	if mailbox == "" {
		mailbox = lncDefaultMailbox
	}
	if u, err := url.Parse(mailbox); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, &ConfigError{Protocol: ProtocolLNC, Field: "mailbox", Reason: "not a ws(s) URL"}
	}

	return &LNCWallet{
		pairingPhrase: phrase,
		mailboxURL:    mailbox,
		sessions:      sessions,
		sessionKey:    sessionKey,
		log:           log,
	}, nil
}

func (w *LNCWallet) Protocol() string { return ProtocolLNC }

// lncConn is a paired mailbox session. Request IDs correlate responses
// on the single socket.
type lncConn struct {
	ws          *websocket.Conn
	permissions []string

	mu     sync.Mutex
	nextID uint64
}

func (c *lncConn) Disconnect() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

type lncFrame struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type lncHello struct {
	PairingPhrase string `json:"pairing_phrase"`
}

type lncHelloReply struct {
	Permissions []string `json:"permissions"`
}

func (w *LNCWallet) dial(ctx context.Context, creds map[string]string) (session.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, lncDialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.mailboxURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial mailbox %s: %w", w.mailboxURL, err)
	}

	hello, err := json.Marshal(lncHello{PairingPhrase: creds["pairing_phrase"]})
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("pairing handshake: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(lncDialTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("pairing handshake: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	var reply lncHelloReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		ws.Close()
		return nil, fmt.Errorf("pairing handshake: %w", err)
	}

	conn := &lncConn{ws: ws, permissions: reply.Permissions}
	if err := validateLNCPermissions(reply.Permissions); err != nil {
		conn.Disconnect()
		return nil, err
	}
	w.log.Infow("node connect session paired", "permissions", len(reply.Permissions))
	return conn, nil
}

// validateLNCPermissions enforces the narrow-scope policy.
func validateLNCPermissions(perms []string) error {
	have := make(map[string]bool, len(perms))
	for _, p := range perms {
		have[p] = true
	}
	for _, p := range lncForbiddenPerms {
		if have[p] {
			return &ConfigError{Protocol: ProtocolLNC, Field: "pairing_phrase",
				Reason: fmt.Sprintf("session grants on-chain permission %s", p)}
		}
	}
	for _, p := range lncRequiredPerms {
		if !have[p] {
			return &ConfigError{Protocol: ProtocolLNC, Field: "pairing_phrase",
				Reason: fmt.Sprintf("session lacks permission %s", p)}
		}
	}
	return nil
}

// roundTrip sends one request frame and reads frames until the
// matching response arrives. The caller holds the session mutex via
// the manager, so no other request interleaves.
func (c *lncConn) roundTrip(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := c.ws.WriteJSON(lncFrame{ID: id, Method: method, Params: rawParams}); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	deadline, ok := ctx.Deadline()
	if ok {
		_ = c.ws.SetReadDeadline(deadline)
		defer c.ws.SetReadDeadline(time.Time{})
	}

	for {
		var frame lncFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read %s: %w", method, err)
		}
		if frame.ID != id {
			continue
		}
		if frame.Error != "" {
			return classifyLNDPaymentError(frame.Error)
		}
		if result != nil {
			return json.Unmarshal(frame.Result, result)
		}
		return nil
	}
}

func (w *LNCWallet) do(ctx context.Context, method string, params, result any) error {
	ctx, cancel := ensureDeadline(ctx, lndDefaultTimeout)
	defer cancel()

	creds := map[string]string{"pairing_phrase": w.pairingPhrase, "mailbox": w.mailboxURL}
	return w.sessions.Do(ctx, w.sessionKey, creds, w.dial, func(conn session.Conn) error {
		return conn.(*lncConn).roundTrip(ctx, method, params, result)
	})
}

func (w *LNCWallet) Pay(ctx context.Context, bolt11 string, maxFeeMsat int64) (string, error) {
	var result struct {
		PaymentError    string `json:"payment_error"`
		PaymentPreimage string `json:"payment_preimage"`
	}
	err := w.do(ctx, "/lnrpc.Lightning/SendPaymentSync", map[string]any{
		"payment_request": bolt11,
		"fee_limit":       map[string]any{"fixed_msat": maxFeeMsat},
	}, &result)
	if err != nil {
		return "", err
	}
	if result.PaymentError != "" {
		return "", classifyLNDPaymentError(result.PaymentError)
	}
	if result.PaymentPreimage == "" {
		return "", errors.New("node settled without preimage")
	}
	return result.PaymentPreimage, nil
}

// TestConnection pairs (or reuses) the session, which already enforces
// the permission policy, then pings the node.
func (w *LNCWallet) TestConnection(ctx context.Context) error {
	var info struct {
		IdentityPubkey string `json:"identity_pubkey"`
	}
	return w.do(ctx, "/lnrpc.Lightning/GetInfo", map[string]any{}, &info)
}
