package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"lnswitch/internal/bolt"
	"lnswitch/internal/logging"
	"lnswitch/internal/payments"
	"lnswitch/internal/receive"
	"lnswitch/internal/store"
)

var validInvoiceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// DefaultMaxPendingPerUser caps open invoices per user at the API
// surface.
const DefaultMaxPendingPerUser = 100

// Handler handles HTTP requests.
type Handler struct {
	invoices   store.InvoiceStore
	wallets    store.WalletStore
	selector   *receive.Selector
	dispatcher *payments.Dispatcher
	registry   *payments.Registry
	codec      *bolt.Codec
	limiter    *PendingInvoiceLimiter
	mux        *http.ServeMux
	log        *zap.SugaredLogger
}

// NewHandler creates a new HTTP handler. If limiter is nil, no
// per-user pending invoice limit is enforced. A codec without a BOLT12
// backend rejects BOLT12 input.
func NewHandler(invoices store.InvoiceStore, wallets store.WalletStore, selector *receive.Selector, dispatcher *payments.Dispatcher, registry *payments.Registry, codec *bolt.Codec, limiter *PendingInvoiceLimiter) *Handler {
	h := &Handler{
		invoices:   invoices,
		wallets:    wallets,
		selector:   selector,
		dispatcher: dispatcher,
		registry:   registry,
		codec:      codec,
		limiter:    limiter,
		mux:        http.NewServeMux(),
		log:        logging.New("api"),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/pay", h.handlePay)
	h.mux.HandleFunc("POST /api/invoice", h.handleCreateInvoice)
	h.mux.HandleFunc("GET /api/invoice/{id}", h.handleGetInvoice)
	h.mux.HandleFunc("POST /api/wallet", h.handleCreateWallet)
	h.mux.HandleFunc("POST /api/wallet/{id}/test", h.handleTestWallet)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func isValidInvoiceID(id string) bool {
	return id != "" && len(id) <= 64 && validInvoiceIDPattern.MatchString(id)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Errorw("encode response", "err", err)
	}
}

// writeError maps taxonomy errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *payments.ValidationError
		configErr     *payments.ConfigError
		aggErr        *payments.AggregateError
		mismatchErr   *bolt.AmountMismatchError
	)
	switch {
	case errors.Is(err, payments.ErrAnonymousSender):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, payments.ErrNoSendWallets),
		errors.Is(err, payments.ErrNoReceiveWallets),
		errors.As(err, &validationErr),
		errors.As(err, &configErr),
		errors.As(err, &mismatchErr),
		errors.Is(err, bolt.ErrUnknownInvoice),
		errors.Is(err, bolt.ErrOfferNotPayable),
		errors.Is(err, bolt.ErrNotAnOffer),
		errors.Is(err, bolt.ErrNoBolt12Support):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &aggErr):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		h.log.Errorw("internal error", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// PayRequest submits an invoice (or an offer plus amount) for payment.
type PayRequest struct {
	Invoice    string `json:"invoice"`
	AmountMsat int64  `json:"amount_msat,omitempty"` // required for offers
	MaxFeeMsat int64  `json:"max_fee_msat,omitempty"`
	PayerNote  string `json:"payer_note,omitempty"`
}

// PayResponse reports a settled payment.
type PayResponse struct {
	InvoiceID string `json:"invoice_id"`
	Preimage  string `json:"preimage"`
	WalletID  int64  `json:"wallet_id"`
	Protocol  string `json:"protocol"`
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	if userID == "" {
		h.writeError(w, payments.ErrAnonymousSender)
		return
	}

	var req PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	record, err := h.admitPayable(r, userID, &req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.dispatcher.Pay(r.Context(), userID, record, req.MaxFeeMsat)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, PayResponse{
		InvoiceID: record.ID,
		Preimage:  result.Preimage,
		WalletID:  result.WalletID,
		Protocol:  result.Protocol,
	})
}

// admitPayable resolves offers into invoices, decodes through the
// codec, validates, and records the invoice for dispatch tracking.
func (h *Handler) admitPayable(r *http.Request, userID string, req *PayRequest) (*store.Invoice, error) {
	encoded := req.Invoice

	if bolt.Classify(encoded) == bolt.Bolt12Offer {
		if req.AmountMsat <= 0 {
			return nil, &payments.ValidationError{Reason: "amount_msat required to pay an offer"}
		}
		fetched, err := h.codec.FetchInvoice(r.Context(), encoded, req.AmountMsat, req.PayerNote)
		if err != nil {
			return nil, err
		}
		encoded = fetched
	}

	decoded, err := h.codec.Decode(r.Context(), encoded)
	if err != nil {
		if bolt.Classify(encoded) == bolt.Bolt11 {
			return nil, &payments.ValidationError{Reason: "undecodable invoice: " + err.Error()}
		}
		return nil, err
	}
	if decoded.Expired() {
		return nil, &payments.ValidationError{Reason: "invoice already expired"}
	}
	if req.AmountMsat != 0 && decoded.MsatAmount != req.AmountMsat {
		return nil, &bolt.AmountMismatchError{RequestedMsat: req.AmountMsat, DecodedMsat: decoded.MsatAmount}
	}
	return h.recordPayable(r, userID, encoded, decoded)
}

func (h *Handler) recordPayable(r *http.Request, userID, encoded string, decoded *bolt.Invoice) (*store.Invoice, error) {
	return h.invoices.CreateInvoice(r.Context(), store.InvoiceParams{
		UserID:      userID,
		Bolt11:      encoded,
		MsatAmount:  decoded.MsatAmount,
		PaymentHash: decoded.PaymentHash,
		ExpiresAt:   decoded.ExpiresAt,
	})
}

// CreateInvoiceRequest mints a wrapped invoice for receiving.
type CreateInvoiceRequest struct {
	AmountMsat  int64  `json:"amount_msat"`
	Description string `json:"description,omitempty"`
}

// InvoiceResponse describes a stored invoice.
type InvoiceResponse struct {
	InvoiceID   string    `json:"invoice_id"`
	Bolt11      string    `json:"bolt11"`
	AmountMsat  int64     `json:"amount_msat"`
	PaymentHash string    `json:"payment_hash"`
	State       string    `json:"state"`
	Preimage    string    `json:"preimage,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func invoiceResponse(inv *store.Invoice) InvoiceResponse {
	resp := InvoiceResponse{
		InvoiceID:   inv.ID,
		Bolt11:      inv.Bolt11,
		AmountMsat:  inv.MsatAmount,
		PaymentHash: inv.PaymentHash,
		State:       string(inv.State),
		ExpiresAt:   inv.ExpiresAt,
	}
	if inv.State == store.InvoicePaid {
		resp.Preimage = inv.Preimage
	}
	return resp
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)

	if h.limiter != nil && userID != "" && !h.limiter.CanCreate(userID) {
		http.Error(w, "too many open invoices", http.StatusTooManyRequests)
		return
	}

	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	record, err := h.selector.CreateWrappedInvoice(r.Context(), userID, req.AmountMsat, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if h.limiter != nil {
		h.limiter.Track(userID, record.ID)
	}

	h.writeJSON(w, http.StatusCreated, invoiceResponse(record))
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidInvoiceID(id) {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return
	}

	inv, err := h.invoices.GetInvoice(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if h.limiter != nil && inv.State.Terminal() {
		h.limiter.Release(inv.ID)
	}

	h.writeJSON(w, http.StatusOK, invoiceResponse(inv))
}

// CreateWalletRequest attaches a wallet to the calling user.
type CreateWalletRequest struct {
	Protocol string            `json:"protocol"`
	Priority int               `json:"priority"`
	Send     bool              `json:"send"`
	Receive  bool              `json:"receive"`
	Config   map[string]string `json:"config"`
}

// WalletResponse describes a stored wallet, credentials excluded.
type WalletResponse struct {
	WalletID int64  `json:"wallet_id"`
	Protocol string `json:"protocol"`
	Priority int    `json:"priority"`
	Send     bool   `json:"send"`
	Receive  bool   `json:"receive"`
	Enabled  bool   `json:"enabled"`
}

func (h *Handler) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	if userID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req CreateWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Send && !req.Receive {
		http.Error(w, "wallet must be send, receive or both", http.StatusBadRequest)
		return
	}
	if req.Config == nil {
		req.Config = map[string]string{}
	}

	// Credentials must prove themselves before the wallet goes live.
	if err := h.testWallet(r, req.Protocol, req.Config); err != nil {
		h.writeError(w, err)
		return
	}

	wallet, err := h.wallets.CreateWallet(r.Context(), &store.Wallet{
		UserID:   userID,
		Protocol: req.Protocol,
		Priority: req.Priority,
		Send:     req.Send,
		Receive:  req.Receive,
		Enabled:  true,
		Config:   req.Config,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, WalletResponse{
		WalletID: wallet.ID,
		Protocol: wallet.Protocol,
		Priority: wallet.Priority,
		Send:     wallet.Send,
		Receive:  wallet.Receive,
		Enabled:  wallet.Enabled,
	})
}

func (h *Handler) handleTestWallet(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	if userID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid wallet id", http.StatusBadRequest)
		return
	}

	wallet, err := h.wallets.GetWallet(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if wallet.UserID != userID {
		// Do not leak other users' wallet IDs.
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if err := h.testWallet(r, wallet.Protocol, wallet.Config); err != nil {
		var configErr *payments.ConfigError
		if errors.As(err, &configErr) {
			h.writeError(w, err)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) testWallet(r *http.Request, protocol string, config map[string]string) error {
	adapter, err := h.registry.Build(protocol, config, logging.New(protocol))
	if err != nil {
		return err
	}
	if tester, ok := adapter.(payments.ConnectionTester); ok {
		return tester.TestConnection(r.Context())
	}
	return nil
}
