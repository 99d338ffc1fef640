package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const ProtocolCustodial = "custodial"

const custodialDefaultBase = "https://api.getalby.com"

// CustodialWallet pays and mints through a hosted wallet's HTTP API
// with a bearer token.
type CustodialWallet struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	log         *zap.SugaredLogger
}

// NewCustodialWallet reads config keys "access_token" and optional
// "base_url".
func NewCustodialWallet(config map[string]string, log *zap.SugaredLogger) (*CustodialWallet, error) {
	token := config["access_token"]
	if token == "" {
		return nil, &ConfigError{Protocol: ProtocolCustodial, Field: "access_token", Reason: "missing"}
	}

	base := config["base_url"]
	if base == "" {
		base = custodialDefaultBase
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(base, "https://") && !strings.HasPrefix(base, "http://") {
		return nil, &ConfigError{Protocol: ProtocolCustodial, Field: "base_url", Reason: "not an http(s) URL"}
	}

	return &CustodialWallet{
		baseURL:     base,
		accessToken: token,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}, nil
}

func (c *CustodialWallet) Protocol() string { return ProtocolCustodial }

// apiError carries the upstream HTTP status so callers can distinguish
// auth problems from payment failures.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.Status, e.Body)
}

func (c *CustodialWallet) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &ConfigError{Protocol: ProtocolCustodial, Field: "access_token",
				Reason: fmt.Sprintf("rejected with status %d", resp.StatusCode)}
		}
		return &apiError{Status: resp.StatusCode, Body: string(raw)}
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

type custodialPayRequest struct {
	Invoice string `json:"invoice"`
}

type custodialPayResponse struct {
	PaymentPreimage string `json:"payment_preimage"`
	PaymentHash     string `json:"payment_hash"`
	FeeMsat         int64  `json:"fee_msat"`
}

func (c *CustodialWallet) Pay(ctx context.Context, bolt11 string, maxFeeMsat int64) (string, error) {
	c.log.Debugw("paying bolt11 via custodial API")

	var resp custodialPayResponse
	err := c.doJSON(ctx, http.MethodPost, "/payments/bolt11", custodialPayRequest{Invoice: bolt11}, &resp)
	if err != nil {
		return "", err
	}
	if resp.PaymentPreimage == "" {
		return "", errors.New("API settled without preimage")
	}
	return resp.PaymentPreimage, nil
}

type custodialCreateInvoiceRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	Expiry      int64  `json:"expiry,omitempty"`
}

type custodialInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Amount         int64  `json:"amount"`
}

func (c *CustodialWallet) CreateInvoice(ctx context.Context, msatAmount int64, description string, expiry time.Duration) (*Invoice, error) {
	req := custodialCreateInvoiceRequest{
		// The hosted API takes whole sats.
		Amount:      msatAmount / 1000,
		Description: description,
		Expiry:      int64(expiry / time.Second),
	}
	var resp custodialInvoiceResponse
	if err := c.doJSON(ctx, http.MethodPost, "/invoices", req, &resp); err != nil {
		return nil, err
	}
	return &Invoice{
		PaymentHash:    resp.PaymentHash,
		PaymentRequest: resp.PaymentRequest,
		MsatAmount:     resp.Amount * 1000,
	}, nil
}

func (c *CustodialWallet) TestConnection(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/balance", nil, nil)
}
