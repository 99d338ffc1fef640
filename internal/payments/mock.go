package payments

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"

	"lnswitch/internal/bolt"
)

const ProtocolMock = "mock"

// mockKeyBytes signs invoices minted by the mock wallet and the mock
// routing node. Development only.
var mockKeyBytes = [32]byte{
	0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04,
	0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c,
	0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14,
	0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c,
}

// mintSignedInvoice produces a real, decodable BOLT11 invoice signed
// with the mock key.
func mintSignedInvoice(hash [32]byte, msatAmount int64, description string, expiry time.Duration) (string, error) {
	opts := []func(*zpay32.Invoice){
		zpay32.Description(description),
		zpay32.Expiry(expiry),
	}
	if msatAmount > 0 {
		opts = append(opts, zpay32.Amount(lnwire.MilliSatoshi(msatAmount)))
	}

	inv, err := zpay32.NewInvoice(&chaincfg.MainNetParams, hash, time.Now(), opts...)
	if err != nil {
		return "", err
	}

	privKey, _ := btcec.PrivKeyFromBytes(mockKeyBytes[:])
	return inv.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			digest := sha256.Sum256(msg)
			return ecdsa.SignCompact(privKey, digest[:], true), nil
		},
	})
}

// MockWallet is an in-memory wallet for development and tests. Every
// payment succeeds immediately unless a failure is scripted, and the
// returned preimage really hashes to the invoice's payment hash for
// invoices whose preimage the mock knows.
type MockWallet struct {
	mu        sync.Mutex
	payErr    error
	payCalls  int
	invoices  map[string]*Invoice
	preimages map[string]string // payment hash hex -> preimage hex
}

func NewMockWallet() *MockWallet {
	return &MockWallet{
		invoices:  make(map[string]*Invoice),
		preimages: make(map[string]string),
	}
}

// RegisterPreimage teaches the mock the preimage for an invoice minted
// elsewhere, so paying that invoice yields a verifiable result.
func (m *MockWallet) RegisterPreimage(preimage []byte) {
	hash := sha256.Sum256(preimage)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preimages[hex.EncodeToString(hash[:])] = hex.EncodeToString(preimage)
}

func (m *MockWallet) Protocol() string { return ProtocolMock }

// FailPayments makes subsequent Pay calls return err; nil restores
// success.
func (m *MockWallet) FailPayments(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payErr = err
}

func (m *MockWallet) PayCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payCalls
}

func (m *MockWallet) Pay(ctx context.Context, bolt11 string, maxFeeMsat int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payCalls++
	if m.payErr != nil {
		return "", m.payErr
	}
	if decoded, err := bolt.DecodeBolt11(bolt11); err == nil {
		if preimage, ok := m.preimages[decoded.PaymentHash]; ok {
			return preimage, nil
		}
	}
	return randomHex(32)
}

func (m *MockWallet) CreateInvoice(ctx context.Context, msatAmount int64, description string, expiry time.Duration) (*Invoice, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, err
	}
	hash := sha256.Sum256(preimage)

	encoded, err := mintSignedInvoice(hash, msatAmount, description, expiry)
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		PaymentHash:    hex.EncodeToString(hash[:]),
		PaymentRequest: encoded,
		MsatAmount:     msatAmount,
	}
	m.mu.Lock()
	m.invoices[inv.PaymentHash] = inv
	m.preimages[inv.PaymentHash] = hex.EncodeToString(preimage)
	m.mu.Unlock()
	return inv, nil
}

func (m *MockWallet) TestConnection(ctx context.Context) error { return nil }

// MockRoutingNode stands in for the operator's node in development.
// Hold invoices are accepted after a short delay and the inward
// payment always succeeds, so wrapped invoices settle on their own.
type MockRoutingNode struct {
	AcceptDelay time.Duration
}

func (n *MockRoutingNode) acceptDelay() time.Duration {
	if n.AcceptDelay <= 0 {
		return 5 * time.Second
	}
	return n.AcceptDelay
}

func (n *MockRoutingNode) AddHoldInvoice(ctx context.Context, p HoldInvoiceParams) (string, error) {
	var hash [32]byte
	copy(hash[:], p.PaymentHash)
	return mintSignedInvoice(hash, p.MsatAmount, p.Description, p.Expiry)
}

func (n *MockRoutingNode) WaitForAccepted(ctx context.Context, paymentHash []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(n.acceptDelay()):
		return nil
	}
}

func (n *MockRoutingNode) SettleHoldInvoice(ctx context.Context, preimage []byte) error { return nil }

func (n *MockRoutingNode) CancelInvoice(ctx context.Context, paymentHash string) error { return nil }

func (n *MockRoutingNode) PayBolt11(ctx context.Context, bolt11 string, maxFeeMsat int64) (string, error) {
	return randomHex(32)
}

func (n *MockRoutingNode) EstimateFee(ctx context.Context, req bolt.FeeRequest) (*bolt.FeeEstimate, error) {
	return &bolt.FeeEstimate{RoutingFeeMsat: 1000, TimeLockDelay: 40}, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
