package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lnswitch/internal/invoices"
	"lnswitch/internal/store"
)

// scriptedAdapter returns canned outcomes in sequence and records the
// invoices it was asked to pay.
type scriptedAdapter struct {
	protocol string

	mu       sync.Mutex
	outcomes []payOutcome
	paid     []string
	block    chan struct{} // non-nil: Pay blocks until closed or ctx done
}

func (a *scriptedAdapter) Protocol() string { return a.protocol }

func (a *scriptedAdapter) Pay(ctx context.Context, bolt11 string, maxFeeMsat int64) (string, error) {
	a.mu.Lock()
	a.paid = append(a.paid, bolt11)
	var out payOutcome
	if len(a.outcomes) > 0 {
		out = a.outcomes[0]
		a.outcomes = a.outcomes[1:]
	}
	block := a.block
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return out.preimage, out.err
}

func (a *scriptedAdapter) payCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.paid)
}

type fixture struct {
	store      *store.SQLiteStore
	controller *invoices.Controller
	registry   *Registry
	adapters   map[string]*scriptedAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &fixture{
		store:      s,
		controller: invoices.NewController(s, 5*time.Millisecond),
		registry:   NewRegistry(),
		adapters:   make(map[string]*scriptedAdapter),
	}
}

// addWallet registers a wallet under its own protocol name with a
// scripted adapter behind it.
func (f *fixture) addWallet(t *testing.T, userID, protocol string, priority int, outcomes ...payOutcome) (*store.Wallet, *scriptedAdapter) {
	t.Helper()
	adapter := &scriptedAdapter{protocol: protocol, outcomes: outcomes}
	f.adapters[protocol] = adapter
	f.registry.Register(protocol, func(config map[string]string, log *zap.SugaredLogger) (Adapter, error) {
		return adapter, nil
	})

	w, err := f.store.CreateWallet(context.Background(), &store.Wallet{
		UserID: userID, Protocol: protocol, Priority: priority,
		Send: true, Enabled: true, Config: map[string]string{},
	})
	require.NoError(t, err)
	return w, adapter
}

// createInvoice mints an invoice the way the receive side does, with a
// minting wallet on record. These are the replaceable kind.
func (f *fixture) createInvoice(t *testing.T, bolt11 string) *store.Invoice {
	t.Helper()
	inv, err := f.store.CreateInvoice(context.Background(), store.InvoiceParams{
		UserID:     "receiver",
		WalletID:   7,
		Bolt11:     bolt11,
		MsatAmount: 1000,
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return inv
}

// createExternalInvoice records an invoice handed in from outside, with
// no minting wallet. No successor can ever be minted for these.
func (f *fixture) createExternalInvoice(t *testing.T, bolt11 string) *store.Invoice {
	t.Helper()
	inv, err := f.store.CreateInvoice(context.Background(), store.InvoiceParams{
		UserID:     "receiver",
		Bolt11:     bolt11,
		MsatAmount: 1000,
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return inv
}

// replacingSource cancels the dead invoice and mints a successor.
type replacingSource struct {
	store store.InvoiceStore
	bolt  string
	calls int
}

func (r *replacingSource) ReplaceInvoice(ctx context.Context, predecessor *store.Invoice) (*store.Invoice, error) {
	r.calls++
	current, err := r.store.GetInvoice(ctx, predecessor.ID)
	if err != nil {
		return nil, err
	}
	if !current.State.Terminal() {
		if err := r.store.UpdateInvoiceState(ctx, predecessor.ID, current.State, store.InvoiceCanceled); err != nil {
			return nil, err
		}
	}
	return r.store.CreateSuccessor(ctx, predecessor.ID, store.InvoiceParams{
		UserID:     predecessor.UserID,
		WalletID:   predecessor.WalletID,
		Bolt11:     r.bolt,
		MsatAmount: predecessor.MsatAmount,
		ExpiresAt:  time.Now().Add(time.Hour),
	})
}

func TestPayAnonymousNeverContactsWallets(t *testing.T) {
	f := newFixture(t)
	_, adapter := f.addWallet(t, "alice", "p1", 1, payOutcome{preimage: "aa"})
	d := NewDispatcher(f.store, f.controller, f.registry, nil)

	inv := f.createInvoice(t, "lnbc1a")
	_, err := d.Pay(context.Background(), "", inv, 1000)
	require.ErrorIs(t, err, ErrAnonymousSender)
	assert.Zero(t, adapter.payCount())
}

func TestPayNoSendWallets(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.store, f.controller, f.registry, nil)

	inv := f.createInvoice(t, "lnbc1a")
	_, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.ErrorIs(t, err, ErrNoSendWallets)
}

func TestPayFirstWalletSucceeds(t *testing.T) {
	f := newFixture(t)
	w, _ := f.addWallet(t, "alice", "p1", 1, payOutcome{preimage: "aa"})
	d := NewDispatcher(f.store, f.controller, f.registry, nil)

	inv := f.createInvoice(t, "lnbc1a")
	result, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.NoError(t, err)
	assert.Equal(t, "aa", result.Preimage)
	assert.Equal(t, w.ID, result.WalletID)

	stored, err := f.store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.InvoicePaid, stored.State)
	assert.Equal(t, "aa", stored.Preimage)
}

func TestPaySenderErrorAdvancesToNextWallet(t *testing.T) {
	// The first wallet may still have its failed send in flight, so the
	// second wallet gets a fresh invoice, never the same one.
	f := newFixture(t)
	_, first := f.addWallet(t, "alice", "p1", 1, payOutcome{err: errors.New("no route")})
	second, b := f.addWallet(t, "alice", "p2", 2, payOutcome{preimage: "bb"})
	source := &replacingSource{store: f.store, bolt: "lnbc1fresh"}
	d := NewDispatcher(f.store, f.controller, f.registry, source)

	inv := f.createInvoice(t, "lnbc1orig")
	result, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.NoError(t, err)
	assert.Equal(t, second.ID, result.WalletID)
	assert.Equal(t, 1, first.payCount())
	assert.Equal(t, 1, source.calls)
	require.Equal(t, 1, b.payCount())
	assert.Equal(t, "lnbc1fresh", b.paid[0])

	// The superseded invoice is canceled, not left for wallet one to pay.
	stored, err := f.store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.InvoiceCanceled, stored.State)
}

func TestPayLastWalletFailureMintsNoReplacement(t *testing.T) {
	f := newFixture(t)
	f.addWallet(t, "alice", "p1", 1, payOutcome{err: errors.New("no route")})
	source := &replacingSource{store: f.store, bolt: "lnbc1fresh"}
	d := NewDispatcher(f.store, f.controller, f.registry, source)

	inv := f.createInvoice(t, "lnbc1orig")
	_, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.Error(t, err)
	assert.Zero(t, source.calls, "no wallet left to hand a successor to")
}

func TestPayExternalInvoiceSharedAcrossWallets(t *testing.T) {
	// An invoice the caller brought from outside has no minting wallet
	// behind it; there is nothing to replace it with, so every wallet
	// is tried against the original.
	f := newFixture(t)
	f.addWallet(t, "alice", "p1", 1, payOutcome{err: errors.New("no route")})
	second, b := f.addWallet(t, "alice", "p2", 2, payOutcome{preimage: "bb"})
	source := &replacingSource{store: f.store, bolt: "lnbc1fresh"}
	d := NewDispatcher(f.store, f.controller, f.registry, source)

	inv := f.createExternalInvoice(t, "lnbc1orig")
	result, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.NoError(t, err)
	assert.Equal(t, second.ID, result.WalletID)
	assert.Zero(t, source.calls)
	require.Equal(t, 1, b.payCount())
	assert.Equal(t, "lnbc1orig", b.paid[0])
}

func TestPayReceiverErrorRetriesSameWallet(t *testing.T) {
	f := newFixture(t)
	_, adapter := f.addWallet(t, "alice", "p1", 1,
		payOutcome{err: ErrInvoiceExpired},
		payOutcome{preimage: "cc"},
	)
	source := &replacingSource{store: f.store, bolt: "lnbc1fresh"}
	d := NewDispatcher(f.store, f.controller, f.registry, source)

	inv := f.createInvoice(t, "lnbc1stale")
	result, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.NoError(t, err)
	assert.Equal(t, "cc", result.Preimage)
	assert.Equal(t, 1, result.InvoiceIdx, "settled on the replacement invoice")
	assert.Equal(t, 1, source.calls)
	require.Equal(t, 2, adapter.payCount())
	assert.Equal(t, "lnbc1stale", adapter.paid[0])
	assert.Equal(t, "lnbc1fresh", adapter.paid[1])
}

func TestPayMixedFailureTrace(t *testing.T) {
	// Wallet A fails as sender, so B starts on a successor; B then hits
	// a dead invoice once, gets another fresh one and settles it.
	f := newFixture(t)
	_, a := f.addWallet(t, "alice", "p1", 1, payOutcome{err: errors.New("insufficient balance")})
	_, b := f.addWallet(t, "alice", "p2", 2,
		payOutcome{err: ErrInvoiceCanceled},
		payOutcome{preimage: "dd"},
	)
	source := &replacingSource{store: f.store, bolt: "lnbc1fresh"}
	d := NewDispatcher(f.store, f.controller, f.registry, source)

	inv := f.createInvoice(t, "lnbc1orig")
	result, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.NoError(t, err)
	assert.Equal(t, "dd", result.Preimage)
	assert.Equal(t, 1, a.payCount())
	require.Equal(t, 2, b.payCount())
	assert.Equal(t, "lnbc1fresh", b.paid[0], "second wallet never sees the invoice the first one failed on")
	assert.Equal(t, 2, source.calls)
}

func TestPayReceiverErrorNeverAdvancesWallet(t *testing.T) {
	// Consecutive receiver errors keep hammering the same wallet with
	// fresh invoices; the next wallet is only for sender failures.
	f := newFixture(t)
	first, a := f.addWallet(t, "alice", "p1", 1,
		payOutcome{err: ErrInvoiceExpired},
		payOutcome{err: ErrInvoiceExpired},
		payOutcome{preimage: "cc"},
	)
	_, b := f.addWallet(t, "alice", "p2", 2, payOutcome{preimage: "never"})
	source := &replacingSource{store: f.store, bolt: "lnbc1fresh"}
	d := NewDispatcher(f.store, f.controller, f.registry, source)

	inv := f.createInvoice(t, "lnbc1stale")
	result, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.NoError(t, err)
	assert.Equal(t, first.ID, result.WalletID)
	assert.Equal(t, 2, result.InvoiceIdx)
	assert.Equal(t, 3, a.payCount())
	assert.Zero(t, b.payCount())
	assert.Equal(t, 2, source.calls)
}

func TestPayAllWalletsFailAggregatesInOrder(t *testing.T) {
	f := newFixture(t)
	f.addWallet(t, "alice", "p1", 1, payOutcome{err: errors.New("first down")})
	f.addWallet(t, "alice", "p2", 2, payOutcome{err: errors.New("second down")})
	d := NewDispatcher(f.store, f.controller, f.registry, nil)

	inv := f.createInvoice(t, "lnbc1a")
	_, err := d.Pay(context.Background(), "alice", inv, 1000)

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Errs, 2)
	assert.Contains(t, agg.Errs[0].Error(), "first down")
	assert.Contains(t, agg.Errs[1].Error(), "second down")
}

func TestPayUnknownProtocolSkipsWallet(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateWallet(context.Background(), &store.Wallet{
		UserID: "alice", Protocol: "bogus", Priority: 1,
		Send: true, Enabled: true, Config: map[string]string{},
	})
	require.NoError(t, err)
	second, _ := f.addWallet(t, "alice", "p2", 2, payOutcome{preimage: "ee"})
	d := NewDispatcher(f.store, f.controller, f.registry, nil)

	inv := f.createInvoice(t, "lnbc1a")
	result, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.NoError(t, err)
	assert.Equal(t, second.ID, result.WalletID)
}

func TestPaySettlementRaceWinsOverSlowSend(t *testing.T) {
	f := newFixture(t)
	_, adapter := f.addWallet(t, "alice", "p1", 1, payOutcome{preimage: "never"})
	adapter.block = make(chan struct{}) // Pay hangs until ctx cancel
	d := NewDispatcher(f.store, f.controller, f.registry, nil)

	inv := f.createInvoice(t, "lnbc1a")
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.store.SettleInvoice(context.Background(), inv.ID, "outofband")
	}()

	result, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.NoError(t, err)
	assert.Equal(t, "outofband", result.Preimage)
}

func TestPayReclassifiesWhenInvoiceDiedUnderSend(t *testing.T) {
	// The adapter reports a generic failure, but a re-poll shows the
	// invoice was canceled: receiver's fault, so the same wallet gets a
	// fresh invoice.
	f := newFixture(t)
	f.addWallet(t, "alice", "p1", 1,
		payOutcome{err: errors.New("UNKNOWN: payment failed")},
		payOutcome{preimage: "ff"},
	)
	source := &replacingSource{store: f.store, bolt: "lnbc1fresh"}
	d := NewDispatcher(f.store, f.controller, f.registry, source)

	inv := f.createInvoice(t, "lnbc1orig")
	require.NoError(t, f.store.UpdateInvoiceState(context.Background(), inv.ID, store.InvoicePending, store.InvoiceCanceled))

	result, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.NoError(t, err)
	assert.Equal(t, "ff", result.Preimage)
	assert.Equal(t, 1, source.calls)
}

func TestPayForgedPreimageIsSenderFault(t *testing.T) {
	f := newFixture(t)
	f.addWallet(t, "alice", "p1", 1, payOutcome{preimage: strings.Repeat("22", 32)})
	d := NewDispatcher(f.store, f.controller, f.registry, nil)

	preimage, _ := hex.DecodeString(strings.Repeat("11", 32))
	hash := sha256.Sum256(preimage)
	inv, err := f.store.CreateInvoice(context.Background(), store.InvoiceParams{
		UserID:      "receiver",
		Bolt11:      "lnbc1a",
		MsatAmount:  1000,
		PaymentHash: hex.EncodeToString(hash[:]),
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = d.Pay(context.Background(), "alice", inv, 1000)
	require.ErrorIs(t, err, ErrBadPreimage)

	stored, err := f.store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.InvoicePending, stored.State, "a forged preimage must not settle the invoice")
}

func TestPayVerifiedPreimageSettles(t *testing.T) {
	// The first wallet hands back a preimage for the wrong payment; the
	// dispatcher treats that as the wallet's failure and the second one
	// settles with the real preimage.
	f := newFixture(t)
	good := strings.Repeat("11", 32)
	raw, _ := hex.DecodeString(good)
	hash := sha256.Sum256(raw)

	f.addWallet(t, "alice", "p1", 1, payOutcome{preimage: strings.Repeat("22", 32)})
	second, _ := f.addWallet(t, "alice", "p2", 2, payOutcome{preimage: good})
	d := NewDispatcher(f.store, f.controller, f.registry, nil)

	inv, err := f.store.CreateInvoice(context.Background(), store.InvoiceParams{
		UserID:      "receiver",
		Bolt11:      "lnbc1a",
		MsatAmount:  1000,
		PaymentHash: hex.EncodeToString(hash[:]),
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	result, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.NoError(t, err)
	assert.Equal(t, second.ID, result.WalletID)
	assert.Equal(t, good, result.Preimage)

	stored, err := f.store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.InvoicePaid, stored.State)
	assert.Equal(t, good, stored.Preimage)
}

func TestPayCanceledInvoiceUnblocksHungSend(t *testing.T) {
	// The adapter sits on the send until its context dies. When the
	// invoice is canceled out from under it, the dispatcher must cancel
	// the send rather than wait out the adapter's own timeout.
	f := newFixture(t)
	_, adapter := f.addWallet(t, "alice", "p1", 1)
	adapter.block = make(chan struct{})
	d := NewDispatcher(f.store, f.controller, f.registry, nil)

	inv := f.createInvoice(t, "lnbc1a")
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.store.UpdateInvoiceState(context.Background(), inv.ID, store.InvoicePending, store.InvoiceCanceled)
	}()

	start := time.Now()
	_, err := d.Pay(context.Background(), "alice", inv, 1000)
	require.ErrorIs(t, err, ErrInvoiceCanceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPayContextCancel(t *testing.T) {
	f := newFixture(t)
	_, adapter := f.addWallet(t, "alice", "p1", 1)
	adapter.block = make(chan struct{})
	d := NewDispatcher(f.store, f.controller, f.registry, nil)

	inv := f.createInvoice(t, "lnbc1a")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := d.Pay(ctx, "alice", inv, 1000)
	require.Error(t, err)
}
