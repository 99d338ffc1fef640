package invoices

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lnswitch/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createInvoice(t *testing.T, s store.InvoiceStore, expiresAt time.Time) *store.Invoice {
	t.Helper()
	inv, err := s.CreateInvoice(context.Background(), store.InvoiceParams{
		UserID:      "u1",
		WalletID:    1,
		Bolt11:      "lnbc1test",
		MsatAmount:  1000,
		PaymentHash: "aa",
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

func TestCheckStates(t *testing.T) {
	s := newTestStore(t)
	c := NewController(s, time.Millisecond)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	t.Run("pending", func(t *testing.T) {
		inv := createInvoice(t, s, expires)
		got, err := c.Check(ctx, inv.ID)
		if err != nil || got != nil {
			t.Fatalf("pending check = (%v, %v), want (nil, nil)", got, err)
		}
	})

	t.Run("paid", func(t *testing.T) {
		inv := createInvoice(t, s, expires)
		if err := s.SettleInvoice(ctx, inv.ID, "beef"); err != nil {
			t.Fatalf("settle: %v", err)
		}
		got, err := c.Check(ctx, inv.ID)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if got == nil || got.Preimage != "beef" {
			t.Fatalf("check = %+v, want settled invoice", got)
		}
	})

	t.Run("canceled", func(t *testing.T) {
		inv := createInvoice(t, s, expires)
		if err := s.UpdateInvoiceState(ctx, inv.ID, store.InvoicePending, store.InvoiceCanceled); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if _, err := c.Check(ctx, inv.ID); !errors.Is(err, ErrCanceled) {
			t.Fatalf("got %v, want ErrCanceled", err)
		}
	})

	t.Run("forward failed", func(t *testing.T) {
		inv := createInvoice(t, s, expires)
		if err := s.MarkForwardFailed(ctx, inv.ID); err != nil {
			t.Fatalf("mark: %v", err)
		}
		if err := s.UpdateInvoiceState(ctx, inv.ID, store.InvoicePending, store.InvoiceCanceled); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if _, err := c.Check(ctx, inv.ID); !errors.Is(err, ErrForwardFailed) {
			t.Fatalf("got %v, want ErrForwardFailed", err)
		}
	})

	t.Run("lazily expires", func(t *testing.T) {
		inv := createInvoice(t, s, time.Now().Add(-time.Minute))
		if _, err := c.Check(ctx, inv.ID); !errors.Is(err, ErrExpired) {
			t.Fatalf("got %v, want ErrExpired", err)
		}
		stored, err := s.GetInvoice(ctx, inv.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.State != store.InvoiceExpired {
			t.Errorf("state = %s, want EXPIRED", stored.State)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := c.Check(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})
}

func TestWaitForSettlement(t *testing.T) {
	s := newTestStore(t)
	c := NewController(s, 5*time.Millisecond)
	ctx := context.Background()
	inv := createInvoice(t, s, time.Now().Add(time.Hour))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.SettleInvoice(context.Background(), inv.ID, "beef")
	}()

	got, err := c.WaitForSettlement(ctx, inv.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Preimage != "beef" {
		t.Errorf("preimage = %q", got.Preimage)
	}
}

func TestWaitForSettlementContextCanceled(t *testing.T) {
	s := newTestStore(t)
	c := NewController(s, 5*time.Millisecond)
	inv := createInvoice(t, s, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if _, err := c.WaitForSettlement(ctx, inv.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

type recordingCanceler struct {
	hashes []string
	err    error
}

func (r *recordingCanceler) CancelInvoice(ctx context.Context, paymentHash string) error {
	r.hashes = append(r.hashes, paymentHash)
	return r.err
}

func TestCancel(t *testing.T) {
	s := newTestStore(t)
	c := NewController(s, time.Millisecond)
	ctx := context.Background()
	inv := createInvoice(t, s, time.Now().Add(time.Hour))

	canceler := &recordingCanceler{}
	if err := c.Cancel(ctx, inv.ID, canceler); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(canceler.hashes) != 1 || canceler.hashes[0] != "aa" {
		t.Errorf("backend cancels = %v, want [aa]", canceler.hashes)
	}

	stored, _ := s.GetInvoice(ctx, inv.ID)
	if stored.State != store.InvoiceCanceled {
		t.Errorf("state = %s, want CANCELED", stored.State)
	}

	// Canceling a terminal invoice is a no-op.
	if err := c.Cancel(ctx, inv.ID, canceler); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if len(canceler.hashes) != 1 {
		t.Errorf("backend canceled again: %v", canceler.hashes)
	}
}

func TestCancelDoesNotTouchPaid(t *testing.T) {
	s := newTestStore(t)
	c := NewController(s, time.Millisecond)
	ctx := context.Background()
	inv := createInvoice(t, s, time.Now().Add(time.Hour))

	if err := s.SettleInvoice(ctx, inv.ID, "beef"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := c.Cancel(ctx, inv.ID, &recordingCanceler{}); err != nil {
		t.Fatalf("cancel paid: %v", err)
	}
	stored, _ := s.GetInvoice(ctx, inv.ID)
	if stored.State != store.InvoicePaid {
		t.Errorf("paid invoice mutated to %s", stored.State)
	}
}

func TestRetry(t *testing.T) {
	s := newTestStore(t)
	c := NewController(s, time.Millisecond)
	ctx := context.Background()
	inv := createInvoice(t, s, time.Now().Add(time.Hour))

	if err := s.UpdateInvoiceState(ctx, inv.ID, store.InvoicePending, store.InvoiceExpired); err != nil {
		t.Fatalf("expire: %v", err)
	}

	successor, err := c.Retry(ctx, inv.ID, store.InvoiceParams{
		UserID:     "u1",
		WalletID:   2,
		Bolt11:     "lnbc1next",
		MsatAmount: 1000,
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if successor.PredecessorID != inv.ID {
		t.Errorf("predecessor = %q, want %q", successor.PredecessorID, inv.ID)
	}

	predecessor, _ := s.GetInvoice(ctx, inv.ID)
	if predecessor.State != store.InvoiceRetrying {
		t.Errorf("predecessor state = %s, want RETRYING", predecessor.State)
	}
}

func TestWatcherExpiresStaleInvoices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := createInvoice(t, s, time.Now().Add(-time.Minute))
	fresh := createInvoice(t, s, time.Now().Add(time.Hour))

	w := NewWatcher(s, time.Minute)
	w.sweep(ctx)

	got, _ := s.GetInvoice(ctx, stale.ID)
	if got.State != store.InvoiceExpired {
		t.Errorf("stale invoice state = %s, want EXPIRED", got.State)
	}
	got, _ = s.GetInvoice(ctx, fresh.ID)
	if got.State != store.InvoicePending {
		t.Errorf("fresh invoice state = %s, want PENDING", got.State)
	}
}
