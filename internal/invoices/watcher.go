package invoices

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"lnswitch/internal/logging"
	"lnswitch/internal/store"
)

// DefaultSweepInterval is how often the watcher scans for stale
// invoices.
const DefaultSweepInterval = 30 * time.Second

// Watcher expires pending invoices whose expiry has passed. It is the
// backstop for invoices nobody is actively waiting on anymore.
type Watcher struct {
	store    store.InvoiceStore
	interval time.Duration
	log      *zap.SugaredLogger
}

func NewWatcher(s store.InvoiceStore, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Watcher{
		store:    s,
		interval: interval,
		log:      logging.New("invoice-watcher"),
	}
}

// Run sweeps until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	pending, err := w.store.ListPendingInvoices(ctx)
	if err != nil {
		w.log.Errorw("list pending invoices", "err", err)
		return
	}

	now := time.Now()
	for _, inv := range pending {
		if now.Before(inv.ExpiresAt) {
			continue
		}
		err := w.store.UpdateInvoiceState(ctx, inv.ID, inv.State, store.InvoiceExpired)
		switch {
		case err == nil:
			w.log.Infow("expired stale invoice", "invoice_id", inv.ID)
		case errors.Is(err, store.ErrConflict):
			// Settled or canceled under us; nothing to do.
		default:
			w.log.Errorw("expire invoice", "invoice_id", inv.ID, "err", err)
		}
	}
}
