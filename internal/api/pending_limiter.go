package api

import (
	"sync"
	"time"
)

// PendingInvoiceLimiter caps how many unsettled invoices one user may
// hold open at a time. This bounds the hold-invoice exposure on the
// routing node; the per-wallet ceiling is enforced separately during
// wallet selection.
type PendingInvoiceLimiter struct {
	mu            sync.RWMutex
	maxPending    int
	pendingByUser map[string]map[string]time.Time // user -> invoiceID -> tracked time
	invoiceToUser map[string]string               // invoiceID -> user (reverse lookup)
}

// NewPendingInvoiceLimiter creates a limiter with the given maximum
// open invoices per user.
func NewPendingInvoiceLimiter(maxPending int) *PendingInvoiceLimiter {
	return &PendingInvoiceLimiter{
		maxPending:    maxPending,
		pendingByUser: make(map[string]map[string]time.Time),
		invoiceToUser: make(map[string]string),
	}
}

// CanCreate reports whether the user is under the limit.
func (l *PendingInvoiceLimiter) CanCreate(userID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingByUser[userID]) < l.maxPending
}

// PendingCount returns the number of open invoices for a user.
func (l *PendingInvoiceLimiter) PendingCount(userID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingByUser[userID])
}

// MaxPending returns the configured ceiling.
func (l *PendingInvoiceLimiter) MaxPending() int {
	return l.maxPending
}

// Track records a freshly minted invoice against its user.
func (l *PendingInvoiceLimiter) Track(userID, invoiceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pendingByUser[userID] == nil {
		l.pendingByUser[userID] = make(map[string]time.Time)
	}
	l.pendingByUser[userID][invoiceID] = time.Now()
	l.invoiceToUser[invoiceID] = userID
}

// Release removes an invoice from tracking once it reaches a terminal
// state, settled or not.
func (l *PendingInvoiceLimiter) Release(invoiceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	userID, ok := l.invoiceToUser[invoiceID]
	if !ok {
		return // not tracked, maybe already cleaned up
	}

	delete(l.invoiceToUser, invoiceID)
	if pending := l.pendingByUser[userID]; pending != nil {
		delete(pending, invoiceID)
		if len(pending) == 0 {
			delete(l.pendingByUser, userID)
		}
	}
}

// CleanupExpired drops entries older than maxAge, the backstop for
// invoices whose terminal transition was never observed. Returns the
// number of entries removed.
func (l *PendingInvoiceLimiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for userID, pending := range l.pendingByUser {
		for invoiceID, trackedAt := range pending {
			if trackedAt.Before(cutoff) {
				delete(pending, invoiceID)
				delete(l.invoiceToUser, invoiceID)
				removed++
			}
		}
		if len(pending) == 0 {
			delete(l.pendingByUser, userID)
		}
	}

	return removed
}
