package api

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPendingInvoiceLimiter_CanCreate(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)
	user := "alice"

	// Should allow the first 3 invoices
	for i := 0; i < 3; i++ {
		if !limiter.CanCreate(user) {
			t.Errorf("invoice %d should be allowed", i+1)
		}
		limiter.Track(user, fmt.Sprintf("inv%d", i))
	}

	// Should block the 4th
	if limiter.CanCreate(user) {
		t.Error("4th invoice should be blocked")
	}
}

func TestPendingInvoiceLimiter_DifferentUsers(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)

	for i := 0; i < 3; i++ {
		user := fmt.Sprintf("user%d", i)
		for j := 0; j < 3; j++ {
			limiter.Track(user, fmt.Sprintf("inv-%d-%d", i, j))
		}
	}

	for i := 0; i < 3; i++ {
		user := fmt.Sprintf("user%d", i)
		if limiter.CanCreate(user) {
			t.Errorf("user %s should be at limit", user)
		}
		if limiter.PendingCount(user) != 3 {
			t.Errorf("user %s should have 3 pending, got %d", user, limiter.PendingCount(user))
		}
	}

	if !limiter.CanCreate("fresh") {
		t.Error("a new user should be able to create invoices")
	}
}

func TestPendingInvoiceLimiter_Release(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)
	user := "alice"

	for i := 0; i < 3; i++ {
		limiter.Track(user, fmt.Sprintf("inv%d", i))
	}
	if limiter.CanCreate(user) {
		t.Error("should be at limit")
	}

	limiter.Release("inv1")

	if !limiter.CanCreate(user) {
		t.Error("should allow a new invoice after release")
	}
	if limiter.PendingCount(user) != 2 {
		t.Errorf("expected 2 pending, got %d", limiter.PendingCount(user))
	}
}

func TestPendingInvoiceLimiter_ReleaseUnknown(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)

	// Should not panic on an untracked invoice
	limiter.Release("nonexistent")

	if !limiter.CanCreate("alice") {
		t.Error("limiter should still work after unknown release")
	}
}

func TestPendingInvoiceLimiter_DoubleRelease(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)
	user := "alice"

	limiter.Track(user, "inv1")
	limiter.Release("inv1")
	limiter.Release("inv1")

	// No negative count
	if limiter.PendingCount(user) != 0 {
		t.Errorf("expected 0 pending after double release, got %d", limiter.PendingCount(user))
	}
}

func TestPendingInvoiceLimiter_CleanupExpired(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)
	user := "alice"

	limiter.Track(user, "inv1")
	limiter.Track(user, "inv2")

	if removed := limiter.CleanupExpired(24 * time.Hour); removed != 0 {
		t.Errorf("expected 0 removed with long duration, got %d", removed)
	}
	if limiter.PendingCount(user) != 2 {
		t.Error("should still have 2 pending")
	}

	if removed := limiter.CleanupExpired(0); removed != 2 {
		t.Errorf("expected 2 removed with 0 duration, got %d", removed)
	}
	if limiter.PendingCount(user) != 0 {
		t.Errorf("expected 0 pending after cleanup, got %d", limiter.PendingCount(user))
	}
}

func TestPendingInvoiceLimiter_CleanupOnlyOld(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)
	user := "alice"

	limiter.Track(user, "inv1")
	time.Sleep(50 * time.Millisecond)
	limiter.Track(user, "inv2")

	if removed := limiter.CleanupExpired(25 * time.Millisecond); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if limiter.PendingCount(user) != 1 {
		t.Errorf("expected 1 pending, got %d", limiter.PendingCount(user))
	}

	// The survivor should be inv2
	limiter.Release("inv2")
	if limiter.PendingCount(user) != 0 {
		t.Error("inv2 should have been the remaining invoice")
	}
}

func TestPendingInvoiceLimiter_Concurrency(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(100)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := fmt.Sprintf("user%d", n%10)
			invoiceID := fmt.Sprintf("inv%d", n)

			limiter.CanCreate(user)
			limiter.Track(user, invoiceID)
			limiter.PendingCount(user)
			limiter.Release(invoiceID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		user := fmt.Sprintf("user%d", i)
		if limiter.PendingCount(user) != 0 {
			t.Errorf("user %s should have 0 pending after concurrent operations", user)
		}
	}
}

func TestPendingInvoiceLimiter_DuplicateTrack(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)
	user := "alice"

	limiter.Track(user, "inv1")
	limiter.Track(user, "inv1")

	// Map overwrite, counts once
	if limiter.PendingCount(user) != 1 {
		t.Errorf("duplicate track should count as 1, got %d", limiter.PendingCount(user))
	}
}
