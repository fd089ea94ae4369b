package engine

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/store"
)

func newTestScheduler(h *harness, retentionDays int) *Scheduler {
	return NewScheduler(time.Hour, retentionDays, h.store, h.book, h.events, discardLogger())
}

// setExpiry stamps an expiry on a persisted order.
func (h *harness) setExpiry(id domain.OrderID, at time.Time) {
	h.t.Helper()
	err := h.store.WithSession(h.ctx, func(ctx context.Context, s store.Session) error {
		_, err := s.CompareAndSetOrder(ctx, id,
			func(*domain.Order) bool { return true },
			func(x *domain.Order) { x.ExpiresAt = &at })
		return err
	})
	if err != nil {
		h.t.Fatalf("set expiry: %v", err)
	}
}

func TestScheduler_ExpiresDueOrders(t *testing.T) {
	h := newHarness(t)
	sched := newTestScheduler(h, 0)
	u := h.user(100000)
	h.tick("AAPL", 10500)
	now := time.Now().UTC()

	due := h.submit(u, "AAPL", orderSpec{side: domain.OrderSideBuy, kind: domain.OrderKindLimit, qty: 1, limit: 10000})
	h.setExpiry(due.ID, now.Add(-time.Second))
	later := h.submit(u, "AAPL", orderSpec{side: domain.OrderSideBuy, kind: domain.OrderKindLimit, qty: 1, limit: 10000})
	h.setExpiry(later.ID, now.Add(time.Hour))
	forever := h.submit(u, "AAPL", orderSpec{side: domain.OrderSideBuy, kind: domain.OrderKindLimit, qty: 1, limit: 10000})

	n, err := sched.ExpireDue(h.ctx, now)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d orders, want 1", n)
	}

	assertStatus(t, h.order(due.ID), domain.OrderStatusExpired)
	assertStatus(t, h.order(later.ID), domain.OrderStatusPending)
	assertStatus(t, h.order(forever.ID), domain.OrderStatusPending)

	if h.book.Contains("AAPL", due.ID) {
		t.Error("expired order left on the book")
	}
	if !h.book.Contains("AAPL", later.ID) || !h.book.Contains("AAPL", forever.ID) {
		t.Error("live orders evicted")
	}

	var expiredEvents int
	for _, ev := range h.events.all() {
		if ev.Type == domain.EventOrderStatusChanged && ev.Payload.(*domain.Order).Status == domain.OrderStatusExpired {
			expiredEvents++
		}
	}
	if expiredEvents != 1 {
		t.Errorf("got %d expiry events, want 1", expiredEvents)
	}
}

func TestScheduler_ExpiryBoundaryIsInclusive(t *testing.T) {
	h := newHarness(t)
	sched := newTestScheduler(h, 0)
	u := h.user(100000)
	now := time.Now().UTC()

	o := h.submit(u, "AAPL", orderSpec{side: domain.OrderSideBuy, kind: domain.OrderKindLimit, qty: 1, limit: 10000})
	h.setExpiry(o.ID, now)

	if _, err := sched.ExpireDue(h.ctx, now); err != nil {
		t.Fatal(err)
	}
	assertStatus(t, h.order(o.ID), domain.OrderStatusExpired)
}

func TestScheduler_SkipsTerminalOrders(t *testing.T) {
	h := newHarness(t)
	sched := newTestScheduler(h, 0)
	u := h.user(100000)
	h.tick("AAPL", 10500)
	now := time.Now().UTC()

	o := h.submit(u, "AAPL", orderSpec{side: domain.OrderSideBuy, kind: domain.OrderKindLimit, qty: 1, limit: 10000})
	h.setExpiry(o.ID, now.Add(-time.Minute))
	h.tick("AAPL", 9000)
	assertStatus(t, h.order(o.ID), domain.OrderStatusFilled)

	n, err := sched.ExpireDue(h.ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expired %d filled orders", n)
	}
	assertStatus(t, h.order(o.ID), domain.OrderStatusFilled)
}

func TestScheduler_PurgeTrades(t *testing.T) {
	h := newHarness(t)
	u := h.user(100000)
	h.tick("AAPL", 100)
	o := h.submit(u, "AAPL", orderSpec{side: domain.OrderSideBuy, kind: domain.OrderKindMarket, qty: 1})

	keep := newTestScheduler(h, 0)
	if n, _ := keep.PurgeTrades(h.ctx, time.Now().UTC().Add(365*24*time.Hour)); n != 0 {
		t.Errorf("retention disabled but purged %d trades", n)
	}

	sched := newTestScheduler(h, 1)
	n, err := sched.PurgeTrades(h.ctx, time.Now().UTC())
	if err != nil || n != 0 {
		t.Fatalf("fresh trades purged: n=%d err=%v", n, err)
	}

	n, err = sched.PurgeTrades(h.ctx, time.Now().UTC().Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(h.trades(o.ID)) != 0 {
		t.Errorf("purged %d trades, want 1", n)
	}
	// The order and the position outlive their trades.
	assertStatus(t, h.order(o.ID), domain.OrderStatusFilled)
	if h.position(u, "AAPL") == nil {
		t.Error("purge removed the position")
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	sched := NewScheduler(time.Millisecond, 0, h.store, h.book, h.events, discardLogger())
	u := h.user(100000)
	o := h.submit(u, "AAPL", orderSpec{side: domain.OrderSideBuy, kind: domain.OrderKindLimit, qty: 1, limit: 10000})
	h.setExpiry(o.ID, time.Now().UTC().Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.order(o.ID).Status != domain.OrderStatusExpired {
		if time.Now().After(deadline) {
			t.Fatal("order not expired by the running scheduler")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

// Feature: expiry-scheduler, Property 1: Exactly the live orders due at now expire

func TestProperty_ExpiryTransition(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarnessWithStale(rt, 0)
		sched := NewScheduler(time.Hour, 0, h.store, h.book, h.events, discardLogger())
		u := h.user(1000000)
		now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

		n := rapid.IntRange(1, 10).Draw(rt, "n")
		offsets := make([]int, n)
		orders := make([]*domain.Order, n)
		for i := range orders {
			orders[i] = h.place(u, "EXP", orderSpec{side: domain.OrderSideBuy, kind: domain.OrderKindLimit, qty: 1, limit: 100})
			orders[i], _ = h.matcher.ProcessOrder(h.ctx, orders[i])
			offsets[i] = rapid.IntRange(-60, 60).Draw(rt, "offset")
			h.setExpiry(orders[i].ID, now.Add(time.Duration(offsets[i])*time.Second))
		}

		if _, err := sched.ExpireDue(h.ctx, now); err != nil {
			rt.Fatalf("expire: %v", err)
		}
		for i, o := range orders {
			got := h.order(o.ID)
			wantExpired := offsets[i] <= 0
			if wantExpired != (got.Status == domain.OrderStatusExpired) {
				rt.Fatalf("offset %ds: status %s", offsets[i], got.Status)
			}
			if wantExpired == h.book.Contains("EXP", o.ID) {
				rt.Fatalf("offset %ds: book membership wrong", offsets[i])
			}
		}
	})
}
