// Package feed keeps the latest price tick per symbol and notifies
// subscribers of every accepted tick.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/metrics"
)

// Handler is called with each accepted tick, in publish order per
// symbol.
type Handler func(ctx context.Context, tick domain.PriceTick)

// Feed holds the latest tick per symbol. Reads are lock-free; a tick
// replaces the current one only if its sequence is strictly greater.
type Feed struct {
	slots      sync.Map // symbol → *atomic.Pointer[domain.PriceTick]
	staleAfter time.Duration
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// New creates a Feed. Ticks older than staleAfter are not quotable; zero
// disables the check.
func New(staleAfter time.Duration, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{staleAfter: staleAfter, logger: logger}
}

// Subscribe registers h for all future accepted ticks.
func (f *Feed) Subscribe(h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

func (f *Feed) slot(symbol string) *atomic.Pointer[domain.PriceTick] {
	if v, ok := f.slots.Load(symbol); ok {
		return v.(*atomic.Pointer[domain.PriceTick])
	}
	v, _ := f.slots.LoadOrStore(symbol, new(atomic.Pointer[domain.PriceTick]))
	return v.(*atomic.Pointer[domain.PriceTick])
}

// store installs tick if it is newer than the current one. A zero
// sequence means "next": it is assigned current+1.
func (f *Feed) store(tick domain.PriceTick) (domain.PriceTick, bool) {
	slot := f.slot(tick.Symbol)
	for {
		cur := slot.Load()
		next := tick
		if cur != nil {
			if next.Sequence == 0 {
				next.Sequence = cur.Sequence + 1
			} else if next.Sequence <= cur.Sequence {
				return *cur, false
			}
		} else if next.Sequence == 0 {
			next.Sequence = 1
		}
		if slot.CompareAndSwap(cur, &next) {
			return next, true
		}
	}
}

// Publish offers tick to the feed. It returns false when a tick with an
// equal or greater sequence is already held. Accepted ticks are handed to
// every subscriber before Publish returns.
func (f *Feed) Publish(ctx context.Context, tick domain.PriceTick) (domain.PriceTick, bool) {
	accepted, ok := f.store(tick)
	if !ok {
		metrics.TicksTotal.WithLabelValues("out_of_order").Inc()
		f.logger.Debug("tick dropped",
			"symbol", tick.Symbol,
			"sequence", tick.Sequence,
			"current_sequence", accepted.Sequence,
		)
		return accepted, false
	}
	metrics.TicksTotal.WithLabelValues("accepted").Inc()

	f.mu.RLock()
	handlers := append([]Handler(nil), f.handlers...)
	f.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, accepted)
	}
	return accepted, true
}

// Seed installs ticks without notifying subscribers. Used at start-up to
// restore the last known prices. Sequences are kept as given, so a seeded
// tick with sequence 0 gives way to the first published tick whatever its
// sequence. A symbol that already holds a newer tick is left alone.
func (f *Feed) Seed(ticks []domain.PriceTick) {
	for _, t := range ticks {
		slot := f.slot(t.Symbol)
		for {
			cur := slot.Load()
			if cur != nil && t.Sequence <= cur.Sequence {
				break
			}
			next := t
			if slot.CompareAndSwap(cur, &next) {
				break
			}
		}
	}
}

// Snapshot returns the latest tick for symbol.
func (f *Feed) Snapshot(symbol string) (domain.PriceTick, bool) {
	v, ok := f.slots.Load(symbol)
	if !ok {
		return domain.PriceTick{}, false
	}
	t := v.(*atomic.Pointer[domain.PriceTick]).Load()
	if t == nil {
		return domain.PriceTick{}, false
	}
	return *t, true
}

// Quote returns the current market price of symbol, or an
// ErrNoMarketPrice error when there is no tick or it is stale at now.
func (f *Feed) Quote(symbol string, now time.Time) (domain.Money, error) {
	t, ok := f.Snapshot(symbol)
	if !ok {
		return 0, domain.Errorf(domain.ErrNoMarketPrice, "no price for %s", symbol)
	}
	if f.staleAfter > 0 && now.Sub(t.ObservedAt) > f.staleAfter {
		return 0, domain.Errorf(domain.ErrNoMarketPrice, "price for %s is stale (observed %s)", symbol, t.ObservedAt.Format(time.RFC3339))
	}
	return t.Price, nil
}
