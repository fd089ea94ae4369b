package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/metrics"
	"github.com/efreitasn/tradecore/internal/store"
)

// Scheduler periodically expires live orders whose expires_at has passed
// and, when a retention window is set, purges old trades.
type Scheduler struct {
	interval  time.Duration
	retention time.Duration // 0 keeps trades forever
	store     store.Store
	book      *Book
	events    EventSink
	logger    *slog.Logger
}

// NewScheduler creates a Scheduler. retentionDays of zero disables the
// trade purge.
func NewScheduler(
	interval time.Duration,
	retentionDays int,
	st store.Store,
	book *Book,
	events EventSink,
	logger *slog.Logger,
) *Scheduler {
	if events == nil {
		events = nopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval:  interval,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		store:     st,
		book:      book,
		events:    events,
		logger:    logger,
	}
}

// Run ticks until ctx is cancelled and then returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			s.tick(ctx, t.UTC())
		}
	}
}

// tick runs one expiry pass and one retention pass at now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if _, err := s.ExpireDue(ctx, now); err != nil {
		s.logger.Warn("expiry sweep failed", "error", err)
	}
	if s.retention > 0 {
		if _, err := s.PurgeTrades(ctx, now); err != nil {
			s.logger.Warn("trade retention sweep failed", "error", err)
		}
	}
}

// ExpireDue moves every live order with expires_at <= now to EXPIRED and
// returns how many it expired.
func (s *Scheduler) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, _, err := s.store.ReadOrders(ctx, store.OrderFilter{
		Statuses:      domain.LiveStatuses,
		ExpiresBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range due {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		ok, err := s.expireOrder(ctx, o, now)
		if err != nil {
			s.logger.Warn("expire order", "order_id", o.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// expireOrder re-checks the order under a compare-and-set, since it may
// have filled or been cancelled since the scan.
func (s *Scheduler) expireOrder(ctx context.Context, o *domain.Order, now time.Time) (bool, error) {
	var updated *domain.Order
	err := s.store.WithSession(ctx, func(ctx context.Context, sess store.Session) error {
		var err error
		updated, err = sess.CompareAndSetOrder(ctx, o.ID,
			func(x *domain.Order) bool {
				return x.Status.IsLive() && x.ExpiresAt != nil && !x.ExpiresAt.After(now)
			},
			func(x *domain.Order) {
				x.Status = domain.OrderStatusExpired
				x.UpdatedAt = now
			})
		if err != nil || updated == nil {
			return err
		}
		expired := updated.Clone()
		sess.AfterCommit(func() {
			s.events.Publish(domain.Event{
				Type:       domain.EventOrderStatusChanged,
				UserID:     expired.UserID,
				Payload:    expired,
				OccurredAt: now,
			})
		})
		return nil
	})
	if err != nil {
		return false, err
	}
	s.book.Remove(o.Symbol, o.ID)
	if updated == nil {
		return false, nil
	}
	metrics.ExpiredTotal.Inc()
	metrics.OrdersTotal.WithLabelValues(string(updated.Kind), string(updated.Status)).Inc()
	return true, nil
}

// PurgeTrades deletes trades older than the retention window.
func (s *Scheduler) PurgeTrades(ctx context.Context, now time.Time) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	n, err := s.store.PurgeTradesBefore(ctx, now.Add(-s.retention))
	if err != nil {
		return 0, err
	}
	metrics.TradesPurgedTotal.Add(float64(n))
	if n > 0 {
		s.logger.Info("purged trades", "count", n)
	}
	return n, nil
}
