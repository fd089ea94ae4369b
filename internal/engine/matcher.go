package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/metrics"
	"github.com/efreitasn/tradecore/internal/position"
	"github.com/efreitasn/tradecore/internal/store"
)

// Quoter returns the current market price of a symbol.
type Quoter interface {
	Quote(symbol string, now time.Time) (domain.Money, error)
}

// EventSink receives committed state changes, in commit order.
type EventSink interface {
	Publish(ev domain.Event)
}

type nopSink struct{}

func (nopSink) Publish(domain.Event) {}

// maxEvaluations bounds the evaluate loop of one ProcessOrder call. An
// order is evaluated at most twice: once before and once after its
// trigger.
const maxEvaluations = 3

// Matcher executes orders against the house at the market price. Every
// fill runs in a single store session guarded by a compare-and-set on the
// order, so a fill is applied at most once no matter how many sweeps or
// submissions race on it.
type Matcher struct {
	store     store.Store
	quotes    Quoter
	book      *Book
	positions *position.Service
	events    EventSink
	logger    *slog.Logger
	now       func() time.Time
}

// NewMatcher creates a Matcher with the given dependencies. A nil sink
// drops events.
func NewMatcher(
	st store.Store,
	quotes Quoter,
	book *Book,
	positions *position.Service,
	events EventSink,
	logger *slog.Logger,
) *Matcher {
	if events == nil {
		events = nopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		store:     st,
		quotes:    quotes,
		book:      book,
		positions: positions,
		events:    events,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Book returns the matcher's order book.
func (m *Matcher) Book() *Book {
	return m.book
}

// RebuildBook reloads every live order from the store into the book.
func (m *Matcher) RebuildBook(ctx context.Context) (int, error) {
	orders, _, err := m.store.ReadOrders(ctx, store.OrderFilter{Statuses: domain.LiveStatuses})
	if err != nil {
		return 0, err
	}
	m.book.Rebuild(orders)
	return len(orders), nil
}

// ProcessOrder evaluates a persisted order at the current market price and
// fills, parks, triggers or rejects it. It returns the order's resulting
// state.
//
// A rejection is not an error: the returned order carries status REJECTED
// and the reason. The error is non-nil only when the order could not be
// advanced: ErrAlreadyFilledOrTerminal when another writer got there
// first, or a transient store failure that leaves the order live.
func (m *Matcher) ProcessOrder(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	cur := o
	for i := 0; i < maxEvaluations; i++ {
		market, quoteErr := m.quotes.Quote(cur.Symbol, m.now())
		d := Evaluate(cur, market, quoteErr)

		switch d.Action {
		case ActionPark:
			m.book.Upsert(cur)
			return cur, nil

		case ActionTrigger:
			next, err := m.trigger(ctx, cur)
			if err != nil {
				return m.settle(ctx, cur, err)
			}
			cur = next

		case ActionReject:
			if errors.Is(d.Err, domain.ErrAlreadyFilledOrTerminal) {
				m.book.Remove(cur.Symbol, cur.ID)
				return cur, d.Err
			}
			return m.reject(ctx, cur, d.Err)

		case ActionFill:
			if err := m.precheck(ctx, cur, d.Price); err != nil {
				if errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrInsufficientHoldings) {
					return m.reject(ctx, cur, err)
				}
				return m.settle(ctx, cur, err)
			}
			filled, err := m.ExecuteFill(ctx, cur, d.Price, cur.Remaining())
			if err != nil {
				return m.settle(ctx, cur, err)
			}
			return filled, nil
		}
	}
	return cur, domain.Errorf(domain.ErrConflict, "order %s did not settle", cur.ID)
}

// OnPriceTick sweeps the book for every order whose condition holds at the
// tick's price, oldest first. Each candidate is re-read and processed on
// its own; a failure on one does not stop the sweep.
func (m *Matcher) OnPriceTick(ctx context.Context, tick domain.PriceTick) {
	candidates := m.book.Candidates(tick.Symbol, tick.Price)
	metrics.SweepCandidates.Observe(float64(len(candidates)))

	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		o, err := m.store.GetOrder(ctx, c.OrderID)
		if errors.Is(err, domain.ErrOrderNotFound) {
			m.book.Remove(tick.Symbol, c.OrderID)
			continue
		}
		if err != nil {
			m.logger.Warn("sweep: load order", "order_id", c.OrderID, "error", err)
			continue
		}
		if !o.Fillable() {
			m.book.Remove(o.Symbol, o.ID)
			continue
		}
		if _, err := m.ProcessOrder(ctx, o); err != nil && !domain.IsBenign(err) {
			m.logger.Warn("sweep: process order",
				"order_id", o.ID,
				"symbol", o.Symbol,
				"error", err,
			)
		}
	}
}

// precheck validates funds or holdings against committed state before
// opening the fill transaction.
func (m *Matcher) precheck(ctx context.Context, o *domain.Order, price domain.Money) error {
	qty := o.Remaining()
	switch o.Side {
	case domain.OrderSideBuy:
		cost, ok := price.MulChecked(qty)
		if !ok {
			return domain.Errorf(domain.ErrInvariantViolation, "cost overflows: price=%d qty=%d", price, qty)
		}
		u, err := m.store.GetUser(ctx, o.UserID)
		if err != nil {
			return err
		}
		if u.Balance < cost {
			return domain.Errorf(domain.ErrInsufficientFunds, "balance %d is below cost %d", u.Balance, cost)
		}
	case domain.OrderSideSell:
		p, err := m.positions.Read(ctx, o.UserID, o.InstrumentID)
		if err != nil && !errors.Is(err, domain.ErrPositionNotFound) {
			return err
		}
		var held domain.Quantity
		if p != nil {
			held = p.Quantity
		}
		if held < qty {
			return domain.Errorf(domain.ErrInsufficientHoldings, "holding %d is below quantity %d", held, qty)
		}
	}
	return nil
}

// ExecuteFill fills up to qty of the order at price in one transaction:
//
//  1. lock the order by moving it to PARTIALLY_FILLED if it is fillable;
//  2. clamp qty to the remaining quantity;
//  3. re-validate funds or holdings;
//  4. append the trade;
//  5. apply the fill to the position;
//  6. move the balance;
//  7. record the fill on the order.
//
// Any failure rolls the whole transaction back. A lost lock is reported as
// ErrAlreadyFilledOrTerminal. The book is updated after commit.
func (m *Matcher) ExecuteFill(ctx context.Context, o *domain.Order, price domain.Money, qty domain.Quantity) (*domain.Order, error) {
	start := time.Now()
	now := m.now()

	var filled *domain.Order
	err := m.store.WithSession(ctx, func(ctx context.Context, s store.Session) error {
		// Step 1: Soft lock.
		locked, err := s.CompareAndSetOrder(ctx, o.ID, (*domain.Order).Fillable, func(x *domain.Order) {
			x.Status = domain.OrderStatusPartiallyFilled
			x.UpdatedAt = now
		})
		if err != nil {
			return err
		}
		if locked == nil {
			return domain.ErrAlreadyFilledOrTerminal
		}

		// Step 2: Clamp.
		effective := min(qty, locked.Remaining())
		if effective <= 0 {
			return domain.ErrAlreadyFilledOrTerminal
		}
		trade, err := domain.NewTrade(locked, price, effective, now)
		if err != nil {
			return err
		}

		// Step 3: Re-validate against the locked rows.
		switch locked.Side {
		case domain.OrderSideBuy:
			u, err := s.GetUser(ctx, locked.UserID)
			if err != nil {
				return err
			}
			if u.Balance < trade.Amount {
				return domain.Errorf(domain.ErrInsufficientFunds, "balance %d is below cost %d", u.Balance, trade.Amount)
			}
		case domain.OrderSideSell:
			held, err := m.positions.Held(ctx, s, locked.UserID, locked.InstrumentID)
			if err != nil {
				return err
			}
			if held < effective {
				return domain.Errorf(domain.ErrInsufficientHoldings, "holding %d is below quantity %d", held, effective)
			}
		}

		// Step 4: Trade.
		if err := s.AppendTrade(ctx, trade); err != nil {
			return err
		}

		// Step 5: Position.
		pos, err := m.positions.ApplyFill(ctx, s, position.Fill{
			UserID:       locked.UserID,
			InstrumentID: locked.InstrumentID,
			Symbol:       locked.Symbol,
			Side:         locked.Side,
			Price:        price,
			Quantity:     effective,
			At:           now,
		})
		if err != nil {
			return err
		}

		// Step 6: Balance.
		delta := trade.Amount
		if locked.Side == domain.OrderSideBuy {
			delta = -delta
		}
		if _, err := s.AdjustBalance(ctx, locked.UserID, delta, locked.Side == domain.OrderSideBuy); err != nil {
			return err
		}
		user, err := s.GetUser(ctx, locked.UserID)
		if err != nil {
			return err
		}

		// Step 7: Order.
		avg := price
		if prev, ok := locked.AveragePrice(); ok {
			avg = domain.WeightedAverage(prev, locked.FilledQty, price, effective)
		}
		updated, err := s.CompareAndSetOrder(ctx, o.ID,
			func(x *domain.Order) bool {
				return x.Status == domain.OrderStatusPartiallyFilled && x.FilledQty == locked.FilledQty
			},
			func(x *domain.Order) {
				x.FilledQty += effective
				x.AvgFillPrice = avg.Ptr()
				if x.FilledQty == x.RequestedQty {
					x.Status = domain.OrderStatusFilled
				}
				x.ExecutedAt = &now
				x.UpdatedAt = now
			})
		if err != nil {
			return err
		}
		if updated == nil {
			return domain.Errorf(domain.ErrConflict, "order %s changed under its fill lock", o.ID)
		}

		s.AfterCommit(func() {
			m.emit(domain.EventTradeExecuted, trade.UserID, trade, now)
			m.emit(domain.EventPositionChanged, pos.UserID, &pos, now)
			m.emit(domain.EventBalanceChanged, user.ID, user, now)
			m.emit(domain.EventOrderStatusChanged, updated.UserID, updated.Clone(), now)
		})
		filled = updated
		return nil
	})
	metrics.FillDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FillsTotal.WithLabelValues(fillOutcome(err)).Inc()
		return nil, err
	}
	metrics.FillsTotal.WithLabelValues("filled").Inc()
	metrics.OrdersTotal.WithLabelValues(string(filled.Kind), string(filled.Status)).Inc()

	m.book.Upsert(filled)
	return filled, nil
}

// trigger moves a PENDING stop order to TRIGGERED.
func (m *Matcher) trigger(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	now := m.now()
	var next *domain.Order
	err := m.store.WithSession(ctx, func(ctx context.Context, s store.Session) error {
		updated, err := s.CompareAndSetOrder(ctx, o.ID,
			func(x *domain.Order) bool {
				return x.Status == domain.OrderStatusPending && x.Fillable()
			},
			func(x *domain.Order) {
				x.Status = domain.OrderStatusTriggered
				x.UpdatedAt = now
			})
		if err != nil {
			return err
		}
		if updated == nil {
			return domain.ErrAlreadyFilledOrTerminal
		}
		s.AfterCommit(func() {
			m.emit(domain.EventOrderStatusChanged, updated.UserID, updated.Clone(), now)
		})
		next = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(next.Kind), string(next.Status)).Inc()
	m.book.Upsert(next)
	return next, nil
}

// reject moves an unfilled live order to REJECTED with the reason of
// cause. If the order moved on in the meantime its current state is
// returned instead.
func (m *Matcher) reject(ctx context.Context, o *domain.Order, cause error) (*domain.Order, error) {
	now := m.now()
	reason := domain.Reason(cause)
	var rejected *domain.Order
	err := m.store.WithSession(ctx, func(ctx context.Context, s store.Session) error {
		updated, err := s.CompareAndSetOrder(ctx, o.ID,
			func(x *domain.Order) bool {
				return x.Status.IsLive() && x.FilledQty == 0
			},
			func(x *domain.Order) {
				x.Status = domain.OrderStatusRejected
				x.RejectReason = reason
				x.UpdatedAt = now
			})
		if err != nil {
			return err
		}
		if updated == nil {
			return domain.ErrAlreadyFilledOrTerminal
		}
		s.AfterCommit(func() {
			m.emit(domain.EventOrderStatusChanged, updated.UserID, updated.Clone(), now)
		})
		rejected = updated
		return nil
	})
	if errors.Is(err, domain.ErrAlreadyFilledOrTerminal) {
		return m.reload(ctx, o)
	}
	if err != nil {
		m.logger.Error("reject order",
			"order_id", o.ID,
			"reason", reason,
			"error", err,
		)
		return o, err
	}
	metrics.OrdersTotal.WithLabelValues(string(rejected.Kind), string(rejected.Status)).Inc()
	m.book.Remove(rejected.Symbol, rejected.ID)
	return rejected, nil
}

// settle maps a failed trigger or fill to the order's outcome: benign
// races return the current state, transient and invariant failures leave
// the order live, anything else rejects it.
func (m *Matcher) settle(ctx context.Context, o *domain.Order, err error) (*domain.Order, error) {
	switch {
	case domain.IsBenign(err):
		cur, rerr := m.reload(ctx, o)
		if rerr != nil {
			return cur, rerr
		}
		return cur, domain.ErrAlreadyFilledOrTerminal
	case errors.Is(err, domain.ErrInvariantViolation):
		m.logger.Error("invariant violation",
			"order_id", o.ID,
			"user_id", o.UserID,
			"symbol", o.Symbol,
			"error", err,
		)
		return o, err
	case errors.Is(err, domain.ErrBackendUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		m.logger.Warn("store unavailable, order left live",
			"order_id", o.ID,
			"error", err,
		)
		return o, err
	}
	return m.reject(ctx, o, err)
}

// reload returns the committed state of o and keeps the book in step
// with it.
func (m *Matcher) reload(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	cur, err := m.store.GetOrder(ctx, o.ID)
	if err != nil {
		return o, err
	}
	if !cur.Fillable() {
		m.book.Remove(cur.Symbol, cur.ID)
	}
	return cur, nil
}

func (m *Matcher) emit(typ string, user domain.UserID, payload any, at time.Time) {
	m.events.Publish(domain.Event{
		Type:       typ,
		UserID:     user,
		Payload:    payload,
		OccurredAt: at,
	})
}

func fillOutcome(err error) string {
	switch {
	case domain.IsBenign(err):
		return "benign"
	case errors.Is(err, domain.ErrInvariantViolation), errors.Is(err, domain.ErrBackendUnavailable):
		return "error"
	}
	return "rejected"
}
