package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/engine"
	"github.com/efreitasn/tradecore/internal/metrics"
	"github.com/efreitasn/tradecore/internal/position"
	"github.com/efreitasn/tradecore/internal/store"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// maxPageLimit caps the page size of every listing.
const maxPageLimit = 100

// SubmitOrderRequest represents the input for order submission. OrderID
// is optional; when set, resubmitting it resumes the same order instead
// of creating a new one.
type SubmitOrderRequest struct {
	OrderID    domain.OrderID
	Symbol     string
	Side       domain.OrderSide
	Kind       domain.OrderKind
	Quantity   domain.Quantity
	LimitPrice *domain.Money
	StopPrice  *domain.Money
	ExpiresAt  *time.Time
}

// OrderLimits bounds what a single user may submit. Zero disables a limit.
type OrderLimits struct {
	MaxOrderQty          domain.Quantity
	MaxOpenOrdersPerUser int
}

// OrderService handles order submission, cancellation and the read
// queries over orders, trades and positions.
type OrderService struct {
	store     store.Store
	matcher   *engine.Matcher
	quotes    engine.Quoter
	positions *position.Service
	events    engine.EventSink
	limits    OrderLimits
	now       func() time.Time
}

// NewOrderService creates a new OrderService with the given dependencies.
func NewOrderService(
	st store.Store,
	matcher *engine.Matcher,
	quotes engine.Quoter,
	positions *position.Service,
	events engine.EventSink,
	limits OrderLimits,
) *OrderService {
	return &OrderService{
		store:     st,
		matcher:   matcher,
		quotes:    quotes,
		positions: positions,
		events:    events,
		limits:    limits,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SubmitOrder validates the request, persists the order as PENDING and
// runs it through the matcher. The returned order is its state after
// that first evaluation: FILLED, parked, or REJECTED with a reason.
func (s *OrderService) SubmitOrder(ctx context.Context, userID domain.UserID, req SubmitOrderRequest) (*domain.Order, error) {
	if req.OrderID != "" {
		if !idRegex.MatchString(string(req.OrderID)) {
			return nil, &domain.ValidationError{Message: "order_id must match ^[a-zA-Z0-9_-]{1,64}$"}
		}
		existing, err := s.store.GetOrder(ctx, req.OrderID)
		switch {
		case err == nil:
			return s.resume(ctx, userID, existing)
		case !errors.Is(err, domain.ErrOrderNotFound):
			return nil, err
		}
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsBanned {
		return nil, domain.Errorf(domain.ErrValidation, "user %s is banned", userID)
	}

	symbol, err := domain.NormalizeSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}
	inst, err := s.store.GetInstrumentBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	now := s.now()
	id := req.OrderID
	if id == "" {
		id = domain.NewOrderID()
	}
	order := &domain.Order{
		ID:           id,
		UserID:       userID,
		InstrumentID: inst.ID,
		Symbol:       inst.Symbol,
		Side:         req.Side,
		Kind:         req.Kind,
		RequestedQty: req.Quantity,
		LimitPrice:   req.LimitPrice,
		StopPrice:    req.StopPrice,
		Status:       domain.OrderStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    req.ExpiresAt,
	}
	if err := order.ValidateShape(); err != nil {
		return nil, err
	}
	if s.limits.MaxOrderQty > 0 && order.RequestedQty > s.limits.MaxOrderQty {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("quantity must be at most %d", s.limits.MaxOrderQty),
		}
	}
	if order.ExpiresAt != nil {
		if !order.ExpiresAt.After(now) {
			return nil, &domain.ValidationError{Message: "expires_at must be a future timestamp"}
		}
		at := order.ExpiresAt.UTC()
		order.ExpiresAt = &at
	}

	// A missing or stale price is recorded as zero; the matcher decides
	// what that means for the kind.
	if px, err := s.quotes.Quote(order.Symbol, now); err == nil {
		order.MarketPriceAtSubmit = px
	}

	err = s.store.WithSession(ctx, func(ctx context.Context, sess store.Session) error {
		if err := s.checkOpenOrders(ctx, sess, userID); err != nil {
			return err
		}
		if err := sess.InsertOrder(ctx, order); err != nil {
			return err
		}
		created := order.Clone()
		sess.AfterCommit(func() {
			s.publish(domain.EventOrderStatusChanged, created, now)
		})
		return nil
	})
	if errors.Is(err, domain.ErrOrderAlreadyExists) && req.OrderID != "" {
		// Lost a race with a concurrent submission of the same id.
		existing, gerr := s.store.GetOrder(ctx, req.OrderID)
		if gerr != nil {
			return nil, gerr
		}
		return s.resume(ctx, userID, existing)
	}
	if err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(order.Kind), string(order.Status)).Inc()

	return s.process(ctx, order)
}

// resume continues processing of an order submitted before. Only the
// owner may resume it, and only while it is live.
func (s *OrderService) resume(ctx context.Context, userID domain.UserID, o *domain.Order) (*domain.Order, error) {
	if o.UserID != userID {
		return nil, domain.ErrOrderAlreadyExists
	}
	if !o.Fillable() {
		return o, domain.ErrAlreadyFilledOrTerminal
	}
	return s.process(ctx, o)
}

func (s *OrderService) process(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	got, err := s.matcher.ProcessOrder(ctx, o)
	if err != nil && domain.IsBenign(err) {
		// Someone else advanced the order; its current state is the answer.
		return got, nil
	}
	return got, err
}

// checkOpenOrders enforces the open-order cap. It runs in the session
// that inserts the order so concurrent submissions cannot overshoot it.
func (s *OrderService) checkOpenOrders(ctx context.Context, sess store.Session, userID domain.UserID) error {
	if s.limits.MaxOpenOrdersPerUser <= 0 {
		return nil
	}
	open, err := sess.CountLiveOrders(ctx, userID)
	if err != nil {
		return err
	}
	if open >= s.limits.MaxOpenOrdersPerUser {
		return &domain.ValidationError{
			Message: fmt.Sprintf("open order limit of %d reached", s.limits.MaxOpenOrdersPerUser),
		}
	}
	return nil
}

// CancelOrder cancels one of the user's live orders. An order that is
// already terminal fails with ErrCannotCancel.
func (s *OrderService) CancelOrder(ctx context.Context, userID domain.UserID, orderID domain.OrderID) (*domain.Order, error) {
	now := s.now()
	var cancelled *domain.Order
	err := s.store.WithSession(ctx, func(ctx context.Context, sess store.Session) error {
		cur, err := sess.FindOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.UserID != userID {
			return domain.ErrOrderNotFound
		}
		updated, err := sess.CompareAndSetOrder(ctx, orderID,
			func(x *domain.Order) bool { return x.Status.IsLive() },
			func(x *domain.Order) {
				x.Status = domain.OrderStatusCancelled
				x.UpdatedAt = now
			})
		if err != nil {
			return err
		}
		if updated == nil {
			return domain.Errorf(domain.ErrCannotCancel, "order %s is %s", orderID, cur.Status)
		}
		sess.AfterCommit(func() {
			s.publish(domain.EventOrderStatusChanged, updated.Clone(), now)
		})
		cancelled = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.matcher.Book().Remove(cancelled.Symbol, cancelled.ID)
	metrics.OrdersTotal.WithLabelValues(string(cancelled.Kind), string(cancelled.Status)).Inc()
	return cancelled, nil
}

// GetOrder returns one of the user's orders.
func (s *OrderService) GetOrder(ctx context.Context, userID domain.UserID, orderID domain.OrderID) (*domain.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

// GetOrders returns a page of the user's orders, newest first, along with
// the total number of matches.
func (s *OrderService) GetOrders(ctx context.Context, userID domain.UserID, f store.OrderFilter) ([]*domain.Order, int, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, 0, err
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, 0, &domain.ValidationError{
				Message: fmt.Sprintf("Invalid status filter: '%s'", st),
			}
		}
	}
	if f.Symbol != "" {
		sym, err := domain.NormalizeSymbol(f.Symbol)
		if err != nil {
			return nil, 0, err
		}
		f.Symbol = sym
	}
	page, limit, err := validatePage(f.Page, f.Limit)
	if err != nil {
		return nil, 0, err
	}
	if err := validateRange(f.From, f.To); err != nil {
		return nil, 0, err
	}
	f.UserID, f.Page, f.Limit = userID, page, limit
	return s.store.ReadOrders(ctx, f)
}

// GetTrades returns a page of the user's trades, newest first, along with
// the total number of matches.
func (s *OrderService) GetTrades(ctx context.Context, userID domain.UserID, f store.TradeFilter) ([]*domain.Trade, int, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, 0, err
	}
	if f.Symbol != "" {
		sym, err := domain.NormalizeSymbol(f.Symbol)
		if err != nil {
			return nil, 0, err
		}
		f.Symbol = sym
	}
	page, limit, err := validatePage(f.Page, f.Limit)
	if err != nil {
		return nil, 0, err
	}
	if err := validateRange(f.From, f.To); err != nil {
		return nil, 0, err
	}
	f.UserID, f.Page, f.Limit = userID, page, limit
	return s.store.ReadTrades(ctx, f)
}

// GetPosition returns the user's position in symbol.
func (s *OrderService) GetPosition(ctx context.Context, userID domain.UserID, symbol string) (*domain.Position, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	inst, err := s.store.GetInstrumentBySymbol(ctx, sym)
	if err != nil {
		return nil, err
	}
	return s.positions.Read(ctx, userID, inst.ID)
}

// ListPositions returns the user's positions ordered by symbol.
func (s *OrderService) ListPositions(ctx context.Context, userID domain.UserID) ([]*domain.Position, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.positions.List(ctx, userID)
}

func (s *OrderService) publish(typ string, o *domain.Order, at time.Time) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.Event{
		Type:       typ,
		UserID:     o.UserID,
		Payload:    o,
		OccurredAt: at,
	})
}

// validatePage applies the defaults page=1, limit=20.
func validatePage(page, limit int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = 20
	}
	if page < 1 {
		return 0, 0, &domain.ValidationError{Message: "page must be >= 1"}
	}
	if limit < 1 || limit > maxPageLimit {
		return 0, 0, &domain.ValidationError{
			Message: fmt.Sprintf("limit must be between 1 and %d", maxPageLimit),
		}
	}
	return page, limit, nil
}

func validateRange(from, to *time.Time) error {
	if from != nil && to != nil && !from.Before(*to) {
		return &domain.ValidationError{Message: "from must be before to"}
	}
	return nil
}
