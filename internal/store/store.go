// Package store persists users, instruments, orders, trades, positions
// and the payment ledger behind a transactional interface with three
// backends: Memory, Pebble and Postgres.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/efreitasn/tradecore/internal/domain"
)

// ErrNestedSession is returned when WithSession is called from inside a
// session callback.
var ErrNestedSession = errors.New("store: nested sessions are not supported")

// Store is the persistence boundary of the core. Reads outside a session
// see only committed state.
type Store interface {
	// WithSession runs fn in a transaction. The transaction commits when
	// fn returns nil and rolls back atomically when it returns an error.
	WithSession(ctx context.Context, fn func(ctx context.Context, s Session) error) error

	GetUser(ctx context.Context, id domain.UserID) (*domain.User, error)
	GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	ReadOrders(ctx context.Context, f OrderFilter) ([]*domain.Order, int, error)
	ReadPosition(ctx context.Context, user domain.UserID, inst domain.InstrumentID) (*domain.Position, error)
	ListPositions(ctx context.Context, user domain.UserID) ([]*domain.Position, error)
	ReadTrades(ctx context.Context, f TradeFilter) ([]*domain.Trade, int, error)
	GetInstrument(ctx context.Context, id domain.InstrumentID) (*domain.Instrument, error)
	GetInstrumentBySymbol(ctx context.Context, symbol string) (*domain.Instrument, error)
	ListInstruments(ctx context.Context) ([]*domain.Instrument, error)

	CreateUser(ctx context.Context, u *domain.User) error
	SetUserBanned(ctx context.Context, id domain.UserID, banned bool) error
	CreateInstrument(ctx context.Context, inst *domain.Instrument) error
	// PurgeTradesBefore deletes trades created before t and returns how
	// many were removed.
	PurgeTradesBefore(ctx context.Context, t time.Time) (int, error)

	Close() error
}

// Session is the transactional view handed to WithSession callbacks.
// Rows read through a session are locked until it ends.
type Session interface {
	FindOrderForUpdate(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	// CompareAndSetOrder loads the order, and if pred holds applies apply
	// to a copy and writes it back. It returns the updated order, or nil
	// when pred did not hold.
	CompareAndSetOrder(ctx context.Context, id domain.OrderID, pred func(*domain.Order) bool, apply func(*domain.Order)) (*domain.Order, error)
	InsertOrder(ctx context.Context, o *domain.Order) error
	// CountLiveOrders counts the user's live orders. Sessions that count
	// for the same user serialize, so a count followed by an insert in
	// one session cannot be overtaken by another.
	CountLiveOrders(ctx context.Context, user domain.UserID) (int, error)

	GetPosition(ctx context.Context, user domain.UserID, inst domain.InstrumentID) (*domain.Position, error)
	PutPosition(ctx context.Context, p *domain.Position) error
	DeletePosition(ctx context.Context, user domain.UserID, inst domain.InstrumentID) error

	AppendTrade(ctx context.Context, t *domain.Trade) error

	GetUser(ctx context.Context, id domain.UserID) (*domain.User, error)
	// AdjustBalance adds delta to the user's balance and returns the new
	// balance. A result below zero fails with ErrInsufficientFunds when
	// failIfNegative is set and ErrInvariantViolation otherwise.
	AdjustBalance(ctx context.Context, id domain.UserID, delta domain.Money, failIfNegative bool) (domain.Money, error)

	// FindLedgerEntry returns nil, nil when no entry has the key.
	FindLedgerEntry(ctx context.Context, key string) (*domain.LedgerEntry, error)
	AppendLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error

	// AfterCommit registers fn to run once the session commits. Callbacks
	// of one session run in registration order, and sessions run theirs
	// in commit order. They never run on rollback.
	AfterCommit(fn func())
}

// OrderFilter selects orders. Zero fields match everything. Results are
// newest first.
type OrderFilter struct {
	UserID   domain.UserID
	Symbol   string
	Statuses []domain.OrderStatus
	From     *time.Time // CreatedAt >= From
	To       *time.Time // CreatedAt < To
	// ExpiresBefore keeps only orders with an expiry at or before it.
	ExpiresBefore *time.Time
	Page          int // 1-based; 0 disables pagination
	Limit         int
}

// Match reports whether o satisfies the filter.
func (f OrderFilter) Match(o *domain.Order) bool {
	if f.UserID != "" && o.UserID != f.UserID {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
		return false
	}
	if f.From != nil && o.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !o.CreatedAt.Before(*f.To) {
		return false
	}
	if f.ExpiresBefore != nil && (o.ExpiresAt == nil || o.ExpiresAt.After(*f.ExpiresBefore)) {
		return false
	}
	return true
}

// liveOnly reports whether every requested status is live, which lets
// backends answer from their live-order index.
func (f OrderFilter) liveOnly() bool {
	if len(f.Statuses) == 0 {
		return false
	}
	for _, s := range f.Statuses {
		if !s.IsLive() {
			return false
		}
	}
	return true
}

// TradeFilter selects trades. Zero fields match everything. Results are
// newest first.
type TradeFilter struct {
	UserID  domain.UserID
	Symbol  string
	OrderID domain.OrderID
	From    *time.Time
	To      *time.Time
	Page    int
	Limit   int
}

// Match reports whether t satisfies the filter.
func (f TradeFilter) Match(t *domain.Trade) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Symbol != "" && t.Symbol != f.Symbol {
		return false
	}
	if f.OrderID != "" && t.OrderID != f.OrderID {
		return false
	}
	if f.From != nil && t.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !t.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func containsStatus(list []domain.OrderStatus, s domain.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// paginate returns the requested 1-based page of items along with the
// total count before pagination.
func paginate[T any](items []T, page, limit int) ([]T, int) {
	total := len(items)
	if page <= 0 || limit <= 0 {
		return items, total
	}
	start := (page - 1) * limit
	if start >= total {
		return []T{}, total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return items[start:end], total
}

func sortOrdersNewestFirst(orders []*domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
}

func sortTradesNewestFirst(trades []*domain.Trade) {
	sort.Slice(trades, func(i, j int) bool {
		if !trades[i].CreatedAt.Equal(trades[j].CreatedAt) {
			return trades[i].CreatedAt.After(trades[j].CreatedAt)
		}
		return trades[i].ID > trades[j].ID
	})
}

func sortPositions(ps []*domain.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Symbol < ps[j].Symbol })
}

func sortInstruments(is []*domain.Instrument) {
	sort.Slice(is, func(i, j int) bool { return is[i].Symbol < is[j].Symbol })
}

// newBalance applies delta to balance under the negative-balance rule
// shared by all backends.
func newBalance(id domain.UserID, balance, delta domain.Money, failIfNegative bool) (domain.Money, error) {
	next := balance + delta
	if (delta > 0 && next < balance) || (delta < 0 && next > balance) {
		return 0, domain.Errorf(domain.ErrInvariantViolation, "balance of user %s overflows", id)
	}
	if next < 0 {
		if failIfNegative {
			return 0, domain.Errorf(domain.ErrInsufficientFunds, "balance %d, required %d", balance, -delta)
		}
		return 0, domain.Errorf(domain.ErrInvariantViolation, "balance of user %s would become %d", id, next)
	}
	return next, nil
}

type sessionKey struct{}

func withSessionMarker(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey{}, true)
}

func inSession(ctx context.Context) bool {
	v, _ := ctx.Value(sessionKey{}).(bool)
	return v
}

// afterCommit collects the callbacks of one session.
type afterCommit struct {
	fns []func()
}

func (a *afterCommit) add(fn func()) {
	a.fns = append(a.fns, fn)
}

func (a *afterCommit) run() {
	for _, fn := range a.fns {
		fn()
	}
}
