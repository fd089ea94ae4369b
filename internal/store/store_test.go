package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efreitasn/tradecore/internal/domain"
)

// storeFactory returns a fresh store. Every backend runs the same suite.
type storeFactory func(t *testing.T) Store

// fixture holds ids unique to one test so backends shared between tests
// (postgres) never see each other's rows.
type fixture struct {
	user domain.UserID
	inst *domain.Instrument
	now  time.Time
}

func randomSymbol() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, 8)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// now is truncated to microseconds because postgres stores no finer.
func newFixture(t *testing.T, s Store, balance domain.Money) fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	user := domain.UserID("u-" + uuid.NewString())
	require.NoError(t, s.CreateUser(ctx, &domain.User{ID: user, Balance: balance, CreatedAt: now, UpdatedAt: now}))

	inst, err := domain.NewInstrument(randomSymbol(), "", now)
	require.NoError(t, err)
	require.NoError(t, s.CreateInstrument(ctx, inst))

	return fixture{user: user, inst: inst, now: now}
}

func (f fixture) order(kind domain.OrderKind, side domain.OrderSide, qty domain.Quantity, createdAt time.Time) *domain.Order {
	o := &domain.Order{
		ID:           domain.NewOrderID(),
		UserID:       f.user,
		InstrumentID: f.inst.ID,
		Symbol:       f.inst.Symbol,
		Side:         side,
		Kind:         kind,
		RequestedQty: qty,
		Status:       domain.OrderStatusPending,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	if kind == domain.OrderKindLimit {
		o.LimitPrice = domain.Money(10000).Ptr()
	}
	return o
}

func insertOrder(t *testing.T, s Store, o *domain.Order) {
	t.Helper()
	err := s.WithSession(context.Background(), func(ctx context.Context, sess Session) error {
		return sess.InsertOrder(ctx, o)
	})
	require.NoError(t, err)
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"Users", testUsers},
		{"Instruments", testInstruments},
		{"OrderInsertAndRead", testOrderInsertAndRead},
		{"CompareAndSetOrder", testCompareAndSetOrder},
		{"OrderInvariantsOnWrite", testOrderInvariantsOnWrite},
		{"RollbackDiscardsEverything", testRollbackDiscardsEverything},
		{"AfterCommitOrdering", testAfterCommitOrdering},
		{"AdjustBalance", testAdjustBalance},
		{"Positions", testPositions},
		{"Trades", testTrades},
		{"PurgeTrades", testPurgeTrades},
		{"Ledger", testLedger},
		{"ReadOrdersFilters", testReadOrdersFilters},
		{"NestedSession", testNestedSession},
		{"ConcurrentCompareAndSet", testConcurrentCompareAndSet},
		{"CountLiveOrders", testCountLiveOrders},
		{"ConcurrentCappedInserts", testConcurrentCappedInserts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			tt.fn(t, s)
		})
	}
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 5000)

	u, err := s.GetUser(ctx, f.user)
	require.NoError(t, err)
	assert.Equal(t, domain.Money(5000), u.Balance)
	assert.False(t, u.IsBanned)

	err = s.CreateUser(ctx, &domain.User{ID: f.user, CreatedAt: f.now, UpdatedAt: f.now})
	assert.ErrorIs(t, err, domain.ErrUserAlreadyExists)

	require.NoError(t, s.SetUserBanned(ctx, f.user, true))
	u, err = s.GetUser(ctx, f.user)
	require.NoError(t, err)
	assert.True(t, u.IsBanned)

	_, err = s.GetUser(ctx, "nobody-"+domain.UserID(uuid.NewString()))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.SetUserBanned(ctx, "nobody", true), domain.ErrUserNotFound)
}

func testInstruments(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)

	got, err := s.GetInstrumentBySymbol(ctx, f.inst.Symbol)
	require.NoError(t, err)
	assert.Equal(t, f.inst.ID, got.ID)

	got, err = s.GetInstrument(ctx, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, f.inst.Symbol, got.Symbol)

	dup, err := domain.NewInstrument(f.inst.Symbol, "dup", f.now)
	require.NoError(t, err)
	assert.ErrorIs(t, s.CreateInstrument(ctx, dup), domain.ErrSymbolAlreadyExists)

	list, err := s.ListInstruments(ctx)
	require.NoError(t, err)
	found := false
	for _, inst := range list {
		if inst.ID == f.inst.ID {
			found = true
		}
	}
	assert.True(t, found, "registered instrument missing from list")

	_, err = s.GetInstrumentBySymbol(ctx, "ZZZZZZZZZZ")
	assert.ErrorIs(t, err, domain.ErrSymbolNotFound)
}

func testOrderInsertAndRead(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)

	exp := f.now.Add(time.Hour)
	o := f.order(domain.OrderKindLimit, domain.OrderSideBuy, 10, f.now)
	o.ExpiresAt = &exp
	insertOrder(t, s, o)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Kind, got.Kind)
	assert.Equal(t, domain.Quantity(10), got.RequestedQty)
	require.NotNil(t, got.LimitPrice)
	assert.Equal(t, domain.Money(10000), *got.LimitPrice)
	assert.Nil(t, got.StopPrice)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(exp))

	err = s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		return sess.InsertOrder(ctx, o)
	})
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyExists)

	_, err = s.GetOrder(ctx, "missing-"+domain.OrderID(uuid.NewString()))
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func testCompareAndSetOrder(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)
	o := f.order(domain.OrderKindMarket, domain.OrderSideBuy, 5, f.now)
	insertOrder(t, s, o)

	var updated, skipped *domain.Order
	err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		var err error
		updated, err = sess.CompareAndSetOrder(ctx, o.ID,
			func(cur *domain.Order) bool { return cur.Status == domain.OrderStatusPending },
			func(next *domain.Order) { next.Status = domain.OrderStatusCancelled })
		if err != nil {
			return err
		}
		skipped, err = sess.CompareAndSetOrder(ctx, o.ID,
			func(cur *domain.Order) bool { return cur.Status == domain.OrderStatusPending },
			func(next *domain.Order) { next.Status = domain.OrderStatusExpired })
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, domain.OrderStatusCancelled, updated.Status)
	assert.Nil(t, skipped, "second CAS should observe the first")

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
}

func testOrderInvariantsOnWrite(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)
	o := f.order(domain.OrderKindMarket, domain.OrderSideBuy, 5, f.now)
	insertOrder(t, s, o)

	always := func(*domain.Order) bool { return true }
	err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		_, err := sess.CompareAndSetOrder(ctx, o.ID, always, func(next *domain.Order) { next.FilledQty = 6 })
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	err = s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		_, err := sess.CompareAndSetOrder(ctx, o.ID, always, func(next *domain.Order) {
			next.FilledQty = 5
			next.Status = domain.OrderStatusFilled
		})
		return err
	})
	require.NoError(t, err)

	err = s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		_, err := sess.CompareAndSetOrder(ctx, o.ID, always, func(next *domain.Order) { next.Status = domain.OrderStatusCancelled })
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation, "terminal status must be a sink")
}

func testRollbackDiscardsEverything(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 10000)
	o := f.order(domain.OrderKindMarket, domain.OrderSideBuy, 2, f.now)

	boom := errors.New("boom")
	ran := false
	err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		sess.AfterCommit(func() { ran = true })
		if err := sess.InsertOrder(ctx, o); err != nil {
			return err
		}
		if _, err := sess.AdjustBalance(ctx, f.user, -3000, true); err != nil {
			return err
		}
		if err := sess.PutPosition(ctx, &domain.Position{UserID: f.user, InstrumentID: f.inst.ID, Symbol: f.inst.Symbol, Quantity: 2, AvgCostBasis: 1500, UpdatedAt: f.now}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran, "after-commit callback ran on rollback")

	_, err = s.GetOrder(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	u, err := s.GetUser(ctx, f.user)
	require.NoError(t, err)
	assert.Equal(t, domain.Money(10000), u.Balance)
	_, err = s.ReadPosition(ctx, f.user, f.inst.ID)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func testAfterCommitOrdering(t *testing.T, s Store) {
	ctx := context.Background()
	var mu sync.Mutex
	var seen []int

	for i := 0; i < 3; i++ {
		i := i
		err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
			sess.AfterCommit(func() {
				mu.Lock()
				seen = append(seen, i*10)
				mu.Unlock()
			})
			sess.AfterCommit(func() {
				mu.Lock()
				seen = append(seen, i*10+1)
				mu.Unlock()
			})
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 1, 10, 11, 20, 21}, seen)
}

func testAdjustBalance(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 1000)

	var bal domain.Money
	err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		var err error
		bal, err = sess.AdjustBalance(ctx, f.user, -1000, true)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Money(0), bal, "spending the exact balance is allowed")

	err = s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		_, err := sess.AdjustBalance(ctx, f.user, -1, true)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	err = s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		_, err := sess.AdjustBalance(ctx, f.user, -1, false)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	err = s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		_, err := sess.AdjustBalance(ctx, "ghost", 1, true)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func testPositions(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)
	pos := &domain.Position{UserID: f.user, InstrumentID: f.inst.ID, Symbol: f.inst.Symbol, Quantity: 4, AvgCostBasis: 2500, UpdatedAt: f.now}

	err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		if _, err := sess.GetPosition(ctx, f.user, f.inst.ID); !errors.Is(err, domain.ErrPositionNotFound) {
			return fmt.Errorf("expected no position, got %v", err)
		}
		return sess.PutPosition(ctx, pos)
	})
	require.NoError(t, err)

	got, err := s.ReadPosition(ctx, f.user, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Quantity(4), got.Quantity)
	assert.Equal(t, domain.Money(2500), got.AvgCostBasis)

	list, err := s.ListPositions(ctx, f.user)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	err = s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		return sess.PutPosition(ctx, &domain.Position{UserID: f.user, InstrumentID: f.inst.ID, Symbol: f.inst.Symbol, Quantity: 0})
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation, "zero quantity rows are never stored")

	err = s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		return sess.DeletePosition(ctx, f.user, f.inst.ID)
	})
	require.NoError(t, err)
	list, err = s.ListPositions(ctx, f.user)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func appendTrade(t *testing.T, s Store, o *domain.Order, price domain.Money, qty domain.Quantity, at time.Time) *domain.Trade {
	t.Helper()
	tr, err := domain.NewTrade(o, price, qty, at)
	require.NoError(t, err)
	err = s.WithSession(context.Background(), func(ctx context.Context, sess Session) error {
		return sess.AppendTrade(ctx, tr)
	})
	require.NoError(t, err)
	return tr
}

func testTrades(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)
	o := f.order(domain.OrderKindMarket, domain.OrderSideBuy, 10, f.now)
	insertOrder(t, s, o)

	for i := 0; i < 3; i++ {
		appendTrade(t, s, o, 1000+domain.Money(i), 1, f.now.Add(time.Duration(i)*time.Second))
	}

	trades, total, err := s.ReadTrades(ctx, TradeFilter{UserID: f.user, Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.Money(1002), trades[0].Price, "newest first")
	for _, tr := range trades {
		assert.Equal(t, tr.Price.Mul(tr.Quantity), tr.Amount)
	}

	trades, _, err = s.ReadTrades(ctx, TradeFilter{UserID: f.user, OrderID: o.ID, From: ptrTime(f.now.Add(time.Second))})
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	bad := &domain.Trade{ID: domain.TradeID(uuid.NewString()), UserID: f.user, InstrumentID: f.inst.ID, Symbol: f.inst.Symbol, OrderID: o.ID, Side: o.Side, Quantity: 2, Price: 100, Amount: 201, CreatedAt: f.now}
	err = s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		return sess.AppendTrade(ctx, bad)
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func testPurgeTrades(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)
	o := f.order(domain.OrderKindMarket, domain.OrderSideBuy, 10, f.now)
	insertOrder(t, s, o)

	old := appendTrade(t, s, o, 100, 1, f.now.Add(-48*time.Hour))
	recent := appendTrade(t, s, o, 100, 1, f.now)

	n, err := s.PurgeTradesBefore(ctx, f.now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	trades, _, err := s.ReadTrades(ctx, TradeFilter{UserID: f.user})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, recent.ID, trades[0].ID)
	assert.NotEqual(t, old.ID, trades[0].ID)
}

func testLedger(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)
	key := "dep-" + uuid.NewString()

	err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		e, err := sess.FindLedgerEntry(ctx, key)
		if err != nil {
			return err
		}
		if e != nil {
			return fmt.Errorf("unexpected entry %+v", e)
		}
		return sess.AppendLedgerEntry(ctx, &domain.LedgerEntry{
			IdempotencyKey: key, UserID: f.user, Direction: domain.LedgerCredit,
			Amount: 500, BalanceAfter: 500, CreatedAt: f.now,
		})
	})
	require.NoError(t, err)

	var found *domain.LedgerEntry
	err = s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		var err error
		found, err = sess.FindLedgerEntry(ctx, key)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.Matches(f.user, domain.LedgerCredit, 500))
	assert.Equal(t, domain.Money(500), found.BalanceAfter)

	err = s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		return sess.AppendLedgerEntry(ctx, &domain.LedgerEntry{
			IdempotencyKey: key, UserID: f.user, Direction: domain.LedgerCredit,
			Amount: 500, BalanceAfter: 1000, CreatedAt: f.now,
		})
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func testReadOrdersFilters(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)

	var ids []domain.OrderID
	for i := 0; i < 5; i++ {
		o := f.order(domain.OrderKindMarket, domain.OrderSideBuy, 1, f.now.Add(time.Duration(i)*time.Minute))
		if i == 1 {
			exp := f.now.Add(-time.Minute)
			o.ExpiresAt = &exp
		}
		insertOrder(t, s, o)
		ids = append(ids, o.ID)
	}
	err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		_, err := sess.CompareAndSetOrder(ctx, ids[0],
			func(*domain.Order) bool { return true },
			func(next *domain.Order) { next.Status = domain.OrderStatusCancelled })
		return err
	})
	require.NoError(t, err)

	all, total, err := s.ReadOrders(ctx, OrderFilter{UserID: f.user, Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, all, 2)
	assert.Equal(t, ids[4], all[0].ID, "newest first")

	live, total, err := s.ReadOrders(ctx, OrderFilter{UserID: f.user, Statuses: domain.LiveStatuses})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, live, 4)

	page, total, err := s.ReadOrders(ctx, OrderFilter{UserID: f.user, Page: 9, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, page)

	// Live-index path: no user, only live statuses.
	expired, _, err := s.ReadOrders(ctx, OrderFilter{Statuses: domain.LiveStatuses, ExpiresBefore: &f.now})
	require.NoError(t, err)
	found := false
	for _, o := range expired {
		if o.ID == ids[1] {
			found = true
		}
		assert.NotEqual(t, ids[0], o.ID, "cancelled order must not be live")
	}
	assert.True(t, found, "expired live order missing from scan")
}

func testNestedSession(t *testing.T, s Store) {
	err := s.WithSession(context.Background(), func(ctx context.Context, _ Session) error {
		return s.WithSession(ctx, func(context.Context, Session) error { return nil })
	})
	assert.ErrorIs(t, err, ErrNestedSession)
}

// testConcurrentCompareAndSet races many sessions for one transition and
// expects exactly one winner.
func testConcurrentCompareAndSet(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)
	o := f.order(domain.OrderKindMarket, domain.OrderSideBuy, 1, f.now)
	insertOrder(t, s, o)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
				next, err := sess.CompareAndSetOrder(ctx, o.ID,
					func(cur *domain.Order) bool { return cur.Fillable() },
					func(next *domain.Order) {
						next.FilledQty = next.RequestedQty
						next.Status = domain.OrderStatusFilled
					})
				if err != nil {
					return err
				}
				if next != nil {
					sess.AfterCommit(func() { winners.Add(1) })
				}
				return nil
			})
			if err != nil && !domain.IsBenign(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func testCountLiveOrders(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)
	other := newFixture(t, s, 0)

	live := f.order(domain.OrderKindLimit, domain.OrderSideBuy, 1, f.now)
	done := f.order(domain.OrderKindLimit, domain.OrderSideBuy, 1, f.now)
	insertOrder(t, s, live)
	insertOrder(t, s, done)
	insertOrder(t, s, other.order(domain.OrderKindLimit, domain.OrderSideBuy, 1, f.now))
	require.NoError(t, s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		_, err := sess.CompareAndSetOrder(ctx, done.ID,
			func(cur *domain.Order) bool { return cur.Status.IsLive() },
			func(next *domain.Order) { next.Status = domain.OrderStatusCancelled })
		return err
	}))

	var n int
	err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		extra := f.order(domain.OrderKindLimit, domain.OrderSideSell, 1, f.now)
		if err := sess.InsertOrder(ctx, extra); err != nil {
			return err
		}
		var err error
		n, err = sess.CountLiveOrders(ctx, f.user)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "count sees committed and in-session live orders only")
}

// testConcurrentCappedInserts runs count-then-insert sessions for one
// user in parallel; the cap must hold however they interleave.
func testConcurrentCappedInserts(t *testing.T, s Store) {
	ctx := context.Background()
	f := newFixture(t, s, 0)
	const limit = 3

	var conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := f.order(domain.OrderKindLimit, domain.OrderSideBuy, 1, f.now)
			err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
				n, err := sess.CountLiveOrders(ctx, f.user)
				if err != nil {
					return err
				}
				if n >= limit {
					return domain.ErrValidation
				}
				return sess.InsertOrder(ctx, o)
			})
			switch {
			case err == nil, errors.Is(err, domain.ErrValidation):
			case errors.Is(err, domain.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	_, total, err := s.ReadOrders(ctx, OrderFilter{UserID: f.user, Statuses: domain.LiveStatuses})
	require.NoError(t, err)
	assert.LessOrEqual(t, total, limit)
	if conflicts.Load() == 0 {
		assert.Equal(t, limit, total)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
