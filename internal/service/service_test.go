package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/engine"
	"github.com/efreitasn/tradecore/internal/events"
	"github.com/efreitasn/tradecore/internal/feed"
	"github.com/efreitasn/tradecore/internal/position"
	"github.com/efreitasn/tradecore/internal/store"
)

// tb is the part of testing.TB that the helpers need, so they also work
// inside rapid properties.
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingSink) Publish(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) ofType(typ string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv wires every service to one in-memory store.
type testEnv struct {
	ctx       context.Context
	store     *store.Memory
	feed      *feed.Feed
	book      *engine.Book
	matcher   *engine.Matcher
	positions *position.Service
	events    *recordingSink
	orders    *OrderService
	accounts  *AccountService
	market    *MarketService
}

func newTestEnv(limits OrderLimits) *testEnv {
	return newTestEnvWithStale(limits, 0)
}

func newTestEnvWithStale(limits OrderLimits, staleAfter time.Duration) *testEnv {
	mem := store.NewMemory()
	fd := feed.New(staleAfter, discardLogger())
	book := engine.NewBook()
	positions := position.NewService(mem)
	sink := &recordingSink{}
	bus := events.NewBus(sink)
	m := engine.NewMatcher(mem, fd, book, positions, bus, discardLogger())
	fd.Subscribe(m.OnPriceTick)

	return &testEnv{
		ctx:       context.Background(),
		store:     mem,
		feed:      fd,
		book:      book,
		matcher:   m,
		positions: positions,
		events:    sink,
		orders:    NewOrderService(mem, m, fd, positions, bus, limits),
		accounts:  NewAccountService(mem, bus),
		market:    NewMarketService(mem, fd, book),
	}
}

// user registers an account funded with balance.
func (env *testEnv) user(t tb, id string, balance domain.Money) domain.UserID {
	t.Helper()
	u, err := env.accounts.RegisterUser(env.ctx, RegisterUserRequest{UserID: domain.UserID(id)})
	if err != nil {
		t.Fatalf("register user %s: %v", id, err)
	}
	if balance > 0 {
		if _, err := env.accounts.CreditBalance(env.ctx, u.ID, balance, "seed-"+id); err != nil {
			t.Fatalf("fund user %s: %v", id, err)
		}
	}
	return u.ID
}

func (env *testEnv) instrument(t tb, symbol string) {
	t.Helper()
	if _, err := env.store.GetInstrumentBySymbol(env.ctx, symbol); err == nil {
		return
	}
	if _, err := env.market.RegisterInstrument(env.ctx, symbol, ""); err != nil {
		t.Fatalf("register instrument %s: %v", symbol, err)
	}
}

func (env *testEnv) tick(t tb, symbol string, price domain.Money) {
	t.Helper()
	env.instrument(t, symbol)
	if _, err := env.market.PublishTick(env.ctx, symbol, TickInput{Price: price}); err != nil {
		t.Fatalf("tick %s: %v", symbol, err)
	}
}

// holding gives the user qty shares bought at price, funding the
// purchase first.
func (env *testEnv) holding(t tb, user domain.UserID, symbol string, qty domain.Quantity, price domain.Money) {
	t.Helper()
	env.tick(t, symbol, price)
	key := "holding-" + string(user) + "-" + symbol + "-" + time.Now().Format(time.RFC3339Nano)
	if _, err := env.accounts.CreditBalance(env.ctx, user, price.Mul(qty), key); err != nil {
		t.Fatalf("fund holding: %v", err)
	}
	o, err := env.orders.SubmitOrder(env.ctx, user, SubmitOrderRequest{
		Symbol: symbol, Side: domain.OrderSideBuy, Kind: domain.OrderKindMarket, Quantity: qty,
	})
	if err != nil || o.Status != domain.OrderStatusFilled {
		t.Fatalf("buy holding: %v (%+v)", err, o)
	}
}

func (env *testEnv) balance(t tb, user domain.UserID) domain.Money {
	t.Helper()
	u, err := env.accounts.GetUser(env.ctx, user)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.Balance
}

func moneyPtr(m domain.Money) *domain.Money {
	return &m
}

func futureTime() *time.Time {
	t := time.Now().Add(24 * time.Hour)
	return &t
}
