package store

import (
	"context"
	"sync"
	"time"

	"github.com/efreitasn/tradecore/internal/domain"
)

type positionKey struct {
	user domain.UserID
	inst domain.InstrumentID
}

// Memory is a thread-safe in-process Store. Sessions are serialized by a
// single write lock and roll back through an undo log.
type Memory struct {
	mu sync.RWMutex
	// publishMu is taken before mu is released on commit so that
	// after-commit callbacks run in commit order without holding mu.
	publishMu sync.Mutex

	users       map[domain.UserID]*domain.User
	instruments map[domain.InstrumentID]*domain.Instrument
	bySymbol    map[string]domain.InstrumentID
	orders      map[domain.OrderID]*domain.Order
	userOrders  map[domain.UserID][]domain.OrderID // append-only
	liveOrders  map[domain.OrderID]struct{}
	trades      map[domain.TradeID]*domain.Trade
	positions   map[positionKey]*domain.Position
	ledger      map[string]*domain.LedgerEntry
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[domain.UserID]*domain.User),
		instruments: make(map[domain.InstrumentID]*domain.Instrument),
		bySymbol:    make(map[string]domain.InstrumentID),
		orders:      make(map[domain.OrderID]*domain.Order),
		userOrders:  make(map[domain.UserID][]domain.OrderID),
		liveOrders:  make(map[domain.OrderID]struct{}),
		trades:      make(map[domain.TradeID]*domain.Trade),
		positions:   make(map[positionKey]*domain.Position),
		ledger:      make(map[string]*domain.LedgerEntry),
	}
}

// WithSession runs fn under the write lock.
func (m *Memory) WithSession(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	if inSession(ctx) {
		return ErrNestedSession
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	sess := &memorySession{m: m}
	err := runSession(withSessionMarker(ctx), sess, fn)
	if err != nil {
		sess.rollback()
		m.mu.Unlock()
		return err
	}

	m.publishMu.Lock()
	m.mu.Unlock()
	sess.callbacks.run()
	m.publishMu.Unlock()
	return nil
}

// runSession calls fn and turns a panic into an error so the caller can
// roll back.
func runSession(ctx context.Context, s Session, fn func(context.Context, Session) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Errorf(domain.ErrInvariantViolation, "panic in session: %v", r)
		}
	}()
	return fn(ctx, s)
}

func (m *Memory) GetUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return u.Clone(), nil
}

func (m *Memory) GetOrder(_ context.Context, id domain.OrderID) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// ReadOrders answers from the user index when a user is given, from the
// live index when only live statuses are requested, and by a full scan
// otherwise.
func (m *Memory) ReadOrders(_ context.Context, f OrderFilter) ([]*domain.Order, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Order
	collect := func(id domain.OrderID) {
		if o := m.orders[id]; o != nil && f.Match(o) {
			out = append(out, o.Clone())
		}
	}
	switch {
	case f.UserID != "":
		for _, id := range m.userOrders[f.UserID] {
			collect(id)
		}
	case f.liveOnly():
		for id := range m.liveOrders {
			collect(id)
		}
	default:
		for id := range m.orders {
			collect(id)
		}
	}

	sortOrdersNewestFirst(out)
	page, total := paginate(out, f.Page, f.Limit)
	return page, total, nil
}

func (m *Memory) ReadPosition(_ context.Context, user domain.UserID, inst domain.InstrumentID) (*domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[positionKey{user, inst}]
	if !ok {
		return nil, domain.ErrPositionNotFound
	}
	c := *p
	return &c, nil
}

func (m *Memory) ListPositions(_ context.Context, user domain.UserID) ([]*domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Position, 0)
	for k, p := range m.positions {
		if k.user == user {
			c := *p
			out = append(out, &c)
		}
	}
	sortPositions(out)
	return out, nil
}

func (m *Memory) ReadTrades(_ context.Context, f TradeFilter) ([]*domain.Trade, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Trade, 0)
	for _, t := range m.trades {
		if f.Match(t) {
			c := *t
			out = append(out, &c)
		}
	}
	sortTradesNewestFirst(out)
	page, total := paginate(out, f.Page, f.Limit)
	return page, total, nil
}

func (m *Memory) GetInstrument(_ context.Context, id domain.InstrumentID) (*domain.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instruments[id]
	if !ok {
		return nil, domain.ErrSymbolNotFound
	}
	c := *inst
	return &c, nil
}

func (m *Memory) GetInstrumentBySymbol(_ context.Context, symbol string) (*domain.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySymbol[symbol]
	if !ok {
		return nil, domain.ErrSymbolNotFound
	}
	c := *m.instruments[id]
	return &c, nil
}

func (m *Memory) ListInstruments(_ context.Context) ([]*domain.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Instrument, 0, len(m.instruments))
	for _, inst := range m.instruments {
		c := *inst
		out = append(out, &c)
	}
	sortInstruments(out)
	return out, nil
}

// CreateUser returns domain.ErrUserAlreadyExists for a duplicate id.
func (m *Memory) CreateUser(_ context.Context, u *domain.User) error {
	if u.Balance < 0 {
		return domain.Errorf(domain.ErrInvariantViolation, "negative opening balance")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[u.ID]; exists {
		return domain.ErrUserAlreadyExists
	}
	m.users[u.ID] = u.Clone()
	return nil
}

func (m *Memory) SetUserBanned(_ context.Context, id domain.UserID, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.IsBanned = banned
	u.UpdatedAt = time.Now()
	return nil
}

// CreateInstrument returns domain.ErrSymbolAlreadyExists when the symbol
// is taken.
func (m *Memory) CreateInstrument(_ context.Context, inst *domain.Instrument) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySymbol[inst.Symbol]; exists {
		return domain.ErrSymbolAlreadyExists
	}
	if _, exists := m.instruments[inst.ID]; exists {
		return domain.ErrSymbolAlreadyExists
	}
	c := *inst
	m.instruments[inst.ID] = &c
	m.bySymbol[inst.Symbol] = inst.ID
	return nil
}

func (m *Memory) PurgeTradesBefore(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, tr := range m.trades {
		if tr.CreatedAt.Before(t) {
			delete(m.trades, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

// memorySession mutates the maps in place and records how to undo each
// change.
type memorySession struct {
	m         *Memory
	undo      []func()
	callbacks afterCommit
}

func (s *memorySession) rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
}

func (s *memorySession) FindOrderForUpdate(_ context.Context, id domain.OrderID) (*domain.Order, error) {
	o, ok := s.m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *memorySession) CompareAndSetOrder(_ context.Context, id domain.OrderID, pred func(*domain.Order) bool, apply func(*domain.Order)) (*domain.Order, error) {
	cur, ok := s.m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if !pred(cur.Clone()) {
		return nil, nil
	}
	next := cur.Clone()
	apply(next)
	if err := checkOrderTransition(cur, next); err != nil {
		return nil, err
	}
	s.putOrder(cur, next)
	return next.Clone(), nil
}

func (s *memorySession) InsertOrder(_ context.Context, o *domain.Order) error {
	if _, exists := s.m.orders[o.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	if _, ok := s.m.users[o.UserID]; !ok {
		return domain.ErrUserNotFound
	}
	if _, ok := s.m.instruments[o.InstrumentID]; !ok {
		return domain.ErrSymbolNotFound
	}
	s.putOrder(nil, o.Clone())

	user := o.UserID
	s.m.userOrders[user] = append(s.m.userOrders[user], o.ID)
	s.undo = append(s.undo, func() {
		ids := s.m.userOrders[user]
		s.m.userOrders[user] = ids[:len(ids)-1]
	})
	return nil
}

func (s *memorySession) CountLiveOrders(_ context.Context, user domain.UserID) (int, error) {
	n := 0
	for _, id := range s.m.userOrders[user] {
		if _, live := s.m.liveOrders[id]; live {
			n++
		}
	}
	return n, nil
}

// putOrder stores next in place of prev (nil for an insert) and keeps the
// live index current.
func (s *memorySession) putOrder(prev, next *domain.Order) {
	id := next.ID
	_, wasLive := s.m.liveOrders[id]
	s.m.orders[id] = next
	if next.Status.IsLive() {
		s.m.liveOrders[id] = struct{}{}
	} else {
		delete(s.m.liveOrders, id)
	}
	s.undo = append(s.undo, func() {
		if prev == nil {
			delete(s.m.orders, id)
		} else {
			s.m.orders[id] = prev
		}
		if wasLive {
			s.m.liveOrders[id] = struct{}{}
		} else {
			delete(s.m.liveOrders, id)
		}
	})
}

func (s *memorySession) GetPosition(_ context.Context, user domain.UserID, inst domain.InstrumentID) (*domain.Position, error) {
	p, ok := s.m.positions[positionKey{user, inst}]
	if !ok {
		return nil, domain.ErrPositionNotFound
	}
	c := *p
	return &c, nil
}

func (s *memorySession) PutPosition(_ context.Context, p *domain.Position) error {
	if p.Quantity <= 0 {
		return domain.Errorf(domain.ErrInvariantViolation, "position quantity %d must be positive", p.Quantity)
	}
	k := positionKey{p.UserID, p.InstrumentID}
	prev, existed := s.m.positions[k]
	c := *p
	s.m.positions[k] = &c
	s.undo = append(s.undo, func() {
		if existed {
			s.m.positions[k] = prev
		} else {
			delete(s.m.positions, k)
		}
	})
	return nil
}

func (s *memorySession) DeletePosition(_ context.Context, user domain.UserID, inst domain.InstrumentID) error {
	k := positionKey{user, inst}
	prev, ok := s.m.positions[k]
	if !ok {
		return domain.ErrPositionNotFound
	}
	delete(s.m.positions, k)
	s.undo = append(s.undo, func() { s.m.positions[k] = prev })
	return nil
}

func (s *memorySession) AppendTrade(_ context.Context, t *domain.Trade) error {
	if _, exists := s.m.trades[t.ID]; exists {
		return domain.Errorf(domain.ErrConflict, "trade %s already exists", t.ID)
	}
	if err := checkTrade(t); err != nil {
		return err
	}
	if _, ok := s.m.orders[t.OrderID]; !ok {
		return domain.ErrOrderNotFound
	}
	c := *t
	s.m.trades[t.ID] = &c
	s.undo = append(s.undo, func() { delete(s.m.trades, t.ID) })
	return nil
}

func (s *memorySession) GetUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	u, ok := s.m.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return u.Clone(), nil
}

func (s *memorySession) AdjustBalance(_ context.Context, id domain.UserID, delta domain.Money, failIfNegative bool) (domain.Money, error) {
	u, ok := s.m.users[id]
	if !ok {
		return 0, domain.ErrUserNotFound
	}
	next, err := newBalance(id, u.Balance, delta, failIfNegative)
	if err != nil {
		return 0, err
	}
	prevBalance, prevUpdated := u.Balance, u.UpdatedAt
	u.Balance = next
	u.UpdatedAt = time.Now()
	s.undo = append(s.undo, func() {
		u.Balance = prevBalance
		u.UpdatedAt = prevUpdated
	})
	return next, nil
}

func (s *memorySession) FindLedgerEntry(_ context.Context, key string) (*domain.LedgerEntry, error) {
	e, ok := s.m.ledger[key]
	if !ok {
		return nil, nil
	}
	c := *e
	return &c, nil
}

func (s *memorySession) AppendLedgerEntry(_ context.Context, e *domain.LedgerEntry) error {
	if _, exists := s.m.ledger[e.IdempotencyKey]; exists {
		return domain.Errorf(domain.ErrConflict, "ledger entry %q already exists", e.IdempotencyKey)
	}
	c := *e
	s.m.ledger[e.IdempotencyKey] = &c
	s.undo = append(s.undo, func() { delete(s.m.ledger, e.IdempotencyKey) })
	return nil
}

func (s *memorySession) AfterCommit(fn func()) {
	s.callbacks.add(fn)
}

// checkOrderTransition enforces the fill invariants every backend
// guarantees on write.
func checkOrderTransition(prev, next *domain.Order) error {
	if next.FilledQty < prev.FilledQty {
		return domain.Errorf(domain.ErrInvariantViolation, "order %s filled quantity decreased from %d to %d", prev.ID, prev.FilledQty, next.FilledQty)
	}
	if next.FilledQty > next.RequestedQty {
		return domain.Errorf(domain.ErrInvariantViolation, "order %s filled %d of %d", prev.ID, next.FilledQty, next.RequestedQty)
	}
	if prev.Status.IsTerminal() && next.Status != prev.Status {
		return domain.Errorf(domain.ErrInvariantViolation, "order %s left terminal status %s", prev.ID, prev.Status)
	}
	return nil
}

func checkTrade(t *domain.Trade) error {
	amount, ok := t.Price.MulChecked(t.Quantity)
	if !ok || amount != t.Amount || t.Quantity <= 0 || t.Price <= 0 {
		return domain.Errorf(domain.ErrInvariantViolation, "trade %s amount %d does not equal %d x %d", t.ID, t.Amount, t.Price, t.Quantity)
	}
	return nil
}

var _ Store = (*Memory)(nil)

