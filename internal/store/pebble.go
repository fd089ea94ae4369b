package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/efreitasn/tradecore/internal/domain"
)

// Key layout. Separators are NUL so one id can never be a prefix of
// another id's keys.
//
//	u/<user>                          user
//	i/<inst>                          instrument
//	is/<symbol>                       instrument id
//	o/<order>                         order
//	ou/<user>\x00<order>              user order index
//	ol/<order>                        live order index
//	t/<trade>                         trade
//	tt/<nanos>\x00<trade>             trade time index
//	tu/<user>\x00<nanos>\x00<trade>   user trade index
//	p/<user>\x00<inst>                position
//	l/<key>                           payment ledger
func kUser(id domain.UserID) []byte             { return key("u/", string(id)) }
func kInstrument(id domain.InstrumentID) []byte { return key("i/", string(id)) }
func kSymbol(sym string) []byte                 { return key("is/", sym) }
func kOrder(id domain.OrderID) []byte           { return key("o/", string(id)) }
func kLive(id domain.OrderID) []byte            { return key("ol/", string(id)) }
func kTrade(id domain.TradeID) []byte           { return key("t/", string(id)) }
func kLedger(k string) []byte                   { return key("l/", k) }

func kUserOrder(user domain.UserID, id domain.OrderID) []byte {
	return key("ou/", string(user), string(id))
}

func kPosition(user domain.UserID, inst domain.InstrumentID) []byte {
	return key("p/", string(user), string(inst))
}

func kTradeTime(t *domain.Trade) []byte {
	return key("tt/", nanos(t.CreatedAt), string(t.ID))
}

func kUserTrade(t *domain.Trade) []byte {
	return key("tu/", string(t.UserID), nanos(t.CreatedAt), string(t.ID))
}

func key(prefix string, parts ...string) []byte {
	var b bytes.Buffer
	b.WriteString(prefix)
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(p)
	}
	return b.Bytes()
}

// nanos encodes t so that byte order matches time order.
func nanos(t time.Time) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	return string(b[:])
}

// keyUpperBound returns the smallest key greater than every key with
// the given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleWriter interface {
	Set(key, value []byte, opts *pebble.WriteOptions) error
	Delete(key []byte, opts *pebble.WriteOptions) error
}

func unavailable(op string, err error) error {
	return domain.Errorf(domain.ErrBackendUnavailable, "pebble %s: %v", op, err)
}

// getJSON decodes the value under k into v and reports whether it
// existed.
func getJSON(r pebbleReader, k []byte, v any) (bool, error) {
	val, closer, err := r.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("get", err)
	}
	defer closer.Close()
	if err := json.Unmarshal(val, v); err != nil {
		return false, domain.Errorf(domain.ErrInvariantViolation, "decode %q: %v", k, err)
	}
	return true, nil
}

func setJSON(w pebbleWriter, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return domain.Errorf(domain.ErrInvariantViolation, "encode %q: %v", k, err)
	}
	if err := w.Set(k, data, nil); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func exists(r pebbleReader, k []byte) (bool, error) {
	_, closer, err := r.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("get", err)
	}
	closer.Close()
	return true, nil
}

// scanPrefix calls fn with a copy of every key under prefix in order.
func scanPrefix(r pebbleReader, prefix []byte, fn func(k, v []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return unavailable("iter", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Pebble is a Store on an embedded cockroachdb/pebble database. Sessions
// are indexed batches committed with pebble.Sync under a single-writer
// lock.
type Pebble struct {
	db        *pebble.DB
	writeMu   sync.Mutex
	publishMu sync.Mutex
}

// OpenPebble opens or creates a database at path.
func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, unavailable("open", err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Close() error { return p.db.Close() }

func (p *Pebble) WithSession(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	if inSession(ctx) {
		return ErrNestedSession
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.writeMu.Lock()
	batch := p.db.NewIndexedBatch()
	sess := &pebbleSession{b: batch}
	err := runSession(withSessionMarker(ctx), sess, fn)
	if err == nil {
		if cerr := batch.Commit(pebble.Sync); cerr != nil {
			err = unavailable("commit", cerr)
		}
	}
	batch.Close()
	if err != nil {
		p.writeMu.Unlock()
		return err
	}

	p.publishMu.Lock()
	p.writeMu.Unlock()
	sess.callbacks.run()
	p.publishMu.Unlock()
	return nil
}

func (p *Pebble) GetUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	return getUser(p.db, id)
}

func getUser(r pebbleReader, id domain.UserID) (*domain.User, error) {
	var u domain.User
	ok, err := getJSON(r, kUser(id), &u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

func (p *Pebble) GetOrder(_ context.Context, id domain.OrderID) (*domain.Order, error) {
	return getOrder(p.db, id)
}

func getOrder(r pebbleReader, id domain.OrderID) (*domain.Order, error) {
	var o domain.Order
	ok, err := getJSON(r, kOrder(id), &o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

func (p *Pebble) ReadOrders(_ context.Context, f OrderFilter) ([]*domain.Order, int, error) {
	snap := p.db.NewSnapshot()
	defer snap.Close()

	var out []*domain.Order
	visit := func(id domain.OrderID) error {
		o, err := getOrder(snap, id)
		if err != nil {
			return err
		}
		if f.Match(o) {
			out = append(out, o)
		}
		return nil
	}

	var err error
	switch {
	case f.UserID != "":
		prefix := append(key("ou/", string(f.UserID)), 0)
		err = scanPrefix(snap, prefix, func(k, _ []byte) error {
			return visit(domain.OrderID(k[len(prefix):]))
		})
	case f.liveOnly():
		prefix := []byte("ol/")
		err = scanPrefix(snap, prefix, func(k, _ []byte) error {
			return visit(domain.OrderID(k[len(prefix):]))
		})
	default:
		err = scanPrefix(snap, []byte("o/"), func(_, v []byte) error {
			var o domain.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return domain.Errorf(domain.ErrInvariantViolation, "decode order: %v", err)
			}
			if f.Match(&o) {
				out = append(out, &o)
			}
			return nil
		})
	}
	if err != nil {
		return nil, 0, err
	}

	sortOrdersNewestFirst(out)
	page, total := paginate(out, f.Page, f.Limit)
	return page, total, nil
}

func (p *Pebble) ReadPosition(_ context.Context, user domain.UserID, inst domain.InstrumentID) (*domain.Position, error) {
	return getPosition(p.db, user, inst)
}

func getPosition(r pebbleReader, user domain.UserID, inst domain.InstrumentID) (*domain.Position, error) {
	var pos domain.Position
	ok, err := getJSON(r, kPosition(user, inst), &pos)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrPositionNotFound
	}
	return &pos, nil
}

func (p *Pebble) ListPositions(_ context.Context, user domain.UserID) ([]*domain.Position, error) {
	out := make([]*domain.Position, 0)
	prefix := append(key("p/", string(user)), 0)
	err := scanPrefix(p.db, prefix, func(_, v []byte) error {
		var pos domain.Position
		if err := json.Unmarshal(v, &pos); err != nil {
			return domain.Errorf(domain.ErrInvariantViolation, "decode position: %v", err)
		}
		out = append(out, &pos)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortPositions(out)
	return out, nil
}

func (p *Pebble) ReadTrades(_ context.Context, f TradeFilter) ([]*domain.Trade, int, error) {
	snap := p.db.NewSnapshot()
	defer snap.Close()

	prefix := []byte("tt/")
	if f.UserID != "" {
		prefix = append(key("tu/", string(f.UserID)), 0)
	}

	out := make([]*domain.Trade, 0)
	err := scanPrefix(snap, prefix, func(k, _ []byte) error {
		id := k[bytes.LastIndexByte(k, 0)+1:]
		var t domain.Trade
		ok, err := getJSON(snap, kTrade(domain.TradeID(id)), &t)
		if err != nil {
			return err
		}
		if ok && f.Match(&t) {
			out = append(out, &t)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sortTradesNewestFirst(out)
	page, total := paginate(out, f.Page, f.Limit)
	return page, total, nil
}

func (p *Pebble) GetInstrument(_ context.Context, id domain.InstrumentID) (*domain.Instrument, error) {
	var inst domain.Instrument
	ok, err := getJSON(p.db, kInstrument(id), &inst)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrSymbolNotFound
	}
	return &inst, nil
}

func (p *Pebble) GetInstrumentBySymbol(ctx context.Context, symbol string) (*domain.Instrument, error) {
	val, closer, err := p.db.Get(kSymbol(symbol))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, domain.ErrSymbolNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	id := domain.InstrumentID(val)
	closer.Close()
	return p.GetInstrument(ctx, id)
}

func (p *Pebble) ListInstruments(_ context.Context) ([]*domain.Instrument, error) {
	out := make([]*domain.Instrument, 0)
	err := scanPrefix(p.db, []byte("i/"), func(_, v []byte) error {
		var inst domain.Instrument
		if err := json.Unmarshal(v, &inst); err != nil {
			return domain.Errorf(domain.ErrInvariantViolation, "decode instrument: %v", err)
		}
		out = append(out, &inst)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortInstruments(out)
	return out, nil
}

// writeDirect runs fn against a fresh indexed batch under the write lock,
// for maintenance writes that have no after-commit work.
func (p *Pebble) writeDirect(fn func(b *pebble.Batch) error) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	b := p.db.NewIndexedBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (p *Pebble) CreateUser(_ context.Context, u *domain.User) error {
	if u.Balance < 0 {
		return domain.Errorf(domain.ErrInvariantViolation, "negative opening balance")
	}
	return p.writeDirect(func(b *pebble.Batch) error {
		found, err := exists(b, kUser(u.ID))
		if err != nil {
			return err
		}
		if found {
			return domain.ErrUserAlreadyExists
		}
		return setJSON(b, kUser(u.ID), u)
	})
}

func (p *Pebble) SetUserBanned(_ context.Context, id domain.UserID, banned bool) error {
	return p.writeDirect(func(b *pebble.Batch) error {
		u, err := getUser(b, id)
		if err != nil {
			return err
		}
		u.IsBanned = banned
		u.UpdatedAt = time.Now()
		return setJSON(b, kUser(id), u)
	})
}

func (p *Pebble) CreateInstrument(_ context.Context, inst *domain.Instrument) error {
	return p.writeDirect(func(b *pebble.Batch) error {
		for _, k := range [][]byte{kSymbol(inst.Symbol), kInstrument(inst.ID)} {
			found, err := exists(b, k)
			if err != nil {
				return err
			}
			if found {
				return domain.ErrSymbolAlreadyExists
			}
		}
		if err := b.Set(kSymbol(inst.Symbol), []byte(inst.ID), nil); err != nil {
			return unavailable("set", err)
		}
		return setJSON(b, kInstrument(inst.ID), inst)
	})
}

func (p *Pebble) PurgeTradesBefore(_ context.Context, t time.Time) (int, error) {
	n := 0
	err := p.writeDirect(func(b *pebble.Batch) error {
		lower := []byte("tt/")
		iter, err := b.NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: key("tt/", nanos(t)),
		})
		if err != nil {
			return unavailable("iter", err)
		}
		var ids []domain.TradeID
		for iter.First(); iter.Valid(); iter.Next() {
			k := iter.Key()
			ids = append(ids, domain.TradeID(k[bytes.LastIndexByte(k, 0)+1:]))
		}
		if err := iter.Close(); err != nil {
			return unavailable("iter", err)
		}

		for _, id := range ids {
			var tr domain.Trade
			ok, err := getJSON(b, kTrade(id), &tr)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			for _, k := range [][]byte{kTrade(id), kTradeTime(&tr), kUserTrade(&tr)} {
				if err := b.Delete(k, nil); err != nil {
					return unavailable("delete", err)
				}
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

type pebbleSession struct {
	b         *pebble.Batch
	callbacks afterCommit
}

func (s *pebbleSession) FindOrderForUpdate(_ context.Context, id domain.OrderID) (*domain.Order, error) {
	return getOrder(s.b, id)
}

func (s *pebbleSession) CompareAndSetOrder(_ context.Context, id domain.OrderID, pred func(*domain.Order) bool, apply func(*domain.Order)) (*domain.Order, error) {
	cur, err := getOrder(s.b, id)
	if err != nil {
		return nil, err
	}
	if !pred(cur.Clone()) {
		return nil, nil
	}
	next := cur.Clone()
	apply(next)
	if err := checkOrderTransition(cur, next); err != nil {
		return nil, err
	}
	if err := s.putOrder(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *pebbleSession) InsertOrder(_ context.Context, o *domain.Order) error {
	found, err := exists(s.b, kOrder(o.ID))
	if err != nil {
		return err
	}
	if found {
		return domain.ErrOrderAlreadyExists
	}
	if found, err := exists(s.b, kUser(o.UserID)); err != nil {
		return err
	} else if !found {
		return domain.ErrUserNotFound
	}
	if found, err := exists(s.b, kInstrument(o.InstrumentID)); err != nil {
		return err
	} else if !found {
		return domain.ErrSymbolNotFound
	}
	if err := s.b.Set(kUserOrder(o.UserID, o.ID), nil, nil); err != nil {
		return unavailable("set", err)
	}
	return s.putOrder(o)
}

func (s *pebbleSession) CountLiveOrders(_ context.Context, user domain.UserID) (int, error) {
	n := 0
	prefix := append(key("ou/", string(user)), 0)
	err := scanPrefix(s.b, prefix, func(k, _ []byte) error {
		live, err := exists(s.b, kLive(domain.OrderID(k[len(prefix):])))
		if err != nil {
			return err
		}
		if live {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *pebbleSession) putOrder(o *domain.Order) error {
	if err := setJSON(s.b, kOrder(o.ID), o); err != nil {
		return err
	}
	var err error
	if o.Status.IsLive() {
		err = s.b.Set(kLive(o.ID), nil, nil)
	} else {
		err = s.b.Delete(kLive(o.ID), nil)
	}
	if err != nil {
		return unavailable("index", err)
	}
	return nil
}

func (s *pebbleSession) GetPosition(_ context.Context, user domain.UserID, inst domain.InstrumentID) (*domain.Position, error) {
	return getPosition(s.b, user, inst)
}

func (s *pebbleSession) PutPosition(_ context.Context, p *domain.Position) error {
	if p.Quantity <= 0 {
		return domain.Errorf(domain.ErrInvariantViolation, "position quantity %d must be positive", p.Quantity)
	}
	return setJSON(s.b, kPosition(p.UserID, p.InstrumentID), p)
}

func (s *pebbleSession) DeletePosition(_ context.Context, user domain.UserID, inst domain.InstrumentID) error {
	k := kPosition(user, inst)
	found, err := exists(s.b, k)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrPositionNotFound
	}
	if err := s.b.Delete(k, nil); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *pebbleSession) AppendTrade(_ context.Context, t *domain.Trade) error {
	if err := checkTrade(t); err != nil {
		return err
	}
	found, err := exists(s.b, kTrade(t.ID))
	if err != nil {
		return err
	}
	if found {
		return domain.Errorf(domain.ErrConflict, "trade %s already exists", t.ID)
	}
	if found, err := exists(s.b, kOrder(t.OrderID)); err != nil {
		return err
	} else if !found {
		return domain.ErrOrderNotFound
	}
	if err := setJSON(s.b, kTrade(t.ID), t); err != nil {
		return err
	}
	for _, k := range [][]byte{kTradeTime(t), kUserTrade(t)} {
		if err := s.b.Set(k, nil, nil); err != nil {
			return unavailable("index", err)
		}
	}
	return nil
}

func (s *pebbleSession) GetUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	return getUser(s.b, id)
}

func (s *pebbleSession) AdjustBalance(_ context.Context, id domain.UserID, delta domain.Money, failIfNegative bool) (domain.Money, error) {
	u, err := getUser(s.b, id)
	if err != nil {
		return 0, err
	}
	next, err := newBalance(id, u.Balance, delta, failIfNegative)
	if err != nil {
		return 0, err
	}
	u.Balance = next
	u.UpdatedAt = time.Now()
	if err := setJSON(s.b, kUser(id), u); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *pebbleSession) FindLedgerEntry(_ context.Context, k string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	ok, err := getJSON(s.b, kLedger(k), &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

func (s *pebbleSession) AppendLedgerEntry(_ context.Context, e *domain.LedgerEntry) error {
	found, err := exists(s.b, kLedger(e.IdempotencyKey))
	if err != nil {
		return err
	}
	if found {
		return domain.Errorf(domain.ErrConflict, "ledger entry %q already exists", e.IdempotencyKey)
	}
	return setJSON(s.b, kLedger(e.IdempotencyKey), e)
}

func (s *pebbleSession) AfterCommit(fn func()) {
	s.callbacks.add(fn)
}

var _ Store = (*Pebble)(nil)
