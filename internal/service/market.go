package service

import (
	"context"
	"errors"
	"time"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/engine"
	"github.com/efreitasn/tradecore/internal/feed"
	"github.com/efreitasn/tradecore/internal/store"
)

// TickInput is a price observation as received from the market-data
// collaborator. Sequence zero means "next after the current tick", and
// a nil ObservedAt means now.
type TickInput struct {
	Price      domain.Money
	Bid        *domain.Money
	Ask        *domain.Money
	Volume     *int64
	Sequence   uint64
	ObservedAt *time.Time
}

// TickResult reports whether a tick replaced the current one. When it
// did not, Tick is the tick the feed kept.
type TickResult struct {
	Tick     domain.PriceTick
	Accepted bool
}

// QuoteResponse represents the response for the quote endpoint.
type QuoteResponse struct {
	Symbol     string
	Price      domain.Money
	Bid        *domain.Money
	Ask        *domain.Money
	Sequence   uint64
	ObservedAt time.Time
	Stale      bool
}

// DepthResponse represents the resting orders of a symbol aggregated by
// price.
type DepthResponse struct {
	Symbol     string
	Depth      engine.Depth
	SnapshotAt time.Time
}

// MarketService handles instruments, incoming ticks and market queries.
type MarketService struct {
	store store.Store
	feed  *feed.Feed
	book  *engine.Book
	now   func() time.Time
}

// NewMarketService creates a new MarketService with the given dependencies.
func NewMarketService(st store.Store, fd *feed.Feed, book *engine.Book) *MarketService {
	return &MarketService{
		store: st,
		feed:  fd,
		book:  book,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RegisterInstrument makes symbol tradable.
func (s *MarketService) RegisterInstrument(ctx context.Context, symbol, displayName string) (*domain.Instrument, error) {
	if len(displayName) > 128 {
		return nil, &domain.ValidationError{Message: "display_name must be at most 128 characters"}
	}
	inst, err := domain.NewInstrument(symbol, displayName, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateInstrument(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// ListInstruments returns every instrument ordered by symbol.
func (s *MarketService) ListInstruments(ctx context.Context) ([]*domain.Instrument, error) {
	return s.store.ListInstruments(ctx)
}

// PublishTick validates a tick and offers it to the feed. An accepted
// tick sweeps the book before PublishTick returns.
func (s *MarketService) PublishTick(ctx context.Context, symbol string, in TickInput) (TickResult, error) {
	inst, err := s.instrument(ctx, symbol)
	if err != nil {
		return TickResult{}, err
	}

	tick := domain.PriceTick{
		Symbol:     inst.Symbol,
		Price:      in.Price,
		Bid:        in.Bid,
		Ask:        in.Ask,
		Volume:     in.Volume,
		Sequence:   in.Sequence,
		ObservedAt: s.now(),
	}
	if in.ObservedAt != nil {
		tick.ObservedAt = in.ObservedAt.UTC()
	}
	if err := tick.Validate(); err != nil {
		return TickResult{}, err
	}

	kept, accepted := s.feed.Publish(ctx, tick)
	return TickResult{Tick: kept, Accepted: accepted}, nil
}

// RestorePrices seeds the feed with the price of each instrument's most
// recent trade, so quotes survive a restart. The seeded ticks keep the
// trade's time and go stale like any other tick. It returns the number of
// symbols seeded.
func (s *MarketService) RestorePrices(ctx context.Context) (int, error) {
	insts, err := s.store.ListInstruments(ctx)
	if err != nil {
		return 0, err
	}
	ticks := make([]domain.PriceTick, 0, len(insts))
	for _, inst := range insts {
		trades, _, err := s.store.ReadTrades(ctx, store.TradeFilter{Symbol: inst.Symbol, Page: 1, Limit: 1})
		if err != nil {
			return 0, err
		}
		if len(trades) == 0 {
			continue
		}
		ticks = append(ticks, domain.PriceTick{
			Symbol:     inst.Symbol,
			Price:      trades[0].Price,
			ObservedAt: trades[0].CreatedAt,
		})
	}
	s.feed.Seed(ticks)
	return len(ticks), nil
}

// GetQuote returns the latest tick of symbol. A stale tick is still
// reported, flagged as such.
func (s *MarketService) GetQuote(ctx context.Context, symbol string) (*QuoteResponse, error) {
	inst, err := s.instrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	t, ok := s.feed.Snapshot(inst.Symbol)
	if !ok {
		return nil, domain.Errorf(domain.ErrNoMarketPrice, "no price for %s", inst.Symbol)
	}
	_, qerr := s.feed.Quote(inst.Symbol, s.now())
	return &QuoteResponse{
		Symbol:     t.Symbol,
		Price:      t.Price,
		Bid:        t.Bid,
		Ask:        t.Ask,
		Sequence:   t.Sequence,
		ObservedAt: t.ObservedAt,
		Stale:      errors.Is(qerr, domain.ErrNoMarketPrice),
	}, nil
}

// GetDepth returns the top depth price levels of each side of the book.
func (s *MarketService) GetDepth(ctx context.Context, symbol string, depth int) (*DepthResponse, error) {
	inst, err := s.instrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if depth < 1 || depth > 50 {
		return nil, &domain.ValidationError{
			Message: "depth must be between 1 and 50",
		}
	}
	return &DepthResponse{
		Symbol:     inst.Symbol,
		Depth:      s.book.Levels(inst.Symbol, depth),
		SnapshotAt: s.now(),
	}, nil
}

func (s *MarketService) instrument(ctx context.Context, symbol string) (*domain.Instrument, error) {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return s.store.GetInstrumentBySymbol(ctx, sym)
}
