// Package position owns every write to the positions table.
package position

import (
	"context"
	"errors"
	"time"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/store"
)

// Fill is the part of an execution that moves a position.
type Fill struct {
	UserID       domain.UserID
	InstrumentID domain.InstrumentID
	Symbol       string
	Side         domain.OrderSide
	Price        domain.Money
	Quantity     domain.Quantity
	At           time.Time
}

// Service applies fills to positions inside a store session.
type Service struct {
	store store.Store
}

// NewService creates a position Service. The store is used only for
// reads outside a session.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// ApplyFill moves the position by one fill and returns its new state. A
// position sold down to zero is deleted and returned with zero quantity.
//
// BUY creates the row or folds the fill into the weighted average cost.
// SELL requires the full quantity to be held and leaves the cost basis
// unchanged.
func (s *Service) ApplyFill(ctx context.Context, sess store.Session, f Fill) (domain.Position, error) {
	if f.Quantity <= 0 {
		return domain.Position{}, domain.Errorf(domain.ErrInvariantViolation, "fill quantity %d must be positive", f.Quantity)
	}

	cur, err := sess.GetPosition(ctx, f.UserID, f.InstrumentID)
	if err != nil && !errors.Is(err, domain.ErrPositionNotFound) {
		return domain.Position{}, err
	}

	switch f.Side {
	case domain.OrderSideBuy:
		next := domain.Position{
			UserID:       f.UserID,
			InstrumentID: f.InstrumentID,
			Symbol:       f.Symbol,
			Quantity:     f.Quantity,
			AvgCostBasis: f.Price,
			UpdatedAt:    f.At,
		}
		if cur != nil {
			next.Quantity = cur.Quantity + f.Quantity
			if next.Quantity < cur.Quantity {
				return domain.Position{}, domain.Errorf(domain.ErrInvariantViolation, "position quantity overflows")
			}
			next.AvgCostBasis = domain.WeightedAverage(cur.AvgCostBasis, cur.Quantity, f.Price, f.Quantity)
		}
		if err := sess.PutPosition(ctx, &next); err != nil {
			return domain.Position{}, err
		}
		return next, nil

	case domain.OrderSideSell:
		var held domain.Quantity
		if cur != nil {
			held = cur.Quantity
		}
		if held < f.Quantity {
			return domain.Position{}, domain.Errorf(domain.ErrInsufficientHoldings, "holding %d, required %d", held, f.Quantity)
		}
		next := *cur
		next.Quantity -= f.Quantity
		next.UpdatedAt = f.At
		if next.Quantity == 0 {
			if err := sess.DeletePosition(ctx, f.UserID, f.InstrumentID); err != nil {
				return domain.Position{}, err
			}
			return next, nil
		}
		if err := sess.PutPosition(ctx, &next); err != nil {
			return domain.Position{}, err
		}
		return next, nil
	}
	return domain.Position{}, domain.Errorf(domain.ErrValidation, "unknown side %q", f.Side)
}

// Held returns the quantity held inside a session, zero when there is no
// position.
func (s *Service) Held(ctx context.Context, sess store.Session, user domain.UserID, inst domain.InstrumentID) (domain.Quantity, error) {
	p, err := sess.GetPosition(ctx, user, inst)
	if errors.Is(err, domain.ErrPositionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.Quantity, nil
}

// Read returns the committed position.
func (s *Service) Read(ctx context.Context, user domain.UserID, inst domain.InstrumentID) (*domain.Position, error) {
	return s.store.ReadPosition(ctx, user, inst)
}

// List returns the user's committed positions ordered by symbol.
func (s *Service) List(ctx context.Context, user domain.UserID) ([]*domain.Position, error) {
	return s.store.ListPositions(ctx, user)
}
