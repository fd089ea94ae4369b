package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efreitasn/tradecore/internal/domain"
)

func TestMemory(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestMemory_PanicRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	f := newFixture(t, s, 100)

	err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		if _, err := sess.AdjustBalance(ctx, f.user, 50, true); err != nil {
			return err
		}
		panic("boom")
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	u, err := s.GetUser(ctx, f.user)
	require.NoError(t, err)
	assert.Equal(t, domain.Money(100), u.Balance)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	f := newFixture(t, s, 0)
	o := f.order(domain.OrderKindLimit, domain.OrderSideSell, 3, f.now)
	insertOrder(t, s, o)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	*got.LimitPrice = 1
	got.Status = domain.OrderStatusFilled

	again, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Money(10000), *again.LimitPrice)
	assert.Equal(t, domain.OrderStatusPending, again.Status)
}

func TestMemory_CallbacksMayReadStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	f := newFixture(t, s, 100)

	var seen domain.Money
	err := s.WithSession(ctx, func(ctx context.Context, sess Session) error {
		if _, err := sess.AdjustBalance(ctx, f.user, 25, true); err != nil {
			return err
		}
		sess.AfterCommit(func() {
			u, err := s.GetUser(context.Background(), f.user)
			if err == nil {
				seen = u.Balance
			}
		})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Money(125), seen)
}
