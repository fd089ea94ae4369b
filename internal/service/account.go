package service

import (
	"context"
	"time"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/engine"
	"github.com/efreitasn/tradecore/internal/store"
)

// maxIdempotencyKeyLen bounds caller-supplied idempotency keys.
const maxIdempotencyKeyLen = 128

// RegisterUserRequest represents the input for account creation. UserID
// is optional and generated when empty.
type RegisterUserRequest struct {
	UserID domain.UserID
	Roles  []string
}

// BalanceResult is the outcome of a credit or debit. Replayed is set when
// the idempotency key had already been applied and nothing changed.
type BalanceResult struct {
	UserID     domain.UserID
	NewBalance domain.Money
	Replayed   bool
}

// AccountService handles account creation and the idempotent
// credit/debit path.
type AccountService struct {
	store  store.Store
	events engine.EventSink
	now    func() time.Time
}

// NewAccountService creates a new AccountService.
func NewAccountService(st store.Store, events engine.EventSink) *AccountService {
	return &AccountService{
		store:  st,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterUser creates an account with a zero balance.
func (s *AccountService) RegisterUser(ctx context.Context, req RegisterUserRequest) (*domain.User, error) {
	id := req.UserID
	if id == "" {
		id = domain.NewUserID()
	} else if !idRegex.MatchString(string(id)) {
		return nil, &domain.ValidationError{Message: "user_id must match ^[a-zA-Z0-9_-]{1,64}$"}
	}
	for _, r := range req.Roles {
		if r == "" {
			return nil, &domain.ValidationError{Message: "roles must not contain empty strings"}
		}
	}

	now := s.now()
	u := &domain.User{
		ID:        id,
		Roles:     append([]string(nil), req.Roles...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser returns the account.
func (s *AccountService) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return s.store.GetUser(ctx, id)
}

// SetBanned bans or unbans a user. Banned users cannot submit orders;
// their live orders are left alone.
func (s *AccountService) SetBanned(ctx context.Context, id domain.UserID, banned bool) (*domain.User, error) {
	if err := s.store.SetUserBanned(ctx, id, banned); err != nil {
		return nil, err
	}
	return s.store.GetUser(ctx, id)
}

// CreditBalance adds amount to the user's balance once per idempotency
// key. Replaying a key returns the balance recorded the first time.
func (s *AccountService) CreditBalance(ctx context.Context, userID domain.UserID, amount domain.Money, key string) (BalanceResult, error) {
	return s.apply(ctx, userID, domain.LedgerCredit, amount, key)
}

// DebitBalance removes amount from the user's balance once per
// idempotency key. It fails with ErrInsufficientFunds rather than let the
// balance go negative.
func (s *AccountService) DebitBalance(ctx context.Context, userID domain.UserID, amount domain.Money, key string) (BalanceResult, error) {
	return s.apply(ctx, userID, domain.LedgerDebit, amount, key)
}

func (s *AccountService) apply(ctx context.Context, userID domain.UserID, dir domain.LedgerDirection, amount domain.Money, key string) (BalanceResult, error) {
	if amount <= 0 {
		return BalanceResult{}, &domain.ValidationError{Message: "amount must be greater than 0"}
	}
	if key == "" {
		return BalanceResult{}, &domain.ValidationError{Message: "idempotency_key is required"}
	}
	if len(key) > maxIdempotencyKeyLen {
		return BalanceResult{}, &domain.ValidationError{Message: "idempotency_key must be at most 128 characters"}
	}

	now := s.now()
	res := BalanceResult{UserID: userID}
	err := s.store.WithSession(ctx, func(ctx context.Context, sess store.Session) error {
		prev, err := sess.FindLedgerEntry(ctx, key)
		if err != nil {
			return err
		}
		if prev != nil {
			if !prev.Matches(userID, dir, amount) {
				return &domain.ValidationError{Message: "idempotency_key was already used for a different request"}
			}
			res.NewBalance = prev.BalanceAfter
			res.Replayed = true
			return nil
		}

		delta := amount
		if dir == domain.LedgerDebit {
			delta = -amount
		}
		balance, err := sess.AdjustBalance(ctx, userID, delta, dir == domain.LedgerDebit)
		if err != nil {
			return err
		}
		if err := sess.AppendLedgerEntry(ctx, &domain.LedgerEntry{
			IdempotencyKey: key,
			UserID:         userID,
			Direction:      dir,
			Amount:         amount,
			BalanceAfter:   balance,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		user, err := sess.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		sess.AfterCommit(func() {
			if s.events == nil {
				return
			}
			s.events.Publish(domain.Event{
				Type:       domain.EventBalanceChanged,
				UserID:     userID,
				Payload:    user,
				OccurredAt: now,
			})
		})
		res.NewBalance = balance
		return nil
	})
	if err != nil {
		return BalanceResult{}, err
	}
	return res, nil
}
