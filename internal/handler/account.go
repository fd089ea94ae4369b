package handler

import (
	"context"
	"net/http"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/events"
	"github.com/efreitasn/tradecore/internal/service"
)

// AccountHandler handles HTTP requests for user accounts and balances.
type AccountHandler struct {
	accountSvc *service.AccountService
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accountSvc *service.AccountService) *AccountHandler {
	return &AccountHandler{accountSvc: accountSvc}
}

// registerUserRequest is the JSON request body for POST /users.
type registerUserRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// balanceRequest is the JSON request body for credits and debits.
type balanceRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	IdempotencyKey string `json:"idempotency_key"`
}

// balanceResponse is the JSON response for credits and debits.
type balanceResponse struct {
	UserID       string `json:"user_id"`
	BalanceMinor int64  `json:"balance_minor"`
	Replayed     bool   `json:"replayed"`
	Status       string `json:"status"`
}

// banRequest is the JSON request body for PUT /users/{user_id}/banned.
type banRequest struct {
	Banned bool `json:"banned"`
}

// Register handles POST /users.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	u, err := h.accountSvc.RegisterUser(r.Context(), service.RegisterUserRequest{
		UserID: domain.UserID(req.UserID),
		Roles:  req.Roles,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, events.NewUserView(u))
}

// Get handles GET /users/{user_id}.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.accountSvc.GetUser(r.Context(), userParam(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, events.NewUserView(u))
}

// SetBanned handles PUT /users/{user_id}/banned.
func (h *AccountHandler) SetBanned(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	u, err := h.accountSvc.SetBanned(r.Context(), userParam(r), req.Banned)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, events.NewUserView(u))
}

// Credit handles POST /users/{user_id}/credits.
func (h *AccountHandler) Credit(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.accountSvc.CreditBalance)
}

// Debit handles POST /users/{user_id}/debits.
func (h *AccountHandler) Debit(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.accountSvc.DebitBalance)
}

type balanceFunc func(ctx context.Context, user domain.UserID, amount domain.Money, key string) (service.BalanceResult, error)

func (h *AccountHandler) move(w http.ResponseWriter, r *http.Request, apply balanceFunc) {
	var req balanceRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// The key may also come as a header, the way payment providers send it.
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	res, err := apply(r.Context(), userParam(r), domain.Money(req.AmountMinor), key)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	status, code := http.StatusCreated, "APPLIED"
	if res.Replayed {
		status, code = http.StatusOK, domain.ErrIdempotentReplay.Error()
	}
	WriteJSON(w, status, balanceResponse{
		UserID:       string(res.UserID),
		BalanceMinor: int64(res.NewBalance),
		Replayed:     res.Replayed,
		Status:       code,
	})
}
