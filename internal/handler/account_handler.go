package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"account-ledger/internal/domain"
	"account-ledger/internal/service"
)

type AccountHandler struct {
	accountService *service.AccountService
}

func NewAccountHandler(accountService *service.AccountService) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
	}
}

type MutationRequest struct {
	Amount         string `json:"amount" validate:"required,decimal"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"max=128"`
}

type AccountResponse struct {
	AccountID string    `json:"account_id"`
	Balance   string    `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MutationResponse struct {
	AccountID string            `json:"account_id"`
	Balance   string            `json:"balance"`
	Movement  *MovementResponse `json:"movement"`
	Replayed  bool              `json:"replayed,omitempty"`
}

func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.accountService.Credit)
}

func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.accountService.Debit)
}

func (h *AccountHandler) mutate(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, req service.MutationRequest) (*service.MutationResult, error),
) {
	accountID := mux.Vars(r)["account_id"]

	var req MutationRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}

	key, err := idempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := apply(r.Context(), service.MutationRequest{
		AccountID:      accountID,
		Amount:         decimal.RequireFromString(req.Amount),
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, MutationResponse{
		AccountID: result.Account.ID,
		Balance:   result.Account.Balance.String(),
		Movement:  toMovementResponse(result.Movement),
		Replayed:  result.Replayed,
	})
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountID := vars["account_id"]

	account, err := h.accountService.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func toAccountResponse(account *domain.Account) AccountResponse {
	return AccountResponse{
		AccountID: account.ID,
		Balance:   account.Balance.String(),
		UpdatedAt: account.UpdatedAt,
	}
}
