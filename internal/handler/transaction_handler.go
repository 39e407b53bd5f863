package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"account-ledger/internal/domain"
	"account-ledger/internal/service"
)

type TransactionHandler struct {
	transactionService *service.TransactionService
}

func NewTransactionHandler(transactionService *service.TransactionService) *TransactionHandler {
	return &TransactionHandler{
		transactionService: transactionService,
	}
}

type TransferRequest struct {
	SourceAccountID      string `json:"source_account_id" validate:"required,max=128"`
	DestinationAccountID string `json:"destination_account_id" validate:"required,max=128"`
	Amount               string `json:"amount" validate:"required,decimal"`
	IdempotencyKey       string `json:"idempotency_key,omitempty" validate:"max=128"`
}

type TransferResponse struct {
	TransferID           string            `json:"transfer_id"`
	Status               string            `json:"status"`
	SourceAccountID      string            `json:"source_account_id"`
	DestinationAccountID string            `json:"destination_account_id"`
	Amount               string            `json:"amount"`
	Attempts             int               `json:"attempts,omitempty"`
	LastError            string            `json:"last_error,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	Movement             *MovementResponse `json:"movement,omitempty"`
	Replayed             bool              `json:"replayed,omitempty"`
}

func toTransferResponse(t *domain.PendingTransfer) TransferResponse {
	return TransferResponse{
		TransferID:           t.ID.String(),
		Status:               string(t.Status),
		SourceAccountID:      t.SourceAccountID,
		DestinationAccountID: t.DestinationAccountID,
		Amount:               t.Amount.String(),
		Attempts:             t.Attempts,
		LastError:            t.LastError,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
}

func (h *TransactionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}

	key, err := idempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.transactionService.Transfer(r.Context(), service.TransferRequest{
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               decimal.RequireFromString(req.Amount),
		IdempotencyKey:       key,
	})
	if err != nil {
		// transfer_credit_pending renders as 202 with the transfer id in details.
		writeError(w, err)
		return
	}

	response := toTransferResponse(result.Transfer)
	response.Movement = toMovementResponse(result.Movement)
	response.Replayed = result.Replayed

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, response)
}

func (h *TransactionHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.transactionService.GetTransfer(r.Context(), mux.Vars(r)["transfer_id"])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTransferResponse(transfer))
}
