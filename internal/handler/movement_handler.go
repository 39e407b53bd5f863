package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"account-ledger/internal/service"
)

type MovementHandler struct {
	historyService *service.HistoryService
}

func NewMovementHandler(historyService *service.HistoryService) *MovementHandler {
	return &MovementHandler{historyService: historyService}
}

// AccountMovements lists the movements touching one account, newest first.
func (h *MovementHandler) AccountMovements(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, mux.Vars(r)["account_id"])
}

// AllMovements lists every movement, newest first.
func (h *MovementHandler) AllMovements(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, "")
}

func (h *MovementHandler) list(w http.ResponseWriter, r *http.Request, accountID string) {
	movements, err := h.historyService.History(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	response := make([]*MovementResponse, 0, len(movements))
	for i := range movements {
		response = append(response, toMovementResponse(&movements[i]))
	}
	writeJSON(w, http.StatusOK, response)
}
