package handlers

import (
	"net/http"
	"strconv"
	"time"
)

func (a *App) GetCreditBalance(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), userID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"balance": balance})
}

func (a *App) GetCreditHistory(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	transactions, err := a.Ledger.History(r.Context(), userID, limit)
	if err != nil {
		a.domainError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(transactions))
	for _, tx := range transactions {
		item := map[string]any{
			"id":         tx.ID,
			"delta":      tx.Delta,
			"reason":     tx.Reason,
			"created_at": tx.CreatedAt.Format(time.RFC3339),
		}
		if tx.PipelineID != "" {
			item["pipeline_id"] = tx.PipelineID
		}
		items = append(items, item)
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
