package handlers

import (
	"net/http"
	"strconv"

	"nanobanana/internal/middleware"
)

// CreditBalance returns the authenticated user's credit balance.
func (a *App) CreditBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	balance, err := a.Credits.Balance(r.Context(), userID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load balance")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"credits": balance})
}

// GenerationHistory lists the authenticated user's recent generation records.
func (a *App) GenerationHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	records, err := a.Generations.ListByUser(r.Context(), userID, limit)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load generations")
		return
	}
	items := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		items = append(items, map[string]any{
			"id":            rec.ID,
			"prediction_id": rec.PredictionID,
			"prompt":        rec.Prompt,
			"width":         rec.Width,
			"height":        rec.Height,
			"status":        string(rec.Status),
			"image_url":     rec.ImageURL,
			"cost_usd":      rec.CostUSD,
			"created_at":    rec.CreatedAt,
			"completed_at":  rec.CompletedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"generations": items})
}
