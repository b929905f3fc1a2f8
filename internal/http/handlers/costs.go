package handlers

import "net/http"

// CostStats exposes the spend governor's daily and monthly totals.
func (a *App) CostStats(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.Ledger.Stats())
}
