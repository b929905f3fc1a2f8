package handlers

import (
	"net/http"
)

func (a *App) Healthz(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health reports generation-backend reachability alongside the configured
// model.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	status := a.Checker(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	a.json(w, code, status)
}
