package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"nanobanana/internal/costs"
	"nanobanana/internal/domain"
	"nanobanana/internal/quota"
	"nanobanana/internal/replicate"
)

// App wires the request handlers to the core services.
type App struct {
	Poller      *replicate.Poller
	API         replicate.PredictionAPI
	Quota       *quota.Manager
	Ledger      *costs.Ledger
	Credits     domain.CreditStore
	Generations domain.GenerationStore
	Checker     func(ctx context.Context) replicate.HealthStatus
	Logger      zerolog.Logger
	Now         func() time.Time
}

func (a *App) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{
		"error": map[string]string{
			"code":    errCode,
			"message": message,
		},
	})
}
