package handlers

import (
	"net/http"
	"strings"

	"nanobanana/internal/middleware"
	"nanobanana/internal/quota"
)

// QuotaStatus reports the anonymous free-tier state for the calling
// device. The identity comes from the X-Anonymous-Id header or the
// fingerprint query parameter.
func (a *App) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	fp := strings.TrimSpace(r.Header.Get(anonymousIDHeader))
	if fp == "" {
		fp = strings.TrimSpace(r.URL.Query().Get("fingerprint"))
	}
	if fp == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "anonymous identity required")
		return
	}
	snapshot := a.Quota.Status(fp, middleware.ClientIP(r))
	locale := middleware.LocaleFromContext(r.Context())
	a.json(w, http.StatusOK, map[string]any{
		"quota":   snapshot,
		"message": quota.StatusMessage(snapshot, locale, a.now()),
	})
}
