package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"nanobanana/internal/domain"
	"nanobanana/internal/middleware"
	"nanobanana/internal/quota"
)

const anonymousIDHeader = "X-Anonymous-Id"

type generateRequest struct {
	Prompt            string               `json:"prompt"`
	NegativePrompt    string               `json:"negative_prompt"`
	Width             int                  `json:"width"`
	Height            int                  `json:"height"`
	NumInferenceSteps int                  `json:"num_inference_steps"`
	GuidanceScale     float64              `json:"guidance_scale"`
	Scheduler         string               `json:"scheduler"`
	AnonymousID       string               `json:"anonymous_id"`
	DeviceProfile     *quota.DeviceProfile `json:"device_profile"`
}

type generateResponse struct {
	ImageURL         string  `json:"image_url"`
	PredictionID     string  `json:"prediction_id"`
	Status           string  `json:"status"`
	CostUSD          float64 `json:"cost_usd"`
	RemainingFree    *int    `json:"remaining_free,omitempty"`
	CreditsRemaining *int    `json:"credits_remaining,omitempty"`
}

// Generate runs one synchronous generation: gate (quota or credits),
// submit, poll to a terminal state, persist the record.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	in := domain.PredictionInput{
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		Width:             req.Width,
		Height:            req.Height,
		NumInferenceSteps: req.NumInferenceSteps,
		GuidanceScale:     req.GuidanceScale,
		Scheduler:         req.Scheduler,
	}
	in.ApplyDefaults()
	if err := in.Validate(); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	userID := middleware.UserIDFromContext(r.Context())
	locale := middleware.LocaleFromContext(r.Context())
	clientKey := middleware.ClientIP(r)

	var resp generateResponse
	var fp string
	if userID != "" {
		remaining, err := a.Credits.Deduct(r.Context(), userID, 1)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientCredits) {
				a.error(w, http.StatusPaymentRequired, "insufficient_credits", "not enough credits")
				return
			}
			a.error(w, http.StatusInternalServerError, "internal", "credit deduction failed")
			return
		}
		resp.CreditsRemaining = &remaining
	} else {
		fp = a.anonymousID(r, &req)
		if fp == "" {
			a.error(w, http.StatusBadRequest, "bad_request", "anonymous identity required")
			return
		}
		result, err := a.Quota.Consume(fp, clientKey)
		if err != nil {
			a.quotaDenied(w, r, fp, clientKey, locale, err)
			return
		}
		resp.RemainingFree = &result.RemainingFree
	}

	pred, err := a.Poller.Submit(r.Context(), in)
	if err != nil {
		a.refundOnFailure(r, userID)
		a.generationError(w, err)
		return
	}

	rec := &domain.GenerationRecord{
		UserID:       userID,
		Fingerprint:  fp,
		PredictionID: pred.ID,
		Prompt:       in.Prompt,
		Width:        in.Width,
		Height:       in.Height,
		Status:       pred.Status,
		CreatedAt:    a.now(),
	}
	if err := a.Generations.Insert(r.Context(), rec); err != nil {
		a.Logger.Warn().Err(err).Str("prediction_id", pred.ID).Msg("generation record insert failed")
	}

	final, err := a.Poller.Poll(r.Context(), pred.ID, nil)
	if err != nil {
		status := domain.PredictionFailed
		if errors.Is(err, domain.ErrGenerationCanceled) {
			status = domain.PredictionCanceled
		}
		_ = a.Generations.Complete(r.Context(), pred.ID, status, "", 0)
		a.refundOnFailure(r, userID)
		a.generationError(w, err)
		return
	}

	cost := a.Ledger.Estimate(in)
	imageURL := final.FirstOutput()
	if err := a.Generations.Complete(r.Context(), pred.ID, final.Status, imageURL, cost); err != nil {
		a.Logger.Warn().Err(err).Str("prediction_id", pred.ID).Msg("generation record complete failed")
	}

	resp.ImageURL = imageURL
	resp.PredictionID = pred.ID
	resp.Status = string(final.Status)
	resp.CostUSD = cost
	a.json(w, http.StatusOK, resp)
}

// GenerateStatus proxies the current state of a prediction.
func (a *App) GenerateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id required")
		return
	}
	pred, err := a.API.GetPrediction(r.Context(), id)
	if err != nil {
		a.error(w, http.StatusBadGateway, "upstream", "prediction lookup failed")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"id":     pred.ID,
		"status": string(pred.Status),
		"output": pred.Output,
		"error":  pred.Error,
	})
}

// GenerateCancel requests cancellation of an in-flight prediction.
func (a *App) GenerateCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id required")
		return
	}
	if err := a.Poller.Cancel(r.Context(), id); err != nil {
		a.error(w, http.StatusBadGateway, "upstream", "cancel failed")
		return
	}
	a.json(w, http.StatusOK, map[string]string{"id": id, "status": "canceling"})
}

func (a *App) anonymousID(r *http.Request, req *generateRequest) string {
	if v := strings.TrimSpace(r.Header.Get(anonymousIDHeader)); v != "" {
		return v
	}
	if v := strings.TrimSpace(req.AnonymousID); v != "" {
		return v
	}
	if req.DeviceProfile != nil {
		return a.Quota.Identify(*req.DeviceProfile)
	}
	return ""
}

func (a *App) quotaDenied(w http.ResponseWriter, r *http.Request, fp, clientKey, locale string, err error) {
	snapshot := a.Quota.Status(fp, clientKey)
	message := quota.StatusMessage(snapshot, locale, a.now())
	var qerr *domain.QuotaError
	reason := "quota_exceeded"
	if errors.As(err, &qerr) {
		reason = string(qerr.Reason)
	}
	a.json(w, http.StatusTooManyRequests, map[string]any{
		"error": map[string]string{
			"code":    reason,
			"message": message,
		},
		"quota": snapshot,
	})
}

// refundOnFailure returns the deducted credit when a paid generation never
// produced an image.
func (a *App) refundOnFailure(r *http.Request, userID string) {
	if userID == "" {
		return
	}
	if _, err := a.Credits.Add(r.Context(), userID, 1, "generation_refund"); err != nil {
		a.Logger.Warn().Err(err).Str("user_id", userID).Msg("credit refund failed")
	}
}

func (a *App) generationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrCostLimitExceeded):
		a.error(w, http.StatusTooManyRequests, "cost_limit_exceeded", "generation budget exhausted, try again later")
	case errors.Is(err, domain.ErrGenerationCanceled):
		a.error(w, http.StatusConflict, "canceled", "generation was canceled")
	case errors.Is(err, domain.ErrPollTimeout):
		a.error(w, http.StatusGatewayTimeout, "timeout", "generation did not finish in time")
	case errors.Is(err, domain.ErrPredictionCreateFailed):
		a.error(w, http.StatusBadGateway, "upstream", "generation backend rejected the request")
	case errors.Is(err, domain.ErrGenerationFailed):
		a.error(w, http.StatusBadGateway, "generation_failed", err.Error())
	default:
		a.error(w, http.StatusInternalServerError, "internal", "generation failed")
	}
}
