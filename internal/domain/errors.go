package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrCostLimitExceeded      = errors.New("cost limit exceeded")
	ErrPredictionCreateFailed = errors.New("prediction create failed")
	ErrGenerationFailed       = errors.New("generation failed")
	ErrGenerationCanceled     = errors.New("generation canceled")
	ErrPollTimeout            = errors.New("poll timeout")
	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrInsufficientCredits    = errors.New("insufficient credits")
)

// QuotaReason identifies which free-tier gate rejected a request.
type QuotaReason string

const (
	ReasonNoFreeGenerations QuotaReason = "no_free_generations"
	ReasonIPRateLimited     QuotaReason = "ip_rate_limit_exceeded"
)

// QuotaError carries the denial reason and the times at which each gate
// opens again, so callers can render an accurate upgrade prompt.
type QuotaError struct {
	Reason           QuotaReason
	NextResetAt      *time.Time
	RateLimitResetAt *time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.Reason)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}
