package domain

import (
	"context"
	"time"
)

// GenerationRecord is the persisted summary of one generation request,
// keyed by the provider-assigned prediction id.
type GenerationRecord struct {
	ID           string
	UserID       string
	Fingerprint  string
	PredictionID string
	Prompt       string
	Width        int
	Height       int
	Status       PredictionStatus
	ImageURL     string
	CostUSD      float64
	CreatedAt    time.Time
	CompletedAt  time.Time
}

// GenerationStore persists generation records.
type GenerationStore interface {
	Insert(ctx context.Context, rec *GenerationRecord) error

	// Complete marks a record terminal with its outcome.
	Complete(ctx context.Context, predictionID string, status PredictionStatus, imageURL string, costUSD float64) error

	// ListByUser returns a user's most recent records, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]GenerationRecord, error)
}
