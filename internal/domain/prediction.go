package domain

import (
	"errors"
	"time"
)

// PredictionStatus enumerates the lifecycle states reported by the
// generation provider. The poller never mutates a status locally; it only
// observes transitions by re-fetching.
type PredictionStatus string

const (
	PredictionStarting   PredictionStatus = "starting"
	PredictionProcessing PredictionStatus = "processing"
	PredictionSucceeded  PredictionStatus = "succeeded"
	PredictionFailed     PredictionStatus = "failed"
	PredictionCanceled   PredictionStatus = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s PredictionStatus) Terminal() bool {
	switch s {
	case PredictionSucceeded, PredictionFailed, PredictionCanceled:
		return true
	}
	return false
}

// PredictionInput captures the generation parameters submitted to the
// provider.
type PredictionInput struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	Scheduler         string  `json:"scheduler,omitempty"`
}

const (
	DefaultImageSize      = 1024
	DefaultInferenceSteps = 50
	DefaultGuidanceScale  = 7.5
	DefaultScheduler      = "K_EULER"
)

// ApplyDefaults fills unset dimensions and sampling parameters.
func (in *PredictionInput) ApplyDefaults() {
	if in.Width <= 0 {
		in.Width = DefaultImageSize
	}
	if in.Height <= 0 {
		in.Height = DefaultImageSize
	}
	if in.NumInferenceSteps <= 0 {
		in.NumInferenceSteps = DefaultInferenceSteps
	}
	if in.GuidanceScale <= 0 {
		in.GuidanceScale = DefaultGuidanceScale
	}
	if in.Scheduler == "" {
		in.Scheduler = DefaultScheduler
	}
}

// Validate checks the invariants that must hold before submission.
func (in *PredictionInput) Validate() error {
	if in.Prompt == "" {
		return errors.New("prompt is required")
	}
	if in.Width <= 0 || in.Height <= 0 {
		return errors.New("width and height must be positive")
	}
	return nil
}

// Prediction is one external image-generation request and its observed
// state. It lives only for the duration of a submit/poll cycle; the cost
// ledger keeps the surviving trace.
type Prediction struct {
	ID          string
	Status      PredictionStatus
	Input       PredictionInput
	Output      []string
	Error       string
	Logs        string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// FirstOutput returns the primary result reference, if any.
func (p *Prediction) FirstOutput() string {
	if p == nil || len(p.Output) == 0 {
		return ""
	}
	return p.Output[0]
}
