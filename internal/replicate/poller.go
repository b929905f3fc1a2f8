package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"nanobanana/internal/costs"
	"nanobanana/internal/domain"
	"nanobanana/internal/infra"
	"nanobanana/internal/kvstore"
)

const trackedKey = "trackedPredictions"

// PredictionAPI is the surface the poller needs from the Replicate client.
type PredictionAPI interface {
	CreatePrediction(ctx context.Context, version string, in domain.PredictionInput) (*domain.Prediction, error)
	GetPrediction(ctx context.Context, id string) (*domain.Prediction, error)
	CancelPrediction(ctx context.Context, id string) (*domain.Prediction, error)
	ModelVersion(ctx context.Context) string
}

// ProgressFunc receives one snapshot per status fetch, in fetch order. It
// runs synchronously inside the polling loop and must not block for long.
type ProgressFunc func(*domain.Prediction)

// PollerOptions configures a Poller.
type PollerOptions struct {
	API    PredictionAPI
	Ledger *costs.Ledger
	Store  kvstore.Store
	Logger *infra.Logger
	Clock  func() time.Time
	// Sleep is the delay primitive between attempts; injectable so tests
	// run without wall-clock waits.
	Sleep func(ctx context.Context, d time.Duration) error

	// MaxAttempts bounds the total number of status fetches per Poll.
	MaxAttempts int
	// StartingInterval applies while the job reports "starting",
	// PollInterval afterwards.
	StartingInterval time.Duration
	PollInterval     time.Duration
	// RetryBaseDelay and RetryStep shape the backoff after transient fetch
	// failures: base + (consecutiveFailures-1) * step.
	RetryBaseDelay time.Duration
	RetryStep      time.Duration
}

// Poller drives one generation request from submission to a terminal
// outcome. It never mutates a prediction's status locally; state advances
// only by re-fetching from the service.
type Poller struct {
	api    PredictionAPI
	ledger *costs.Ledger
	store  kvstore.Store
	logger *infra.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	maxAttempts      int
	startingInterval time.Duration
	pollInterval     time.Duration
	retryBaseDelay   time.Duration
	retryStep        time.Duration
}

// GenerationResult is the composed outcome of submit+poll.
type GenerationResult struct {
	ImageURL     string
	PredictionID string
	Status       domain.PredictionStatus
	CompletedAt  time.Time
	CostUSD      float64
}

// NewPoller constructs a Poller with the shipped timing defaults.
func NewPoller(opts PollerOptions) *Poller {
	p := &Poller{
		api:              opts.API,
		ledger:           opts.Ledger,
		store:            opts.Store,
		now:              opts.Clock,
		sleep:            opts.Sleep,
		maxAttempts:      opts.MaxAttempts,
		startingInterval: opts.StartingInterval,
		pollInterval:     opts.PollInterval,
		retryBaseDelay:   opts.RetryBaseDelay,
		retryStep:        opts.RetryStep,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 90
	}
	if p.startingInterval <= 0 {
		p.startingInterval = time.Second
	}
	if p.pollInterval <= 0 {
		p.pollInterval = 2 * time.Second
	}
	if p.retryBaseDelay <= 0 {
		p.retryBaseDelay = 3 * time.Second
	}
	if p.retryStep <= 0 {
		p.retryStep = time.Second
	}
	if opts.Logger != nil {
		p.logger = opts.Logger
	} else {
		discard := infra.Logger(zerolog.New(io.Discard))
		p.logger = &discard
	}
	return p
}

// Submit validates input, checks the cost governor, resolves the model
// version, and creates the prediction. When the governor has tripped, no
// network call is made.
func (p *Poller) Submit(ctx context.Context, in domain.PredictionInput) (*domain.Prediction, error) {
	in.ApplyDefaults()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := p.ledger.CheckLimits(); err != nil {
		return nil, err
	}

	version := p.api.ModelVersion(ctx)
	pred, err := p.api.CreatePrediction(ctx, version, in)
	if err != nil {
		return nil, err
	}
	p.track(pred.ID)
	return pred, nil
}

// Poll fetches job status until a terminal state or the attempt budget is
// exhausted. onProgress, when supplied, is invoked once per successful
// fetch with the latest snapshot.
func (p *Poller) Poll(ctx context.Context, id string, onProgress ProgressFunc) (*domain.Prediction, error) {
	consecutiveFailures := 0

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		pred, err := p.api.GetPrediction(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			consecutiveFailures++
			delay := p.retryBaseDelay + time.Duration(consecutiveFailures-1)*p.retryStep
			p.logger.Warn().Err(err).Str("prediction_id", id).Int("attempt", attempt).Msg("status fetch failed, retrying")
			if attempt == p.maxAttempts {
				break
			}
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		consecutiveFailures = 0

		if onProgress != nil {
			onProgress(pred)
		}

		switch pred.Status {
		case domain.PredictionSucceeded:
			cost := p.ledger.Record(pred.Input)
			p.complete(id, cost)
			p.logger.Info().Str("prediction_id", id).Float64("cost_usd", cost).Msg("generation succeeded")
			return pred, nil
		case domain.PredictionFailed:
			msg := pred.Error
			if msg == "" {
				msg = "unknown error"
			}
			return pred, fmt.Errorf("%w: %s", domain.ErrGenerationFailed, msg)
		case domain.PredictionCanceled:
			return pred, domain.ErrGenerationCanceled
		}

		if attempt == p.maxAttempts {
			break
		}
		delay := p.pollInterval
		if pred.Status == domain.PredictionStarting {
			delay = p.startingInterval
		}
		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: no terminal status after %d attempts", domain.ErrPollTimeout, p.maxAttempts)
}

// Cancel asks the service to cancel a prediction. It does not interrupt a
// running Poll; the loop observes the canceled status on its next fetch.
func (p *Poller) Cancel(ctx context.Context, id string) error {
	pred, err := p.api.CancelPrediction(ctx, id)
	if err != nil {
		return err
	}
	p.logger.Info().Str("prediction_id", id).Str("status", string(pred.Status)).Msg("cancel requested")
	return nil
}

// Generate composes Submit and Poll into one call.
func (p *Poller) Generate(ctx context.Context, in domain.PredictionInput, onProgress ProgressFunc) (*GenerationResult, error) {
	pred, err := p.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	final, err := p.Poll(ctx, pred.ID, onProgress)
	if err != nil {
		return nil, err
	}
	return &GenerationResult{
		ImageURL:     final.FirstOutput(),
		PredictionID: final.ID,
		Status:       final.Status,
		CompletedAt:  final.CompletedAt,
		CostUSD:      p.ledger.Estimate(final.Input),
	}, nil
}

type trackedPrediction struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	CostUSD   float64   `json:"cost_usd,omitempty"`
}

// track appends the prediction to the local reconciliation list. A list
// that fails to parse is reset rather than repaired.
func (p *Poller) track(id string) {
	list := p.loadTracked()
	list = append(list, trackedPrediction{ID: id, Timestamp: p.now(), Status: "pending"})
	p.saveTracked(list)
}

func (p *Poller) complete(id string, cost float64) {
	list := p.loadTracked()
	for i := range list {
		if list[i].ID == id {
			list[i].Status = "completed"
			list[i].CostUSD = cost
		}
	}
	p.saveTracked(list)
}

func (p *Poller) loadTracked() []trackedPrediction {
	raw, ok := p.store.Get(trackedKey)
	if !ok {
		return nil
	}
	var list []trackedPrediction
	if err := json.Unmarshal(raw, &list); err != nil {
		p.logger.Warn().Msg("resetting corrupted tracked prediction list")
		return nil
	}
	return list
}

func (p *Poller) saveTracked(list []trackedPrediction) {
	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	if err := p.store.Set(trackedKey, raw); err != nil {
		p.logger.Warn().Err(err).Msg("failed to persist tracked predictions")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ PredictionAPI = (*Client)(nil)
