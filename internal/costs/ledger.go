// Package costs keeps a local running estimate of provider spend. It is a
// governor against runaway usage, not a billing record: estimates are a
// pure function of job input and never reconciled against real invoices.
package costs

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nanobanana/internal/domain"
	"nanobanana/internal/infra"
	"nanobanana/internal/kvstore"
)

const (
	dayKeyPrefix   = "dailyCost_"
	monthKeyPrefix = "monthlyCost_"
	dayKeyFormat   = "2006-01-02"
	monthKeyFormat = "2006-01"
)

// Config holds the spend ceilings and the estimation heuristics. The
// multipliers are hardcoded heuristics carried over from the original
// deployment; treat them as tunables, not derived pricing.
type Config struct {
	DailyLimitUSD   float64
	MonthlyLimitUSD float64
	AlertThreshold  float64

	BaseRateUSD     float64
	PixelThreshold  int
	PixelMultiplier float64
	StepThreshold   int
	StepMultiplier  float64
}

// DefaultConfig mirrors the limits the service shipped with.
func DefaultConfig() Config {
	return Config{
		DailyLimitUSD:   10.0,
		MonthlyLimitUSD: 100.0,
		AlertThreshold:  0.8,
		BaseRateUSD:     0.0055,
		PixelThreshold:  1024 * 1024,
		PixelMultiplier: 1.5,
		StepThreshold:   50,
		StepMultiplier:  1.2,
	}
}

// Options configures a Ledger.
type Options struct {
	Config Config
	Store  kvstore.Store
	Clock  func() time.Time
	Logger *infra.Logger
}

// Ledger accumulates estimated spend per calendar day and month. Totals are
// monotonically non-decreasing within a period; a period resets only by its
// key rolling over, never by an explicit clear.
type Ledger struct {
	mu     sync.Mutex
	cfg    Config
	store  kvstore.Store
	now    func() time.Time
	logger *infra.Logger
}

// PeriodStats describes spend against a ceiling for one period.
type PeriodStats struct {
	Spent      float64 `json:"spent"`
	Limit      float64 `json:"limit"`
	Remaining  float64 `json:"remaining"`
	Percentage float64 `json:"percentage"`
}

// Stats summarizes the current day and month.
type Stats struct {
	Daily   PeriodStats `json:"daily"`
	Monthly PeriodStats `json:"monthly"`
}

// NewLedger constructs a Ledger backed by the given store.
func NewLedger(opts Options) *Ledger {
	cfg := opts.Config
	if cfg.BaseRateUSD <= 0 {
		cfg = DefaultConfig()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Ledger{cfg: cfg, store: opts.Store, now: now, logger: logger}
}

// Estimate computes the approximate cost of one generation from its input.
// Larger images and higher step counts scale the base rate by fixed
// multipliers.
func (l *Ledger) Estimate(in domain.PredictionInput) float64 {
	width := in.Width
	if width <= 0 {
		width = domain.DefaultImageSize
	}
	height := in.Height
	if height <= 0 {
		height = domain.DefaultImageSize
	}
	steps := in.NumInferenceSteps
	if steps <= 0 {
		steps = domain.DefaultInferenceSteps
	}

	multiplier := 1.0
	if width*height > l.cfg.PixelThreshold {
		multiplier *= l.cfg.PixelMultiplier
	}
	if steps > l.cfg.StepThreshold {
		multiplier *= l.cfg.StepMultiplier
	}
	return l.cfg.BaseRateUSD * multiplier
}

// CheckLimits returns ErrCostLimitExceeded when the running daily or
// monthly estimate has met its ceiling. It also emits a warning once spend
// crosses the alert threshold.
func (l *Ledger) CheckLimits() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	daily := l.read(dayKeyPrefix + now.Format(dayKeyFormat))
	monthly := l.read(monthKeyPrefix + now.Format(monthKeyFormat))

	if daily >= l.cfg.DailyLimitUSD {
		return fmt.Errorf("%w: daily estimate $%.2f at limit $%.2f", domain.ErrCostLimitExceeded, daily, l.cfg.DailyLimitUSD)
	}
	if monthly >= l.cfg.MonthlyLimitUSD {
		return fmt.Errorf("%w: monthly estimate $%.2f at limit $%.2f", domain.ErrCostLimitExceeded, monthly, l.cfg.MonthlyLimitUSD)
	}

	if daily >= l.cfg.DailyLimitUSD*l.cfg.AlertThreshold {
		l.logger.Warn().Float64("spent_usd", daily).Float64("limit_usd", l.cfg.DailyLimitUSD).Msg("daily cost estimate approaching limit")
	}
	if monthly >= l.cfg.MonthlyLimitUSD*l.cfg.AlertThreshold {
		l.logger.Warn().Float64("spent_usd", monthly).Float64("limit_usd", l.cfg.MonthlyLimitUSD).Msg("monthly cost estimate approaching limit")
	}
	return nil
}

// Record adds the estimate for the given input to the current day and
// month totals and returns the amount added. The read-modify-write runs
// under the ledger mutex so two jobs completing together cannot lose an
// update.
func (l *Ledger) Record(in domain.PredictionInput) float64 {
	cost := l.Estimate(in)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dayKey := dayKeyPrefix + now.Format(dayKeyFormat)
	monthKey := monthKeyPrefix + now.Format(monthKeyFormat)
	l.write(dayKey, l.read(dayKey)+cost)
	l.write(monthKey, l.read(monthKey)+cost)

	l.logger.Debug().Float64("cost_usd", cost).Msg("cost estimate recorded")
	return cost
}

// Stats reports current spend against both ceilings.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	daily := l.read(dayKeyPrefix + now.Format(dayKeyFormat))
	monthly := l.read(monthKeyPrefix + now.Format(monthKeyFormat))
	return Stats{
		Daily:   periodStats(daily, l.cfg.DailyLimitUSD),
		Monthly: periodStats(monthly, l.cfg.MonthlyLimitUSD),
	}
}

func periodStats(spent, limit float64) PeriodStats {
	remaining := limit - spent
	if remaining < 0 {
		remaining = 0
	}
	percentage := 0.0
	if limit > 0 {
		percentage = spent / limit * 100
	}
	return PeriodStats{Spent: spent, Limit: limit, Remaining: remaining, Percentage: percentage}
}

// read returns the stored total for a period key. A missing or unparseable
// value reads as zero.
func (l *Ledger) read(key string) float64 {
	raw, ok := l.store.Get(key)
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func (l *Ledger) write(key string, value float64) {
	if err := l.store.Set(key, []byte(strconv.FormatFloat(value, 'f', -1, 64))); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("failed to persist cost total")
	}
}
