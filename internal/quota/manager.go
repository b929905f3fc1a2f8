// Package quota gates free-tier usage for visitors without an
// authenticated identity. It is a soft nudge toward sign-up, not a
// security boundary: it rests on a weak device fingerprint and local
// persistence, so a motivated visitor can always reset it. Real abuse
// resistance needs a server-side companion keyed on signals this package
// does not see.
package quota

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nanobanana/internal/domain"
	"nanobanana/internal/infra"
	"nanobanana/internal/kvstore"
)

const (
	identityKeyPrefix = "nano_banana_anonymous_"
	windowKeyPrefix   = "nano_banana_ip_usage_"
)

// Config holds the free-tier budgets.
type Config struct {
	// FreeLimit is the free-action budget per anonymous identity.
	FreeLimit int
	// ReplenishEvery restores one free action per elapsed period.
	ReplenishEvery time.Duration
	// RateLimit caps actions per client within RateWindow, independent of
	// the free budget.
	RateLimit  int
	RateWindow time.Duration
	// StaleAfter is the inactivity horizon after which identity records
	// are swept.
	StaleAfter time.Duration
}

// DefaultConfig returns the shipped budgets: 5 free generations with one
// restored per 24h, 5 actions per rolling hour, records swept after a week.
func DefaultConfig() Config {
	return Config{
		FreeLimit:      5,
		ReplenishEvery: 24 * time.Hour,
		RateLimit:      5,
		RateWindow:     time.Hour,
		StaleAfter:     7 * 24 * time.Hour,
	}
}

// Options configures a Manager.
type Options struct {
	Config Config
	Store  kvstore.Store
	Clock  func() time.Time
	Logger *infra.Logger
}

// Manager owns the anonymous identity records and rate windows in its
// store. All check-then-act sequences run under one mutex so two requests
// cannot interleave between validation and the write.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	store  kvstore.Store
	now    func() time.Time
	logger *infra.Logger
}

type identityRecord struct {
	AnonymousID         string    `json:"anonymous_id"`
	FreeGenerationsUsed int       `json:"free_generations_used"`
	LastResetTime       time.Time `json:"last_reset_time"`
}

// Decision is the outcome of a CanPerform check.
type Decision struct {
	Allowed          bool
	RemainingFree    int
	Reason           domain.QuotaReason
	NextResetAt      *time.Time
	RateLimitResetAt *time.Time
	RequestsInWindow int
}

// Result reports the state after a successful Consume.
type Result struct {
	RemainingFree int
	NextResetAt   *time.Time
}

// Snapshot is a read-only view for quota displays.
type Snapshot struct {
	AnonymousID              string     `json:"anonymous_id"`
	FreeGenerationsUsed      int        `json:"free_generations_used"`
	FreeGenerationsRemaining int        `json:"free_generations_remaining"`
	FreeGenerationsLimit     int        `json:"free_generations_limit"`
	CanGenerate              bool       `json:"can_generate"`
	Reason                   string     `json:"reason,omitempty"`
	NextResetAt              *time.Time `json:"next_reset_at,omitempty"`
	RequestsInWindow         int        `json:"requests_in_window"`
	RequestsRemaining        int        `json:"requests_remaining"`
	RateLimitResetAt         *time.Time `json:"rate_limit_reset_at,omitempty"`
}

// NewManager constructs a Manager and sweeps stale identity records once.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg.FreeLimit <= 0 {
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
	m := &Manager{cfg: cfg, store: opts.Store, now: now, logger: logger}
	m.sweep()
	return m
}

// Identify derives the stable pseudo-identity for a device profile,
// creating the persisted seed on first call. Idempotent for as long as the
// store survives.
func (m *Manager) Identify(p DeviceProfile) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fingerprint(p, m.store, m.now)
}

// CanPerform checks both gates without consuming budget. The free-budget
// reason takes precedence when both gates fail. Replenishment is applied
// (and persisted) as a side effect, so the call is safe to poll from quota
// displays.
func (m *Manager) CanPerform(fp, clientKey string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, _, _ := m.decideLocked(fp, clientKey)
	return d
}

// Consume re-validates both gates, then records one action against the
// free budget and the rate window as a single atomic unit. Callers must
// not assume success merely because an earlier CanPerform allowed it.
func (m *Manager) Consume(fp, clientKey string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, rec, window := m.decideLocked(fp, clientKey)
	if !d.Allowed {
		return Result{}, &domain.QuotaError{
			Reason:           d.Reason,
			NextResetAt:      d.NextResetAt,
			RateLimitResetAt: d.RateLimitResetAt,
		}
	}

	rec.FreeGenerationsUsed++
	m.saveIdentity(rec)
	window = append(window, m.now())
	m.saveWindow(clientKey, window)

	remaining := m.cfg.FreeLimit - rec.FreeGenerationsUsed
	if remaining < 0 {
		remaining = 0
	}
	next := rec.LastResetTime.Add(m.cfg.ReplenishEvery)
	m.logger.Debug().Str("fingerprint", fp).Int("remaining_free", remaining).Msg("free generation consumed")
	return Result{RemainingFree: remaining, NextResetAt: &next}, nil
}

// Status returns a read-only snapshot for the given identity and client.
func (m *Manager) Status(fp, clientKey string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, rec, _ := m.decideLocked(fp, clientKey)
	remainingReq := m.cfg.RateLimit - d.RequestsInWindow
	if remainingReq < 0 {
		remainingReq = 0
	}
	return Snapshot{
		AnonymousID:              fp,
		FreeGenerationsUsed:      rec.FreeGenerationsUsed,
		FreeGenerationsRemaining: d.RemainingFree,
		FreeGenerationsLimit:     m.cfg.FreeLimit,
		CanGenerate:              d.Allowed,
		Reason:                   string(d.Reason),
		NextResetAt:              d.NextResetAt,
		RequestsInWindow:         d.RequestsInWindow,
		RequestsRemaining:        remainingReq,
		RateLimitResetAt:         d.RateLimitResetAt,
	}
}

// decideLocked evaluates both gates. Callers hold m.mu.
func (m *Manager) decideLocked(fp, clientKey string) (Decision, *identityRecord, []time.Time) {
	rec := m.loadIdentity(fp)
	window := m.loadWindow(clientKey)

	remaining := m.cfg.FreeLimit - rec.FreeGenerationsUsed
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{RemainingFree: remaining, RequestsInWindow: len(window)}
	if rec.FreeGenerationsUsed > 0 {
		next := rec.LastResetTime.Add(m.cfg.ReplenishEvery)
		d.NextResetAt = &next
	}
	if len(window) >= m.cfg.RateLimit && len(window) > 0 {
		oldest := window[0]
		for _, ts := range window[1:] {
			if ts.Before(oldest) {
				oldest = ts
			}
		}
		reset := oldest.Add(m.cfg.RateWindow)
		d.RateLimitResetAt = &reset
	}

	switch {
	case remaining <= 0:
		d.Reason = domain.ReasonNoFreeGenerations
	case len(window) >= m.cfg.RateLimit:
		d.Reason = domain.ReasonIPRateLimited
	default:
		d.Allowed = true
	}
	return d, rec, window
}

// loadIdentity returns the stored record for a fingerprint, creating a
// fresh one when absent or corrupted, and applies lazy replenishment.
func (m *Manager) loadIdentity(fp string) *identityRecord {
	key := identityKeyPrefix + fp
	rec := &identityRecord{AnonymousID: fp, LastResetTime: m.now()}

	raw, ok := m.store.Get(key)
	if ok {
		var stored identityRecord
		if err := json.Unmarshal(raw, &stored); err != nil || stored.LastResetTime.IsZero() {
			m.logger.Warn().Str("fingerprint", fp).Msg("discarding corrupted identity record")
			m.saveIdentity(rec)
			return rec
		}
		stored.AnonymousID = fp
		rec = &stored
	} else {
		m.saveIdentity(rec)
		return rec
	}

	if m.replenish(rec) {
		m.saveIdentity(rec)
	}
	return rec
}

// replenish restores one free action per whole elapsed period, capped at
// the amount actually used. LastResetTime advances by exactly the number
// of whole periods, preserving fractional progress toward the next tick.
func (m *Manager) replenish(rec *identityRecord) bool {
	elapsed := m.now().Sub(rec.LastResetTime)
	if elapsed < m.cfg.ReplenishEvery {
		return false
	}
	periods := int(elapsed / m.cfg.ReplenishEvery)
	restore := periods
	if restore > rec.FreeGenerationsUsed {
		restore = rec.FreeGenerationsUsed
	}
	if restore <= 0 {
		return false
	}
	rec.FreeGenerationsUsed -= restore
	rec.LastResetTime = rec.LastResetTime.Add(time.Duration(periods) * m.cfg.ReplenishEvery)
	return true
}

func (m *Manager) saveIdentity(rec *identityRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := m.store.Set(identityKeyPrefix+rec.AnonymousID, raw); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist identity record")
	}
}

// loadWindow returns the retained action timestamps for a client, pruning
// entries outside the trailing window.
func (m *Manager) loadWindow(clientKey string) []time.Time {
	raw, ok := m.store.Get(windowKeyPrefix + clientKey)
	if !ok {
		return nil
	}
	var millis []int64
	if err := json.Unmarshal(raw, &millis); err != nil {
		m.logger.Warn().Str("client", clientKey).Msg("discarding corrupted rate window")
		return nil
	}
	now := m.now()
	var window []time.Time
	for _, ms := range millis {
		ts := time.UnixMilli(ms)
		if now.Sub(ts) < m.cfg.RateWindow {
			window = append(window, ts)
		}
	}
	return window
}

func (m *Manager) saveWindow(clientKey string, window []time.Time) {
	millis := make([]int64, 0, len(window))
	for _, ts := range window {
		millis = append(millis, ts.UnixMilli())
	}
	raw, err := json.Marshal(millis)
	if err != nil {
		return
	}
	if err := m.store.Set(windowKeyPrefix+clientKey, raw); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist rate window")
	}
}

// sweep deletes identity records past the staleness horizon and any record
// that no longer parses.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	horizon := m.now().Add(-m.cfg.StaleAfter)
	for _, key := range m.store.Keys(identityKeyPrefix) {
		raw, ok := m.store.Get(key)
		if !ok {
			continue
		}
		var rec identityRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.LastResetTime.IsZero() {
			m.logger.Info().Str("key", key).Msg("removed corrupted identity record")
			_ = m.store.Delete(key)
			continue
		}
		if rec.LastResetTime.Before(horizon) {
			m.logger.Info().Str("key", key).Msg("swept stale identity record")
			_ = m.store.Delete(key)
		}
	}
}
