package quota

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nanobanana/internal/domain"
	"nanobanana/internal/kvstore"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(cfg Config, store kvstore.Store, clock *fakeClock) *Manager {
	return NewManager(Options{Config: cfg, Store: store, Clock: clock.Now})
}

func TestFreeBudgetExhaustion(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	m := newTestManager(DefaultConfig(), kvstore.NewMemory(), clock)

	const fp = "abc123"
	for i := 0; i < 5; i++ {
		res, err := m.Consume(fp, "203.0.113.1")
		require.NoError(t, err, "consume %d", i+1)
		require.Equal(t, 4-i, res.RemainingFree)
		clock.Advance(time.Second)
	}

	d := m.CanPerform(fp, "203.0.113.1")
	require.False(t, d.Allowed)
	require.Equal(t, domain.ReasonNoFreeGenerations, d.Reason)
	require.Equal(t, 0, d.RemainingFree)

	_, err := m.Consume(fp, "203.0.113.1")
	var qe *domain.QuotaError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, domain.ReasonNoFreeGenerations, qe.Reason)
	require.True(t, errors.Is(err, domain.ErrQuotaExceeded))
}

func TestReplenishmentArithmetic(t *testing.T) {
	tests := []struct {
		name        string
		used        int
		elapsed     time.Duration
		wantUsed    int
		wantAdvance time.Duration
	}{
		{"one period restores one", 3, 25 * time.Hour, 2, 24 * time.Hour},
		{"two periods restore two", 3, 49 * time.Hour, 1, 48 * time.Hour},
		{"restore capped at used", 2, 30 * 24 * time.Hour, 0, 30 * 24 * time.Hour},
		{"under one period restores nothing", 3, 23 * time.Hour, 3, 0},
		{"nothing used nothing restored", 0, 72 * time.Hour, 0, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
			clock := &fakeClock{now: start}
			store := kvstore.NewMemory()
			cfg := DefaultConfig()
			cfg.StaleAfter = 365 * 24 * time.Hour
			m := newTestManager(cfg, store, clock)

			rec := identityRecord{AnonymousID: "fp", FreeGenerationsUsed: tc.used, LastResetTime: start}
			raw, err := json.Marshal(rec)
			require.NoError(t, err)
			require.NoError(t, store.Set("nano_banana_anonymous_fp", raw))

			clock.Advance(tc.elapsed)
			d := m.CanPerform("fp", "ip")
			require.Equal(t, cfg.FreeLimit-tc.wantUsed, d.RemainingFree)

			stored, ok := store.Get("nano_banana_anonymous_fp")
			require.True(t, ok)
			var after identityRecord
			require.NoError(t, json.Unmarshal(stored, &after))
			require.Equal(t, tc.wantUsed, after.FreeGenerationsUsed)
			require.True(t, after.LastResetTime.Equal(start.Add(tc.wantAdvance)),
				"lastReset = %v, want %v", after.LastResetTime, start.Add(tc.wantAdvance))
		})
	}
}

func TestExhaustionThenReplenishScenario(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	m := newTestManager(DefaultConfig(), kvstore.NewMemory(), clock)

	const fp = "fp1"
	for i := 0; i < 5; i++ {
		_, err := m.Consume(fp, "ip1")
		require.NoError(t, err)
		clock.Advance(10 * time.Second)
	}
	d := m.CanPerform(fp, "ip1")
	require.False(t, d.Allowed)
	require.Equal(t, domain.ReasonNoFreeGenerations, d.Reason)
	require.NotNil(t, d.NextResetAt)

	clock.Advance(25 * time.Hour)
	d = m.CanPerform(fp, "ip1")
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.RemainingFree)
}

func TestRateWindowGate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.FreeLimit = 100 // free budget stays out of the way
	m := newTestManager(cfg, kvstore.NewMemory(), clock)

	for i := 0; i < 5; i++ {
		_, err := m.Consume("fp", "198.51.100.7")
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)
	}

	d := m.CanPerform("fp", "198.51.100.7")
	require.False(t, d.Allowed)
	require.Equal(t, domain.ReasonIPRateLimited, d.Reason)
	require.NotNil(t, d.RateLimitResetAt)
	require.Equal(t, 5, d.RequestsInWindow)

	// A different client key has an independent window.
	d = m.CanPerform("fp", "198.51.100.8")
	require.True(t, d.Allowed)

	// Once the oldest timestamp ages out, the gate opens again.
	clock.Advance(55 * time.Minute)
	d = m.CanPerform("fp", "198.51.100.7")
	require.True(t, d.Allowed)
	require.Less(t, d.RequestsInWindow, 5)
}

func TestFreeBudgetReasonTakesPrecedence(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	m := newTestManager(DefaultConfig(), kvstore.NewMemory(), clock)

	// Exhaust both gates: 5 consumes fill the free budget and the window.
	for i := 0; i < 5; i++ {
		_, err := m.Consume("fp", "ip")
		require.NoError(t, err)
	}
	d := m.CanPerform("fp", "ip")
	require.False(t, d.Allowed)
	require.Equal(t, domain.ReasonNoFreeGenerations, d.Reason)
}

func TestWindowTimestampsPruned(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	store := kvstore.NewMemory()
	cfg := DefaultConfig()
	cfg.FreeLimit = 100
	m := newTestManager(cfg, store, clock)

	_, err := m.Consume("fp", "ip")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = m.Consume("fp", "ip")
	require.NoError(t, err)

	raw, ok := store.Get("nano_banana_ip_usage_ip")
	require.True(t, ok)
	var millis []int64
	require.NoError(t, json.Unmarshal(raw, &millis))
	require.Len(t, millis, 1, "timestamps outside the window must be absent")
	require.Equal(t, clock.Now().UnixMilli(), millis[0])
}

func TestCorruptedRecordsReset(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	store := kvstore.NewMemory()
	require.NoError(t, store.Set("nano_banana_ip_usage_ip", []byte("{broken")))
	m := newTestManager(DefaultConfig(), store, clock)

	require.NoError(t, store.Set("nano_banana_anonymous_fp", []byte("not json")))
	d := m.CanPerform("fp", "ip")
	require.True(t, d.Allowed)
	require.Equal(t, 5, d.RemainingFree)
}

func TestSweepRemovesStaleAndCorrupt(t *testing.T) {
	now := time.Date(2026, 9, 8, 10, 0, 0, 0, time.UTC)
	store := kvstore.NewMemory()

	stale := identityRecord{AnonymousID: "old", FreeGenerationsUsed: 1, LastResetTime: now.Add(-8 * 24 * time.Hour)}
	fresh := identityRecord{AnonymousID: "new", FreeGenerationsUsed: 1, LastResetTime: now.Add(-time.Hour)}
	staleRaw, _ := json.Marshal(stale)
	freshRaw, _ := json.Marshal(fresh)
	require.NoError(t, store.Set("nano_banana_anonymous_old", staleRaw))
	require.NoError(t, store.Set("nano_banana_anonymous_new", freshRaw))
	require.NoError(t, store.Set("nano_banana_anonymous_bad", []byte("garbage")))

	newTestManager(DefaultConfig(), store, &fakeClock{now: now})

	_, ok := store.Get("nano_banana_anonymous_old")
	require.False(t, ok, "stale record should be swept")
	_, ok = store.Get("nano_banana_anonymous_bad")
	require.False(t, ok, "corrupt record should be swept")
	_, ok = store.Get("nano_banana_anonymous_new")
	require.True(t, ok, "fresh record should survive")
}

func TestStatusMessageLocales(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	reset := now.Add(90 * time.Minute)
	s := Snapshot{
		CanGenerate:          false,
		FreeGenerationsLimit: 5,
		NextResetAt:          &reset,
	}

	en := StatusMessage(s, "en", now)
	require.Contains(t, en, "all 5 free generations")
	require.Contains(t, en, "2 hours")

	zh := StatusMessage(s, "zh", now)
	require.Contains(t, zh, "5 次免费生成")

	open := Snapshot{CanGenerate: true, FreeGenerationsRemaining: 3}
	require.Equal(t, "3 free generations remaining", StatusMessage(open, "en", now))
}
