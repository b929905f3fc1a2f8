package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nanobanana/internal/domain"
)

// MemoryCreditStore is the in-process fallback used when DATABASE_URL is
// not configured. Balances do not survive a restart.
type MemoryCreditStore struct {
	mu       sync.Mutex
	balances map[string]int
}

func NewMemoryCreditStore() *MemoryCreditStore {
	return &MemoryCreditStore{balances: make(map[string]int)}
}

func (s *MemoryCreditStore) Balance(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(userID), nil
}

func (s *MemoryCreditStore) Deduct(_ context.Context, userID string, amount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.balanceLocked(userID)
	if balance < amount {
		return 0, domain.ErrInsufficientCredits
	}
	balance -= amount
	s.balances[userID] = balance
	return balance, nil
}

func (s *MemoryCreditStore) Add(_ context.Context, userID string, amount int, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.balanceLocked(userID) + amount
	s.balances[userID] = balance
	return balance, nil
}

// balanceLocked grants the signup bonus on first sight, matching the
// PostgreSQL store.
func (s *MemoryCreditStore) balanceLocked(userID string) int {
	balance, ok := s.balances[userID]
	if !ok {
		balance = domain.SignupBonusCredits
		s.balances[userID] = balance
	}
	return balance
}

// MemoryGenerationStore keeps generation records in memory, keyed by
// prediction id.
type MemoryGenerationStore struct {
	mu      sync.Mutex
	records map[string]*domain.GenerationRecord
}

func NewMemoryGenerationStore() *MemoryGenerationStore {
	return &MemoryGenerationStore{records: make(map[string]*domain.GenerationRecord)}
}

func (s *MemoryGenerationStore) Insert(_ context.Context, rec *domain.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	s.records[rec.PredictionID] = &cp
	return nil
}

func (s *MemoryGenerationStore) Complete(_ context.Context, predictionID string, status domain.PredictionStatus, imageURL string, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[predictionID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = status
	rec.ImageURL = imageURL
	rec.CostUSD = costUSD
	rec.CompletedAt = time.Now()
	return nil
}

func (s *MemoryGenerationStore) ListByUser(_ context.Context, userID string, limit int) ([]domain.GenerationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.GenerationRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ domain.CreditStore     = (*MemoryCreditStore)(nil)
	_ domain.GenerationStore = (*MemoryGenerationStore)(nil)
)
