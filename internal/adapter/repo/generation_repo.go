package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"nanobanana/internal/domain"
	"nanobanana/internal/sqlinline"
)

// GenerationRepositoryPG implements domain.GenerationStore against PostgreSQL.
type GenerationRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewGenerationRepository creates a new generation store backed by PostgreSQL.
func NewGenerationRepository(pool *pgxpool.Pool) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{pool: pool}
}

func (r *GenerationRepositoryPG) Insert(ctx context.Context, rec *domain.GenerationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, sqlinline.QInsertGeneration,
		rec.ID, rec.UserID, rec.Fingerprint, rec.PredictionID,
		rec.Prompt, rec.Width, rec.Height, string(rec.Status))
	return err
}

func (r *GenerationRepositoryPG) Complete(ctx context.Context, predictionID string, status domain.PredictionStatus, imageURL string, costUSD float64) error {
	tag, err := r.pool.Exec(ctx, sqlinline.QCompleteGeneration,
		predictionID, string(status), imageURL, costUSD)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GenerationRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.GenerationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, sqlinline.QSelectGenerationsByUser, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GenerationRecord
	for rows.Next() {
		var rec domain.GenerationRecord
		var status string
		err := rows.Scan(&rec.ID, &rec.UserID, &rec.Fingerprint, &rec.PredictionID,
			&rec.Prompt, &rec.Width, &rec.Height, &status, &rec.ImageURL, &rec.CostUSD,
			&rec.CreatedAt, &rec.CompletedAt)
		if err != nil {
			return nil, err
		}
		rec.Status = domain.PredictionStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ domain.GenerationStore = (*GenerationRepositoryPG)(nil)
