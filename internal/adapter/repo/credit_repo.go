package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nanobanana/internal/domain"
	"nanobanana/internal/sqlinline"
)

// CreditRepositoryPG implements domain.CreditStore against PostgreSQL.
// Deduction uses a conditional update so a concurrent deduct can never
// drive the balance negative.
type CreditRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewCreditRepository creates a new credit store backed by PostgreSQL.
func NewCreditRepository(pool *pgxpool.Pool) *CreditRepositoryPG {
	return &CreditRepositoryPG{pool: pool}
}

// Balance returns the current balance, granting the signup bonus the first
// time a user is seen.
func (r *CreditRepositoryPG) Balance(ctx context.Context, userID string) (int, error) {
	row := r.pool.QueryRow(ctx, sqlinline.QSelectCreditBalance, userID)
	var credits int
	err := row.Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.grantSignupBonus(ctx, userID)
	}
	if err != nil {
		return 0, err
	}
	return credits, nil
}

// Deduct subtracts amount, returning ErrInsufficientCredits when the
// balance cannot cover it.
func (r *CreditRepositoryPG) Deduct(ctx context.Context, userID string, amount int) (int, error) {
	row := r.pool.QueryRow(ctx, sqlinline.QDeductCredits, userID, amount)
	var remaining int
	err := row.Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the user has no balance row or the balance is too low.
		if _, berr := r.Balance(ctx, userID); berr != nil {
			return 0, berr
		}
		return 0, domain.ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	_, _ = r.pool.Exec(ctx, sqlinline.QInsertCreditEvent, userID, -amount, "generation")
	return remaining, nil
}

// Add credits the balance and records the reason.
func (r *CreditRepositoryPG) Add(ctx context.Context, userID string, amount int, reason string) (int, error) {
	row := r.pool.QueryRow(ctx, sqlinline.QAddCredits, userID, amount)
	var balance int
	if err := row.Scan(&balance); err != nil {
		return 0, err
	}
	_, _ = r.pool.Exec(ctx, sqlinline.QInsertCreditEvent, userID, amount, reason)
	return balance, nil
}

func (r *CreditRepositoryPG) grantSignupBonus(ctx context.Context, userID string) (int, error) {
	row := r.pool.QueryRow(ctx, sqlinline.QInsertCreditBalance, userID, domain.SignupBonusCredits)
	var credits int
	err := row.Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the insert race; re-read.
		row = r.pool.QueryRow(ctx, sqlinline.QSelectCreditBalance, userID)
		if err := row.Scan(&credits); err != nil {
			return 0, err
		}
		return credits, nil
	}
	if err != nil {
		return 0, err
	}
	_, _ = r.pool.Exec(ctx, sqlinline.QInsertCreditEvent, userID, domain.SignupBonusCredits, "signup_bonus")
	return credits, nil
}

var _ domain.CreditStore = (*CreditRepositoryPG)(nil)
