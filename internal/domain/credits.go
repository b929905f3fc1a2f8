package domain

import "context"

// SignupBonusCredits is granted once when an authenticated profile is first
// seen without a balance row.
const SignupBonusCredits = 10

// CreditStore is the boundary to the authenticated credit ledger. The
// balance itself is owned elsewhere (billing/profile service); this core
// only reads and adjusts it.
type CreditStore interface {
	// Balance returns the current credit balance for a user.
	Balance(ctx context.Context, userID string) (int, error)

	// Deduct atomically subtracts amount from the balance and returns the
	// remainder. It returns ErrInsufficientCredits without mutating when
	// the balance is too low.
	Deduct(ctx context.Context, userID string, amount int) (int, error)

	// Add credits the balance (purchases, signup bonus) and returns the
	// new total.
	Add(ctx context.Context, userID string, amount int, reason string) (int, error)
}
