// Package credits defines the fixed price schedule and the ledger contract
// runs are metered against. Prices are flat per run kind; a run charges once
// up front and refunds on failure when the charge was taken and not settled.
package credits

import (
	"context"
	"errors"

	"github.com/openletter/writingdesk/runtime/orchestrator"
)

// ErrInsufficientCredits is returned by Deduct when the balance cannot cover
// the requested amount.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Flat prices per operation, in credits.
const (
	PriceLetter        = 0.20
	PriceResearch      = 0.70
	PriceFollowUp      = 0.10
	PriceTranscription = 0.0
)

// PriceFor returns the flat price for a run kind.
func PriceFor(kind orchestrator.Kind) float64 {
	if kind == orchestrator.KindResearch {
		return PriceResearch
	}
	return PriceLetter
}

// Ledger is the credit balance backend. Deduct must be atomic: the check and
// the decrement happen as one operation.
type Ledger interface {
	// Deduct subtracts amount from the user's balance and returns the new
	// balance. Fails with ErrInsufficientCredits without changing the balance
	// when it would go negative.
	Deduct(ctx context.Context, userID string, amount float64) (float64, error)

	// Refund adds amount back to the user's balance and returns the new
	// balance.
	Refund(ctx context.Context, userID string, amount float64) (float64, error)
}
