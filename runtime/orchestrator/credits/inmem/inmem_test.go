package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/credits"
)

func TestDeductAndRefund(t *testing.T) {
	l := New()
	l.Set("u1", 1.0)
	ctx := context.Background()

	remaining, err := l.Deduct(ctx, "u1", credits.PriceLetter)
	require.NoError(t, err)
	require.InEpsilon(t, 0.8, remaining, 1e-9)

	balance, err := l.Refund(ctx, "u1", credits.PriceLetter)
	require.NoError(t, err)
	require.InEpsilon(t, 1.0, balance, 1e-9)
}

func TestDeductInsufficient(t *testing.T) {
	l := New()
	l.Set("u1", 0.5)
	remaining, err := l.Deduct(context.Background(), "u1", credits.PriceResearch)
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)
	require.InEpsilon(t, 0.5, remaining, 1e-9)
	require.InEpsilon(t, 0.5, l.Balance("u1"), 1e-9, "failed deduct must not change the balance")
}

func TestPriceFor(t *testing.T) {
	require.InEpsilon(t, 0.20, credits.PriceFor(orchestrator.KindLetter), 1e-9)
	require.InEpsilon(t, 0.70, credits.PriceFor(orchestrator.KindResearch), 1e-9)
}
