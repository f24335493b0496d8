// Package inmem provides a process-local credit ledger for tests.
package inmem

import (
	"context"
	"sync"

	"github.com/openletter/writingdesk/runtime/orchestrator/credits"
)

// Ledger is an in-memory credits.Ledger.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]float64
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[string]float64)}
}

// Set installs a balance for a user. Test hook.
func (l *Ledger) Set(userID string, balance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = balance
}

// Balance returns the current balance for a user. Test hook.
func (l *Ledger) Balance(userID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// Deduct implements credits.Ledger.
func (l *Ledger) Deduct(_ context.Context, userID string, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[userID]
	if bal < amount {
		return bal, credits.ErrInsufficientCredits
	}
	bal -= amount
	l.balances[userID] = bal
	return bal, nil
}

// Refund implements credits.Ledger.
func (l *Ledger) Refund(_ context.Context, userID string, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[userID] + amount
	l.balances[userID] = bal
	return bal, nil
}
