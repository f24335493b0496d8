// Package redis implements the credit ledger on Redis. Deduct is a Lua
// script so the balance check and decrement are one atomic operation per
// user.
package redis

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/openletter/writingdesk/runtime/orchestrator/credits"
)

const ledgerClientName = "credits-redis"

// deductScript refuses the decrement when it would take the balance negative.
// Returns {1, newBalance} on success and {0, currentBalance} on refusal.
var deductScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local balance = tonumber(redis.call('GET', key) or '0')
if balance < amount then
  return {0, tostring(balance)}
end
local after = redis.call('INCRBYFLOAT', key, -amount)
return {1, after}
`)

// Ledger is a Redis-backed credits.Ledger.
type Ledger struct {
	rdb    *redis.Client
	prefix string
}

// New constructs a Ledger. Balances live at "credits:<userId>".
func New(rdb *redis.Client) (*Ledger, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Ledger{rdb: rdb, prefix: "credits:"}, nil
}

// Name implements health.Pinger.
func (l *Ledger) Name() string { return ledgerClientName }

// Ping implements health.Pinger.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// Deduct implements credits.Ledger.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount float64) (float64, error) {
	if amount <= 0 {
		return l.balance(ctx, userID)
	}
	res, err := deductScript.Run(ctx, l.rdb, []string{l.key(userID)}, amount).Slice()
	if err != nil {
		return 0, err
	}
	if len(res) != 2 {
		return 0, errors.New("unexpected deduct script reply")
	}
	ok, _ := res[0].(int64)
	balance, err := parseBalance(res[1])
	if err != nil {
		return 0, err
	}
	if ok != 1 {
		return balance, credits.ErrInsufficientCredits
	}
	return balance, nil
}

// Refund implements credits.Ledger.
func (l *Ledger) Refund(ctx context.Context, userID string, amount float64) (float64, error) {
	if amount <= 0 {
		return l.balance(ctx, userID)
	}
	return l.rdb.IncrByFloat(ctx, l.key(userID), amount).Result()
}

// Set installs a balance. Used by provisioning and tests.
func (l *Ledger) Set(ctx context.Context, userID string, balance float64) error {
	return l.rdb.Set(ctx, l.key(userID), strconv.FormatFloat(balance, 'f', -1, 64), 0).Err()
}

func (l *Ledger) balance(ctx context.Context, userID string) (float64, error) {
	raw, err := l.rdb.Get(ctx, l.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

func (l *Ledger) key(userID string) string { return l.prefix + userID }

func parseBalance(v any) (float64, error) {
	switch b := v.(type) {
	case string:
		return strconv.ParseFloat(b, 64)
	case int64:
		return float64(b), nil
	case float64:
		return b, nil
	default:
		return 0, errors.New("unexpected balance type in script reply")
	}
}
