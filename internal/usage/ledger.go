// Package usage meters token consumption per user and enforces tier
// quotas. Reservations go through an atomic Redis compare-and-reserve, so
// two concurrent turns can never both pass a check that only one can
// satisfy; committed records live in the store and are the source of
// truth.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"aichatd/internal/storage"
)

// Monthly token ceilings per subscription tier.
var TierLimits = map[string]int64{
	"free":       100_000,
	"pro":        1_000_000,
	"enterprise": 10_000_000,
}

var reserveScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local est = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used + est > limit then
  return {0, used}
end
local new = redis.call("INCRBY", KEYS[1], est)
if redis.call("TTL", KEYS[1]) < 0 then
  redis.call("EXPIRE", KEYS[1], ttl)
end
return {1, new}
`)

var settleScript = redis.NewScript(`
local c = redis.call("INCRBY", KEYS[1], ARGV[1])
if c < 0 then
  redis.call("INCRBY", KEYS[1], -c)
  c = 0
end
return c
`)

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
	Used    int64
	Limit   int64
}

// Commit describes the settlement of one completed turn. EstimatedTokens
// is the reservation taken at Reserve time; zero when replayed by the
// reconciliation worker.
type Commit struct {
	UserID          string
	ConversationID  string
	Provider        string
	Model           string
	TokensUsed      int
	EstimatedTokens int
	CostUSD         float64
	IdempotencyKey  string
}

type Snapshot struct {
	Tier      string
	Limit     int64
	Used      int64
	Remaining int64
}

func (s Snapshot) Percent() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Limit) * 100
}

type Ledger struct {
	store  *storage.Store
	redis  *redis.Client
	logger zerolog.Logger
}

func NewLedger(store *storage.Store, rdb *redis.Client, logger zerolog.Logger) *Ledger {
	return &Ledger{store: store, redis: rdb, logger: logger}
}

// Reserve checks the user's current-period consumption plus the worst-case
// estimate against the tier limit, and on success takes the estimate out
// of the remaining budget atomically. When the store or Redis is
// unreachable the check fails open: availability wins over strict
// enforcement, and the fallback is logged for later reconciliation.
func (l *Ledger) Reserve(ctx context.Context, userID string, estimated int, now time.Time) (Decision, error) {
	tier, err := l.store.GetUserTier(ctx, userID)
	if err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("quota check failed open: tier lookup")
		return Decision{Allowed: true}, nil
	}
	limit, ok := TierLimits[tier]
	if !ok {
		limit = TierLimits["free"]
	}

	key := l.counterKey(userID, now)
	if err := l.seedCounter(ctx, key, userID, now); err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("quota check failed open: counter seed")
		return Decision{Allowed: true, Limit: limit}, nil
	}

	res, err := reserveScript.Run(ctx, l.redis, []string{key},
		limit, estimated, int64(counterTTL(now).Seconds())).Int64Slice()
	if err != nil || len(res) != 2 {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("quota check failed open: reserve script")
		return Decision{Allowed: true, Limit: limit}, nil
	}

	if res[0] == 0 {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("quota exceeded: %d of %d tokens used this month on the %s tier", res[1], limit, tier),
			RetryAt: nextPeriodStart(now),
			Used:    res[1],
			Limit:   limit,
		}, nil
	}
	return Decision{Allowed: true, Used: res[1], Limit: limit}, nil
}

// Commit records usage for a completed turn exactly once. The idempotency
// key is deterministic per turn, so replays never create a second record;
// the reservation counter is settled from estimate to actual only when
// this call inserted the row.
func (l *Ledger) Commit(ctx context.Context, c Commit, now time.Time) error {
	inserted, err := l.store.InsertUsageRecord(ctx, storage.UsageRecord{
		UserID:         c.UserID,
		ConversationID: c.ConversationID,
		Provider:       c.Provider,
		Model:          c.Model,
		TokensUsed:     c.TokensUsed,
		CostUSD:        c.CostUSD,
		IdempotencyKey: c.IdempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	if !inserted {
		return nil
	}

	delta := int64(c.TokensUsed - c.EstimatedTokens)
	if err := l.settle(ctx, c.UserID, delta, now); err != nil {
		// The record is durable; the counter will be rebuilt from the
		// store when it expires.
		l.logger.Warn().Err(err).Str("user_id", c.UserID).Msg("usage counter settle failed")
	}
	return nil
}

// Release returns an unused reservation after a cancelled or failed turn.
func (l *Ledger) Release(ctx context.Context, userID string, estimated int, now time.Time) {
	if estimated <= 0 {
		return
	}
	if err := l.settle(ctx, userID, -int64(estimated), now); err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("usage reservation release failed")
	}
}

// Snapshot reports current-period consumption from the store. The
// notification collaborator reads Percent() from this; threshold logic is
// its business, not ours.
func (l *Ledger) Snapshot(ctx context.Context, userID string, now time.Time) (Snapshot, error) {
	tier, err := l.store.GetUserTier(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot tier: %w", err)
	}
	limit, ok := TierLimits[tier]
	if !ok {
		limit = TierLimits["free"]
	}
	used, err := l.store.SumUsageSince(ctx, userID, periodStart(now))
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot usage: %w", err)
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{Tier: tier, Limit: limit, Used: used, Remaining: remaining}, nil
}

func (l *Ledger) settle(ctx context.Context, userID string, delta int64, now time.Time) error {
	if delta == 0 {
		return nil
	}
	key := l.counterKey(userID, now)
	if err := settleScript.Run(ctx, l.redis, []string{key}, delta).Err(); err != nil {
		return fmt.Errorf("settle script: %w", err)
	}
	return nil
}

func (l *Ledger) seedCounter(ctx context.Context, key, userID string, now time.Time) error {
	exists, err := l.redis.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("counter exists: %w", err)
	}
	if exists > 0 {
		return nil
	}
	committed, err := l.store.SumUsageSince(ctx, userID, periodStart(now))
	if err != nil {
		return fmt.Errorf("sum committed usage: %w", err)
	}
	// SETNX: a concurrent seeder computed the same value.
	if err := l.redis.SetNX(ctx, key, committed, counterTTL(now)).Err(); err != nil {
		return fmt.Errorf("seed counter: %w", err)
	}
	return nil
}

func (l *Ledger) counterKey(userID string, now time.Time) string {
	return fmt.Sprintf("aichatd:usage:%s:%s", userID, now.UTC().Format("200601"))
}

func periodStart(now time.Time) time.Time {
	n := now.UTC()
	return time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func nextPeriodStart(now time.Time) time.Time {
	return periodStart(now).AddDate(0, 1, 0)
}

func counterTTL(now time.Time) time.Duration {
	ttl := nextPeriodStart(now).Sub(now.UTC())
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}
