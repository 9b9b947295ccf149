package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
)

// appendScript adds a contact, optionally capped: with a non-negative
// ARGV[4] it counts the contacts scored after ARGV[3] and adds the new one
// only while the count is below the cap. Running it server side makes the
// check and the write one step for every process sharing Redis. The key
// expiry is only ever extended, so a backfilled event cannot shorten the
// life of newer ones.
//
// KEYS[1] contact set
// ARGV[1] score, ARGV[2] member, ARGV[3] window start, ARGV[4] limit,
// ARGV[5] purge horizon, ARGV[6] ttl in ms (0 keeps the key)
var appendScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[5])
local limit = tonumber(ARGV[4])
if limit >= 0 then
	local used = redis.call('ZCOUNT', KEYS[1], '(' .. ARGV[3], '+inf')
	if used >= limit then
		return 0
	end
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local ttl = tonumber(ARGV[6])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < ttl then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// ContactEventStore keeps contact timestamps in one sorted set per debtor
// and case, scored by Unix milliseconds.
type ContactEventStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

var _ compliance.ContactEventStore = (*ContactEventStore)(nil)

func NewContactEventStore(client *redis.Client, keyPrefix string, logger *zap.Logger) *ContactEventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContactEventStore{
		client: client,
		prefix: keyPrefix + contactEventsSegment,
		logger: logger.Named("redis_contacts"),
	}
}

func (s *ContactEventStore) key(k compliance.ContactKey) string {
	return s.prefix + k.String()
}

// Append stores a contact and drops events older than purgeBefore
func (s *ContactEventStore) Append(ctx context.Context, key compliance.ContactKey, at time.Time, purgeBefore time.Time) error {
	_, err := s.run(ctx, key, at, at, -1, purgeBefore)
	return err
}

// After returns stored contacts strictly after the given instant, ascending
func (s *ContactEventStore) After(ctx context.Context, key compliance.ContactKey, after time.Time) ([]time.Time, error) {
	k := s.key(key)

	zs, err := s.client.ZRangeByScoreWithScores(ctx, k, &redis.ZRangeBy{
		Min: "(" + score(after),
		Max: "+inf",
	}).Result()
	if err != nil {
		s.logger.Error("contact range failed",
			zap.String("key", k),
			zap.Error(err))
		return nil, fmt.Errorf("contact range failed: %w", err)
	}

	out := make([]time.Time, 0, len(zs))
	for _, z := range zs {
		out = append(out, time.UnixMilli(int64(z.Score)).UTC())
	}
	return out, nil
}

// AppendIfBelow adds the contact only while fewer than limit contacts are
// stored after the given instant
func (s *ContactEventStore) AppendIfBelow(ctx context.Context, key compliance.ContactKey, at, after time.Time, limit int, purgeBefore time.Time) (bool, error) {
	added, err := s.run(ctx, key, at, after, limit, purgeBefore)
	if err != nil {
		return false, err
	}
	if !added {
		s.logger.Debug("contact cap reached",
			zap.String("key", s.key(key)),
			zap.Int("limit", limit))
	}
	return added, nil
}

func (s *ContactEventStore) run(ctx context.Context, key compliance.ContactKey, at, after time.Time, limit int, purgeBefore time.Time) (bool, error) {
	k := s.key(key)

	added, err := appendScript.Run(ctx, s.client, []string{k},
		at.UnixMilli(),
		member(at),
		score(after),
		limit,
		score(purgeBefore),
		ttl(at, purgeBefore).Milliseconds(),
	).Int()
	if err != nil {
		s.logger.Error("contact append failed",
			zap.String("key", k),
			zap.Int("limit", limit),
			zap.Error(err))
		return false, fmt.Errorf("contact append failed: %w", err)
	}
	return added == 1, nil
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// member keeps contacts at the same millisecond distinct
func member(at time.Time) string {
	return strconv.FormatInt(at.UnixNano(), 10) + "-" + uuid.NewString()
}

// ttl keeps a set alive for as long as its newest event is within
// retention. Without a purge horizon the set never expires.
func ttl(at, purgeBefore time.Time) time.Duration {
	if purgeBefore.IsZero() {
		return 0
	}
	d := at.Sub(purgeBefore)
	if d < time.Minute {
		d = time.Minute
	}
	return d + time.Minute
}
