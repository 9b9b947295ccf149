package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/config"
	"github.com/davidleathers/debt-comms-compliance/internal/service/frequency"
)

var base = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.Default().Redis
	cfg.URL = mr.Addr()

	client, err := NewClient(&cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("nil logger", func(t *testing.T) {
		_, err := NewClient(&config.RedisConfig{URL: "localhost:6379"}, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewClient(nil, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "redis config is required")
	})

	t.Run("connection failure", func(t *testing.T) {
		cfg := &config.RedisConfig{
			URL:         "localhost:9999",
			DialTimeout: 100 * time.Millisecond,
		}
		_, err := NewClient(cfg, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "redis connection failed")
	})
}

func TestContactEventStore_AppendAndAfter(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := NewContactEventStore(client, "test:", zaptest.NewLogger(t))
	ctx := context.Background()
	key := compliance.ContactKey{DebtorID: "d1", CaseID: "c1"}

	require.NoError(t, s.Append(ctx, key, base.Add(2*time.Hour), time.Time{}))
	require.NoError(t, s.Append(ctx, key, base, time.Time{}))
	require.NoError(t, s.Append(ctx, key, base.Add(time.Hour), time.Time{}))
	// same millisecond stays a separate contact
	require.NoError(t, s.Append(ctx, key, base.Add(time.Hour), time.Time{}))

	got, err := s.After(ctx, key, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{base.Add(time.Hour), base.Add(time.Hour), base.Add(2 * time.Hour)}, got)

	got, err = s.After(ctx, key, base)
	require.NoError(t, err)
	assert.Len(t, got, 3, "after is exclusive")

	assert.True(t, mr.Exists("test:freq:2:d1:c1"))
	assert.Zero(t, mr.TTL("test:freq:2:d1:c1"), "no purge horizon, no expiry")

	other, err := s.After(ctx, compliance.ContactKey{DebtorID: "d1", CaseID: "c2"}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestContactEventStore_ColonIDsDoNotShareHistory(t *testing.T) {
	client, _ := setupTestRedis(t)
	s := NewContactEventStore(client, "test:", zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, compliance.ContactKey{DebtorID: "a:b", CaseID: "c"}, base, time.Time{}))

	got, err := s.After(ctx, compliance.ContactKey{DebtorID: "a", CaseID: "b:c"}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.After(ctx, compliance.ContactKey{DebtorID: "a:b", CaseID: "c"}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{base}, got)
}

func TestContactEventStore_PurgeAndExpiry(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := NewContactEventStore(client, "test:", zaptest.NewLogger(t))
	ctx := context.Background()
	key := compliance.ContactKey{DebtorID: "d1", CaseID: "c1"}

	require.NoError(t, s.Append(ctx, key, base.AddDate(0, 0, -40), time.Time{}))
	require.NoError(t, s.Append(ctx, key, base.AddDate(0, 0, -10), time.Time{}))
	require.NoError(t, s.Append(ctx, key, base, base.AddDate(0, 0, -30)))

	got, err := s.After(ctx, key, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{base.AddDate(0, 0, -10), base}, got)

	ttl := mr.TTL("test:freq:2:d1:c1")
	assert.Equal(t, 30*24*time.Hour+time.Minute, ttl)

	// a backfilled contact must not shorten the expiry
	require.NoError(t, s.Append(ctx, key, base.AddDate(0, 0, -5), base.AddDate(0, 0, -30)))
	assert.Equal(t, ttl, mr.TTL("test:freq:2:d1:c1"))

	mr.FastForward(ttl + time.Second)
	got, err = s.After(ctx, key, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestContactEventStore_AppendIfBelow(t *testing.T) {
	client, _ := setupTestRedis(t)
	s := NewContactEventStore(client, "test:", zaptest.NewLogger(t))
	ctx := context.Background()
	key := compliance.ContactKey{DebtorID: "d1", CaseID: "c1"}
	after := base.AddDate(0, 0, -7)

	// outside the window, does not count
	require.NoError(t, s.Append(ctx, key, after, time.Time{}))

	for i := 0; i < 3; i++ {
		ok, err := s.AppendIfBelow(ctx, key, base.Add(time.Duration(i)*time.Minute), after, 3, time.Time{})
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := s.AppendIfBelow(ctx, key, base.Add(time.Hour), after, 3, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.After(ctx, key, after)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestContactEventStore_SharedByTrackers(t *testing.T) {
	client, _ := setupTestRedis(t)
	clk := clock.NewMockClock(base)

	// two trackers over one Redis behave like two engine processes
	trackers := make([]*frequency.Tracker, 2)
	for i := range trackers {
		tr, err := frequency.NewTracker(NewContactEventStore(client, "test:", zaptest.NewLogger(t)), clk, zaptest.NewLogger(t), frequency.DefaultConfig())
		require.NoError(t, err)
		trackers[i] = tr
	}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(tr *frequency.Tracker) {
			defer wg.Done()
			_, ok, err := tr.TryRecord(context.Background(), frequency.ContactEvent{
				DebtorID:  "d1",
				CaseID:    "c1",
				Channel:   compliance.ChannelPhone,
				Direction: compliance.DirectionOutbound,
			}, 0)
			assert.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}(trackers[i%2])
	}
	wg.Wait()

	assert.Equal(t, int32(7), admitted.Load())

	res, err := trackers[0].Check(context.Background(), "d1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Used)
	assert.False(t, res.Compliant)
}

func TestCeaseDesistStore(t *testing.T) {
	client, _ := setupTestRedis(t)
	s := NewCeaseDesistStore(client, "test:", zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := s.Get(ctx, "c1")
	assert.True(t, errors.IsNotFound(err))

	rec := &compliance.CeaseDesistRecord{
		CaseID:        "c1",
		DebtorID:      "d1",
		RequestMethod: compliance.RequestWritten,
		RequestedAt:   base,
		Active:        true,
	}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DebtorID)
	assert.True(t, got.Active)
	assert.True(t, base.Equal(got.RequestedAt))

	rec.Active = false
	require.NoError(t, s.Put(ctx, rec))
	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, got.Active)
}
