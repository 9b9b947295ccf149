package frequency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/store/memory"
)

var now = time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) (*Tracker, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(now)
	tr, err := NewTracker(memory.NewContactEventStore(), clk, zaptest.NewLogger(t), DefaultConfig())
	require.NoError(t, err)
	return tr, clk
}

func outbound(at time.Time) ContactEvent {
	return ContactEvent{
		DebtorID:  "debtor-1",
		CaseID:    "case-1",
		Channel:   compliance.ChannelEmail,
		Direction: compliance.DirectionOutbound,
		Timestamp: at,
	}
}

func TestNewTracker_Validation(t *testing.T) {
	_, err := NewTracker(nil, nil, nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Limit = 0
	_, err = NewTracker(memory.NewContactEventStore(), nil, nil, cfg)
	assert.Error(t, err)
}

func TestTracker_EmptyHistory(t *testing.T) {
	tr, _ := newTestTracker(t)

	res, err := tr.Check(context.Background(), "debtor-1", "case-1")
	require.NoError(t, err)

	assert.True(t, res.Compliant)
	assert.Equal(t, 0, res.Used)
	assert.Equal(t, 7, res.Limit)
	assert.Equal(t, 7, res.Remaining)
	assert.False(t, res.WarningThreshold)
	assert.Equal(t, now.Add(7*24*time.Hour), res.NextResetDate)
	assert.Equal(t, 7, res.WindowDays)
}

func TestTracker_CountsOnlyOutboundCountedChannelsInWindow(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	events := []struct {
		ev      ContactEvent
		counted bool
	}{
		{outbound(now.Add(-1 * time.Hour)), true},
		{outbound(now.Add(-6*24*time.Hour - 23*time.Hour)), true},
		// exactly one window old: already outside the trailing window
		{outbound(now.Add(-7 * 24 * time.Hour)), true},
		{outbound(now.Add(-8 * 24 * time.Hour)), true},
		{ContactEvent{DebtorID: "debtor-1", CaseID: "case-1", Channel: compliance.ChannelEmail, Direction: compliance.DirectionInbound, Timestamp: now.Add(-time.Hour)}, false},
		{ContactEvent{DebtorID: "debtor-1", CaseID: "case-1", Channel: compliance.ChannelLetter, Direction: compliance.DirectionOutbound, Timestamp: now.Add(-time.Hour)}, false},
		// same debtor, other case
		{ContactEvent{DebtorID: "debtor-1", CaseID: "case-2", Channel: compliance.ChannelSMS, Direction: compliance.DirectionOutbound, Timestamp: now.Add(-time.Hour)}, true},
	}

	for _, e := range events {
		counted, err := tr.Record(ctx, e.ev)
		require.NoError(t, err)
		assert.Equal(t, e.counted, counted)
	}

	res, err := tr.Check(ctx, "debtor-1", "case-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Used)
	assert.Equal(t, 5, res.Remaining)
	assert.Equal(t, now.Add(-6*24*time.Hour-23*time.Hour).Add(7*24*time.Hour), res.NextResetDate)

	other, err := tr.Check(ctx, "debtor-1", "case-2")
	require.NoError(t, err)
	assert.Equal(t, 1, other.Used)
}

func TestTracker_RemainingAndWarningThreshold(t *testing.T) {
	for used := 0; used <= 9; used++ {
		t.Run("", func(t *testing.T) {
			tr, _ := newTestTracker(t)
			ctx := context.Background()
			for i := 0; i < used; i++ {
				_, err := tr.Record(ctx, outbound(now.Add(-time.Duration(i+1)*time.Minute)))
				require.NoError(t, err)
			}

			res, err := tr.Check(ctx, "debtor-1", "case-1")
			require.NoError(t, err)

			wantRemaining := 7 - used
			if wantRemaining < 0 {
				wantRemaining = 0
			}
			assert.Equal(t, used, res.Used)
			assert.Equal(t, wantRemaining, res.Remaining)
			assert.Equal(t, wantRemaining > 0 && wantRemaining <= 2, res.WarningThreshold)
			assert.Equal(t, used < 7, res.Compliant)
		})
	}
}

func TestTracker_WindowExpiryScenario(t *testing.T) {
	tr, clk := newTestTracker(t)
	ctx := context.Background()

	// 7 contacts within 24 hours
	first := now.Add(-23 * time.Hour)
	for i := 0; i < 7; i++ {
		_, err := tr.Record(ctx, outbound(first.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	res, err := tr.Check(ctx, "debtor-1", "case-1")
	require.NoError(t, err)
	assert.False(t, res.Compliant)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, first.Add(7*24*time.Hour), res.NextResetDate)

	// move to the exact moment the oldest contact leaves the window
	clk.Set(res.NextResetDate)
	res, err = tr.Check(ctx, "debtor-1", "case-1")
	require.NoError(t, err)
	assert.True(t, res.Compliant)
	assert.Equal(t, 6, res.Used)
	assert.Equal(t, 1, res.Remaining)
	assert.True(t, res.WarningThreshold)
}

func TestTracker_RecordDefaultsTimestampToClock(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Record(ctx, outbound(time.Time{}))
	require.NoError(t, err)

	res, err := tr.Check(ctx, "debtor-1", "case-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Used)
	assert.Equal(t, now.Add(7*24*time.Hour), res.NextResetDate)
}

func TestTracker_RejectsFutureTimestamps(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Record(ctx, outbound(now.Add(72*time.Hour)))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, admitted, err := tr.TryRecord(ctx, outbound(now.Add(time.Second)), 0)
	assert.True(t, errors.IsValidation(err))
	assert.False(t, admitted)

	res, err := tr.Check(ctx, "debtor-1", "case-1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Used)
	assert.Equal(t, now.Add(7*24*time.Hour), res.NextResetDate)

	// the current instant itself is not in the future
	_, err = tr.Record(ctx, outbound(now))
	require.NoError(t, err)
}

func TestTracker_IgnoresStoredEventsAheadOfClock(t *testing.T) {
	store := memory.NewContactEventStore()
	clk := clock.NewMockClock(now)
	tr, err := NewTracker(store, clk, zaptest.NewLogger(t), DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	key := compliance.ContactKey{DebtorID: "debtor-1", CaseID: "case-1"}
	require.NoError(t, store.Append(ctx, key, now.Add(-time.Hour), time.Time{}))
	// written by a process whose clock runs a day ahead
	require.NoError(t, store.Append(ctx, key, now.Add(24*time.Hour), time.Time{}))

	res, err := tr.Check(ctx, "debtor-1", "case-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Used)
	assert.Equal(t, now.Add(-time.Hour).Add(7*24*time.Hour), res.NextResetDate)
}

func TestTracker_ValidationErrors(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Record(ctx, ContactEvent{CaseID: "c", Channel: compliance.ChannelSMS, Direction: compliance.DirectionOutbound})
	assert.True(t, errors.IsValidation(err))

	_, err = tr.Record(ctx, ContactEvent{DebtorID: "d", CaseID: "c", Channel: "carrier-pigeon", Direction: compliance.DirectionOutbound})
	assert.True(t, errors.IsValidation(err))

	_, err = tr.Check(ctx, "", "case-1")
	assert.True(t, errors.IsValidation(err))
}

func TestTracker_CheckLimitOverride(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tr.Record(ctx, outbound(now.Add(-time.Duration(i+1)*time.Hour)))
		require.NoError(t, err)
	}

	res, err := tr.CheckLimit(ctx, "debtor-1", "case-1", 3)
	require.NoError(t, err)
	assert.False(t, res.Compliant)
	assert.Equal(t, 3, res.Limit)
}

func TestTracker_TryRecordNeverOvershoots(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := tr.TryRecord(ctx, outbound(time.Time{}), 0)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, admitted)
	res, err := tr.Check(ctx, "debtor-1", "case-1")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Used)
}

func TestTracker_TryRecordUncountedChannel(t *testing.T) {
	tr, _ := newTestTracker(t)
	ev := outbound(time.Time{})
	ev.Channel = compliance.ChannelLetter

	res, ok, err := tr.TryRecord(context.Background(), ev, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, res.Used)
}
