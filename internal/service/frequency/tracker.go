package frequency

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/validation"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/telemetry"
)

// Config holds the contact-frequency policy
type Config struct {
	Limit           int                  `json:"limit"`
	Window          time.Duration        `json:"window"`
	Retention       time.Duration        `json:"retention"`
	CountedChannels []compliance.Channel `json:"counted_channels"`
	// WarningAt is the remaining-contacts threshold that raises a warning
	WarningAt int `json:"warning_at"`
}

// DefaultConfig is 7 contacts per trailing 7 days on phone, SMS and email
func DefaultConfig() Config {
	return Config{
		Limit:     7,
		Window:    7 * 24 * time.Hour,
		Retention: 30 * 24 * time.Hour,
		CountedChannels: []compliance.Channel{
			compliance.ChannelPhone,
			compliance.ChannelSMS,
			compliance.ChannelEmail,
		},
		WarningAt: 2,
	}
}

// ContactEvent is one communication reported to the tracker
type ContactEvent struct {
	DebtorID  string               `json:"debtor_id" validate:"required"`
	CaseID    string               `json:"case_id" validate:"required"`
	Channel   compliance.Channel   `json:"channel" validate:"required,channel"`
	Direction compliance.Direction `json:"direction" validate:"required,direction"`
	// Timestamp defaults to the tracker clock when zero
	Timestamp time.Time `json:"timestamp"`
}

func (e ContactEvent) key() compliance.ContactKey {
	return compliance.ContactKey{DebtorID: e.DebtorID, CaseID: e.CaseID}
}

// Tracker enforces the rolling-window contact limit per debtor and case.
// Only outbound events on counted channels are stored; everything else has
// no bearing on any frequency answer.
type Tracker struct {
	store   compliance.ContactEventStore
	clock   clock.Clock
	logger  *zap.Logger
	config  Config
	counted map[compliance.Channel]bool
}

func NewTracker(store compliance.ContactEventStore, clk clock.Clock, logger *zap.Logger, config Config) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("contact event store is required")
	}
	if config.Limit <= 0 {
		return nil, fmt.Errorf("frequency limit must be positive, got %d", config.Limit)
	}
	if config.Window <= 0 {
		return nil, fmt.Errorf("frequency window must be positive")
	}
	if config.Retention < config.Window {
		config.Retention = config.Window
	}

	counted := make(map[compliance.Channel]bool, len(config.CountedChannels))
	for _, ch := range config.CountedChannels {
		counted[ch] = true
	}

	return &Tracker{
		store:   store,
		clock:   clock.OrReal(clk),
		logger:  telemetry.OrNop(logger),
		config:  config,
		counted: counted,
	}, nil
}

// Limit returns the configured default limit
func (t *Tracker) Limit() int {
	return t.config.Limit
}

// Counts reports whether an event of this direction and channel counts toward the limit
func (t *Tracker) Counts(direction compliance.Direction, channel compliance.Channel) bool {
	return direction == compliance.DirectionOutbound && t.counted[channel]
}

// Record stores a contact event. It reports whether the event counts toward the limit.
func (t *Tracker) Record(ctx context.Context, ev ContactEvent) (bool, error) {
	if err := validation.Struct(ev); err != nil {
		return false, err
	}
	if !t.Counts(ev.Direction, ev.Channel) {
		return false, nil
	}

	now := t.clock.Now()
	at, err := eventTime(ev.Timestamp, now)
	if err != nil {
		return false, err
	}

	if err := t.store.Append(ctx, ev.key(), at, now.Add(-t.config.Retention)); err != nil {
		t.logger.Error("failed to record contact event",
			zap.String("debtor_id", ev.DebtorID),
			zap.String("case_id", ev.CaseID),
			zap.Error(err),
		)
		return false, errors.NewInternalError("failed to record contact event").WithCause(err)
	}

	t.logger.Debug("contact event recorded",
		zap.String("debtor_id", ev.DebtorID),
		zap.String("case_id", ev.CaseID),
		zap.String("channel", string(ev.Channel)),
		zap.Time("at", at),
	)
	return true, nil
}

// Check answers how many contacts the case used in the trailing window
func (t *Tracker) Check(ctx context.Context, debtorID, caseID string) (*compliance.FrequencyResult, error) {
	return t.CheckLimit(ctx, debtorID, caseID, t.config.Limit)
}

// CheckLimit is Check with an explicit limit, used for stricter jurisdictions
func (t *Tracker) CheckLimit(ctx context.Context, debtorID, caseID string, limit int) (*compliance.FrequencyResult, error) {
	if debtorID == "" || caseID == "" {
		return nil, errors.NewValidationError("MISSING_IDENTIFIER", "debtor id and case id are required")
	}
	if limit <= 0 {
		limit = t.config.Limit
	}

	now := t.clock.Now()
	key := compliance.ContactKey{DebtorID: debtorID, CaseID: caseID}
	events, err := t.store.After(ctx, key, now.Add(-t.config.Window))
	if err != nil {
		return nil, errors.NewInternalError("failed to read contact events").WithCause(err)
	}

	return t.result(now, events, limit), nil
}

// TryRecord atomically checks the limit and records the event when it fits.
// Events that do not count toward the limit are always admitted. The
// returned result reflects state after the decision.
func (t *Tracker) TryRecord(ctx context.Context, ev ContactEvent, limit int) (*compliance.FrequencyResult, bool, error) {
	if err := validation.Struct(ev); err != nil {
		return nil, false, err
	}
	if limit <= 0 {
		limit = t.config.Limit
	}
	if !t.Counts(ev.Direction, ev.Channel) {
		result, err := t.CheckLimit(ctx, ev.DebtorID, ev.CaseID, limit)
		return result, err == nil, err
	}

	now := t.clock.Now()
	at, err := eventTime(ev.Timestamp, now)
	if err != nil {
		return nil, false, err
	}

	admitted, err := t.store.AppendIfBelow(ctx, ev.key(), at, now.Add(-t.config.Window), limit, now.Add(-t.config.Retention))
	if err != nil {
		return nil, false, errors.NewInternalError("failed to record contact event").WithCause(err)
	}
	if !admitted {
		t.logger.Info("contact rejected by frequency cap",
			zap.String("debtor_id", ev.DebtorID),
			zap.String("case_id", ev.CaseID),
			zap.Int("limit", limit),
		)
	}

	result, err := t.CheckLimit(ctx, ev.DebtorID, ev.CaseID, limit)
	if err != nil {
		return nil, admitted, err
	}
	return result, admitted, nil
}

// eventTime defaults a zero timestamp to now and refuses future ones, which
// would otherwise sit in every window until the clock caught up with them.
func eventTime(at, now time.Time) (time.Time, error) {
	if at.IsZero() {
		return now, nil
	}
	if at.After(now) {
		return time.Time{}, errors.NewValidationError("FUTURE_TIMESTAMP",
			fmt.Sprintf("contact timestamp %s is after the current time", at.Format(time.RFC3339)))
	}
	return at, nil
}

func (t *Tracker) result(now time.Time, events []time.Time, limit int) *compliance.FrequencyResult {
	// another writer's clock may run ahead of ours; only the past counts
	for len(events) > 0 && events[len(events)-1].After(now) {
		events = events[:len(events)-1]
	}
	used := len(events)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	// events are ascending, so the first is the oldest in the window
	nextReset := now.Add(t.config.Window)
	if used > 0 {
		nextReset = events[0].Add(t.config.Window)
	}

	return &compliance.FrequencyResult{
		Compliant:        used < limit,
		Used:             used,
		Limit:            limit,
		Remaining:        remaining,
		WarningThreshold: remaining > 0 && remaining <= t.config.WarningAt,
		NextResetDate:    nextReset,
		WindowDays:       int(t.config.Window / (24 * time.Hour)),
	}
}
