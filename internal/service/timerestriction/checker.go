package timerestriction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/telemetry"
)

// maxConservativeSteps bounds the search for an instant allowed in every
// conservative zone. Each step moves to a later zone-local opening hour.
const maxConservativeSteps = 32

// TimezoneDirectory resolves the IANA zone a debtor lives in. An empty zone
// or a NotFound error means the debtor has no zone on file.
type TimezoneDirectory interface {
	Timezone(ctx context.Context, debtorID string) (string, error)
}

// MapDirectory is an in-memory TimezoneDirectory
type MapDirectory struct {
	mu    sync.RWMutex
	zones map[string]string
}

func NewMapDirectory(zones map[string]string) *MapDirectory {
	d := &MapDirectory{zones: make(map[string]string, len(zones))}
	for k, v := range zones {
		d.zones[k] = v
	}
	return d
}

func (d *MapDirectory) Timezone(_ context.Context, debtorID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.zones[debtorID], nil
}

func (d *MapDirectory) Set(debtorID, tz string) {
	d.mu.Lock()
	d.zones[debtorID] = tz
	d.mu.Unlock()
}

// Config holds the permitted contact window in debtor-local hours
type Config struct {
	EarliestHour          int      `json:"earliest_hour"`
	LatestHour            int      `json:"latest_hour"`
	FallbackTimezone      string   `json:"fallback_timezone"`
	ConservativeTimezones []string `json:"conservative_timezones"`
}

func DefaultConfig() Config {
	return Config{
		EarliestHour:     8,
		LatestHour:       21,
		FallbackTimezone: "America/New_York",
		ConservativeTimezones: []string{
			"America/New_York",
			"America/Chicago",
			"America/Denver",
			"America/Los_Angeles",
			"America/Anchorage",
			"Pacific/Honolulu",
		},
	}
}

// Checker decides whether an instant falls inside the debtor's permitted
// contact hours, [EarliestHour, LatestHour) in debtor-local wall time.
type Checker struct {
	directory    TimezoneDirectory
	clock        clock.Clock
	logger       *zap.Logger
	config       Config
	fallback     *time.Location
	conservative []*time.Location
}

func NewChecker(directory TimezoneDirectory, clk clock.Clock, logger *zap.Logger, config Config) (*Checker, error) {
	if config.EarliestHour < 0 || config.LatestHour > 24 || config.EarliestHour >= config.LatestHour {
		return nil, fmt.Errorf("invalid contact hours %d-%d", config.EarliestHour, config.LatestHour)
	}

	fallback, err := time.LoadLocation(config.FallbackTimezone)
	if err != nil {
		return nil, fmt.Errorf("loading fallback timezone: %w", err)
	}

	conservative := make([]*time.Location, 0, len(config.ConservativeTimezones))
	for _, tz := range config.ConservativeTimezones {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("loading conservative timezone %q: %w", tz, err)
		}
		conservative = append(conservative, loc)
	}
	if len(conservative) == 0 {
		conservative = append(conservative, fallback)
	}

	return &Checker{
		directory:    directory,
		clock:        clock.OrReal(clk),
		logger:       telemetry.OrNop(logger).Named("timerestriction"),
		config:       config,
		fallback:     fallback,
		conservative: conservative,
	}, nil
}

// IsAllowed evaluates the clock's current instant for the debtor
func (c *Checker) IsAllowed(ctx context.Context, debtorID string) (*compliance.TimeCheckResult, error) {
	return c.WouldBeAllowedAt(ctx, debtorID, c.clock.Now())
}

// WouldBeAllowedAt evaluates an arbitrary instant for the debtor. For the
// clock's current instant it gives the same answer as IsAllowed.
func (c *Checker) WouldBeAllowedAt(ctx context.Context, debtorID string, at time.Time) (*compliance.TimeCheckResult, error) {
	if debtorID == "" {
		return nil, errors.NewValidationError("MISSING_DEBTOR_ID", "debtor id is required")
	}

	tz := ""
	if c.directory != nil {
		var err error
		tz, err = c.directory.Timezone(ctx, debtorID)
		if err != nil && !errors.IsNotFound(err) {
			c.logger.Warn("timezone lookup failed, evaluating conservatively",
				zap.String("debtor_id", debtorID),
				zap.Error(err),
			)
			return c.conservativeCheck(at), nil
		}
	}

	return c.CheckTimezone(tz, at), nil
}

// CheckTimezone evaluates at in the given zone. An empty zone uses the
// fallback zone; an unloadable zone fails closed.
func (c *Checker) CheckTimezone(tz string, at time.Time) *compliance.TimeCheckResult {
	if tz == "" {
		return c.evaluate(c.fallback, at)
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		c.logger.Warn("unknown debtor timezone, evaluating conservatively",
			zap.String("timezone", tz),
			zap.Error(err),
		)
		return c.conservativeCheck(at)
	}
	return c.evaluate(loc, at)
}

// NextAllowedTime returns the next opening instant in loc at or after at.
// Wall-clock arithmetic goes through time.Date so DST shifts are resolved
// by the zone database, not by adding fixed offsets.
func (c *Checker) NextAllowedTime(loc *time.Location, at time.Time) time.Time {
	local := at.In(loc)
	if c.inWindow(local) {
		return at
	}

	day := local.Day()
	if local.Hour() >= c.config.LatestHour {
		day++
	}
	return time.Date(local.Year(), local.Month(), day, c.config.EarliestHour, 0, 0, 0, loc)
}

func (c *Checker) inWindow(local time.Time) bool {
	h := local.Hour()
	return h >= c.config.EarliestHour && h < c.config.LatestHour
}

func (c *Checker) evaluate(loc *time.Location, at time.Time) *compliance.TimeCheckResult {
	local := at.In(loc)
	result := &compliance.TimeCheckResult{
		Allowed:     c.inWindow(local),
		CurrentHour: local.Hour(),
		Timezone:    loc.String(),
		LocalTime:   local,
	}
	if !result.Allowed {
		next := c.NextAllowedTime(loc, at)
		result.NextAllowedTime = &next
	}
	return result
}

// conservativeCheck allows only when every conservative zone allows. The
// reported hour and zone are those of the first zone that blocks.
func (c *Checker) conservativeCheck(at time.Time) *compliance.TimeCheckResult {
	var result *compliance.TimeCheckResult
	for _, loc := range c.conservative {
		r := c.evaluate(loc, at)
		if !r.Allowed {
			result = r
			break
		}
	}

	if result == nil {
		result = c.evaluate(c.conservative[0], at)
		result.Indeterminate = true
		return result
	}

	result.Indeterminate = true
	result.NextAllowedTime = c.nextConservative(at)
	return result
}

// nextConservative finds the earliest instant allowed in every conservative
// zone, or nil when the zones share no common window.
func (c *Checker) nextConservative(at time.Time) *time.Time {
	candidate := at
	for i := 0; i < maxConservativeSteps; i++ {
		latest := candidate
		for _, loc := range c.conservative {
			if next := c.NextAllowedTime(loc, candidate); next.After(latest) {
				latest = next
			}
		}
		if latest.Equal(candidate) {
			return &candidate
		}
		candidate = latest
	}
	return nil
}
