// Package engine wires the compliance components into one Engine from a
// configuration, a clock and a set of stores.
package engine

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/config"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/telemetry"
	"github.com/davidleathers/debt-comms-compliance/internal/metrics"
	"github.com/davidleathers/debt-comms-compliance/internal/service/audit"
	"github.com/davidleathers/debt-comms-compliance/internal/service/ceasedesist"
	"github.com/davidleathers/debt-comms-compliance/internal/service/frequency"
	"github.com/davidleathers/debt-comms-compliance/internal/service/letter"
	"github.com/davidleathers/debt-comms-compliance/internal/service/presend"
	"github.com/davidleathers/debt-comms-compliance/internal/service/timerestriction"
)

// Engine holds every component of the compliance engine
type Engine struct {
	Frequency   *frequency.Tracker
	Hours       *timerestriction.Checker
	CeaseDesist *ceasedesist.Registry
	Letters     *letter.Validator
	Gate        *presend.Gate
	Audit       *audit.Service
	Metrics     *metrics.Metrics
	Pools       *metrics.PoolObserver
}

type Option func(*options)

type options struct {
	clock         clock.Clock
	logger        *zap.Logger
	directory     timerestriction.TimezoneDirectory
	registerer    prometheus.Registerer
	meterProvider metric.MeterProvider
	letterOpts    []letter.Option
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDirectory sets the debtor timezone source. Without one no debtor has a
// zone on file and every check runs in time_restriction.fallback_timezone.
// Only a zone that fails to load, or a failed lookup, is checked against the
// conservative zones.
func WithDirectory(d timerestriction.TimezoneDirectory) Option {
	return func(o *options) { o.directory = d }
}

// WithRegisterer enables Prometheus collectors on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithMeterProvider sets the OpenTelemetry provider for pool gauges
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithLetterOptions passes extra options to the letter validator
func WithLetterOptions(opts ...letter.Option) Option {
	return func(o *options) { o.letterOpts = append(o.letterOpts, opts...) }
}

// New builds an Engine on stores. Components share the clock, the logger
// and the metrics.
func New(cfg *config.Config, stores *Stores, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if stores == nil {
		return nil, fmt.Errorf("stores are required")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	clk := clock.OrReal(o.clock)
	logger := telemetry.OrNop(o.logger)
	if o.directory == nil {
		o.directory = timerestriction.NewMapDirectory(nil)
	}

	var m *metrics.Metrics
	if o.registerer != nil {
		m = metrics.New(o.registerer)
	}

	freqConfig, err := frequencyConfig(cfg.Frequency)
	if err != nil {
		return nil, err
	}
	tracker, err := frequency.NewTracker(stores.ContactEvents, clk, logger, freqConfig)
	if err != nil {
		return nil, fmt.Errorf("frequency tracker: %w", err)
	}

	hours, err := timerestriction.NewChecker(o.directory, clk, logger, timerestriction.Config{
		EarliestHour:          cfg.TimeRestriction.EarliestHour,
		LatestHour:            cfg.TimeRestriction.LatestHour,
		FallbackTimezone:      cfg.TimeRestriction.FallbackTimezone,
		ConservativeTimezones: cfg.TimeRestriction.ConservativeTimezones,
	})
	if err != nil {
		return nil, fmt.Errorf("time restriction checker: %w", err)
	}

	allowed := make([]compliance.CommunicationType, 0, len(cfg.CeaseDesist.AllowedTypes))
	for _, t := range cfg.CeaseDesist.AllowedTypes {
		allowed = append(allowed, compliance.CommunicationType(t))
	}
	registry, err := ceasedesist.NewRegistry(stores.CeaseDesist, clk, logger, allowed)
	if err != nil {
		return nil, fmt.Errorf("cease-desist registry: %w", err)
	}

	letterOpts := []letter.Option{letter.WithMetrics(m)}
	if cfg.Letter.RuleSetVersion != "" {
		letterOpts = append(letterOpts, letter.WithRuleSetVersion(cfg.Letter.RuleSetVersion))
	}
	letters, err := letter.NewValidator(clk, logger, append(letterOpts, o.letterOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("letter validator: %w", err)
	}

	gate, err := presend.NewGate(tracker, hours, registry, letters.Jurisdictions(), clk, logger, m)
	if err != nil {
		return nil, fmt.Errorf("pre-send gate: %w", err)
	}

	auditLog, err := audit.NewService(audit.Deps{
		Records:     stores.Records,
		Flags:       stores.Flags,
		Gate:        gate,
		Tracker:     tracker,
		CeaseDesist: registry,
		Clock:       clk,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}

	e := &Engine{
		Frequency:   tracker,
		Hours:       hours,
		CeaseDesist: registry,
		Letters:     letters,
		Gate:        gate,
		Audit:       auditLog,
		Metrics:     m,
	}

	if len(stores.pools) > 0 {
		if e.Pools, err = metrics.NewPoolObserver(o.meterProvider); err != nil {
			return nil, fmt.Errorf("pool metrics: %w", err)
		}
		for name, stats := range stores.pools {
			e.Pools.Observe(name, stats)
		}
	}

	logger.Info("compliance engine ready",
		zap.String("backend", cfg.Store.Backend),
		zap.Int("frequency_limit", freqConfig.Limit),
		zap.String("rule_set_version", letters.RuleSetVersion()),
	)
	return e, nil
}

func frequencyConfig(c config.FrequencyConfig) (frequency.Config, error) {
	channels := make([]compliance.Channel, 0, len(c.CountedChannels))
	for _, name := range c.CountedChannels {
		ch := compliance.Channel(name)
		if !ch.Valid() {
			return frequency.Config{}, fmt.Errorf("frequency.counted_channels: unknown channel %q", name)
		}
		channels = append(channels, ch)
	}
	return frequency.Config{
		Limit:           c.Limit,
		Window:          c.Window,
		Retention:       c.Retention,
		CountedChannels: channels,
		WarningAt:       c.WarningAt,
	}, nil
}
