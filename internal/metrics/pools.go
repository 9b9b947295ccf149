package metrics

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/davidleathers/debt-comms-compliance"

// PoolStats is a snapshot of a store connection pool
type PoolStats struct {
	Total int64
	Idle  int64
	InUse int64
}

// PoolObserver reports the connection pools of the configured stores as
// OpenTelemetry observable gauges, one series per pool name.
type PoolObserver struct {
	meter metric.Meter

	mu    sync.RWMutex
	pools map[string]func() PoolStats

	total metric.Int64ObservableGauge
	idle  metric.Int64ObservableGauge
	inUse metric.Int64ObservableGauge
}

// NewPoolObserver registers the pool gauges with mp, or with the global
// meter provider when mp is nil.
func NewPoolObserver(mp metric.MeterProvider) (*PoolObserver, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	p := &PoolObserver{
		meter: mp.Meter(meterName),
		pools: make(map[string]func() PoolStats),
	}

	var err error
	p.total, err = p.meter.Int64ObservableGauge(
		"dcc.store.pool.connections",
		metric.WithDescription("Open connections in the store pool"),
	)
	if err != nil {
		return nil, err
	}

	p.idle, err = p.meter.Int64ObservableGauge(
		"dcc.store.pool.idle_connections",
		metric.WithDescription("Idle connections in the store pool"),
	)
	if err != nil {
		return nil, err
	}

	p.inUse, err = p.meter.Int64ObservableGauge(
		"dcc.store.pool.in_use_connections",
		metric.WithDescription("Connections currently checked out of the store pool"),
	)
	if err != nil {
		return nil, err
	}

	if _, err := p.meter.RegisterCallback(p.observe, p.total, p.idle, p.inUse); err != nil {
		return nil, err
	}
	return p, nil
}

// Observe adds or replaces the stats source for the named pool
func (p *PoolObserver) Observe(name string, stats func() PoolStats) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.pools[name] = stats
	p.mu.Unlock()
}

func (p *PoolObserver) observe(_ context.Context, o metric.Observer) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.pools))
	for name := range p.pools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := p.pools[name]()
		attrs := metric.WithAttributes(attribute.String("pool", name))
		o.ObserveInt64(p.total, s.Total, attrs)
		o.ObserveInt64(p.idle, s.Idle, attrs)
		o.ObserveInt64(p.inUse, s.InUse, attrs)
	}
	return nil
}
