// Package observability exposes the process over HTTP: a Prometheus text
// endpoint fed from component counter snapshots, and a health endpoint
// aggregating per-component checks.
package observability

import (
	"math"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing metric.
type Counter struct {
	name string
	help string
	v    atomic.Int64
}

func (c *Counter) Inc()           { c.v.Add(1) }
func (c *Counter) Add(n int64)    { c.v.Add(n) }
func (c *Counter) Value() float64 { return float64(c.v.Load()) }

// Gauge is a metric that can move in both directions.
type Gauge struct {
	name string
	help string
	bits atomic.Uint64
}

func (g *Gauge) Set(v float64)  { g.bits.Store(math.Float64bits(v)) }
func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// GaugeFunc samples its value from a callback at scrape time. Components
// already keep atomic counters behind Stats(); a GaugeFunc reads them without
// double bookkeeping.
type GaugeFunc struct {
	name string
	help string
	fn   func() float64
}

func (g *GaugeFunc) Value() float64 { return g.fn() }

// Registry holds all registered metrics in registration order.
type Registry struct {
	mu         sync.RWMutex
	counters   []*Counter
	gauges     []*Gauge
	gaugeFuncs []*GaugeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewCounter registers a counter.
func (r *Registry) NewCounter(name, help string) *Counter {
	c := &Counter{name: name, help: help}
	r.mu.Lock()
	r.counters = append(r.counters, c)
	r.mu.Unlock()
	return c
}

// NewGauge registers a gauge.
func (r *Registry) NewGauge(name, help string) *Gauge {
	g := &Gauge{name: name, help: help}
	r.mu.Lock()
	r.gauges = append(r.gauges, g)
	r.mu.Unlock()
	return g
}

// NewGaugeFunc registers a callback-backed gauge.
func (r *Registry) NewGaugeFunc(name, help string, fn func() float64) *GaugeFunc {
	g := &GaugeFunc{name: name, help: help, fn: fn}
	r.mu.Lock()
	r.gaugeFuncs = append(r.gaugeFuncs, g)
	r.mu.Unlock()
	return g
}
