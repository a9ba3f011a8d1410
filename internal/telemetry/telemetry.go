package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Collector aggregates per-service request metrics and named counters.
// All methods are safe for concurrent use.
type Collector struct {
	mu       sync.RWMutex
	enabled  bool
	counters map[string]float64
	gauges   map[string]float64
	services map[string]*serviceStats

	ctx    context.Context
	cancel context.CancelFunc
}

type serviceStats struct {
	requests int64
	errors   int64
	total    time.Duration
}

// ServiceReport is a point-in-time performance summary for one service.
type ServiceReport struct {
	Service   string  `json:"service"`
	Requests  int64   `json:"requests"`
	Errors    int64   `json:"errors"`
	AvgMillis float64 `json:"avg_ms"`
	ErrorRate float64 `json:"error_rate"`
}

// NewCollector creates a collector. When enabled, a background goroutine
// flushes a summary to the log every interval; Shutdown stops it.
func NewCollector(enabled bool, flushInterval time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		enabled:  enabled,
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		services: make(map[string]*serviceStats),
		ctx:      ctx,
		cancel:   cancel,
	}
	if enabled && flushInterval > 0 {
		go c.periodicFlush(flushInterval)
	}
	return c
}

// Counter adds value to the named counter.
func (c *Collector) Counter(name string, value float64) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.counters[name] += value
	c.mu.Unlock()
}

// Gauge sets the named gauge.
func (c *Collector) Gauge(name string, value float64) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.gauges[name] = value
	c.mu.Unlock()
}

// RecordRequest tracks one dispatched request against a service.
func (c *Collector) RecordRequest(service string, d time.Duration, failed bool) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	s := c.services[service]
	if s == nil {
		s = &serviceStats{}
		c.services[service] = s
	}
	s.requests++
	s.total += d
	if failed {
		s.errors++
	}
	c.mu.Unlock()
}

// ServiceReports returns per-service summaries sorted by service name.
func (c *Collector) ServiceReports() []ServiceReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServiceReport, 0, len(c.services))
	for name, s := range c.services {
		rep := ServiceReport{Service: name, Requests: s.requests, Errors: s.errors}
		if s.requests > 0 {
			rep.AvgMillis = float64(s.total.Milliseconds()) / float64(s.requests)
			rep.ErrorRate = float64(s.errors) / float64(s.requests)
		}
		out = append(out, rep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Counters returns a copy of the named counters.
func (c *Collector) Counters() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// Gauges returns a copy of the named gauges.
func (c *Collector) Gauges() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.gauges))
	for k, v := range c.gauges {
		out[k] = v
	}
	return out
}

func (c *Collector) periodicFlush(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	for _, rep := range c.ServiceReports() {
		log.Info().
			Str("service", rep.Service).
			Int64("requests", rep.Requests).
			Int64("errors", rep.Errors).
			Float64("avg_ms", rep.AvgMillis).
			Msg("service_metrics")
	}
}

// Shutdown stops the flush goroutine and emits a final summary.
func (c *Collector) Shutdown() {
	c.cancel()
	if c.enabled {
		c.flush()
	}
}
