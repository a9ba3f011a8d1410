package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gantry-dev/gantry/internal/registry"
	"github.com/gantry-dev/gantry/pkg/api"
)

// Prober performs a single liveness check against a service endpoint.
type Prober interface {
	Probe(ctx context.Context, d registry.Descriptor) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, d registry.Descriptor) error

func (f ProberFunc) Probe(ctx context.Context, d registry.Descriptor) error {
	return f(ctx, d)
}

// HTTPProber checks GET <address>/health and treats any non-2xx status or
// transport error as unhealthy. This is the only wire contract the core
// defines.
type HTTPProber struct {
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context, d registry.Descriptor) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(d.Address, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", d.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe %s: status %d", d.Name, resp.StatusCode)
	}
	return nil
}

// record is the mutable health state of one service. Owned by the Monitor;
// callers only ever see copies.
type record struct {
	state               api.HealthState
	lastProbe           time.Time
	consecutiveFailures int
}

// Config tunes the Monitor's background refresher.
type Config struct {
	// RefreshInterval bounds the staleness of cached health state.
	RefreshInterval time.Duration
	// MaxConcurrentProbes caps parallel probes per refresh cycle.
	MaxConcurrentProbes int
}

// Monitor owns all health records. Records are created lazily on first
// probe; a service that has never been probed reads as Unknown, which gates
// as not-healthy. Concurrent probes of the same service collapse into one.
type Monitor struct {
	reg    *registry.Registry
	prober Prober
	cfg    Config

	mu      sync.RWMutex
	records map[string]*record
	sf      singleflight.Group

	// OnTransition, when set, is invoked after a probe that changed a
	// service's state (including the first probe). Must be set before
	// Start.
	OnTransition func(api.ServiceHealth)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor over the given registry.
func NewMonitor(reg *registry.Registry, prober Prober, cfg Config) *Monitor {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Second
	}
	if cfg.MaxConcurrentProbes <= 0 {
		cfg.MaxConcurrentProbes = 8
	}
	return &Monitor{
		reg:     reg,
		prober:  prober,
		cfg:     cfg,
		records: make(map[string]*record),
	}
}

// Probe performs a liveness check for name with the service's configured
// timeout and updates its record. The returned state reflects this probe;
// the error is non-nil only when name is not registered.
func (m *Monitor) Probe(ctx context.Context, name string) (api.HealthState, error) {
	d, err := m.reg.Lookup(name)
	if err != nil {
		return api.HealthUnknown, err
	}
	v, _, _ := m.sf.Do(name, func() (interface{}, error) {
		pctx := ctx
		if d.Timeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, d.Timeout)
			defer cancel()
		}
		perr := m.prober.Probe(pctx, d)
		return m.update(name, perr), nil
	})
	return v.(api.HealthState), nil
}

// Ensure probes name only when no record exists yet, otherwise returns the
// cached state. Used by the dispatcher's probe-on-miss mode.
func (m *Monitor) Ensure(ctx context.Context, name string) (api.HealthState, error) {
	if st := m.State(name); st != api.HealthUnknown {
		return st, nil
	}
	return m.Probe(ctx, name)
}

// State returns the last recorded state without probing. This is the cheap
// query used on the hot dispatch path; staleness is bounded by the
// refresher, not by the query.
func (m *Monitor) State(name string) api.HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[name]; ok {
		return rec.state
	}
	return api.HealthUnknown
}

// IsHealthy reports whether the last probe of name succeeded. Unknown
// counts as not-healthy.
func (m *Monitor) IsHealthy(name string) bool {
	return m.State(name) == api.HealthHealthy
}

// Snapshot returns the current health of every registered service,
// including those not yet probed.
func (m *Monitor) Snapshot() []api.ServiceHealth {
	names := m.reg.Names()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]api.ServiceHealth, 0, len(names))
	for _, name := range names {
		sh := api.ServiceHealth{Name: name, State: api.HealthUnknown}
		if rec, ok := m.records[name]; ok {
			sh.State = rec.state
			sh.LastProbe = rec.lastProbe
			sh.ConsecutiveFailures = rec.consecutiveFailures
		}
		out = append(out, sh)
	}
	return out
}

// update applies a probe outcome and returns the new state.
func (m *Monitor) update(name string, probeErr error) api.HealthState {
	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok {
		rec = &record{state: api.HealthUnknown}
		m.records[name] = rec
	}
	prev := rec.state
	rec.lastProbe = time.Now()
	if probeErr != nil {
		rec.consecutiveFailures++
		rec.state = api.HealthUnhealthy
	} else {
		rec.consecutiveFailures = 0
		rec.state = api.HealthHealthy
	}
	sh := api.ServiceHealth{
		Name:                name,
		State:               rec.state,
		LastProbe:           rec.lastProbe,
		ConsecutiveFailures: rec.consecutiveFailures,
	}
	m.mu.Unlock()

	if probeErr != nil {
		log.Warn().Str("service", name).Err(probeErr).Int("consecutive_failures", sh.ConsecutiveFailures).Msg("probe failed")
	} else if prev != api.HealthHealthy {
		log.Info().Str("service", name).Msg("service healthy")
	}
	if sh.State != prev && m.OnTransition != nil {
		m.OnTransition(sh)
	}
	return sh.State
}

// Start launches the background refresher, which re-probes every registered
// service each RefreshInterval.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.refresh(ctx)
}

// Stop halts the refresher and waits for the in-flight cycle to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) refresh(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrentProbes)
	for _, name := range m.reg.Names() {
		name := name
		g.Go(func() error {
			_, _ = m.Probe(gctx, name)
			return nil
		})
	}
	_ = g.Wait()
	log.Debug().Dur("elapsed", time.Since(start)).Msg("health refresh cycle complete")
}
