package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gantry-dev/gantry/internal/pool"
	"github.com/gantry-dev/gantry/internal/registry"
	"github.com/gantry-dev/gantry/internal/tasks"
	"github.com/gantry-dev/gantry/pkg/api"
)

// staticHealth is a map-backed gate; Ensure flips unknown entries healthy
// and records the probe.
type staticHealth struct {
	mu      sync.Mutex
	states  map[string]api.HealthState
	ensured []string
}

func newStaticHealth(states map[string]api.HealthState) *staticHealth {
	if states == nil {
		states = make(map[string]api.HealthState)
	}
	return &staticHealth{states: states}
}

func (h *staticHealth) State(name string) api.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.states[name]; ok {
		return s
	}
	return api.HealthUnknown
}

func (h *staticHealth) Ensure(ctx context.Context, name string) (api.HealthState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensured = append(h.ensured, name)
	if s, ok := h.states[name]; ok && s != api.HealthUnknown {
		return s, nil
	}
	h.states[name] = api.HealthHealthy
	return api.HealthHealthy, nil
}

// countingSubmitter records submissions without running anything.
type countingSubmitter struct {
	mu    sync.Mutex
	items []*pool.Item
}

func (s *countingSubmitter) Submit(it *pool.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, it)
	return nil
}

func (s *countingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

type funcRunner func(ctx context.Context, it *pool.Item) ([]byte, error)

func (f funcRunner) Run(ctx context.Context, it *pool.Item) ([]byte, error) {
	return f(ctx, it)
}

func buildRegistry(t *testing.T, descs ...registry.Descriptor) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	return reg
}

func allHealthy(names ...string) *staticHealth {
	states := make(map[string]api.HealthState, len(names))
	for _, n := range names {
		states[n] = api.HealthHealthy
	}
	return newStaticHealth(states)
}

func TestDispatchUnknownService(t *testing.T) {
	reg := buildRegistry(t)
	d := New(reg, newStaticHealth(nil), &countingSubmitter{}, nil)
	_, err := d.Dispatch(context.Background(), "ghost", nil)
	var unknown registry.UnknownServiceError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownServiceError, got %v", err)
	}
}

func TestDispatchFailsFastOnUnhealthyDependency(t *testing.T) {
	reg := buildRegistry(t,
		registry.Descriptor{Name: "db", Address: "http://db"},
		registry.Descriptor{Name: "auth", Address: "http://auth", DependsOn: []string{"db"}},
		registry.Descriptor{Name: "api", Address: "http://api", DependsOn: []string{"auth"}},
	)
	h := allHealthy("auth", "api")
	h.states["db"] = api.HealthUnhealthy
	sub := &countingSubmitter{}
	d := New(reg, h, sub, nil)

	_, err := d.Dispatch(context.Background(), "api", nil)
	var dep DependencyUnhealthyError
	if !errors.As(err, &dep) {
		t.Fatalf("expected DependencyUnhealthyError, got %v", err)
	}
	if dep.Dependency != "db" {
		t.Fatalf("expected blocking dependency db, got %s", dep.Dependency)
	}
	if sub.count() != 0 {
		t.Fatalf("no work may be queued on a gated dispatch, got %d items", sub.count())
	}
}

func TestDispatchUnknownHealthGatesAsUnhealthy(t *testing.T) {
	reg := buildRegistry(t,
		registry.Descriptor{Name: "db", Address: "http://db"},
		registry.Descriptor{Name: "api", Address: "http://api", DependsOn: []string{"db"}},
	)
	h := allHealthy("api") // db never probed
	sub := &countingSubmitter{}
	d := New(reg, h, sub, nil)

	_, err := d.Dispatch(context.Background(), "api", nil)
	var dep DependencyUnhealthyError
	if !errors.As(err, &dep) {
		t.Fatalf("expected DependencyUnhealthyError, got %v", err)
	}
	if dep.State != api.HealthUnknown {
		t.Fatalf("expected unknown state, got %s", dep.State)
	}
	if sub.count() != 0 {
		t.Fatal("gated dispatch must not queue work")
	}
}

func TestDispatchTargetOwnHealthNotGated(t *testing.T) {
	reg := buildRegistry(t,
		registry.Descriptor{Name: "db", Address: "http://db", Timeout: time.Second},
		registry.Descriptor{Name: "api", Address: "http://api", DependsOn: []string{"db"}, Timeout: time.Second},
	)
	// Only the dependency is healthy; the target was never probed.
	h := allHealthy("db")

	p := pool.New(pool.Config{InitialWorkers: 1}, funcRunner(func(ctx context.Context, it *pool.Item) ([]byte, error) {
		return it.Payload, nil
	}))
	p.Start(context.Background())
	defer p.Stop(context.Background())

	d := New(reg, h, p, nil)
	payload := []byte(`{"q":1}`)
	out, err := d.Dispatch(context.Background(), "api", payload)
	if err != nil {
		t.Fatalf("dispatch with healthy deps must succeed, got %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("expected payload round-trip, got %q", out)
	}
}

func TestDispatchProbeUnknownMode(t *testing.T) {
	reg := buildRegistry(t,
		registry.Descriptor{Name: "db", Address: "http://db"},
		registry.Descriptor{Name: "api", Address: "http://api", DependsOn: []string{"db"}, Timeout: time.Second},
	)
	h := newStaticHealth(nil) // everything unknown, Ensure flips healthy

	p := pool.New(pool.Config{InitialWorkers: 1}, funcRunner(func(ctx context.Context, it *pool.Item) ([]byte, error) {
		return it.Payload, nil
	}))
	p.Start(context.Background())
	defer p.Stop(context.Background())

	d := New(reg, h, p, nil)
	d.ProbeUnknown = true

	out, err := d.Dispatch(context.Background(), "api", []byte("hi"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if string(out) != "hi" {
		t.Fatalf("unexpected output %q", out)
	}
	if len(h.ensured) != 1 || h.ensured[0] != "db" {
		t.Fatalf("expected one on-demand probe of the dependency, got %v", h.ensured)
	}
}

func TestDispatchRoundTrip(t *testing.T) {
	reg := buildRegistry(t, registry.Descriptor{Name: "echo", Address: "http://echo", Timeout: 2 * time.Second})
	p := pool.New(pool.Config{InitialWorkers: 2}, funcRunner(func(ctx context.Context, it *pool.Item) ([]byte, error) {
		return it.Payload, nil
	}))
	p.Start(context.Background())
	defer p.Stop(context.Background())

	d := New(reg, allHealthy("echo"), p, nil)
	payload := []byte(`{"n":42}`)
	out, err := d.Dispatch(context.Background(), "echo", payload)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("expected payload round-trip, got %q", out)
	}
}

func TestDispatchUpstreamFailure(t *testing.T) {
	boom := errors.New("boom")
	reg := buildRegistry(t, registry.Descriptor{Name: "api", Address: "http://api", Timeout: 2 * time.Second})
	p := pool.New(pool.Config{InitialWorkers: 1}, funcRunner(func(ctx context.Context, it *pool.Item) ([]byte, error) {
		return nil, boom
	}))
	p.Start(context.Background())
	defer p.Stop(context.Background())

	d := New(reg, allHealthy("api"), p, nil)
	_, err := d.Dispatch(context.Background(), "api", nil)
	var upstream UpstreamExecutionError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamExecutionError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("expected wrapped cause")
	}
}

func TestDispatchTimeoutAbandonsItem(t *testing.T) {
	release := make(chan struct{})
	reg := buildRegistry(t, registry.Descriptor{Name: "slow", Address: "http://slow", Timeout: 100 * time.Millisecond})
	p := pool.New(pool.Config{InitialWorkers: 1}, funcRunner(func(ctx context.Context, it *pool.Item) ([]byte, error) {
		<-release
		return []byte("late"), nil
	}))
	p.Start(context.Background())
	defer func() {
		close(release)
		p.Stop(context.Background())
	}()

	d := New(reg, allHealthy("slow"), p, nil)
	start := time.Now()
	_, err := d.Dispatch(context.Background(), "slow", nil)
	elapsed := time.Since(start)

	var timeout DispatchTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected DispatchTimeoutError, got %v", err)
	}
	if elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timeout not honored, elapsed %s", elapsed)
	}
}

func TestDispatchChainTopologicalOrder(t *testing.T) {
	reg := buildRegistry(t,
		registry.Descriptor{Name: "db", Address: "http://db", Timeout: time.Second},
		registry.Descriptor{Name: "auth", Address: "http://auth", DependsOn: []string{"db"}, Timeout: time.Second},
		registry.Descriptor{Name: "api", Address: "http://api", DependsOn: []string{"auth"}, Timeout: time.Second},
	)
	var mu sync.Mutex
	var order []string
	p := pool.New(pool.Config{InitialWorkers: 1}, funcRunner(func(ctx context.Context, it *pool.Item) ([]byte, error) {
		mu.Lock()
		order = append(order, it.Service)
		mu.Unlock()
		return []byte(it.Service), nil
	}))
	p.Start(context.Background())
	defer p.Stop(context.Background())

	d := New(reg, allHealthy("db", "auth", "api"), p, nil)
	res, err := d.DispatchChain(context.Background(), "api", []byte("x"))
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if string(res.Output) != "api" {
		t.Fatalf("expected final output from api, got %q", res.Output)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"db", "auth", "api"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected chain order %v, got %v", want, order)
		}
	}
	for _, task := range res.Tasks {
		if task.Status != tasks.StatusCompleted {
			t.Fatalf("expected all steps completed, got %s=%s", task.Name, task.Status)
		}
	}
}

func TestDispatchChainAbortsDownstream(t *testing.T) {
	reg := buildRegistry(t,
		registry.Descriptor{Name: "db", Address: "http://db", Timeout: time.Second},
		registry.Descriptor{Name: "auth", Address: "http://auth", DependsOn: []string{"db"}, Timeout: time.Second},
		registry.Descriptor{Name: "api", Address: "http://api", DependsOn: []string{"auth"}, Timeout: time.Second},
	)
	p := pool.New(pool.Config{InitialWorkers: 1}, funcRunner(func(ctx context.Context, it *pool.Item) ([]byte, error) {
		if it.Service == "auth" {
			return nil, errors.New("auth down")
		}
		return nil, nil
	}))
	p.Start(context.Background())
	defer p.Stop(context.Background())

	d := New(reg, allHealthy("db", "auth", "api"), p, nil)
	res, err := d.DispatchChain(context.Background(), "api", nil)
	if err == nil {
		t.Fatal("expected chain failure")
	}

	got := make(map[string]tasks.Status, len(res.Tasks))
	for _, task := range res.Tasks {
		got[task.Name] = task.Status
	}
	if got["db"] != tasks.StatusCompleted {
		t.Fatalf("expected db completed, got %s", got["db"])
	}
	if got["auth"] != tasks.StatusFailed {
		t.Fatalf("expected auth failed, got %s", got["auth"])
	}
	if got["api"] != tasks.StatusBlocked {
		t.Fatalf("expected api blocked, got %s", got["api"])
	}
}
