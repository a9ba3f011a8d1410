// Package dispatch is the request path of the daemon: it gates each
// request on the health of the target service's transitive dependencies,
// queues the work on the pool, and awaits the result within the service's
// timeout.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gantry-dev/gantry/internal/executor"
	"github.com/gantry-dev/gantry/internal/pool"
	"github.com/gantry-dev/gantry/internal/registry"
	"github.com/gantry-dev/gantry/internal/tasks"
	"github.com/gantry-dev/gantry/internal/telemetry"
	"github.com/gantry-dev/gantry/pkg/api"
)

// DefaultTimeout applies when a descriptor does not set one.
const DefaultTimeout = 30 * time.Second

// DependencyUnhealthyError fails a dispatch before any work is queued.
type DependencyUnhealthyError struct {
	Service    string
	Dependency string
	State      api.HealthState
}

func (e DependencyUnhealthyError) Error() string {
	return fmt.Sprintf("service %s: dependency %s is %s", e.Service, e.Dependency, e.State)
}

// DispatchTimeoutError reports that the service did not answer within its
// configured timeout. The queued work is abandoned, not cancelled.
type DispatchTimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e DispatchTimeoutError) Error() string {
	return fmt.Sprintf("dispatch to %s timed out after %s", e.Service, e.Timeout)
}

// UpstreamExecutionError wraps a failure reported by the service itself.
type UpstreamExecutionError struct {
	Service string
	Cause   error
}

func (e UpstreamExecutionError) Error() string {
	return fmt.Sprintf("service %s failed: %v", e.Service, e.Cause)
}

func (e UpstreamExecutionError) Unwrap() error {
	return e.Cause
}

// Health is the gate consulted before queueing work. The health monitor
// satisfies it.
type Health interface {
	State(name string) api.HealthState
	Ensure(ctx context.Context, name string) (api.HealthState, error)
}

// Submitter accepts queued work. The worker pool satisfies it.
type Submitter interface {
	Submit(it *pool.Item) error
}

// Dispatcher routes requests through health gating into the pool.
type Dispatcher struct {
	reg    *registry.Registry
	health Health
	pool   Submitter

	// ProbeUnknown makes the gate probe never-checked dependencies
	// synchronously instead of failing them outright.
	ProbeUnknown bool

	collector *telemetry.Collector
}

// New creates a dispatcher. collector may be nil.
func New(reg *registry.Registry, health Health, submitter Submitter, collector *telemetry.Collector) *Dispatcher {
	return &Dispatcher{reg: reg, health: health, pool: submitter, collector: collector}
}

// Dispatch sends payload to the named service. The call fails before any
// work is queued when the service is unknown or when any transitive
// dependency is not healthy. A dependency that was never probed counts as
// not healthy. The target itself is not gated: its own failures surface
// from execution.
func (d *Dispatcher) Dispatch(ctx context.Context, service string, payload []byte) ([]byte, error) {
	start := time.Now()
	out, err := d.dispatch(ctx, service, payload)
	if d.collector != nil {
		d.collector.Counter("gantry_dispatches", 1)
		d.collector.RecordRequest(service, time.Since(start), err != nil)
	}
	return out, err
}

func (d *Dispatcher) dispatch(ctx context.Context, service string, payload []byte) ([]byte, error) {
	desc, err := d.reg.Lookup(service)
	if err != nil {
		return nil, err
	}
	closure, err := d.reg.Resolver().Closure(service)
	if err != nil {
		return nil, err
	}

	// Gate the transitive dependencies only.
	for _, name := range closure {
		state := d.health.State(name)
		if state == api.HealthUnknown && d.ProbeUnknown {
			state, err = d.health.Ensure(ctx, name)
			if err != nil {
				return nil, err
			}
		}
		if state != api.HealthHealthy {
			log.Debug().Str("service", service).Str("blocking", name).Str("state", string(state)).Msg("dispatch gated")
			return nil, DependencyUnhealthyError{Service: service, Dependency: name, State: state}
		}
	}

	item := pool.NewItem(service, payload)
	if err := d.pool.Submit(item); err != nil {
		return nil, fmt.Errorf("queue %s: %w", service, err)
	}

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-item.Done():
		if res.Err != nil {
			return nil, UpstreamExecutionError{Service: service, Cause: res.Err}
		}
		return res.Output, nil
	case <-timer.C:
		item.Abandon()
		return nil, DispatchTimeoutError{Service: service, Timeout: timeout}
	case <-ctx.Done():
		item.Abandon()
		return nil, ctx.Err()
	}
}

// ChainResult reports the outcome of one chain dispatch.
type ChainResult struct {
	// Output is the final service's response, nil when the chain aborted.
	Output []byte
	// Tasks is the terminal status of every chain step.
	Tasks []tasks.Task
}

// DispatchChain dispatches the target's dependency closure in topological
// order and the target last, delivering payload to each step. The first
// failure aborts the chain: the failed step is marked failed and every
// downstream step stays blocked.
func (d *Dispatcher) DispatchChain(ctx context.Context, service string, payload []byte) (ChainResult, error) {
	closure, err := d.reg.Resolver().Closure(service)
	if err != nil {
		if _, lerr := d.reg.Lookup(service); lerr != nil {
			return ChainResult{}, lerr
		}
		return ChainResult{}, err
	}
	chain := append(closure, service)

	tracker := tasks.NewTracker()
	for _, name := range chain {
		desc, err := d.reg.Lookup(name)
		if err != nil {
			return ChainResult{}, err
		}
		if _, err := tracker.Add(name, desc.DependsOn); err != nil {
			return ChainResult{}, err
		}
	}

	var final []byte
	for _, name := range chain {
		if err := tracker.Start(name); err != nil {
			return ChainResult{Tasks: tracker.Snapshot()}, err
		}
		out, err := d.Dispatch(ctx, name, payload)
		if err != nil {
			_ = tracker.Fail(name)
			log.Warn().Str("chain", service).Str("step", name).Err(err).Msg("chain aborted")
			return ChainResult{Tasks: tracker.Snapshot()}, fmt.Errorf("chain step %s: %w", name, err)
		}
		if err := tracker.Complete(name); err != nil {
			return ChainResult{Tasks: tracker.Snapshot()}, err
		}
		final = out
	}
	return ChainResult{Output: final, Tasks: tracker.Snapshot()}, nil
}

// ExecRunner adapts an executor into the pool's runner. Descriptors are
// resolved at execution time, not enqueue time.
type ExecRunner struct {
	Reg  *registry.Registry
	Exec executor.Executor
}

func (r *ExecRunner) Run(ctx context.Context, it *pool.Item) ([]byte, error) {
	desc, err := r.Reg.Lookup(it.Service)
	if err != nil {
		return nil, err
	}
	return r.Exec.Execute(ctx, desc, it.Payload)
}
