package telemetry

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gantry-dev/gantry/pkg/api"
)

// LoadSampler supplies the utilisation snapshot consumed by the worker
// pool's scaling loop. Production uses SystemSampler; tests inject a
// StaticSampler.
type LoadSampler interface {
	Sample() (api.LoadSnapshot, error)
}

// SystemSampler reads host CPU and memory utilisation.
type SystemSampler struct{}

func (SystemSampler) Sample() (api.LoadSnapshot, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return api.LoadSnapshot{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return api.LoadSnapshot{}, fmt.Errorf("sample memory: %w", err)
	}
	snap := api.LoadSnapshot{MemPercent: vm.UsedPercent}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	return snap, nil
}

// StaticSampler returns a fixed snapshot. Used in tests and for forcing
// scaling behavior in development.
type StaticSampler api.LoadSnapshot

func (s StaticSampler) Sample() (api.LoadSnapshot, error) {
	return api.LoadSnapshot(s), nil
}
