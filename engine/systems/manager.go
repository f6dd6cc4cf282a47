package systems

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
)

type JobConfig struct {
	Workers   int
	QueueSize int
}

type SystemManagerConfig struct {
	FramesInFlight int
	Descriptors    DescriptorHeapConfig
	Execution      ExecutionConfig
	Memory         MemoryArenaConfig
	Telemetry      TelemetryConfig
	Jobs           JobConfig
}

// SystemManager builds the subsystems on top of an initialized backend in a fixed
// order and tears them down in reverse.
type SystemManager struct {
	Events    *core.EventBus
	Telemetry *TelemetryCollector
	Memory    *MemoryArenaManager
	Heaps     *DescriptorHeapManager
	Registry  *ResourceRegistry
	Frames    *FrameOrchestrator
	Execution *ExecutionEngine
	Jobs      *JobSystem
}

func NewSystemManager(config SystemManagerConfig, backend renderer.GraphicsBackend, events *core.EventBus, clock *core.Clock) (*SystemManager, error) {
	sm := &SystemManager{Events: events}

	sm.Telemetry = NewTelemetryCollector(config.Telemetry, clock, events)
	sm.Memory = NewMemoryArenaManager(config.Memory)

	heaps, err := NewDescriptorHeapManager(backend, config.Descriptors, events)
	if err != nil {
		sm.Shutdown()
		return nil, err
	}
	sm.Heaps = heaps

	sm.Registry = NewResourceRegistry(ResourceRegistryConfig{FramesInFlight: config.FramesInFlight}, backend, sm.Heaps, sm.Memory, sm.Telemetry, events)

	frames, err := NewFrameOrchestrator(FrameConfig{FramesInFlight: config.FramesInFlight}, backend, sm.Telemetry)
	if err != nil {
		sm.Shutdown()
		return nil, err
	}
	sm.Frames = frames

	sm.Execution = NewExecutionEngine(config.Execution, backend, sm.Heaps, sm.Registry, sm.Telemetry)

	workers := config.Jobs.Workers
	if workers <= 0 {
		workers = 2
	}
	jobs, err := NewJobSystem(workers, config.Jobs.QueueSize)
	if err != nil {
		sm.Shutdown()
		return nil, fmt.Errorf("creating job system: %w", err)
	}
	sm.Jobs = jobs
	return sm, nil
}

// Shutdown tears down whatever was built, newest first. Every phase runs even when
// an earlier one fails; leaks are reported in the joined error.
func (sm *SystemManager) Shutdown() error {
	var errs []error
	if sm.Jobs != nil {
		if err := sm.Jobs.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("job system: %w", err))
		}
	}
	if sm.Frames != nil {
		sm.Frames.Close()
	}
	if sm.Registry != nil {
		if err := sm.Registry.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("resource registry: %w", err))
		}
	}
	if sm.Heaps != nil {
		if err := sm.Heaps.Close(); err != nil {
			errs = append(errs, fmt.Errorf("descriptor heaps: %w", err))
		}
	}
	if sm.Memory != nil {
		if err := sm.Memory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("memory arena: %w", err))
		}
	}
	return errors.Join(errs...)
}
