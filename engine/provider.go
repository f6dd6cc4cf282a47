package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/spaghettifunk/framekit/engine/config"
	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
	"github.com/spaghettifunk/framekit/engine/systems"
)

type State int32

const (
	// Provider has been closed, or was never started.
	StateShutdown State = iota
	// Provider accepts frame work.
	StateRunning
	// Close is draining GPU work and tearing down subsystems.
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	}
	return "shutdown"
}

// Provider owns one instance of every subsystem and drives the per-frame
// lifecycle. Frame calls must carry the context returned by New; anything else is
// rejected before the backend is touched. Registry, Heaps and Telemetry are safe
// to use from loader goroutines.
type Provider struct {
	owner   uuid.UUID
	state   atomic.Int32
	backend renderer.GraphicsBackend
	events  *core.EventBus
	clock   *core.Clock
	systems *systems.SystemManager

	cfgMu sync.Mutex
	cfg   config.Config

	inFrame bool
	frame   uint64
}

// New initializes backend and every subsystem in dependency order. A nil backend
// is opened by name from cfg.Backend. The returned context identifies the render
// thread and must be passed to every frame call.
//
// Whoever holds the returned context passes the confinement check, so keep it on
// the render goroutine. Do not hand it, or contexts derived from it, to loader
// jobs or other goroutines; give them the parent context instead. Loader code
// only needs Registry, Heaps, Memory and Telemetry, none of which take it.
func New(parent context.Context, cfg config.Config, backend renderer.GraphicsBackend) (*Provider, context.Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", core.ErrInitialization, err)
	}
	core.SetLogLevel(cfg.LogLevel)

	if backend == nil {
		b, err := renderer.Open(cfg.Backend)
		if err != nil {
			return nil, nil, &core.InitializationError{Backend: cfg.Backend, Err: err}
		}
		backend = b
	}
	bc := renderer.BackendConfig{
		AppName:          cfg.AppName,
		EnableValidation: cfg.Validation,
		FramesInFlight:   cfg.Frames.MaxInFlight,
	}
	if err := backend.Initialize(bc); err != nil {
		ierr := &core.InitializationError{Backend: backend.Name(), Warnings: backend.Warnings(), Err: err}
		core.LogError(ierr.Error())
		return nil, nil, ierr
	}
	for _, w := range backend.Warnings() {
		core.LogWarn("%s backend: %s", backend.Name(), w)
	}

	p := &Provider{
		owner:   uuid.New(),
		backend: backend,
		events:  core.NewEventBus(),
		clock:   core.NewClock(),
		cfg:     cfg,
	}
	sm, err := systems.NewSystemManager(systemsConfig(cfg), backend, p.events, p.clock)
	if err != nil {
		if cerr := backend.Close(); cerr != nil {
			core.LogWarn("closing backend after failed start: %s", cerr)
		}
		return nil, nil, &core.InitializationError{Backend: backend.Name(), Warnings: backend.Warnings(), Err: err}
	}
	p.systems = sm
	p.state.Store(int32(StateRunning))

	core.LogInfo("%s started on %s backend, %d frames in flight", cfg.AppName, backend.Name(), sm.Frames.FramesInFlight())
	return p, withOwner(parent, p.owner), nil
}

func systemsConfig(cfg config.Config) systems.SystemManagerConfig {
	return systems.SystemManagerConfig{
		FramesInFlight: cfg.Frames.MaxInFlight,
		Descriptors: systems.DescriptorHeapConfig{
			ResourceCapacity: cfg.Descriptors.ResourceCapacity,
			SamplerCapacity:  cfg.Descriptors.SamplerCapacity,
		},
		Execution: systems.ExecutionConfig{
			BarrierBatchSize: cfg.Execution.BarrierBatchSize,
			MaxVertexBuffers: cfg.Execution.MaxVertexBuffers,
		},
		Memory:    systems.MemoryArenaConfig{ChunkSize: cfg.Memory.ArenaChunkSize},
		Telemetry: telemetryConfig(cfg),
		Jobs:      systems.JobConfig{Workers: cfg.Jobs.Workers, QueueSize: cfg.Jobs.QueueSize},
	}
}

func telemetryConfig(cfg config.Config) systems.TelemetryConfig {
	return systems.TelemetryConfig{
		SlowFrame:          cfg.Telemetry.SlowFrame(),
		CriticalFrame:      cfg.Telemetry.CriticalFrame(),
		FenceWaitThreshold: cfg.Telemetry.FenceWaitThreshold(),
	}
}

func (p *Provider) State() State { return State(p.state.Load()) }

// confined rejects calls whose context does not carry the owner token.
func (p *Provider) confined(ctx context.Context, op string) error {
	if token, ok := ownerFrom(ctx); ok && token == p.owner {
		return nil
	}
	err := &core.ThreadConfinementError{Operation: op, Owner: p.owner.String(), Caller: callerName(ctx)}
	core.LogError(err.Error())
	return err
}

func (p *Provider) enter(ctx context.Context, op string) error {
	if err := p.confined(ctx, op); err != nil {
		return err
	}
	if p.State() != StateRunning {
		return fmt.Errorf("%s: %w", op, core.ErrNotRunning)
	}
	return nil
}

// BeginFrame waits for the frame slot to come free and opens command recording.
// ctx bounds the fence wait.
func (p *Provider) BeginFrame(ctx context.Context) error {
	if err := p.enter(ctx, "BeginFrame"); err != nil {
		return err
	}
	if p.inFrame {
		return errors.New("BeginFrame called twice without EndFrame")
	}
	sm := p.systems
	sm.Telemetry.BeginFrame(sm.Frames.FrameIndex())
	slot, frame, err := sm.Frames.BeginFrame(ctx)
	if err != nil {
		return err
	}
	p.inFrame = true
	p.frame = frame
	sm.Registry.Refresh()
	if err := sm.Execution.BeginFrame(slot); err != nil {
		return fmt.Errorf("frame %d: %w", frame, err)
	}
	p.events.Fire(core.EventFrameBegun, p, core.EventContext{Frame: frame})
	return nil
}

// Execute records one mapped command. It reports false when the command was
// skipped because the provider is not running, no frame is open, or it names an
// unknown resource.
func (p *Provider) Execute(ctx context.Context, cmd metadata.Command) (bool, error) {
	if err := p.confined(ctx, "Execute"); err != nil {
		return false, err
	}
	if p.State() != StateRunning {
		return false, nil
	}
	return p.systems.Execution.Execute(cmd), nil
}

func (p *Provider) ExecuteDraw(ctx context.Context, pipeline metadata.ResourceID, vertexCount, instanceCount, firstVertex, firstInstance uint32) (bool, error) {
	if err := p.confined(ctx, "ExecuteDraw"); err != nil {
		return false, err
	}
	if p.State() != StateRunning {
		return false, nil
	}
	return p.systems.Execution.ExecuteDraw(pipeline, vertexCount, instanceCount, firstVertex, firstInstance), nil
}

func (p *Provider) ExecuteDrawIndexed(ctx context.Context, pipeline metadata.ResourceID, indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) (bool, error) {
	if err := p.confined(ctx, "ExecuteDrawIndexed"); err != nil {
		return false, err
	}
	if p.State() != StateRunning {
		return false, nil
	}
	return p.systems.Execution.ExecuteDrawIndexed(pipeline, indexCount, instanceCount, firstIndex, baseVertex, firstInstance), nil
}

func (p *Provider) ExecuteDispatch(ctx context.Context, pipeline metadata.ResourceID, x, y, z uint32) (bool, error) {
	if err := p.confined(ctx, "ExecuteDispatch"); err != nil {
		return false, err
	}
	if p.State() != StateRunning {
		return false, nil
	}
	return p.systems.Execution.ExecuteDispatch(pipeline, x, y, z), nil
}

// EndFrame submits the recorded work, presents, signals the frame fence and
// releases every deferred destruction the GPU has caught up with.
func (p *Provider) EndFrame(ctx context.Context) error {
	if err := p.enter(ctx, "EndFrame"); err != nil {
		return err
	}
	if !p.inFrame {
		return errors.New("EndFrame without BeginFrame")
	}
	return p.endFrame()
}

func (p *Provider) endFrame() error {
	sm := p.systems
	var errs []error
	if err := sm.Execution.SubmitFrame(); err != nil {
		errs = append(errs, err)
	}
	if err := p.backend.Present(); err != nil {
		errs = append(errs, fmt.Errorf("present: %w", err))
	}
	if err := sm.Frames.EndFrame(); err != nil {
		errs = append(errs, err)
	}
	p.inFrame = false
	elapsed := sm.Telemetry.EndFrame()
	if last, ok := sm.Frames.LastCompletedFrame(); ok {
		sm.Registry.ProcessDestructions(last)
	}
	p.events.Fire(core.EventFrameEnded, p, core.EventContext{Frame: p.frame, Duration: float64(elapsed.Microseconds()) / 1000})
	return errors.Join(errs...)
}

// FlushAndWait blocks until the GPU has finished everything submitted so far and
// releases the deferred destructions that were waiting on it.
func (p *Provider) FlushAndWait(ctx context.Context) error {
	if err := p.enter(ctx, "FlushAndWait"); err != nil {
		return err
	}
	return p.drain(ctx)
}

func (p *Provider) drain(ctx context.Context) error {
	sm := p.systems
	if err := sm.Frames.WaitForIdle(ctx); err != nil {
		return err
	}
	if last, ok := sm.Frames.LastCompletedFrame(); ok {
		sm.Registry.ProcessDestructions(last)
	}
	return nil
}

// Close stops accepting work, drains the GPU and tears the subsystems down in
// reverse construction order. Every phase runs even if an earlier one fails.
// Calling Close again is a no-op.
func (p *Provider) Close(ctx context.Context) error {
	if err := p.confined(ctx, "Close"); err != nil {
		return err
	}
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		core.LogDebug("Close on a provider that is %s", p.State())
		return nil
	}
	core.LogInfo("provider shutting down")

	var errs []error
	if p.inFrame {
		if err := p.endFrame(); err != nil {
			errs = append(errs, fmt.Errorf("closing open frame: %w", err))
		}
	}
	if err := p.drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for idle: %w", err))
	}
	if err := p.systems.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := p.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing backend: %w", err))
	}
	p.events.Clear()
	p.state.Store(int32(StateShutdown))

	err := errors.Join(errs...)
	if err != nil {
		core.LogWarn("shutdown completed with errors: %s", err)
	} else {
		core.LogInfo("provider shut down cleanly")
	}
	return err
}

// ApplyConfig applies the hot-reloadable fields of cfg: log level and telemetry
// thresholds. Other changes are logged and wait for a restart.
func (p *Provider) ApplyConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.cfgMu.Lock()
	prev := p.cfg
	p.cfg = cfg
	p.cfgMu.Unlock()

	core.SetLogLevel(cfg.LogLevel)
	p.systems.Telemetry.SetThresholds(telemetryConfig(cfg))
	if cfg.Backend != prev.Backend || cfg.Frames != prev.Frames || cfg.Descriptors != prev.Descriptors ||
		cfg.Execution != prev.Execution || cfg.Memory != prev.Memory || cfg.Jobs != prev.Jobs {
		core.LogWarn("config changes outside log_level and [telemetry] take effect after restart")
	}
	p.events.Fire(core.EventConfigReloaded, p, core.EventContext{Label: cfg.AppName})
	return nil
}

func (p *Provider) Config() config.Config {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	return p.cfg
}

func (p *Provider) Registry() *systems.ResourceRegistry    { return p.systems.Registry }
func (p *Provider) Heaps() *systems.DescriptorHeapManager  { return p.systems.Heaps }
func (p *Provider) Telemetry() *systems.TelemetryCollector { return p.systems.Telemetry }
func (p *Provider) Memory() *systems.MemoryArenaManager    { return p.systems.Memory }
func (p *Provider) Jobs() *systems.JobSystem               { return p.systems.Jobs }
func (p *Provider) Events() *core.EventBus                 { return p.events }
func (p *Provider) Backend() renderer.GraphicsBackend      { return p.backend }

// FrameIndex is the frame being recorded, or the next one between frames.
func (p *Provider) FrameIndex() uint64 { return p.systems.Frames.FrameIndex() }
