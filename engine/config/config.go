package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the provider configuration as read from a TOML file.
type Config struct {
	AppName     string            `toml:"app_name"`
	Backend     string            `toml:"backend"`
	LogLevel    string            `toml:"log_level"`
	Validation  bool              `toml:"validation"`
	Frames      FramesConfig      `toml:"frames"`
	Descriptors DescriptorsConfig `toml:"descriptors"`
	Execution   ExecutionConfig   `toml:"execution"`
	Memory      MemoryConfig      `toml:"memory"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Jobs        JobsConfig        `toml:"jobs"`
}

type FramesConfig struct {
	MaxInFlight int `toml:"max_in_flight"`
}

type DescriptorsConfig struct {
	ResourceCapacity uint32 `toml:"resource_capacity"`
	SamplerCapacity  uint32 `toml:"sampler_capacity"`
}

type ExecutionConfig struct {
	BarrierBatchSize int `toml:"barrier_batch_size"`
	MaxVertexBuffers int `toml:"max_vertex_buffers"`
}

type MemoryConfig struct {
	ArenaChunkSize int `toml:"arena_chunk_size"`
}

// TelemetryConfig thresholds are in milliseconds.
type TelemetryConfig struct {
	SlowFrameMS          float64 `toml:"slow_frame_ms"`
	CriticalFrameMS      float64 `toml:"critical_frame_ms"`
	FenceWaitThresholdMS float64 `toml:"fence_wait_threshold_ms"`
}

func (t TelemetryConfig) SlowFrame() time.Duration     { return millis(t.SlowFrameMS) }
func (t TelemetryConfig) CriticalFrame() time.Duration { return millis(t.CriticalFrameMS) }
func (t TelemetryConfig) FenceWaitThreshold() time.Duration {
	return millis(t.FenceWaitThresholdMS)
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

type JobsConfig struct {
	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`
}

const (
	maxFramesInFlight = 16
	maxBarrierBatch   = 64
	maxVertexBuffers  = 32
)

var ErrInvalidConfig = errors.New("invalid configuration")

func Default() Config {
	return Config{
		AppName:  "framekit",
		Backend:  "headless",
		LogLevel: "info",
		Frames:   FramesConfig{MaxInFlight: 3},
		Descriptors: DescriptorsConfig{
			ResourceCapacity: 1_000_000,
			SamplerCapacity:  2048,
		},
		Execution: ExecutionConfig{BarrierBatchSize: 8, MaxVertexBuffers: 16},
		Memory:    MemoryConfig{ArenaChunkSize: 256 * 1024},
		Telemetry: TelemetryConfig{
			SlowFrameMS:          16.7,
			CriticalFrameMS:      33.3,
			FenceWaitThresholdMS: 1,
		},
		Jobs: JobsConfig{Workers: 4, QueueSize: 64},
	}
}

// Parse decodes data over the defaults, so a file only needs the keys it changes.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("%w: %s", ErrInvalidConfig, strict.String())
		}
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes cfg back to TOML.
func (c Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}
	check(c.Backend != "", "backend must be set")
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal":
	default:
		check(false, "unknown log_level %q", c.LogLevel)
	}
	check(c.Frames.MaxInFlight >= 1 && c.Frames.MaxInFlight <= maxFramesInFlight,
		"frames.max_in_flight %d outside [1, %d]", c.Frames.MaxInFlight, maxFramesInFlight)
	check(c.Descriptors.ResourceCapacity > 0, "descriptors.resource_capacity must be positive")
	check(c.Descriptors.SamplerCapacity > 0, "descriptors.sampler_capacity must be positive")
	check(c.Execution.BarrierBatchSize >= 1 && c.Execution.BarrierBatchSize <= maxBarrierBatch,
		"execution.barrier_batch_size %d outside [1, %d]", c.Execution.BarrierBatchSize, maxBarrierBatch)
	check(c.Execution.MaxVertexBuffers >= 1 && c.Execution.MaxVertexBuffers <= maxVertexBuffers,
		"execution.max_vertex_buffers %d outside [1, %d]", c.Execution.MaxVertexBuffers, maxVertexBuffers)
	check(c.Memory.ArenaChunkSize >= 0, "memory.arena_chunk_size must not be negative")
	check(c.Telemetry.SlowFrameMS > 0, "telemetry.slow_frame_ms must be positive")
	check(c.Telemetry.CriticalFrameMS >= c.Telemetry.SlowFrameMS,
		"telemetry.critical_frame_ms %.1f below slow_frame_ms %.1f", c.Telemetry.CriticalFrameMS, c.Telemetry.SlowFrameMS)
	check(c.Telemetry.FenceWaitThresholdMS >= 0, "telemetry.fence_wait_threshold_ms must not be negative")
	check(c.Jobs.Workers >= 1, "jobs.workers must be positive")
	check(c.Jobs.QueueSize >= 0, "jobs.queue_size must not be negative")
	return errors.Join(errs...)
}
