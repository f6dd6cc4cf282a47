package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
backend = "vulkan"
log_level = "debug"

[frames]
max_in_flight = 2

[telemetry]
slow_frame_ms = 8.0
critical_frame_ms = 20.0
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != "vulkan" || cfg.LogLevel != "debug" || cfg.Frames.MaxInFlight != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Descriptors.ResourceCapacity != 1_000_000 || cfg.Execution.BarrierBatchSize != 8 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Telemetry.SlowFrame() != 8*time.Millisecond || cfg.Telemetry.CriticalFrame() != 20*time.Millisecond {
		t.Fatalf("thresholds = %s %s", cfg.Telemetry.SlowFrame(), cfg.Telemetry.CriticalFrame())
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"unknown key", "colour = \"red\"\n", ""},
		{"zero frames", "[frames]\nmax_in_flight = 0\n", "max_in_flight"},
		{"too many frames", "[frames]\nmax_in_flight = 17\n", "max_in_flight"},
		{"bad level", "log_level = \"loud\"\n", "log_level"},
		{"empty backend", "backend = \"\"\n", "backend"},
		{"critical below slow", "[telemetry]\nslow_frame_ms = 20.0\ncritical_frame_ms = 10.0\n", "critical_frame_ms"},
		{"batch", "[execution]\nbarrier_batch_size = 0\n", "barrier_batch_size"},
		{"syntax", "backend = \n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.toml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != "" {
				if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), tt.want) {
					t.Fatalf("err = %v, want mention of %s", err, tt.want)
				}
			}
		})
	}
}

func TestLoadAndMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.AppName = "roundtrip"
	cfg.Jobs.Workers = 7
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "framekit.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != cfg {
		t.Fatalf("loaded %+v, want %+v", got, cfg)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("missing file loaded")
	}
}

func TestWatcherDeliversReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framekit.toml")
	if err := os.WriteFile(path, []byte("log_level = \"info\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("log_level = \"debug\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-w.Updates():
			if cfg.LogLevel == "debug" {
				return
			}
		case <-w.Errors():
			// a partially written file can fail to parse; the next event carries the full content
		case <-timeout:
			t.Fatal("no reload delivered")
		}
	}
}

func TestWatcherCloseTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framekit.toml")
	os.WriteFile(path, nil, 0o644)
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err == nil {
		t.Fatal("second Close reported no error")
	}
	if _, ok := <-w.Updates(); ok {
		t.Fatal("updates channel still open")
	}
}
