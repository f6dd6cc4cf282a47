/*
This is an example of application that will use the
engine package to test things out
*/
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spaghettifunk/framekit/engine"
	"github.com/spaghettifunk/framekit/engine/config"
	"github.com/spaghettifunk/framekit/engine/core"
	_ "github.com/spaghettifunk/framekit/engine/renderer/headless"
	_ "github.com/spaghettifunk/framekit/engine/renderer/vulkan"
	"github.com/spaghettifunk/framekit/testbed"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	frames := flag.Uint64("frames", 0, "stop after this many frames (0 runs until interrupted)")
	meshes := flag.Int("meshes", 16, "meshes the testbed loads")
	flag.Parse()

	if err := run(*configPath, *frames, *meshes); err != nil {
		core.LogFatal("testbed: %s", err)
	}
}

func run(configPath string, frames uint64, meshes int) error {
	cfg := config.Default()
	var watcher *config.Watcher
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if watcher, err = config.NewWatcher(configPath); err != nil {
			core.LogWarn("config hot reload disabled: %s", err)
		} else {
			defer watcher.Close()
		}
	}

	// signal channel to capture system calls
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	provider, ctx, err := engine.New(sigCtx, cfg, nil)
	if err != nil {
		return err
	}
	scene := testbed.NewTestScene(provider, testbed.SceneConfig{Meshes: meshes})
	if err := scene.Boot(); err != nil {
		return errors.Join(err, provider.Close(ctx))
	}
	if err := scene.Initialize(); err != nil {
		scene.Shutdown()
		return errors.Join(err, provider.Close(ctx))
	}

	var updates <-chan config.Config
	var watchErrors <-chan error
	if watcher != nil {
		updates, watchErrors = watcher.Updates(), watcher.Errors()
	}
	report := time.NewTicker(2 * time.Second)
	defer report.Stop()

	var runErr error
loop:
	for frames == 0 || provider.FrameIndex() < frames {
		select {
		case <-ctx.Done():
			core.LogInfo("interrupted, shutting down")
			break loop
		case next := <-updates:
			if err := provider.ApplyConfig(next); err != nil {
				core.LogWarn("config reload rejected: %s", err)
			}
		case err := <-watchErrors:
			core.LogWarn("config reload: %s", err)
		case <-report.C:
			snap := provider.Telemetry().Snapshot()
			loaded, failed := scene.Loaded()
			core.LogInfo("frame %d: %.2f ms avg, %.0f fps, %d meshes loaded (%d failed)", snap.FrameIndex, snap.RollingAvgMS, snap.FPS, loaded, failed)
		default:
		}
		if err := scene.Frame(ctx); err != nil {
			if ctx.Err() == nil {
				runErr = err
			}
			break
		}
	}

	scene.Shutdown()
	// The render context is cancelled by the signal; shutdown still needs its owner token.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, provider.Close(closeCtx))
}
