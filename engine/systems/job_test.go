package systems

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

func TestJobSystemRunsCallbacks(t *testing.T) {
	js, err := NewJobSystem(3, 8)
	if err != nil {
		t.Fatal(err)
	}
	var ok, failed atomic.Int32
	for i := 0; i < 20; i++ {
		fail := i%4 == 0
		err := js.Submit(JobTask{
			Name: "job",
			Run: func(context.Context) error {
				if fail {
					return errors.New("boom")
				}
				return nil
			},
			OnComplete: func() { ok.Add(1) },
			OnFailure:  func(error) { failed.Add(1) },
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	js.Wait()
	if ok.Load() != 15 || failed.Load() != 5 {
		t.Fatalf("ok=%d failed=%d", ok.Load(), failed.Load())
	}
	if err := js.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := js.Shutdown(); err != nil {
		t.Fatal("second shutdown failed")
	}
	if err := js.Submit(JobTask{Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrJobSystemClosed) {
		t.Fatalf("submit after shutdown err = %v", err)
	}
}

func TestJobSystemRejectsBadConfig(t *testing.T) {
	if _, err := NewJobSystem(0, 1); !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewJobSystem(1, -1); !errors.Is(err, ErrNegativeChannelSize) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoaderJobsRegisterConcurrently(t *testing.T) {
	f := newRegistryFixture(t, 256)
	js, _ := NewJobSystem(4, 16)
	defer js.Shutdown()
	for i := 0; i < 64; i++ {
		id := metadata.ResourceID(i)
		js.Submit(JobTask{
			Name: "load texture",
			Run: func(context.Context) error {
				if !f.registry.RegisterTexture(id, texture2D(8, 8), "") {
					return errors.New("register failed")
				}
				return nil
			},
		})
	}
	js.Wait()
	if s := f.registry.Stats(); s.Live != 64 {
		t.Fatalf("live = %d", s.Live)
	}
}
