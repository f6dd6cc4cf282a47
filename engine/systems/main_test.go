package systems

import (
	"io"
	"os"
	"testing"

	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/headless"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func newHeadless(t *testing.T, opts headless.Options) *headless.Backend {
	t.Helper()
	b := headless.New(opts)
	if err := b.Initialize(renderer.BackendConfig{AppName: t.Name(), FramesInFlight: DefaultFramesInFlight}); err != nil {
		t.Fatal(err)
	}
	return b
}
