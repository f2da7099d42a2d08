package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizuki/hotaru/pkg/manifest"
)

type fakeModule struct {
	result Result
	err    error
}

func (m *fakeModule) Handle(ctx context.Context, payload map[string]any, options map[string]any) (Result, error) {
	return m.result, m.err
}

type fakeDialer struct {
	mu      sync.Mutex
	dialed  []string
	closed  atomic.Int32
	failOn  string
	modules map[string]*fakeModule
}

func (d *fakeDialer) Dial(path string) (Module, func(), error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, path)
	d.mu.Unlock()

	if path == d.failOn {
		return nil, nil, errors.New("module did not serve a handler")
	}

	module := d.modules[path]
	if module == nil {
		module = &fakeModule{result: Result{Content: "ok"}}
	}
	return module, func() { d.closed.Add(1) }, nil
}

func testPlugins() map[string]*PluginData {
	return map[string]*PluginData{
		"tools": NewData("tools", "/plugins/tools/dist", map[string]any{"token": "secret"}, false),
		"extra": NewData("extra", "/plugins/extra/dist", nil, true),
	}
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Commands: map[string]manifest.CommandEntry{
			"ping": {Path: "handlers/ping"},
			"slow": {Path: "handlers/slow", Plugin: "tools", Defer: true},
		},
		Events: map[string][]manifest.EventEntry{
			"start": {
				{Path: "hooks/warmup", Plugin: "tools"},
				{Path: "hooks/banner", Auto: true},
			},
		},
	}
}

func TestLoadBuildsTables(t *testing.T) {
	dialer := &fakeDialer{modules: map[string]*fakeModule{}}
	loader := NewLoader(zerolog.Nop(), dialer, "/app/dist", testPlugins())

	tables, err := loader.Load(context.Background(), testManifest())
	require.NoError(t, err)
	defer tables.Close()

	require.Contains(t, tables.Commands, "ping")
	require.Contains(t, tables.Commands, "slow")
	assert.Equal(t, "/app/dist/handlers/ping", tables.Commands["ping"].Path)
	assert.Nil(t, tables.Commands["ping"].Plugin)
	assert.Equal(t, "/plugins/tools/dist/handlers/slow", tables.Commands["slow"].Path)
	assert.True(t, tables.Commands["slow"].Defer)
	assert.Equal(t, "tools", tables.Commands["slow"].OwnerName())

	require.Len(t, tables.Events["start"], 2)
	assert.True(t, tables.Events["start"][1].Auto)
	assert.Equal(t, "project", tables.Events["start"][1].OwnerName())
}

func TestLoadDialsEachPathOnce(t *testing.T) {
	dialer := &fakeDialer{modules: map[string]*fakeModule{}}
	loader := NewLoader(zerolog.Nop(), dialer, "/app/dist", testPlugins())

	m := testManifest()
	// Two commands sharing one module path must produce a single dial
	m.Commands["ping2"] = manifest.CommandEntry{Path: "handlers/ping"}

	tables, err := loader.Load(context.Background(), m)
	require.NoError(t, err)
	defer tables.Close()

	seen := make(map[string]int)
	for _, p := range dialer.dialed {
		seen[p]++
	}
	assert.Equal(t, 1, seen["/app/dist/handlers/ping"])
}

func TestLoadFailsClosedOnDialError(t *testing.T) {
	dialer := &fakeDialer{
		modules: map[string]*fakeModule{},
		failOn:  "/plugins/tools/dist/hooks/warmup",
	}
	loader := NewLoader(zerolog.Nop(), dialer, "/app/dist", testPlugins())

	tables, err := loader.Load(context.Background(), testManifest())
	require.Error(t, err)
	assert.Nil(t, tables)

	// Every module that did dial must have been torn down again
	d := int32(len(dialer.dialed)) - 1 // minus the one that failed
	assert.Equal(t, d, dialer.closed.Load())
}

func TestLoadRejectsUnknownPlugin(t *testing.T) {
	dialer := &fakeDialer{modules: map[string]*fakeModule{}}
	loader := NewLoader(zerolog.Nop(), dialer, "/app/dist", nil)

	m := &manifest.Manifest{
		Commands: map[string]manifest.CommandEntry{
			"ghost": {Path: "handlers/ghost", Plugin: "nope"},
		},
	}

	_, err := loader.Load(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin")
}

func TestInvokerPassesPluginOptionsThrough(t *testing.T) {
	var gotOptions map[string]any
	module := &captureModule{capture: func(options map[string]any) { gotOptions = options }}
	dialer := &fakeDialer{modules: map[string]*fakeModule{}}
	loader := NewLoader(zerolog.Nop(), dialer, "/app/dist", testPlugins())

	fn := loader.invoker(module, testPlugins()["tools"])
	_, err := fn(context.Background(), map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "secret", gotOptions["token"])
}

type captureModule struct {
	capture func(options map[string]any)
}

func (m *captureModule) Handle(ctx context.Context, payload map[string]any, options map[string]any) (Result, error) {
	m.capture(options)
	return Result{}, nil
}
