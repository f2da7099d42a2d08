package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"

	"github.com/mizuki/hotaru/pkg/manifest"
)

// Dialer resolves a handler module path to a live module. The returned
// closer tears down whatever backs the module.
type Dialer interface {
	Dial(path string) (Module, func(), error)
}

// ProcessDialer launches handler module executables via go-plugin
type ProcessDialer struct{}

func (ProcessDialer) Dial(path string) (Module, func(), error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("handler module not found: %s", path)
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(path),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("failed to connect to handler module: %w", err)
	}

	raw, err := rpcClient.Dispense("handler")
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("failed to dispense handler: %w", err)
	}

	module, ok := raw.(Module)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("unexpected handler module type")
	}

	return module, client.Kill, nil
}

// Tables holds the manifest-derived handler tables for one runtime instance.
// Built once at start, immutable thereafter; hot reload discards the whole
// instance rather than patching them.
type Tables struct {
	Commands CommandTable
	Events   EventTable

	closersMu sync.Mutex
	closers   []func()
}

// Close tears down every dialed handler module
func (t *Tables) Close() {
	t.closersMu.Lock()
	defer t.closersMu.Unlock()
	for _, c := range t.closers {
		c()
	}
	t.closers = nil
}

// Loader resolves manifest entries into live handler tables
type Loader struct {
	logger  zerolog.Logger
	dialer  Dialer
	baseDir string
	plugins map[string]*PluginData
}

// NewLoader creates a handler loader. baseDir is the project's own build
// output root; plugins maps plugin names to their data.
func NewLoader(logger zerolog.Logger, dialer Dialer, baseDir string, plugins map[string]*PluginData) *Loader {
	return &Loader{
		logger:  logger.With().Str("component", "handler-loader").Logger(),
		dialer:  dialer,
		baseDir: baseDir,
		plugins: plugins,
	}
}

// Load resolves every manifest entry into a live handler. Loading is fully
// concurrent across distinct module paths; any failure is fatal and the
// partially built tables are torn down (fail closed, never run with a
// deliberately incomplete table).
func (l *Loader) Load(ctx context.Context, m *manifest.Manifest) (*Tables, error) {
	paths := make(map[string]*PluginData)
	record := func(path, pluginName string) error {
		var owner *PluginData
		if pluginName != "" {
			p, ok := l.plugins[pluginName]
			if !ok {
				return fmt.Errorf("manifest references unknown plugin %q", pluginName)
			}
			owner = p
		}
		resolved := l.resolve(path, owner)
		paths[resolved] = owner
		return nil
	}

	for name, entry := range m.Commands {
		if err := record(entry.Path, entry.Plugin); err != nil {
			return nil, fmt.Errorf("command %q: %w", name, err)
		}
	}
	for event, entries := range m.Events {
		for _, entry := range entries {
			if err := record(entry.Path, entry.Plugin); err != nil {
				return nil, fmt.Errorf("event %q: %w", event, err)
			}
		}
	}

	modules, closers, err := l.dialAll(ctx, paths)
	tables := &Tables{
		Commands: make(CommandTable),
		Events:   make(EventTable),
		closers:  closers,
	}
	if err != nil {
		tables.Close()
		return nil, err
	}

	for name, entry := range m.Commands {
		owner := l.plugins[entry.Plugin]
		resolved := l.resolve(entry.Path, owner)
		tables.Commands[name] = &CommandHandler{
			Handler: Handler{
				Invoke: l.invoker(modules[resolved], owner),
				Path:   resolved,
				Plugin: owner,
			},
			Name:    name,
			Defer:   entry.Defer,
			NoReply: entry.NoReply,
		}
	}

	for event, entries := range m.Events {
		handlers := make([]*Handler, 0, len(entries))
		for _, entry := range entries {
			owner := l.plugins[entry.Plugin]
			resolved := l.resolve(entry.Path, owner)
			handlers = append(handlers, &Handler{
				Invoke: l.invoker(modules[resolved], owner),
				Path:   resolved,
				Plugin: owner,
				Auto:   entry.Auto,
			})
		}
		tables.Events[event] = handlers
	}

	l.logger.Info().
		Int("commands", len(tables.Commands)).
		Int("events", len(tables.Events)).
		Int("modules", len(modules)).
		Msg("Handler tables built")

	return tables, nil
}

// dialAll dials every distinct module path concurrently
func (l *Loader) dialAll(ctx context.Context, paths map[string]*PluginData) (map[string]Module, []func(), error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		modules  = make(map[string]Module, len(paths))
		closers  []func()
		firstErr error
	)

	for path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()

			if err := ctx.Err(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			module, closer, err := l.dialer.Dial(path)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				l.logger.Error().Err(err).Str("path", path).Msg("Failed to load handler module")
				if firstErr == nil {
					firstErr = fmt.Errorf("load %s: %w", path, err)
				}
				return
			}
			modules[path] = module
			closers = append(closers, closer)
		}(path)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, closers, firstErr
	}
	return modules, closers, nil
}

// invoker binds a module to its owning plugin's option bag
func (l *Loader) invoker(module Module, owner *PluginData) InvokeFunc {
	var options map[string]any
	if owner != nil {
		options = owner.Options
	}
	return func(ctx context.Context, payload map[string]any) (Result, error) {
		return module.Handle(ctx, payload, options)
	}
}

// resolve maps a manifest path to a physical module location. Project-owned
// handlers live under the instance's own build output; plugin-owned handlers
// live under that plugin's build root.
func (l *Loader) resolve(path string, owner *PluginData) string {
	if owner != nil && owner.Root != "" {
		return filepath.Join(owner.Root, path)
	}
	return filepath.Join(l.baseDir, path)
}
