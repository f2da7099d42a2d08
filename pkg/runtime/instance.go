package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/mizuki/hotaru/pkg/command"
	"github.com/mizuki/hotaru/pkg/dispatch"
	"github.com/mizuki/hotaru/pkg/gateway"
	"github.com/mizuki/hotaru/pkg/manifest"
	"github.com/mizuki/hotaru/pkg/plugin"
)

// RestartEvent is the reserved gateway event name that triggers a
// self-initiated restart, e.g. from an administrative command.
const RestartEvent = "hotaru.restart"

// Config configures one runtime instance
type Config struct {
	Manifest *manifest.Manifest
	BaseDir  string
	Plugins  map[string]*plugin.PluginData
	Dialer   plugin.Dialer
	Gateway  gateway.Client // optional; nil runs without a connection

	LifecycleTimeout time.Duration
	CommandBuffer    time.Duration
	CommandTimeout   time.Duration
	Production       bool

	Logger zerolog.Logger
}

// Instance is one running copy of the application. It owns the live
// connection, the manifest-derived handler tables and the accumulated state;
// all of it is discarded wholesale on restart.
type Instance struct {
	id     string
	cfg    Config
	logger zerolog.Logger

	tables     *plugin.Tables
	dispatcher *dispatch.Dispatcher
	router     *command.Router
	state      *State

	restartRequests chan struct{}

	mu      sync.Mutex
	running bool
	pumpWG  sync.WaitGroup
	stopped chan struct{}
}

// New creates a runtime instance
func New(cfg Config) (*Instance, error) {
	if cfg.Manifest == nil {
		return nil, fmt.Errorf("runtime: manifest is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = plugin.ProcessDialer{}
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("runtime: generate instance id: %w", err)
	}

	return &Instance{
		id:              id,
		cfg:             cfg,
		logger:          cfg.Logger.With().Str("component", "runtime").Str("instance", id).Logger(),
		state:           NewState(),
		restartRequests: make(chan struct{}, 1),
		stopped:         make(chan struct{}),
	}, nil
}

// ID returns the instance identifier
func (i *Instance) ID() string {
	return i.id
}

// State returns the instance's state manager
func (i *Instance) State() *State {
	return i.state
}

// RestartRequests signals self-initiated restart requests
func (i *Instance) RestartRequests() <-chan struct{} {
	return i.restartRequests
}

// RequestRestart asks the supervisor to run a restart cycle
func (i *Instance) RequestRestart() {
	select {
	case i.restartRequests <- struct{}{}:
	default:
	}
}

// Start brings the instance live: resolve every handler, fire the start
// hook, then begin accepting gateway traffic. A load failure is fatal and
// the instance never reaches the start hook.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return fmt.Errorf("runtime: instance already running")
	}
	i.mu.Unlock()

	loader := plugin.NewLoader(i.logger, i.cfg.Dialer, i.cfg.BaseDir, i.cfg.Plugins)
	tables, err := loader.Load(ctx, i.cfg.Manifest)
	if err != nil {
		return fmt.Errorf("runtime: handler load failed: %w", err)
	}
	i.tables = tables

	i.dispatcher = dispatch.New(i.logger, tables.Events, i.cfg.LifecycleTimeout)
	i.router = command.NewRouter(i.logger, tables.Commands, i.cfg.CommandBuffer, i.cfg.CommandTimeout, i.cfg.Production)

	// All loads completed; lifecycle start runs to completion (or timeout)
	// before any inbound traffic is accepted
	i.dispatcher.DispatchLifecycle(ctx, dispatch.HookStart, nil)

	if i.cfg.Gateway != nil {
		if err := i.cfg.Gateway.Connect(ctx); err != nil {
			tables.Close()
			return fmt.Errorf("runtime: gateway connect failed: %w", err)
		}
		i.pumpWG.Add(1)
		go i.eventPump(ctx)
	}

	i.mu.Lock()
	i.running = true
	i.mu.Unlock()

	i.logger.Info().
		Int("commands", len(tables.Commands)).
		Int("events", len(tables.Events)).
		Msg("Instance started")

	return nil
}

// eventPump feeds gateway events into the dispatcher and command router
func (i *Instance) eventPump(ctx context.Context) {
	defer i.pumpWG.Done()

	for {
		select {
		case ev, ok := <-i.cfg.Gateway.Events():
			if !ok {
				return
			}
			i.handleGatewayEvent(ctx, ev)
		case <-i.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (i *Instance) handleGatewayEvent(ctx context.Context, ev gateway.Event) {
	switch {
	case ev.Name == RestartEvent:
		i.logger.Info().Msg("Self-restart requested")
		i.RequestRestart()
	case ev.Kind == gateway.EventKindCommand:
		go i.router.Dispatch(ctx, command.Invocation{
			Name:    ev.Name,
			Payload: ev.Payload,
			Replier: i.cfg.Gateway.Replier(ev),
		})
	default:
		go i.dispatcher.DispatchEvent(ctx, ev.Name, ev.Payload)
	}
}

// DispatchEvent dispatches a domain event to every bound handler
func (i *Instance) DispatchEvent(ctx context.Context, name string, payload map[string]any) {
	i.dispatcher.DispatchEvent(ctx, name, payload)
}

// DispatchCommand routes one command invocation
func (i *Instance) DispatchCommand(ctx context.Context, inv command.Invocation) {
	i.router.Dispatch(ctx, inv)
}

// Restart fires the restart hook ahead of a shutdown for a restart cycle
func (i *Instance) Restart(ctx context.Context) {
	if i.dispatcher != nil {
		i.dispatcher.DispatchLifecycle(ctx, dispatch.HookRestart, nil)
	}
}

// Stop fires the stop hook and tears everything down
func (i *Instance) Stop(ctx context.Context) {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	i.mu.Unlock()

	if i.dispatcher != nil {
		i.dispatcher.DispatchLifecycle(ctx, dispatch.HookStop, nil)
	}

	close(i.stopped)
	if i.cfg.Gateway != nil {
		_ = i.cfg.Gateway.Close()
	}
	i.pumpWG.Wait()

	if i.tables != nil {
		i.tables.Close()
	}

	i.logger.Info().Msg("Instance stopped")
}
