package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mizuki/hotaru/pkg/plugin"
)

// Lifecycle hook names. Hooks dispatch with stricter timeout and fault rules
// than ordinary domain events.
const (
	HookStart   = "start"
	HookStop    = "stop"
	HookRestart = "restart"
)

// IsLifecycle reports whether an event name denotes a lifecycle phase
func IsLifecycle(name string) bool {
	return name == HookStart || name == HookStop || name == HookRestart
}

// Dispatcher fans events out to every bound handler with fault isolation.
// It never re-throws to its caller: it returns once every handler has
// completed, failed (handled) or timed out.
type Dispatcher struct {
	logger           zerolog.Logger
	events           plugin.EventTable
	lifecycleTimeout time.Duration
}

// New creates a dispatcher over an event table
func New(logger zerolog.Logger, events plugin.EventTable, lifecycleTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		logger:           logger.With().Str("component", "dispatcher").Logger(),
		events:           events,
		lifecycleTimeout: lifecycleTimeout,
	}
}

// DispatchLifecycle invokes every handler bound to a lifecycle hook. Each
// invocation races against the configured timeout; a timed-out handler is
// abandoned with a warning, not killed, though its context is cancelled so
// cooperative handlers can stop wasted work.
func (d *Dispatcher) DispatchLifecycle(ctx context.Context, name string, payload map[string]any) {
	handlers := d.events[name]
	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h *plugin.Handler) {
			defer wg.Done()
			d.invokeWithTimeout(ctx, name, h, payload)
		}(h)
	}
	wg.Wait()
}

// DispatchEvent invokes every handler bound to a domain event. No timeout is
// enforced; each handler runs to completion independently and a failure in
// one never prevents its siblings from running or being awaited.
func (d *Dispatcher) DispatchEvent(ctx context.Context, name string, payload map[string]any) {
	handlers := d.events[name]
	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h *plugin.Handler) {
			defer wg.Done()
			if !h.Auto {
				d.logger.Debug().Str("event", name).Str("owner", h.OwnerName()).Msg("Dispatching event handler")
			}
			if _, err := h.Invoke(ctx, payload); err != nil {
				d.reportFailure(name, h, err)
			}
		}(h)
	}
	wg.Wait()
}

// invokeWithTimeout races one handler against the lifecycle timeout
func (d *Dispatcher) invokeWithTimeout(ctx context.Context, name string, h *plugin.Handler, payload map[string]any) {
	hctx, cancel := context.WithTimeout(ctx, d.lifecycleTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := h.Invoke(hctx, payload)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			d.reportFailure(name, h, err)
		}
	case <-hctx.Done():
		if hctx.Err() != context.DeadlineExceeded {
			// Parent cancellation, not a slow handler
			d.logger.Debug().
				Str("hook", name).
				Str("owner", h.OwnerName()).
				Msg("Lifecycle dispatch cancelled")
			return
		}
		// Soft cancellation: stop waiting, discard whatever the handler
		// later produces
		d.logger.Warn().
			Str("hook", name).
			Str("owner", h.OwnerName()).
			Str("path", h.Path).
			Dur("timeout", d.lifecycleTimeout).
			Msg("Lifecycle handler timed out, abandoning")
	}
}

// reportFailure classifies a handler failure by ownership and failSafe
func (d *Dispatcher) reportFailure(name string, h *plugin.Handler, err error) {
	switch {
	case h.Plugin == nil:
		d.logger.Error().Err(err).
			Str("event", name).
			Str("path", h.Path).
			Msg("Project handler failed")
	case h.Plugin.Meta.FailSafe && name == HookStart:
		d.logger.Warn().Err(err).
			Str("event", name).
			Str("plugin", h.Plugin.Name).
			Msg("Fail-safe plugin failed during start, continuing")
	default:
		d.logger.Error().Err(err).
			Str("event", name).
			Str("plugin", h.Plugin.Name).
			Msg("Plugin handler failed")
	}
}
