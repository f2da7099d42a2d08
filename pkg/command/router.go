package command

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mizuki/hotaru/pkg/plugin"
)

// Replier delivers command replies back to the invoking context. Exactly one
// Reply or Edit is sent per invocation, never both.
type Replier interface {
	// Reply sends the final reply directly
	Reply(ctx context.Context, result plugin.Result) error
	// Defer signals the caller that the reply will be delayed
	Defer(ctx context.Context) error
	// Edit replaces a previously deferred reply with the final one
	Edit(ctx context.Context, result plugin.Result) error
}

// Invocation is one inbound command
type Invocation struct {
	Name    string
	Payload map[string]any
	Replier Replier
}

// Router matches inbound command invocations to their single handler and
// applies the deferral and timeout policy.
type Router struct {
	logger     zerolog.Logger
	commands   plugin.CommandTable
	buffer     time.Duration
	timeout    time.Duration
	production bool
}

// NewRouter creates a command router. buffer is the deferral grace period;
// timeout bounds a deferred command's final reply. In production, failure
// detail is suppressed from user-visible messages.
func NewRouter(logger zerolog.Logger, commands plugin.CommandTable, buffer, timeout time.Duration, production bool) *Router {
	return &Router{
		logger:     logger.With().Str("component", "command-router").Logger(),
		commands:   commands,
		buffer:     buffer,
		timeout:    timeout,
		production: production,
	}
}

type outcome struct {
	result plugin.Result
	err    error
}

// Dispatch runs one command invocation to completion
func (r *Router) Dispatch(ctx context.Context, inv Invocation) {
	h, ok := r.commands[inv.Name]
	if !ok {
		// Deliberate silence: an error reply would leak internal state
		r.logger.Error().Str("command", inv.Name).Msg("No handler for command")
		return
	}

	resCh := make(chan outcome, 1)
	go func() {
		result, err := h.Invoke(ctx, inv.Payload)
		resCh <- outcome{result: result, err: err}
	}()

	deferred := false
	var out outcome

	if h.Defer {
		select {
		case out = <-resCh:
		case <-time.After(r.buffer):
			deferred = true
			if err := inv.Replier.Defer(ctx); err != nil {
				r.logger.Warn().Err(err).Str("command", inv.Name).Msg("Failed to send deferral signal")
			}
			select {
			case out = <-resCh:
			case <-time.After(r.timeout):
				r.logger.Error().
					Str("command", inv.Name).
					Str("owner", h.OwnerName()).
					Dur("timeout", r.timeout).
					Msg("Command timed out")
				r.deliverFailure(ctx, inv, deferred, "command timed out")
				return
			}
		case <-ctx.Done():
			return
		}
	} else {
		select {
		case out = <-resCh:
		case <-ctx.Done():
			return
		}
	}

	if out.err != nil {
		r.logger.Error().Err(out.err).
			Str("command", inv.Name).
			Str("owner", h.OwnerName()).
			Msg("Command handler failed")
		r.deliverFailure(ctx, inv, deferred, "command failed: "+out.err.Error())
		return
	}

	if out.result.Empty() && h.NoReply {
		// Some commands intentionally produce no user-visible reply
		return
	}

	r.deliver(ctx, inv, deferred, out.result)
}

// deliverFailure reports a user-visible failure, suppressing detail in
// production to avoid leaking internals
func (r *Router) deliverFailure(ctx context.Context, inv Invocation, deferred bool, detail string) {
	msg := detail
	if r.production {
		msg = "something went wrong"
	}
	r.deliver(ctx, inv, deferred, plugin.Result{Content: msg})
}

// deliver sends the one reply for this invocation, as an edit if the
// deferral signal already fired
func (r *Router) deliver(ctx context.Context, inv Invocation, deferred bool, result plugin.Result) {
	var err error
	if deferred {
		err = inv.Replier.Edit(ctx, result)
	} else {
		err = inv.Replier.Reply(ctx, result)
	}
	if err != nil {
		r.logger.Error().Err(err).Str("command", inv.Name).Msg("Failed to deliver reply")
	}
}
