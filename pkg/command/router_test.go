package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizuki/hotaru/pkg/plugin"
)

type recordingReplier struct {
	mu       sync.Mutex
	replies  []plugin.Result
	edits    []plugin.Result
	deferred int
}

func (r *recordingReplier) Reply(ctx context.Context, result plugin.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, result)
	return nil
}

func (r *recordingReplier) Defer(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferred++
	return nil
}

func (r *recordingReplier) Edit(ctx context.Context, result plugin.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, result)
	return nil
}

func commandTable(name string, deferEnabled, noReply bool, fn plugin.InvokeFunc) plugin.CommandTable {
	return plugin.CommandTable{
		name: &plugin.CommandHandler{
			Handler: plugin.Handler{Invoke: fn, Path: "handlers/" + name},
			Name:    name,
			Defer:   deferEnabled,
			NoReply: noReply,
		},
	}
}

func TestDispatchFastCommandReplies(t *testing.T) {
	table := commandTable("ping", false, false, func(ctx context.Context, payload map[string]any) (plugin.Result, error) {
		return plugin.Result{Content: "pong"}, nil
	})

	replier := &recordingReplier{}
	r := NewRouter(zerolog.Nop(), table, 50*time.Millisecond, time.Second, false)
	r.Dispatch(context.Background(), Invocation{Name: "ping", Replier: replier})

	require.Len(t, replier.replies, 1)
	assert.Equal(t, "pong", replier.replies[0].Content)
	assert.Zero(t, replier.deferred)
	assert.Empty(t, replier.edits)
}

func TestDispatchMissingHandlerStaysSilent(t *testing.T) {
	replier := &recordingReplier{}
	r := NewRouter(zerolog.Nop(), plugin.CommandTable{}, 50*time.Millisecond, time.Second, false)
	r.Dispatch(context.Background(), Invocation{Name: "ghost", Replier: replier})

	assert.Empty(t, replier.replies)
	assert.Empty(t, replier.edits)
	assert.Zero(t, replier.deferred)
}

func TestDispatchSlowCommandDefersThenEdits(t *testing.T) {
	table := commandTable("slow", true, false, func(ctx context.Context, payload map[string]any) (plugin.Result, error) {
		time.Sleep(120 * time.Millisecond)
		return plugin.Result{Content: "done"}, nil
	})

	replier := &recordingReplier{}
	r := NewRouter(zerolog.Nop(), table, 40*time.Millisecond, time.Second, false)
	r.Dispatch(context.Background(), Invocation{Name: "slow", Replier: replier})

	assert.Equal(t, 1, replier.deferred)
	require.Len(t, replier.edits, 1)
	assert.Equal(t, "done", replier.edits[0].Content)
	// Never both a plain reply and a deferral
	assert.Empty(t, replier.replies)
}

func TestDispatchFastDeferEnabledCommandSkipsDeferral(t *testing.T) {
	table := commandTable("quick", true, false, func(ctx context.Context, payload map[string]any) (plugin.Result, error) {
		return plugin.Result{Content: "instant"}, nil
	})

	replier := &recordingReplier{}
	r := NewRouter(zerolog.Nop(), table, 200*time.Millisecond, time.Second, false)
	r.Dispatch(context.Background(), Invocation{Name: "quick", Replier: replier})

	assert.Zero(t, replier.deferred)
	require.Len(t, replier.replies, 1)
	assert.Empty(t, replier.edits)
}

func TestDispatchDeferredTimeoutReportsFailure(t *testing.T) {
	table := commandTable("stuck", true, false, func(ctx context.Context, payload map[string]any) (plugin.Result, error) {
		time.Sleep(5 * time.Second)
		return plugin.Result{}, nil
	})

	replier := &recordingReplier{}
	r := NewRouter(zerolog.Nop(), table, 20*time.Millisecond, 80*time.Millisecond, false)
	r.Dispatch(context.Background(), Invocation{Name: "stuck", Replier: replier})

	assert.Equal(t, 1, replier.deferred)
	require.Len(t, replier.edits, 1)
	assert.Contains(t, replier.edits[0].Content, "timed out")
	assert.Empty(t, replier.replies)
}

func TestDispatchFailureSuppressedInProduction(t *testing.T) {
	table := commandTable("broken", false, false, func(ctx context.Context, payload map[string]any) (plugin.Result, error) {
		return plugin.Result{}, errors.New("db password invalid")
	})

	replier := &recordingReplier{}
	r := NewRouter(zerolog.Nop(), table, 50*time.Millisecond, time.Second, true)
	r.Dispatch(context.Background(), Invocation{Name: "broken", Replier: replier})

	require.Len(t, replier.replies, 1)
	assert.NotContains(t, replier.replies[0].Content, "password")
}

func TestDispatchFailureDetailInDev(t *testing.T) {
	table := commandTable("broken", false, false, func(ctx context.Context, payload map[string]any) (plugin.Result, error) {
		return plugin.Result{}, errors.New("nil map write")
	})

	replier := &recordingReplier{}
	r := NewRouter(zerolog.Nop(), table, 50*time.Millisecond, time.Second, false)
	r.Dispatch(context.Background(), Invocation{Name: "broken", Replier: replier})

	require.Len(t, replier.replies, 1)
	assert.Contains(t, replier.replies[0].Content, "nil map write")
}

func TestDispatchNoReplyCommandStaysSilent(t *testing.T) {
	table := commandTable("mute", false, true, func(ctx context.Context, payload map[string]any) (plugin.Result, error) {
		return plugin.Result{}, nil
	})

	replier := &recordingReplier{}
	r := NewRouter(zerolog.Nop(), table, 50*time.Millisecond, time.Second, false)
	r.Dispatch(context.Background(), Invocation{Name: "mute", Replier: replier})

	assert.Empty(t, replier.replies)
	assert.Empty(t, replier.edits)
}

func TestDispatchNoReplyCommandWithResultStillReplies(t *testing.T) {
	table := commandTable("mute", false, true, func(ctx context.Context, payload map[string]any) (plugin.Result, error) {
		return plugin.Result{Content: "surprise"}, nil
	})

	replier := &recordingReplier{}
	r := NewRouter(zerolog.Nop(), table, 50*time.Millisecond, time.Second, false)
	r.Dispatch(context.Background(), Invocation{Name: "mute", Replier: replier})

	require.Len(t, replier.replies, 1)
	assert.Equal(t, "surprise", replier.replies[0].Content)
}

func TestDispatchStructuredResultPassedThrough(t *testing.T) {
	data := map[string]any{"embeds": []any{"one"}}
	table := commandTable("rich", false, false, func(ctx context.Context, payload map[string]any) (plugin.Result, error) {
		return plugin.Result{Data: data}, nil
	})

	replier := &recordingReplier{}
	r := NewRouter(zerolog.Nop(), table, 50*time.Millisecond, time.Second, false)
	r.Dispatch(context.Background(), Invocation{Name: "rich", Replier: replier})

	require.Len(t, replier.replies, 1)
	assert.Equal(t, data, replier.replies[0].Data)
}
