package ipc

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestResponseRoundTrip(t *testing.T) {
	a, b := Pipe()
	client := NewConn(a, zerolog.Nop())
	server := NewConn(b, zerolog.Nop())
	defer client.Close()
	defer server.Close()

	go func() {
		env := <-server.Inbound()
		assert.Equal(t, KindGetState, env.Kind)
		_ = server.Respond(env, StatePayload{State: map[string]any{"count": 3.0}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw, err := client.Request(ctx, KindGetState, nil)
	require.NoError(t, err)

	var payload StatePayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, 3.0, payload.State["count"])
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	a, b := Pipe()
	client := NewConn(a, zerolog.Nop())
	server := NewConn(b, zerolog.Nop())
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Request(ctx, KindGetState, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotifyDeliversWithoutResponse(t *testing.T) {
	a, b := Pipe()
	client := NewConn(a, zerolog.Nop())
	server := NewConn(b, zerolog.Nop())
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Notify(KindSetState, StatePayload{State: map[string]any{"k": "v"}}))

	select {
	case env := <-server.Inbound():
		assert.Equal(t, KindSetState, env.Kind)
		assert.Empty(t, env.ID)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestPendingRequestFailsWhenPeerCloses(t *testing.T) {
	a, b := Pipe()
	client := NewConn(a, zerolog.Nop())
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := client.Request(ctx, KindGetState, nil)
		errCh <- err
	}()

	// Give the request time to register before killing the peer
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("request did not fail on peer close")
	}
}

func TestPipeTransportFramesJSONLines(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	client := NewPipeTransport(clientReader, clientWriter)
	server := NewPipeTransport(serverReader, serverWriter)
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Send(Envelope{ID: "1", Kind: KindStart}))

	select {
	case env := <-server.Messages():
		assert.Equal(t, "1", env.ID)
		assert.Equal(t, KindStart, env.Kind)
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered over pipe")
	}
}

func TestStaleResponseIsDropped(t *testing.T) {
	a, b := Pipe()
	client := NewConn(a, zerolog.Nop())
	defer client.Close()

	// A response nobody asked for must not wedge the read loop
	require.NoError(t, b.Send(Envelope{ID: "stale", Kind: KindResponse}))
	require.NoError(t, b.Send(Envelope{Kind: KindSelfRestart}))

	select {
	case env := <-client.Inbound():
		assert.Equal(t, KindSelfRestart, env.Kind)
	case <-time.After(time.Second):
		t.Fatal("read loop wedged on stale response")
	}
}
