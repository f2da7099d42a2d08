package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransportCloseReleasesBlockedSender(t *testing.T) {
	a, b := Pipe()
	defer b.Close()

	// Fill the buffer with nobody reading so the next Send blocks
	sendErrs := make(chan error, 1)
	go func() {
		for i := 0; ; i++ {
			if err := a.Send(Envelope{Kind: KindSetState}); err != nil {
				sendErrs <- err
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-sendErrs:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked sender not released by close")
	}

	assert.ErrorIs(t, a.Send(Envelope{}), ErrClosed)
}

func TestMemoryTransportConcurrentSendAndClose(t *testing.T) {
	a, b := Pipe()
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if err := a.Send(Envelope{Kind: KindRestart}); err != nil {
				return
			}
		}
	}()
	go func() {
		for range b.Messages() {
		}
	}()

	time.Sleep(time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sender did not finish after close")
	}
}

func TestMemoryTransportMessagesCloseOnPeerClose(t *testing.T) {
	a, b := Pipe()

	require.NoError(t, b.Close())

	select {
	case _, ok := <-a.Messages():
		assert.False(t, ok, "messages channel must close when the peer goes away")
	case <-time.After(time.Second):
		t.Fatal("messages channel never closed")
	}
}
