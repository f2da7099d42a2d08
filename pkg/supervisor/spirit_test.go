package supervisor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizuki/hotaru/pkg/ipc"
)

func TestSelfRestartChannelClosesWithConnection(t *testing.T) {
	local, peer := ipc.Pipe()
	peerConn := ipc.NewConn(peer, zerolog.Nop())
	sp := &processSpirit{
		conn:         ipc.NewConn(local, zerolog.Nop()),
		logger:       zerolog.Nop(),
		status:       StatusRunning,
		selfRestarts: make(chan struct{}, 1),
		exited:       make(chan int, 1),
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		sp.inboundLoop()
	}()

	require.NoError(t, peerConn.Notify(ipc.KindSelfRestart, nil))
	select {
	case <-sp.SelfRestarts():
	case <-time.After(time.Second):
		t.Fatal("self-restart never surfaced")
	}

	// Losing the worker must release anyone ranging over SelfRestarts
	require.NoError(t, peerConn.Close())

	select {
	case <-loopDone:
	case <-time.After(time.Second):
		t.Fatal("inbound loop never exited")
	}

	_, ok := <-sp.SelfRestarts()
	assert.False(t, ok, "self-restart channel must close with the worker")
}
