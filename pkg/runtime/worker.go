package runtime

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/mizuki/hotaru/pkg/ipc"
)

// Worker runs one instance under a supervisor, answering control messages
// over the IPC connection until told to shut down.
type Worker struct {
	inst   *Instance
	conn   *ipc.Conn
	logger zerolog.Logger
}

// NewWorker wraps an instance and a transport to the supervisor
func NewWorker(inst *Instance, transport ipc.Transport, logger zerolog.Logger) *Worker {
	return &Worker{
		inst:   inst,
		conn:   ipc.NewConn(transport, logger),
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// Run serves supervisor messages until a restart is requested, the peer
// disappears or the context is cancelled. A handler load failure aborts with
// an error so the process exits non-zero.
func (w *Worker) Run(ctx context.Context) error {
	defer w.conn.Close()

	for {
		select {
		case env, ok := <-w.conn.Inbound():
			if !ok {
				w.logger.Warn().Msg("Supervisor connection lost, shutting down")
				w.inst.Stop(ctx)
				return nil
			}
			done, err := w.handle(ctx, env)
			if err != nil {
				return err
			}
			if done {
				return nil
			}

		case <-w.inst.RestartRequests():
			if err := w.conn.Notify(ipc.KindSelfRestart, nil); err != nil {
				w.logger.Error().Err(err).Msg("Failed to forward self-restart request")
			}

		case <-ctx.Done():
			w.inst.Stop(context.Background())
			return ctx.Err()
		}
	}
}

func (w *Worker) handle(ctx context.Context, env ipc.Envelope) (done bool, err error) {
	switch env.Kind {
	case ipc.KindStart:
		if err := w.inst.Start(ctx); err != nil {
			w.logger.Error().Err(err).Msg("Instance start failed")
			return true, err
		}
		if err := w.conn.Respond(env, ipc.StartResponse{InstanceID: w.inst.ID()}); err != nil {
			w.logger.Error().Err(err).Msg("Failed to announce instance")
		}

	case ipc.KindGetState:
		payload := ipc.StatePayload{State: w.inst.State().Snapshot()}
		if err := w.conn.Respond(env, payload); err != nil {
			w.logger.Error().Err(err).Msg("Failed to send state snapshot")
		}

	case ipc.KindSetState:
		var payload ipc.StatePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			w.logger.Error().Err(err).Msg("Malformed set-state payload, ignoring")
			return false, nil
		}
		w.inst.State().Restore(payload.State)
		w.logger.Debug().Int("keys", len(payload.State)).Msg("State restored")

	case ipc.KindRestart:
		w.logger.Info().Msg("Restart requested by supervisor")
		w.inst.Restart(ctx)
		w.inst.Stop(ctx)
		return true, nil

	default:
		w.logger.Debug().Str("kind", string(env.Kind)).Msg("Ignoring unknown message")
	}

	return false, nil
}
