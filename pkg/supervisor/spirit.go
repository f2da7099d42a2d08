package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mizuki/hotaru/pkg/ipc"
)

// Status is the lifecycle state of one spirit
type Status string

const (
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// Spirit is the supervisor's handle to one isolated worker unit. The
// supervisor and the spirit share no memory; everything crosses the message
// channel.
type Spirit interface {
	ID() string
	Status() Status
	// Snapshot requests the worker's state snapshot
	Snapshot(ctx context.Context) (map[string]any, error)
	// SetState delivers a snapshot, fire-and-forget
	SetState(snapshot map[string]any) error
	// SignalRestart asks the worker to shut down for a restart cycle
	SignalRestart() error
	// SelfRestarts surfaces worker-initiated restart requests; the channel
	// closes when the spirit terminates
	SelfRestarts() <-chan struct{}
	// Exited delivers the worker's exit code once it terminates
	Exited() <-chan int
	// Kill forcibly terminates the worker, non-gracefully
	Kill() error
}

// Launcher starts new spirits
type Launcher interface {
	Launch(ctx context.Context) (Spirit, error)
}

// ProcessLauncher launches worker processes and speaks the IPC protocol
// over their stdio pipes.
type ProcessLauncher struct {
	// Command to launch a worker; empty re-execs the current binary in
	// worker mode
	Command       []string
	LaunchTimeout time.Duration
	Logger        zerolog.Logger
}

// Launch starts a worker process and waits for it to announce itself
func (l *ProcessLauncher) Launch(ctx context.Context) (Spirit, error) {
	argv := l.Command
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate own binary: %w", err)
		}
		argv = []string{self, "run", "--worker"}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	sp := &processSpirit{
		cmd:          cmd,
		conn:         ipc.NewConn(ipc.NewPipeTransport(stdout, stdin), l.Logger),
		logger:       l.Logger.With().Str("component", "spirit").Int("pid", cmd.Process.Pid).Logger(),
		status:       StatusStarting,
		selfRestarts: make(chan struct{}, 1),
		exited:       make(chan int, 1),
	}

	go sp.waitExit()
	go sp.inboundLoop()

	launchCtx, cancel := context.WithTimeout(ctx, l.LaunchTimeout)
	defer cancel()

	raw, err := sp.conn.Request(launchCtx, ipc.KindStart, nil)
	if err != nil {
		_ = sp.Kill()
		return nil, fmt.Errorf("worker did not come live: %w", err)
	}

	var resp ipc.StartResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		_ = sp.Kill()
		return nil, fmt.Errorf("malformed start response: %w", err)
	}

	sp.mu.Lock()
	sp.id = resp.InstanceID
	sp.status = StatusRunning
	sp.mu.Unlock()

	sp.logger.Info().Str("instance", resp.InstanceID).Msg("Spirit launched")
	return sp, nil
}

// processSpirit is a Spirit backed by an OS process
type processSpirit struct {
	cmd    *exec.Cmd
	conn   *ipc.Conn
	logger zerolog.Logger

	mu     sync.Mutex
	id     string
	status Status

	selfRestarts chan struct{}
	exited       chan int
}

func (s *processSpirit) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *processSpirit) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *processSpirit) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *processSpirit) Snapshot(ctx context.Context) (map[string]any, error) {
	raw, err := s.conn.Request(ctx, ipc.KindGetState, nil)
	if err != nil {
		return nil, err
	}

	var payload ipc.StatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed state payload: %w", err)
	}
	if payload.State == nil {
		payload.State = map[string]any{}
	}
	return payload.State, nil
}

func (s *processSpirit) SetState(snapshot map[string]any) error {
	return s.conn.Notify(ipc.KindSetState, ipc.StatePayload{State: snapshot})
}

func (s *processSpirit) SignalRestart() error {
	s.setStatus(StatusTerminating)
	return s.conn.Notify(ipc.KindRestart, nil)
}

func (s *processSpirit) SelfRestarts() <-chan struct{} {
	return s.selfRestarts
}

func (s *processSpirit) Exited() <-chan int {
	return s.exited
}

func (s *processSpirit) Kill() error {
	s.setStatus(StatusTerminating)
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

func (s *processSpirit) waitExit() {
	err := s.cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	s.setStatus(StatusTerminated)
	_ = s.conn.Close()
	s.exited <- code
	close(s.exited)
}

func (s *processSpirit) inboundLoop() {
	// Closing selfRestarts releases the supervisor's forwarder goroutine
	// once the worker is gone
	defer close(s.selfRestarts)

	for env := range s.conn.Inbound() {
		if env.Kind != ipc.KindSelfRestart {
			s.logger.Debug().Str("kind", string(env.Kind)).Msg("Ignoring unexpected worker message")
			continue
		}
		select {
		case s.selfRestarts <- struct{}{}:
		default:
		}
	}
}
