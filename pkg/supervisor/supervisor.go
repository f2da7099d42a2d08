package supervisor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mizuki/hotaru/pkg/manifest"
	"github.com/mizuki/hotaru/pkg/statestore"
	"github.com/mizuki/hotaru/pkg/watcher"
)

// Config holds the supervisor's timing and manifest knobs
type Config struct {
	ManifestPath    string
	ShutdownTimeout time.Duration
	SnapshotTimeout time.Duration
}

// Supervisor owns the current spirit and drives the restart protocol: on
// each change batch it snapshots the running worker, tears it down while
// the build runs, and launches a replacement seeded with the snapshot.
// A single control loop serializes every cycle.
type Supervisor struct {
	cfg      Config
	logger   zerolog.Logger
	launcher Launcher
	builder  Builder
	store    *statestore.Store

	manifests    *manifest.Loader
	lastManifest *manifest.Manifest

	curMu    sync.Mutex
	current  Spirit
	requests chan watcher.Batch
	updating atomic.Bool
}

func (s *Supervisor) currentSpirit() Spirit {
	s.curMu.Lock()
	defer s.curMu.Unlock()
	return s.current
}

func (s *Supervisor) setCurrent(sp Spirit) {
	s.curMu.Lock()
	s.current = sp
	s.curMu.Unlock()
}

// New builds a supervisor. store may be nil when state persistence is not
// configured.
func New(cfg Config, launcher Launcher, builder Builder, store *statestore.Store, logger zerolog.Logger) *Supervisor {
	scoped := logger.With().Str("component", "supervisor").Logger()
	return &Supervisor{
		cfg:       cfg,
		logger:    scoped,
		launcher:  launcher,
		builder:   builder,
		store:     store,
		manifests: manifest.NewLoader(scoped),
		requests:  make(chan watcher.Batch, 1),
	}
}

// OnChangeBatch queues one restart cycle. Batches arriving while a cycle is
// already in flight are dropped, not queued: the in-flight cycle relaunches
// from the files on disk, which already include the later edits.
func (s *Supervisor) OnChangeBatch(batch watcher.Batch) {
	if !s.updating.CompareAndSwap(false, true) {
		s.logger.Debug().Int("changes", len(batch)).Msg("Restart already in progress, dropping change batch")
		return
	}
	s.requests <- batch
}

// Start performs a cold start: build, launch, and seed state from the
// snapshot store when one is configured.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.builder.Build(ctx); err != nil {
		return err
	}

	snap := map[string]any{}
	if s.store != nil {
		stored, err := s.store.Get("runtime")
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to read persisted state, starting empty")
		} else {
			snap = stored
		}
	}

	s.launch(ctx, snap)
	return nil
}

// Run drives restart cycles until ctx is cancelled, then tears down the
// current spirit.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case batch := <-s.requests:
			s.cycle(ctx, batch)
			s.updating.Store(false)
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		}
	}
}

// Autosave snapshots the running spirit into the persistent store
func (s *Supervisor) Autosave(ctx context.Context) error {
	cur := s.currentSpirit()
	if cur == nil || s.store == nil {
		return nil
	}

	snapCtx, cancel := context.WithTimeout(ctx, s.cfg.SnapshotTimeout)
	defer cancel()

	snap, err := cur.Snapshot(snapCtx)
	if err != nil {
		return err
	}
	return s.store.Set("runtime", snap)
}

// cycle runs one full restart: snapshot, signal, build overlapping the
// termination wait, then relaunch.
func (s *Supervisor) cycle(ctx context.Context, batch watcher.Batch) {
	s.logger.Info().Int("changes", len(batch)).Msg("Change detected, restarting")

	snap := map[string]any{}
	old := s.currentSpirit()
	var exited <-chan int

	if old != nil {
		// Snapshot strictly before the termination signal; a signalled
		// worker may stop answering at any point.
		snapCtx, cancel := context.WithTimeout(ctx, s.cfg.SnapshotTimeout)
		got, err := old.Snapshot(snapCtx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("State snapshot failed, new instance starts empty")
		} else {
			snap = got
		}

		if err := old.SignalRestart(); err != nil {
			s.logger.Warn().Err(err).Msg("Restart signal failed, killing worker")
			_ = old.Kill()
		}
		exited = old.Exited()
	}

	// The build and the old worker's shutdown overlap; the relaunch waits
	// on both.
	termDone := make(chan struct{})
	go func() {
		defer close(termDone)
		if old == nil {
			return
		}
		select {
		case code := <-exited:
			s.logger.Debug().Int("code", code).Msg("Worker exited")
		case <-time.After(s.cfg.ShutdownTimeout):
			s.logger.Warn().
				Dur("timeout", s.cfg.ShutdownTimeout).
				Str("status", string(old.Status())).
				Msg("Worker did not exit in time, killing")
			_ = old.Kill()
			<-exited
		}
	}()

	buildErr := s.builder.Build(ctx)
	<-termDone
	s.setCurrent(nil)

	if buildErr != nil {
		s.logger.Error().Err(buildErr).Msg("Build failed, waiting for next change")
		return
	}

	s.launch(ctx, snap)
}

func (s *Supervisor) launch(ctx context.Context, snap map[string]any) {
	sp, err := s.launcher.Launch(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to launch worker, waiting for next change")
		return
	}

	// Unacknowledged hand-off: commands served before this lands see the
	// instance's initial state.
	if err := sp.SetState(snap); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to deliver state snapshot")
	}

	s.setCurrent(sp)
	s.checkCapabilities()
	go s.forwardSelfRestarts(sp)
}

// forwardSelfRestarts turns worker-initiated restart requests into regular
// restart cycles on the control loop.
func (s *Supervisor) forwardSelfRestarts(sp Spirit) {
	for range sp.SelfRestarts() {
		s.logger.Info().Str("instance", sp.ID()).Msg("Worker requested restart")
		s.OnChangeBatch(nil)
	}
}

// checkCapabilities warns when the new build declares different permissions
// or scopes than the previous one. Capability registration happens outside
// the process, so a changed declaration needs operator action.
func (s *Supervisor) checkCapabilities() {
	if s.cfg.ManifestPath == "" {
		return
	}

	m, err := s.manifests.Load(s.cfg.ManifestPath)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Skipping capability check, manifest not loadable")
		return
	}

	diff := manifest.DiffCapabilities(s.lastManifest, m)
	s.lastManifest = m
	if diff.Empty() {
		return
	}

	s.logger.Warn().
		Str("added_permissions", strings.Join(diff.AddedPermissions, ",")).
		Str("removed_permissions", strings.Join(diff.RemovedPermissions, ",")).
		Str("added_scopes", strings.Join(diff.AddedScopes, ",")).
		Str("removed_scopes", strings.Join(diff.RemovedScopes, ",")).
		Msg("Declared capabilities changed, re-registration may be required")
}

func (s *Supervisor) shutdown() {
	old := s.currentSpirit()
	if old == nil {
		return
	}
	s.setCurrent(nil)

	if s.store != nil {
		snapCtx, cancel := context.WithTimeout(context.Background(), s.cfg.SnapshotTimeout)
		snap, err := old.Snapshot(snapCtx)
		cancel()
		if err == nil {
			if err := s.store.Set("runtime", snap); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to persist state on shutdown")
			}
		}
	}

	if err := old.SignalRestart(); err != nil {
		_ = old.Kill()
	}
	select {
	case <-old.Exited():
	case <-time.After(s.cfg.ShutdownTimeout):
		_ = old.Kill()
	}
	s.logger.Info().Msg("Supervisor stopped")
}
