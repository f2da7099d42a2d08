package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// Builder runs the build task that regenerates the worker's artifacts
// before a relaunch.
type Builder interface {
	Build(ctx context.Context) error
}

// ExecBuilder runs a shell-style build command with a hard timeout
type ExecBuilder struct {
	Command []string
	Dir     string
	Timeout time.Duration
	Logger  zerolog.Logger
}

func (b *ExecBuilder) Build(ctx context.Context) error {
	if len(b.Command) == 0 {
		return nil
	}

	buildCtx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	started := time.Now()
	cmd := exec.CommandContext(buildCtx, b.Command[0], b.Command[1:]...)
	cmd.Dir = b.Dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		if buildCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("build timed out after %s", b.Timeout)
		}
		b.Logger.Error().Str("output", string(out)).Msg("Build output")
		return fmt.Errorf("build failed: %w", err)
	}

	b.Logger.Debug().Dur("elapsed", time.Since(started)).Msg("Build finished")
	return nil
}
