package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/tandemlabs/tandem/internal/logging"
)

// LauncherConfig configures how the agent runtime process is started.
type LauncherConfig struct {
	// Command is the full command line for the runtime, shell-style quoting
	// allowed, e.g. `my-runtime serve --addr "127.0.0.1:9301"`.
	Command string

	// Dir is the working directory for the process. Empty inherits ours.
	Dir string

	// Env is extra environment for the process, appended to os.Environ().
	Env []string

	// Logger defaults to the agent component logger.
	Logger *slog.Logger
}

// Launcher owns a locally spawned agent runtime process. It is only used when
// Tandem manages the runtime itself; connecting to an already-running runtime
// skips the launcher entirely.
type Launcher struct {
	cmd    *exec.Cmd
	logger *slog.Logger
	done   chan error
}

// StartRuntime launches the agent runtime process. The process's stderr is
// passed through to ours so runtime diagnostics stay visible.
func StartRuntime(ctx context.Context, cfg LauncherConfig) (*Launcher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Agent()
	}

	args, err := ParseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), cfg.Env...)
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
		logger.Info("setting runtime working directory", "dir", cfg.Dir, "command", cfg.Command)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent runtime: %w", err)
	}
	logger.Info("agent runtime started", "pid", cmd.Process.Pid, "command", cfg.Command)

	l := &Launcher{
		cmd:    cmd,
		logger: logger,
		done:   make(chan error, 1),
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Warn("agent runtime exited", "error", err)
		} else {
			logger.Info("agent runtime exited")
		}
		l.done <- err
		close(l.done)
	}()
	return l, nil
}

// Done returns a channel that receives the process's exit error (possibly
// nil) and is then closed.
func (l *Launcher) Done() <-chan error {
	return l.done
}

// Pid returns the runtime's process id.
func (l *Launcher) Pid() int {
	return l.cmd.Process.Pid
}

// Stop terminates the runtime process and waits for it to exit.
func (l *Launcher) Stop() error {
	if l.cmd.Process != nil {
		if err := l.cmd.Process.Kill(); err != nil {
			l.logger.Warn("failed to kill agent runtime", "error", err)
		}
	}
	// Wait already ran in the background goroutine; its result is the
	// process's exit error, which we discard after a kill.
	<-l.done
	return nil
}
