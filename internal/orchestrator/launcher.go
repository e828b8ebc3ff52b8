package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Process is a running transcoder.
type Process interface {
	// Wait blocks until the process exits and returns its exit code. Abnormal
	// termination, including death by signal, reports a non-zero code.
	Wait() int
	// Terminate asks the process to finish gracefully.
	Terminate() error
	// Kill ends the process immediately.
	Kill() error
	PID() int
}

// LaunchSpec describes one transcoder invocation.
type LaunchSpec struct {
	JobID  string
	Args   []string
	Stderr io.Writer
}

// Launcher spawns transcoder processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher runs the ffmpeg binary found at Path.
type ExecLauncher struct {
	Path string
}

// NewExecLauncher returns a launcher for the binary at path, defaulting to
// ffmpeg on PATH.
func NewExecLauncher(path string) *ExecLauncher {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	return &ExecLauncher{Path: path}
}

// Launch starts the process. The process is not bound to ctx so that
// cancellation never skips the graceful termination path.
func (l *ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("launch %s: no arguments", spec.JobID)
	}
	cmd := exec.Command(l.Path, spec.Args...)
	cmd.Stdout = io.Discard
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Path, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	code     int
}

func (p *execProcess) Wait() int {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.code = 0
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
			if p.code == 0 {
				p.code = -1
			}
		default:
			p.code = -1
		}
	})
	return p.code
}

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
