package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// Handle tracks a launched worker process.
type Handle interface {
	Alive() bool
	Stop() error
}

// Launcher starts worker processes from their descriptors. The concrete
// protocol a worker speaks after launch is out of the supervisor's scope.
type Launcher interface {
	Start(ctx context.Context, d *Descriptor) (Handle, error)
}

// ExecLauncher launches workers as local OS processes.
type ExecLauncher struct {
	logger *zap.Logger
}

// NewExecLauncher creates a process launcher.
func NewExecLauncher(logger *zap.Logger) *ExecLauncher {
	return &ExecLauncher{logger: logger}
}

// Start launches the descriptor's command with its resolved env bindings.
func (l *ExecLauncher) Start(ctx context.Context, d *Descriptor) (Handle, error) {
	if d.Command == "" {
		return nil, fmt.Errorf("worker %s: no launch command", d.Name)
	}

	cmd := exec.CommandContext(ctx, d.Command, d.Args...)
	for name, val := range d.ResolvedEnv() {
		cmd.Env = append(cmd.Env, name+"="+val)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", d.Name, err)
	}

	l.logger.Info("worker process started",
		zap.String("worker", d.Name),
		zap.Int("pid", cmd.Process.Pid))

	h := &execHandle{cmd: cmd}
	go h.wait()
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	mu     sync.Mutex
	exited bool
}

func (h *execHandle) wait() {
	h.cmd.Wait()
	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()
}

func (h *execHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return false
	}
	// Signal 0 probes existence without delivering a signal.
	return h.cmd.Process.Signal(syscall.Signal(0)) == nil
}

func (h *execHandle) Stop() error {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return nil
	}
	return h.cmd.Process.Kill()
}
