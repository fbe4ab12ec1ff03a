// Package sandbox provides the four execution engines agents run in:
// ephemeral containers, one-shot VMs, persistent per-workspace VMs, and a
// direct in-process spawn, plus runtime detection and selection.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Engine names. "container" is the OS-native runtime, "docker" the
// cross-platform one; both share the container engine implementation.
const (
	EngineContainer = "container"
	EngineDocker    = "docker"
	EngineTart      = "tart"
	EngineVibe      = "vibe"
	EngineCLI       = "cli"
)

// Agent CLI names.
const (
	AgentClaude   = "claude"
	AgentCodex    = "codex"
	AgentOpencode = "opencode"
)

// RunSpec describes one agent run to an engine. Mounts have already passed
// policy validation.
type RunSpec struct {
	Folder     string
	Name       string // unique per spawn, e.g. family-20240115T100000
	Privileged bool

	WorkspaceDir string // host workspaces/<folder>
	ProjectDir   string // host project root, privileged only
	GlobalDir    string // host workspaces/global, non-privileged only
	SessionDir   string // host data/sessions/<folder>
	IPCDir       string // host data/ipc/<folder>

	AgentCLI string
	Mounts   []store.MountSpec
	Env      map[string]string

	Image    string
	CPUs     int
	MemoryMB int
}

// Engine starts agent child processes under one isolation strategy.
type Engine interface {
	Name() string
	Available() bool
	Start(ctx context.Context, spec RunSpec) (*Proc, error)
}

// Proc is a handle on a live agent child. The supervisor owns the stdio
// streams; the queue uses the stdin methods for mid-run injection.
type Proc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu        sync.Mutex
	stdin     io.WriteCloser
	stdinOpen bool

	cleanupOnce sync.Once
	cleanup     func()
}

func newProc(cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.ReadCloser, cleanup func()) *Proc {
	return &Proc{
		cmd:       cmd,
		stdin:     stdin,
		stdinOpen: true,
		stdout:    stdout,
		stderr:    stderr,
		cleanup:   cleanup,
	}
}

// Stdout returns the child's stdout stream.
func (p *Proc) Stdout() io.Reader { return p.stdout }

// Stderr returns the child's stderr stream.
func (p *Proc) Stderr() io.Reader { return p.stderr }

// WriteStdin writes to the child's stdin if it is still open.
func (p *Proc) WriteStdin(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stdinOpen {
		return fmt.Errorf("stdin closed")
	}
	_, err := p.stdin.Write(data)
	return err
}

// CloseStdin half-closes the child's stdin. Idempotent.
func (p *Proc) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stdinOpen {
		return nil
	}
	p.stdinOpen = false
	return p.stdin.Close()
}

// StdinOpen reports whether mid-run injection is still possible.
func (p *Proc) StdinOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdinOpen
}

// Wait blocks until the child exits.
func (p *Proc) Wait() error {
	return p.cmd.Wait()
}

// Terminate sends the graceful stop signal.
func (p *Proc) Terminate() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Kill force-kills the child.
func (p *Proc) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Cleanup releases engine resources (VM clones, etc). Runs at most once and
// must be called on every exit path.
func (p *Proc) Cleanup() {
	p.cleanupOnce.Do(func() {
		if p.cleanup != nil {
			p.cleanup()
		}
	})
}
