package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"time"
)

// tartEngine runs each agent invocation in a freshly cloned VM: clone base,
// boot with the workspace shared in, run the agent CLI over ssh, then stop
// and delete the clone on every exit path. Zero residue, boot-latency cost.
type tartEngine struct {
	baseImage string
	sshUser   string

	bootTimeout time.Duration
}

// NewTart returns the one-shot VM engine.
func NewTart(baseImage string) Engine {
	return &tartEngine{
		baseImage:   baseImage,
		sshUser:     "agent",
		bootTimeout: 2 * time.Minute,
	}
}

func (e *tartEngine) Name() string { return EngineTart }

func (e *tartEngine) Available() bool {
	_, err := exec.LookPath("tart")
	return err == nil
}

func (e *tartEngine) Start(ctx context.Context, spec RunSpec) (*Proc, error) {
	clone := spec.Name
	if err := exec.CommandContext(ctx, "tart", "clone", e.baseImage, clone).Run(); err != nil {
		return nil, fmt.Errorf("tart clone %s: %w", e.baseImage, err)
	}

	destroy := func() {
		_ = exec.Command("tart", "stop", clone).Run()
		if err := exec.Command("tart", "delete", clone).Run(); err != nil {
			slog.Warn("tart clone not deleted", "clone", clone, "error", err)
		}
	}

	runArgs := []string{"run", "--no-graphics", "--dir", "workspace:" + spec.WorkspaceDir}
	if spec.CPUs > 0 {
		if err := exec.Command("tart", "set", clone, "--cpu", fmt.Sprintf("%d", spec.CPUs)).Run(); err != nil {
			slog.Warn("tart cpu limit not applied", "clone", clone, "error", err)
		}
	}
	if spec.MemoryMB > 0 {
		if err := exec.Command("tart", "set", clone, "--memory", fmt.Sprintf("%d", spec.MemoryMB)).Run(); err != nil {
			slog.Warn("tart memory limit not applied", "clone", clone, "error", err)
		}
	}
	runArgs = append(runArgs, clone)
	boot := exec.Command("tart", runArgs...)
	if err := boot.Start(); err != nil {
		destroy()
		return nil, fmt.Errorf("tart run %s: %w", clone, err)
	}

	ip, err := e.waitForIP(ctx, clone)
	if err != nil {
		destroy()
		return nil, err
	}

	sshArgs := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=10",
		e.sshUser + "@" + ip,
	}
	for k, v := range spec.Env {
		sshArgs = append(sshArgs, k+"="+v)
	}
	sshArgs = append(sshArgs, "cd", "'/Volumes/My Shared Files/workspace'", "&&", spec.AgentCLI)
	cmd := exec.CommandContext(ctx, "ssh", sshArgs...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		destroy()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		destroy()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		destroy()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		destroy()
		return nil, fmt.Errorf("ssh into %s: %w", clone, err)
	}
	return newProc(cmd, stdin, stdout, stderr, destroy), nil
}

// waitForIP polls until the clone has an address and its ssh port answers.
func (e *tartEngine) waitForIP(ctx context.Context, clone string) (string, error) {
	deadline := time.Now().Add(e.bootTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
		out, err := exec.CommandContext(ctx, "tart", "ip", clone).Output()
		if err != nil {
			continue
		}
		ip := strings.TrimSpace(string(out))
		if ip == "" {
			continue
		}
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, "22"), 3*time.Second)
		if err != nil {
			continue
		}
		conn.Close()
		return ip, nil
	}
	return "", fmt.Errorf("vm %s: no reachable ssh within %s", clone, e.bootTimeout)
}
