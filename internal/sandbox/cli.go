package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
)

// cliEngine spawns the agent CLI directly on the host with the workspace as
// cwd. There is no isolation: the selector only hands this engine to the
// privileged workspace, and only when explicitly configured.
type cliEngine struct {
	agentCLI string
}

// NewCLI returns the in-process engine for the given default agent binary.
func NewCLI(agentCLI string) Engine { return &cliEngine{agentCLI: agentCLI} }

func (e *cliEngine) Name() string { return EngineCLI }

func (e *cliEngine) Available() bool {
	_, err := exec.LookPath(e.agentCLI)
	return err == nil
}

func (e *cliEngine) Start(ctx context.Context, spec RunSpec) (*Proc, error) {
	bin := spec.AgentCLI
	if bin == "" {
		bin = e.agentCLI
	}
	cmd := exec.CommandContext(ctx, bin)
	cmd.Dir = spec.WorkspaceDir

	env := os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", bin, err)
	}
	return newProc(cmd, stdin, stdout, stderr, nil), nil
}
