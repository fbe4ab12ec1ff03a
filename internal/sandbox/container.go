package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"sort"
)

// containerEngine runs agents in ephemeral containers through a CLI runtime.
// Two runtimes are supported: the OS-native "container" command and "docker".
// Their grammars differ only in how read-only binds are spelled; buildArgs
// normalizes both.
type containerEngine struct {
	runtime string // "container" or "docker"
}

// NewContainer returns the OS-native container engine.
func NewContainer() Engine { return &containerEngine{runtime: EngineContainer} }

// NewDocker returns the docker-backed container engine.
func NewDocker() Engine { return &containerEngine{runtime: EngineDocker} }

func (e *containerEngine) Name() string { return e.runtime }

func (e *containerEngine) Available() bool {
	_, err := exec.LookPath(e.runtime)
	return err == nil
}

func (e *containerEngine) Start(ctx context.Context, spec RunSpec) (*Proc, error) {
	args := e.buildArgs(spec)
	cmd := exec.CommandContext(ctx, e.runtime, args...)

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
		return nil, fmt.Errorf("start %s: %w", e.runtime, err)
	}
	// --rm removes the container itself; a best-effort kill covers the case
	// where the wrapper CLI dies without tearing the container down.
	cleanup := func() {
		_ = exec.Command(e.runtime, "kill", spec.Name).Run()
	}
	return newProc(cmd, stdin, stdout, stderr, cleanup), nil
}

// buildArgs assembles the run invocation with the fixed bind layout:
// group workspace, project root (privileged) or global dir (non-privileged),
// agent home, IPC dir, then validated extra mounts under /workspace/extra/.
func (e *containerEngine) buildArgs(spec RunSpec) []string {
	args := []string{"run", "--rm", "-i", "--name", spec.Name, "--user", "1000:1000"}

	if spec.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%d", spec.CPUs))
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryMB))
	}

	args = append(args, e.bind(spec.WorkspaceDir, "/workspace/group", false)...)
	if spec.Privileged {
		if spec.ProjectDir != "" {
			args = append(args, e.bind(spec.ProjectDir, "/workspace/project", false)...)
		}
	} else if spec.GlobalDir != "" {
		args = append(args, e.bind(spec.GlobalDir, "/workspace/global", true)...)
	}
	args = append(args, e.bind(spec.SessionDir, "/home/agent/.claude", false)...)
	args = append(args, e.bind(spec.IPCDir, "/workspace/ipc", false)...)
	for _, m := range spec.Mounts {
		guest := path.Join("/workspace/extra", m.GuestPath)
		args = append(args, e.bind(m.HostPath, guest, m.ReadOnly)...)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	args = append(args, "--workdir", "/workspace/group", spec.Image, spec.AgentCLI)
	return args
}

func (e *containerEngine) bind(host, guest string, readonly bool) []string {
	if e.runtime == EngineDocker {
		suffix := ""
		if readonly {
			suffix = ":ro"
		}
		return []string{"-v", host + ":" + guest + suffix}
	}
	mount := fmt.Sprintf("type=bind,source=%s,target=%s", host, guest)
	if readonly {
		mount += ",readonly"
	}
	return []string{"--mount", mount}
}
