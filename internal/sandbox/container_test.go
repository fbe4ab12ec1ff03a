package sandbox

import (
	"strings"
	"testing"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

func baseSpec() RunSpec {
	return RunSpec{
		Folder:       "family",
		Name:         "family-20240115T100000",
		WorkspaceDir: "/srv/nc/workspaces/family",
		ProjectDir:   "/srv/nc",
		GlobalDir:    "/srv/nc/workspaces/global",
		SessionDir:   "/srv/nc/data/sessions/family",
		IPCDir:       "/srv/nc/data/ipc/family",
		AgentCLI:     AgentClaude,
		Image:        "nanoclaw-agent:latest",
		Env:          map[string]string{"ANTHROPIC_API_KEY": "k"},
	}
}

func TestDockerArgs(t *testing.T) {
	e := &containerEngine{runtime: EngineDocker}

	t.Run("non-privileged layout", func(t *testing.T) {
		spec := baseSpec()
		spec.Mounts = []store.MountSpec{{HostPath: "/srv/share", GuestPath: "share", ReadOnly: true}}
		joined := strings.Join(e.buildArgs(spec), " ")

		for _, want := range []string{
			"--user 1000:1000",
			"-v /srv/nc/workspaces/family:/workspace/group",
			"-v /srv/nc/workspaces/global:/workspace/global:ro",
			"-v /srv/nc/data/sessions/family:/home/agent/.claude",
			"-v /srv/nc/data/ipc/family:/workspace/ipc",
			"-v /srv/share:/workspace/extra/share:ro",
			"-e ANTHROPIC_API_KEY=k",
			"nanoclaw-agent:latest claude",
		} {
			if !strings.Contains(joined, want) {
				t.Errorf("missing %q in args: %s", want, joined)
			}
		}
		if strings.Contains(joined, "/workspace/project") {
			t.Errorf("non-privileged run mounted the project root: %s", joined)
		}
	})

	t.Run("privileged layout", func(t *testing.T) {
		spec := baseSpec()
		spec.Privileged = true
		joined := strings.Join(e.buildArgs(spec), " ")

		if !strings.Contains(joined, "-v /srv/nc:/workspace/project") {
			t.Errorf("privileged run missing project mount: %s", joined)
		}
		if strings.Contains(joined, "/workspace/global") {
			t.Errorf("privileged run mounted the global dir: %s", joined)
		}
	})

	t.Run("resource limits", func(t *testing.T) {
		spec := baseSpec()
		spec.CPUs = 2
		spec.MemoryMB = 2048
		joined := strings.Join(e.buildArgs(spec), " ")
		if !strings.Contains(joined, "--cpus 2") || !strings.Contains(joined, "--memory 2048m") {
			t.Errorf("limits missing: %s", joined)
		}
	})
}

func TestNativeContainerReadOnlyGrammar(t *testing.T) {
	e := &containerEngine{runtime: EngineContainer}
	spec := baseSpec()
	spec.Mounts = []store.MountSpec{{HostPath: "/srv/share", GuestPath: "share", ReadOnly: true}}
	joined := strings.Join(e.buildArgs(spec), " ")

	// The native runtime spells read-only binds with --mount ...,readonly
	// rather than docker's :ro suffix.
	if !strings.Contains(joined, "--mount type=bind,source=/srv/share,target=/workspace/extra/share,readonly") {
		t.Errorf("native read-only grammar missing: %s", joined)
	}
	if strings.Contains(joined, ":ro") {
		t.Errorf("docker grammar leaked into native runtime args: %s", joined)
	}
}
