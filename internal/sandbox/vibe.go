package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// VibeEngine runs agents in a persistent per-workspace microVM: each folder
// gets its own raw disk, lazily cloned from a base image, so state
// accumulates across runs. Exposes Reset and Stats maintenance operations on
// top of the Engine contract.
type VibeEngine struct {
	imagesDir string // data/vibe-images
	baseImage string // base disk file name inside imagesDir
}

// NewVibe returns the persistent-VM engine.
func NewVibe(imagesDir, baseImage string) *VibeEngine {
	return &VibeEngine{imagesDir: imagesDir, baseImage: baseImage}
}

func (e *VibeEngine) Name() string { return EngineVibe }

func (e *VibeEngine) Available() bool {
	_, err := exec.LookPath("vibe")
	return err == nil
}

// DiskPath returns the workspace's disk image location.
func (e *VibeEngine) DiskPath(folder string) string {
	return filepath.Join(e.imagesDir, folder+".raw")
}

func (e *VibeEngine) Start(ctx context.Context, spec RunSpec) (*Proc, error) {
	disk, err := e.ensureDisk(spec.Folder)
	if err != nil {
		return nil, err
	}

	script, err := e.writeSetupScript(spec)
	if err != nil {
		return nil, err
	}

	args := []string{"run", "--disk", disk, "--dir", "workspace:" + spec.WorkspaceDir, "--exec", script}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%d", spec.CPUs))
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", spec.MemoryMB))
	}
	cmd := exec.CommandContext(ctx, "vibe", args...)

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
		return nil, fmt.Errorf("start vibe %s: %w", spec.Folder, err)
	}
	cleanup := func() { _ = os.Remove(script) }
	return newProc(cmd, stdin, stdout, stderr, cleanup), nil
}

// ensureDisk lazily clones the base image for a folder. Copy-on-write when
// the filesystem supports reflinks; a plain copy otherwise.
func (e *VibeEngine) ensureDisk(folder string) (string, error) {
	disk := e.DiskPath(folder)
	if _, err := os.Stat(disk); err == nil {
		return disk, nil
	}
	base := filepath.Join(e.imagesDir, e.baseImage)
	if _, err := os.Stat(base); err != nil {
		return "", fmt.Errorf("vibe base image %s: %w", base, err)
	}
	if err := exec.Command("cp", "--reflink=auto", base, disk).Run(); err != nil {
		if err := copyFile(base, disk); err != nil {
			return "", fmt.Errorf("clone vibe disk for %s: %w", folder, err)
		}
	}
	return disk, nil
}

// writeSetupScript emits the script injected into the guest; it forwards the
// credential env and hands stdio to the agent CLI in the shared workspace.
func (e *VibeEngine) writeSetupScript(spec RunSpec) (string, error) {
	f, err := os.CreateTemp("", "vibe-setup-*.sh")
	if err != nil {
		return "", fmt.Errorf("setup script: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "#!/bin/sh")
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(f, "export %s=%q\n", k, spec.Env[k])
	}
	fmt.Fprintln(f, "cd /mnt/workspace")
	fmt.Fprintf(f, "exec %s\n", spec.AgentCLI)

	if err := os.Chmod(f.Name(), 0o755); err != nil {
		return "", fmt.Errorf("setup script: %w", err)
	}
	return f.Name(), nil
}

// Reset deletes a workspace's disk so the next run rebuilds it from base.
func (e *VibeEngine) Reset(folder string) error {
	disk := e.DiskPath(folder)
	if err := os.Remove(disk); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset vibe disk %s: %w", folder, err)
	}
	return nil
}

// DiskStat is one workspace's disk usage.
type DiskStat struct {
	Folder    string
	SizeBytes int64
}

// Stats reports per-workspace disk usage, largest first.
func (e *VibeEngine) Stats() ([]DiskStat, error) {
	entries, err := os.ReadDir(e.imagesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read vibe images dir: %w", err)
	}
	var stats []DiskStat
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".raw" || name == e.baseImage {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats = append(stats, DiskStat{
			Folder:    name[:len(name)-len(".raw")],
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].SizeBytes > stats[j].SizeBytes })
	return stats, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
