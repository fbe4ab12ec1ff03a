// Package bootstrap seeds instruction files into freshly created workspaces
// so agents know the reply protocol and the filesystem request surface.
package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

const (
	// InstructionsFile is seeded into every group workspace.
	InstructionsFile = "CLAUDE.md"
	// GlobalFile is seeded into the shared read-only workspace.
	GlobalFile = "GLOBAL.md"
)

// EnsureWorkspaceFiles seeds the instructions file into a group workspace.
// Existing files are never overwritten; groups customize their own copy.
// Returns the list of files created.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	return seed(workspaceDir, InstructionsFile)
}

// EnsureGlobalFiles seeds the shared workspace mounted read-only into
// non-privileged sandboxes.
func EnsureGlobalFiles(globalDir string) ([]string, error) {
	return seed(globalDir, GlobalFile)
}

func seed(dir string, names ...string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var created []string
	for _, name := range names {
		ok, err := seedTemplate(dir, name)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes one template if absent. O_EXCL keeps a concurrent
// seeder from clobbering a file mid-write.
func seedTemplate(dir, name string) (bool, error) {
	dst := filepath.Join(dir, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
