// Package mounts validates agent-requested bind mounts against a host-owned
// policy file. The policy lives outside every workspace, so no agent can
// widen what it is allowed to mount next time.
package mounts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/titanous/json5"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// AllowedRoot is one directory tree agents may request mounts under.
type AllowedRoot struct {
	Path           string `json:"path"`
	AllowReadWrite bool   `json:"allowReadWrite"`
	Description    string `json:"description,omitempty"`
}

// Policy is the on-disk mount policy schema.
type Policy struct {
	AllowedRoots    []AllowedRoot `json:"allowedRoots"`
	BlockedPatterns []string      `json:"blockedPatterns"`
	NonMainReadOnly bool          `json:"nonMainReadOnly"`
}

// MountRejectedError reports why a requested mount was denied.
type MountRejectedError struct {
	HostPath string
	Reason   string
}

func (e *MountRejectedError) Error() string {
	return fmt.Sprintf("mount rejected: %s: %s", e.HostPath, e.Reason)
}

// Validator checks requested mounts against the current policy. Safe for
// concurrent use; Reload swaps the policy atomically.
type Validator struct {
	path string

	mu     sync.RWMutex
	policy Policy
}

// Load reads the policy file and returns a Validator. A missing file yields
// a deny-all policy (no allowed roots).
func Load(path string) (*Validator, error) {
	v := &Validator{path: path}
	if err := v.Reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// Reload re-reads the policy file. On parse failure the previous policy is
// kept and the error returned.
func (v *Validator) Reload() error {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			v.mu.Lock()
			v.policy = Policy{}
			v.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read mount policy: %w", err)
	}
	var p Policy
	if err := json5.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse mount policy: %w", err)
	}
	for i := range p.AllowedRoots {
		p.AllowedRoots[i].Path = expandHome(p.AllowedRoots[i].Path)
	}
	v.mu.Lock()
	v.policy = p
	v.mu.Unlock()
	return nil
}

// Current returns a copy of the active policy.
func (v *Validator) Current() Policy {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.policy
}

// Validate checks one requested mount for a workspace. privileged marks the
// main group. On success it returns the mount with the host path
// canonicalized and the read-only flag possibly forced on.
func (v *Validator) Validate(m store.MountSpec, privileged bool) (store.MountSpec, error) {
	v.mu.RLock()
	p := v.policy
	v.mu.RUnlock()

	host := expandHome(m.HostPath)
	resolved, err := filepath.EvalSymlinks(host)
	if err != nil {
		return m, &MountRejectedError{HostPath: m.HostPath, Reason: fmt.Sprintf("cannot resolve: %v", err)}
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return m, &MountRejectedError{HostPath: m.HostPath, Reason: fmt.Sprintf("cannot canonicalize: %v", err)}
	}

	for _, component := range strings.Split(resolved, string(filepath.Separator)) {
		if component == "" {
			continue
		}
		for _, pattern := range p.BlockedPatterns {
			ok, err := filepath.Match(pattern, component)
			if err != nil {
				return m, &MountRejectedError{HostPath: m.HostPath, Reason: fmt.Sprintf("bad blocked pattern %q", pattern)}
			}
			if ok {
				return m, &MountRejectedError{HostPath: m.HostPath, Reason: fmt.Sprintf("component %q matches blocked pattern %q", component, pattern)}
			}
		}
	}

	var root *AllowedRoot
	for i := range p.AllowedRoots {
		if underRoot(resolved, p.AllowedRoots[i].Path) {
			root = &p.AllowedRoots[i]
			break
		}
	}
	if root == nil {
		return m, &MountRejectedError{HostPath: m.HostPath, Reason: "not under any allowed root"}
	}

	out := m
	out.HostPath = resolved
	if !privileged && p.NonMainReadOnly {
		out.ReadOnly = true
	}
	if !root.AllowReadWrite {
		out.ReadOnly = true
	}
	return out, nil
}

// ValidateAll validates every requested mount; the first rejection aborts
// the whole set so a run never starts with a partial mount list.
func (v *Validator) ValidateAll(specs []store.MountSpec, privileged bool) ([]store.MountSpec, error) {
	out := make([]store.MountSpec, 0, len(specs))
	for _, m := range specs {
		validated, err := v.Validate(m, privileged)
		if err != nil {
			return nil, err
		}
		out = append(out, validated)
	}
	return out, nil
}

func underRoot(path, root string) bool {
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
