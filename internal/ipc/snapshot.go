package ipc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// groupEntry is one row of the groups.json snapshot.
type groupEntry struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	IsRegistered bool   `json:"isRegistered"`
}

func (d *Dispatcher) registerGroup(req request) error {
	if req.JID == "" || req.Folder == "" {
		return fmt.Errorf("register_group requires jid and folder")
	}
	requiresTrigger := true
	if req.RequiresTrigger != nil {
		requiresTrigger = *req.RequiresTrigger
	}
	err := d.store.RegisterGroup(store.RegisteredGroup{
		JID:             req.JID,
		Name:            req.Name,
		Folder:          req.Folder,
		TriggerPattern:  req.Trigger,
		RequiresTrigger: requiresTrigger,
		Config:          req.ContainerConfig,
		AddedAt:         store.FormatTime(d.now()),
	})
	if err != nil {
		return err
	}
	if err := EnsureDirs(d.root, req.Folder); err != nil {
		slog.Warn("ipc dirs for new group not created", "folder", req.Folder, "error", err)
	}
	if d.groupsChanged != nil {
		d.groupsChanged()
	}
	return nil
}

// EnsureDirs creates a workspace's IPC directory tree.
func EnsureDirs(root, folder string) error {
	for _, sub := range []string{"messages", "tasks", "errors"} {
		if err := os.MkdirAll(filepath.Join(root, folder, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// writeSnapshots refreshes each workspace's tasks.json and groups.json so
// agents can read current state on their next invocation. The privileged
// workspace sees everything; the rest see only their own slice.
func (d *Dispatcher) writeSnapshots(groups []store.RegisteredGroup) {
	chats, err := d.store.ListChats()
	if err != nil {
		slog.Error("snapshot chat list failed", "error", err)
		return
	}
	registered := make(map[string]string, len(groups)) // jid -> name
	for _, g := range groups {
		registered[g.JID] = g.Name
	}

	for _, g := range groups {
		privileged := g.Folder == d.mainFolder

		taskFolder := g.Folder
		if privileged {
			taskFolder = "" // all tasks
		}
		tasks, err := d.store.ListTasks(taskFolder)
		if err != nil {
			slog.Error("snapshot task list failed", "folder", g.Folder, "error", err)
			continue
		}
		if tasks == nil {
			tasks = []store.ScheduledTask{}
		}

		var entries []groupEntry
		for _, c := range chats {
			if !privileged && c.JID != g.JID {
				continue
			}
			_, isReg := registered[c.JID]
			entries = append(entries, groupEntry{JID: c.JID, Name: c.Name, IsRegistered: isReg})
		}
		if entries == nil {
			entries = []groupEntry{}
		}

		dir := filepath.Join(d.root, g.Folder)
		d.writeSnapshot(filepath.Join(dir, "tasks.json"), tasks)
		d.writeSnapshot(filepath.Join(dir, "groups.json"), entries)
	}
}

// writeSnapshot writes atomically: temp file in the same dir, then rename.
func (d *Dispatcher) writeSnapshot(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("snapshot encode failed", "path", path, "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Error("snapshot dir create failed", "path", path, "error", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Error("snapshot write failed", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Error("snapshot rename failed", "path", path, "error", err)
	}
}
