// Package ipc mediates the filesystem request surface agents use to reach
// the host: message sends, task management, and (for the privileged
// workspace) group registration. Trust is derived from the directory a
// request file is found in, never from the file's contents.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/scheduler"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// request is the union of all IPC file schemas, discriminated by Type.
type request struct {
	Type string `json:"type"`

	// message
	ChatJID string `json:"chatJid,omitempty"`
	Text    string `json:"text,omitempty"`

	// schedule_task
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	GroupFolder   string `json:"groupFolder,omitempty"`

	// task ops
	TaskID string `json:"taskId,omitempty"`

	// register_group
	JID             string             `json:"jid,omitempty"`
	Name            string             `json:"name,omitempty"`
	Folder          string             `json:"folder,omitempty"`
	Trigger         string             `json:"trigger,omitempty"`
	RequiresTrigger *bool              `json:"requiresTrigger,omitempty"`
	ContainerConfig *store.GroupConfig `json:"containerConfig,omitempty"`

	// Ignored: the originating workspace is derived from the directory the
	// file was found in, overriding any claim made here.
	SourceGroup string `json:"sourceGroup,omitempty"`
}

// Dispatcher polls workspace IPC directories and applies authorized
// requests through the store and channels.
type Dispatcher struct {
	store      *store.Store
	root       string // data/ipc
	mainFolder string

	send          func(chatJID, text string) error
	refresh       func(ctx context.Context) error
	groupsChanged func()

	interval time.Duration
	now      func() time.Time
}

// New builds a dispatcher. send delivers outbound messages; refresh triggers
// channel metadata sync; groupsChanged tells the router to reload bindings.
func New(st *store.Store, root, mainFolder string, send func(chatJID, text string) error, refresh func(ctx context.Context) error, groupsChanged func(), interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		store:         st,
		root:          root,
		mainFolder:    mainFolder,
		send:          send,
		refresh:       refresh,
		groupsChanged: groupsChanged,
		interval:      interval,
		now:           time.Now,
	}
}

// Start polls until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep processes every registered workspace's pending request files in
// name order, then refreshes the per-workspace snapshot files.
func (d *Dispatcher) Sweep(ctx context.Context) {
	groups, err := d.store.RegisteredGroups()
	if err != nil {
		slog.Error("ipc sweep: group load failed", "error", err)
		return
	}
	for _, g := range groups {
		for _, sub := range []string{"messages", "tasks"} {
			d.sweepDir(ctx, g, sub)
		}
	}
	d.writeSnapshots(groups)
}

func (d *Dispatcher) sweepDir(ctx context.Context, g store.RegisteredGroup, sub string) {
	dir := filepath.Join(d.root, g.Folder, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("ipc dir read failed", "dir", dir, "error", err)
		}
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := d.processFile(ctx, g, sub, path); err != nil {
			slog.Warn("ipc request rejected", "folder", g.Folder, "file", name, "error", err)
			d.moveToErrors(g.Folder, path, err)
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("ipc file cleanup failed", "path", path, "error", err)
		}
	}
}

func (d *Dispatcher) processFile(ctx context.Context, g store.RegisteredGroup, sub, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	privileged := g.Folder == d.mainFolder

	switch sub {
	case "messages":
		if req.Type != "message" {
			return fmt.Errorf("unexpected type %q in messages dir", req.Type)
		}
		return d.handleMessage(g, req, privileged)
	case "tasks":
		return d.handleTaskOp(ctx, g, req, privileged)
	default:
		return fmt.Errorf("unknown ipc dir %q", sub)
	}
}

func (d *Dispatcher) handleMessage(g store.RegisteredGroup, req request, privileged bool) error {
	if req.ChatJID == "" || req.Text == "" {
		return fmt.Errorf("message requires chatJid and text")
	}
	if !privileged && req.ChatJID != g.JID {
		return fmt.Errorf("workspace %s may not send to %s", g.Folder, req.ChatJID)
	}
	if err := d.send(req.ChatJID, req.Text); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (d *Dispatcher) handleTaskOp(ctx context.Context, g store.RegisteredGroup, req request, privileged bool) error {
	switch req.Type {
	case "schedule_task":
		return d.scheduleTask(g, req, privileged)
	case "pause_task":
		task, err := d.authorizeTask(g, req.TaskID, privileged)
		if err != nil {
			return err
		}
		return d.store.SetTaskStatus(task.ID, store.TaskPaused)
	case "resume_task":
		task, err := d.authorizeTask(g, req.TaskID, privileged)
		if err != nil {
			return err
		}
		return d.store.SetTaskStatus(task.ID, store.TaskActive)
	case "cancel_task":
		task, err := d.authorizeTask(g, req.TaskID, privileged)
		if err != nil {
			return err
		}
		return d.store.DeleteTask(task.ID)
	case "get_task", "list_tasks":
		// Queries are answered through the snapshot files written after
		// the sweep; consuming the request is the whole side effect.
		if req.TaskID != "" {
			if _, err := d.authorizeTask(g, req.TaskID, privileged); err != nil {
				return err
			}
		}
		return nil
	case "register_group":
		if !privileged {
			return fmt.Errorf("register_group requires the privileged workspace")
		}
		return d.registerGroup(req)
	case "refresh_groups":
		if !privileged {
			return fmt.Errorf("refresh_groups requires the privileged workspace")
		}
		if err := d.refresh(ctx); err != nil {
			return fmt.Errorf("refresh groups: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown task op %q", req.Type)
	}
}

func (d *Dispatcher) scheduleTask(g store.RegisteredGroup, req request, privileged bool) error {
	folder := req.GroupFolder
	if folder == "" {
		folder = g.Folder
	}
	if !privileged && folder != g.Folder {
		return fmt.Errorf("workspace %s may not schedule for %s", g.Folder, folder)
	}
	target, err := d.store.GroupByFolder(folder)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("unknown folder %s", folder)
	}
	if req.Prompt == "" {
		return fmt.Errorf("schedule_task requires a prompt")
	}

	contextMode := req.ContextMode
	if contextMode == "" {
		contextMode = store.ContextGroup
	}
	now := d.now()
	nextRun, err := scheduler.FirstRun(req.ScheduleType, req.ScheduleValue, now)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	return d.store.CreateTask(store.ScheduledTask{
		ID:            uuid.NewString(),
		GroupFolder:   folder,
		ChatJID:       target.JID,
		Prompt:        req.Prompt,
		ScheduleType:  req.ScheduleType,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       nextRun,
		Status:        store.TaskActive,
		CreatedAt:     store.FormatTime(now),
	})
}

// authorizeTask loads a task and checks the acting workspace may touch it.
func (d *Dispatcher) authorizeTask(g store.RegisteredGroup, taskID string, privileged bool) (*store.ScheduledTask, error) {
	if taskID == "" {
		return nil, fmt.Errorf("taskId required")
	}
	task, err := d.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if !privileged && task.GroupFolder != g.Folder {
		return nil, fmt.Errorf("workspace %s may not act on task %s owned by %s", g.Folder, taskID, task.GroupFolder)
	}
	return task, nil
}

// moveToErrors parks a failed request in the workspace's errors/ dir with a
// sidecar explaining why.
func (d *Dispatcher) moveToErrors(folder, path string, cause error) {
	errDir := filepath.Join(d.root, folder, "errors")
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		slog.Error("ipc errors dir create failed", "dir", errDir, "error", err)
		return
	}
	dest := filepath.Join(errDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		slog.Error("ipc error move failed", "path", path, "error", err)
		return
	}
	sidecar := dest + ".err"
	if err := os.WriteFile(sidecar, []byte(cause.Error()+"\n"), 0o644); err != nil {
		slog.Warn("ipc error sidecar write failed", "path", sidecar, "error", err)
	}
}
