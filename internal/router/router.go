// Package router is the orchestration core: it persists inbound chat
// messages, decides when a workspace's agent should run, supervises the run,
// and streams replies back to the originating chat.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/agent"
	"github.com/nanoclaw/nanoclaw/internal/bootstrap"
	"github.com/nanoclaw/nanoclaw/internal/channels"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/mounts"
	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Router drives the message loop and agent runs.
type Router struct {
	cfg      *config.Config
	st       *store.Store
	channels *channels.Manager
	selector *sandbox.Selector
	mounts   *mounts.Validator
	queue    *queue.Queue

	projectDir string

	mu     sync.RWMutex
	groups map[string]store.RegisteredGroup // by folder
	byJID  map[string]store.RegisteredGroup

	triggerRe sync.Map // folder -> *regexp.Regexp

	now func() time.Time
}

// New wires a router. The queue is owned by the router so its check callback
// can close over router state.
func New(cfg *config.Config, st *store.Store, mgr *channels.Manager, selector *sandbox.Selector, validator *mounts.Validator) *Router {
	projectDir, err := os.Getwd()
	if err != nil {
		projectDir = cfg.BaseDir
	}
	r := &Router{
		cfg:        cfg,
		st:         st,
		channels:   mgr,
		selector:   selector,
		mounts:     validator,
		projectDir: projectDir,
		groups:     make(map[string]store.RegisteredGroup),
		byJID:      make(map[string]store.RegisteredGroup),
		now:        time.Now,
	}
	r.queue = queue.New(r.checkGroup)
	return r
}

// Queue exposes the per-folder executor for the scheduler.
func (r *Router) Queue() *queue.Queue { return r.queue }

// Start loads group bindings, hooks the inbound stream, and runs the poll
// loop until ctx is cancelled. Work pending from before the last shutdown is
// re-enqueued.
func (r *Router) Start(ctx context.Context) error {
	if err := r.ReloadGroups(); err != nil {
		return err
	}
	if err := r.initWatermark(); err != nil {
		return err
	}

	r.channels.OnInbound(r.handleInbound)

	r.mu.RLock()
	folders := make([]string, 0, len(r.groups))
	for folder := range r.groups {
		folders = append(folders, folder)
	}
	r.mu.RUnlock()
	for _, folder := range folders {
		r.queue.EnqueueCheck(folder)
	}

	interval := time.Duration(r.cfg.Timing.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pollOnce()
		}
	}
}

// Stop drains the queue, giving in-flight agents up to grace to finish.
func (r *Router) Stop(grace time.Duration) {
	r.queue.Shutdown(grace)
}

// initWatermark seeds the global watermark on first run so stored history is
// not replayed to agents.
func (r *Router) initWatermark() error {
	ts, err := r.st.LastTimestamp()
	if err != nil {
		return err
	}
	if ts != "" {
		return nil
	}
	return r.st.SetLastTimestamp(store.FormatTime(r.now()))
}

// ReloadGroups refreshes the folder and JID indexes from the store and makes
// sure each workspace's directories exist.
func (r *Router) ReloadGroups() error {
	groups, err := r.st.RegisteredGroups()
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	byFolder := make(map[string]store.RegisteredGroup, len(groups))
	byJID := make(map[string]store.RegisteredGroup, len(groups))
	for _, g := range groups {
		byFolder[g.Folder] = g
		byJID[g.JID] = g
		for _, dir := range []string{r.cfg.GroupDir(g.Folder), r.cfg.SessionDir(g.Folder)} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("workspace dirs for %s: %w", g.Folder, err)
			}
		}
		if err := ipc.EnsureDirs(r.cfg.IPCDir(), g.Folder); err != nil {
			return fmt.Errorf("ipc dirs for %s: %w", g.Folder, err)
		}
		if seeded, err := bootstrap.EnsureWorkspaceFiles(r.cfg.GroupDir(g.Folder)); err != nil {
			slog.Warn("workspace seeding failed", "folder", g.Folder, "error", err)
		} else if len(seeded) > 0 {
			slog.Info("seeded workspace files", "folder", g.Folder, "files", seeded)
		}
	}
	r.mu.Lock()
	r.groups = byFolder
	r.byJID = byJID
	r.mu.Unlock()
	return nil
}

// GroupsChanged is the ipc callback fired after register_group.
func (r *Router) GroupsChanged() {
	if err := r.ReloadGroups(); err != nil {
		slog.Error("group reload failed", "error", err)
	}
}

// Refresh re-syncs channel metadata and group bindings.
func (r *Router) Refresh(ctx context.Context) error {
	if err := r.channels.SyncAll(ctx, true); err != nil {
		return err
	}
	return r.ReloadGroups()
}

// SendMessage delivers text to a chat. Used by the ipc dispatcher.
func (r *Router) SendMessage(chatJID, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return r.channels.Send(ctx, chatJID, text)
}

// handleInbound persists one message as it arrives. Content is kept only for
// registered chats; everything else leaves a content-free dedupe row.
func (r *Router) handleInbound(m channels.InboundMessage) {
	if m.Content == "" && !m.FromSelf {
		return
	}
	ts := m.Timestamp
	if ts == "" {
		ts = store.FormatTime(r.now())
	}
	if err := r.st.UpsertChat(m.ChatJID, m.ChatName, ts); err != nil {
		slog.Error("chat upsert failed", "chat", m.ChatJID, "error", err)
	}

	r.mu.RLock()
	_, registered := r.byJID[m.ChatJID]
	r.mu.RUnlock()

	senderName := m.SenderName
	if m.FromSelf {
		senderName = r.cfg.AssistantName
	}
	err := r.st.StoreMessage(store.Message{
		ChatJID:    m.ChatJID,
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: senderName,
		Content:    m.Content,
		Timestamp:  ts,
		FromSelf:   m.FromSelf,
	}, registered)
	if err != nil {
		slog.Error("message store failed", "chat", m.ChatJID, "id", m.ID, "error", err)
	}
}

// pollOnce advances the global watermark over newly stored messages and
// routes each chat's batch: injected into a live run when one exists,
// otherwise a coalesced check is queued.
func (r *Router) pollOnce() {
	r.mu.RLock()
	jids := make([]string, 0, len(r.byJID))
	for jid := range r.byJID {
		jids = append(jids, jid)
	}
	r.mu.RUnlock()
	if len(jids) == 0 {
		return
	}

	since, err := r.st.LastTimestamp()
	if err != nil {
		slog.Error("watermark read failed", "error", err)
		return
	}
	msgs, newMax, err := r.st.GetNewMessages(jids, since, r.cfg.AssistantName)
	if err != nil {
		slog.Error("new message query failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	// Advance before dispatch. A crash between here and the run loses the
	// dispatch signal but never double-delivers; the agent cursor still
	// covers the gap on the next triggered run.
	if err := r.st.SetLastTimestamp(newMax); err != nil {
		slog.Error("watermark write failed", "error", err)
		return
	}

	byChat := make(map[string][]store.Message)
	for _, m := range msgs {
		byChat[m.ChatJID] = append(byChat[m.ChatJID], m)
	}

	cursors, err := r.st.AgentTimestamps()
	if err != nil {
		slog.Error("agent cursor read failed", "error", err)
		cursors = nil
	}

	for jid, batch := range byChat {
		r.mu.RLock()
		g, ok := r.byJID[jid]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if !r.triggered(g, batch) {
			continue
		}
		// A live agent gets the full catch-up window, same as a fresh run
		// would: untriggered context that accumulated since the cursor must
		// not be skipped when the cursor advances.
		if cursors != nil {
			window, err := r.st.GetMessagesSince(jid, cursors[g.Folder], r.cfg.AssistantName)
			if err != nil {
				slog.Error("catch-up query failed", "folder", g.Folder, "error", err)
			} else if len(window) > 0 && r.queue.SendStdin(g.Folder, agent.FormatPrompt(window)) {
				last := window[len(window)-1]
				if err := r.st.SetAgentTimestamp(g.Folder, last.Timestamp); err != nil {
					slog.Error("agent cursor write failed", "folder", g.Folder, "error", err)
				}
				continue
			}
		}
		r.queue.EnqueueCheck(g.Folder)
	}
}

// triggered reports whether a batch should wake the workspace's agent. The
// privileged workspace always runs; others honor their trigger pattern
// unless gating is disabled group- or instance-wide.
func (r *Router) triggered(g store.RegisteredGroup, batch []store.Message) bool {
	if g.Folder == r.cfg.MainGroupFolder {
		return true
	}
	if !g.RequiresTrigger {
		return true
	}
	if v, err := r.st.Setting(store.SettingRequireTrigger); err == nil && v == "false" {
		return true
	}
	re := r.triggerPattern(g)
	for _, m := range batch {
		if re.MatchString(m.Content) {
			return true
		}
	}
	return false
}

func (r *Router) triggerPattern(g store.RegisteredGroup) *regexp.Regexp {
	if v, ok := r.triggerRe.Load(g.Folder); ok {
		return v.(*regexp.Regexp)
	}
	expr := g.TriggerPattern
	if expr == "" {
		expr = `(?i)@?` + regexp.QuoteMeta(r.cfg.AssistantName) + `\b`
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		slog.Warn("invalid trigger pattern, using assistant name", "folder", g.Folder, "pattern", expr, "error", err)
		re = regexp.MustCompile(`(?i)@?` + regexp.QuoteMeta(r.cfg.AssistantName) + `\b`)
	}
	r.triggerRe.Store(g.Folder, re)
	return re
}

// checkGroup services a coalesced work signal: everything past the
// workspace's agent cursor becomes one prompt, the cursor is advanced before
// the spawn, and rolled back if the run fails without a reply.
func (r *Router) checkGroup(ctx context.Context, folder string) {
	r.mu.RLock()
	g, ok := r.groups[folder]
	r.mu.RUnlock()
	if !ok {
		return
	}

	cursors, err := r.st.AgentTimestamps()
	if err != nil {
		slog.Error("agent cursor read failed", "folder", folder, "error", err)
		return
	}
	cursor := cursors[folder]
	window, err := r.st.GetMessagesSince(g.JID, cursor, r.cfg.AssistantName)
	if err != nil {
		slog.Error("catch-up query failed", "folder", folder, "error", err)
		return
	}
	if len(window) == 0 {
		return
	}
	if !r.triggered(g, window) {
		return
	}

	last := window[len(window)-1].Timestamp
	if err := r.st.SetAgentTimestamp(folder, last); err != nil {
		slog.Error("agent cursor write failed", "folder", folder, "error", err)
		return
	}

	replied, err := r.runConversation(ctx, g, agent.FormatPrompt(window))
	if err != nil {
		slog.Error("agent run failed", "folder", folder, "error", err)
		if !replied {
			// Nothing reached the chat; rewind so the batch is retried on
			// the next trigger.
			if rbErr := r.st.SetAgentTimestamp(folder, cursor); rbErr != nil {
				slog.Error("agent cursor rollback failed", "folder", folder, "error", rbErr)
			}
		}
	}
}

// runConversation supervises one chat-driven agent run, streaming each
// result frame back to the chat. Returns whether at least one reply was
// delivered.
func (r *Router) runConversation(ctx context.Context, g store.RegisteredGroup, prompt string) (bool, error) {
	privileged := g.Folder == r.cfg.MainGroupFolder
	engine, spec, opts, err := r.prepareRun(&g, privileged)
	if err != nil {
		r.notifyFailure(g.JID, err)
		return false, err
	}
	opts.Prompt = prompt
	opts.ChatJID = g.JID

	sessionID, err := r.st.GetSession(g.Folder)
	if err != nil {
		return false, err
	}
	opts.SessionID = sessionID

	r.channels.SetTyping(ctx, g.JID, true)
	defer r.channels.SetTyping(ctx, g.JID, false)

	replied := false
	runErr := agent.Run(ctx, engine, spec, opts,
		func(p *sandbox.Proc) { r.queue.RegisterProcess(g.Folder, p, spec.Name) },
		func(f agent.Frame) {
			if f.NewSessionID != "" {
				// Persist before the reply goes out so a crash mid-send
				// cannot lose the session handle.
				if err := r.st.SetSession(g.Folder, f.NewSessionID); err != nil {
					slog.Error("session persist failed", "folder", g.Folder, "error", err)
				}
			}
			if f.Status == "error" {
				slog.Warn("agent reported error", "folder", g.Folder, "error", f.Error)
				return
			}
			text := agent.StripInternal(f.Result)
			if text == "" {
				return
			}
			if err := r.SendMessage(g.JID, text); err != nil {
				slog.Error("reply delivery failed", "chat", g.JID, "error", err)
				return
			}
			replied = true
		})
	return replied, runErr
}

// RunTask executes one scheduled task run and returns its result text and
// any new session handle. Matches the scheduler's runner signature.
func (r *Router) RunTask(ctx context.Context, task store.ScheduledTask, prompt, sessionID string) (string, string, error) {
	r.mu.RLock()
	g, ok := r.groups[task.GroupFolder]
	r.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no registered group for folder %s", task.GroupFolder)
	}
	privileged := g.Folder == r.cfg.MainGroupFolder
	engine, spec, opts, err := r.prepareRun(&g, privileged)
	if err != nil {
		return "", "", err
	}
	opts.Prompt = prompt
	opts.ChatJID = task.ChatJID
	opts.SessionID = sessionID
	opts.ScheduledTask = true

	var result, newSession string
	var frameErr string
	runErr := agent.Run(ctx, engine, spec, opts,
		func(p *sandbox.Proc) { r.queue.RegisterProcess(g.Folder, p, spec.Name) },
		func(f agent.Frame) {
			if f.NewSessionID != "" {
				newSession = f.NewSessionID
			}
			if f.Status == "error" {
				frameErr = f.Error
				return
			}
			if text := agent.StripInternal(f.Result); text != "" {
				result = text
			}
		})
	if runErr != nil {
		return result, newSession, runErr
	}
	if result == "" && frameErr != "" {
		return "", newSession, fmt.Errorf("agent error: %s", frameErr)
	}
	return result, newSession, nil
}

// prepareRun resolves the engine and builds the validated run spec and
// default options for a workspace.
func (r *Router) prepareRun(g *store.RegisteredGroup, privileged bool) (sandbox.Engine, sandbox.RunSpec, agent.RunOptions, error) {
	engine, agentCLI, err := r.selector.Resolve(g, privileged)
	if err != nil {
		return nil, sandbox.RunSpec{}, agent.RunOptions{}, err
	}

	var extra []store.MountSpec
	cfg := g.Config
	if cfg != nil && len(cfg.Mounts) > 0 {
		extra, err = r.mounts.ValidateAll(cfg.Mounts, privileged)
		if err != nil {
			return nil, sandbox.RunSpec{}, agent.RunOptions{}, fmt.Errorf("mount policy: %w", err)
		}
	}

	spec := sandbox.RunSpec{
		Folder:       g.Folder,
		Name:         fmt.Sprintf("%s-%s", g.Folder, r.now().UTC().Format("20060102T150405")),
		Privileged:   privileged,
		WorkspaceDir: r.cfg.GroupDir(g.Folder),
		SessionDir:   r.cfg.SessionDir(g.Folder),
		IPCDir:       r.cfg.IPCGroupDir(g.Folder),
		AgentCLI:     agentCLI,
		Mounts:       extra,
		Env:          r.cfg.AgentEnv(),
		Image:        r.cfg.Sandbox.Image,
		CPUs:         r.cfg.Sandbox.CPUs,
		MemoryMB:     r.cfg.Sandbox.MemoryMB,
	}
	if privileged {
		spec.ProjectDir = r.projectDir
	} else {
		spec.GlobalDir = r.cfg.GlobalDir()
	}
	if cfg != nil {
		if cfg.Image != "" {
			spec.Image = cfg.Image
		}
		if cfg.CPUs > 0 {
			spec.CPUs = cfg.CPUs
		}
		if cfg.MemoryMB > 0 {
			spec.MemoryMB = cfg.MemoryMB
		}
	}
	for _, dir := range []string{spec.WorkspaceDir, spec.SessionDir, spec.IPCDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, sandbox.RunSpec{}, agent.RunOptions{}, fmt.Errorf("run dirs: %w", err)
		}
	}

	opts := agent.RunOptions{
		Folder:         g.Folder,
		Privileged:     privileged,
		Timeout:        time.Duration(r.cfg.Agent.TimeoutSec) * time.Second,
		IdleTimeout:    time.Duration(r.cfg.Agent.IdleTimeoutSec) * time.Second,
		MaxOutputBytes: r.cfg.Agent.MaxOutputBytes,
	}
	if cfg != nil && cfg.TimeoutSec > 0 {
		opts.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return engine, spec, opts, nil
}

// notifyFailure tells the chat its run was refused, e.g. by mount policy.
func (r *Router) notifyFailure(chatJID string, cause error) {
	msg := "Run refused: " + cause.Error()
	var rejected *mounts.MountRejectedError
	if errors.As(cause, &rejected) {
		msg = fmt.Sprintf("Run refused: mount %s not permitted (%s)", rejected.HostPath, rejected.Reason)
	}
	if err := r.SendMessage(chatJID, msg); err != nil {
		slog.Error("failure notice delivery failed", "chat", chatJID, "error", err)
	}
}
