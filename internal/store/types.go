package store

import "time"

// TimeFormat is the canonical timestamp layout for everything the store
// persists. Fixed-width UTC so that lexicographic ordering of the stored
// strings matches chronological ordering, which the cursor comparisons
// rely on.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical store layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a canonical store timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// Chat is conversation-level metadata for any chat seen on a channel,
// registered or not.
type Chat struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	LastMessageTime string `json:"lastMessageTime"`
}

// Message is a single inbound chat message. Content is only persisted for
// chats bound to a workspace; for everything else the chat row alone is
// updated.
type Message struct {
	ID         string `json:"id"`
	ChatJID    string `json:"chatJid"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	FromSelf   bool   `json:"fromSelf"`
}

// MountSpec is one additional bind requested by a group's config. It is
// validated against the host mount policy before every run.
type MountSpec struct {
	HostPath  string `json:"hostPath"`
	GuestPath string `json:"guestPath"`
	ReadOnly  bool   `json:"readOnly"`
}

// GroupConfig is the per-group sandbox configuration blob stored with a
// registered group. Zero values mean "inherit the global default".
type GroupConfig struct {
	Engine     string      `json:"engine,omitempty"`     // container, docker, tart, vibe, cli
	AgentCLI   string      `json:"agentCli,omitempty"`   // claude, codex, opencode
	Mounts     []MountSpec `json:"mounts,omitempty"`
	TimeoutSec int         `json:"timeoutSec,omitempty"`
	CPUs       int         `json:"cpus,omitempty"`     // VM engines only
	MemoryMB   int         `json:"memoryMb,omitempty"` // VM engines only
	Image      string      `json:"image,omitempty"`    // custom container/VM image
}

// RegisteredGroup binds a chat to an isolated workspace folder.
type RegisteredGroup struct {
	JID             string       `json:"jid"`
	Name            string       `json:"name"`
	Folder          string       `json:"folder"`
	TriggerPattern  string       `json:"trigger"`
	RequiresTrigger bool         `json:"requiresTrigger"`
	Config          *GroupConfig `json:"config,omitempty"`
	AddedAt         string       `json:"addedAt"`
}

// Session is the opaque conversation-continuity handle an agent runtime
// hands back after a run.
type Session struct {
	Folder    string
	SessionID string
	UpdatedAt string
}

// Schedule types for tasks.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task context modes.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// ScheduledTask is a recurring or one-shot agent invocation owned by a
// workspace.
type ScheduledTask struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"groupFolder"`
	ChatJID       string `json:"chatJid"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`  // cron | interval | once
	ScheduleValue string `json:"scheduleValue"` // cron expr | milliseconds | timestamp
	ContextMode   string `json:"contextMode"`   // group | isolated
	NextRun       string `json:"nextRun,omitempty"`
	LastRun       string `json:"lastRun,omitempty"`
	LastResult    string `json:"lastResult,omitempty"`
	Status        string `json:"status"`
	CreatedAt     string `json:"createdAt"`
}

// TaskRunLog is one append-only execution record for a scheduled task.
type TaskRunLog struct {
	ID         int64
	TaskID     string
	RunAt      string
	DurationMS int64
	Status     string // success | error
	Result     string
	Error      string
}
