// Package config holds the router's file + environment configuration and the
// on-disk directory layout derived from it.
package config

import (
	"os"
	"path/filepath"
)

// DefaultAssistantName is the display name the assistant posts under and the
// default trigger word.
const DefaultAssistantName = "Andy"

// Config is the root configuration, loaded from config.json5 and overlaid
// with NANOCLAW_* environment variables.
type Config struct {
	// AssistantName is the bot's own display name. Messages from this
	// sender are never fed back into the agent.
	AssistantName string `json:"assistantName"`

	// MainGroupFolder is the folder of the privileged main group.
	MainGroupFolder string `json:"mainGroupFolder"`

	// BaseDir is the root under which workspaces/ and data/ live.
	// Defaults to ~/.nanoclaw.
	BaseDir string `json:"baseDir"`

	// EnvFile is the dotenv file agent credentials are read from.
	// Defaults to <BaseDir>/.env.local.
	EnvFile string `json:"envFile"`

	// EnvPassthrough lists the credential variables forwarded from EnvFile
	// (or the process environment) into sandboxes. Nothing else crosses.
	EnvPassthrough []string `json:"envPassthrough"`

	Agent     AgentConfig     `json:"agent"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Channels  ChannelsConfig  `json:"channels"`
	Timing    TimingConfig    `json:"timing"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// AgentConfig configures the agent CLI subprocess.
type AgentConfig struct {
	CLI            string `json:"cli"`            // claude | codex | opencode
	TimeoutSec     int    `json:"timeoutSec"`     // wall-clock cap per run
	IdleTimeoutSec int    `json:"idleTimeoutSec"` // stdin close after quiet period
	MaxOutputBytes int    `json:"maxOutputBytes"` // per-stream capture cap
}

// SandboxConfig configures the default sandbox engine.
type SandboxConfig struct {
	Engine    string `json:"engine"` // container | docker | tart | vibe | cli
	Image     string `json:"image"`
	TartImage string `json:"tartImage"`
	VibeImage string `json:"vibeImage"`
	CPUs      int    `json:"cpus"`     // VM engines
	MemoryMB  int    `json:"memoryMb"` // VM engines
}

// ChannelsConfig configures the chat adapters.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Discord  DiscordConfig  `json:"discord"`
}

// WhatsAppConfig points at the websocket bridge process.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled"`
	BridgeURL string `json:"bridgeUrl"` // e.g. ws://127.0.0.1:3010/ws
}

// DiscordConfig configures the Discord bot. Token comes from env only.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"` // NANOCLAW_DISCORD_TOKEN
}

// TimingConfig holds the loop intervals. Milliseconds to keep tests fast.
type TimingConfig struct {
	PollIntervalMS      int `json:"pollIntervalMs"`
	SchedulerIntervalMS int `json:"schedulerIntervalMs"`
	IPCIntervalMS       int `json:"ipcIntervalMs"`
}

// TelemetryConfig configures OTLP trace export. Off by default.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // grpc (default) or http
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

// Directory layout. Everything lives under BaseDir:
//
//	workspaces/<folder>/   per-group workspace (agent cwd)
//	data/store.db          sqlite
//	data/ipc/<folder>/     filesystem IPC surface
//	data/vibe-images/      persistent VM disks
//	mounts.json5           host mount policy (outside every workspace)

// DatabasePath returns the sqlite file path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.BaseDir, "data", "store.db")
}

// WorkspacesDir returns the parent of all group workspaces.
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.BaseDir, "workspaces")
}

// GroupDir returns the workspace folder for a group.
func (c *Config) GroupDir(folder string) string {
	return filepath.Join(c.WorkspacesDir(), folder)
}

// GlobalDir returns the shared read-only workspace mounted into
// non-privileged sandboxes.
func (c *Config) GlobalDir() string {
	return filepath.Join(c.WorkspacesDir(), "global")
}

// SessionsDir returns the parent of the per-group agent home dirs.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.BaseDir, "data", "sessions")
}

// SessionDir returns one group's agent home dir.
func (c *Config) SessionDir(folder string) string {
	return filepath.Join(c.SessionsDir(), folder)
}

// IPCDir returns the root of the filesystem IPC surface.
func (c *Config) IPCDir() string {
	return filepath.Join(c.BaseDir, "data", "ipc")
}

// IPCGroupDir returns one group's IPC directory.
func (c *Config) IPCGroupDir(folder string) string {
	return filepath.Join(c.IPCDir(), folder)
}

// VibeImagesDir returns where persistent VM disks are kept.
func (c *Config) VibeImagesDir() string {
	return filepath.Join(c.BaseDir, "data", "vibe-images")
}

// MountPolicyPath returns the host mount policy file. It lives directly under
// BaseDir, outside every workspace, so no sandbox can reach it.
func (c *Config) MountPolicyPath() string {
	return filepath.Join(c.BaseDir, "mounts.json5")
}

// ConfigPath returns the config file location under BaseDir.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.BaseDir, "config.json5")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
