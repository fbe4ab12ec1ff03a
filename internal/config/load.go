package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".nanoclaw")
	return &Config{
		AssistantName:   DefaultAssistantName,
		MainGroupFolder: "main",
		BaseDir:         base,
		EnvFile:         filepath.Join(base, ".env.local"),
		EnvPassthrough: []string{
			"ANTHROPIC_API_KEY",
			"CLAUDE_CODE_OAUTH_TOKEN",
			"OPENAI_API_KEY",
		},
		Agent: AgentConfig{
			CLI:            "claude",
			TimeoutSec:     300,
			IdleTimeoutSec: 30,
			MaxOutputBytes: 10 << 20,
		},
		Sandbox: SandboxConfig{
			Engine:    "container",
			Image:     "nanoclaw-agent:latest",
			TartImage: "nanoclaw-base",
			VibeImage: "nanoclaw-base.img",
			CPUs:      2,
			MemoryMB:  2048,
		},
		Timing: TimingConfig{
			PollIntervalMS:      2000,
			SchedulerIntervalMS: 60000,
			IPCIntervalMS:       1000,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "nanoclaw",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.BaseDir = ExpandHome(cfg.BaseDir)
	cfg.EnvFile = ExpandHome(cfg.EnvFile)
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays NANOCLAW_* env vars. Env takes precedence over
// file values; per-group config (in the store) takes precedence over both at
// selection time.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("NANOCLAW_ASSISTANT_NAME", &c.AssistantName)
	envStr("NANOCLAW_BASE_DIR", &c.BaseDir)
	envStr("NANOCLAW_ENV_FILE", &c.EnvFile)

	envStr("NANOCLAW_CONTAINER_RUNTIME", &c.Sandbox.Engine)
	envStr("NANOCLAW_SANDBOX_IMAGE", &c.Sandbox.Image)
	envStr("NANOCLAW_AGENT_RUNTIME", &c.Agent.CLI)
	envInt("NANOCLAW_AGENT_TIMEOUT_SEC", &c.Agent.TimeoutSec)
	envInt("NANOCLAW_AGENT_IDLE_TIMEOUT_SEC", &c.Agent.IdleTimeoutSec)
	envInt("NANOCLAW_AGENT_MAX_OUTPUT_BYTES", &c.Agent.MaxOutputBytes)

	envInt("NANOCLAW_POLL_INTERVAL_MS", &c.Timing.PollIntervalMS)
	envInt("NANOCLAW_SCHEDULER_INTERVAL_MS", &c.Timing.SchedulerIntervalMS)
	envInt("NANOCLAW_IPC_INTERVAL_MS", &c.Timing.IPCIntervalMS)

	envBool("NANOCLAW_WHATSAPP_ENABLED", &c.Channels.WhatsApp.Enabled)
	envStr("NANOCLAW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("NANOCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envBool("NANOCLAW_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("NANOCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NANOCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envBool("NANOCLAW_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// AgentEnv builds the environment forwarded into sandboxes: the allowlisted
// variables, read from EnvFile first and the process environment as fallback.
// Nothing outside the allowlist ever crosses into a sandbox.
func (c *Config) AgentEnv() map[string]string {
	fileVars := map[string]string{}
	if c.EnvFile != "" {
		if vars, err := godotenv.Read(c.EnvFile); err == nil {
			fileVars = vars
		}
	}
	env := make(map[string]string, len(c.EnvPassthrough))
	for _, key := range c.EnvPassthrough {
		if v, ok := fileVars[key]; ok && v != "" {
			env[key] = v
			continue
		}
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	return env
}

// EnsureDirs creates the on-disk layout.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.WorkspacesDir(),
		filepath.Dir(c.DatabasePath()),
		c.IPCDir(),
		c.VibeImagesDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// Save writes the config file, creating BaseDir if needed. Plain JSON is
// valid JSON5, so the standard encoder does. Secrets are never part of the
// serialized form.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
