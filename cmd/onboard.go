package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-time setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// seedMountPolicy is the starting mounts.json5: a home-dir allowlist with the
// usual secret-bearing directories blocked.
const seedMountPolicy = `// Host mount policy. Paths agents may request as extra mounts.
// Changes apply immediately; no restart needed.
{
  allowedRoots: [
    { path: "~/projects", allowReadWrite: true },
    { path: "~/notes", allowReadWrite: false },
  ],
  blockedPatterns: [".ssh", ".gnupg", ".aws", ".config", "*.pem", "*.key"],
  nonMainReadOnly: true,
}
`

func runOnboard() error {
	cfg := config.Default()

	assistantName := cfg.AssistantName
	mainFolder := "main"
	mainJID := ""
	engine := cfg.Sandbox.Engine
	agentCLI := cfg.Agent.CLI
	enableWhatsApp := true
	enableDiscord := false
	bridgeURL := cfg.Channels.WhatsApp.BridgeURL
	if bridgeURL == "" {
		bridgeURL = "ws://127.0.0.1:3010/ws"
	}
	apiKey := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Description("The name the assistant answers to; also the default trigger word.").
				Value(&assistantName),
			huh.NewInput().
				Title("Main group folder").
				Description("Workspace folder of the privileged admin chat.").
				Value(&mainFolder),
			huh.NewInput().
				Title("Main chat JID (optional)").
				Description("e.g. whatsapp:1234567890@g.us — leave empty to register later.").
				Value(&mainJID),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Sandbox engine").
				Options(
					huh.NewOption("container (native)", "container"),
					huh.NewOption("docker", "docker"),
					huh.NewOption("tart (one-shot VM)", "tart"),
					huh.NewOption("vibe (persistent VM)", "vibe"),
				).
				Value(&engine),
			huh.NewSelect[string]().
				Title("Agent CLI").
				Options(
					huh.NewOption("claude", "claude"),
					huh.NewOption("codex", "codex"),
					huh.NewOption("opencode", "opencode"),
				).
				Value(&agentCLI),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable WhatsApp (via websocket bridge)?").
				Value(&enableWhatsApp),
			huh.NewInput().
				Title("WhatsApp bridge URL").
				Value(&bridgeURL),
			huh.NewConfirm().
				Title("Enable Discord?").
				Description("Set NANOCLAW_DISCORD_TOKEN in the env file afterwards.").
				Value(&enableDiscord),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Anthropic API key (optional)").
				Description("Stored in .env.local, forwarded only into sandboxes.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("onboarding aborted: %w", err)
	}

	cfg.AssistantName = strings.TrimSpace(assistantName)
	cfg.MainGroupFolder = strings.TrimSpace(mainFolder)
	cfg.Sandbox.Engine = engine
	cfg.Agent.CLI = agentCLI
	cfg.Channels.WhatsApp.Enabled = enableWhatsApp
	cfg.Channels.WhatsApp.BridgeURL = strings.TrimSpace(bridgeURL)
	cfg.Channels.Discord.Enabled = enableDiscord

	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create directory layout: %w", err)
	}
	if err := config.Save(cfg.ConfigPath(), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", cfg.ConfigPath())

	if err := writeEnvFile(cfg, apiKey); err != nil {
		return err
	}
	if err := seedMounts(cfg); err != nil {
		return err
	}
	if err := registerMainGroup(cfg, strings.TrimSpace(mainJID)); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Setup complete. Start the router with:  nanoclaw")
	return nil
}

// writeEnvFile creates .env.local if absent. Never overwrites existing
// credentials.
func writeEnvFile(cfg *config.Config, apiKey string) error {
	path := cfg.EnvFile
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Keeping existing %s\n", path)
		return nil
	}
	var b strings.Builder
	b.WriteString("# Agent credentials. Only variables listed in envPassthrough reach sandboxes.\n")
	if apiKey != "" {
		fmt.Fprintf(&b, "ANTHROPIC_API_KEY=%s\n", apiKey)
	} else {
		b.WriteString("# ANTHROPIC_API_KEY=\n")
	}
	b.WriteString("# NANOCLAW_DISCORD_TOKEN=\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func seedMounts(cfg *config.Config) error {
	path := cfg.MountPolicyPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Keeping existing %s\n", path)
		return nil
	}
	if err := os.WriteFile(path, []byte(seedMountPolicy), 0o644); err != nil {
		return fmt.Errorf("write mount policy: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func registerMainGroup(cfg *config.Config, jid string) error {
	if jid == "" {
		return nil
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	err = st.RegisterGroup(store.RegisteredGroup{
		JID:             jid,
		Name:            "Main",
		Folder:          cfg.MainGroupFolder,
		RequiresTrigger: false,
		AddedAt:         store.FormatTime(time.Now()),
	})
	if errors.Is(err, store.ErrGroupExists) {
		fmt.Println("Main group already registered")
		return nil
	}
	if err != nil {
		return fmt.Errorf("register main group: %w", err)
	}
	if err := ipc.EnsureDirs(cfg.IPCDir(), cfg.MainGroupFolder); err != nil {
		return fmt.Errorf("ipc dirs: %w", err)
	}
	fmt.Printf("Registered main group %s -> %s\n", jid, cfg.MainGroupFolder)
	return nil
}
