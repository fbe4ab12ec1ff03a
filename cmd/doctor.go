package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("nanoclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Agent CLI:")
	checkBinary(cfg.Agent.CLI)

	fmt.Println()
	fmt.Println("  Sandbox engines:")
	checkBinary("container")
	checkBinary("docker")
	checkBinary("tart")
	checkBinary("vibe")
	fmt.Printf("    %-12s %s\n", "default:", cfg.Sandbox.Engine)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")

	fmt.Println()
	fmt.Println("  Credentials:")
	env := cfg.AgentEnv()
	for _, key := range cfg.EnvPassthrough {
		checkCredential(key, env[key])
	}

	fmt.Println()
	fmt.Printf("  Base dir: %s", cfg.BaseDir)
	if _, err := os.Stat(cfg.BaseDir); err != nil {
		fmt.Println(" (NOT FOUND — run: nanoclaw onboard)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("  Mounts:   %s", cfg.MountPolicyPath())
	if _, err := os.Stat(cfg.MountPolicyPath()); err != nil {
		fmt.Println(" (NOT FOUND — extra mounts will be denied)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkCredential(name, value string) {
	if value != "" && len(value) > 8 {
		masked := value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
		fmt.Printf("    %-28s %s\n", name+":", masked)
	} else if value != "" {
		fmt.Printf("    %-28s ****\n", name+":")
	} else {
		fmt.Printf("    %-28s (not configured)\n", name+":")
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
