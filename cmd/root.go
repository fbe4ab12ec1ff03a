package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nanoclaw/nanoclaw/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "nanoclaw",
	Short: "NanoClaw — personal AI assistant over chat channels",
	Long:  "NanoClaw routes WhatsApp and Discord messages into per-group sandboxed agent runs and streams the replies back, with scheduled tasks and a filesystem IPC surface for the agents themselves.",
	Run: func(cmd *cobra.Command, args []string) {
		runRouter()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.nanoclaw/config.json5 or $NANOCLAW_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(vmCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nanoclaw %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("NANOCLAW_CONFIG"); v != "" {
		return v
	}
	return config.ExpandHome("~/.nanoclaw/config.json5")
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
