package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
)

func vmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage persistent workspace VM disks",
	}
	cmd.AddCommand(vmStatsCmd())
	cmd.AddCommand(vmResetCmd())
	return cmd
}

func vibeEngine() (*sandbox.VibeEngine, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return sandbox.NewVibe(cfg.VibeImagesDir(), cfg.Sandbox.VibeImage), nil
}

func vmStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-workspace VM disk usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := vibeEngine()
			if err != nil {
				return err
			}
			stats, err := eng.Stats()
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("no workspace disks")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FOLDER\tSIZE")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%s\n", s.Folder, humanBytes(s.SizeBytes))
			}
			return w.Flush()
		},
	}
}

func vmResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <folder>",
		Short: "Delete a workspace's VM disk; it is recloned on next run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := vibeEngine()
			if err != nil {
				return err
			}
			if err := eng.Reset(args[0]); err != nil {
				return err
			}
			fmt.Printf("disk for %s removed\n", args[0])
			return nil
		},
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
