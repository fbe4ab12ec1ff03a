package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage scheduled tasks",
	}
	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksRunsCmd())
	cmd.AddCommand(taskStatusCmd("pause", "Pause a task", store.TaskPaused))
	cmd.AddCommand(taskStatusCmd("resume", "Resume a paused task", store.TaskActive))
	cmd.AddCommand(tasksCancelCmd())
	return cmd
}

func openCmdStore() (*store.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.Open(cfg.DatabasePath())
}

func tasksListCmd() *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openCmdStore()
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.ListTasks(folder)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("no scheduled tasks")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFOLDER\tSTATUS\tSCHEDULE\tNEXT RUN\tPROMPT")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s\t%s\n",
					t.ID, t.GroupFolder, t.Status, t.ScheduleType, t.ScheduleValue,
					t.NextRun, truncate(t.Prompt, 48))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "only tasks for this workspace folder")
	return cmd
}

func tasksRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show a task's recent run log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openCmdStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.TaskRuns(args[0], limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN AT\tSTATUS\tDURATION\tRESULT")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", r.RunAt, r.Status, r.DurationMS, truncate(r.Result, 64))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max runs to show")
	return cmd
}

func taskStatusCmd(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openCmdStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := st.GetTask(args[0]); err != nil {
				return err
			}
			if err := st.SetTaskStatus(args[0], status); err != nil {
				return err
			}
			fmt.Printf("task %s is now %s\n", args[0], status)
			return nil
		},
	}
}

func tasksCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Delete a task (its run log is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openCmdStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteTask(args[0]); err != nil {
				return err
			}
			fmt.Printf("task %s cancelled\n", args[0])
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
