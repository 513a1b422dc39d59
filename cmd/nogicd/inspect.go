package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/nogicos/internal/checkpoint"
	"github.com/flitsinc/nogicos/internal/schema"
	"github.com/flitsinc/nogicos/internal/store"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the most recently updated tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withStore(cmd, func(ctx context.Context, s *store.Store) error {
			list, err := s.ListTasks(ctx, limit)
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), list)
		})
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <task-id>",
	Short: "Print a task and its restored checkpoint state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s *store.Store) error {
			task, err := s.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			state, info, err := checkpoint.New(s).Restore(ctx, task.ID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Task    schema.TaskState       `json:"task"`
				State   *checkpoint.State      `json:"state"`
				Restore checkpoint.RestoreInfo `json:"restore"`
			}{task, state, info})
		})
	},
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, s *store.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	s, err := store.Open(ctx, cfg.DBPath, store.Config{PoolSize: 1})
	if err != nil {
		return err
	}
	return closing(s, func() error { return fn(ctx, s) })
}

type ctxCloser interface {
	Close(ctx context.Context) error
}

// closing runs fn, then closes c and reports both errors.
func closing(c ctxCloser, fn func() error) (err error) {
	defer func() {
		err = errors.Join(err, c.Close(context.Background()))
	}()
	return fn()
}

func printTasks(w io.Writer, list []schema.TaskState) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tAGENT\tITER\tUPDATED\tDESCRIPTION")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.Status, t.AgentStatus, t.Iteration, t.UpdatedAt.Format(time.RFC3339), truncate(t.Description, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	tasksCmd.Flags().Int("limit", 20, "maximum tasks to list")
	rootCmd.AddCommand(tasksCmd, inspectCmd)
}
