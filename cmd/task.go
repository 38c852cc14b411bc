package cmd

import (
	"errors"
	"fmt"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/observability"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/store"
)

// newTaskCmd creates the `task` command: inspect the execution log of a past
// task. Requires the postgres store; the memory store dies with the process
// that ran the task.
func newTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task [task-id]",
		Short: "Shows the recorded execution log of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Store.Type != "postgres" {
				return fmt.Errorf("task inspection requires store.type=postgres, got %q", cfg.Store.Type)
			}
			ctx := cmd.Context()
			logger := observability.GetLogger()

			pg, err := store.NewPostgresStore(ctx, cfg.Store.Postgres, logger)
			if err != nil {
				return fmt.Errorf("failed to connect execution log store: %w", err)
			}
			defer pg.Close()

			record, err := pg.GetTask(ctx, args[0])
			if errors.Is(err, store.ErrTaskNotFound) {
				return fmt.Errorf("no execution log for task %q", args[0])
			}
			if err != nil {
				return err
			}

			blob, err := json.MarshalIndent(record, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render task record: %w", err)
			}
			cmd.Println(string(blob))
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newTaskCmd())
}
