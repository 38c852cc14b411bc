package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/engine"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/executor"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/observability"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/planner"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/safety"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/store"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/surface"
)

// newRunCmd creates the `run` command: one natural-language command through
// the full pipeline to a terminal outcome.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [command...]",
		Short: "Executes a natural-language automation command",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("surface.home_url", cmd.Flags().Lookup("url")); err != nil {
				return err
			}
			if err := viper.BindPFlag("surface.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := observability.GetLogger()
			command := strings.Join(args, " ")
			autoApprove, _ := cmd.Flags().GetBool("yes")

			// -- Assemble the pipeline --
			logStore, closeStore, err := newStore(ctx, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			surf, err := surface.NewWebSurface(ctx, cfg.Surface, logger)
			if err != nil {
				return err
			}
			defer surf.Close()

			llm, err := planner.NewClient(cfg.LLM, logger)
			if err != nil {
				return err
			}
			plannerSvc := planner.NewService(llm, logger)
			exec := executor.New(logger, surf, cfg.Engine)
			gate := safety.New(cfg.Safety)

			eng, err := engine.New(cfg, logger, exec, gate, plannerSvc, logStore)
			if err != nil {
				return err
			}

			// -- Intent pipeline --
			intent, err := plannerSvc.ExtractIntent(ctx, command)
			if err != nil {
				return err
			}
			logger.Info("Intent extracted",
				zap.String("intent", intent.Intent),
				zap.String("target_app", intent.TargetApp),
				zap.Float64("confidence", intent.Confidence))

			screen, err := surf.CaptureState(ctx)
			if err != nil {
				return fmt.Errorf("failed to capture initial screen: %w", err)
			}

			plan, err := plannerSvc.PlanActions(ctx, intent, screen)
			if err != nil {
				return err
			}
			logger.Info("Plan created",
				zap.String("task_id", plan.TaskID),
				zap.Int("actions", len(plan.Actions)))

			// Confirmation and cancellation run beside the blocking Submit.
			watcherDone := make(chan struct{})
			go superviseTask(ctx, eng, plan.TaskID, autoApprove, watcherDone)

			outcome, err := eng.Submit(ctx, plan)
			close(watcherDone)
			if err != nil {
				return err
			}

			return printOutcome(cmd, outcome)
		},
	}

	runCmd.Flags().Bool("yes", false, "approve confirmation prompts automatically")
	runCmd.Flags().String("url", "", "page to treat as the home screen")
	runCmd.Flags().Bool("headless", true, "run the browser surface headless")
	return runCmd
}

// newStore builds the configured execution log backend.
func newStore(ctx context.Context, logger *zap.Logger) (schemas.ExecutionLogStore, func(), error) {
	switch cfg.Store.Type {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Store.Postgres, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect execution log store: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return store.NewMemoryStore(logger), func() {}, nil
	}
}

// superviseTask watches the active task while Submit blocks. It approves
// confirmation requests (automatically or after an operator prompt on stderr)
// and forwards context cancellation as a task cancel.
func superviseTask(ctx context.Context, eng *engine.Engine, taskID string, autoApprove bool, done <-chan struct{}) {
	logger := observability.GetLogger()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			if err := eng.Cancel(taskID); err != nil && !errors.Is(err, engine.ErrNoSuchTask) {
				logger.Warn("Failed to cancel task", zap.Error(err))
			}
			return
		case <-ticker.C:
			id, status, ok := eng.ActiveTask()
			if !ok || id != taskID || status != schemas.TaskAwaitingConfirmation {
				continue
			}
			if autoApprove {
				logger.Info("Auto-approving confirmation", zap.String("task_id", taskID))
				_ = eng.Approve(taskID)
				continue
			}
			if promptApproval(taskID) {
				_ = eng.Approve(taskID)
			} else {
				_ = eng.Deny(taskID)
			}
		}
	}
}

// promptApproval asks the operator on the terminal. Anything other than an
// explicit yes denies.
func promptApproval(taskID string) bool {
	fmt.Printf("Task %s needs confirmation before it can continue. Proceed? [y/N]: ", taskID)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// printOutcome renders the terminal outcome as indented JSON on stdout.
func printOutcome(cmd *cobra.Command, outcome *schemas.TaskOutcome) error {
	blob, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render outcome: %w", err)
	}
	cmd.Println(string(blob))
	if outcome.Status != schemas.TaskSucceeded {
		return fmt.Errorf("task %s ended %s: %s", outcome.TaskID, outcome.Status, outcome.Reason)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
