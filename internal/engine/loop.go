package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
)

// task is the engine's working state for one admitted task. It is owned
// exclusively by the goroutine running the loop; only the status field and
// the decision/cancel channels are touched from outside, under their own
// synchronization.
type task struct {
	id            string
	plan          *schemas.TaskPlan
	cursor        int
	retryCount    int
	totalExecuted int
	// consecutiveFailures counts FAILED results since the last success;
	// reset on success and on every accepted replan.
	consecutiveFailures int

	startedAt time.Time
	results   []schemas.ActionResult

	statusMu sync.Mutex
	status   schemas.TaskStatus

	decisionCh chan bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

func newTask(plan *schemas.TaskPlan) *task {
	id := plan.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	return &task{
		id:         id,
		plan:       plan,
		status:     schemas.TaskPending,
		decisionCh: make(chan bool, 1),
		cancelCh:   make(chan struct{}),
	}
}

func (t *task) Status() schemas.TaskStatus {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	return t.status
}

func (t *task) setStatus(s schemas.TaskStatus) {
	t.statusMu.Lock()
	t.status = s
	t.statusMu.Unlock()
}

func (t *task) requestCancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

func (t *task) cancelRequested() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

var (
	errDecisionTimedOut = errors.New("confirmation wait exceeded task timeout")
	errDecisionAborted  = errors.New("task aborted while awaiting confirmation")
)

// awaitDecision blocks until an approve/deny arrives, the kill switch fires,
// the submission context ends, or the task deadline passes.
func (t *task) awaitDecision(ctx context.Context, deadline time.Time) (bool, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case approved := <-t.decisionCh:
		return approved, nil
	case <-t.cancelCh:
		return false, errDecisionAborted
	case <-ctx.Done():
		return false, errDecisionAborted
	case <-timer.C:
		return false, errDecisionTimedOut
	}
}

// run drives one task from admission to a terminal outcome: policy gate,
// optional confirmation wait, then the execute-verify loop.
func (e *Engine) run(ctx context.Context, t *task) *schemas.TaskOutcome {
	t.startedAt = time.Now()
	deadline := t.startedAt.Add(e.cfg.Safety.TaskTimeout)

	// The gate runs before a single action executes. A blocked plan or a
	// denied confirmation means zero ActionResults are ever produced.
	verdict := e.policy.EvaluatePlan(t.plan)
	if !verdict.Allowed {
		return e.finish(t, schemas.TaskBlocked, verdict.ReasonClass, verdict.Reason, nil)
	}
	if verdict.RequiresConfirmation {
		outcome := e.awaitConfirmation(ctx, t, deadline, verdict.Reason)
		if outcome != nil {
			return outcome
		}
	}

	t.setStatus(schemas.TaskRunning)

	taskCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		// Cancellation and timeout are action-boundary checks: they fire
		// before the next execute call, never mid-action.
		if t.cancelRequested() {
			return e.finish(t, schemas.TaskCancelled, schemas.ReasonCancelled,
				"task cancelled by user", nil)
		}
		if time.Now().After(deadline) {
			return e.finish(t, schemas.TaskTimedOut, schemas.ReasonLimitExceeded,
				fmt.Sprintf("task exceeded its %s timeout", e.cfg.Safety.TaskTimeout), nil)
		}
		if t.cursor >= len(t.plan.Actions) {
			return e.finish(t, schemas.TaskSucceeded, schemas.ReasonNone, "", nil)
		}
		if t.totalExecuted >= e.cfg.Safety.MaxActionsPerTask {
			action := t.plan.Actions[t.cursor]
			return e.finish(t, schemas.TaskFailed, schemas.ReasonLimitExceeded,
				fmt.Sprintf("action limit of %d reached with work remaining", e.cfg.Safety.MaxActionsPerTask),
				&action)
		}

		action := t.plan.Actions[t.cursor]
		result := e.executor.Execute(taskCtx, action)
		t.totalExecuted++
		seq := len(t.results)
		t.results = append(t.results, result)
		e.appendToLog(t.id, seq, result)

		switch result.Status {
		case schemas.ActionSuccess:
			t.cursor++
			t.consecutiveFailures = 0

		case schemas.ActionFailed:
			if e.failureOverturned(taskCtx, t, action, result) {
				t.cursor++
				t.consecutiveFailures = 0
				continue
			}
			t.consecutiveFailures++
			e.logger.Warn("Action failed",
				zap.String("task_id", t.id),
				zap.String("action", action.Describe()),
				zap.Int("consecutive_failures", t.consecutiveFailures))
			if t.consecutiveFailures >= e.cfg.Engine.MaxConsecutiveFailures {
				return e.finish(t, schemas.TaskFailed, schemas.ReasonExecutionFailure,
					fmt.Sprintf("%d consecutive action failures; last: %s",
						t.consecutiveFailures, result.ErrorMessage),
					&action)
			}
			// Push on; a later findText or the replan path will catch a
			// plan that has genuinely gone off the rails.
			t.cursor++

		case schemas.ActionElementNotFound:
			if outcome := e.replan(taskCtx, ctx, t, result, deadline); outcome != nil {
				return outcome
			}

		default:
			return e.finish(t, schemas.TaskFailed, schemas.ReasonExecutionFailure,
				fmt.Sprintf("executor returned unknown status %q", result.Status), &action)
		}
	}
}

// awaitConfirmation parks the task until the confirmation channel decides.
// Returns nil when approved, a terminal outcome otherwise.
func (e *Engine) awaitConfirmation(ctx context.Context, t *task, deadline time.Time, reason string) *schemas.TaskOutcome {
	t.setStatus(schemas.TaskAwaitingConfirmation)
	e.logger.Info("Task awaiting confirmation",
		zap.String("task_id", t.id),
		zap.String("reason", reason))

	approved, err := t.awaitDecision(ctx, deadline)
	switch {
	case errors.Is(err, errDecisionTimedOut):
		return e.finish(t, schemas.TaskTimedOut, schemas.ReasonLimitExceeded,
			"task timed out awaiting confirmation", nil)
	case errors.Is(err, errDecisionAborted):
		return e.finish(t, schemas.TaskCancelled, schemas.ReasonCancelled,
			"task cancelled while awaiting confirmation", nil)
	case !approved:
		return e.finish(t, schemas.TaskBlocked, schemas.ReasonConfirmationDenied,
			"confirmation denied by user", nil)
	}
	e.logger.Info("Task confirmed", zap.String("task_id", t.id))
	return nil
}

// failureOverturned asks the verification probe whether a FAILED action
// nonetheless achieved its expected outcome; surfaces sometimes report an
// error for a gesture the UI accepted. Only consulted when a post-action
// screen capture exists, and a probe failure never rescues the action.
func (e *Engine) failureOverturned(taskCtx context.Context, t *task, action schemas.UIAction, result schemas.ActionResult) bool {
	if result.ScreenStateAfter == nil {
		return false
	}
	verifyCtx, cancel := context.WithTimeout(taskCtx, e.cfg.LLM.APITimeout)
	ok, err := e.planner.VerifyActionSuccess(verifyCtx, action, expectedOutcome(action), result.ScreenStateAfter)
	cancel()
	if err != nil {
		e.logger.Debug("Verification probe unavailable, keeping failure",
			zap.String("task_id", t.id), zap.Error(err))
		return false
	}
	if ok {
		e.logger.Info("Failure overturned by verification probe",
			zap.String("task_id", t.id),
			zap.String("action", action.Describe()))
	}
	return ok
}

// replan handles an ELEMENT_NOT_FOUND result: spend a retry, ask the planner
// for an alternative, re-gate it, and splice it in as the new remaining
// suffix. Returns nil when the loop should resume at the same cursor, or a
// terminal outcome.
//
// A planner that explicitly answers "no alternative" fails the task
// immediately without consuming a retry: retries are budget for plans that
// exist, not for plans that don't.
func (e *Engine) replan(taskCtx, submitCtx context.Context, t *task, failed schemas.ActionResult, deadline time.Time) *schemas.TaskOutcome {
	t.setStatus(schemas.TaskReplanning)

	if t.retryCount >= e.cfg.Safety.MaxRetryCount {
		return e.finish(t, schemas.TaskFailed, schemas.ReasonLimitExceeded,
			fmt.Sprintf("retry budget exhausted after %d replans; last failure: %s",
				t.retryCount, failed.ErrorMessage),
			&failed.Action)
	}

	req := &schemas.ReplanRequest{
		TaskID:          t.id,
		OriginIntent:    t.plan.OriginIntent,
		LastAction:      failed.Action,
		ExpectedOutcome: expectedOutcome(failed.Action),
		ErrorReason:     failed.ErrorMessage,
	}
	if failed.ScreenStateAfter != nil {
		req.ActualScreenState = *failed.ScreenStateAfter
	}

	// The planner call is the only network-bound suspension in the loop and
	// carries its own timeout, bounded by the task deadline.
	replanCtx, cancel := context.WithTimeout(taskCtx, e.cfg.LLM.APITimeout)
	resp, err := e.planner.Replan(replanCtx, req)
	cancel()
	if err != nil {
		return e.finish(t, schemas.TaskFailed, schemas.ReasonPlannerUnavailable,
			fmt.Sprintf("planning service unavailable during replan: %v", err), &failed.Action)
	}
	if len(resp.Actions) == 0 {
		return e.finish(t, schemas.TaskFailed, schemas.ReasonNoAlternative,
			fmt.Sprintf("planner found no alternative for %s", failed.Action.Describe()),
			&failed.Action)
	}

	// The replacement suffix passes through the same gate as the original
	// plan before a single one of its actions runs.
	suffix := &schemas.TaskPlan{
		TaskID:       t.id,
		OriginIntent: t.plan.OriginIntent,
		Actions:      resp.Actions,
		CreatedAt:    time.Now().UTC(),
	}
	verdict := e.policy.EvaluatePlan(suffix)
	if !verdict.Allowed {
		return e.finish(t, schemas.TaskBlocked, verdict.ReasonClass,
			fmt.Sprintf("replanned actions rejected by policy: %s", verdict.Reason), &failed.Action)
	}
	if verdict.RequiresConfirmation {
		if outcome := e.awaitConfirmation(submitCtx, t, deadline, verdict.Reason); outcome != nil {
			return outcome
		}
	}

	t.plan = t.plan.WithSuffix(t.cursor, resp.Actions)
	t.consecutiveFailures = 0
	t.retryCount++
	t.setStatus(schemas.TaskRunning)
	e.logger.Info("Replan accepted",
		zap.String("task_id", t.id),
		zap.Int("retry", t.retryCount),
		zap.Int("new_actions", len(resp.Actions)))
	return nil
}

// finish builds the terminal outcome. Reported exactly once per task; the
// engine never silently drops a task.
func (e *Engine) finish(t *task, status schemas.TaskStatus, class schemas.ReasonClass, reason string, failedAction *schemas.UIAction) *schemas.TaskOutcome {
	t.setStatus(status)
	results := make([]schemas.ActionResult, len(t.results))
	copy(results, t.results)
	return &schemas.TaskOutcome{
		TaskID:       t.id,
		Status:       status,
		ReasonClass:  class,
		Reason:       reason,
		FailedAction: failedAction,
		Results:      results,
		StartedAt:    t.startedAt,
		FinishedAt:   time.Now(),
	}
}

// appendToLog persists one result. Log-store failures are logged, not fatal:
// the audit trail must never take down a running task.
func (e *Engine) appendToLog(taskID string, seq int, result schemas.ActionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.AppendResult(ctx, taskID, seq, result); err != nil {
		e.logger.Error("Failed to append action result to log",
			zap.String("task_id", taskID), zap.Int("seq", seq), zap.Error(err))
	}
}

// expectedOutcome phrases what a successful execution of the action would
// have looked like, for the replan request and the verification probe.
func expectedOutcome(action schemas.UIAction) string {
	switch action.Kind {
	case schemas.ActionClick:
		return fmt.Sprintf("element %q was activated and the UI responded", action.Target)
	case schemas.ActionSetText:
		return fmt.Sprintf("text %q was entered into the field", action.Value)
	case schemas.ActionFindText:
		return fmt.Sprintf("text %q is visible on screen", action.Target)
	case schemas.ActionOpenApp:
		return fmt.Sprintf("app %q is in the foreground", action.Value)
	case schemas.ActionScroll:
		return "the screen scrolled and new content is visible"
	default:
		return action.Describe() + " completed"
	}
}
