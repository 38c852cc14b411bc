package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/config"
)

// -- Interfaces for Dependency Inversion --

// ActionExecutor performs one abstract action against the UI and reports the
// outcome plus the post-action screen state. Expected conditions never come
// back as Go errors; they are encoded in the result status.
type ActionExecutor interface {
	Execute(ctx context.Context, action schemas.UIAction) schemas.ActionResult
}

// PolicyGate evaluates a plan against the safety policy. It is consulted once
// before the loop starts and again over every replanned suffix; a replanned
// plan is never trusted implicitly.
type PolicyGate interface {
	EvaluatePlan(plan *schemas.TaskPlan) schemas.PlanVerdict
}

// -- Sentinel errors --

var (
	// ErrBusy rejects a Submit while another task is running. Tasks are
	// never queued or interleaved: the UI is a single shared resource.
	ErrBusy = errors.New("engine is busy: another task is already active")
	// ErrEmptyPlan rejects a plan with no actions.
	ErrEmptyPlan = errors.New("task plan has no actions")
	// ErrNoSuchTask is returned by Approve/Deny/Cancel when the task id does
	// not match the active task.
	ErrNoSuchTask = errors.New("no active task with that id")
	// ErrNotAwaiting is returned by Approve/Deny when the active task is not
	// waiting for a confirmation decision.
	ErrNotAwaiting = errors.New("task is not awaiting confirmation")
)

// Engine is the top-level task execution engine: policy gate, then the
// execute-verify loop, then a terminal outcome. At most one task is active at
// a time, enforced with a single-slot semaphore.
type Engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	executor ActionExecutor
	policy   PolicyGate
	planner  schemas.Planner
	store    schemas.ExecutionLogStore

	slot *semaphore.Weighted

	// mu guards active, the handle Approve/Deny/Cancel route through.
	mu     sync.Mutex
	active *task
}

// New creates an Engine. All dependencies are required.
func New(
	cfg *config.Config,
	logger *zap.Logger,
	executor ActionExecutor,
	policy PolicyGate,
	planner schemas.Planner,
	store schemas.ExecutionLogStore,
) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if executor == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if policy == nil {
		return nil, errors.New("policy gate cannot be nil")
	}
	if planner == nil {
		return nil, errors.New("planner cannot be nil")
	}
	if store == nil {
		return nil, errors.New("execution log store cannot be nil")
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "task_engine")),
		executor: executor,
		policy:   policy,
		planner:  planner,
		store:    store,
		slot:     semaphore.NewWeighted(1),
	}, nil
}

// Submit runs one task plan to a terminal outcome, blocking until it ends.
// A Submit while another task is active returns ErrBusy immediately; the
// second task is rejected, not queued.
//
// Confirmation and cancellation arrive from other goroutines through
// Approve, Deny and Cancel.
func (e *Engine) Submit(ctx context.Context, plan *schemas.TaskPlan) (*schemas.TaskOutcome, error) {
	if plan == nil || len(plan.Actions) == 0 {
		return nil, ErrEmptyPlan
	}
	if !e.slot.TryAcquire(1) {
		e.logger.Warn("Rejecting task submission, engine busy", zap.String("task_id", plan.TaskID))
		return nil, ErrBusy
	}
	defer e.slot.Release(1)

	t := newTask(plan)
	e.setActive(t)
	defer e.clearActive(t)

	e.logger.Info("Task admitted",
		zap.String("task_id", t.id),
		zap.Int("actions", len(plan.Actions)),
		zap.String("intent", plan.OriginIntent.Intent))

	outcome := e.run(ctx, t)

	// Persist the terminal outcome on a background context so a cancelled
	// submission context cannot lose the audit record.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.FinishTask(persistCtx, outcome); err != nil {
		e.logger.Error("Failed to persist task outcome", zap.String("task_id", t.id), zap.Error(err))
	}

	e.logger.Info("Task finished",
		zap.String("task_id", t.id),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", outcome.Reason),
		zap.Int("actions_executed", len(outcome.Results)))
	return outcome, nil
}

// Approve resumes a task that is awaiting confirmation.
func (e *Engine) Approve(taskID string) error {
	return e.decide(taskID, true)
}

// Deny terminates a task that is awaiting confirmation.
func (e *Engine) Deny(taskID string) error {
	return e.decide(taskID, false)
}

// Cancel requests cancellation of the active task. It takes effect at the
// next action boundary, never mid-action, so no UI action is left
// half-performed without an observed outcome.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || e.active.id != taskID {
		return ErrNoSuchTask
	}
	e.active.requestCancel()
	return nil
}

// ActiveTask reports the id and status of the task currently occupying the
// engine, if any.
func (e *Engine) ActiveTask() (string, schemas.TaskStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return "", "", false
	}
	return e.active.id, e.active.Status(), true
}

func (e *Engine) decide(taskID string, approved bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || e.active.id != taskID {
		return ErrNoSuchTask
	}
	if e.active.Status() != schemas.TaskAwaitingConfirmation {
		return ErrNotAwaiting
	}
	select {
	case e.active.decisionCh <- approved:
		return nil
	default:
		// A decision is already buffered and not yet consumed.
		return ErrNotAwaiting
	}
}

func (e *Engine) setActive(t *task) {
	e.mu.Lock()
	e.active = t
	e.mu.Unlock()
}

func (e *Engine) clearActive(t *task) {
	e.mu.Lock()
	if e.active == t {
		e.active = nil
	}
	e.mu.Unlock()
}
