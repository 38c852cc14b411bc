package schemas

import "time"

// -- Execution Outcome Schemas --

// ActionStatus classifies the outcome of one executed action. The three-way
// split matters: ELEMENT_NOT_FOUND triggers a replan, FAILED only counts
// toward the consecutive-failure abort threshold.
type ActionStatus string

const (
	ActionSuccess         ActionStatus = "SUCCESS"
	ActionFailed          ActionStatus = "FAILED"
	ActionElementNotFound ActionStatus = "ELEMENT_NOT_FOUND"
)

// ActionResult records the outcome of one executed action together with the
// screen snapshot captured after it settled. Results are immutable once
// produced and are retained in the task's execution log for audit.
type ActionResult struct {
	Action           UIAction     `json:"action"`
	Status           ActionStatus `json:"status"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	ScreenStateAfter *ScreenState `json:"screen_state_after,omitempty"`
	DurationMillis   int64        `json:"duration_ms"`
}

// TaskStatus is the engine's view of where a task stands. PENDING through
// REPLANNING are transient; the rest are terminal and reported exactly once.
type TaskStatus string

const (
	TaskPending              TaskStatus = "PENDING"
	TaskAwaitingConfirmation TaskStatus = "AWAITING_CONFIRMATION"
	TaskRunning              TaskStatus = "RUNNING"
	TaskReplanning           TaskStatus = "REPLANNING"
	TaskSucceeded            TaskStatus = "SUCCEEDED"
	TaskFailed               TaskStatus = "FAILED"
	TaskBlocked              TaskStatus = "BLOCKED"
	TaskTimedOut             TaskStatus = "TIMED_OUT"
	TaskCancelled            TaskStatus = "CANCELLED"
)

// Terminal reports whether the status ends a task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskBlocked, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// ReasonClass names the failure taxonomy bucket for a terminal outcome, so a
// caller can tell an exhausted retry budget from a policy block without
// parsing the human-readable reason.
type ReasonClass string

const (
	ReasonNone               ReasonClass = ""
	ReasonElementNotFound    ReasonClass = "ELEMENT_NOT_FOUND"
	ReasonExecutionFailure   ReasonClass = "ACTION_EXECUTION_FAILURE"
	ReasonPolicyBlocked      ReasonClass = "POLICY_BLOCKED"
	ReasonConfirmationDenied ReasonClass = "CONFIRMATION_DENIED"
	ReasonPlannerUnavailable ReasonClass = "PLANNER_UNAVAILABLE"
	ReasonNoAlternative      ReasonClass = "NO_ALTERNATIVE"
	ReasonLimitExceeded      ReasonClass = "LIMIT_EXCEEDED"
	ReasonCancelled          ReasonClass = "CANCELLED"
)

// TaskOutcome is the terminal report for a submitted task: final status, the
// reason it ended, the action that could not be completed (if any), and the
// full ordered ActionResult log.
type TaskOutcome struct {
	TaskID       string         `json:"task_id"`
	Status       TaskStatus     `json:"status"`
	ReasonClass  ReasonClass    `json:"reason_class,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	FailedAction *UIAction      `json:"failed_action,omitempty"`
	Results      []ActionResult `json:"results"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// PermissionLevel is the safety policy's decision for a single action.
type PermissionLevel string

const (
	PermissionAllowed              PermissionLevel = "ALLOWED"
	PermissionRequiresConfirmation PermissionLevel = "REQUIRES_CONFIRMATION"
	PermissionBlocked              PermissionLevel = "BLOCKED"
)

// PermissionVerdict is the per-action policy decision.
type PermissionVerdict struct {
	Level  PermissionLevel `json:"level"`
	Reason string          `json:"reason,omitempty"`
}

// PlanVerdict aggregates per-action verdicts over a whole plan. A plan that is
// not Allowed is blocked outright; a plan that is Allowed but
// RequiresConfirmation must be explicitly approved before the loop starts.
type PlanVerdict struct {
	Allowed              bool        `json:"allowed"`
	RequiresConfirmation bool        `json:"requires_confirmation"`
	ReasonClass          ReasonClass `json:"reason_class,omitempty"`
	Reason               string      `json:"reason,omitempty"`
}

// TaskRecord is the persisted, append-only execution log of one task.
type TaskRecord struct {
	TaskID  string         `json:"task_id"`
	Results []ActionResult `json:"results"`
	Outcome *TaskOutcome   `json:"outcome,omitempty"`
}
