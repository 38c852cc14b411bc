package schemas

import (
	"time"
)

// -- Action Schemas --

// ActionKind identifies one abstract UI operation. The set is closed: plans
// produced by the Planning Service must only use these kinds, and the Action
// Executor treats anything else as a failed action rather than panicking.
type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionSetText  ActionKind = "setText"
	ActionScroll   ActionKind = "scroll"
	ActionOpenApp  ActionKind = "openApp"
	ActionFindText ActionKind = "findText"
	ActionBack     ActionKind = "back"
	ActionHome     ActionKind = "home"
	ActionWait     ActionKind = "wait"
)

// KnownActionKinds lists every kind the executor can dispatch, in no
// particular order. Used by config validation to reject policies that name
// kinds the engine will never see.
func KnownActionKinds() []ActionKind {
	return []ActionKind{
		ActionClick, ActionSetText, ActionScroll, ActionOpenApp,
		ActionFindText, ActionBack, ActionHome, ActionWait,
	}
}

// UIAction is a single, atomic UI operation produced by the Planning Service.
// The JSON field names match the planner wire format ("action", "className").
// Values are immutable once constructed; a replan produces new actions, it
// never edits existing ones.
type UIAction struct {
	Kind          ActionKind `json:"action"`
	Target        string     `json:"target,omitempty"`
	Value         string     `json:"value,omitempty"`
	ElementFilter string     `json:"className,omitempty"`
	// Index disambiguates when multiple elements satisfy the same match tier.
	// Nil means "first in traversal order".
	Index *int `json:"index,omitempty"`
}

// Describe renders the action for logs and failure reasons.
func (a UIAction) Describe() string {
	switch {
	case a.Target != "" && a.Value != "":
		return string(a.Kind) + "(" + a.Target + ", " + a.Value + ")"
	case a.Target != "":
		return string(a.Kind) + "(" + a.Target + ")"
	case a.Value != "":
		return string(a.Kind) + "(" + a.Value + ")"
	default:
		return string(a.Kind)
	}
}

// Intent is the structured extraction of what the user wants, produced by the
// Planning Service from a natural-language command.
type Intent struct {
	Intent     string            `json:"intent"`
	TargetApp  string            `json:"target_app,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Entities   map[string]string `json:"entities,omitempty"`
}

// TaskPlan is an ordered sequence of actions realizing one Intent. It is owned
// by the verification loop for the lifetime of a task attempt and is
// superseded, never mutated, on replan.
type TaskPlan struct {
	TaskID       string     `json:"task_id"`
	OriginIntent Intent     `json:"origin_intent"`
	Actions      []UIAction `json:"actions"`
	CreatedAt    time.Time  `json:"created_at"`
}

// WithSuffix returns a new plan whose actions keep the executed prefix
// [0, cursor) and replace everything from cursor onward with replacement.
// The receiver is left untouched.
func (p *TaskPlan) WithSuffix(cursor int, replacement []UIAction) *TaskPlan {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(p.Actions) {
		cursor = len(p.Actions)
	}
	actions := make([]UIAction, 0, cursor+len(replacement))
	actions = append(actions, p.Actions[:cursor]...)
	actions = append(actions, replacement...)
	return &TaskPlan{
		TaskID:       p.TaskID,
		OriginIntent: p.OriginIntent,
		Actions:      actions,
		CreatedAt:    p.CreatedAt,
	}
}

// ReplanRequest carries the failure context the Planning Service needs to
// produce an alternative action sequence.
type ReplanRequest struct {
	TaskID            string      `json:"task_id"`
	OriginIntent      Intent      `json:"origin_intent"`
	LastAction        UIAction    `json:"last_action"`
	ExpectedOutcome   string      `json:"expected_outcome"`
	ActualScreenState ScreenState `json:"actual_screen_state"`
	ErrorReason       string      `json:"error_reason"`
}

// ReplanResponse is the planner's substitute action sequence. An empty Actions
// slice is a first-class "no alternative found" answer, distinct from a
// transport failure.
type ReplanResponse struct {
	Actions []UIAction `json:"actions"`
}
