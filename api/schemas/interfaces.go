package schemas

import "context"

// -- Cross-Package Interfaces --
//
// These contracts sit in the schemas package so the engine, executor and
// planner packages can depend on each other's behavior without importing
// each other's implementations.

// UISurface is the low-level element introspection and gesture dispatch
// collaborator. Every call is synchronous from the engine's perspective and
// must complete or fail within the caller's context deadline; the executor
// wraps each call in a bounded per-call timeout and surfaces expiry as a
// failed action.
type UISurface interface {
	// ResolveElement performs one single-pass search over the current UI.
	// A nil ref with a nil error means "no match at this tier".
	ResolveElement(ctx context.Context, criteria ElementCriteria) (*ElementRef, error)
	// Activate performs the surface's native "activate" operation (a click,
	// an accessibility ACTION_CLICK) on the resolved element.
	Activate(ctx context.Context, ref *ElementRef) error
	// SetText assigns the value directly to an editable element.
	SetText(ctx context.Context, ref *ElementRef, value string) error
	// PasteText focuses the element and pastes the value through the
	// clipboard; the fallback path when direct assignment is refused.
	PasteText(ctx context.Context, ref *ElementRef, value string) error
	// TapAt dispatches a synthetic tap gesture at surface coordinates.
	TapAt(ctx context.Context, x, y float64) error
	Scroll(ctx context.Context, direction string) error
	LaunchApp(ctx context.Context, packageID string) error
	CaptureState(ctx context.Context) (*ScreenState, error)
	GoBack(ctx context.Context) error
	GoHome(ctx context.Context) error
}

// Planner is the remote planning oracle. All three operations are
// network-bound; implementations must make transport failures distinguishable
// from "the planner explicitly returned no alternative" (an empty
// ReplanResponse with a nil error).
type Planner interface {
	ExtractIntent(ctx context.Context, command string) (*Intent, error)
	PlanActions(ctx context.Context, intent *Intent, screen *ScreenState) (*TaskPlan, error)
	Replan(ctx context.Context, req *ReplanRequest) (*ReplanResponse, error)
	// VerifyActionSuccess asks the oracle whether an action achieved its
	// expected outcome given the observed screen.
	VerifyActionSuccess(ctx context.Context, action UIAction, expected string, screen *ScreenState) (bool, error)
}

// GenerationRequest is a provider-agnostic LLM completion request.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float32
}

// LLMClient abstracts the completion transport so the planner's prompt logic
// can be tested against a canned client.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// ExecutionLogStore persists the append-only per-task audit log.
type ExecutionLogStore interface {
	// AppendResult records the seq-th ActionResult of a task (0-based).
	AppendResult(ctx context.Context, taskID string, seq int, result ActionResult) error
	// FinishTask records the terminal outcome. Called exactly once per task.
	FinishTask(ctx context.Context, outcome *TaskOutcome) error
	GetTask(ctx context.Context, taskID string) (*TaskRecord, error)
}
