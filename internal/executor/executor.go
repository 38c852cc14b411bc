package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/config"
)

// handlerFunc executes one action kind and reports the outcome as a status
// plus a human-readable message. Handlers never return Go errors for expected
// conditions; everything is folded into the status.
type handlerFunc func(ctx context.Context, action schemas.UIAction) (schemas.ActionStatus, string)

// Executor performs one abstract action at a time against the UI surface.
// Every Execute call ends with the mandatory settle delay and a fresh screen
// capture, attached to the result regardless of outcome so that even failures
// carry post-failure evidence.
//
// The surface handle is injected at construction; its lifetime is owned by
// whoever starts the engine.
type Executor struct {
	logger      *zap.Logger
	surface     schemas.UISurface
	settleDelay time.Duration
	callTimeout time.Duration
	handlers    map[schemas.ActionKind]handlerFunc
}

// New creates an Executor bound to a UI surface.
func New(logger *zap.Logger, surface schemas.UISurface, cfg config.EngineConfig) *Executor {
	e := &Executor{
		logger:      logger.Named("executor"),
		surface:     surface,
		settleDelay: cfg.SettleDelay,
		callTimeout: cfg.SurfaceCallTimeout,
	}
	e.handlers = map[schemas.ActionKind]handlerFunc{
		schemas.ActionClick:    e.handleClick,
		schemas.ActionSetText:  e.handleSetText,
		schemas.ActionScroll:   e.handleScroll,
		schemas.ActionOpenApp:  e.handleOpenApp,
		schemas.ActionFindText: e.handleFindText,
		schemas.ActionBack:     e.handleBack,
		schemas.ActionHome:     e.handleHome,
		schemas.ActionWait:     e.handleWait,
	}
	return e
}

// Execute dispatches the action by kind, settles, and captures the resulting
// screen state. Unknown kinds resolve to FAILED with a descriptive message
// rather than panicking.
func (e *Executor) Execute(ctx context.Context, action schemas.UIAction) schemas.ActionResult {
	start := time.Now()

	var status schemas.ActionStatus
	var message string

	if handler, ok := e.handlers[action.Kind]; ok {
		status, message = handler(ctx, action)
	} else {
		status = schemas.ActionFailed
		message = fmt.Sprintf("unknown action kind %q", action.Kind)
	}

	if status != schemas.ActionSuccess {
		e.logger.Warn("Action did not succeed",
			zap.String("action", action.Describe()),
			zap.String("status", string(status)),
			zap.String("message", message))
	}

	e.settle(ctx)

	result := schemas.ActionResult{
		Action:       action,
		Status:       status,
		ErrorMessage: message,
	}

	captureCtx, cancel := e.boundCall(ctx)
	screen, err := e.surface.CaptureState(captureCtx)
	cancel()
	if err != nil {
		e.logger.Warn("Post-action screen capture failed", zap.Error(err))
		if result.ErrorMessage == "" {
			result.ErrorMessage = fmt.Sprintf("screen capture failed: %v", err)
		}
	} else {
		result.ScreenStateAfter = screen
	}

	result.DurationMillis = time.Since(start).Milliseconds()
	return result
}

// settle pauses for the configured settle delay, bailing out early if the
// task context ends.
func (e *Executor) settle(ctx context.Context) {
	if e.settleDelay <= 0 {
		return
	}
	timer := time.NewTimer(e.settleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// boundCall derives the per-call timeout context every surface call runs
// under. Expiry surfaces as a failed action, never a hard error.
func (e *Executor) boundCall(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.callTimeout)
}

// resolve searches the surface for the action's target, probing the match
// tiers in priority order: visible text, then accessible description, then
// element class. Within a tier the first element in traversal order wins
// unless the action's index picks another. A nil ref with nil error means no
// tier matched.
func (e *Executor) resolve(ctx context.Context, action schemas.UIAction, editableOnly bool) (*schemas.ElementRef, error) {
	index := -1
	if action.Index != nil {
		index = *action.Index
	}

	type tier struct {
		mode  schemas.MatchMode
		query string
	}
	tiers := []tier{
		{schemas.MatchText, action.Target},
		{schemas.MatchDescription, action.Target},
	}
	if action.ElementFilter != "" {
		tiers = append(tiers, tier{schemas.MatchClass, action.ElementFilter})
	} else {
		tiers = append(tiers, tier{schemas.MatchClass, action.Target})
	}

	for _, t := range tiers {
		if t.query == "" {
			continue
		}
		callCtx, cancel := e.boundCall(ctx)
		ref, err := e.surface.ResolveElement(callCtx, schemas.ElementCriteria{
			Mode:         t.mode,
			Query:        t.query,
			EditableOnly: editableOnly,
			Index:        index,
		})
		cancel()
		if err != nil {
			return nil, err
		}
		if ref != nil {
			return ref, nil
		}
	}
	return nil, nil
}

// handleClick resolves the target and attempts activation in three stages:
// a direct activate on the element, an activate on its immediate ancestor,
// and finally a synthetic tap at the bounding-box center. Any stage
// succeeding makes the action a success.
func (e *Executor) handleClick(ctx context.Context, action schemas.UIAction) (schemas.ActionStatus, string) {
	if action.Target == "" {
		return schemas.ActionFailed, "click requires a target"
	}

	ref, err := e.resolve(ctx, action, false)
	if err != nil {
		return schemas.ActionFailed, fmt.Sprintf("element resolution failed: %v", err)
	}
	if ref == nil {
		return schemas.ActionElementNotFound, fmt.Sprintf("no element matching %q", action.Target)
	}

	callCtx, cancel := e.boundCall(ctx)
	err = e.surface.Activate(callCtx, ref)
	cancel()
	if err == nil {
		return schemas.ActionSuccess, ""
	}
	e.logger.Debug("Direct activate failed, trying ancestor", zap.Error(err))

	if ref.Container != nil {
		callCtx, cancel = e.boundCall(ctx)
		err = e.surface.Activate(callCtx, ref.Container)
		cancel()
		if err == nil {
			return schemas.ActionSuccess, ""
		}
		e.logger.Debug("Ancestor activate failed, trying synthetic tap", zap.Error(err))
	}

	x, y := ref.Bounds.Center()
	callCtx, cancel = e.boundCall(ctx)
	err = e.surface.TapAt(callCtx, x, y)
	cancel()
	if err == nil {
		return schemas.ActionSuccess, ""
	}
	return schemas.ActionFailed, fmt.Sprintf("all click strategies failed for %q: %v", action.Target, err)
}

// handleSetText targets only elements reporting themselves editable; a
// non-editable or missing target is ELEMENT_NOT_FOUND, not FAILED, so the
// loop can replan toward a real input field. Direct assignment is tried
// first, then the focus-and-paste fallback.
func (e *Executor) handleSetText(ctx context.Context, action schemas.UIAction) (schemas.ActionStatus, string) {
	target := action.Target
	if target == "" {
		// Planners frequently emit setText with only a value, meaning
		// "the focused / only input field".
		target = action.Value
	}

	ref, err := e.resolve(ctx, schemas.UIAction{
		Kind:          action.Kind,
		Target:        target,
		ElementFilter: action.ElementFilter,
		Index:         action.Index,
	}, true)
	if err != nil {
		return schemas.ActionFailed, fmt.Sprintf("element resolution failed: %v", err)
	}
	if ref == nil {
		return schemas.ActionElementNotFound, fmt.Sprintf("no editable element matching %q", target)
	}

	callCtx, cancel := e.boundCall(ctx)
	err = e.surface.SetText(callCtx, ref, action.Value)
	cancel()
	if err == nil {
		return schemas.ActionSuccess, ""
	}
	e.logger.Debug("Direct text assignment failed, trying clipboard paste", zap.Error(err))

	callCtx, cancel = e.boundCall(ctx)
	err = e.surface.PasteText(callCtx, ref, action.Value)
	cancel()
	if err == nil {
		return schemas.ActionSuccess, ""
	}
	return schemas.ActionFailed, fmt.Sprintf("text entry failed: %v", err)
}

// handleFindText verifies the target is present on screen, probing the same
// match tiers as click.
func (e *Executor) handleFindText(ctx context.Context, action schemas.UIAction) (schemas.ActionStatus, string) {
	if action.Target == "" {
		return schemas.ActionFailed, "findText requires a target"
	}

	ref, err := e.resolve(ctx, action, false)
	if err != nil {
		return schemas.ActionFailed, fmt.Sprintf("element resolution failed: %v", err)
	}
	if ref == nil {
		return schemas.ActionElementNotFound, fmt.Sprintf("text %q is not visible", action.Target)
	}
	return schemas.ActionSuccess, ""
}

func (e *Executor) handleScroll(ctx context.Context, action schemas.UIAction) (schemas.ActionStatus, string) {
	direction := strings.ToLower(action.Value)
	if direction != schemas.ScrollUp && direction != schemas.ScrollDown {
		direction = schemas.ScrollDown
	}
	callCtx, cancel := e.boundCall(ctx)
	defer cancel()
	if err := e.surface.Scroll(callCtx, direction); err != nil {
		return schemas.ActionFailed, fmt.Sprintf("scroll %s failed: %v", direction, err)
	}
	return schemas.ActionSuccess, ""
}

func (e *Executor) handleOpenApp(ctx context.Context, action schemas.UIAction) (schemas.ActionStatus, string) {
	if action.Value == "" {
		return schemas.ActionFailed, "openApp requires a package id in value"
	}
	callCtx, cancel := e.boundCall(ctx)
	defer cancel()
	if err := e.surface.LaunchApp(callCtx, action.Value); err != nil {
		return schemas.ActionFailed, fmt.Sprintf("launch of %q failed: %v", action.Value, err)
	}
	return schemas.ActionSuccess, ""
}

func (e *Executor) handleBack(ctx context.Context, _ schemas.UIAction) (schemas.ActionStatus, string) {
	callCtx, cancel := e.boundCall(ctx)
	defer cancel()
	if err := e.surface.GoBack(callCtx); err != nil {
		return schemas.ActionFailed, fmt.Sprintf("back navigation failed: %v", err)
	}
	return schemas.ActionSuccess, ""
}

func (e *Executor) handleHome(ctx context.Context, _ schemas.UIAction) (schemas.ActionStatus, string) {
	callCtx, cancel := e.boundCall(ctx)
	defer cancel()
	if err := e.surface.GoHome(callCtx); err != nil {
		return schemas.ActionFailed, fmt.Sprintf("home navigation failed: %v", err)
	}
	return schemas.ActionSuccess, ""
}

// defaultWaitMillis is used when a wait action carries no parseable duration.
const defaultWaitMillis = 1000

// handleWait suspends for the requested duration without touching the UI.
func (e *Executor) handleWait(ctx context.Context, action schemas.UIAction) (schemas.ActionStatus, string) {
	millis := defaultWaitMillis
	if action.Value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(action.Value)); err == nil && parsed >= 0 {
			millis = parsed
		}
	}
	timer := time.NewTimer(time.Duration(millis) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return schemas.ActionSuccess, ""
	case <-ctx.Done():
		return schemas.ActionFailed, fmt.Sprintf("wait interrupted: %v", ctx.Err())
	}
}
