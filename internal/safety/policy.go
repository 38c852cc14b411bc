package safety

import (
	"fmt"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/config"
)

// Engine is the safety policy decision function. It is pure: no I/O, no
// side effects, no clock. The same action and policy always produce the same
// verdict, so the gate can be re-run over every replanned suffix at no cost.
//
// The policy sets are compiled once at construction and shared read-only
// across tasks without locking.
type Engine struct {
	allowedApps map[string]struct{}
	dangerous   map[schemas.ActionKind]struct{}
	sensitive   map[schemas.ActionKind]struct{}
	maxActions  int
}

// New compiles the configured policy into lookup sets.
func New(cfg config.SafetyConfig) *Engine {
	e := &Engine{
		allowedApps: make(map[string]struct{}, len(cfg.AllowedApps)),
		dangerous:   make(map[schemas.ActionKind]struct{}, len(cfg.DangerousActions)),
		sensitive:   make(map[schemas.ActionKind]struct{}, len(cfg.SensitiveActions)),
		maxActions:  cfg.MaxActionsPerTask,
	}
	for _, app := range cfg.AllowedApps {
		e.allowedApps[app] = struct{}{}
	}
	for _, kind := range cfg.DangerousActions {
		e.dangerous[schemas.ActionKind(kind)] = struct{}{}
	}
	for _, kind := range cfg.SensitiveActions {
		e.sensitive[schemas.ActionKind(kind)] = struct{}{}
	}
	return e
}

// CheckPermission evaluates one action in a fixed rule order:
//
//  1. An action whose app context is outside the allowlist requires
//     confirmation. For openApp the context is the package it launches;
//     for everything else it is targetApp, the app the plan operates in
//     (empty means unknown, which skips this rule).
//  2. A dangerous kind is blocked outright.
//  3. A sensitive kind requires confirmation.
//  4. Everything else is allowed.
//
// The order is deliberate: an unapproved app asks the user rather than
// blocking, while dangerous kinds block even inside approved apps.
func (e *Engine) CheckPermission(action schemas.UIAction, targetApp string) schemas.PermissionVerdict {
	app := targetApp
	if action.Kind == schemas.ActionOpenApp {
		app = action.Value
	}
	if app != "" {
		if _, ok := e.allowedApps[app]; !ok {
			return schemas.PermissionVerdict{
				Level:  schemas.PermissionRequiresConfirmation,
				Reason: fmt.Sprintf("app %q is not on the allowed list", app),
			}
		}
	}
	if _, ok := e.dangerous[action.Kind]; ok {
		return schemas.PermissionVerdict{
			Level:  schemas.PermissionBlocked,
			Reason: fmt.Sprintf("action kind %q is marked dangerous by policy", action.Kind),
		}
	}
	if _, ok := e.sensitive[action.Kind]; ok {
		return schemas.PermissionVerdict{
			Level:  schemas.PermissionRequiresConfirmation,
			Reason: fmt.Sprintf("action kind %q is marked sensitive by policy", action.Kind),
		}
	}
	return schemas.PermissionVerdict{Level: schemas.PermissionAllowed}
}

// EvaluatePlan aggregates per-action verdicts over a whole plan.
//
// A plan longer than maxActionsPerTask is rejected outright before a single
// action runs; no per-action confirmation can rescue it. Likewise any single
// BLOCKED action blocks the whole plan. Otherwise the plan requires
// confirmation if any action does.
func (e *Engine) EvaluatePlan(plan *schemas.TaskPlan) schemas.PlanVerdict {
	if len(plan.Actions) > e.maxActions {
		return schemas.PlanVerdict{
			Allowed:     false,
			ReasonClass: schemas.ReasonLimitExceeded,
			Reason: fmt.Sprintf("plan has %d actions, exceeding the limit of %d",
				len(plan.Actions), e.maxActions),
		}
	}

	targetApp := plan.OriginIntent.TargetApp
	var confirmReason string
	for _, action := range plan.Actions {
		verdict := e.CheckPermission(action, targetApp)
		switch verdict.Level {
		case schemas.PermissionBlocked:
			return schemas.PlanVerdict{
				Allowed:     false,
				ReasonClass: schemas.ReasonPolicyBlocked,
				Reason:      fmt.Sprintf("%s: %s", action.Describe(), verdict.Reason),
			}
		case schemas.PermissionRequiresConfirmation:
			if confirmReason == "" {
				confirmReason = fmt.Sprintf("%s: %s", action.Describe(), verdict.Reason)
			}
		}
	}

	if confirmReason != "" {
		return schemas.PlanVerdict{
			Allowed:              true,
			RequiresConfirmation: true,
			Reason:               confirmReason,
		}
	}
	return schemas.PlanVerdict{Allowed: true}
}
