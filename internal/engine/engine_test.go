package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/config"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/safety"
)

// -- Mocks --

// mockExecutor returns canned results per action, optionally sleeping to give
// cancellation tests an action boundary to hit.
type mockExecutor struct {
	mu      sync.Mutex
	calls   []schemas.UIAction
	delay   time.Duration
	resolve func(action schemas.UIAction, call int) schemas.ActionResult
}

func (m *mockExecutor) Execute(ctx context.Context, action schemas.UIAction) schemas.ActionResult {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
		}
	}
	m.mu.Lock()
	call := len(m.calls)
	m.calls = append(m.calls, action)
	m.mu.Unlock()
	if m.resolve != nil {
		return m.resolve(action, call)
	}
	return schemas.ActionResult{Action: action, Status: schemas.ActionSuccess}
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockPlanner only implements Replan meaningfully; the engine never calls the
// other operations.
type mockPlanner struct {
	mu       sync.Mutex
	requests []*schemas.ReplanRequest
	replan   func(req *schemas.ReplanRequest) (*schemas.ReplanResponse, error)
	verify   func(action schemas.UIAction, expected string) (bool, error)
}

func (m *mockPlanner) ExtractIntent(context.Context, string) (*schemas.Intent, error) {
	return nil, errors.New("not implemented")
}

func (m *mockPlanner) PlanActions(context.Context, *schemas.Intent, *schemas.ScreenState) (*schemas.TaskPlan, error) {
	return nil, errors.New("not implemented")
}

func (m *mockPlanner) Replan(_ context.Context, req *schemas.ReplanRequest) (*schemas.ReplanResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.replan == nil {
		return &schemas.ReplanResponse{}, nil
	}
	return m.replan(req)
}

func (m *mockPlanner) VerifyActionSuccess(_ context.Context, action schemas.UIAction, expected string, _ *schemas.ScreenState) (bool, error) {
	if m.verify == nil {
		return false, nil
	}
	return m.verify(action, expected)
}

func (m *mockPlanner) replanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// mockStore records appended results and the terminal outcome.
type mockStore struct {
	mu       sync.Mutex
	appended []schemas.ActionResult
	outcomes []*schemas.TaskOutcome
}

func (m *mockStore) AppendResult(_ context.Context, _ string, _ int, result schemas.ActionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, result)
	return nil
}

func (m *mockStore) FinishTask(_ context.Context, outcome *schemas.TaskOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
	return nil
}

func (m *mockStore) GetTask(context.Context, string) (*schemas.TaskRecord, error) {
	return nil, errors.New("not implemented")
}

func (m *mockStore) finishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outcomes)
}

// -- Helpers --

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Safety.AllowedApps = []string{"com.android.settings"}
	cfg.Safety.TaskTimeout = 5 * time.Second
	cfg.LLM.APITimeout = time.Second
	return cfg
}

type fixture struct {
	engine   *Engine
	executor *mockExecutor
	planner  *mockPlanner
	store    *mockStore
}

func newFixture(t *testing.T, cfg *config.Config, exec *mockExecutor, plnr *mockPlanner) *fixture {
	t.Helper()
	st := &mockStore{}
	eng, err := New(cfg, zap.NewNop(), exec, safety.New(cfg.Safety), plnr, st)
	require.NoError(t, err)
	return &fixture{engine: eng, executor: exec, planner: plnr, store: st}
}

func clickPlan(targets ...string) *schemas.TaskPlan {
	actions := make([]schemas.UIAction, len(targets))
	for i, target := range targets {
		actions[i] = schemas.UIAction{Kind: schemas.ActionClick, Target: target}
	}
	return &schemas.TaskPlan{
		TaskID:       "task-under-test",
		OriginIntent: schemas.Intent{Intent: "navigate_to", TargetApp: "com.android.settings"},
		Actions:      actions,
		CreatedAt:    time.Now(),
	}
}

func notFound(action schemas.UIAction) schemas.ActionResult {
	return schemas.ActionResult{
		Action:       action,
		Status:       schemas.ActionElementNotFound,
		ErrorMessage: fmt.Sprintf("no element matching %q", action.Target),
		ScreenStateAfter: &schemas.ScreenState{
			CurrentApp:   "com.android.settings",
			VisibleTexts: []string{"Network", "Display"},
		},
	}
}

// -- Constructor --

func TestNew_RequiresAllDependencies(t *testing.T) {
	cfg := testConfig()
	logger := zap.NewNop()
	exec := &mockExecutor{}
	gate := safety.New(cfg.Safety)
	plnr := &mockPlanner{}
	st := &mockStore{}

	_, err := New(nil, logger, exec, gate, plnr, st)
	assert.Error(t, err)
	_, err = New(cfg, nil, exec, gate, plnr, st)
	assert.Error(t, err)
	_, err = New(cfg, logger, nil, gate, plnr, st)
	assert.Error(t, err)
	_, err = New(cfg, logger, exec, nil, plnr, st)
	assert.Error(t, err)
	_, err = New(cfg, logger, exec, gate, nil, st)
	assert.Error(t, err)
	_, err = New(cfg, logger, exec, gate, plnr, nil)
	assert.Error(t, err)

	eng, err := New(cfg, logger, exec, gate, plnr, st)
	require.NoError(t, err)
	assert.NotNil(t, eng)
}

// -- Happy path --

func TestSubmit_AllActionsSucceed(t *testing.T) {
	f := newFixture(t, testConfig(), &mockExecutor{}, &mockPlanner{})

	outcome, err := f.engine.Submit(context.Background(), clickPlan("Settings", "Network", "Wi-Fi"))
	require.NoError(t, err)

	assert.Equal(t, schemas.TaskSucceeded, outcome.Status)
	assert.Equal(t, schemas.ReasonNone, outcome.ReasonClass)
	assert.Len(t, outcome.Results, 3)
	assert.Equal(t, 3, f.executor.callCount())
	assert.Equal(t, 1, f.store.finishedCount())
	assert.Len(t, f.store.appended, 3)
	assert.Zero(t, f.planner.replanCount())
}

func TestSubmit_EmptyPlanRejected(t *testing.T) {
	f := newFixture(t, testConfig(), &mockExecutor{}, &mockPlanner{})

	_, err := f.engine.Submit(context.Background(), &schemas.TaskPlan{TaskID: "empty"})
	assert.ErrorIs(t, err, ErrEmptyPlan)

	_, err = f.engine.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyPlan)
}

// -- Replanning --

func TestSubmit_ReplanRecoversAndSucceeds(t *testing.T) {
	exec := &mockExecutor{
		resolve: func(action schemas.UIAction, _ int) schemas.ActionResult {
			if action.Target == "Ghost" {
				return notFound(action)
			}
			return schemas.ActionResult{Action: action, Status: schemas.ActionSuccess}
		},
	}
	plnr := &mockPlanner{
		replan: func(req *schemas.ReplanRequest) (*schemas.ReplanResponse, error) {
			return &schemas.ReplanResponse{Actions: []schemas.UIAction{
				{Kind: schemas.ActionScroll, Value: "down"},
				{Kind: schemas.ActionClick, Target: "Visible"},
			}}, nil
		},
	}
	f := newFixture(t, testConfig(), exec, plnr)

	outcome, err := f.engine.Submit(context.Background(), clickPlan("Settings", "Ghost"))
	require.NoError(t, err)

	assert.Equal(t, schemas.TaskSucceeded, outcome.Status)
	// Settings success, Ghost not-found, then the two replanned actions.
	require.Len(t, outcome.Results, 4)
	assert.Equal(t, schemas.ActionElementNotFound, outcome.Results[1].Status)
	assert.Equal(t, schemas.ActionScroll, outcome.Results[2].Action.Kind)
	assert.Equal(t, 1, f.planner.replanCount())

	// The replan request must carry the failure context.
	req := f.planner.requests[0]
	assert.Equal(t, "Ghost", req.LastAction.Target)
	assert.Equal(t, "navigate_to", req.OriginIntent.Intent)
	assert.NotEmpty(t, req.ExpectedOutcome)
	assert.Contains(t, req.ActualScreenState.VisibleTexts, "Network")
}

func TestSubmit_RetryBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.MaxRetryCount = 3

	exec := &mockExecutor{
		resolve: func(action schemas.UIAction, _ int) schemas.ActionResult {
			return notFound(action)
		},
	}
	plnr := &mockPlanner{
		replan: func(req *schemas.ReplanRequest) (*schemas.ReplanResponse, error) {
			return &schemas.ReplanResponse{Actions: []schemas.UIAction{
				{Kind: schemas.ActionClick, Target: "Still Ghost"},
			}}, nil
		},
	}
	f := newFixture(t, cfg, exec, plnr)

	outcome, err := f.engine.Submit(context.Background(), clickPlan("Ghost"))
	require.NoError(t, err)

	assert.Equal(t, schemas.TaskFailed, outcome.Status)
	assert.Equal(t, schemas.ReasonLimitExceeded, outcome.ReasonClass)
	assert.Contains(t, outcome.Reason, "retry budget exhausted")
	// Three replans granted, the fourth ELEMENT_NOT_FOUND ends the task.
	assert.Equal(t, 3, f.planner.replanCount())
	assert.Len(t, outcome.Results, 4)
	require.NotNil(t, outcome.FailedAction)
}

func TestSubmit_NoAlternativeFailsImmediately(t *testing.T) {
	exec := &mockExecutor{
		resolve: func(action schemas.UIAction, _ int) schemas.ActionResult {
			return notFound(action)
		},
	}
	plnr := &mockPlanner{
		replan: func(req *schemas.ReplanRequest) (*schemas.ReplanResponse, error) {
			return &schemas.ReplanResponse{}, nil
		},
	}
	f := newFixture(t, testConfig(), exec, plnr)

	outcome, err := f.engine.Submit(context.Background(), clickPlan("Ghost"))
	require.NoError(t, err)

	assert.Equal(t, schemas.TaskFailed, outcome.Status)
	assert.Equal(t, schemas.ReasonNoAlternative, outcome.ReasonClass)
	assert.Equal(t, 1, f.planner.replanCount())
	assert.Len(t, outcome.Results, 1)
}

func TestSubmit_PlannerUnavailable(t *testing.T) {
	exec := &mockExecutor{
		resolve: func(action schemas.UIAction, _ int) schemas.ActionResult {
			return notFound(action)
		},
	}
	plnr := &mockPlanner{
		replan: func(req *schemas.ReplanRequest) (*schemas.ReplanResponse, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	f := newFixture(t, testConfig(), exec, plnr)

	outcome, err := f.engine.Submit(context.Background(), clickPlan("Ghost"))
	require.NoError(t, err)

	assert.Equal(t, schemas.TaskFailed, outcome.Status)
	assert.Equal(t, schemas.ReasonPlannerUnavailable, outcome.ReasonClass)
}

func TestSubmit_ReplanPreservesExecutedPrefix(t *testing.T) {
	var replanned bool
	exec := &mockExecutor{
		resolve: func(action schemas.UIAction, _ int) schemas.ActionResult {
			if action.Target == "Ghost" && !replanned {
				return notFound(action)
			}
			return schemas.ActionResult{Action: action, Status: schemas.ActionSuccess}
		},
	}
	plnr := &mockPlanner{
		replan: func(req *schemas.ReplanRequest) (*schemas.ReplanResponse, error) {
			replanned = true
			return &schemas.ReplanResponse{Actions: []schemas.UIAction{
				{Kind: schemas.ActionClick, Target: "Alternative"},
			}}, nil
		},
	}
	f := newFixture(t, testConfig(), exec, plnr)

	outcome, err := f.engine.Submit(context.Background(), clickPlan("First", "Second", "Ghost", "Never"))
	require.NoError(t, err)

	assert.Equal(t, schemas.TaskSucceeded, outcome.Status)
	// The executed prefix is never re-run; the tail after the failed action is
	// replaced, not appended to.
	var targets []string
	for _, call := range f.executor.calls {
		targets = append(targets, call.Target)
	}
	assert.Equal(t, []string{"First", "Second", "Ghost", "Alternative"}, targets)
}

// -- Consecutive failures --

func TestSubmit_ConsecutiveFailuresAbort(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxConsecutiveFailures = 3

	exec := &mockExecutor{
		resolve: func(action schemas.UIAction, _ int) schemas.ActionResult {
			return schemas.ActionResult{
				Action:       action,
				Status:       schemas.ActionFailed,
				ErrorMessage: "surface refused the gesture",
			}
		},
	}
	f := newFixture(t, cfg, exec, &mockPlanner{})

	outcome, err := f.engine.Submit(context.Background(), clickPlan("A", "B", "C", "D", "E"))
	require.NoError(t, err)

	assert.Equal(t, schemas.TaskFailed, outcome.Status)
	assert.Equal(t, schemas.ReasonExecutionFailure, outcome.ReasonClass)
	assert.Len(t, outcome.Results, 3)
}

func TestSubmit_VerificationProbeOverturnsFailure(t *testing.T) {
	// The surface reported a failure but the captured screen shows the
	// expected outcome; the probe rescues the action.
	exec := &mockExecutor{
		resolve: func(action schemas.UIAction, _ int) schemas.ActionResult {
			return schemas.ActionResult{
				Action:       action,
				Status:       schemas.ActionFailed,
				ErrorMessage: "gesture dispatch reported an error",
				ScreenStateAfter: &schemas.ScreenState{
					CurrentApp:   "com.android.settings",
					VisibleTexts: []string{"Wi-Fi", "Connected"},
				},
			}
		},
	}
	plnr := &mockPlanner{
		verify: func(action schemas.UIAction, expected string) (bool, error) {
			return true, nil
		},
	}
	f := newFixture(t, testConfig(), exec, plnr)

	outcome, err := f.engine.Submit(context.Background(), clickPlan("Wi-Fi"))
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskSucceeded, outcome.Status)
}

func TestSubmit_SuccessResetsFailureStreak(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxConsecutiveFailures = 3

	// Alternate FAILED and SUCCESS; the streak never reaches the threshold.
	exec := &mockExecutor{
		resolve: func(action schemas.UIAction, call int) schemas.ActionResult {
			status := schemas.ActionSuccess
			if call%2 == 0 {
				status = schemas.ActionFailed
			}
			return schemas.ActionResult{Action: action, Status: status}
		},
	}
	f := newFixture(t, cfg, exec, &mockPlanner{})

	outcome, err := f.engine.Submit(context.Background(), clickPlan("A", "B", "C", "D", "E", "F"))
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskSucceeded, outcome.Status)
}

// -- Policy gate --

func TestSubmit_OversizedPlanBlockedBeforeExecution(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.MaxActionsPerTask = 50

	targets := make([]string, 51)
	for i := range targets {
		targets[i] = fmt.Sprintf("element-%d", i)
	}
	f := newFixture(t, cfg, &mockExecutor{}, &mockPlanner{})

	outcome, err := f.engine.Submit(context.Background(), clickPlan(targets...))
	require.NoError(t, err)

	assert.Equal(t, schemas.TaskBlocked, outcome.Status)
	assert.Equal(t, schemas.ReasonLimitExceeded, outcome.ReasonClass)
	assert.Empty(t, outcome.Results)
	assert.Zero(t, f.executor.callCount())
}

func TestSubmit_DangerousActionBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.DangerousActions = []string{"setText"}

	plan := clickPlan("Settings")
	plan.Actions = append(plan.Actions, schemas.UIAction{
		Kind: schemas.ActionSetText, Target: "PIN", Value: "0000",
	})
	f := newFixture(t, cfg, &mockExecutor{}, &mockPlanner{})

	outcome, err := f.engine.Submit(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, schemas.TaskBlocked, outcome.Status)
	assert.Equal(t, schemas.ReasonPolicyBlocked, outcome.ReasonClass)
	assert.Empty(t, outcome.Results)
	assert.Zero(t, f.executor.callCount())
}

// -- Confirmation --

// submitAsync runs Submit on its own goroutine and returns the channels the
// test harvests it through.
func submitAsync(f *fixture, plan *schemas.TaskPlan) (chan *schemas.TaskOutcome, chan error) {
	outcomeCh := make(chan *schemas.TaskOutcome, 1)
	errCh := make(chan error, 1)
	go func() {
		outcome, err := f.engine.Submit(context.Background(), plan)
		outcomeCh <- outcome
		errCh <- err
	}()
	return outcomeCh, errCh
}

func awaitStatus(t *testing.T, f *fixture, want schemas.TaskStatus) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		activeID, status, ok := f.engine.ActiveTask()
		if ok && status == want {
			id = activeID
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return id
}

func TestSubmit_ConfirmationApproved(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.SensitiveActions = []string{"click"}

	f := newFixture(t, cfg, &mockExecutor{}, &mockPlanner{})
	outcomeCh, errCh := submitAsync(f, clickPlan("Send"))

	id := awaitStatus(t, f, schemas.TaskAwaitingConfirmation)
	assert.Zero(t, f.executor.callCount(), "no action may run before approval")
	require.NoError(t, f.engine.Approve(id))

	outcome := <-outcomeCh
	require.NoError(t, <-errCh)
	assert.Equal(t, schemas.TaskSucceeded, outcome.Status)
	assert.Equal(t, 1, f.executor.callCount())
}

func TestSubmit_ConfirmationDenied(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.SensitiveActions = []string{"click"}

	f := newFixture(t, cfg, &mockExecutor{}, &mockPlanner{})
	outcomeCh, errCh := submitAsync(f, clickPlan("Send"))

	id := awaitStatus(t, f, schemas.TaskAwaitingConfirmation)
	require.NoError(t, f.engine.Deny(id))

	outcome := <-outcomeCh
	require.NoError(t, <-errCh)
	assert.Equal(t, schemas.TaskBlocked, outcome.Status)
	assert.Equal(t, schemas.ReasonConfirmationDenied, outcome.ReasonClass)
	assert.Empty(t, outcome.Results)
	assert.Zero(t, f.executor.callCount())
}

func TestApproveDeny_WrongState(t *testing.T) {
	f := newFixture(t, testConfig(), &mockExecutor{}, &mockPlanner{})

	assert.ErrorIs(t, f.engine.Approve("nobody"), ErrNoSuchTask)
	assert.ErrorIs(t, f.engine.Deny("nobody"), ErrNoSuchTask)
	assert.ErrorIs(t, f.engine.Cancel("nobody"), ErrNoSuchTask)
}

// -- Concurrency --

func TestSubmit_SecondTaskRejectedWhileBusy(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.SensitiveActions = []string{"click"}

	f := newFixture(t, cfg, &mockExecutor{}, &mockPlanner{})
	outcomeCh, errCh := submitAsync(f, clickPlan("Send"))

	id := awaitStatus(t, f, schemas.TaskAwaitingConfirmation)

	_, err := f.engine.Submit(context.Background(), clickPlan("Other"))
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, f.engine.Approve(id))
	<-outcomeCh
	require.NoError(t, <-errCh)

	// Slot freed; a new submission is admitted again. A wait action is not
	// sensitive, so this one runs straight through.
	second := &schemas.TaskPlan{
		TaskID:       "second",
		OriginIntent: schemas.Intent{Intent: "navigate_to", TargetApp: "com.android.settings"},
		Actions:      []schemas.UIAction{{Kind: schemas.ActionWait, Value: "1"}},
	}
	outcome, err := f.engine.Submit(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskSucceeded, outcome.Status)
}

// -- Cancellation --

func TestCancel_TakesEffectAtActionBoundary(t *testing.T) {
	exec := &mockExecutor{delay: 20 * time.Millisecond}
	f := newFixture(t, testConfig(), exec, &mockPlanner{})

	plan := clickPlan("A", "B", "C", "D", "E", "F", "G", "H")
	outcomeCh, errCh := submitAsync(f, plan)

	id := awaitStatus(t, f, schemas.TaskRunning)
	require.NoError(t, f.engine.Cancel(id))

	outcome := <-outcomeCh
	require.NoError(t, <-errCh)
	assert.Equal(t, schemas.TaskCancelled, outcome.Status)
	assert.Equal(t, schemas.ReasonCancelled, outcome.ReasonClass)
	assert.Less(t, len(outcome.Results), len(plan.Actions))
	// Every executed action still produced a result; none was abandoned
	// mid-flight without one.
	assert.Equal(t, f.executor.callCount(), len(outcome.Results))
}

// -- Timeout --

func TestSubmit_TaskTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.TaskTimeout = 60 * time.Millisecond

	exec := &mockExecutor{delay: 25 * time.Millisecond}
	f := newFixture(t, cfg, exec, &mockPlanner{})

	outcome, err := f.engine.Submit(context.Background(), clickPlan("A", "B", "C", "D", "E", "F"))
	require.NoError(t, err)

	assert.Equal(t, schemas.TaskTimedOut, outcome.Status)
	assert.Equal(t, schemas.ReasonLimitExceeded, outcome.ReasonClass)
}

// -- Action ceiling during execution --

func TestSubmit_ActionCeilingCountsReplannedActions(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.MaxActionsPerTask = 5
	cfg.Safety.MaxRetryCount = 10

	// Every action is ELEMENT_NOT_FOUND and every replan serves two more, so
	// only the total-actions ceiling can stop the task.
	exec := &mockExecutor{
		resolve: func(action schemas.UIAction, _ int) schemas.ActionResult {
			return notFound(action)
		},
	}
	plnr := &mockPlanner{
		replan: func(req *schemas.ReplanRequest) (*schemas.ReplanResponse, error) {
			return &schemas.ReplanResponse{Actions: []schemas.UIAction{
				{Kind: schemas.ActionScroll, Value: "down"},
				{Kind: schemas.ActionClick, Target: "Ghost"},
			}}, nil
		},
	}
	f := newFixture(t, cfg, exec, plnr)

	outcome, err := f.engine.Submit(context.Background(), clickPlan("Ghost"))
	require.NoError(t, err)

	assert.Equal(t, schemas.TaskFailed, outcome.Status)
	assert.Equal(t, schemas.ReasonLimitExceeded, outcome.ReasonClass)
	assert.LessOrEqual(t, f.executor.callCount(), 5)
}
