package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
)

// cannedLLM returns scripted responses in order and records the prompts.
type cannedLLM struct {
	responses []string
	err       error
	requests  []schemas.GenerationRequest
}

func (c *cannedLLM) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return "", c.err
	}
	i := len(c.requests) - 1
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i], nil
}

func newTestService(llm *cannedLLM) *Service {
	return NewService(llm, zap.NewNop())
}

// -- Intent extraction --

func TestExtractIntent_ParsesJSON(t *testing.T) {
	llm := &cannedLLM{responses: []string{`{
		"intent": "send_message",
		"target_app": "com.whatsapp",
		"confidence": 0.92,
		"entities": {"recipient": "Alice", "message": "running late"}
	}`}}
	svc := newTestService(llm)

	intent, err := svc.ExtractIntent(context.Background(), "tell Alice I'm running late")
	require.NoError(t, err)

	assert.Equal(t, "send_message", intent.Intent)
	assert.Equal(t, "com.whatsapp", intent.TargetApp)
	assert.InDelta(t, 0.92, intent.Confidence, 0.001)
	assert.Equal(t, "Alice", intent.Entities["recipient"])
}

func TestExtractIntent_ToleratesSurroundingProse(t *testing.T) {
	llm := &cannedLLM{responses: []string{
		"Sure! Here is the parsed intent:\n```json\n{\"intent\": \"open_app\", \"target_app\": \"com.spotify.music\"}\n```\nLet me know if you need more.",
	}}
	svc := newTestService(llm)

	intent, err := svc.ExtractIntent(context.Background(), "open spotify")
	require.NoError(t, err)
	assert.Equal(t, "open_app", intent.Intent)
}

func TestExtractIntent_NoJSONIsError(t *testing.T) {
	llm := &cannedLLM{responses: []string{"I cannot help with that."}}
	svc := newTestService(llm)

	_, err := svc.ExtractIntent(context.Background(), "do something")
	assert.Error(t, err)
}

func TestExtractIntent_MissingTypeIsError(t *testing.T) {
	llm := &cannedLLM{responses: []string{`{"target_app": "com.whatsapp"}`}}
	svc := newTestService(llm)

	_, err := svc.ExtractIntent(context.Background(), "hm")
	assert.Error(t, err)
}

func TestExtractIntent_TransportErrorPropagates(t *testing.T) {
	llm := &cannedLLM{err: errors.New("boom")}
	svc := newTestService(llm)

	_, err := svc.ExtractIntent(context.Background(), "open settings")
	assert.Error(t, err)
}

// -- Planning --

func TestPlanActions_BuildsPlan(t *testing.T) {
	llm := &cannedLLM{responses: []string{`[
		{"action": "openApp", "value": "com.whatsapp"},
		{"action": "click", "target": "Alice"},
		{"action": "setText", "value": "running late"},
		{"action": "click", "target": "Send"},
		{"action": "findText", "target": "running late"}
	]`}}
	svc := newTestService(llm)

	intent := &schemas.Intent{Intent: "send_message", TargetApp: "com.whatsapp"}
	screen := &schemas.ScreenState{CurrentApp: "launcher", VisibleTexts: []string{"WhatsApp", "Settings"}}

	plan, err := svc.PlanActions(context.Background(), intent, screen)
	require.NoError(t, err)

	assert.NotEmpty(t, plan.TaskID)
	assert.Equal(t, *intent, plan.OriginIntent)
	require.Len(t, plan.Actions, 5)
	assert.Equal(t, schemas.ActionOpenApp, plan.Actions[0].Kind)
	assert.Equal(t, "Send", plan.Actions[3].Target)

	// The prompt must carry the screen context the model plans against.
	prompt := llm.requests[0].UserPrompt
	assert.Contains(t, prompt, "WhatsApp")
	assert.Contains(t, prompt, "send_message")
}

func TestPlanActions_EmptyPlanIsError(t *testing.T) {
	llm := &cannedLLM{responses: []string{`[]`}}
	svc := newTestService(llm)

	_, err := svc.PlanActions(context.Background(), &schemas.Intent{Intent: "noop"}, nil)
	assert.Error(t, err)
}

func TestPlanActions_ActionWithoutKindIsError(t *testing.T) {
	llm := &cannedLLM{responses: []string{`[{"target": "Send"}]`}}
	svc := newTestService(llm)

	_, err := svc.PlanActions(context.Background(), &schemas.Intent{Intent: "send_message"}, nil)
	assert.Error(t, err)
}

// -- Replanning --

func TestReplan_EmptyArrayIsNoAlternative(t *testing.T) {
	llm := &cannedLLM{responses: []string{`[]`}}
	svc := newTestService(llm)

	resp, err := svc.Replan(context.Background(), &schemas.ReplanRequest{
		OriginIntent: schemas.Intent{Intent: "send_message"},
		LastAction:   schemas.UIAction{Kind: schemas.ActionClick, Target: "Ghost"},
		ErrorReason:  "no element matching \"Ghost\"",
	})

	// "No alternative" is an answer, not an error.
	require.NoError(t, err)
	assert.Empty(t, resp.Actions)
}

func TestReplan_ReturnsAlternative(t *testing.T) {
	llm := &cannedLLM{responses: []string{
		"The element is probably off-screen. Try:\n[{\"action\": \"scroll\", \"value\": \"down\"}, {\"action\": \"click\", \"target\": \"Ghost\"}]",
	}}
	svc := newTestService(llm)

	resp, err := svc.Replan(context.Background(), &schemas.ReplanRequest{
		OriginIntent:      schemas.Intent{Intent: "navigate_to"},
		LastAction:        schemas.UIAction{Kind: schemas.ActionClick, Target: "Ghost"},
		ExpectedOutcome:   "element \"Ghost\" was activated",
		ActualScreenState: schemas.ScreenState{CurrentApp: "com.android.settings"},
		ErrorReason:       "not found",
	})
	require.NoError(t, err)
	require.Len(t, resp.Actions, 2)
	assert.Equal(t, schemas.ActionScroll, resp.Actions[0].Kind)

	prompt := llm.requests[0].UserPrompt
	assert.Contains(t, prompt, "Ghost")
	assert.Contains(t, prompt, "com.android.settings")
}

// -- Verification --

func TestVerifyActionSuccess(t *testing.T) {
	tests := []struct {
		response string
		want     bool
	}{
		{"YES", true},
		{"yes", true},
		{"Yes, the message is visible.", true},
		{"NO", false},
		{"No, the screen still shows the chat list.", false},
	}

	for _, tt := range tests {
		llm := &cannedLLM{responses: []string{tt.response}}
		svc := newTestService(llm)

		ok, err := svc.VerifyActionSuccess(context.Background(),
			schemas.UIAction{Kind: schemas.ActionClick, Target: "Send"},
			"message sent", &schemas.ScreenState{})
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "response %q", tt.response)
	}
}

// -- JSON extraction helpers --

func TestExtractJSONHelpers(t *testing.T) {
	obj, err := extractJSONObject(`prefix {"a": 1} suffix`)
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, obj)

	arr, err := extractJSONArray("```json\n[1, 2]\n```")
	require.NoError(t, err)
	assert.Equal(t, "[1, 2]", arr)

	_, err = extractJSONObject("no braces here")
	assert.Error(t, err)
	_, err = extractJSONArray("} backwards {")
	assert.Error(t, err)
}
