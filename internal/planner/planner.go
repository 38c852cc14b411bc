package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
)

// Service implements schemas.Planner on top of an LLMClient. It owns prompt
// construction and response parsing; the transport (retries, rate limiting,
// timeouts) lives in the client.
type Service struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// NewService creates a planning service backed by the given LLM client.
func NewService(llm schemas.LLMClient, logger *zap.Logger) *Service {
	return &Service{
		llm:    llm,
		logger: logger.Named("planner"),
	}
}

var _ schemas.Planner = (*Service)(nil)

const systemPrompt = "You are an Android automation agent. You control a device " +
	"through a small set of abstract UI actions and always answer with the exact " +
	"format requested, with no commentary."

const intentPromptTemplate = `Parse this user command into a structured intent.

User command: %q

Respond with ONLY valid JSON in this format:
{
  "intent": "one of: send_message, open_app, search, find_file, play_media, enable_feature, disable_feature, navigate_to, read_notification, make_call",
  "target_app": "app package or name if applicable, or null",
  "confidence": 0.0,
  "entities": {
    "recipient": "contact name if applicable",
    "message": "message text if applicable",
    "search_query": "search term if applicable",
    "app_name": "target app if applicable"
  }
}`

const actionVocabulary = `Available actions:
- openApp: launch an application (value: package name)
- click: click an element (target: visible text or description)
- setText: type text into a field (value: text to type)
- scroll: scroll the screen (value: "up" or "down")
- findText: check if text is visible (target: text to find)
- wait: pause briefly (value: milliseconds)
- back: go back
- home: go to home screen`

// ExtractIntent parses a natural-language command into an Intent.
func (s *Service) ExtractIntent(ctx context.Context, command string) (*schemas.Intent, error) {
	raw, err := s.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   fmt.Sprintf(intentPromptTemplate, command),
		MaxTokens:    512,
	})
	if err != nil {
		return nil, fmt.Errorf("intent extraction failed: %w", err)
	}

	blob, err := extractJSONObject(raw)
	if err != nil {
		s.logger.Error("Failed to locate intent JSON in response", zap.String("response", truncate(raw, 200)))
		return nil, fmt.Errorf("intent response contained no JSON object: %w", err)
	}

	var intent schemas.Intent
	if err := json.Unmarshal([]byte(blob), &intent); err != nil {
		return nil, fmt.Errorf("failed to parse intent JSON: %w", err)
	}
	if intent.Intent == "" {
		return nil, fmt.Errorf("planner returned an intent with no type")
	}
	return &intent, nil
}

// PlanActions converts an intent plus the current screen into a TaskPlan.
// An empty action list from the planner is an error here: a plan must never
// be empty at the moment it is handed to the execution loop.
func (s *Service) PlanActions(ctx context.Context, intent *schemas.Intent, screen *schemas.ScreenState) (*schemas.TaskPlan, error) {
	intentJSON, err := json.MarshalToString(intent)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize intent: %w", err)
	}

	prompt := fmt.Sprintf(`You are planning a sequence of UI automation actions to achieve a goal.

User's intent:
%s

Current screen state:
- Active app: %s
- Visible elements: %s
- Focused element: %s

%s

Create a minimal action sequence to achieve the intent. Be specific with
element names, use scroll when an element may be off-screen, and verify major
steps with findText. Maximum 20 actions.
Respond with ONLY a JSON array, no explanation:

[
  {"action": "action_name", "target": "element text or null", "value": "value or null"},
  ...
]`,
		intentJSON, screenApp(screen), screenTexts(screen), screenFocus(screen), actionVocabulary)

	raw, err := s.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    1024,
	})
	if err != nil {
		return nil, fmt.Errorf("action planning failed: %w", err)
	}

	actions, err := parseActionArray(raw)
	if err != nil {
		s.logger.Error("Failed to parse planned actions", zap.String("response", truncate(raw, 200)))
		return nil, err
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("planner returned an empty plan")
	}

	return &schemas.TaskPlan{
		TaskID:       uuid.NewString(),
		OriginIntent: *intent,
		Actions:      actions,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Replan asks for an alternative action sequence after a recoverable failure.
// An empty array in the response is returned as-is: "no alternative found" is
// a first-class answer the caller must handle, not a transport error.
func (s *Service) Replan(ctx context.Context, req *schemas.ReplanRequest) (*schemas.ReplanResponse, error) {
	prompt := fmt.Sprintf(`An action failed during automation. Create an alternative plan.

Original intent: %s
Failed action: %s
Expected outcome: %s
Reason: %s

Current screen:
- App: %s
- Visible: %s

%s

Alternative approach to achieve the goal (scroll first? navigate differently?).
If there is genuinely no alternative, return an empty array.
Return ONLY a JSON action array:
[{"action": "...", "target": "...", "value": "..."}, ...]`,
		req.OriginIntent.Intent, req.LastAction.Describe(), req.ExpectedOutcome,
		req.ErrorReason, screenApp(&req.ActualScreenState), screenTexts(&req.ActualScreenState),
		actionVocabulary)

	raw, err := s.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    1024,
	})
	if err != nil {
		return nil, fmt.Errorf("replanning failed: %w", err)
	}

	actions, err := parseActionArray(raw)
	if err != nil {
		s.logger.Error("Failed to parse replan actions", zap.String("response", truncate(raw, 200)))
		return nil, err
	}
	return &schemas.ReplanResponse{Actions: actions}, nil
}

// VerifyActionSuccess asks the oracle a YES/NO question about whether an
// action achieved its expected outcome.
func (s *Service) VerifyActionSuccess(ctx context.Context, action schemas.UIAction, expected string, screen *schemas.ScreenState) (bool, error) {
	prompt := fmt.Sprintf(`Did this UI automation action succeed?

Action: %s
Expected result: %s

Actual screen after action:
- App: %s
- Visible text: %s

Respond with only "YES" or "NO".`,
		action.Describe(), expected, screenApp(screen), screenTexts(screen))

	raw, err := s.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    10,
	})
	if err != nil {
		return false, fmt.Errorf("verification failed: %w", err)
	}
	return strings.Contains(strings.ToUpper(raw), "YES"), nil
}

// parseActionArray extracts and decodes the JSON action array from raw LLM
// output, tolerating surrounding prose.
func parseActionArray(raw string) ([]schemas.UIAction, error) {
	blob, err := extractJSONArray(raw)
	if err != nil {
		return nil, fmt.Errorf("response contained no JSON array: %w", err)
	}
	var actions []schemas.UIAction
	if err := json.Unmarshal([]byte(blob), &actions); err != nil {
		return nil, fmt.Errorf("failed to parse action array: %w", err)
	}
	for i, a := range actions {
		if a.Kind == "" {
			return nil, fmt.Errorf("action %d has no kind", i)
		}
	}
	return actions, nil
}

// extractJSONObject slices the first '{' through the last '}' out of raw
// model output. Models wrap JSON in prose often enough that this is the
// pragmatic parse.
func extractJSONObject(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object delimiters found")
	}
	return raw[start : end+1], nil
}

// extractJSONArray slices the first '[' through the last ']'.
func extractJSONArray(raw string) (string, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON array delimiters found")
	}
	return raw[start : end+1], nil
}

func screenApp(s *schemas.ScreenState) string {
	if s == nil || s.CurrentApp == "" {
		return "unknown"
	}
	return s.CurrentApp
}

func screenTexts(s *schemas.ScreenState) string {
	if s == nil || len(s.VisibleTexts) == 0 {
		return "[]"
	}
	blob, err := json.MarshalToString(s.VisibleTexts)
	if err != nil {
		return "[]"
	}
	return blob
}

func screenFocus(s *schemas.ScreenState) string {
	if s == nil || s.FocusedElement == "" {
		return "none"
	}
	return s.FocusedElement
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
