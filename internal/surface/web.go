package surface

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/config"
)

// WebSurface drives a headless Chromium page through the Chrome DevTools
// Protocol and presents it as a UISurface. It is the dry-run surface: the
// same engine, executor and policy run against it as against a device, with
// web pages standing in for app screens.
type WebSurface struct {
	logger  *zap.Logger
	homeURL string

	browserCtx  context.Context
	cancelCtx   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// NewWebSurface launches the browser and navigates to the configured home
// page. Close must be called to tear the browser down.
func NewWebSurface(ctx context.Context, cfg config.SurfaceConfig, logger *zap.Logger) (*WebSurface, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)

	var ctxOpts []chromedp.ContextOption
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(logger.Sugar().Debugf))
	}
	browserCtx, cancelCtx := chromedp.NewContext(allocCtx, ctxOpts...)

	s := &WebSurface{
		logger:      logger.Named("surface.web"),
		homeURL:     cfg.HomeURL,
		browserCtx:  browserCtx,
		cancelCtx:   cancelCtx,
		cancelAlloc: cancelAlloc,
	}

	if err := chromedp.Run(browserCtx, chromedp.Navigate(cfg.HomeURL)); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to launch browser surface: %w", err)
	}
	s.logger.Info("Web surface ready", zap.String("home_url", cfg.HomeURL), zap.Bool("headless", cfg.Headless))
	return s, nil
}

var _ schemas.UISurface = (*WebSurface)(nil)

// Close shuts the page and the browser process down.
func (s *WebSurface) Close() {
	s.cancelCtx()
	s.cancelAlloc()
}

// run executes chromedp actions on the page, honoring the caller's deadline.
// The browser context outlives individual calls; the per-call context only
// bounds how long this invocation may take.
func (s *WebSurface) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := s.browserCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

// elementPayload mirrors the object shape produced by the resolution script.
type elementPayload struct {
	Locator     string          `json:"locator"`
	Text        string          `json:"text"`
	Description string          `json:"description"`
	Class       string          `json:"class"`
	Editable    bool            `json:"editable"`
	Bounds      schemas.Rect    `json:"bounds"`
	Container   *elementPayload `json:"container"`
}

func (p *elementPayload) toRef() *schemas.ElementRef {
	if p == nil {
		return nil
	}
	return &schemas.ElementRef{
		Locator:     p.Locator,
		Text:        p.Text,
		Description: p.Description,
		Class:       p.Class,
		Editable:    p.Editable,
		Bounds:      p.Bounds,
		Container:   p.Container.toRef(),
	}
}

// ResolveElement performs one single-pass search over the rendered page.
// Mapping to the page model: text matches rendered text content, description
// matches aria-label/title/alt/placeholder, class matches the tag name or a
// CSS class. A nil ref with nil error means no match at this tier.
func (s *WebSurface) ResolveElement(ctx context.Context, criteria schemas.ElementCriteria) (*schemas.ElementRef, error) {
	script := fmt.Sprintf(resolveScript,
		jsString(string(criteria.Mode)),
		jsString(criteria.Query),
		criteria.EditableOnly,
		criteria.Index)

	var payload *elementPayload
	if err := s.run(ctx, chromedp.Evaluate(script, &payload)); err != nil {
		return nil, fmt.Errorf("element resolution failed: %w", err)
	}
	return payload.toRef(), nil
}

// Activate clicks the element through the page's own click path.
func (s *WebSurface) Activate(ctx context.Context, ref *schemas.ElementRef) error {
	if ref == nil || ref.Locator == "" {
		return fmt.Errorf("cannot activate: element reference has no locator")
	}
	if err := s.run(ctx, chromedp.Click(ref.Locator, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("activation of %q failed: %w", ref.Locator, err)
	}
	return nil
}

// SetText assigns the value directly to the field and fires the input events
// frameworks listen for.
func (s *WebSurface) SetText(ctx context.Context, ref *schemas.ElementRef, value string) error {
	if ref == nil || ref.Locator == "" {
		return fmt.Errorf("cannot set text: element reference has no locator")
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.focus();
		if (el.isContentEditable) { el.textContent = %s; }
		else { el.value = %s; }
		el.dispatchEvent(new Event('input',  {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	})()`, jsString(ref.Locator), jsString(value), jsString(value))

	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("set text on %q failed: %w", ref.Locator, err)
	}
	if !ok {
		return fmt.Errorf("set text: element %q no longer present", ref.Locator)
	}
	return nil
}

// PasteText focuses the element and inserts the value the way a clipboard
// paste would, character stream through the editing pipeline.
func (s *WebSurface) PasteText(ctx context.Context, ref *schemas.ElementRef, value string) error {
	if ref == nil || ref.Locator == "" {
		return fmt.Errorf("cannot paste: element reference has no locator")
	}
	err := s.run(ctx,
		chromedp.Focus(ref.Locator, chromedp.ByQuery),
		chromedp.SendKeys(ref.Locator, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("paste into %q failed: %w", ref.Locator, err)
	}
	return nil
}

// TapAt dispatches a synthetic press/release pair at page coordinates.
func (s *WebSurface) TapAt(ctx context.Context, x, y float64) error {
	press := input.DispatchMouseEvent(input.MousePressed, x, y).
		WithButton(input.Left).
		WithClickCount(1)
	release := input.DispatchMouseEvent(input.MouseReleased, x, y).
		WithButton(input.Left).
		WithClickCount(1)
	if err := s.run(ctx, press, release); err != nil {
		return fmt.Errorf("tap at (%.0f, %.0f) failed: %w", x, y, err)
	}
	return nil
}

// Scroll moves the viewport by most of one screen height.
func (s *WebSurface) Scroll(ctx context.Context, direction string) error {
	sign := "+"
	if direction == schemas.ScrollUp {
		sign = "-"
	}
	script := fmt.Sprintf(`window.scrollBy({top: %s(window.innerHeight * 0.8), behavior: 'instant'}); true`, sign)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("scroll %s failed: %w", direction, err)
	}
	return nil
}

// LaunchApp navigates to the page standing in for the app. A bare identifier
// is treated as a hostname.
func (s *WebSurface) LaunchApp(ctx context.Context, packageID string) error {
	url := packageID
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to open %q: %w", packageID, err)
	}
	return nil
}

// CaptureState snapshots the observable page: host as the current app,
// deduplicated visible leaf texts, the focused element, and a shallow outline
// of the DOM as the element tree.
func (s *WebSurface) CaptureState(ctx context.Context) (*schemas.ScreenState, error) {
	var raw struct {
		CurrentApp     string   `json:"current_app"`
		VisibleTexts   []string `json:"visible_texts"`
		FocusedElement string   `json:"focused_element"`
		ElementTree    string   `json:"element_tree"`
	}
	if err := s.run(ctx, chromedp.Evaluate(captureScript, &raw)); err != nil {
		return nil, fmt.Errorf("screen capture failed: %w", err)
	}
	return &schemas.ScreenState{
		CurrentApp:     raw.CurrentApp,
		VisibleTexts:   DedupTexts(raw.VisibleTexts, maxVisibleTexts),
		FocusedElement: raw.FocusedElement,
		ElementTree:    raw.ElementTree,
		CapturedAt:     time.Now().UTC(),
	}, nil
}

// GoBack navigates one step back in page history.
func (s *WebSurface) GoBack(ctx context.Context) error {
	if err := s.run(ctx, chromedp.NavigateBack()); err != nil {
		return fmt.Errorf("back navigation failed: %w", err)
	}
	return nil
}

// GoHome returns to the configured home page.
func (s *WebSurface) GoHome(ctx context.Context) error {
	if err := s.run(ctx, chromedp.Navigate(s.homeURL)); err != nil {
		return fmt.Errorf("home navigation failed: %w", err)
	}
	return nil
}

// maxVisibleTexts caps how much of the page text a snapshot carries; the
// planner prompt only has room for so much context.
const maxVisibleTexts = 80

// DedupTexts trims, deduplicates and caps a list of visible text fragments,
// preserving first-seen order.
func DedupTexts(texts []string, limit int) []string {
	seen := make(map[string]struct{}, len(texts))
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// jsString quotes a Go string as a JavaScript string literal.
func jsString(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\u2028", `\u2028`,
		"\u2029", `\u2029`,
	)
	return `"` + r.Replace(s) + `"`
}
