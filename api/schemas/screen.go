package schemas

import "time"

// -- Screen State Schemas --

// ScreenState is an immutable snapshot of the observable UI, captured by the
// UI surface after every action. It is the sole evidence the verification
// loop uses; each snapshot is attached to exactly one ActionResult.
type ScreenState struct {
	CurrentApp     string    `json:"current_app"`
	VisibleTexts   []string  `json:"visible_texts"`
	FocusedElement string    `json:"focused_element,omitempty"`
	ElementTree    string    `json:"element_tree,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Rect is an element bounding box in surface coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box, the target for synthetic taps.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// ElementRef is an addressable UI node resolved by the surface. Locator is a
// surface-specific handle (a CSS path for the web surface, a node id on
// Android) that stays valid until the next navigation.
type ElementRef struct {
	Locator     string `json:"locator"`
	Text        string `json:"text,omitempty"`
	Description string `json:"description,omitempty"`
	Class       string `json:"class,omitempty"`
	Editable    bool   `json:"editable,omitempty"`
	Bounds      Rect   `json:"bounds"`
	// Container is the immediate ancestor, populated when the surface knows
	// it. The executor activates it as a fallback when the element itself
	// refuses the activation.
	Container *ElementRef `json:"container,omitempty"`
}

// MatchMode selects which element attribute a resolution pass compares
// against. The executor probes the tiers in its own fixed priority order.
type MatchMode string

const (
	MatchText        MatchMode = "text"
	MatchDescription MatchMode = "description"
	MatchClass       MatchMode = "class"
)

// ElementCriteria describes one single-pass search over the current surface.
// Query is matched as a case-insensitive substring. Index selects among
// same-tier matches in traversal order; negative means "first".
type ElementCriteria struct {
	Mode         MatchMode `json:"mode"`
	Query        string    `json:"query"`
	EditableOnly bool      `json:"editable_only,omitempty"`
	Index        int       `json:"index"`
}

// ScrollDirection constrains scroll actions to the two supported directions.
const (
	ScrollUp   = "up"
	ScrollDown = "down"
)
