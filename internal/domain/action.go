package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ActionKind tags each Action variant.
type ActionKind string

const (
	KindClick    ActionKind = "click"
	KindType     ActionKind = "type"
	KindScroll   ActionKind = "scroll"
	KindNavigate ActionKind = "navigate"
	KindPress    ActionKind = "press"
	KindHover    ActionKind = "hover"
	KindBack     ActionKind = "back"
	KindForward  ActionKind = "forward"
	KindReload   ActionKind = "reload"
)

// DefaultConflictRadius is the pixel distance under which two clicks conflict.
const DefaultConflictRadius = 50.0

// Action is the closed set of control actions. Each variant carries only
// the fields its kind needs. Values are immutable once submitted.
type Action interface {
	Kind() ActionKind
	Validate() error
	isAction()
}

// Click presses a mouse button at a viewport point, or on a selector when
// one is given.
type Click struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Button   string `json:"button,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// TypeText enters text into the focused element, or into Selector.
type TypeText struct {
	Text     string `json:"text"`
	Selector string `json:"selector,omitempty"`
}

// Scroll moves the viewport by a delta, optionally anchored at a point.
type Scroll struct {
	X      int `json:"x,omitempty"`
	Y      int `json:"y,omitempty"`
	DeltaX int `json:"deltaX,omitempty"`
	DeltaY int `json:"deltaY"`
}

// Navigate loads a URL.
type Navigate struct {
	URL string `json:"url"`
}

// Press sends a single key, e.g. "Enter" or "a".
type Press struct {
	Key       string   `json:"key"`
	Modifiers []string `json:"modifiers,omitempty"`
}

// Hover moves the pointer to a point or selector.
type Hover struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Selector string `json:"selector,omitempty"`
}

// Back goes one entry back in history.
type Back struct{}

// Forward goes one entry forward in history.
type Forward struct{}

// Reload reloads the current page.
type Reload struct{}

func (Click) Kind() ActionKind    { return KindClick }
func (TypeText) Kind() ActionKind { return KindType }
func (Scroll) Kind() ActionKind   { return KindScroll }
func (Navigate) Kind() ActionKind { return KindNavigate }
func (Press) Kind() ActionKind    { return KindPress }
func (Hover) Kind() ActionKind    { return KindHover }
func (Back) Kind() ActionKind     { return KindBack }
func (Forward) Kind() ActionKind  { return KindForward }
func (Reload) Kind() ActionKind   { return KindReload }

func (Click) isAction()    {}
func (TypeText) isAction() {}
func (Scroll) isAction()   {}
func (Navigate) isAction() {}
func (Press) isAction()    {}
func (Hover) isAction()    {}
func (Back) isAction()     {}
func (Forward) isAction()  {}
func (Reload) isAction()   {}

func (a Click) Validate() error {
	switch a.Button {
	case "", "left", "right", "middle":
		return nil
	}
	return fmt.Errorf("click: unknown button %q", a.Button)
}

func (a TypeText) Validate() error {
	if a.Text == "" {
		return errors.New("type: text is required")
	}
	return nil
}

func (a Scroll) Validate() error {
	if a.DeltaX == 0 && a.DeltaY == 0 {
		return errors.New("scroll: delta is zero")
	}
	return nil
}

func (a Navigate) Validate() error {
	if a.URL == "" {
		return errors.New("navigate: url is required")
	}
	return nil
}

func (a Press) Validate() error {
	if a.Key == "" {
		return errors.New("press: key is required")
	}
	return nil
}

func (Hover) Validate() error   { return nil }
func (Back) Validate() error    { return nil }
func (Forward) Validate() error { return nil }
func (Reload) Validate() error  { return nil }

// Conflicts reports whether a and b must not execute independently, using
// the default click radius.
func Conflicts(a, b Action) bool {
	return ConflictsWithin(a, b, DefaultConflictRadius)
}

// ConflictsWithin is Conflicts with an explicit click radius. The relation
// is symmetric for every pair of kinds.
func ConflictsWithin(a, b Action, radius float64) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Kind() == KindNavigate || b.Kind() == KindNavigate {
		return true
	}
	switch x := a.(type) {
	case Click:
		y, ok := b.(Click)
		if !ok {
			return false
		}
		dx := float64(x.X - y.X)
		dy := float64(x.Y - y.Y)
		return math.Hypot(dx, dy) < radius
	case Scroll:
		y, ok := b.(Scroll)
		if !ok {
			return false
		}
		return (x.DeltaY > 0 && y.DeltaY < 0) || (x.DeltaY < 0 && y.DeltaY > 0)
	case TypeText:
		_, ok := b.(TypeText)
		return ok
	}
	return false
}

// Describe renders a short human-readable form of an action.
func Describe(a Action) string {
	switch v := a.(type) {
	case Click:
		if v.Selector != "" {
			return fmt.Sprintf("click %s", v.Selector)
		}
		return fmt.Sprintf("click (%d, %d)", v.X, v.Y)
	case TypeText:
		return fmt.Sprintf("type %q", v.Text)
	case Scroll:
		return fmt.Sprintf("scroll (%d, %d)", v.DeltaX, v.DeltaY)
	case Navigate:
		return fmt.Sprintf("navigate %s", v.URL)
	case Press:
		return fmt.Sprintf("press %s", v.Key)
	case Hover:
		if v.Selector != "" {
			return fmt.Sprintf("hover %s", v.Selector)
		}
		return fmt.Sprintf("hover (%d, %d)", v.X, v.Y)
	case Back, Forward, Reload:
		return string(v.Kind())
	case nil:
		return "<nil>"
	}
	return string(a.Kind())
}

// --- JSON codec ---

// MarshalParams encodes the variant's own fields, without the kind tag.
func MarshalParams(a Action) (json.RawMessage, error) {
	if a == nil {
		return nil, errors.New("nil action")
	}
	return json.Marshal(a)
}

// UnmarshalParams decodes params into the variant named by kind.
func UnmarshalParams(kind ActionKind, params []byte) (Action, error) {
	if len(params) == 0 || string(params) == "null" {
		params = []byte("{}")
	}
	switch kind {
	case KindClick:
		var a Click
		err := json.Unmarshal(params, &a)
		return a, err
	case KindType:
		var a TypeText
		err := json.Unmarshal(params, &a)
		return a, err
	case KindScroll:
		var a Scroll
		err := json.Unmarshal(params, &a)
		return a, err
	case KindNavigate:
		var a Navigate
		err := json.Unmarshal(params, &a)
		return a, err
	case KindPress:
		var a Press
		err := json.Unmarshal(params, &a)
		return a, err
	case KindHover:
		var a Hover
		err := json.Unmarshal(params, &a)
		return a, err
	case KindBack:
		return Back{}, nil
	case KindForward:
		return Forward{}, nil
	case KindReload:
		return Reload{}, nil
	}
	return nil, fmt.Errorf("unknown action type %q", kind)
}

// EncodeAction produces the flat wire form {"type": kind, ...fields}.
func EncodeAction(a Action) ([]byte, error) {
	params, err := MarshalParams(a)
	if err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(a.Kind())
	out := []byte(`{"type":`)
	out = append(out, tag...)
	if len(params) > 2 {
		out = append(out, ',')
		out = append(out, params[1:]...)
		return out, nil
	}
	return append(out, '}'), nil
}

// DecodeAction parses the flat wire form produced by EncodeAction.
func DecodeAction(data []byte) (Action, error) {
	var head struct {
		Type ActionKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if head.Type == "" {
		return nil, errors.New("decode action: missing type")
	}
	return UnmarshalParams(head.Type, data)
}

type recordedActionJSON struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Type      ActionKind      `json:"type"`
	Params    json.RawMessage `json:"params"`
	Result    *ActionResult   `json:"result,omitempty"`
}

// MarshalJSON writes {id, timestamp, type, params, result}.
func (r RecordedAction) MarshalJSON() ([]byte, error) {
	params, err := MarshalParams(r.Action)
	if err != nil {
		return nil, fmt.Errorf("recorded action %s: %w", r.ID, err)
	}
	return json.Marshal(recordedActionJSON{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		Type:      r.Action.Kind(),
		Params:    params,
		Result:    r.Result,
	})
}

// UnmarshalJSON reverses MarshalJSON.
func (r *RecordedAction) UnmarshalJSON(data []byte) error {
	var raw recordedActionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	action, err := UnmarshalParams(raw.Type, raw.Params)
	if err != nil {
		return fmt.Errorf("recorded action %s: %w", raw.ID, err)
	}
	*r = RecordedAction{
		ID:        raw.ID,
		Timestamp: raw.Timestamp,
		Action:    action,
		Result:    raw.Result,
	}
	return nil
}

// MarshalJSON flattens the payload and reports the duration in ms.
func (h HistoryEntry) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if h.Action != nil {
		var err error
		if payload, err = EncodeAction(h.Action); err != nil {
			return nil, err
		}
	}
	return json.Marshal(struct {
		ID          string          `json:"id"`
		Source      Actor           `json:"source"`
		Payload     json.RawMessage `json:"payload,omitempty"`
		SubmittedAt int64           `json:"submittedAt"`
		Result      ActionResult    `json:"result"`
		DurationMs  int64           `json:"durationMs"`
	}{
		ID:          h.ID,
		Source:      h.Source,
		Payload:     payload,
		SubmittedAt: h.SubmittedAt.UnixMilli(),
		Result:      h.Result,
		DurationMs:  h.Duration.Milliseconds(),
	})
}
