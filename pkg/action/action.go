// Package action implements the closed action-kind set (§6) as a tagged
// union, and the Action Enricher (C2) that wraps a raw LLM-emitted action
// with DOM element data before it is recorded into a traversal.
package action

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/bugninja-ai/bugninja/pkg/browser"
	"github.com/bugninja-ai/bugninja/pkg/selector"
)

// Kind is one member of the closed action-kind set (§6).
type Kind string

const (
	KindClickElementByIndex  Kind = "click_element_by_index"
	KindInputText            Kind = "input_text"
	KindGetDropdownOptions   Kind = "get_dropdown_options"
	KindSelectDropdownOption Kind = "select_dropdown_option"
	KindDragDrop             Kind = "drag_drop"

	KindGoToURL        Kind = "go_to_url"
	KindOpenNewTab      Kind = "open_new_tab"
	KindSwitchTab       Kind = "switch_tab"
	KindCloseTab        Kind = "close_tab"
	KindWait            Kind = "wait"
	KindScrollUp        Kind = "scroll_up"
	KindScrollDown      Kind = "scroll_down"
	KindPressKey        Kind = "press_key"
	KindExtractContent  Kind = "extract_content"
	KindDone            Kind = "done"
)

// selectorOriented is the subset of Kind that REQUIRES dom_element_data
// (§6). Every other kind MUST NOT carry it (invariant 2).
var selectorOriented = map[Kind]bool{
	KindClickElementByIndex:  true,
	KindInputText:            true,
	KindGetDropdownOptions:   true,
	KindSelectDropdownOption: true,
	KindDragDrop:             true,
}

// IsSelectorOriented reports whether kind requires dom_element_data.
func IsSelectorOriented(kind Kind) bool { return selectorOriented[kind] }

// knownKinds is used to validate an incoming action's kind against the
// closed set before anything else is done with it.
var knownKinds = map[Kind]bool{
	KindClickElementByIndex: true, KindInputText: true, KindGetDropdownOptions: true,
	KindSelectDropdownOption: true, KindDragDrop: true, KindGoToURL: true,
	KindOpenNewTab: true, KindSwitchTab: true, KindCloseTab: true, KindWait: true,
	KindScrollUp: true, KindScrollDown: true, KindPressKey: true,
	KindExtractContent: true, KindDone: true,
}

// Model is the LLM-emitted action: a tagged single-key object
// {<action_kind>: <params>}. Params is kept as a generic map and decoded
// into a concrete struct on demand via Decode.
type Model struct {
	Kind   Kind
	Params map[string]any
}

// MarshalJSON renders Model as the single-key {kind: params} shape §3
// requires for the action field.
func (m Model) MarshalJSON() ([]byte, error) {
	if m.Params == nil {
		return json.Marshal(map[string]any{string(m.Kind): map[string]any{}})
	}
	return json.Marshal(map[string]any{string(m.Kind): m.Params})
}

// UnmarshalJSON parses the single-key {kind: params} shape, rejecting
// anything with zero or more than one key.
func (m *Model) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("action: expected exactly one key, got %d", len(raw))
	}
	for k, v := range raw {
		kind := Kind(k)
		if !knownKinds[kind] {
			return fmt.Errorf("action: unknown action kind %q", k)
		}
		params, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("action: params for %q must be an object", k)
		}
		m.Kind = kind
		m.Params = params
	}
	return nil
}

// Decode unmarshals Params into dst (a pointer to a concrete param
// struct), using mapstructure so field names tolerate the LLM's
// snake_case JSON keys via the usual `mapstructure` tag.
func (m Model) Decode(dst any) error {
	return mapstructure.Decode(m.Params, dst)
}

// Index returns the "index" param shared by every selector-oriented kind,
// if present.
func (m Model) Index() (int, bool) {
	v, ok := m.Params["index"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// ClickElementByIndexParams decodes the click_element_by_index kind.
type ClickElementByIndexParams struct {
	Index int `mapstructure:"index"`
}

// InputTextParams decodes the input_text kind. Text may reference a
// secret's logical name; substitution happens only at execution time
// (§4.4), never here.
type InputTextParams struct {
	Index int    `mapstructure:"index"`
	Text  string `mapstructure:"text"`
}

// SelectDropdownOptionParams decodes the select_dropdown_option kind.
type SelectDropdownOptionParams struct {
	Index int    `mapstructure:"index"`
	Value string `mapstructure:"value"`
}

// DragDropParams decodes the drag_drop kind.
type DragDropParams struct {
	Index      int `mapstructure:"index"`
	TargetIndex int `mapstructure:"target_index"`
}

// GoToURLParams decodes the go_to_url kind.
type GoToURLParams struct {
	URL string `mapstructure:"url"`
}

// WaitParams decodes the wait kind.
type WaitParams struct {
	Seconds float64 `mapstructure:"seconds"`
}

// PressKeyParams decodes the press_key kind.
type PressKeyParams struct {
	Key string `mapstructure:"key"`
}

// SwitchTabParams decodes the switch_tab kind.
type SwitchTabParams struct {
	Index int `mapstructure:"index"`
}

// DoneParams decodes the done kind, carrying the task's extracted outputs
// when an output schema is present.
type DoneParams struct {
	Success       bool              `mapstructure:"success"`
	ExtractedData map[string]string `mapstructure:"extracted_data"`
}

// DOMElementData is the selector-oriented action payload recorded
// alongside it (§3): the element's tag, attributes, full XPath, and
// replay fallback candidates from the Selector Factory (C1).
type DOMElementData struct {
	TagName                   string            `json:"tag_name"`
	Attributes                map[string]string `json:"attributes"`
	XPath                     string            `json:"xpath"`
	AlternativeRelativeXPaths []string          `json:"alternative_relative_xpaths"`

	// BoundingBox is an optional, best-effort capture of the element's
	// on-page rectangle at enrichment time, used only by the Replay state
	// machine's last-resort proximity-match locator strategy (§4.5d) when
	// present. Absent from the closed data model's required fields — a
	// recording that never populated it simply skips that last strategy.
	BoundingBox *browser.BoundingBox `json:"bounding_box,omitempty"`
}

// ExtendedAction is one recorded action in a Traversal (§3).
type ExtendedAction struct {
	BrainStateID       string          `json:"brain_state_id"`
	Action             Model           `json:"action"`
	DOMElementData     *DOMElementData `json:"dom_element_data"`
	ScreenshotFilename *string         `json:"screenshot_filename"`
}

// Enrich implements C2: given the just-emitted actions, the current page
// HTML, the selector map from the latest DOM summary, and the active
// brain_state_id, produce ExtendedActions in order, looking up DOM element
// data and alternative XPaths for selector-oriented actions.
func Enrich(actions []Model, brainStateID, pageHTML string, selectorMap map[int]browser.DOMNode) []ExtendedAction {
	out := make([]ExtendedAction, 0, len(actions))
	for _, a := range actions {
		ea := ExtendedAction{BrainStateID: brainStateID, Action: a}

		if !IsSelectorOriented(a.Kind) {
			out = append(out, ea)
			continue
		}

		index, ok := a.Index()
		if !ok {
			out = append(out, ea)
			continue
		}
		node, ok := selectorMap[index]
		if !ok {
			out = append(out, ea)
			continue
		}

		xpath := node.XPath
		if len(xpath) < 2 || xpath[:2] != "//" {
			xpath = "//" + trimLeadingSlashes(xpath)
		}

		ea.DOMElementData = &DOMElementData{
			TagName:                   node.TagName,
			Attributes:                node.Attributes,
			XPath:                     xpath,
			AlternativeRelativeXPaths: selector.Candidates(xpath, pageHTML),
		}
		out = append(out, ea)
	}
	return out
}

func trimLeadingSlashes(s string) string {
	i := 0
	for i < len(s) && s[i] == '/' {
		i++
	}
	return s[i:]
}
