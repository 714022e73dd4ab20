// Package browser defines the browser controller capability set the core
// consumes (§6) and the data shapes that cross that boundary. The core
// never implements a browser engine itself — it drives an external
// controller through this interface, usually an out-of-process plugin
// (see plugin.go), or a fake for tests (see fake.go).
package browser

import "context"

// DOMNode is one entry of a browser-state summary's selector map: enough
// information about an element to both act on it and to feed the Selector
// Factory (C1) for alternative-XPath derivation.
type DOMNode struct {
	TagName    string            `json:"tag_name"`
	Attributes map[string]string `json:"attributes"`
	XPath      string            `json:"xpath"`
}

// TabInfo describes one open browser tab.
type TabInfo struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// StateSummary is the perception the Navigation Loop (C4) asks for at the
// start of every step: current URL, title, tabs, an indexed element tree,
// and scroll position.
type StateSummary struct {
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Tabs        []TabInfo       `json:"tabs"`
	SelectorMap map[int]DOMNode `json:"selector_map"`
	PixelsAbove int             `json:"pixels_above"`
	PixelsBelow int             `json:"pixels_below"`
}

// BoundingBox is an element's on-page rectangle, used by the healing state
// machine's bounding-box-proximity fallback strategy (§4.5).
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Element is a handle to one element located in the current page,
// obtained via Controller.Element.
type Element interface {
	Click(ctx context.Context) error
	DoubleClick(ctx context.Context) error
	Hover(ctx context.Context) error
	Type(ctx context.Context, text string) error
	Fill(ctx context.Context, text string) error
	SelectOption(ctx context.Context, value string) error
	DragTo(ctx context.Context, other Element) error
	IsVisible(ctx context.Context) (bool, error)
	IsEnabled(ctx context.Context) (bool, error)
	BoundingBox(ctx context.Context) (BoundingBox, error)
	ScrollIntoViewIfNeeded(ctx context.Context) error
	PressKey(ctx context.Context, key string) error

	// Options returns the current <option> labels of a <select> element,
	// for the get_dropdown_options action (§6). Only meaningful on an
	// element that is itself a dropdown.
	Options(ctx context.Context) ([]string, error)
}

// Controller is the full capability set the core requires over a browser
// page (§6). A default implementation is a go-plugin client talking to an
// out-of-process controller; pkg/browser/fake.go provides an in-memory
// implementation for tests.
type Controller interface {
	Goto(ctx context.Context, url string) error
	WaitForLoadState(ctx context.Context, state string) error
	Evaluate(ctx context.Context, jsExpr string) (any, error)
	MouseWheel(ctx context.Context, dx, dy float64) error
	Screencap(ctx context.Context) ([]byte, error)
	DumpDOMSummary(ctx context.Context) (StateSummary, error)

	// Element resolves a selector-map index (from the most recent
	// StateSummary) to an actionable element handle. ok is false when the
	// index is stale or unknown.
	Element(ctx context.Context, index int) (el Element, ok bool, err error)

	// FindByXPath resolves an XPath expression (absolute or the relative
	// forms the Selector Factory produces) against the live page. ok is
	// false when the expression matches zero or more than one element —
	// the Replay state machine's locator strategies (§4.5) require an
	// exact single match to count as a hit.
	FindByXPath(ctx context.Context, xpath string) (el Element, ok bool, err error)

	// FindNearBoundingBox locates a same-tag element whose bounding box is
	// closest to box, for the Replay state machine's last-resort
	// proximity-match locator strategy (§4.5d). ok is false when no
	// same-tag element is close enough to count as a match.
	FindNearBoundingBox(ctx context.Context, tagName string, box BoundingBox) (el Element, ok bool, err error)

	OpenNewTab(ctx context.Context, url string) error
	SwitchTab(ctx context.Context, index int) error
	CloseTab(ctx context.Context, index int) error

	Close(ctx context.Context) error
}
