package browser

import (
	"context"
	"fmt"
	"sync"
)

// FakeElement is an in-memory Element used by tests. Every action call
// records itself in Calls so assertions can inspect what the
// navigation/replay loop actually invoked; the IsVisible, IsEnabled and
// BoundingBox queries are not recorded.
type FakeElement struct {
	mu              sync.Mutex
	Visible         bool
	Enabled         bool
	Box             BoundingBox
	Calls           []string
	TypedText       string
	SelectedVal     string
	DropdownOptions []string
}

func NewFakeElement() *FakeElement {
	return &FakeElement{Visible: true, Enabled: true}
}

func (e *FakeElement) record(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, name)
}

func (e *FakeElement) Click(ctx context.Context) error              { e.record("click"); return nil }
func (e *FakeElement) DoubleClick(ctx context.Context) error         { e.record("double_click"); return nil }
func (e *FakeElement) Hover(ctx context.Context) error               { e.record("hover"); return nil }
func (e *FakeElement) Type(ctx context.Context, text string) error {
	e.record("type")
	e.TypedText += text
	return nil
}
func (e *FakeElement) Fill(ctx context.Context, text string) error {
	e.record("fill")
	e.TypedText = text
	return nil
}
func (e *FakeElement) SelectOption(ctx context.Context, value string) error {
	e.record("select_option")
	e.SelectedVal = value
	return nil
}
func (e *FakeElement) DragTo(ctx context.Context, other Element) error { e.record("drag_to"); return nil }
func (e *FakeElement) IsVisible(ctx context.Context) (bool, error)     { return e.Visible, nil }
func (e *FakeElement) IsEnabled(ctx context.Context) (bool, error)     { return e.Enabled, nil }
func (e *FakeElement) BoundingBox(ctx context.Context) (BoundingBox, error) {
	return e.Box, nil
}
func (e *FakeElement) ScrollIntoViewIfNeeded(ctx context.Context) error {
	e.record("scroll_into_view")
	return nil
}
func (e *FakeElement) PressKey(ctx context.Context, key string) error {
	e.record("press_key:" + key)
	return nil
}
func (e *FakeElement) Options(ctx context.Context) ([]string, error) {
	e.record("options")
	return e.DropdownOptions, nil
}

// FakeController is an in-memory Controller for tests — no real browser,
// no real network. Summaries and elements are supplied by the test via
// Summaries/Elements and consumed in order as the loop calls DumpDOMSummary.
type FakeController struct {
	mu             sync.Mutex
	Summaries      []StateSummary
	summaryAt      int
	Elements       map[int]*FakeElement
	XPathIndex     map[string]*FakeElement
	ProximityMatch *FakeElement
	Closed         bool
	Visited        []string
	Tabs           []TabInfo
}

func NewFakeController() *FakeController {
	return &FakeController{Elements: make(map[int]*FakeElement)}
}

func (c *FakeController) Goto(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Visited = append(c.Visited, url)
	return nil
}

func (c *FakeController) WaitForLoadState(ctx context.Context, state string) error { return nil }

func (c *FakeController) Evaluate(ctx context.Context, jsExpr string) (any, error) { return nil, nil }

func (c *FakeController) MouseWheel(ctx context.Context, dx, dy float64) error { return nil }

func (c *FakeController) Screencap(ctx context.Context) ([]byte, error) { return []byte{}, nil }

func (c *FakeController) DumpDOMSummary(ctx context.Context) (StateSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.summaryAt >= len(c.Summaries) {
		if len(c.Summaries) == 0 {
			return StateSummary{}, fmt.Errorf("fake controller: no summaries configured")
		}
		return c.Summaries[len(c.Summaries)-1], nil
	}
	s := c.Summaries[c.summaryAt]
	c.summaryAt++
	return s, nil
}

func (c *FakeController) Element(ctx context.Context, index int) (Element, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.Elements[index]
	if !ok {
		return nil, false, nil
	}
	return el, true, nil
}

// ByXPath lets a test wire up which XPath strings resolve to which fake
// element, simulating the live-page lookup a real controller performs.
func (c *FakeController) ByXPath() map[string]*FakeElement {
	if c.XPathIndex == nil {
		c.XPathIndex = make(map[string]*FakeElement)
	}
	return c.XPathIndex
}

func (c *FakeController) FindByXPath(ctx context.Context, xpath string) (Element, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.XPathIndex[xpath]
	if !ok {
		return nil, false, nil
	}
	return el, true, nil
}

func (c *FakeController) FindNearBoundingBox(ctx context.Context, tagName string, box BoundingBox) (Element, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ProximityMatch == nil {
		return nil, false, nil
	}
	return c.ProximityMatch, true, nil
}

func (c *FakeController) OpenNewTab(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tabs = append(c.Tabs, TabInfo{Index: len(c.Tabs), URL: url})
	return nil
}

func (c *FakeController) SwitchTab(ctx context.Context, index int) error { return nil }

func (c *FakeController) CloseTab(ctx context.Context, index int) error { return nil }

func (c *FakeController) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}
