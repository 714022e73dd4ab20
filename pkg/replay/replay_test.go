package replay

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugninja-ai/bugninja/pkg/action"
	"github.com/bugninja-ai/bugninja/pkg/browser"
	"github.com/bugninja-ai/bugninja/pkg/history"
	"github.com/bugninja-ai/bugninja/pkg/llm"
	"github.com/bugninja-ai/bugninja/pkg/traversal"
)

func newRecording(t *testing.T, actions []action.ExtendedAction, brainStates []traversal.BrainState) RecordedTraversal {
	t.Helper()
	bsMap := traversal.NewOrderedMap[traversal.BrainState]()
	for _, bs := range brainStates {
		bsMap.Set(bs.ID, bs)
	}
	actionMap := traversal.NewOrderedMap[action.ExtendedAction]()
	for i, a := range actions {
		actionMap.Set(fmt.Sprintf("action_%d", i+1), a)
	}
	return RecordedTraversal{
		TestCase:    "login and submit",
		BrainStates: bsMap,
		Actions:     actionMap,
	}
}

func newOutStore(t *testing.T) *traversal.Traversal {
	t.Helper()
	dir := t.TempDir()
	out, err := traversal.Start(dir, traversal.Meta{TestCase: "replay output"})
	require.NoError(t, err)
	return out
}

func TestLocateFallsBackThroughStrategies(t *testing.T) {
	ctrl := browser.NewFakeController()
	el := browser.NewFakeElement()
	ctrl.ByXPath()["//input[@id='alt']"] = el

	r := New(ctrl, nil, nil, Config{}, nil)
	data := &action.DOMElementData{
		TagName:                   "input",
		XPath:                     "//input[@id='stale']",
		AlternativeRelativeXPaths: []string{"//input[@id='also-stale']", "//input[@id='alt']"},
	}

	found, ok, err := r.locate(context.Background(), data)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, el, found)
}

func TestLocateFallsBackToAttributeReconstruction(t *testing.T) {
	ctrl := browser.NewFakeController()
	el := browser.NewFakeElement()
	ctrl.ByXPath()["//button[@name='submit']"] = el

	r := New(ctrl, nil, nil, Config{}, nil)
	data := &action.DOMElementData{
		TagName:    "button",
		XPath:      "//button[@id='gone']",
		Attributes: map[string]string{"name": "submit"},
	}

	found, ok, err := r.locate(context.Background(), data)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, el, found)
}

func TestLocateFallsBackToBoundingBoxProximity(t *testing.T) {
	ctrl := browser.NewFakeController()
	el := browser.NewFakeElement()
	ctrl.ProximityMatch = el

	r := New(ctrl, nil, nil, Config{}, nil)
	data := &action.DOMElementData{
		TagName:     "div",
		XPath:       "//div[@id='gone']",
		BoundingBox: &browser.BoundingBox{X: 10, Y: 20, Width: 5, Height: 5},
	}

	found, ok, err := r.locate(context.Background(), data)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, el, found)
}

func TestRunReplaysDeterministicallyWhenLocatorsResolve(t *testing.T) {
	ctrl := browser.NewFakeController()
	el := browser.NewFakeElement()
	ctrl.ByXPath()["//button[@id='go']"] = el

	bs := traversal.BrainState{ID: "brain_state_1", NextGoal: "click go"}
	recorded := newRecording(t, []action.ExtendedAction{
		{
			BrainStateID: bs.ID,
			Action:       action.Model{Kind: action.KindClickElementByIndex, Params: map[string]any{"index": 0}},
			DOMElementData: &action.DOMElementData{
				TagName: "button",
				XPath:   "//button[@id='go']",
			},
		},
		{
			BrainStateID: bs.ID,
			Action:       action.Model{Kind: action.KindDone, Params: map[string]any{"success": true}},
		},
	}, []traversal.BrainState{bs})

	out := newOutStore(t)
	r := New(ctrl, nil, nil, Config{}, nil)

	outcome, err := r.Run(context.Background(), recorded, out)
	require.NoError(t, err)
	assert.Equal(t, traversal.StatusSuccess, outcome.Status)
	assert.False(t, outcome.HealingHappened)
	assert.Contains(t, el.Calls, "click")
	assert.Equal(t, StateDone, r.State())
}

func TestRunFailsWhenLocatorExhaustedAndHealingDisabled(t *testing.T) {
	ctrl := browser.NewFakeController() // no xpaths registered: every lookup misses

	bs := traversal.BrainState{ID: "brain_state_1", NextGoal: "click go"}
	recorded := newRecording(t, []action.ExtendedAction{
		{
			BrainStateID: bs.ID,
			Action:       action.Model{Kind: action.KindClickElementByIndex, Params: map[string]any{"index": 0}},
			DOMElementData: &action.DOMElementData{
				TagName: "button",
				XPath:   "//button[@id='go']",
			},
		},
	}, []traversal.BrainState{bs})

	out := newOutStore(t)
	r := New(ctrl, nil, nil, Config{EnableHealing: false}, nil)

	outcome, err := r.Run(context.Background(), recorded, out)
	require.Error(t, err)
	assert.Equal(t, traversal.StatusFailed, outcome.Status)
	assert.False(t, outcome.HealingHappened)
}

// TestRunHealsAndResumesAtNextAction exercises testable property 8: once a
// healing sub-run succeeds, replay continues at the action immediately
// following the one that failed, and the output traversal records both the
// healing sub-actions and the continuation.
func TestRunHealsAndResumesAtNextAction(t *testing.T) {
	ctrl := browser.NewFakeController() // locators all miss, forcing healing
	ctrl.Elements[0] = browser.NewFakeElement()
	ctrl.Summaries = []browser.StateSummary{{URL: "https://example.com/form"}}

	bs1 := traversal.BrainState{ID: "brain_state_1", NextGoal: "click the moved button"}
	bs2 := traversal.BrainState{ID: "brain_state_2", NextGoal: "finish"}
	recorded := newRecording(t, []action.ExtendedAction{
		{
			BrainStateID: bs1.ID,
			Action:       action.Model{Kind: action.KindClickElementByIndex, Params: map[string]any{"index": 0}},
			DOMElementData: &action.DOMElementData{
				TagName: "button",
				XPath:   "//button[@id='moved']",
			},
		},
		{
			BrainStateID: bs2.ID,
			Action:       action.Model{Kind: action.KindDone, Params: map[string]any{"success": true}},
		},
	}, []traversal.BrainState{bs1, bs2})

	healingProvider := llm.NewFakeProvider([]llm.DecideResult{
		{
			CurrentState: traversal.BrainState{EvaluationPreviousGoal: "recovering", Memory: "clicked via index 0", NextGoal: "done"},
			Actions:      []action.Model{{Kind: action.KindDone, Params: map[string]any{"success": true}}},
		},
	})

	out := newOutStore(t)
	r := New(ctrl, healingProvider, nil, Config{EnableHealing: true}, nil)

	outcome, err := r.Run(context.Background(), recorded, out)
	require.NoError(t, err)
	assert.Equal(t, traversal.StatusSuccess, outcome.Status)
	assert.True(t, outcome.HealingHappened)

	persisted, err := traversal.Load(out.Path())
	require.NoError(t, err)
	// One healing sub-action plus the original continuation action (the
	// recorded `done` that followed the one that failed).
	require.Len(t, persisted.Actions.Keys(), 2)
}

func TestRunFailsUnrecoverableWhenHealingSubRunCannotRecover(t *testing.T) {
	ctrl := browser.NewFakeController()
	ctrl.Summaries = []browser.StateSummary{{URL: "https://example.com/form"}}

	bs := traversal.BrainState{ID: "brain_state_1", NextGoal: "click the moved button"}
	recorded := newRecording(t, []action.ExtendedAction{
		{
			BrainStateID: bs.ID,
			Action:       action.Model{Kind: action.KindClickElementByIndex, Params: map[string]any{"index": 0}},
			DOMElementData: &action.DOMElementData{
				TagName: "button",
				XPath:   "//button[@id='moved']",
			},
		},
	}, []traversal.BrainState{bs})

	failingProvider := llm.NewFakeProvider(nil) // empty script: every CompleteStructured call fails
	out := newOutStore(t)
	r := New(ctrl, failingProvider, nil, Config{EnableHealing: true}, nil)

	outcome, err := r.Run(context.Background(), recorded, out)
	require.Error(t, err)
	assert.Equal(t, traversal.StatusFailed, outcome.Status)
	assert.True(t, outcome.HealingHappened)
}

func TestRunRequiresProviderWhenHealingEnabled(t *testing.T) {
	ctrl := browser.NewFakeController()

	bs := traversal.BrainState{ID: "brain_state_1", NextGoal: "click"}
	recorded := newRecording(t, []action.ExtendedAction{
		{
			BrainStateID:   bs.ID,
			Action:         action.Model{Kind: action.KindClickElementByIndex, Params: map[string]any{"index": 0}},
			DOMElementData: &action.DOMElementData{TagName: "button", XPath: "//button[@id='gone']"},
		},
	}, []traversal.BrainState{bs})

	out := newOutStore(t)
	r := New(ctrl, nil, nil, Config{EnableHealing: true}, nil)

	_, err := r.Run(context.Background(), recorded, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration_error")
}

// TestRunRecordsReplayOutcomeInHistoryStore covers the C5<->C7 wiring: a
// successful replay appends a ReplayRun, tagged with the original
// traversal's id and the derived healing outcome, without affecting the
// replay's own outcome.
func TestRunRecordsReplayOutcomeInHistoryStore(t *testing.T) {
	ctrl := browser.NewFakeController()
	el := browser.NewFakeElement()
	ctrl.ByXPath()["//button[@id='go']"] = el

	bs := traversal.BrainState{ID: "brain_state_1", NextGoal: "click go"}
	recorded := newRecording(t, []action.ExtendedAction{
		{
			BrainStateID: bs.ID,
			Action:       action.Model{Kind: action.KindClickElementByIndex, Params: map[string]any{"index": 0}},
			DOMElementData: &action.DOMElementData{
				TagName: "button",
				XPath:   "//button[@id='go']",
			},
		},
		{
			BrainStateID: bs.ID,
			Action:       action.Model{Kind: action.KindDone, Params: map[string]any{"success": true}},
		},
	}, []traversal.BrainState{bs})

	out := newOutStore(t)
	hist, err := history.Open(t.TempDir(), "task-a")
	require.NoError(t, err)

	r := New(ctrl, nil, nil, Config{}, nil, WithHistory(hist, "original-traversal-1"))
	outcome, err := r.Run(context.Background(), recorded, out)
	require.NoError(t, err)
	assert.Equal(t, traversal.StatusSuccess, outcome.Status)

	summary := hist.Summary()
	assert.Equal(t, 1, summary.ReplayCount)
	assert.Equal(t, 1, summary.SuccessCount)
}
