package navigation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugninja-ai/bugninja/pkg/action"
	"github.com/bugninja-ai/bugninja/pkg/browser"
	"github.com/bugninja-ai/bugninja/pkg/config"
	"github.com/bugninja-ai/bugninja/pkg/llm"
	"github.com/bugninja-ai/bugninja/pkg/traversal"
)

func newTestStore(t *testing.T) *traversal.Traversal {
	t.Helper()
	tr, err := traversal.Start(t.TempDir(), traversal.Meta{TestCase: "read username"})
	require.NoError(t, err)
	return tr
}

func TestRunSimpleNavigationAndExtract(t *testing.T) {
	controller := browser.NewFakeController()
	controller.Summaries = []browser.StateSummary{
		{URL: "about:blank", Title: "blank"},
	}

	provider := llm.NewFakeProvider([]llm.DecideResult{
		{
			CurrentState: traversal.BrainState{ID: "ignored", NextGoal: "open the profile page"},
			Actions: []action.Model{
				{Kind: action.KindGoToURL, Params: map[string]any{"url": "https://example.org/profile"}},
				{Kind: action.KindExtractContent},
				{Kind: action.KindDone, Params: map[string]any{"success": true, "extracted_data": map[string]any{"USERNAME": "jdoe"}}},
			},
		},
	})

	store := newTestStore(t)
	spec := config.TaskSpec{MaxSteps: 5}
	spec.SetDefaults()

	loop := New(controller, provider, store, spec, nil)
	outcome, err := loop.Run(context.Background(), "open profile and extract username", nil)

	require.NoError(t, err)
	assert.Equal(t, traversal.StatusSuccess, outcome.Status)
	assert.Equal(t, "jdoe", outcome.ExtractedData["USERNAME"])
	assert.Equal(t, []string{"https://example.org/profile"}, controller.Visited)
}

func TestRunTerminatesOnBudgetExhaustion(t *testing.T) {
	controller := browser.NewFakeController()
	controller.Summaries = []browser.StateSummary{{URL: "about:blank"}}

	provider := llm.NewFakeProvider([]llm.DecideResult{
		{Actions: []action.Model{{Kind: action.KindWait, Params: map[string]any{"seconds": 0.0}}}},
		{Actions: []action.Model{{Kind: action.KindWait, Params: map[string]any{"seconds": 0.0}}}},
	})

	store := newTestStore(t)
	spec := config.TaskSpec{MaxSteps: 2}
	spec.SetDefaults()

	loop := New(controller, provider, store, spec, nil)
	outcome, err := loop.Run(context.Background(), "loop forever", nil)

	assert.Error(t, err)
	assert.Equal(t, traversal.StatusFailed, outcome.Status)
}

func TestRunSealsCancelledWhenCtxCancelledBetweenActions(t *testing.T) {
	controller := browser.NewFakeController()
	controller.Summaries = []browser.StateSummary{{URL: "about:blank"}}

	provider := llm.NewFakeProvider([]llm.DecideResult{
		{Actions: []action.Model{{Kind: action.KindWait, Params: map[string]any{"seconds": 5.0}}}},
	})

	store := newTestStore(t)
	spec := config.TaskSpec{MaxSteps: 3}
	spec.SetDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	loop := New(controller, provider, store, spec, nil)
	outcome, err := loop.Run(ctx, "wait forever", nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, traversal.StatusCancelled, outcome.Status)
	assert.Equal(t, traversal.StatusCancelled, store.Status())
}

func TestGetDropdownOptionsSurfacesOptionsToNextDecideStep(t *testing.T) {
	controller := browser.NewFakeController()
	controller.Summaries = []browser.StateSummary{
		{URL: "about:blank", SelectorMap: map[int]browser.DOMNode{0: {TagName: "select"}}},
	}
	el := browser.NewFakeElement()
	el.DropdownOptions = []string{"Red", "Green", "Blue"}
	controller.Elements[0] = el

	provider := llm.NewFakeProvider([]llm.DecideResult{
		{Actions: []action.Model{{Kind: action.KindGetDropdownOptions, Params: map[string]any{"index": 0}}}},
		{Actions: []action.Model{{Kind: action.KindDone, Params: map[string]any{"success": true}}}},
	})

	store := newTestStore(t)
	spec := config.TaskSpec{MaxSteps: 3}
	spec.SetDefaults()

	loop := New(controller, provider, store, spec, nil)
	outcome, err := loop.Run(context.Background(), "pick a color", nil)

	require.NoError(t, err)
	assert.Equal(t, traversal.StatusSuccess, outcome.Status)
	assert.Contains(t, el.Calls, "options")

	require.Len(t, provider.Received, 2)
	var sawOptions bool
	for _, msg := range provider.Received[1] {
		if strings.Contains(msg.Content, "Red, Green, Blue") {
			sawOptions = true
		}
	}
	assert.True(t, sawOptions, "second decide call should see the dropdown options surfaced from the first step")
}

func TestRunRetriesOnUnparseableDecideResponse(t *testing.T) {
	controller := browser.NewFakeController()
	controller.Summaries = []browser.StateSummary{{URL: "about:blank"}}

	provider := llm.NewFakeProvider([]llm.DecideResult{
		{}, // consumed by the simulated parse failure at call 0
		{Actions: []action.Model{{Kind: action.KindDone, Params: map[string]any{"success": true}}}},
	})
	provider.ParseFailures = map[int]bool{0: true}

	store := newTestStore(t)
	spec := config.TaskSpec{MaxSteps: 3}
	spec.SetDefaults()

	loop := New(controller, provider, store, spec, nil)
	outcome, err := loop.Run(context.Background(), "retry then succeed", nil)
	require.NoError(t, err)
	assert.Equal(t, traversal.StatusSuccess, outcome.Status)
}
