package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugninja-ai/bugninja/pkg/action"
	"github.com/bugninja-ai/bugninja/pkg/traversal"
)

func TestFakeProviderPlaysBackScript(t *testing.T) {
	script := []DecideResult{
		{CurrentState: traversal.BrainState{ID: "bs_1", NextGoal: "open page"}, Actions: []action.Model{{Kind: action.KindGoToURL}}},
	}
	p := NewFakeProvider(script)
	result, err := p.CompleteStructured(context.Background(), "sys", nil)
	require.NoError(t, err)
	assert.Equal(t, "bs_1", result.CurrentState.ID)
}

func TestFakeProviderSimulatesParseFailure(t *testing.T) {
	p := NewFakeProvider([]DecideResult{{}})
	p.ParseFailures = map[int]bool{0: true}
	_, err := p.CompleteStructured(context.Background(), "sys", nil)
	assert.Error(t, err)
}

func TestEstimateTokensIsPositiveForNonEmptyText(t *testing.T) {
	assert.Greater(t, EstimateTokens("hello world, this is a prompt"), 0)
}

func TestTrimToBudgetDropsOldestFirst(t *testing.T) {
	memory := []string{"first note", "second note", "third note"}
	trimmed := TrimToBudget(memory, 4)
	require.NotEmpty(t, trimmed)
	assert.Equal(t, "third note", trimmed[len(trimmed)-1])
}

func TestDecideResponseSchemaProducesValidJSON(t *testing.T) {
	data, err := DecideResponseSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), "current_state")
}
