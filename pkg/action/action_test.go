package action

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugninja-ai/bugninja/pkg/browser"
)

func TestModelRoundTripsJSON(t *testing.T) {
	m := Model{Kind: KindInputText, Params: map[string]any{"index": float64(3), "text": "hello"}}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded Model
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindInputText, decoded.Kind)

	var params InputTextParams
	require.NoError(t, decoded.Decode(&params))
	assert.Equal(t, 3, params.Index)
	assert.Equal(t, "hello", params.Text)
}

func TestUnmarshalRejectsUnknownKind(t *testing.T) {
	var m Model
	err := json.Unmarshal([]byte(`{"teleport_to_moon": {}}`), &m)
	assert.Error(t, err)
}

func TestUnmarshalRejectsMultiKey(t *testing.T) {
	var m Model
	err := json.Unmarshal([]byte(`{"wait": {}, "done": {}}`), &m)
	assert.Error(t, err)
}

const samplePage = `<html><body><div><button id="go-btn">Go</button></div></body></html>`

func TestEnrichPopulatesDOMDataForSelectorOriented(t *testing.T) {
	actions := []Model{{Kind: KindClickElementByIndex, Params: map[string]any{"index": 1}}}
	selectorMap := map[int]browser.DOMNode{
		1: {TagName: "button", Attributes: map[string]string{"id": "go-btn"}, XPath: "/html/body/div/button[1]"},
	}

	enriched := Enrich(actions, "bs_1", samplePage, selectorMap)
	require.Len(t, enriched, 1)
	require.NotNil(t, enriched[0].DOMElementData)
	assert.Equal(t, "button", enriched[0].DOMElementData.TagName)
	assert.Contains(t, enriched[0].DOMElementData.AlternativeRelativeXPaths[0], "go-btn")
}

func TestEnrichLeavesNonSelectorActionsBare(t *testing.T) {
	actions := []Model{{Kind: KindGoToURL, Params: map[string]any{"url": "https://example.org"}}}
	enriched := Enrich(actions, "bs_1", samplePage, nil)
	require.Len(t, enriched, 1)
	assert.Nil(t, enriched[0].DOMElementData)
}

func TestEnrichDegradesGracefullyOnMissingIndex(t *testing.T) {
	actions := []Model{{Kind: KindInputText, Params: map[string]any{"text": "no index here"}}}
	enriched := Enrich(actions, "bs_1", samplePage, map[int]browser.DOMNode{})
	require.Len(t, enriched, 1)
	assert.Nil(t, enriched[0].DOMElementData)
}

func TestEnrichDegradesGracefullyOnUnknownIndex(t *testing.T) {
	actions := []Model{{Kind: KindInputText, Params: map[string]any{"index": 42, "text": "x"}}}
	enriched := Enrich(actions, "bs_1", samplePage, map[int]browser.DOMNode{})
	require.Len(t, enriched, 1)
	assert.Nil(t, enriched[0].DOMElementData)
}
