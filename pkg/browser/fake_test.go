package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeControllerDumpDOMSummaryReturnsConfiguredSequence(t *testing.T) {
	c := NewFakeController()
	c.Summaries = []StateSummary{{URL: "a"}, {URL: "b"}}

	first, err := c.DumpDOMSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", first.URL)

	second, err := c.DumpDOMSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", second.URL)

	third, err := c.DumpDOMSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", third.URL, "repeats the last configured summary once exhausted")
}

func TestFakeControllerFindByXPath(t *testing.T) {
	c := NewFakeController()
	el := NewFakeElement()
	c.ByXPath()["//button[@id='go']"] = el

	found, ok, err := c.FindByXPath(context.Background(), "//button[@id='go']")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, el, found)

	_, ok, err = c.FindByXPath(context.Background(), "//button[@id='missing']")
	require.NoError(t, err)
	assert.False(t, ok)
}
