package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html><body>
<div>
  <button id="submit-btn" class="btn primary" name="submit">Save changes</button>
  <input placeholder="Enter email" class="field" />
  <span>dup</span>
  <span>dup</span>
</div>
</body></html>`

func TestCandidatesPrefersIDFirst(t *testing.T) {
	cands := Candidates("/html/body/div/button[1]", samplePage)
	require.NotEmpty(t, cands)
	assert.Contains(t, cands[0], "@id='submit-btn'")
}

func TestCandidatesFallBackWhenNoID(t *testing.T) {
	cands := Candidates("/html/body/div/input[1]", samplePage)
	require.NotEmpty(t, cands)
	assert.Contains(t, cands[0], "@placeholder='Enter email'")
}

func TestCandidatesSkipsNonUniqueText(t *testing.T) {
	cands := Candidates("/html/body/div/span[1]", samplePage)
	for _, c := range cands {
		assert.NotContains(t, c, "normalize-space()='dup'")
	}
}

func TestCandidatesEmptyOnUnresolvablePath(t *testing.T) {
	cands := Candidates("/html/body/div/section[9]", samplePage)
	assert.Empty(t, cands)
}

func TestCandidatesEmptyOnMalformedHTML(t *testing.T) {
	cands := Candidates("/html/body/div/button[1]", "")
	assert.Empty(t, cands)
}
