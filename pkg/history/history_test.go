package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesEmptyHistoryWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "task-1")
	require.NoError(t, err)
	assert.Equal(t, Summary{}, s.Summary())
	assert.FileExists(t, s.Path())
}

func TestAppendAINavigatedRunRecomputesSummary(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "task-1")
	require.NoError(t, err)

	require.NoError(t, s.AppendAINavigatedRun(AINavigatedRun{
		RunID: "run-1", Status: StateCompleted, Timestamp: time.Now(), TraversalPath: "traverse_a.json",
	}))
	require.NoError(t, s.AppendAINavigatedRun(AINavigatedRun{
		RunID: "run-2", Status: StateFailed, Timestamp: time.Now(), TraversalPath: "traverse_b.json", ErrorMessage: "browser_error: timed out",
	}))

	summary := s.Summary()
	assert.Equal(t, 2, summary.TotalRuns)
	assert.Equal(t, 2, summary.AINavigatedCount)
	assert.Equal(t, 0, summary.ReplayCount)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailedCount)
}

func TestAppendReplayRunDerivesHealingOutcome(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "task-1")
	require.NoError(t, err)

	require.NoError(t, s.AppendReplayRun(ReplayRun{
		AINavigatedRun:       AINavigatedRun{RunID: "replay-1", Status: StateCompleted, Timestamp: time.Now(), TraversalPath: "out.json"},
		OriginalTraversalID: "orig-1",
		HealingEnabled:       true,
		HealingHappened:      true,
	}))
	require.NoError(t, s.AppendReplayRun(ReplayRun{
		AINavigatedRun:       AINavigatedRun{RunID: "replay-2", Status: StateFailed, Timestamp: time.Now(), TraversalPath: "out2.json"},
		OriginalTraversalID: "orig-1",
		HealingEnabled:       true,
		HealingHappened:      true,
	}))
	require.NoError(t, s.AppendReplayRun(ReplayRun{
		AINavigatedRun:       AINavigatedRun{RunID: "replay-3", Status: StateCompleted, Timestamp: time.Now(), TraversalPath: "out3.json"},
		OriginalTraversalID: "orig-1",
		HealingEnabled:       false,
		HealingHappened:      false,
	}))

	summary := s.Summary()
	assert.Equal(t, 3, summary.ReplayCount)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, 1, summary.HealedCount)
	assert.Equal(t, 1, summary.HealingFailedCount)
}

func TestOpenSurfacesCorruptedFileRatherThanReset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history_task-1.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	_, err := Open(dir, "task-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted")

	// The corrupted file must still be there — Open never resets it.
	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "{not valid json", string(data))
}

func TestOpenReloadsPreviouslyPersistedRuns(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "task-1")
	require.NoError(t, err)
	require.NoError(t, s.AppendAINavigatedRun(AINavigatedRun{RunID: "run-1", Status: StateCompleted, Timestamp: time.Now()}))

	reopened, err := Open(dir, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Summary().TotalRuns)
}

func TestDeriveHealingOutcome(t *testing.T) {
	assert.Equal(t, HealingNone, DeriveHealingOutcome(false, false, true))
	assert.Equal(t, HealingNone, DeriveHealingOutcome(true, false, true))
	assert.Equal(t, HealingHealed, DeriveHealingOutcome(true, true, true))
	assert.Equal(t, HealingFailed, DeriveHealingOutcome(true, true, false))
}

func TestStateTerminalAndPending(t *testing.T) {
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())
	assert.False(t, StateWorking.IsTerminal())
	assert.True(t, StateSubmitted.IsPending())
	assert.True(t, StateWorking.IsPending())
	assert.False(t, StateCompleted.IsPending())
}
