package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteIndexRoundTripsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLiteIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, idx.indexRun("task-1", "run-1", "ai_navigated", StateCompleted, now, HealingNone))
	require.NoError(t, idx.indexRun("task-1", "run-2", "replay", StateFailed, now.Add(time.Minute), HealingFailed))
	require.NoError(t, idx.indexRun("task-2", "run-3", "ai_navigated", StateCompleted, now, HealingNone))

	runs, err := idx.ListRuns("task-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID) // most recent first
	assert.Equal(t, HealingFailed, runs[0].HealingOutcome)
	assert.Equal(t, "run-1", runs[1].RunID)
}

func TestStoreWithIndexKeepsIndexInSyncWithAppends(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenSQLiteIndex(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	defer idx.Close()

	s, err := Open(dir, "task-1", WithIndex(idx))
	require.NoError(t, err)
	require.NoError(t, s.AppendAINavigatedRun(AINavigatedRun{RunID: "run-1", Status: StateCompleted, Timestamp: time.Now()}))

	runs, err := idx.ListRuns("task-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
}
