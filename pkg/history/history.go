// Package history implements Run-History & Metadata (C7): a per-task,
// append-only JSON log of AI-navigated and replay runs, with a recomputed
// summary and durable atomic writes.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bugninja-ai/bugninja/pkg/errs"
)

// State is the closed lifecycle vocabulary shared by pipeline node
// execution and run-history entries.
type State string

const (
	StateSubmitted State = "submitted"
	StateWorking   State = "working"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsPending reports whether the state is still awaiting completion.
func (s State) IsPending() bool {
	switch s {
	case StateSubmitted, StateWorking:
		return true
	}
	return false
}

// HealingOutcome folds a replay run's healing_enabled/healing_happened
// pair into a single tri-state for reporting, per the original
// implementation's HealingStatus (none/used/failed).
type HealingOutcome string

const (
	HealingNone   HealingOutcome = "none"
	HealingHealed HealingOutcome = "healed"
	HealingFailed HealingOutcome = "healing_failed"
)

// DeriveHealingOutcome computes the tri-state from the two booleans §4.7
// defines: healing_enabled (the replay ran with healing turned on) and
// healing_happened (a locator actually needed a healing sub-run), plus
// whether the run ultimately succeeded.
func DeriveHealingOutcome(enabled, happened, succeeded bool) HealingOutcome {
	if !enabled || !happened {
		return HealingNone
	}
	if succeeded {
		return HealingHealed
	}
	return HealingFailed
}

// AINavigatedRun is one completed AI-navigated run entry (§3 RunHistory).
type AINavigatedRun struct {
	RunID         string        `json:"run_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Status        State         `json:"status"`
	TraversalPath string        `json:"traversal_path"`
	ExecutionTime time.Duration `json:"execution_time"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

// ReplayRun is one completed replay run entry: everything an
// AINavigatedRun carries, plus the source traversal it replayed and its
// healing outcome.
type ReplayRun struct {
	AINavigatedRun
	OriginalTraversalID string         `json:"original_traversal_id"`
	HealingEnabled       bool           `json:"healing_enabled"`
	HealingHappened      bool           `json:"healing_happened"`
	HealingOutcome       HealingOutcome `json:"healing_outcome"`
}

// Summary is the set of derived counters recomputed on every append.
type Summary struct {
	TotalRuns          int `json:"total_runs"`
	AINavigatedCount   int `json:"ai_navigated_count"`
	ReplayCount        int `json:"replay_count"`
	SuccessCount       int `json:"success_count"`
	FailedCount        int `json:"failed_count"`
	HealedCount        int `json:"healed_count"`
	HealingFailedCount int `json:"healing_failed_count"`
}

// persisted is the exact on-disk JSON shape.
type persisted struct {
	TaskID          string           `json:"task_id"`
	AINavigatedRuns []AINavigatedRun `json:"ai_navigated_runs"`
	ReplayRuns      []ReplayRun      `json:"replay_runs"`
	Summary         Summary          `json:"summary"`
}

// Store is one task's run-history file: mutated only through Append*
// calls, which recompute Summary and persist atomically (temp + rename,
// the same commit pattern as the Traversal Store, C3).
type Store struct {
	mu   sync.Mutex
	path string
	data persisted

	metrics *Metrics
	index   *SQLiteIndex
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics registers run counters/histograms against m.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithIndex additionally writes each appended run into a secondary
// queryable SQLite index. The JSON file remains the source of truth;
// the index exists only so a host's "list/inspect" operation isn't a
// directory scan.
func WithIndex(idx *SQLiteIndex) Option {
	return func(s *Store) { s.index = idx }
}

// Open loads an existing history file for taskID under dir, or creates an
// empty one if none exists yet. A present-but-corrupted file is surfaced
// as an error, never silently reset (§4.7).
func Open(dir, taskID string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindTaskExecution, "create history directory", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("history_%s.json", taskID))

	s := &Store{path: path, data: persisted{TaskID: taskID}}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if writeErr := s.persistLocked(); writeErr != nil {
				return nil, writeErr
			}
			return s, nil
		}
		return nil, errs.Wrap(errs.KindTaskExecution, "read history file", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, errs.Wrap(errs.KindTaskExecution, "parse history file (corrupted, not reset)", err)
	}
	return s, nil
}

// Path returns the history file's on-disk location.
func (s *Store) Path() string { return s.path }

// Summary returns a copy of the current recomputed summary.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Summary
}

// AppendAINavigatedRun records one completed AI-navigated run.
func (s *Store) AppendAINavigatedRun(run AINavigatedRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.AINavigatedRuns = append(s.data.AINavigatedRuns, run)
	s.recomputeSummaryLocked()
	if err := s.persistLocked(); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.observeRun(run.Status, run.ExecutionTime, HealingNone)
	}
	if s.index != nil {
		if err := s.index.indexRun(s.data.TaskID, run.RunID, "ai_navigated", run.Status, run.Timestamp, HealingNone); err != nil {
			return errs.Wrap(errs.KindCleanup, "index ai-navigated run", err)
		}
	}
	return nil
}

// AppendReplayRun records one completed replay run, deriving its
// HealingOutcome if the caller left it zero-valued.
func (s *Store) AppendReplayRun(run ReplayRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.HealingOutcome == "" {
		run.HealingOutcome = DeriveHealingOutcome(run.HealingEnabled, run.HealingHappened, run.Status == StateCompleted)
	}
	s.data.ReplayRuns = append(s.data.ReplayRuns, run)
	s.recomputeSummaryLocked()
	if err := s.persistLocked(); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.observeRun(run.Status, run.ExecutionTime, run.HealingOutcome)
	}
	if s.index != nil {
		if err := s.index.indexRun(s.data.TaskID, run.RunID, "replay", run.Status, run.Timestamp, run.HealingOutcome); err != nil {
			return errs.Wrap(errs.KindCleanup, "index replay run", err)
		}
	}
	return nil
}

// recomputeSummaryLocked derives Summary from the full run arrays.
// Callers must hold s.mu.
func (s *Store) recomputeSummaryLocked() {
	summary := Summary{
		AINavigatedCount: len(s.data.AINavigatedRuns),
		ReplayCount:      len(s.data.ReplayRuns),
	}
	for _, run := range s.data.AINavigatedRuns {
		tallyStatus(&summary, run.Status)
	}
	for _, run := range s.data.ReplayRuns {
		tallyStatus(&summary, run.Status)
		switch run.HealingOutcome {
		case HealingHealed:
			summary.HealedCount++
		case HealingFailed:
			summary.HealingFailedCount++
		}
	}
	summary.TotalRuns = summary.AINavigatedCount + summary.ReplayCount
	s.data.Summary = summary
}

func tallyStatus(summary *Summary, status State) {
	switch status {
	case StateCompleted:
		summary.SuccessCount++
	case StateFailed, StateCancelled:
		summary.FailedCount++
	}
}

// persistLocked serializes the full history to a temp file and renames it
// over the final path. Callers must hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindTaskExecution, "marshal history", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "history_*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindTaskExecution, "create temp history file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindTaskExecution, "write temp history file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindTaskExecution, "close temp history file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindTaskExecution, "commit history file", err)
	}
	return nil
}
