// Package traversal implements the Traversal Store (C3): the in-memory
// and on-disk representation of one navigation run, with incremental
// atomic writes and a best-effort observer feed.
package traversal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bugninja-ai/bugninja/pkg/action"
	"github.com/bugninja-ai/bugninja/pkg/config"
	"github.com/bugninja-ai/bugninja/pkg/errs"
)

// Status is a Traversal's terminal or in-progress state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// BrainState is the LLM's situational snapshot at one step (§3).
type BrainState struct {
	ID                     string `json:"id"`
	EvaluationPreviousGoal string `json:"evaluation_previous_goal"`
	Memory                 string `json:"memory"`
	NextGoal               string `json:"next_goal"`
}

// Meta is the information a run supplies at Start.
type Meta struct {
	TestCase          string
	ExtraInstructions []string
	BrowserConfig     config.BrowserConfig
	Secrets           config.Secrets
	IOSchema          config.IOSchema
}

// Event is pushed to observers on every mutation, for incremental readers
// (platform UI polling). Delivery is best-effort.
type Event struct {
	Kind      string // "brain_state" | "action" | "extracted" | "sealed"
	Timestamp time.Time
}

// persisted is the exact on-disk/JSON shape (§6): test_case,
// extra_instructions, browser_config, secrets (redacted), brain_states,
// actions, extracted_data, plus io_schema and status for resumability.
type persisted struct {
	TestCase          string                                  `json:"test_case"`
	ExtraInstructions []string                                `json:"extra_instructions"`
	BrowserConfig     config.BrowserConfig                    `json:"browser_config"`
	Secrets           map[string]string                       `json:"secrets"`
	BrainStates       *OrderedMap[BrainState]                 `json:"brain_states"`
	Actions           *OrderedMap[action.ExtendedAction]      `json:"actions"`
	ExtractedData     map[string]string                       `json:"extracted_data"`
	IOSchema          config.IOSchema                         `json:"io_schema,omitempty"`
	Status            Status                                  `json:"status"`
	RunID             string                                  `json:"run_id"`
}

// Traversal is a single run's store: mutated only by its owning run
// (single writer, §5), appended to, never rewritten except for
// extracted_data (last-write) until sealed.
type Traversal struct {
	mu sync.Mutex

	runID             string
	testCase          string
	extraInstructions []string
	browserConfig     config.BrowserConfig
	secrets           config.Secrets
	brainStates       *OrderedMap[BrainState]
	actions           *OrderedMap[action.ExtendedAction]
	extractedData     map[string]string
	ioSchema          config.IOSchema
	status            Status

	dir             string
	path            string
	screenshotDir   string
	nextActionIndex int

	observers []chan Event
}

// Start creates a new empty Traversal under dir and durably writes its
// initial (empty) state, establishing the run-id and file name.
func Start(dir string, meta Meta) (*Traversal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindTaskExecution, "create traversal directory", err)
	}
	runID := uuid.NewString()
	now := time.Now().UTC()
	fileName := fmt.Sprintf("traverse_%s_%s.json", now.Format("20060102_150405"), runID)

	t := &Traversal{
		runID:             runID,
		testCase:          meta.TestCase,
		extraInstructions: meta.ExtraInstructions,
		browserConfig:     meta.BrowserConfig,
		secrets:           meta.Secrets,
		brainStates:       NewOrderedMap[BrainState](),
		actions:           NewOrderedMap[action.ExtendedAction](),
		extractedData:     map[string]string{},
		ioSchema:          meta.IOSchema,
		status:            StatusRunning,
		dir:               dir,
		path:              filepath.Join(dir, fileName),
		screenshotDir:     filepath.Join(dir, runID),
	}
	if err := os.MkdirAll(t.screenshotDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindTaskExecution, "create screenshot directory", err)
	}
	if err := t.persist(); err != nil {
		return nil, err
	}
	return t, nil
}

// RunID returns the collision-free identifier generated at Start.
func (t *Traversal) RunID() string { return t.runID }

// Path returns the traversal file's current on-disk path.
func (t *Traversal) Path() string { return t.path }

// ScreenshotPath returns where a screenshot for the given action index and
// kind should be written — alongside the traversal file, in a
// subdirectory named after the run id (§4.3).
func (t *Traversal) ScreenshotPath(actionIndex int, kind action.Kind) string {
	return filepath.Join(t.screenshotDir, fmt.Sprintf("action_%d_%s.png", actionIndex, kind))
}

// AppendBrainState records bs, provided it is observed before any action
// that references it (invariant 1 is enforced by caller ordering: the
// Navigation Loop always calls AppendBrainState before AppendAction for
// the same step).
func (t *Traversal) AppendBrainState(bs BrainState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return errs.New(errs.KindTaskExecution, "cannot append brain state: traversal already sealed")
	}
	t.brainStates.Set(bs.ID, bs)
	if err := t.persistLocked(); err != nil {
		return err
	}
	t.notify(Event{Kind: "brain_state", Timestamp: time.Now()})
	return nil
}

// AppendAction records ea under the next sequential action key
// (action_1, action_2, …) and returns that key. ea.BrainStateID must
// already exist in brainStates (invariant 1).
func (t *Traversal) AppendAction(ea action.ExtendedAction) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return "", errs.New(errs.KindTaskExecution, "cannot append action: traversal already sealed")
	}
	if _, ok := t.brainStates.Get(ea.BrainStateID); !ok {
		return "", errs.New(errs.KindTaskExecution, fmt.Sprintf("action references unknown brain_state_id %q", ea.BrainStateID))
	}
	if action.IsSelectorOriented(ea.Action.Kind) && ea.DOMElementData == nil {
		// degraded enrichment is allowed (§4.2); nothing to reject here,
		// invariant 2 is about presence for *successfully enriched*
		// selector actions, not a hard precondition on append.
	}
	t.nextActionIndex++
	key := fmt.Sprintf("action_%d", t.nextActionIndex)
	t.actions.Set(key, ea)
	if err := t.persistLocked(); err != nil {
		return "", err
	}
	t.notify(Event{Kind: "action", Timestamp: time.Now()})
	return key, nil
}

// SetExtracted overwrites extracted_data (last-write semantics).
func (t *Traversal) SetExtracted(data map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return errs.New(errs.KindTaskExecution, "cannot set extracted data: traversal already sealed")
	}
	t.extractedData = data
	if err := t.persistLocked(); err != nil {
		return err
	}
	t.notify(Event{Kind: "extracted", Timestamp: time.Now()})
	return nil
}

// Seal marks the traversal terminal (success, failed, or cancelled) and
// makes it subsequently read-only (§3 Lifecycle).
func (t *Traversal) Seal(status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status == StatusRunning {
		return errs.New(errs.KindValidation, "cannot seal traversal into running status")
	}
	t.status = status
	if err := t.persistLocked(); err != nil {
		return err
	}
	t.notify(Event{Kind: "sealed", Timestamp: time.Now()})
	return nil
}

// Status returns the current lifecycle status.
func (t *Traversal) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Observe registers a best-effort observer channel: if the channel's
// buffer is full when an event is published, that event is dropped for
// that observer rather than blocking the run (Design Notes §9).
func (t *Traversal) Observe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	t.mu.Lock()
	t.observers = append(t.observers, ch)
	t.mu.Unlock()
	return ch
}

func (t *Traversal) notify(ev Event) {
	for _, ch := range t.observers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// persist acquires the lock and writes the current state durably.
func (t *Traversal) persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persistLocked()
}

// persistLocked serializes the full current traversal to a temp file and
// renames it over the final path — the rename is the commit point (§4.3).
// Callers must hold t.mu.
func (t *Traversal) persistLocked() error {
	p := persisted{
		TestCase:          t.testCase,
		ExtraInstructions: t.extraInstructions,
		BrowserConfig:     t.browserConfig,
		Secrets:           t.secrets.Redacted(),
		BrainStates:       t.brainStates,
		Actions:           t.actions,
		ExtractedData:     t.extractedData,
		IOSchema:          t.ioSchema,
		Status:            t.status,
		RunID:             t.runID,
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindTaskExecution, "marshal traversal", err)
	}

	tmp, err := os.CreateTemp(t.dir, "traverse_*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindTaskExecution, "create temp traversal file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindTaskExecution, "write temp traversal file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindTaskExecution, "close temp traversal file", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindTaskExecution, "commit traversal file", err)
	}
	return nil
}

// Load reads a traversal file back from disk, for Replay (C5). Partial
// writes on filesystems without atomic rename may surface as a JSON parse
// error; callers should treat that as "run in progress" and retry (§3
// invariant 4).
func Load(path string) (*persisted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindSessionReplay, "read traversal file", err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errs.Wrap(errs.KindSessionReplay, "parse traversal file (may be in progress)", err)
	}
	return &p, nil
}
