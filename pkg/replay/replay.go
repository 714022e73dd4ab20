// Package replay implements the Replay + Healing state machine (C5): drive
// a browser deterministically through a previously recorded traversal,
// falling back through a locator strategy chain when a recorded element
// can no longer be found, and handing off to a fresh Navigation Loop
// sub-run (C4) to heal past a broken step when enabled.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bugninja-ai/bugninja/pkg/action"
	"github.com/bugninja-ai/bugninja/pkg/browser"
	"github.com/bugninja-ai/bugninja/pkg/config"
	"github.com/bugninja-ai/bugninja/pkg/errs"
	"github.com/bugninja-ai/bugninja/pkg/history"
	"github.com/bugninja-ai/bugninja/pkg/llm"
	"github.com/bugninja-ai/bugninja/pkg/navigation"
	"github.com/bugninja-ai/bugninja/pkg/observability"
	"github.com/bugninja-ai/bugninja/pkg/traversal"
)

// State is one node of the replay state machine (§4.5): Idle before the
// first action, Replaying while deterministically re-executing recorded
// actions, Healing when a locator has exhausted its fallback chain and a
// Navigation Loop sub-run has been handed the wheel, and one of the two
// terminal states.
type State string

const (
	StateIdle      State = "idle"
	StateReplaying State = "replaying"
	StateHealing   State = "healing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// healingStepBudget bounds how many steps a healing sub-run is allowed —
// small, because a healing hand-off is meant to recover from one broken
// action, not perform the rest of the task from scratch.
const healingStepBudget = 8

// Continuer gates progress between actions/steps when a replay run is
// configured to pause. TerminalContinuer (see NewTerminalContinuer) blocks
// on stdin only when it is a terminal; AutoContinuer proceeds without
// pausing, and is what New uses when given a nil Continuer.
type Continuer interface {
	Continue(ctx context.Context) error
}

// AutoContinuer never pauses — the default for non-interactive hosts.
type AutoContinuer struct{}

func (AutoContinuer) Continue(ctx context.Context) error { return nil }

// Config carries the replay-specific knobs from a TaskSpec (§5): the pause
// between actions, whether to additionally block on an external continue
// signal after each step, and whether locator exhaustion may trigger a
// healing hand-off at all.
type Config struct {
	PauseBetweenActions time.Duration
	PauseAfterEachStep  bool
	EnableHealing       bool
}

// FromTaskSpec derives a replay Config from the task settings a recording
// was made with.
func FromTaskSpec(spec config.TaskSpec) Config {
	return Config{
		PauseBetweenActions: spec.PauseBetweenAction,
		PauseAfterEachStep:  spec.PauseAfterStep,
		EnableHealing:       spec.EnableHealing,
	}
}

// Outcome is the result of a Run.
type Outcome struct {
	Status          traversal.Status
	HealingHappened bool
	ExtractedData   map[string]string
}

// Replayer drives one replay run against a loaded traversal.
type Replayer struct {
	controller browser.Controller
	provider   llm.Provider // used only when healing
	continuer  Continuer
	cfg        Config
	log        *slog.Logger

	state         State
	activeSecrets config.Secrets

	history             *history.Store
	originalTraversalID string
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithHistory records this run's outcome as a ReplayRun in store once Run
// completes, tagged with the id of the traversal being replayed. Omitted
// by default — history recording is optional and never masks a replay's
// own outcome.
func WithHistory(store *history.Store, originalTraversalID string) Option {
	return func(r *Replayer) {
		r.history = store
		r.originalTraversalID = originalTraversalID
	}
}

// New constructs a Replayer. provider may be nil when cfg.EnableHealing is
// false — Replay returns a configuration_error if healing is required but
// no provider was supplied.
func New(controller browser.Controller, provider llm.Provider, continuer Continuer, cfg Config, log *slog.Logger, opts ...Option) *Replayer {
	if continuer == nil {
		continuer = AutoContinuer{}
	}
	r := &Replayer{controller: controller, provider: provider, continuer: continuer, cfg: cfg, log: log, state: StateIdle}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the replayer's current state machine node.
func (r *Replayer) State() State { return r.state }

// RecordedTraversal is the subset of a loaded traversal's fields Replay
// needs, built from the value traversal.Load returns. Secrets is supplied
// separately by the caller (see LoadRecorded) since a persisted traversal
// file only ever carries redacted placeholder values (§6) — a replay run
// needs the real values to substitute at execution time, the same way a
// first run does.
type RecordedTraversal struct {
	TestCase          string
	ExtraInstructions []string
	BrowserConfig     config.BrowserConfig
	Secrets           config.Secrets
	IOSchema          config.IOSchema
	BrainStates       *traversal.OrderedMap[traversal.BrainState]
	Actions           *traversal.OrderedMap[action.ExtendedAction]
	ExtractedData     map[string]string
}

// LoadRecorded reads a sealed traversal file and pairs it with the live
// secret values it should be replayed with (looked up by the same logical
// names the recording used — the file itself never carries real values).
func LoadRecorded(path string, secrets config.Secrets) (RecordedTraversal, error) {
	p, err := traversal.Load(path)
	if err != nil {
		return RecordedTraversal{}, err
	}
	return RecordedTraversal{
		TestCase:          p.TestCase,
		ExtraInstructions: p.ExtraInstructions,
		BrowserConfig:     p.BrowserConfig,
		Secrets:           secrets,
		IOSchema:          p.IOSchema,
		BrainStates:       p.BrainStates,
		Actions:           p.Actions,
		ExtractedData:     p.ExtractedData,
	}, nil
}

// Run replays recorded, which must come from a sealed traversal (invariant
// 3 — only a terminal traversal may be replayed), against the live
// browser. It writes every re-executed (and, on healing, freshly
// generated) brain state and action into out, a fresh Traversal the caller
// has already Start()-ed with the same meta as the original recording.
func (r *Replayer) Run(ctx context.Context, recorded RecordedTraversal, out *traversal.Traversal) (Outcome, error) {
	tracer := observability.Tracer("replay")
	started := time.Now()
	r.state = StateReplaying
	r.activeSecrets = recorded.Secrets

	healingHappened := false
	keys := recorded.Actions.Keys()
	for i := 0; i < len(keys); i++ {
		select {
		case <-ctx.Done():
			_ = out.Seal(traversal.StatusCancelled)
			r.state = StateFailed
			outcome := Outcome{Status: traversal.StatusCancelled, HealingHappened: healingHappened}
			r.recordHistory(started, out, outcome, ctx.Err())
			return outcome, ctx.Err()
		default:
		}

		key := keys[i]
		ea, _ := recorded.Actions.Get(key)

		stepCtx, span := tracer.Start(ctx, "replay.action")
		span.SetAttributes(attribute.String("action_key", key), attribute.String("kind", string(ea.Action.Kind)))

		healedFromHere, err := r.replayOne(stepCtx, recorded, key, ea, out)
		span.End()
		if healedFromHere {
			healingHappened = true
		}
		if err != nil {
			_ = out.Seal(traversal.StatusFailed)
			r.state = StateFailed
			outcome := Outcome{Status: traversal.StatusFailed, HealingHappened: healingHappened}
			r.recordHistory(started, out, outcome, err)
			return outcome, err
		}

		if r.cfg.PauseBetweenActions > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.PauseBetweenActions):
			}
		}
		if r.cfg.PauseAfterEachStep {
			if err := r.continuer.Continue(ctx); err != nil {
				_ = out.Seal(traversal.StatusCancelled)
				r.state = StateFailed
				outcome := Outcome{Status: traversal.StatusCancelled, HealingHappened: healingHappened}
				r.recordHistory(started, out, outcome, err)
				return outcome, err
			}
		}
	}

	if err := out.SetExtracted(recorded.ExtractedData); err != nil {
		r.state = StateFailed
		outcome := Outcome{Status: traversal.StatusFailed, HealingHappened: healingHappened}
		r.recordHistory(started, out, outcome, err)
		return outcome, err
	}
	if err := out.Seal(traversal.StatusSuccess); err != nil {
		r.state = StateFailed
		outcome := Outcome{Status: traversal.StatusFailed, HealingHappened: healingHappened}
		r.recordHistory(started, out, outcome, err)
		return outcome, err
	}
	r.state = StateDone
	outcome := Outcome{Status: traversal.StatusSuccess, HealingHappened: healingHappened, ExtractedData: recorded.ExtractedData}
	r.recordHistory(started, out, outcome, nil)
	return outcome, nil
}

// recordHistory is best-effort: a failure to append never overrides the
// replay's own outcome, only a warning if a logger is configured.
func (r *Replayer) recordHistory(started time.Time, out *traversal.Traversal, outcome Outcome, runErr error) {
	if r.history == nil {
		return
	}
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	run := history.ReplayRun{
		AINavigatedRun: history.AINavigatedRun{
			RunID:         out.RunID(),
			Timestamp:     started,
			Status:        historyState(outcome.Status),
			TraversalPath: out.Path(),
			ExecutionTime: time.Since(started),
			ErrorMessage:  errMsg,
		},
		OriginalTraversalID: r.originalTraversalID,
		HealingEnabled:      r.cfg.EnableHealing,
		HealingHappened:     outcome.HealingHappened,
	}
	if err := r.history.AppendReplayRun(run); err != nil && r.log != nil {
		r.log.Warn("append replay run history failed", slog.String("error", err.Error()))
	}
}

func historyState(status traversal.Status) history.State {
	switch status {
	case traversal.StatusSuccess:
		return history.StateCompleted
	case traversal.StatusCancelled:
		return history.StateCancelled
	default:
		return history.StateFailed
	}
}

// replayOne re-executes one recorded action, locating its element through
// the §4.5 fallback chain when selector-oriented, healing past it when the
// chain is exhausted and healing is enabled. It returns whether healing
// was engaged for this action.
func (r *Replayer) replayOne(ctx context.Context, recorded RecordedTraversal, key string, ea action.ExtendedAction, out *traversal.Traversal) (bool, error) {
	if err := r.recordBrainState(ea.BrainStateID, recorded, out); err != nil {
		return false, err
	}

	if !action.IsSelectorOriented(ea.Action.Kind) {
		_, err := out.AppendAction(ea)
		if err != nil {
			return false, err
		}
		_, err = r.executeNonSelector(ctx, ea)
		return false, err
	}

	el, found, err := r.locate(ctx, ea.DOMElementData)
	if err != nil {
		return false, err
	}
	if found {
		if _, err := out.AppendAction(ea); err != nil {
			return false, err
		}
		return false, r.executeSelector(ctx, ea, el)
	}

	if !r.cfg.EnableHealing {
		return false, errs.New(errs.KindSessionReplay, fmt.Sprintf("locator exhausted for action %q and healing is disabled", ea.Action.Kind)).
			WithContext(errs.Context{TaskDescription: recorded.TestCase, ActionKey: key})
	}
	if r.provider == nil {
		return false, errs.New(errs.KindConfiguration, "healing requires an llm.Provider but none was configured")
	}

	if err := r.heal(ctx, recorded, ea, out); err != nil {
		return true, err
	}
	return true, nil
}

// recordBrainState copies ea's brain state into out, preserving invariant
// 1 (a brain state is observed before any action that references it) in
// replay's own traversal. AppendBrainState overwrites in place when the id
// repeats across actions of the same original step, so calling this once
// per action is safe.
func (r *Replayer) recordBrainState(id string, recorded RecordedTraversal, out *traversal.Traversal) error {
	bs, ok := recorded.BrainStates.Get(id)
	if !ok {
		return errs.New(errs.KindSessionReplay, fmt.Sprintf("recorded action references unknown brain_state_id %q", id))
	}
	return out.AppendBrainState(bs)
}

// locate resolves the element a recorded selector-oriented action targets,
// trying each §4.5 fallback strategy in order until one yields exactly one
// match: (a) the recorded absolute XPath, (b) each alternative relative
// XPath in recorded order, (c) an attribute-based reconstruction following
// the Selector Factory's own id>name>placeholder>class priority, and (d) a
// bounding-box proximity match when one was captured.
func (r *Replayer) locate(ctx context.Context, data *action.DOMElementData) (browser.Element, bool, error) {
	if data == nil {
		return nil, false, nil
	}

	if data.XPath != "" {
		if el, ok, err := r.controller.FindByXPath(ctx, data.XPath); err != nil {
			return nil, false, errs.Wrap(errs.KindBrowser, "locate: original xpath", err)
		} else if ok {
			return el, true, nil
		}
	}

	for _, alt := range data.AlternativeRelativeXPaths {
		el, ok, err := r.controller.FindByXPath(ctx, alt)
		if err != nil {
			return nil, false, errs.Wrap(errs.KindBrowser, "locate: alternative xpath", err)
		}
		if ok {
			return el, true, nil
		}
	}

	if xpath, ok := reconstructFromAttributes(data); ok {
		el, ok, err := r.controller.FindByXPath(ctx, xpath)
		if err != nil {
			return nil, false, errs.Wrap(errs.KindBrowser, "locate: attribute reconstruction", err)
		}
		if ok {
			return el, true, nil
		}
	}

	if data.BoundingBox != nil {
		el, ok, err := r.controller.FindNearBoundingBox(ctx, data.TagName, *data.BoundingBox)
		if err != nil {
			return nil, false, errs.Wrap(errs.KindBrowser, "locate: bounding box proximity", err)
		}
		if ok {
			return el, true, nil
		}
	}

	return nil, false, nil
}

// reconstructFromAttributes builds a fresh XPath from the recorded
// element's tag and attributes, in the same id > name > placeholder >
// class priority the Selector Factory (C1) uses when it first generates
// candidates, for when neither the original xpath nor any recorded
// alternative still resolves.
func reconstructFromAttributes(data *action.DOMElementData) (string, bool) {
	if data.TagName == "" {
		return "", false
	}
	for _, key := range []string{"id", "name", "placeholder"} {
		if v := data.Attributes[key]; v != "" {
			return fmt.Sprintf("//%s[@%s='%s']", data.TagName, key, v), true
		}
	}
	if class := data.Attributes["class"]; class != "" {
		return fmt.Sprintf("//%s[@class='%s']", data.TagName, class), true
	}
	return "", false
}

// heal hands off to a fresh Navigation Loop sub-run to recover past an
// action whose locator chain is exhausted (§4.5). The sub-run's generated
// brain states and actions are appended directly into out via the shared
// Navigation Loop, so replay's traversal records both the healing
// sub-actions and, once this call returns, the continuation (testable
// property 8). On success, replay resumes at the action immediately
// following the one that failed.
func (r *Replayer) heal(ctx context.Context, recorded RecordedTraversal, failed action.ExtendedAction, out *traversal.Traversal) error {
	r.state = StateHealing
	if r.log != nil {
		r.log.Warn("locator exhausted, starting healing sub-run", slog.String("kind", string(failed.Action.Kind)))
	}

	bs, _ := recorded.BrainStates.Get(failed.BrainStateID)
	goal := fmt.Sprintf("%s — recover and complete the action the recording could not locate: %s (%s)",
		recorded.TestCase, failed.Action.Kind, bs.NextGoal)

	spec := config.TaskSpec{
		Description:   goal,
		BrowserConfig: recorded.BrowserConfig,
		Secrets:       recorded.Secrets,
		MaxSteps:      healingStepBudget,
		StepTimeout:   30 * time.Second,
		ActionTimeout: 30 * time.Second,
	}
	spec.SetDefaults()

	idPrefix := fmt.Sprintf("brain_state_heal_%s", failed.BrainStateID)
	loop := navigation.NewSubTask(r.controller, r.provider, out, spec, r.log, idPrefix)
	healOutcome, err := loop.Run(ctx, goal, recorded.ExtraInstructions)
	if err != nil {
		return errs.Wrap(errs.KindSessionReplay, "healing sub-run failed", err)
	}
	if healOutcome.Status != traversal.StatusSuccess {
		return errs.New(errs.KindSessionReplay, "healing sub-run did not complete the recovered action")
	}

	r.state = StateReplaying
	return nil
}

func (r *Replayer) executeSelector(ctx context.Context, ea action.ExtendedAction, el browser.Element) error {
	switch ea.Action.Kind {
	case action.KindClickElementByIndex:
		return el.Click(ctx)
	case action.KindInputText:
		var params action.InputTextParams
		if err := ea.Action.Decode(&params); err != nil {
			return err
		}
		return el.Fill(ctx, r.substituteSecrets(params.Text))
	case action.KindGetDropdownOptions:
		_, err := el.Options(ctx)
		return err
	case action.KindSelectDropdownOption:
		var params action.SelectDropdownOptionParams
		if err := ea.Action.Decode(&params); err != nil {
			return err
		}
		return el.SelectOption(ctx, r.substituteSecrets(params.Value))
	case action.KindDragDrop:
		var params action.DragDropParams
		if err := ea.Action.Decode(&params); err != nil {
			return err
		}
		target, ok, err := r.controller.Element(ctx, params.TargetIndex)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New(errs.KindBrowser, fmt.Sprintf("drag_drop: target index %d not present on replay", params.TargetIndex))
		}
		return el.DragTo(ctx, target)
	default:
		return errs.New(errs.KindBrowser, fmt.Sprintf("unhandled selector-oriented kind %q on replay", ea.Action.Kind))
	}
}

func (r *Replayer) executeNonSelector(ctx context.Context, ea action.ExtendedAction) (*action.DoneParams, error) {
	switch ea.Action.Kind {
	case action.KindGoToURL:
		var params action.GoToURLParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		return nil, r.controller.Goto(ctx, params.URL)
	case action.KindOpenNewTab:
		var params action.GoToURLParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		return nil, r.controller.OpenNewTab(ctx, params.URL)
	case action.KindSwitchTab:
		var params action.SwitchTabParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		return nil, r.controller.SwitchTab(ctx, params.Index)
	case action.KindCloseTab:
		var params action.SwitchTabParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		return nil, r.controller.CloseTab(ctx, params.Index)
	case action.KindWait:
		var params action.WaitParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(params.Seconds * float64(time.Second))):
		}
		return nil, nil
	case action.KindScrollUp:
		return nil, r.controller.MouseWheel(ctx, 0, -400)
	case action.KindScrollDown:
		return nil, r.controller.MouseWheel(ctx, 0, 400)
	case action.KindPressKey:
		var params action.PressKeyParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		_, err := r.controller.Evaluate(ctx, fmt.Sprintf("/* press_key: %s */", params.Key))
		return nil, err
	case action.KindExtractContent:
		_, err := r.controller.Evaluate(ctx, "document.body.innerText")
		return nil, err
	case action.KindDone:
		var params action.DoneParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		return &params, nil
	default:
		return nil, errs.New(errs.KindBrowser, fmt.Sprintf("unhandled action kind %q on replay", ea.Action.Kind))
	}
}

// substituteSecrets replaces "{{NAME}}" placeholders with the matching
// secret's value, the same convention and boundary navigation.Loop uses
// (§4.4, testable property 6) — the only point a replay run introduces raw
// secret values.
func (r *Replayer) substituteSecrets(text string) string {
	if len(r.activeSecrets) == 0 {
		return text
	}
	out := text
	for name, value := range r.activeSecrets {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}
