// Package navigation implements the Navigation Loop (C4): drive a browser
// through perceive → decide (LLM) → enrich-record → execute, step by
// step, until a goal is reached or the step budget is exhausted.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bugninja-ai/bugninja/pkg/action"
	"github.com/bugninja-ai/bugninja/pkg/browser"
	"github.com/bugninja-ai/bugninja/pkg/config"
	"github.com/bugninja-ai/bugninja/pkg/errs"
	"github.com/bugninja-ai/bugninja/pkg/llm"
	"github.com/bugninja-ai/bugninja/pkg/observability"
	"github.com/bugninja-ai/bugninja/pkg/traversal"
)

// maxDecideRetries bounds the number of re-prompts attempted when a
// structured LLM response cannot be parsed into {current_state, action[]}
// before the step is treated as a failure (§4.4, §7).
const maxDecideRetries = 2

// Outcome is the result of a Run.
type Outcome struct {
	Status        traversal.Status
	ExtractedData map[string]string
	Steps         int
}

// Loop drives one navigation run.
type Loop struct {
	controller browser.Controller
	provider   llm.Provider
	store      *traversal.Traversal
	secrets    config.Secrets

	maxSteps      int
	stepTimeout   time.Duration
	actionTimeout time.Duration

	// sealOnFinish controls whether Run seals the store on completion.
	// False for a healing sub-run (see NewSubTask), since that store's
	// terminal lifecycle belongs to the Replay state machine that handed
	// off the sub-task, not to this Loop.
	sealOnFinish bool

	// brainStatePrefix namespaces generated brain_state ids. A top-level
	// run uses "brain_state"; a healing sub-task (NewSubTask) uses a
	// caller-supplied prefix so its ids can never collide with the brain
	// states a replay run has already copied into the same store.
	brainStatePrefix string

	log *slog.Logger
}

// New constructs a navigation Loop over an already-started Traversal.
func New(controller browser.Controller, provider llm.Provider, store *traversal.Traversal, spec config.TaskSpec, log *slog.Logger) *Loop {
	return &Loop{
		controller:       controller,
		provider:         provider,
		store:            store,
		secrets:          spec.Secrets,
		maxSteps:         spec.MaxSteps,
		stepTimeout:      spec.StepTimeout,
		actionTimeout:    spec.ActionTimeout,
		sealOnFinish:     true,
		brainStatePrefix: "brain_state",
		log:              log,
	}
}

// NewSubTask constructs a Navigation Loop for a healing hand-off (§4.5): it
// drives the same perceive/decide/enrich-record/execute protocol as a
// top-level run, appending into the caller's own store, but never seals
// that store — the Replay state machine owns its terminal lifecycle and
// resumes deterministic replay after a successful sub-task. idPrefix
// namespaces this sub-task's brain_state ids so they cannot collide with
// ids the caller already copied into the same store.
func NewSubTask(controller browser.Controller, provider llm.Provider, store *traversal.Traversal, spec config.TaskSpec, log *slog.Logger, idPrefix string) *Loop {
	l := New(controller, provider, store, spec, log)
	l.sealOnFinish = false
	l.brainStatePrefix = idPrefix
	return l
}

// Run executes the perceive/decide/enrich-record/execute protocol until
// the `done` action is emitted or the step budget is exhausted. Ordering
// within a run is strictly sequential (§4.4, §5): perceive, decide,
// enrich-record, execute never overlap.
func (l *Loop) Run(ctx context.Context, goal string, extraInstructions []string) (Outcome, error) {
	tracer := observability.Tracer("navigation")
	var memory []string

	for step := 1; step <= l.maxSteps; step++ {
		select {
		case <-ctx.Done():
			l.sealIfOwner(traversal.StatusCancelled)
			return Outcome{Status: traversal.StatusCancelled, Steps: step - 1}, ctx.Err()
		default:
		}

		stepCtx, span := tracer.Start(ctx, "navigation.step")
		span.SetAttributes(attribute.Int("step", step))

		outcome, done, err := l.runStep(stepCtx, step, goal, extraInstructions, memory)
		span.End()
		if err != nil {
			if isCancellation(err) {
				l.sealIfOwner(traversal.StatusCancelled)
				return Outcome{Status: traversal.StatusCancelled, Steps: step}, err
			}
			l.sealIfOwner(traversal.StatusFailed)
			return Outcome{Status: traversal.StatusFailed, Steps: step}, err
		}
		if outcome.CurrentState.Memory != "" {
			memory = append(memory, outcome.CurrentState.Memory)
		}
		if done != nil {
			if l.sealOnFinish {
				if err := l.store.SetExtracted(done.ExtractedData); err != nil {
					return Outcome{Status: traversal.StatusFailed, Steps: step}, err
				}
				if err := l.store.Seal(traversal.StatusSuccess); err != nil {
					return Outcome{Status: traversal.StatusFailed, Steps: step}, err
				}
			}
			return Outcome{Status: traversal.StatusSuccess, ExtractedData: done.ExtractedData, Steps: step}, nil
		}
	}

	budgetErr := errs.New(errs.KindTaskExecution, "budget_exhausted: max_steps reached without a done action").
		WithContext(errs.Context{TaskDescription: goal, StepNumber: l.maxSteps})
	l.sealIfOwner(traversal.StatusFailed)
	return Outcome{Status: traversal.StatusFailed, Steps: l.maxSteps}, budgetErr
}

// isCancellation reports whether err is (or wraps) a context cancellation
// or deadline error. A step can fail either because the browser/LLM/store
// returned a genuine error, or because ctx was cancelled (runStep's
// execute-loop checks between actions, and a `wait` action also returns
// early on cancellation) — the two must seal the traversal with different
// statuses (§4.4, §5).
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sealIfOwner seals the store unless this Loop is a healing sub-task,
// whose store lifecycle belongs to the caller that handed off the
// sub-task (see NewSubTask).
func (l *Loop) sealIfOwner(status traversal.Status) {
	if l.sealOnFinish {
		_ = l.store.Seal(status)
	}
}

// runStep executes one perceive/decide/enrich-record/execute cycle. It
// returns the decide-step result, and a non-nil DoneParams if the step
// produced a `done` action.
func (l *Loop) runStep(ctx context.Context, step int, goal string, extraInstructions, memory []string) (llm.DecideResult, *action.DoneParams, error) {
	stepCtx, cancel := context.WithTimeout(ctx, l.stepTimeout)
	defer cancel()

	// 1. Perceive.
	summary, err := l.controller.DumpDOMSummary(stepCtx)
	if err != nil {
		return llm.DecideResult{}, nil, errs.Wrap(errs.KindBrowser, "perceive: dump DOM summary", err)
	}

	// 2. Decide, with bounded retry on unparseable structured output.
	decideResult, err := l.decideWithRetry(stepCtx, goal, extraInstructions, memory, summary)
	if err != nil {
		return llm.DecideResult{}, nil, err
	}

	// 3. Enrich & record.
	brainStateID := fmt.Sprintf("%s_%d", l.brainStatePrefix, step)
	bs := traversal.BrainState{
		ID:                     brainStateID,
		EvaluationPreviousGoal: decideResult.CurrentState.EvaluationPreviousGoal,
		Memory:                 decideResult.CurrentState.Memory,
		NextGoal:               decideResult.CurrentState.NextGoal,
	}
	if err := l.store.AppendBrainState(bs); err != nil {
		return decideResult, nil, err
	}

	pageHTML := l.fetchPageHTML(stepCtx, decideResult.Actions)
	enriched := action.Enrich(decideResult.Actions, brainStateID, pageHTML, summary.SelectorMap)
	for _, ea := range enriched {
		if _, err := l.store.AppendAction(ea); err != nil {
			return decideResult, nil, err
		}
	}

	// 4. Execute, sequentially; cancellation is checked between actions,
	// and otherwise only a `wait` action returns early on it.
	for i, ea := range enriched {
		select {
		case <-ctx.Done():
			return decideResult, nil, ctx.Err()
		default:
		}

		actionCtx, cancelAction := context.WithTimeout(ctx, l.actionTimeout)
		done, note, err := l.executeAction(actionCtx, ea)
		cancelAction()
		if err != nil {
			return decideResult, nil, errs.Wrap(errs.KindBrowser, fmt.Sprintf("execute action %d (%s)", i, ea.Action.Kind), err)
		}
		if note != "" {
			decideResult.CurrentState.Memory = strings.TrimSpace(decideResult.CurrentState.Memory + "\n" + note)
		}
		if done != nil {
			return decideResult, done, nil
		}
	}

	// 5. Budget check happens in the caller's loop bound.
	return decideResult, nil, nil
}

func (l *Loop) decideWithRetry(ctx context.Context, goal string, extraInstructions, memory []string, summary browser.StateSummary) (llm.DecideResult, error) {
	systemPrompt := buildSystemPrompt(goal, extraInstructions)
	var lastErr error
	for attempt := 0; attempt <= maxDecideRetries; attempt++ {
		messages := buildDecideMessages(memory, summary, attempt)
		result, err := l.provider.CompleteStructured(ctx, systemPrompt, messages)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if l.log != nil {
			l.log.Warn("decide step produced unparseable response, retrying",
				slog.Int("attempt", attempt), slog.String("error", err.Error()))
		}
	}
	return llm.DecideResult{}, errs.Wrap(errs.KindLLM, "exceeded bounded retries on unparseable structured response", lastErr)
}

func buildSystemPrompt(goal string, extraInstructions []string) string {
	var sb strings.Builder
	sb.WriteString("Goal: ")
	sb.WriteString(goal)
	for _, instr := range extraInstructions {
		sb.WriteString("\nInstruction: ")
		sb.WriteString(instr)
	}
	return sb.String()
}

func buildDecideMessages(memory []string, summary browser.StateSummary, retryAttempt int) []llm.Message {
	messages := []llm.Message{
		{Role: "user", Content: fmt.Sprintf("Current URL: %s\nTitle: %s\n", summary.URL, summary.Title)},
	}
	if len(memory) > 0 {
		budget := llm.TrimToBudget(memory, 2000)
		messages = append(messages, llm.Message{Role: "user", Content: "Memory:\n" + strings.Join(budget, "\n")})
	}
	if retryAttempt > 0 {
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: "Your previous response did not match the required {current_state, action[]} shape. Respond again, strictly conforming to the schema.",
		})
	}
	return messages
}

// fetchPageHTML retrieves the current page HTML only when at least one
// emitted action is selector-oriented — Enrich needs it to derive
// alternative XPaths (C1), and there is no point paying for it otherwise.
func (l *Loop) fetchPageHTML(ctx context.Context, actions []action.Model) string {
	needsHTML := false
	for _, a := range actions {
		if action.IsSelectorOriented(a.Kind) {
			needsHTML = true
			break
		}
	}
	if !needsHTML {
		return ""
	}
	value, err := l.controller.Evaluate(ctx, "document.documentElement.outerHTML")
	if err != nil {
		return ""
	}
	html, _ := value.(string)
	return html
}

// executeAction performs one ExtendedAction against the live browser,
// substituting secrets into text parameters only at this boundary (§4.4,
// testable property 6). It returns non-nil DoneParams when the action was
// `done`, and a non-empty note when the action surfaced data (e.g.
// dropdown options) that the next decide step needs to see.
func (l *Loop) executeAction(ctx context.Context, ea action.ExtendedAction) (*action.DoneParams, string, error) {
	if action.IsSelectorOriented(ea.Action.Kind) {
		note, err := l.executeSelectorAction(ctx, ea)
		return nil, note, err
	}
	done, err := l.executeNonSelectorAction(ctx, ea)
	return done, "", err
}

func (l *Loop) executeSelectorAction(ctx context.Context, ea action.ExtendedAction) (string, error) {
	index, ok := ea.Action.Index()
	if !ok {
		return "", errs.New(errs.KindBrowser, fmt.Sprintf("%s: missing index parameter", ea.Action.Kind))
	}
	el, ok, err := l.controller.Element(ctx, index)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.New(errs.KindBrowser, fmt.Sprintf("%s: index %d not present in current DOM", ea.Action.Kind, index))
	}

	switch ea.Action.Kind {
	case action.KindClickElementByIndex:
		return "", el.Click(ctx)
	case action.KindInputText:
		var params action.InputTextParams
		if err := ea.Action.Decode(&params); err != nil {
			return "", err
		}
		return "", el.Fill(ctx, l.substituteSecrets(params.Text))
	case action.KindGetDropdownOptions:
		options, err := el.Options(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Dropdown options for element %d: %s", index, strings.Join(options, ", ")), nil
	case action.KindSelectDropdownOption:
		var params action.SelectDropdownOptionParams
		if err := ea.Action.Decode(&params); err != nil {
			return "", err
		}
		return "", el.SelectOption(ctx, l.substituteSecrets(params.Value))
	case action.KindDragDrop:
		var params action.DragDropParams
		if err := ea.Action.Decode(&params); err != nil {
			return "", err
		}
		target, ok, err := l.controller.Element(ctx, params.TargetIndex)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errs.New(errs.KindBrowser, fmt.Sprintf("drag_drop: target index %d not present", params.TargetIndex))
		}
		return "", el.DragTo(ctx, target)
	default:
		return "", errs.New(errs.KindBrowser, fmt.Sprintf("unhandled selector-oriented kind %q", ea.Action.Kind))
	}
}

func (l *Loop) executeNonSelectorAction(ctx context.Context, ea action.ExtendedAction) (*action.DoneParams, error) {
	switch ea.Action.Kind {
	case action.KindGoToURL:
		var params action.GoToURLParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		return nil, l.controller.Goto(ctx, params.URL)
	case action.KindOpenNewTab:
		var params action.GoToURLParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		return nil, l.controller.OpenNewTab(ctx, params.URL)
	case action.KindSwitchTab:
		var params action.SwitchTabParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		return nil, l.controller.SwitchTab(ctx, params.Index)
	case action.KindCloseTab:
		var params action.SwitchTabParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		return nil, l.controller.CloseTab(ctx, params.Index)
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
		return nil, l.controller.MouseWheel(ctx, 0, -400)
	case action.KindScrollDown:
		return nil, l.controller.MouseWheel(ctx, 0, 400)
	case action.KindPressKey:
		var params action.PressKeyParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		_, err := l.controller.Evaluate(ctx, fmt.Sprintf("/* press_key: %s */", params.Key))
		return nil, err
	case action.KindExtractContent:
		_, err := l.controller.Evaluate(ctx, "document.body.innerText")
		return nil, err
	case action.KindDone:
		var params action.DoneParams
		if err := ea.Action.Decode(&params); err != nil {
			return nil, err
		}
		return &params, nil
	default:
		return nil, errs.New(errs.KindBrowser, fmt.Sprintf("unhandled action kind %q", ea.Action.Kind))
	}
}

// substituteSecrets replaces "{{NAME}}" placeholders with the matching
// secret's value. Secrets never appear in the LLM prompt (§3 invariant 7,
// testable property 6); this is the only place raw values are introduced.
func (l *Loop) substituteSecrets(text string) string {
	if len(l.secrets) == 0 {
		return text
	}
	out := text
	for name, value := range l.secrets {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}
