// Package pipeline implements the Pipeline DAG Runner (C6): resolve task
// nodes, validate their I/O schemas, topologically order them, and drive
// the Navigation Loop (C4) for each in turn, propagating extracted outputs
// from parents to children.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bugninja-ai/bugninja/pkg/browser"
	"github.com/bugninja-ai/bugninja/pkg/config"
	"github.com/bugninja-ai/bugninja/pkg/errs"
	"github.com/bugninja-ai/bugninja/pkg/history"
	"github.com/bugninja-ai/bugninja/pkg/llm"
	"github.com/bugninja-ai/bugninja/pkg/navigation"
	"github.com/bugninja-ai/bugninja/pkg/traversal"
)

// Mode labels how a node is driven. Both modes run the same Navigation
// Loop, and the Runner does not branch on Mode: whether a node gets a
// fresh client from ClientFactory or the single shared client is decided
// only by WithSharedClient/WithClientFactory (§4.6).
type Mode string

const (
	ModeAgent Mode = "agent"
	ModeAuto  Mode = "auto"
)

// TaskResolver resolves a TaskRef node to a concrete task spec. A CLI host
// typically backs this with a TOML-loaded config store; library callers
// supply their own lookup.
type TaskResolver interface {
	Resolve(ctx context.Context, ref config.TaskRef) (config.TaskSpec, error)
}

// ClientFactory builds an isolated browser client for one node's run,
// under its own data directory, returning a shutdown func the runner
// calls once the node completes.
type ClientFactory func(ctx context.Context, dataDir string) (browser.Controller, func(), error)

// HistoryFactory opens the run-history store for one node's task, so each
// node's completion is recorded against its own per-task history file
// rather than the pipeline's as a whole (§2: "the traversal file and
// run-history are finalized" per node).
type HistoryFactory func(nodeID string) (*history.Store, error)

// NodeInput is one pipeline node as supplied by the caller: either a
// reference to a persisted task config (Ref non-nil) or an inline spec
// (Inline non-nil). Exactly one must be set.
type NodeInput struct {
	ID      string
	Ref     *config.TaskRef
	Inline  *config.TaskSpec
	Parents []string
}

// NodeResult is one node's outcome after Run.
type NodeResult struct {
	ID            string
	Status        traversal.Status
	ExtractedData map[string]string
	TraversalPath string
	Err           error
}

// Outcome is the full pipeline result: the topological order actually
// executed, and each node's result (present only for nodes that started).
type Outcome struct {
	Order   []string
	Results map[string]NodeResult
}

// resolvedNode is a NodeInput after TaskResolver lookup.
type resolvedNode struct {
	id       string
	spec     config.TaskSpec
	isInline bool
	parents  []string
}

// Runner drives one pipeline execution.
type Runner struct {
	resolver       TaskResolver
	provider       llm.Provider
	sharedClient   browser.Controller
	clientFactory  ClientFactory
	historyFactory HistoryFactory
	baseDir        string
	sem            *semaphore.Weighted
	mode           Mode
	log            *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithSharedClient makes every node reuse the same browser client instead
// of one-per-node isolation.
func WithSharedClient(c browser.Controller) Option {
	return func(r *Runner) { r.sharedClient = c }
}

// WithClientFactory supplies a per-node client factory (§4.6's "auto"
// mode); ignored if WithSharedClient was also given.
func WithClientFactory(f ClientFactory) Option {
	return func(r *Runner) { r.clientFactory = f }
}

// WithHistoryFactory records each node's completion into the per-task
// run-history store HistoryFactory opens for it. Omitted by default —
// history recording is an optional, best-effort addition that never
// masks a node's own success or failure.
func WithHistoryFactory(f HistoryFactory) Option {
	return func(r *Runner) { r.historyFactory = f }
}

// WithMode sets the execution mode recorded on the Runner (both modes
// execute identically today; mode selects which client strategy the
// caller is expected to have wired via the options above).
func WithMode(m Mode) Option {
	return func(r *Runner) { r.mode = m }
}

// New constructs a Runner. cfg.MaxConcurrency sets the execution
// semaphore's weight (1 after cfg.SetDefaults()). Run acquires and
// releases it around one node at a time in topological order, so nodes
// run sequentially (§4.6) whatever the weight; a larger weight does not
// run nodes concurrently.
func New(resolver TaskResolver, provider llm.Provider, cfg config.PipelineConfig, log *slog.Logger, opts ...Option) *Runner {
	cfg.SetDefaults()
	r := &Runner{
		resolver: resolver,
		provider: provider,
		baseDir:  cfg.BaseDir,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		mode:     ModeAgent,
		log:      log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run resolves, validates, orders, and executes nodes, returning the
// order the build phase computed even if execution aborts partway — the
// caller can tell which nodes completed from Results.
func (r *Runner) Run(ctx context.Context, runID string, nodes []NodeInput) (Outcome, error) {
	resolved, err := r.resolveAll(ctx, nodes)
	if err != nil {
		return Outcome{}, err
	}
	if err := validateIOSchemas(resolved); err != nil {
		return Outcome{}, err
	}
	order, err := topoSort(resolved)
	if err != nil {
		return Outcome{Order: order}, err
	}

	outcome := Outcome{Order: order, Results: make(map[string]NodeResult, len(order))}
	extracted := make(map[string]map[string]string, len(order))

	for _, id := range order {
		node := resolved[id]

		if err := r.sem.Acquire(ctx, 1); err != nil {
			return outcome, err
		}
		result, err := r.runNode(ctx, runID, node, extracted)
		r.sem.Release(1)

		outcome.Results[id] = result
		if err != nil {
			return outcome, err
		}
		extracted[id] = result.ExtractedData
	}

	return outcome, nil
}

func (r *Runner) resolveAll(ctx context.Context, nodes []NodeInput) (map[string]*resolvedNode, error) {
	out := make(map[string]*resolvedNode, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, errs.New(errs.KindValidation, "pipeline node missing id")
		}
		if _, dup := out[n.ID]; dup {
			return nil, errs.New(errs.KindValidation, fmt.Sprintf("duplicate pipeline node id %q", n.ID))
		}

		var spec config.TaskSpec
		isInline := n.Inline != nil
		switch {
		case isInline:
			spec = *n.Inline
		case n.Ref != nil:
			if r.resolver == nil {
				return nil, errs.New(errs.KindConfiguration, fmt.Sprintf("node %q references a TaskRef but no TaskResolver was configured", n.ID))
			}
			resolvedSpec, err := r.resolver.Resolve(ctx, *n.Ref)
			if err != nil {
				return nil, errs.Wrap(errs.KindConfiguration, fmt.Sprintf("resolve task ref for node %q", n.ID), err)
			}
			spec = resolvedSpec
		default:
			return nil, errs.New(errs.KindValidation, fmt.Sprintf("node %q has neither a TaskRef nor an inline spec", n.ID))
		}
		spec.SetDefaults()
		if err := spec.Validate(); err != nil {
			return nil, errs.Wrap(errs.KindValidation, fmt.Sprintf("node %q task spec", n.ID), err)
		}

		out[n.ID] = &resolvedNode{id: n.ID, spec: spec, isInline: isInline, parents: n.Parents}
	}
	for id, n := range out {
		for _, p := range n.parents {
			if _, ok := out[p]; !ok {
				return nil, errs.New(errs.KindValidation, fmt.Sprintf("node %q references unresolvable parent %q", id, p))
			}
		}
	}
	return out, nil
}

// validateIOSchemas enforces §4.6 step 2: for every child, the union of
// its parents' output_schema keys must be a subset of the child's
// input_schema keys.
func validateIOSchemas(nodes map[string]*resolvedNode) error {
	for id, n := range nodes {
		declared := n.spec.IOSchema.InputSchema
		for _, parentID := range n.parents {
			parent := nodes[parentID]
			for key := range parent.spec.IOSchema.OutputSchema {
				if _, ok := declared[key]; !ok {
					return errs.New(errs.KindValidation, fmt.Sprintf(
						"node %q parent %q emits output key %q not declared in %q's input_schema", id, parentID, key, id))
				}
			}
		}
	}
	return nil
}

// topoSort orders nodes via Kahn's algorithm, surfacing cyclic_dependency
// if any node cannot be ordered.
func topoSort(nodes map[string]*resolvedNode) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	children := make(map[string][]string, len(nodes))
	for id, n := range nodes {
		inDegree[id] += 0
		for _, p := range n.parents {
			inDegree[id]++
			children[p] = append(children[p], id)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sortStrings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var next []string
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				next = append(next, child)
			}
		}
		sortStrings(next)
		queue = append(queue, next...)
	}

	if len(order) != len(nodes) {
		return order, errs.New(errs.KindCyclicDependency, "pipeline contains a dependency cycle")
	}
	return order, nil
}

// sortStrings is a tiny insertion sort so topoSort produces a
// deterministic order among same-degree nodes without pulling in sort
// just for a handful of ids at a time.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// runNode assembles runtime_inputs, obtains a client, and drives the
// Navigation Loop for one node.
func (r *Runner) runNode(ctx context.Context, runID string, node *resolvedNode, extracted map[string]map[string]string) (NodeResult, error) {
	runtimeInputs, err := mergeRuntimeInputs(node, extracted)
	if err != nil {
		return NodeResult{ID: node.id}, err
	}

	for key := range node.spec.IOSchema.InputSchema {
		if _, collides := node.spec.Secrets[key]; collides {
			return NodeResult{ID: node.id}, errs.New(errs.KindDependencyConflict,
				fmt.Sprintf("node %q: input_schema key %q collides with a secret name", node.id, key))
		}
		if _, present := runtimeInputs[key]; !present {
			if node.isInline {
				return NodeResult{ID: node.id}, errs.New(errs.KindValidation,
					fmt.Sprintf("node %q: required input %q missing and no parent supplies it", node.id, key))
			}
			if r.log != nil {
				r.log.Warn("required input missing for resolved task, proceeding", slog.String("node", node.id), slog.String("key", key))
			}
		}
	}

	dataDir := filepath.Join(r.baseDir, fmt.Sprintf("run_%s", runID), node.id)

	controller, cleanup, err := r.client(ctx, dataDir)
	if err != nil {
		return NodeResult{ID: node.id}, errs.Wrap(errs.KindBrowser, fmt.Sprintf("node %q: acquire browser client", node.id), err)
	}
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	goal := node.spec.Description
	store, err := traversal.Start(dataDir, traversal.Meta{
		TestCase:          goal,
		ExtraInstructions: node.spec.ExtraInstructions,
		BrowserConfig:     node.spec.BrowserConfig,
		Secrets:           node.spec.Secrets,
		IOSchema:          node.spec.IOSchema,
	})
	if err != nil {
		return NodeResult{ID: node.id}, err
	}

	runSpec := node.spec
	if len(runtimeInputs) > 0 {
		runSpec.ExtraInstructions = append(append([]string{}, runSpec.ExtraInstructions...), describeRuntimeInputs(runtimeInputs)...)
	}

	started := time.Now()
	loop := navigation.New(controller, r.provider, store, runSpec, r.log)
	outcome, runErr := loop.Run(ctx, goal, runSpec.ExtraInstructions)

	r.recordHistory(node.id, store, started, outcome.Status, runErr)

	result := NodeResult{
		ID:            node.id,
		Status:        outcome.Status,
		ExtractedData: outcome.ExtractedData,
		TraversalPath: store.Path(),
		Err:           runErr,
	}
	return result, runErr
}

// recordHistory is best-effort: a failure to open or append to a node's
// history store is logged but never overrides the node's own outcome.
func (r *Runner) recordHistory(nodeID string, store *traversal.Traversal, started time.Time, status traversal.Status, runErr error) {
	if r.historyFactory == nil {
		return
	}
	hist, err := r.historyFactory(nodeID)
	if err != nil {
		if r.log != nil {
			r.log.Warn("open history store failed", slog.String("node", nodeID), slog.String("error", err.Error()))
		}
		return
	}
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	run := history.AINavigatedRun{
		RunID:         store.RunID(),
		Timestamp:     started,
		Status:        historyState(status),
		TraversalPath: store.Path(),
		ExecutionTime: time.Since(started),
		ErrorMessage:  errMsg,
	}
	if err := hist.AppendAINavigatedRun(run); err != nil && r.log != nil {
		r.log.Warn("append run history failed", slog.String("node", nodeID), slog.String("error", err.Error()))
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

// describeRuntimeInputs renders merged parent outputs as extra
// instructions the LLM can read, since the Navigation Loop's goal/memory
// channel (not a separate structured-input channel) is the only prompt
// surface this core defines (§4.4).
func describeRuntimeInputs(inputs map[string]string) []string {
	out := make([]string, 0, len(inputs))
	for k, v := range inputs {
		out = append(out, fmt.Sprintf("Input %s = %s", k, v))
	}
	return out
}

// mergeRuntimeInputs assembles a child's runtime_inputs from its parents'
// extracted_data, restricted to the child's input_schema keys, aborting
// with dependency_conflict if two parents disagree on a shared key.
func mergeRuntimeInputs(node *resolvedNode, extracted map[string]map[string]string) (map[string]string, error) {
	out := make(map[string]string)
	for _, parentID := range node.parents {
		parentData := extracted[parentID]
		for key, value := range parentData {
			if _, wanted := node.spec.IOSchema.InputSchema[key]; !wanted {
				continue
			}
			if existing, ok := out[key]; ok && existing != value {
				return nil, errs.New(errs.KindDependencyConflict, fmt.Sprintf(
					"node %q: conflicting values for input %q from multiple parents", node.id, key))
			}
			out[key] = value
		}
	}
	return out, nil
}

func (r *Runner) client(ctx context.Context, dataDir string) (browser.Controller, func(), error) {
	if r.sharedClient != nil {
		return r.sharedClient, nil, nil
	}
	if r.clientFactory != nil {
		return r.clientFactory(ctx, dataDir)
	}
	return nil, nil, errs.New(errs.KindConfiguration, "pipeline runner has neither a shared client nor a client factory configured")
}
