// Package engine interprets a resolved flow graph directly, reproducing the
// compiled document's semantics (ordering, retry, fan-out concurrency)
// without the orchestrator. Entries execute strictly in resolution order;
// only fan-out waves run concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/virtaflow/virta/pkg/api"
	"github.com/virtaflow/virta/pkg/store"
)

// Runner executes resolved graphs against an intermediate store.
type Runner struct {
	store        store.Store
	observer     api.Observer
	logger       *slog.Logger
	defaultRetry *api.RetryPolicy
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver sets the observer notified of run and step lifecycle
// events.
func WithObserver(obs api.Observer) Option {
	return func(r *Runner) {
		if obs != nil {
			r.observer = obs
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDefaultRetry sets the fallback retry policy applied to steps that did
// not configure their own. Steps that called WithRetry keep their explicit
// policy.
func WithDefaultRetry(p api.RetryPolicy) Option {
	return func(r *Runner) {
		r.defaultRetry = &p
	}
}

// New creates a Runner writing intermediate data to st.
func New(st store.Store, opts ...Option) *Runner {
	r := &Runner{
		store:    st,
		observer: api.NoopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the graph's entries in order and returns the final step's
// output. A failed run aborts with the original step error; there is no
// partial resume. Intermediate state for the run is namespaced by a fresh
// run id.
func (r *Runner) Run(ctx context.Context, g *api.Graph, params map[string]any) (any, error) {
	if g == nil || len(g.Entries) == 0 {
		return nil, errors.New("engine: empty graph")
	}
	if params == nil {
		params = map[string]any{}
	}

	runID := uuid.NewString()
	start := time.Now()

	r.observer.OnFlowStart(ctx, g.Name, runID)
	r.logger.Info("flow_run", slog.String("flow", g.Name), slog.String("run_id", runID))

	if err := r.runEntries(ctx, g, runID, params); err != nil {
		r.observer.OnFlowFailed(ctx, g.Name, runID, err)
		return nil, err
	}

	result, err := r.finalResult(g, runID)
	if err != nil {
		r.observer.OnFlowFailed(ctx, g.Name, runID, err)
		return nil, err
	}

	r.observer.OnFlowCompleted(ctx, g.Name, runID, time.Since(start))
	return result, nil
}

func (r *Runner) runEntries(ctx context.Context, g *api.Graph, runID string, params map[string]any) error {
	for _, entry := range g.Entries {
		var err error
		switch e := entry.(type) {
		case api.TaskEntry:
			err = r.runTask(ctx, g, runID, e, params)
		case api.MapOpenEntry:
			err = r.runMap(ctx, g, runID, e, params)
		case api.MapCloseEntry:
			err = r.runAgg(ctx, g, runID, e, params)
		default:
			err = fmt.Errorf("engine: unknown graph entry %T", entry)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// finalResult reads the last entry's persisted output.
func (r *Runner) finalResult(g *api.Graph, runID string) (any, error) {
	var stepName string
	switch last := g.Entries[len(g.Entries)-1].(type) {
	case api.TaskEntry:
		stepName = last.Node.Name
	case api.MapCloseEntry:
		stepName = last.AggStep.Name
	default:
		// Resolution guarantees the graph never ends on an open region.
		return nil, fmt.Errorf("engine: graph %q ends on %T", g.Name, last)
	}
	return r.store.Read(r.store.OutputLocation(g.Name, runID, stepName))
}

// runTask executes a sequential step: pick its input, execute with retry,
// persist the result, and persist a manifest when the result is a sequence
// so a following fan-out region can consume it.
func (r *Runner) runTask(ctx context.Context, g *api.Graph, runID string, e api.TaskEntry, params map[string]any) error {
	node := e.Node

	in, err := r.taskInput(g, runID, node, params)
	if err != nil {
		return err
	}

	result, err := r.executeWithRetry(ctx, g, runID, node, in)
	if err != nil {
		return err
	}

	if _, err := r.store.Write(g.Name, runID, node.Name, result); err != nil {
		return err
	}
	if items, ok := asSequence(result); ok {
		if _, err := r.store.WriteManifest(g.Name, runID, node.Name, items); err != nil {
			return err
		}
	}
	return nil
}

// taskInput selects a step's input: the upstream output when one exists,
// else the default arguments recorded at authoring time, else the filtered
// flow-level parameters.
func (r *Runner) taskInput(g *api.Graph, runID string, node *api.Step, params map[string]any) (api.Input, error) {
	if up := node.Upstream(); up != nil && !node.ClosesMapRegion() {
		v, err := r.store.Read(r.store.OutputLocation(g.Name, runID, up.Name))
		if err != nil {
			return api.Input{}, fmt.Errorf("engine: step %q: read upstream %q: %w", node.Name, up.Name, err)
		}
		return api.Input{Value: v, Params: filterParams(node, params)}, nil
	}
	if args := node.DefaultArgs(); len(args) > 0 {
		return api.Input{Args: args}, nil
	}
	return api.Input{Params: filterParams(node, params)}, nil
}

// runMap executes a fan-out region wave by wave: every element finishes
// inner step i before any element starts step i+1, mirroring the compiled
// version's per-stage chaining. Elements within a wave run concurrently on
// a bounded pool; results are collated by original element index.
func (r *Runner) runMap(ctx context.Context, g *api.Graph, runID string, e api.MapOpenEntry, params map[string]any) error {
	manifest, err := r.store.ReadManifest(r.store.ManifestLocation(g.Name, runID, e.Source.Name))
	if err != nil {
		return fmt.Errorf("engine: fan-out from %q: %w", e.Source.Name, err)
	}

	current := manifest
	total := len(manifest)

	for _, stepNode := range e.InnerSteps {
		stepNode := stepNode
		results := make([]any, len(current))

		var mu sync.Mutex
		completed := 0

		var grp errgroup.Group
		if e.ConcurrencyLimit > 0 {
			grp.SetLimit(e.ConcurrencyLimit)
		}

		for idx, item := range current {
			idx, item := idx, item
			grp.Go(func() error {
				in := api.Input{Value: item, Params: filterParams(stepNode, params)}
				out, err := r.executeWithRetry(ctx, g, runID, stepNode, in)
				if err != nil {
					return fmt.Errorf("engine: step %q element %d: %w", stepNode.Name, idx, err)
				}
				// Each element writes to its own key, so there is no
				// write contention on the store.
				key := fmt.Sprintf("%s/%d", stepNode.Name, idx)
				if _, err := r.store.Write(g.Name, runID, key, out); err != nil {
					return err
				}
				results[idx] = out

				mu.Lock()
				completed++
				c := completed
				mu.Unlock()
				r.observer.OnMapProgress(ctx, g.Name, runID, stepNode.Name, c, total)
				return nil
			})
		}

		// The wave is a barrier: all elements settle, including their
		// retry backoff, before the next inner step starts.
		if err := grp.Wait(); err != nil {
			return err
		}

		current = results
	}
	return nil
}

// runAgg closes a fan-out region: collect the last inner step's per-element
// outputs in original index order and invoke the aggregation step with the
// ordered slice.
func (r *Runner) runAgg(ctx context.Context, g *api.Graph, runID string, e api.MapCloseEntry, params map[string]any) error {
	manifest, err := r.store.ReadManifest(r.store.ManifestLocation(g.Name, runID, e.Source.Name))
	if err != nil {
		return fmt.Errorf("engine: aggregate %q: %w", e.AggStep.Name, err)
	}

	inputs := make([]any, len(manifest))
	for idx := range manifest {
		key := fmt.Sprintf("%s/%d", e.LastInner.Name, idx)
		v, err := r.store.Read(r.store.OutputLocation(g.Name, runID, key))
		if err != nil {
			return fmt.Errorf("engine: aggregate %q: element %d: %w", e.AggStep.Name, idx, err)
		}
		inputs[idx] = v
	}

	in := api.Input{Value: inputs, Params: filterParams(e.AggStep, params)}
	result, err := r.executeWithRetry(ctx, g, runID, e.AggStep, in)
	if err != nil {
		return err
	}

	if _, err := r.store.Write(g.Name, runID, e.AggStep.Name, result); err != nil {
		return err
	}
	// The aggregate may itself feed a following fan-out region.
	if items, ok := asSequence(result); ok {
		if _, err := r.store.WriteManifest(g.Name, runID, e.AggStep.Name, items); err != nil {
			return err
		}
	}
	return nil
}

// executeWithRetry invokes the step function under its retry policy.
// Non-retryable errors propagate immediately; exhausting the budget
// propagates the last error unchanged, with attempt count and elapsed time
// surfaced through the observer and the log.
func (r *Runner) executeWithRetry(ctx context.Context, g *api.Graph, runID string, node *api.Step, in api.Input) (any, error) {
	policy := node.Retry
	if r.defaultRetry != nil && !node.RetryConfigured() {
		policy = *r.defaultRetry
	}
	start := time.Now()

	r.observer.OnStepStart(ctx, g.Name, runID, node.Name)

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		result, err := node.Fn(ctx, in)
		if err == nil {
			r.observer.OnStepCompleted(ctx, g.Name, runID, node.Name, attempt+1, nil, time.Since(start))
			return result, nil
		}

		if !policy.Retryable(err) {
			r.observer.OnStepCompleted(ctx, g.Name, runID, node.Name, attempt+1, err, time.Since(start))
			return nil, err
		}

		lastErr = err
		if attempt < policy.MaxRetries {
			delay := policy.DelayFor(attempt)
			r.observer.OnStepRetry(ctx, g.Name, runID, node.Name, attempt, delay, err)
			r.logger.Info("step_retry",
				slog.String("flow", g.Name),
				slog.String("step", node.Name),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", policy.MaxRetries+1),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	r.observer.OnStepCompleted(ctx, g.Name, runID, node.Name, policy.MaxRetries+1, lastErr, time.Since(start))
	return nil, lastErr
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// filterParams returns the flow-level parameters the step declared an
// interest in. Steps accepting all parameters get the full map.
func filterParams(node *api.Step, params map[string]any) map[string]any {
	if node.AllParams {
		return params
	}
	if len(node.ParamNames) == 0 {
		return nil
	}
	filtered := make(map[string]any, len(node.ParamNames))
	for _, name := range node.ParamNames {
		if v, ok := params[name]; ok {
			filtered[name] = v
		}
	}
	return filtered
}

// asSequence reports whether a step output is a sequence, which makes it
// eligible as fan-out input. Detection is by the runtime type of the
// returned value; strings and byte slices are not treated as sequences.
func asSequence(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
		items := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = rv.Index(i).Interface()
		}
		return items, true
	default:
		return nil, false
	}
}
