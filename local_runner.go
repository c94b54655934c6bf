package virta

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/virtaflow/virta/internal/engine"
	"github.com/virtaflow/virta/pkg/api"
	"github.com/virtaflow/virta/pkg/config"
	"github.com/virtaflow/virta/pkg/store"
)

// LocalRunner executes flows in-process, reproducing the compiled
// document's semantics without the orchestrator.
//
// Typical usage:
//
//	runner := virta.NewLocalRunner()
//	result, err := runner.Run(ctx, flow, map[string]any{"date": "2026-01-01"})
//
// By default each run writes its intermediate data to a fresh disposable
// filesystem store that is removed when the run finishes. A runner
// constructed with an explicit store (NewLocalRunnerWithStore,
// NewSQLiteRunner) reuses that store across runs and leaves cleanup to the
// caller.
type LocalRunner struct {
	// Store, when non-nil, receives all intermediate data. When nil a
	// disposable store is created per run.
	Store store.Store

	// Observer receives run and step lifecycle events.
	Observer Observer

	// Logger is the structured logger used by the engine. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// Config, when non-nil, supplies run defaults; its retry section is the
	// fallback policy for steps that did not configure their own, the same
	// substitution Compile applies to the compiled document.
	Config *config.Config
}

// NewLocalRunner constructs a runner that uses a fresh disposable
// filesystem store for each run.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// NewLocalRunnerWithStore constructs a runner writing intermediate data to
// the given store. The store is shared across runs (runs stay isolated via
// their run ids) and is not cleaned up by the runner.
func NewLocalRunnerWithStore(st store.Store) *LocalRunner {
	return &LocalRunner{Store: st}
}

// NewSQLiteRunner constructs a runner with a durable SQLite-backed store.
// The caller owns the *sql.DB and must import a SQLite driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
//	db, _ := sql.Open("sqlite", "file:virta.db")
//	runner, err := virta.NewSQLiteRunner(db)
func NewSQLiteRunner(db *sql.DB) (*LocalRunner, error) {
	st, err := store.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewLocalRunnerWithStore(st), nil
}

// Run resolves the flow with the given parameters and executes it,
// returning the final step's output.
func (r *LocalRunner) Run(ctx context.Context, flow *Flow, params map[string]any) (any, error) {
	graph, err := flow.Graph(params)
	if err != nil {
		return nil, err
	}
	return r.RunGraph(ctx, graph, params)
}

// RunGraph executes an already-resolved graph.
func (r *LocalRunner) RunGraph(ctx context.Context, g *Graph, params map[string]any) (any, error) {
	st := r.Store
	if st == nil {
		local, err := store.NewLocalStore("")
		if err != nil {
			return nil, err
		}
		defer local.Cleanup()
		st = local
	}

	obs := r.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}

	opts := []engine.Option{
		engine.WithObserver(obs),
		engine.WithLogger(r.Logger),
	}
	if r.Config != nil {
		opts = append(opts, engine.WithDefaultRetry(r.Config.Retry.ToPolicy()))
	}

	eng := engine.New(st, opts...)
	return eng.Run(ctx, g, params)
}
