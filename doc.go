// Package virta lets an author declare a data-processing pipeline as a
// chain of plain functions, then either run it locally for development or
// compile it into a declarative workflow document for a managed
// step-orchestration service.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Step — a named unit of work wrapping one function.
//  2. Chain combinators — Invoke, Next, Map, Agg link steps into a
//     pipeline as the author writes it.
//  3. Flow — a named, optionally scheduled pipeline definition that
//     resolves to a Graph when invoked.
//  4. Graph — the canonical, validated entry list consumed by both
//     backends.
//  5. LocalRunner — executes a Graph in-process, with the same retry and
//     fan-out semantics the compiled document gets from the orchestrator.
//
// # Defining a flow
//
//	var (
//	    fetch  = virta.NewStep("fetch_items", fetchItems)
//	    double = virta.NewStep("double_item", virta.Typed(doubleItem))
//	    total  = virta.NewStep("sum_items", sumItems)
//	)
//
//	flow := virta.NewFlow("daily_totals", func(params map[string]any) virta.Chainable {
//	    return fetch.Map(double).Agg(total)
//	})
//
// # Running locally
//
//	runner := virta.NewLocalRunner()
//	result, err := runner.Run(ctx, flow, map[string]any{"date": "2026-01-01"})
//
// # Compiling for the orchestrator
//
//	graph, err := flow.Graph(nil)
//	doc, err := virta.Compile(graph, cfg)
//	data, err := doc.JSON()
//
// The two backends are behaviorally equivalent: entry ordering, retry
// policies and fan-out concurrency limits mean the same thing whether a
// flow runs in-process or on the orchestrator.
package virta
