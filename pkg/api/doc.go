// Package api defines the core value types of virta: steps and map blocks
// built by the chain combinators, retry policies, the resolved flow graph,
// and the Observer used for logging and metrics.
//
// Most users should import the root virta package, which re-exports these
// types together with the fluent builders and the local runner.
package api
