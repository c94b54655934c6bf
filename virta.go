package virta

import (
	"context"

	"github.com/virtaflow/virta/pkg/api"
	"github.com/virtaflow/virta/pkg/config"
	"github.com/virtaflow/virta/pkg/statemachine"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Step              = api.Step
	MapBlock          = api.MapBlock
	Chainable         = api.Chainable
	StepFunc          = api.StepFunc
	Input             = api.Input
	StepOption        = api.StepOption
	MapOption         = api.MapOption
	RetryPolicy       = api.RetryPolicy
	ExecClass         = api.ExecClass
	Graph             = api.Graph
	Entry             = api.Entry
	TaskEntry         = api.TaskEntry
	MapOpenEntry      = api.MapOpenEntry
	MapCloseEntry     = api.MapCloseEntry
	StructuralError   = api.StructuralError
	Observer          = api.Observer
	LoggingObserver   = api.LoggingObserver
	CompositeObserver = api.CompositeObserver
	NoopObserver      = api.NoopObserver
)

// Re-export the execution classes.

const (
	ClassLightweight = api.ClassLightweight
	ClassHeavyweight = api.ClassHeavyweight
)

// Re-export step construction and the option helpers.

var (
	NewStep              = api.NewStep
	WithRetry            = api.WithRetry
	WithParams           = api.WithParams
	WithAllParams        = api.WithAllParams
	Heavyweight          = api.Heavyweight
	WithConcurrencyLimit = api.WithConcurrencyLimit
	DefaultRetryPolicy   = api.DefaultRetryPolicy
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Typed adapts a strongly-typed function into a StepFunc. See api.Typed.
func Typed[I, O any](fn func(ctx context.Context, v I) (O, error)) StepFunc {
	return api.Typed(fn)
}

// Compile translates a resolved graph into the declarative workflow
// document for the orchestrator. A nil config compiles with the documented
// defaults.
func Compile(g *Graph, cfg *config.Config) (*statemachine.Document, error) {
	return statemachine.Compile(g, cfg)
}
