package api

import (
	"context"
	"fmt"
	"time"
)

// ExecClass selects the execution backend for a step when a flow is
// compiled for the orchestrator. Lightweight steps run as direct function
// invocations; heavyweight steps are submitted to a batch-style executor
// and waited on synchronously.
type ExecClass string

const (
	ClassLightweight ExecClass = "lambda"
	ClassHeavyweight ExecClass = "batch"
)

// StepFunc is the unit of work wrapped by a Step.
//
// The engine passes exactly one of the three Input fields depending on the
// step's position in the chain; see Input.
type StepFunc func(ctx context.Context, in Input) (any, error)

// Input carries the data a step receives when it runs.
//
// For a step with an upstream step, Value holds the upstream output (or the
// current fan-out element inside a map region, or the ordered result slice
// for an aggregation step). For a head-of-chain step that was invoked with
// default arguments at authoring time, Args holds those arguments. In all
// other cases Params holds the flow-level parameters the step declared an
// interest in.
type Input struct {
	Value  any
	Args   []any
	Params map[string]any
}

// Typed adapts a strongly-typed function into a StepFunc. The incoming
// Input.Value is asserted to I:
//
//	double := api.Typed(func(ctx context.Context, n int) (int, error) {
//	    return n * 2, nil
//	})
//
// Typed is meant for steps that consume an upstream value; head-of-chain
// steps that read Args or Params should use a plain StepFunc.
func Typed[I, O any](fn func(ctx context.Context, v I) (O, error)) StepFunc {
	return func(ctx context.Context, in Input) (any, error) {
		v, ok := in.Value.(I)
		if !ok {
			var want I
			return nil, fmt.Errorf("step input: expected %T, got %T", want, in.Value)
		}
		return fn(ctx, v)
	}
}

// Step is a single named unit of work in a flow. Steps are long-lived: the
// author constructs one Step per function (typically at package level) and
// links them into chains with Invoke, Next, Map and Agg. Step names must be
// unique within a flow; a collision is an authoring error and is not
// resolved automatically.
//
// The exported fields are set once by NewStep and read by the compiler and
// the local engine. The chain link fields are unexported and mutated only
// by the combinators.
type Step struct {
	// Name identifies the step. It becomes part of state names in the
	// compiled document and of intermediate-store keys.
	Name string

	// Fn is the wrapped callable.
	Fn StepFunc

	// Retry controls how failures of Fn are retried, both locally and in
	// the compiled document.
	Retry RetryPolicy

	// Class selects the execution backend for compiled flows.
	Class ExecClass

	// Heavyweight resource hints. Zero means "use the configured default".
	VCPU           int
	MemoryMB       int
	TimeoutSeconds int

	// ParamNames lists the flow-level parameters this step wants to
	// receive. AllParams passes every flow parameter through instead.
	ParamNames []string
	AllParams  bool

	defaultArgs []any
	retrySet    bool
	next        *Step
	prev        *Step
	opensBlock  *MapBlock // region this step is the source of
	closesBlock *MapBlock // region this step aggregates
}

// StepOption configures a Step at construction time.
type StepOption func(*Step)

// WithRetry sets the step's retry policy. Steps that never call WithRetry
// keep DefaultRetryPolicy but remain eligible for a configured fallback
// policy at compile or run time; see RetryConfigured.
func WithRetry(p RetryPolicy) StepOption {
	return func(s *Step) {
		s.Retry = p
		s.retrySet = true
	}
}

// WithParams declares the flow-level parameters the step receives when it
// has no upstream value. This replaces any previously declared list.
func WithParams(names ...string) StepOption {
	return func(s *Step) { s.ParamNames = names }
}

// WithAllParams passes every flow-level parameter to the step.
func WithAllParams() StepOption {
	return func(s *Step) { s.AllParams = true }
}

// Heavyweight marks the step for the batch-style executor with optional
// resource hints. Zero values fall back to the configured batch defaults.
func Heavyweight(vcpu, memoryMB, timeoutSeconds int) StepOption {
	return func(s *Step) {
		s.Class = ClassHeavyweight
		s.VCPU = vcpu
		s.MemoryMB = memoryMB
		s.TimeoutSeconds = timeoutSeconds
	}
}

// NewStep creates a Step wrapping fn. It panics on an empty name, a nil
// function, or an invalid retry policy: these are authoring bugs, caught at
// process start when steps are declared at package level.
func NewStep(name string, fn StepFunc, opts ...StepOption) *Step {
	if name == "" {
		panic("virta: step name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("virta: step %q has nil function", name))
	}
	s := &Step{
		Name:  name,
		Fn:    fn,
		Retry: DefaultRetryPolicy(),
		Class: ClassLightweight,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Retry.Validate(); err != nil {
		panic(fmt.Sprintf("virta: step %q: %v", name, err))
	}
	for _, p := range s.ParamNames {
		if p == "" {
			panic(fmt.Sprintf("virta: step %q declares an empty parameter name", name))
		}
	}
	return s
}

// Invoke records default arguments for the step and returns the same step,
// so a chain can start with an argument-carrying head:
//
//	getData.Invoke("https://example.com/items").Next(parse)
//
// The defaults are used only when the step runs at the head of a chain with
// no upstream data. Calling Invoke after the step has been linked into a
// chain is undefined; it is the author's responsibility not to.
func (s *Step) Invoke(args ...any) *Step {
	s.defaultArgs = args
	return s
}

// Next chains next after s and returns next so further calls chain
// naturally.
func (s *Step) Next(next *Step) *Step {
	if next == nil {
		panic(fmt.Sprintf("virta: step %q chained to nil step", s.Name))
	}
	next.prev = s
	s.next = next
	return next
}

// MapOption configures a map region at creation time.
type MapOption func(*MapBlock)

// WithConcurrencyLimit caps the number of elements processed simultaneously
// within the map region. Zero or negative means unbounded.
func WithConcurrencyLimit(n int) MapOption {
	return func(b *MapBlock) { b.concurrencyLimit = n }
}

// Map opens a fan-out region: the output of s (a sequence) is processed
// element-wise by inner, and by any further steps chained onto the returned
// MapBlock. The region must be closed with MapBlock.Agg before the flow is
// resolved.
func (s *Step) Map(inner *Step, opts ...MapOption) *MapBlock {
	if inner == nil {
		panic(fmt.Sprintf("virta: step %q maps to nil step", s.Name))
	}
	block := &MapBlock{
		source:    s,
		innerHead: inner,
		innerTail: inner,
	}
	for _, opt := range opts {
		opt(block)
	}
	inner.prev = s
	s.opensBlock = block
	return block
}

// Agg on a bare Step is always an authoring error: the author skipped Map.
func (s *Step) Agg(agg *Step) *Step {
	panic(fmt.Sprintf(
		"virta: step %q: Agg must be called on the result of Map, not directly on a step", s.Name))
}

// Upstream returns the step whose output feeds s, or nil for a
// head-of-chain step.
func (s *Step) Upstream() *Step { return s.prev }

// DefaultArgs returns the arguments recorded by Invoke, if any.
func (s *Step) DefaultArgs() []any { return s.defaultArgs }

// ClosesMapRegion reports whether s was attached as an aggregation step via
// MapBlock.Agg.
func (s *Step) ClosesMapRegion() bool { return s.closesBlock != nil }

// RetryConfigured reports whether the step's retry policy was set explicitly
// with WithRetry. The compiler and the local engine substitute the
// configured default policy for steps that left it unset.
func (s *Step) RetryConfigured() bool { return s.retrySet }

// MapBlock is an open fan-out region under construction: a source step
// whose sequence output is fanned out, and an inner chain of steps applied
// per element. It is created by Step.Map, grown by MapBlock.Map / Next, and
// closed by MapBlock.Agg, after which it is not mutated again.
type MapBlock struct {
	source           *Step
	innerHead        *Step
	innerTail        *Step
	next             *Step
	concurrencyLimit int
}

// Map appends another per-element step to the inner chain.
func (b *MapBlock) Map(inner *Step) *MapBlock {
	if inner == nil {
		panic(fmt.Sprintf("virta: map region on %q chained to nil step", b.source.Name))
	}
	inner.prev = b.innerTail
	b.innerTail.next = inner
	b.innerTail = inner
	return b
}

// Next appends a per-element step to the inner chain. Inside a map region
// Next and Map are the same operation; Next reads better when the inner
// chain is a plain sequence.
func (b *MapBlock) Next(inner *Step) *MapBlock {
	return b.Map(inner)
}

// Agg closes the region and attaches agg as the aggregation step: agg
// receives the full ordered slice of per-element results. It returns agg so
// the chain continues linearly after the region.
func (b *MapBlock) Agg(agg *Step) *Step {
	if agg == nil {
		panic(fmt.Sprintf("virta: map region on %q aggregated by nil step", b.source.Name))
	}
	agg.closesBlock = b
	agg.prev = b.source
	b.next = agg
	return agg
}

// InnerSteps returns the per-element inner chain in execution order.
func (b *MapBlock) InnerSteps() []*Step {
	var steps []*Step
	for cur := b.innerHead; cur != nil; cur = cur.next {
		steps = append(steps, cur)
		if cur == b.innerTail {
			break
		}
	}
	return steps
}

// Source returns the step whose output is fanned out.
func (b *MapBlock) Source() *Step { return b.source }

// ConcurrencyLimit returns the configured cap on in-flight elements, or 0
// for unbounded.
func (b *MapBlock) ConcurrencyLimit() int { return b.concurrencyLimit }

// retryDelay is shared by RetryPolicy.DelayFor; kept here to document the
// relationship with the compiled BackoffRate in one place.
func retryDelay(initial time.Duration, backoff float64, maxDelay time.Duration, attempt int) time.Duration {
	d := float64(initial)
	for i := 0; i < attempt; i++ {
		d *= backoff
	}
	delay := time.Duration(d)
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
