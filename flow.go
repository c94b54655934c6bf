package virta

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/virtaflow/virta/pkg/api"
)

// BuildFunc constructs a flow's chain. It receives the flow-level
// parameters of the invocation and returns the chain tail, e.g.:
//
//	func(params map[string]any) virta.Chainable {
//	    return fetch.Map(double).Agg(total)
//	}
//
// Parameters are also delivered to individual steps at execution time
// (filtered by each step's declared parameter names); most build functions
// ignore the argument and only wire the chain.
type BuildFunc func(params map[string]any) Chainable

// Flow is a named, optionally scheduled pipeline definition. Invoking
// Graph resolves the author's chain into the canonical entry list; flows
// may be resolved any number of times and resolution has no dependence on
// prior resolutions.
type Flow struct {
	name     string
	schedule string
	build    BuildFunc
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithSchedule attaches a recurrence expression to the flow, either
// "cron(minute hour day month day-of-week ?)" or "rate(value unit)".
// NewFlow panics on an invalid expression.
func WithSchedule(expr string) FlowOption {
	return func(f *Flow) { f.schedule = expr }
}

// NewFlow creates a flow definition. The name is normalized to
// kebab-case ("daily_totals" becomes "daily-totals"). It panics on an
// empty name, a nil build function, or an invalid schedule expression:
// flows are declared at package level and these are authoring bugs.
func NewFlow(name string, build BuildFunc, opts ...FlowOption) *Flow {
	if name == "" {
		panic("virta: flow name must not be empty")
	}
	if build == nil {
		panic(fmt.Sprintf("virta: flow %q has nil build function", name))
	}
	f := &Flow{
		name:  strings.ToLower(strings.ReplaceAll(name, "_", "-")),
		build: build,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.schedule != "" {
		if err := ValidateSchedule(f.schedule); err != nil {
			panic(fmt.Sprintf("virta: flow %q: %v", name, err))
		}
	}
	return f
}

// Name returns the normalized flow name.
func (f *Flow) Name() string { return f.name }

// Schedule returns the flow's recurrence expression, or "" for on-demand
// flows.
func (f *Flow) Schedule() string { return f.schedule }

// Graph runs the build function and resolves the resulting chain into the
// canonical graph. It returns a *StructuralError if the chain is
// malformed (for example an unterminated fan-out region).
func (f *Flow) Graph(params map[string]any) (*Graph, error) {
	tail := f.build(params)
	if tail == nil {
		return nil, &api.StructuralError{
			Step: f.name,
			Msg:  "flow build function returned no chain",
		}
	}
	return api.Resolve(f.name, f.schedule, tail)
}

// ValidateSchedule checks a recurrence expression against the supported
// grammar: "cron(...)" with 5 or 6 whitespace-separated fields, or
// "rate(value unit)" with a positive integer value and a unit of
// minute(s), hour(s) or day(s).
func ValidateSchedule(expr string) error {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "cron(") && strings.HasSuffix(expr, ")"):
		return validateCron(strings.TrimSpace(expr[5 : len(expr)-1]))
	case strings.HasPrefix(expr, "rate(") && strings.HasSuffix(expr, ")"):
		return validateRate(strings.TrimSpace(expr[5 : len(expr)-1]))
	default:
		return fmt.Errorf(
			"invalid schedule expression %q: use 'cron(minute hour day month day-of-week ?)' or 'rate(value unit)'",
			expr)
	}
}

func validateCron(cronExpr string) error {
	fields := strings.Fields(cronExpr)
	if len(fields) < 5 || len(fields) > 6 {
		return fmt.Errorf(
			"invalid cron expression %q: expected 5 or 6 fields (minute hour day month day-of-week ?)",
			cronExpr)
	}
	return nil
}

var rateUnits = map[string]bool{
	"minute": true, "minutes": true,
	"hour": true, "hours": true,
	"day": true, "days": true,
}

func validateRate(rateExpr string) error {
	if rateExpr == "" {
		return fmt.Errorf("rate expression cannot be empty")
	}
	fields := strings.Fields(rateExpr)
	if len(fields) != 2 {
		return fmt.Errorf("invalid rate expression %q: expected 'rate(value unit)'", rateExpr)
	}
	value, err := strconv.Atoi(fields[0])
	if err != nil || value < 1 {
		return fmt.Errorf("invalid rate expression %q: value must be a positive integer", rateExpr)
	}
	if !rateUnits[strings.ToLower(fields[1])] {
		return fmt.Errorf(
			"invalid rate expression %q: unit must be one of: day, days, hour, hours, minute, minutes",
			rateExpr)
	}
	return nil
}
