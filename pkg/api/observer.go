package api

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives callbacks from the local engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay flow execution.
type Observer interface {
	// OnFlowStart is called once when a run begins, before the first entry
	// executes.
	OnFlowStart(ctx context.Context, flowName, runID string)

	// OnFlowCompleted is called when a run finishes successfully.
	OnFlowCompleted(ctx context.Context, flowName, runID string, d time.Duration)

	// OnFlowFailed is called when a run aborts with an error.
	OnFlowFailed(ctx context.Context, flowName, runID string, err error)

	// OnStepStart is called before a step function is first invoked.
	OnStepStart(ctx context.Context, flowName, runID, stepName string)

	// OnStepCompleted is called after a step settles, for both successes
	// and failures (err != nil). attempts counts invocations of the step
	// function, including the first.
	OnStepCompleted(ctx context.Context, flowName, runID, stepName string, attempts int, err error, d time.Duration)

	// OnStepRetry is called before the engine sleeps ahead of a retry.
	// attempt is 0-indexed; delay is the backoff about to be applied.
	OnStepRetry(ctx context.Context, flowName, runID, stepName string, attempt int, delay time.Duration, err error)

	// OnMapProgress is called as per-element invocations of a map region
	// stage complete.
	OnMapProgress(ctx context.Context, flowName, runID, stepName string, completed, total int)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnFlowStart(ctx context.Context, flowName, runID string) {}
func (NoopObserver) OnFlowCompleted(ctx context.Context, flowName, runID string, d time.Duration) {
}
func (NoopObserver) OnFlowFailed(ctx context.Context, flowName, runID string, err error) {}
func (NoopObserver) OnStepStart(ctx context.Context, flowName, runID, stepName string)   {}
func (NoopObserver) OnStepCompleted(ctx context.Context, flowName, runID, stepName string, attempts int, err error, d time.Duration) {
}
func (NoopObserver) OnStepRetry(ctx context.Context, flowName, runID, stepName string, attempt int, delay time.Duration, err error) {
}
func (NoopObserver) OnMapProgress(ctx context.Context, flowName, runID, stepName string, completed, total int) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnFlowStart(ctx context.Context, flowName, runID string) {
	for _, o := range c.observers {
		o.OnFlowStart(ctx, flowName, runID)
	}
}

func (c *CompositeObserver) OnFlowCompleted(ctx context.Context, flowName, runID string, d time.Duration) {
	for _, o := range c.observers {
		o.OnFlowCompleted(ctx, flowName, runID, d)
	}
}

func (c *CompositeObserver) OnFlowFailed(ctx context.Context, flowName, runID string, err error) {
	for _, o := range c.observers {
		o.OnFlowFailed(ctx, flowName, runID, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, flowName, runID, stepName string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, flowName, runID, stepName)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, flowName, runID, stepName string, attempts int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, flowName, runID, stepName, attempts, err, d)
	}
}

func (c *CompositeObserver) OnStepRetry(ctx context.Context, flowName, runID, stepName string, attempt int, delay time.Duration, err error) {
	for _, o := range c.observers {
		o.OnStepRetry(ctx, flowName, runID, stepName, attempt, delay, err)
	}
}

func (c *CompositeObserver) OnMapProgress(ctx context.Context, flowName, runID, stepName string, completed, total int) {
	for _, o := range c.observers {
		o.OnMapProgress(ctx, flowName, runID, stepName, completed, total)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs flow / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnFlowStart(ctx context.Context, flowName, runID string) {
	o.Logger.InfoContext(ctx, "flow_start",
		slog.String("flow", flowName),
		slog.String("run_id", runID),
	)
}

func (o *LoggingObserver) OnFlowCompleted(ctx context.Context, flowName, runID string, d time.Duration) {
	o.Logger.InfoContext(ctx, "flow_completed",
		slog.String("flow", flowName),
		slog.String("run_id", runID),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnFlowFailed(ctx context.Context, flowName, runID string, err error) {
	o.Logger.ErrorContext(ctx, "flow_failed",
		slog.String("flow", flowName),
		slog.String("run_id", runID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, flowName, runID, stepName string) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("flow", flowName),
		slog.String("run_id", runID),
		slog.String("step", stepName),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, flowName, runID, stepName string, attempts int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("flow", flowName),
		slog.String("run_id", runID),
		slog.String("step", stepName),
		slog.Int("attempts", attempts),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepRetry(ctx context.Context, flowName, runID, stepName string, attempt int, delay time.Duration, err error) {
	o.Logger.InfoContext(ctx, "step_retry",
		slog.String("flow", flowName),
		slog.String("run_id", runID),
		slog.String("step", stepName),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnMapProgress(ctx context.Context, flowName, runID, stepName string, completed, total int) {
	o.Logger.DebugContext(ctx, "map_progress",
		slog.String("flow", flowName),
		slog.String("run_id", runID),
		slog.String("step", stepName),
		slog.Int("completed", completed),
		slog.Int("total", total),
	)
}
