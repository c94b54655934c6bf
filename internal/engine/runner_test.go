package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtaflow/virta/pkg/api"
	"github.com/virtaflow/virta/pkg/store"
)

func newTestRunner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return New(st, opts...)
}

func resolve(t *testing.T, name string, tail api.Chainable) *api.Graph {
	t.Helper()
	g, err := api.Resolve(name, "", tail)
	require.NoError(t, err)
	return g
}

func quickRetry(maxRetries int) api.RetryPolicy {
	return api.RetryPolicy{
		MaxRetries: maxRetries,
		Delay:      time.Millisecond,
		Backoff:    1.0,
		MaxDelay:   10 * time.Millisecond,
	}
}

func TestRun_LinearChain(t *testing.T) {
	a := api.NewStep("a", func(ctx context.Context, in api.Input) (any, error) {
		return "a", nil
	})
	b := api.NewStep("b", func(ctx context.Context, in api.Input) (any, error) {
		return in.Value.(string) + "b", nil
	})
	c := api.NewStep("c", func(ctx context.Context, in api.Input) (any, error) {
		return in.Value.(string) + "c", nil
	})

	result, err := newTestRunner(t).Run(context.Background(), resolve(t, "letters", a.Next(b).Next(c)), nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", result)
}

func TestRun_FanOutDoubleSum(t *testing.T) {
	items := api.NewStep("items", func(ctx context.Context, in api.Input) (any, error) {
		return []int{1, 2, 3}, nil
	})
	double := api.NewStep("double", func(ctx context.Context, in api.Input) (any, error) {
		return in.Value.(int) * 2, nil
	})
	sum := api.NewStep("sum", func(ctx context.Context, in api.Input) (any, error) {
		total := 0
		for _, v := range in.Value.([]any) {
			total += v.(int)
		}
		return total, nil
	})

	result, err := newTestRunner(t).Run(context.Background(), resolve(t, "totals", items.Map(double).Agg(sum)), nil)
	require.NoError(t, err)
	assert.Equal(t, 12, result)
}

func TestRun_FanOutChainedInnerSteps(t *testing.T) {
	items := api.NewStep("items", func(ctx context.Context, in api.Input) (any, error) {
		return []int{1, 2, 3}, nil
	})
	addOne := api.NewStep("add_one", func(ctx context.Context, in api.Input) (any, error) {
		return in.Value.(int) + 1, nil
	})
	double := api.NewStep("double", func(ctx context.Context, in api.Input) (any, error) {
		return in.Value.(int) * 2, nil
	})
	sum := api.NewStep("sum", func(ctx context.Context, in api.Input) (any, error) {
		total := 0
		for _, v := range in.Value.([]any) {
			total += v.(int)
		}
		return total, nil
	})

	// (1+1)*2 + (2+1)*2 + (3+1)*2 = 18
	tail := items.Map(addOne).Next(double).Agg(sum)
	result, err := newTestRunner(t).Run(context.Background(), resolve(t, "chained", tail), nil)
	require.NoError(t, err)
	assert.Equal(t, 18, result)
}

func TestRun_FanOutPreservesElementOrder(t *testing.T) {
	items := api.NewStep("items", func(ctx context.Context, in api.Input) (any, error) {
		return []string{"c", "a", "b"}, nil
	})
	tag := api.NewStep("tag", func(ctx context.Context, in api.Input) (any, error) {
		return in.Value.(string) + "!", nil
	})
	join := api.NewStep("join", func(ctx context.Context, in api.Input) (any, error) {
		var out string
		for _, v := range in.Value.([]any) {
			out += v.(string)
		}
		return out, nil
	})

	result, err := newTestRunner(t).Run(context.Background(), resolve(t, "ordered", items.Map(tag).Agg(join)), nil)
	require.NoError(t, err)
	assert.Equal(t, "c!a!b!", result, "aggregate input keeps manifest order regardless of completion order")
}

func TestRun_FanOutConcurrencyLimit(t *testing.T) {
	items := api.NewStep("items", func(ctx context.Context, in api.Input) (any, error) {
		return []int{1, 2, 3, 4, 5, 6}, nil
	})

	var mu sync.Mutex
	inFlight, peak := 0, 0
	slow := api.NewStep("slow", func(ctx context.Context, in api.Input) (any, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return in.Value, nil
	})
	collect := api.NewStep("collect", func(ctx context.Context, in api.Input) (any, error) {
		return len(in.Value.([]any)), nil
	})

	tail := items.Map(slow, api.WithConcurrencyLimit(2)).Agg(collect)
	result, err := newTestRunner(t).Run(context.Background(), resolve(t, "limited", tail), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, result)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2, "no more than the limit may run at once")
}

func TestRun_SecondRegionAfterAggregate(t *testing.T) {
	items := api.NewStep("items", func(ctx context.Context, in api.Input) (any, error) {
		return []int{1, 2}, nil
	})
	double := api.NewStep("double", func(ctx context.Context, in api.Input) (any, error) {
		return in.Value.(int) * 2, nil
	})
	// Aggregate returns a sequence, so it can source a second region.
	spread := api.NewStep("spread", func(ctx context.Context, in api.Input) (any, error) {
		var out []int
		for _, v := range in.Value.([]any) {
			out = append(out, v.(int), v.(int))
		}
		return out, nil
	})
	negate := api.NewStep("negate", func(ctx context.Context, in api.Input) (any, error) {
		return -in.Value.(int), nil
	})
	sum := api.NewStep("sum", func(ctx context.Context, in api.Input) (any, error) {
		total := 0
		for _, v := range in.Value.([]any) {
			total += v.(int)
		}
		return total, nil
	})

	// [1 2] -> doubled [2 4] -> spread [2 2 4 4] -> negated -> -12
	tail := items.Map(double).Agg(spread).Map(negate).Agg(sum)
	result, err := newTestRunner(t).Run(context.Background(), resolve(t, "two-regions", tail), nil)
	require.NoError(t, err)
	assert.Equal(t, -12, result)
}

func TestRun_RetrySucceedsOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	flaky := api.NewStep("flaky", func(ctx context.Context, in api.Input) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, api.WithRetry(quickRetry(2)))

	result, err := newTestRunner(t).Run(context.Background(), resolve(t, "retry", flaky), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(2), calls.Load(), "step must run exactly twice")
}

func TestRun_NoRetriesPropagatesOriginalError(t *testing.T) {
	boom := fmt.Errorf("row %d is corrupt", 17)
	broken := api.NewStep("broken", func(ctx context.Context, in api.Input) (any, error) {
		return nil, boom
	})

	_, err := newTestRunner(t).Run(context.Background(), resolve(t, "fails", broken), nil)
	require.Error(t, err)
	assert.Same(t, boom, err, "the step's error must propagate unchanged")
}

func TestRun_RetryExhaustionPropagatesLastError(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("still broken")
	broken := api.NewStep("broken", func(ctx context.Context, in api.Input) (any, error) {
		calls.Add(1)
		return nil, boom
	}, api.WithRetry(quickRetry(2)))

	_, err := newTestRunner(t).Run(context.Background(), resolve(t, "exhausted", broken), nil)
	require.Error(t, err)
	assert.Same(t, boom, err)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestRun_DefaultRetryAppliesToUnconfiguredSteps(t *testing.T) {
	var calls atomic.Int32
	flaky := api.NewStep("flaky", func(ctx context.Context, in api.Input) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	runner := newTestRunner(t, WithDefaultRetry(quickRetry(2)))
	result, err := runner.Run(context.Background(), resolve(t, "fallback", flaky), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(2), calls.Load(), "unconfigured step retries under the fallback policy")
}

func TestRun_ExplicitRetryWinsOverDefault(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	broken := api.NewStep("broken", func(ctx context.Context, in api.Input) (any, error) {
		calls.Add(1)
		return nil, boom
	}, api.WithRetry(quickRetry(0)))

	runner := newTestRunner(t, WithDefaultRetry(quickRetry(5)))
	_, err := runner.Run(context.Background(), resolve(t, "explicit", broken), nil)
	require.Error(t, err)
	assert.Same(t, boom, err)
	assert.Equal(t, int32(1), calls.Load(), "an explicit zero-retry policy is not overridden")
}

func TestRun_NonRetryableErrorFailsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	var calls atomic.Int32

	policy := quickRetry(5)
	policy.RetryIf = func(err error) bool { return !errors.Is(err, fatal) }

	broken := api.NewStep("broken", func(ctx context.Context, in api.Input) (any, error) {
		calls.Add(1)
		return nil, fatal
	}, api.WithRetry(policy))

	_, err := newTestRunner(t).Run(context.Background(), resolve(t, "fatal", broken), nil)
	require.Error(t, err)
	assert.Same(t, fatal, err)
	assert.Equal(t, int32(1), calls.Load(), "non-retryable errors skip the retry budget")
}

func TestRun_RetryInsideFanOutElement(t *testing.T) {
	items := api.NewStep("items", func(ctx context.Context, in api.Input) (any, error) {
		return []int{1, 2, 3}, nil
	})

	var failedOnce atomic.Bool
	double := api.NewStep("double", func(ctx context.Context, in api.Input) (any, error) {
		if in.Value.(int) == 2 && !failedOnce.Swap(true) {
			return nil, errors.New("transient")
		}
		return in.Value.(int) * 2, nil
	}, api.WithRetry(quickRetry(1)))
	sum := api.NewStep("sum", func(ctx context.Context, in api.Input) (any, error) {
		total := 0
		for _, v := range in.Value.([]any) {
			total += v.(int)
		}
		return total, nil
	})

	result, err := newTestRunner(t).Run(context.Background(), resolve(t, "flaky-map", items.Map(double).Agg(sum)), nil)
	require.NoError(t, err)
	assert.Equal(t, 12, result, "only the failing element re-runs")
}

func TestRun_DefaultArgsReachHeadStep(t *testing.T) {
	head := api.NewStep("head", func(ctx context.Context, in api.Input) (any, error) {
		return fmt.Sprintf("%v:%v", in.Args[0], in.Args[1]), nil
	}).Invoke("s3://bucket", 7)

	result, err := newTestRunner(t).Run(context.Background(), resolve(t, "args", head), nil)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket:7", result)
}

func TestRun_ParamFiltering(t *testing.T) {
	var declared, all, none map[string]any

	a := api.NewStep("a", func(ctx context.Context, in api.Input) (any, error) {
		declared = in.Params
		return "x", nil
	}, api.WithParams("date"))
	b := api.NewStep("b", func(ctx context.Context, in api.Input) (any, error) {
		all = in.Params
		return in.Value, nil
	}, api.WithAllParams())
	c := api.NewStep("c", func(ctx context.Context, in api.Input) (any, error) {
		none = in.Params
		return in.Value, nil
	})

	params := map[string]any{"date": "2026-01-01", "region": "eu"}
	_, err := newTestRunner(t).Run(context.Background(), resolve(t, "params", a.Next(b).Next(c)), params)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"date": "2026-01-01"}, declared)
	assert.Equal(t, params, all)
	assert.Nil(t, none, "undeclared steps see no parameters")
}

func TestRun_FanOutFromMissingManifestFails(t *testing.T) {
	// The source returns a scalar, so no manifest is written and the
	// fan-out cannot start.
	scalar := api.NewStep("scalar", func(ctx context.Context, in api.Input) (any, error) {
		return 42, nil
	})
	inner := api.NewStep("inner", func(ctx context.Context, in api.Input) (any, error) {
		return in.Value, nil
	})
	agg := api.NewStep("agg", func(ctx context.Context, in api.Input) (any, error) {
		return in.Value, nil
	})

	_, err := newTestRunner(t).Run(context.Background(), resolve(t, "no-manifest", scalar.Map(inner).Agg(agg)), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_EmptyFanOut(t *testing.T) {
	items := api.NewStep("items", func(ctx context.Context, in api.Input) (any, error) {
		return []int{}, nil
	})
	inner := api.NewStep("inner", func(ctx context.Context, in api.Input) (any, error) {
		t.Error("inner step must not run for an empty manifest")
		return in.Value, nil
	})
	count := api.NewStep("count", func(ctx context.Context, in api.Input) (any, error) {
		return len(in.Value.([]any)), nil
	})

	result, err := newTestRunner(t).Run(context.Background(), resolve(t, "empty", items.Map(inner).Agg(count)), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result)
}

func TestRun_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	broken := api.NewStep("broken", func(ctx context.Context, in api.Input) (any, error) {
		cancel()
		return nil, errors.New("transient")
	}, api.WithRetry(api.RetryPolicy{
		MaxRetries: 3,
		Delay:      time.Hour,
		Backoff:    1.0,
		MaxDelay:   time.Hour,
	}))

	done := make(chan error, 1)
	go func() {
		_, err := newTestRunner(t).Run(ctx, resolve(t, "cancel", broken), nil)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on context cancellation")
	}
}

// recordingObserver collects lifecycle events for assertions.
type recordingObserver struct {
	api.NoopObserver

	mu       sync.Mutex
	events   []string
	retries  int
	progress []int
}

func (o *recordingObserver) OnFlowStart(ctx context.Context, flowName, runID string) {
	o.record("flow_start")
}

func (o *recordingObserver) OnFlowCompleted(ctx context.Context, flowName, runID string, elapsed time.Duration) {
	o.record("flow_completed")
}

func (o *recordingObserver) OnFlowFailed(ctx context.Context, flowName, runID string, err error) {
	o.record("flow_failed")
}

func (o *recordingObserver) OnStepStart(ctx context.Context, flowName, runID, stepName string) {
	o.record("step_start:" + stepName)
}

func (o *recordingObserver) OnStepRetry(ctx context.Context, flowName, runID, stepName string, attempt int, delay time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func (o *recordingObserver) OnMapProgress(ctx context.Context, flowName, runID, stepName string, completed, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, completed)
}

func (o *recordingObserver) record(ev string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func TestRun_ObserverEvents(t *testing.T) {
	obs := &recordingObserver{}

	items := api.NewStep("items", func(ctx context.Context, in api.Input) (any, error) {
		return []int{10, 20}, nil
	})
	var failedOnce atomic.Bool
	double := api.NewStep("double", func(ctx context.Context, in api.Input) (any, error) {
		if !failedOnce.Swap(true) {
			return nil, errors.New("transient")
		}
		return in.Value.(int) * 2, nil
	}, api.WithRetry(quickRetry(1)))
	sum := api.NewStep("sum", func(ctx context.Context, in api.Input) (any, error) {
		total := 0
		for _, v := range in.Value.([]any) {
			total += v.(int)
		}
		return total, nil
	})

	_, err := newTestRunner(t, WithObserver(obs)).Run(context.Background(),
		resolve(t, "observed", items.Map(double).Agg(sum)), nil)
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()

	assert.Equal(t, "flow_start", obs.events[0])
	assert.Equal(t, "flow_completed", obs.events[len(obs.events)-1])
	assert.Contains(t, obs.events, "step_start:items")
	assert.Contains(t, obs.events, "step_start:sum")
	assert.Equal(t, 1, obs.retries)
	assert.Len(t, obs.progress, 2, "one progress event per completed element")
	assert.Contains(t, obs.progress, 2, "last progress event reports all elements done")
}

func TestRun_FlowFailedEvent(t *testing.T) {
	obs := &recordingObserver{}
	broken := api.NewStep("broken", func(ctx context.Context, in api.Input) (any, error) {
		return nil, errors.New("boom")
	})

	_, err := newTestRunner(t, WithObserver(obs)).Run(context.Background(), resolve(t, "failing", broken), nil)
	require.Error(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"flow_start", "step_start:broken", "flow_failed"}, obs.events)
}

func TestRun_EmptyGraph(t *testing.T) {
	_, err := newTestRunner(t).Run(context.Background(), nil, nil)
	assert.Error(t, err)
}
