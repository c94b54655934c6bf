package statemachine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/virtaflow/virta/pkg/api"
	"github.com/virtaflow/virta/pkg/config"
)

// resultPath is where every task state writes its output, preserving the
// surrounding run state (bucket, run_id, flow parameters) for later states.
const resultPath = "$.result"

// errAll matches every error class in a retry block.
const errAll = "States.ALL"

// Compile translates a resolved graph into a declarative workflow document.
//
// Compile is a pure function of the graph and the configuration. It does
// not fail for any graph that passed resolution: configuration gaps fall
// back to the defaults in config.Default.
func Compile(graph *api.Graph, cfg *config.Config) (*Document, error) {
	if graph == nil {
		return nil, fmt.Errorf("statemachine: nil graph")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	doc := &Document{
		Comment: fmt.Sprintf("virta flow %s", graph.Name),
		States:  make(map[string]*State, len(graph.Entries)),
	}

	var order []string
	add := func(name string, st *State) {
		if prev := len(order) - 1; prev >= 0 {
			doc.States[order[prev]].Next = name
		}
		doc.States[name] = st
		order = append(order, name)
	}

	for _, entry := range graph.Entries {
		switch e := entry.(type) {
		case api.TaskEntry:
			add(StateName(e.Node.Name), taskState(e.Node, cfg, graph.Name))

		case api.MapOpenEntry:
			add(StateName(e.Source.Name)+"Map", mapState(e, cfg, graph.Name))

		case api.MapCloseEntry:
			// The aggregation step compiles exactly like a task; the map
			// state's collected result list is wired to it by the
			// orchestrator's document semantics.
			add(StateName(e.AggStep.Name), taskState(e.AggStep, cfg, graph.Name))

		default:
			return nil, fmt.Errorf("statemachine: unknown graph entry %T", entry)
		}
	}

	if len(order) == 0 {
		return nil, fmt.Errorf("statemachine: flow %q resolved to no entries", graph.Name)
	}

	last := doc.States[order[len(order)-1]]
	last.Next = ""
	last.End = true
	doc.StartAt = order[0]

	return doc, nil
}

// taskState builds the state for a single step, lightweight or heavyweight.
// Retry translation is identical for both classes; for heavyweight steps
// the batch executor's own retries are a separate, additive layer.
func taskState(node *api.Step, cfg *config.Config, flowName string) *State {
	policy := node.Retry
	if !node.RetryConfigured() {
		policy = cfg.Retry.ToPolicy()
	}

	st := &State{
		Type:       "Task",
		ResultPath: resultPath,
		Retry:      retryRules(policy),
	}

	if node.Class == api.ClassHeavyweight {
		st.Resource = "arn:aws:states:::batch:submitJob.sync"
		st.Parameters = batchParameters(node, cfg, flowName)
		return st
	}

	st.Resource = lambdaARN(flowName, node.Name)
	return st
}

func batchParameters(node *api.Step, cfg *config.Config, flowName string) map[string]any {
	vcpu := node.VCPU
	if vcpu <= 0 {
		vcpu = cfg.Batch.VCPU
	}
	memory := node.MemoryMB
	if memory <= 0 {
		memory = cfg.Batch.MemoryMB
	}
	timeout := node.TimeoutSeconds
	if timeout <= 0 {
		timeout = cfg.Batch.TimeoutSeconds
	}
	jobDef := cfg.Batch.JobDefinitionName
	if jobDef == "" {
		jobDef = flowName
	}

	return map[string]any{
		"JobName":       fmt.Sprintf("%s-%s", flowName, node.Name),
		"JobQueue":      cfg.Batch.JobQueue,
		"JobDefinition": jobDef,
		"ContainerOverrides": map[string]any{
			"ResourceRequirements": []any{
				map[string]any{"Type": "VCPU", "Value": strconv.Itoa(vcpu)},
				map[string]any{"Type": "MEMORY", "Value": strconv.Itoa(memory)},
			},
		},
		"Timeout": map[string]any{
			"AttemptDurationSeconds": timeout,
		},
	}
}

// mapState builds the distributed map state for a fan-out region: manifest
// reader, per-element inner processor, and durable result writer.
func mapState(e api.MapOpenEntry, cfg *config.Config, flowName string) *State {
	inner := make(map[string]*State, len(e.InnerSteps))
	var innerOrder []string
	for _, stepNode := range e.InnerSteps {
		name := StateName(stepNode.Name)
		if prev := len(innerOrder) - 1; prev >= 0 {
			inner[innerOrder[prev]].Next = name
		}
		inner[name] = taskState(stepNode, cfg, flowName)
		innerOrder = append(innerOrder, name)
	}
	inner[innerOrder[len(innerOrder)-1]].End = true

	st := &State{
		Type: "Map",
		ItemReader: &ItemReader{
			Resource: "arn:aws:states:::s3:getObject",
			ReaderConfig: map[string]any{
				"InputType": "JSON",
				"MaxItems":  100000,
			},
			Parameters: map[string]any{
				"Bucket.$": "$.bucket",
				"Key.$":    "$.map_manifest_key",
			},
		},
		ItemProcessor: &ItemProcessor{
			ProcessorConfig: map[string]any{
				"Mode":          "DISTRIBUTED",
				"ExecutionType": "STANDARD",
			},
			StartAt: innerOrder[0],
			States:  inner,
		},
		ResultWriter: &ResultWriter{
			Resource: "arn:aws:states:::s3:putObject",
			Parameters: map[string]any{
				"Bucket.$": "$.bucket",
				"Prefix.$": fmt.Sprintf("States.Format('virta/%s/{}/', $.run_id)", flowName),
			},
		},
	}
	if e.ConcurrencyLimit > 0 {
		st.MaxConcurrency = e.ConcurrencyLimit
	}
	return st
}

// retryRules translates a step's retry policy into the document's retry
// block. Steps without retries get no block at all.
func retryRules(p api.RetryPolicy) []RetryRule {
	if p.MaxRetries <= 0 {
		return nil
	}
	kinds := p.ErrorKinds
	if len(kinds) == 0 {
		kinds = []string{errAll}
	}
	interval := int(p.Delay / time.Second)
	if interval < 1 {
		interval = 1
	}
	return []RetryRule{{
		ErrorEquals:     kinds,
		IntervalSeconds: interval,
		MaxAttempts:     p.MaxRetries + 1,
		BackoffRate:     p.Backoff,
	}}
}

// lambdaARN names the function for a step as <flow>-<step>, with the step
// name kept verbatim so deployed function names line up with the authored
// step names.
func lambdaARN(flowName, stepName string) string {
	return fmt.Sprintf(
		"arn:aws:lambda:${AWS::Region}:${AWS::AccountId}:function:%s-%s",
		flowName, stepName,
	)
}

// StateName converts a snake_case step name to the PascalCase state name
// used in the compiled document: "get_items" becomes "GetItems".
func StateName(stepName string) string {
	parts := strings.Split(stepName, "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(strings.ToLower(p[1:]))
	}
	return b.String()
}
