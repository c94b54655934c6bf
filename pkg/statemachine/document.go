// Package statemachine compiles a resolved flow graph into the declarative
// workflow document understood by the step-orchestration service.
//
// The document shape is a strict contract: every state carries exactly one
// of Next or End; map states always include ItemReader, ItemProcessor and
// ResultWriter; retry blocks are lists of {ErrorEquals, IntervalSeconds,
// MaxAttempts, BackoffRate}.
package statemachine

import "encoding/json"

// Document is the compiled workflow definition.
type Document struct {
	Comment string            `json:"Comment,omitempty"`
	StartAt string            `json:"StartAt"`
	States  map[string]*State `json:"States"`
}

// JSON renders the document as indented JSON, the form embedded verbatim
// into infrastructure templates.
func (d *Document) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// State is a single state of the document. Task states use Resource /
// Parameters / ResultPath / Retry; map states use ItemReader /
// ItemProcessor / ResultWriter / MaxConcurrency.
type State struct {
	Type           string         `json:"Type"`
	Resource       string         `json:"Resource,omitempty"`
	Parameters     map[string]any `json:"Parameters,omitempty"`
	ResultPath     string         `json:"ResultPath,omitempty"`
	Retry          []RetryRule    `json:"Retry,omitempty"`
	ItemReader     *ItemReader    `json:"ItemReader,omitempty"`
	ItemProcessor  *ItemProcessor `json:"ItemProcessor,omitempty"`
	ResultWriter   *ResultWriter  `json:"ResultWriter,omitempty"`
	MaxConcurrency int            `json:"MaxConcurrency,omitempty"`
	Next           string         `json:"Next,omitempty"`
	End            bool           `json:"End,omitempty"`
}

// RetryRule is one element of a task state's retry block.
type RetryRule struct {
	ErrorEquals     []string `json:"ErrorEquals"`
	IntervalSeconds int      `json:"IntervalSeconds"`
	MaxAttempts     int      `json:"MaxAttempts"`
	BackoffRate     float64  `json:"BackoffRate"`
}

// ItemReader tells the orchestrator where a map state's element manifest
// lives.
type ItemReader struct {
	Resource     string         `json:"Resource"`
	ReaderConfig map[string]any `json:"ReaderConfig"`
	Parameters   map[string]any `json:"Parameters"`
}

// ItemProcessor holds the per-element inner state machine of a map state.
type ItemProcessor struct {
	ProcessorConfig map[string]any    `json:"ProcessorConfig"`
	StartAt         string            `json:"StartAt"`
	States          map[string]*State `json:"States"`
}

// ResultWriter tells the orchestrator where to persist per-element results.
type ResultWriter struct {
	Resource   string         `json:"Resource"`
	Parameters map[string]any `json:"Parameters"`
}
