package api

import "fmt"

// Chainable is anything the author's flow-construction function may return:
// the tail *Step of a chain, or a *MapBlock (which Resolve rejects as an
// unterminated region).
type Chainable interface {
	chainTail()
}

func (*Step) chainTail()     {}
func (*MapBlock) chainTail() {}

// StructuralError reports a malformed flow definition: an unterminated or
// nested map region, or a chain the resolver cannot walk. It always names
// the offending step. Structural errors are never retried; they indicate an
// authoring bug.
type StructuralError struct {
	Step string
	Msg  string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("virta: flow structure error at step %q: %s", e.Step, e.Msg)
}

// Entry is one element of a resolved flow graph, in execution order. It is
// one of TaskEntry, MapOpenEntry or MapCloseEntry.
type Entry interface {
	entry()
}

// TaskEntry is a single unit of sequential work.
type TaskEntry struct {
	Node *Step
}

// MapOpenEntry opens parallel element-wise processing of the source step's
// sequence output. InnerSteps is the flattened per-element chain in
// execution order.
type MapOpenEntry struct {
	Source           *Step
	InnerSteps       []*Step
	ConcurrencyLimit int
}

// MapCloseEntry closes a map region: AggStep consumes the full ordered
// slice of per-element results. Source and LastInner identify where the
// region's manifest and final per-element outputs live.
type MapCloseEntry struct {
	AggStep   *Step
	Source    *Step
	LastInner *Step
}

func (TaskEntry) entry()     {}
func (MapOpenEntry) entry()  {}
func (MapCloseEntry) entry() {}

// Graph is the resolved, validated form of a flow: the canonical entry list
// consumed by both the state-machine compiler and the local engine. It is
// rebuilt from the author's chain on every flow invocation and never
// mutated afterwards.
type Graph struct {
	Name     string
	Schedule string
	Entries  []Entry
}

// Resolve walks the chain ending at tail and produces the canonical entry
// list. The author writes chains left to right but only the tail is
// returned by the flow-construction function, so resolution first follows
// the backward links recorded by the combinators to the true head, then
// walks forward emitting entries.
//
// Resolve returns a *StructuralError for unterminated map regions, nested
// map regions, or a tail that is still an open MapBlock.
func Resolve(name, schedule string, tail Chainable) (*Graph, error) {
	if tail == nil {
		return nil, &StructuralError{Step: name, Msg: "flow returned no chain"}
	}

	var tailStep *Step
	switch t := tail.(type) {
	case *MapBlock:
		return nil, &StructuralError{
			Step: t.source.Name,
			Msg:  "flow ends with an open fan-out region; close it with an aggregation step",
		}
	case *Step:
		tailStep = t
	default:
		return nil, &StructuralError{Step: name, Msg: fmt.Sprintf("unsupported chain tail %T", tail)}
	}

	head, err := findHead(tailStep)
	if err != nil {
		return nil, err
	}

	entries, err := walk(head)
	if err != nil {
		return nil, err
	}

	return &Graph{Name: name, Schedule: schedule, Entries: entries}, nil
}

// findHead follows prev links from the tail to the earliest step. The
// combinators record backward adjacency at link time, so this is a linear
// scan; the visited set guards against cycles from malformed manual
// linking.
func findHead(tail *Step) (*Step, error) {
	seen := make(map[*Step]bool)
	cur := tail
	for cur.prev != nil {
		if seen[cur] {
			return nil, &StructuralError{Step: cur.Name, Msg: "cycle detected while locating chain head"}
		}
		seen[cur] = true
		cur = cur.prev
	}
	return cur, nil
}

// walk emits entries in author order starting at the chain head.
//
// aggregated tracks whether cur has already been emitted as a
// MapCloseEntry: an aggregation step continues the chain (and may itself be
// the source of a following map region) but must not be emitted again as a
// TaskEntry.
//
// Step names double as state names in the compiled document and as
// intermediate-store keys, so every step emitted by the walk must carry a
// unique name; a collision is rejected here rather than silently merging
// states downstream.
func walk(head *Step) ([]Entry, error) {
	var entries []Entry
	seen := make(map[string]bool)
	record := func(s *Step) error {
		if seen[s.Name] {
			return &StructuralError{
				Step: s.Name,
				Msg:  "step name is used by more than one step in this flow",
			}
		}
		seen[s.Name] = true
		return nil
	}

	cur := head
	aggregated := false
	for cur != nil {
		block := cur.opensBlock
		if block == nil {
			if !aggregated {
				if err := record(cur); err != nil {
					return nil, err
				}
				entries = append(entries, TaskEntry{Node: cur})
			}
			cur = cur.next
			aggregated = false
			continue
		}

		// cur is the source of a map region. The source still runs as a
		// regular step; its output becomes the fan-out input.
		if !aggregated {
			if err := record(cur); err != nil {
				return nil, err
			}
			entries = append(entries, TaskEntry{Node: cur})
		}

		inner := block.InnerSteps()
		for _, s := range inner {
			if s.opensBlock != nil {
				return nil, &StructuralError{
					Step: s.Name,
					Msg:  "nested fan-out regions are not supported",
				}
			}
			if err := record(s); err != nil {
				return nil, err
			}
		}
		entries = append(entries, MapOpenEntry{
			Source:           cur,
			InnerSteps:       inner,
			ConcurrencyLimit: block.concurrencyLimit,
		})

		if block.next == nil || block.next.closesBlock != block {
			return nil, &StructuralError{
				Step: cur.Name,
				Msg:  "flow ends with an open fan-out region opened by this step; close it with an aggregation step",
			}
		}
		if err := record(block.next); err != nil {
			return nil, err
		}
		entries = append(entries, MapCloseEntry{
			AggStep:   block.next,
			Source:    cur,
			LastInner: block.innerTail,
		})
		cur = block.next
		aggregated = true
	}
	return entries, nil
}
