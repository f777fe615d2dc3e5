package streaming

import (
	"encoding/json"

	"github.com/go-go-golems/arbor/pkg/events"
)

// ToolCallMerger accumulates tool-call deltas into merged calls.
//
// Deltas are merged by slot index within the currently open batch: a delta
// for an existing slot appends to that slot's name and arguments, a delta for
// a new slot opens it. A model may emit tool calls in several batches
// separated by content or reasoning; finalizing a batch freezes its calls and
// shifts the index offset so fragments from two separate calls never merge
// into one.
type ToolCallMerger struct {
	open      []events.ToolCall
	finalized []events.ToolCall
	offset    int
}

func NewToolCallMerger() *ToolCallMerger {
	return &ToolCallMerger{}
}

func (m *ToolCallMerger) AddDeltas(deltas []ToolCallDelta) {
	for _, d := range deltas {
		slot := len(m.open)
		if d.Index != nil {
			slot = *d.Index - m.offset
		}
		if slot < 0 {
			slot = len(m.open)
		}
		for len(m.open) <= slot {
			m.open = append(m.open, events.ToolCall{})
		}

		call := &m.open[slot]
		if d.ID != "" {
			call.ID = d.ID
		}
		if d.Type != "" {
			call.Type = d.Type
		}
		call.Name += d.Function.Name
		call.Arguments += d.Function.Arguments
	}
}

// HasOpenBatch reports whether unfinalized calls are pending.
func (m *ToolCallMerger) HasOpenBatch() bool {
	return len(m.open) > 0
}

// FinalizeBatch freezes the open batch and returns it. Subsequent deltas
// start a fresh batch with indexes offset past the frozen calls.
func (m *ToolCallMerger) FinalizeBatch() []events.ToolCall {
	if len(m.open) == 0 {
		return nil
	}
	batch := m.open
	m.finalized = append(m.finalized, batch...)
	m.offset += len(batch)
	m.open = nil
	return batch
}

// Calls returns every merged call seen so far, finalized batches first, in
// arrival order.
func (m *ToolCallMerger) Calls() []events.ToolCall {
	ret := make([]events.ToolCall, 0, len(m.finalized)+len(m.open))
	ret = append(ret, m.finalized...)
	ret = append(ret, m.open...)
	return ret
}

// Payload renders all merged calls as a JSON array, the form persisted on the
// assistant message. Returns "" when no calls were made.
func (m *ToolCallMerger) Payload() (string, error) {
	calls := m.Calls()
	if len(calls) == 0 {
		return "", nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
