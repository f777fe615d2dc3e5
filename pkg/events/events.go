package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/arbor/pkg/conversation"
)

type EventType string

const (
	// EventTypeStart marks the transition into Loading: the request is on the
	// wire and a pending assistant message exists.
	EventTypeStart EventType = "start"
	// EventTypePartial carries one content delta plus the accumulated text.
	EventTypePartial EventType = "partial"
	// EventTypePartialThinking is the separate partial stream for reasoning
	// text.
	EventTypePartialThinking EventType = "partial-thinking"
	// EventTypeToolCallBatch carries one finalized batch of merged tool calls.
	EventTypeToolCallBatch EventType = "tool-call-batch"
	// EventTypeModel reports the resolved model name, first occurrence wins.
	EventTypeModel EventType = "model"
	// EventTypeProcessing carries timing/progress telemetry for the UI.
	EventTypeProcessing EventType = "processing"
	// EventTypeFinal carries the completed message.
	EventTypeFinal EventType = "final"
	// EventTypeInterrupt is a user-initiated stop; partial text was kept.
	EventTypeInterrupt EventType = "interrupt"
	EventTypeError     EventType = "error"
)

// EventMetadata correlates an event with the session that emitted it.
type EventMetadata struct {
	ConversationID conversation.ConversationID `json:"conversationId"`
	MessageID      conversation.MessageID      `json:"messageId"`
	Model          string                      `json:"model,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("conversation_id", em.ConversationID.String())
	e.Str("message_id", em.MessageID.String())
	if em.Model != "" {
		e.Str("model", em.Model)
	}
}

type Event interface {
	Type() EventType
	Metadata() EventMetadata
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }

var _ Event = (*EventImpl)(nil)

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata}}
}

type EventPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialEvent(metadata EventMetadata, delta, completion string) *EventPartial {
	return &EventPartial{
		EventImpl:  EventImpl{Type_: EventTypePartial, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

type EventPartialThinking struct {
	EventImpl
	Delta    string `json:"delta"`
	Thinking string `json:"thinking"`
}

func NewPartialThinkingEvent(metadata EventMetadata, delta, thinking string) *EventPartialThinking {
	return &EventPartialThinking{
		EventImpl: EventImpl{Type_: EventTypePartialThinking, Metadata_: metadata},
		Delta:     delta,
		Thinking:  thinking,
	}
}

// ToolCall is one fully merged tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type EventToolCallBatch struct {
	EventImpl
	Calls []ToolCall `json:"calls"`
}

func NewToolCallBatchEvent(metadata EventMetadata, calls []ToolCall) *EventToolCallBatch {
	return &EventToolCallBatch{
		EventImpl: EventImpl{Type_: EventTypeToolCallBatch, Metadata_: metadata},
		Calls:     calls,
	}
}

type EventModel struct {
	EventImpl
	Model string `json:"model"`
}

func NewModelEvent(metadata EventMetadata, model string) *EventModel {
	return &EventModel{
		EventImpl: EventImpl{Type_: EventTypeModel, Metadata_: metadata},
		Model:     model,
	}
}

// ProcessingState is the UI telemetry projection of timing and
// prompt-progress snapshots. It is never persisted.
type ProcessingState struct {
	PromptTokens     int     `json:"promptTokens"`
	PromptProcessed  int     `json:"promptProcessed"`
	PromptTotal      int     `json:"promptTotal"`
	CachedTokens     int     `json:"cachedTokens"`
	TokensDecoded    int     `json:"tokensDecoded"`
	TokensPerSecond  float64 `json:"tokensPerSecond"`
	ContextUsed      int     `json:"contextUsed"`
	ContextTotal     int     `json:"contextTotal,omitempty"`
	PromptProgressMS float64 `json:"promptProgressMs,omitempty"`
}

type EventProcessing struct {
	EventImpl
	State ProcessingState `json:"state"`
}

func NewProcessingEvent(metadata EventMetadata, state ProcessingState) *EventProcessing {
	return &EventProcessing{
		EventImpl: EventImpl{Type_: EventTypeProcessing, Metadata_: metadata},
		State:     state,
	}
}

type EventFinal struct {
	EventImpl
	Text      string                    `json:"text"`
	Thinking  string                    `json:"thinking,omitempty"`
	ToolCalls []ToolCall                `json:"toolCalls,omitempty"`
	Timings   *conversation.TimingStats `json:"timings,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, text, thinking string, toolCalls []ToolCall, timings *conversation.TimingStats) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
		Thinking:  thinking,
		ToolCalls: toolCalls,
		Timings:   timings,
	}
}

type EventInterrupt struct {
	EventImpl
	Text     string `json:"text"`
	Thinking string `json:"thinking,omitempty"`
}

func NewInterruptEvent(metadata EventMetadata, text, thinking string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
		Thinking:  thinking,
	}
}

type EventError struct {
	EventImpl
	Kind        string `json:"kind"`
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, kind string, err error) *EventError {
	ret := &EventError{
		EventImpl: EventImpl{Type_: EventTypeError, Metadata_: metadata},
		Kind:      kind,
	}
	if err != nil {
		ret.ErrorString = err.Error()
	}
	return ret
}

// NewEventFromJSON decodes an event previously serialized for the router.
func NewEventFromJSON(b []byte) (Event, error) {
	var head EventImpl
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, errors.Wrap(err, "decode event header")
	}

	var ev Event
	switch head.Type_ {
	case EventTypeStart:
		ev = &EventStart{}
	case EventTypePartial:
		ev = &EventPartial{}
	case EventTypePartialThinking:
		ev = &EventPartialThinking{}
	case EventTypeToolCallBatch:
		ev = &EventToolCallBatch{}
	case EventTypeModel:
		ev = &EventModel{}
	case EventTypeProcessing:
		ev = &EventProcessing{}
	case EventTypeFinal:
		ev = &EventFinal{}
	case EventTypeInterrupt:
		ev = &EventInterrupt{}
	case EventTypeError:
		ev = &EventError{}
	default:
		return nil, errors.Errorf("unknown event type %q", head.Type_)
	}

	if err := json.Unmarshal(b, ev); err != nil {
		return nil, errors.Wrapf(err, "decode %s event", head.Type_)
	}
	return ev, nil
}
