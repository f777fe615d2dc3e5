package events

import (
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventSink receives events as they are produced by a streaming session.
type EventSink interface {
	PublishEvent(event Event) error
}

// WatermillSink serializes events to JSON and publishes them on a watermill
// topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{publisher: publisher, topic: topic}
}

func (w *WatermillSink) PublishEvent(event Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	return errors.Wrap(w.publisher.Publish(w.topic, msg), "publish event")
}

var _ EventSink = (*WatermillSink)(nil)

// CallbackSink invokes a function for every event; handy in tests and for
// simple UI frontends that do not want a pub/sub layer.
type CallbackSink struct {
	fn func(Event)
}

func NewCallbackSink(fn func(Event)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (c *CallbackSink) PublishEvent(event Event) error {
	c.fn(event)
	return nil
}

var _ EventSink = (*CallbackSink)(nil)

// CollectorSink records events in memory, for tests.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

func NewCollectorSink() *CollectorSink {
	return &CollectorSink{}
}

func (c *CollectorSink) PublishEvent(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *CollectorSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

var _ EventSink = (*CollectorSink)(nil)

// PublishTo fans out one event to several sinks, best effort.
func PublishTo(sinks []EventSink, event Event) {
	for _, sink := range sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("failed to publish event to sink")
		}
	}
}
