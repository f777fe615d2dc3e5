package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/helpers"
)

// TopicForConversation names the per-conversation event topic, so UI layers
// can subscribe to a single conversation's stream.
func TopicForConversation(id conversation.ConversationID) string {
	return "chat." + id.String()
}

// EventRouter ties an in-process gochannel pub/sub to handler functions. The
// orchestrator publishes through a WatermillSink; UI layers register handlers
// per topic.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose() EventRouterOption {
	return func(r *EventRouter) {
		r.logger = helpers.NewWatermill(log.Logger)
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
	}

	for _, o := range options {
		o(ret)
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: false,
	}, ret.logger)
	ret.Publisher = pubSub
	ret.Subscriber = pubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

// Sink returns a sink publishing onto the given topic.
func (e *EventRouter) Sink(topic string) *WatermillSink {
	return NewWatermillSink(e.Publisher, topic)
}

// AddHandler registers a handler that receives every decoded event published
// on topic. Messages that fail to decode are logged and acked so one bad
// payload does not wedge the stream.
func (e *EventRouter) AddHandler(name, topic string, handler func(context.Context, Event) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber,
		func(msg *message.Message) error {
			ev, err := NewEventFromJSON(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("message_id", msg.UUID).Msg("failed to decode chat event")
				return nil
			}
			return handler(msg.Context(), ev)
		})
}

// Run blocks until ctx is cancelled or the router is closed.
func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

// Running returns a channel closed once the router has started all handlers.
func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) Close() error {
	log.Debug().Msg("closing event router")
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close publisher")
	}
	return e.router.Close()
}
