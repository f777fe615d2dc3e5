package streaming

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/store"
)

// ErrSessionActive is returned when a send is attempted while the
// conversation is already Loading or Streaming.
var ErrSessionActive = errors.New("a completion is already active for this conversation")

// Orchestrator drives at most one completion per conversation, many
// conversations concurrently. Each session owns an independent accumulator
// and cancellation handle; delta application order is exactly transport
// decode order.
type Orchestrator struct {
	store  store.Store
	client *Client

	sinks       []events.EventSink
	sinkFactory func(conversation.ConversationID) []events.EventSink

	mu       sync.Mutex
	sessions map[conversation.ConversationID]*session
}

type OrchestratorOption func(*Orchestrator)

// WithSinks adds sinks that receive events from every conversation.
func WithSinks(sinks ...events.EventSink) OrchestratorOption {
	return func(o *Orchestrator) {
		o.sinks = append(o.sinks, sinks...)
	}
}

// WithSinkFactory adds per-conversation sinks, e.g. a watermill sink on the
// conversation's topic.
func WithSinkFactory(factory func(conversation.ConversationID) []events.EventSink) OrchestratorOption {
	return func(o *Orchestrator) {
		o.sinkFactory = factory
	}
}

func NewOrchestrator(s store.Store, client *Client, options ...OrchestratorOption) *Orchestrator {
	ret := &Orchestrator{
		store:    s,
		client:   client,
		sessions: make(map[conversation.ConversationID]*session),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// StartOptions describes one completion run against an existing pending
// message.
type StartOptions struct {
	ConversationID conversation.ConversationID
	MessageID      conversation.MessageID
	Role           conversation.Role
	Request        go_openai.ChatCompletionRequest

	// continue-mode: accumulated output is appended onto BaseContent, and on
	// failure the message is restored to it instead of being deleted.
	BaseContent      string
	BaseThinking     string
	RestoreOnFailure bool
}

// Handle tracks one started session.
type Handle struct {
	sess *session
}

// Wait blocks until the session reaches a terminal state and returns it.
func (h *Handle) Wait() State {
	<-h.sess.done
	return h.sess.State()
}

func (h *Handle) Cancel() {
	h.sess.Cancel()
}

// Start launches a streaming session. It rejects the start when the
// conversation already has an active session.
func (o *Orchestrator) Start(ctx context.Context, opts StartOptions) (*Handle, error) {
	o.mu.Lock()
	if existing, ok := o.sessions[opts.ConversationID]; ok && existing.State().Active() {
		o.mu.Unlock()
		return nil, ErrSessionActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess := newSession(opts.ConversationID, opts.MessageID, opts.Role, cancel)
	sess.baseContent = opts.BaseContent
	sess.baseThinking = opts.BaseThinking
	sess.restore = opts.RestoreOnFailure
	o.sessions[opts.ConversationID] = sess
	o.mu.Unlock()

	go o.run(runCtx, sess, opts)

	return &Handle{sess: sess}, nil
}

// State returns the conversation's session state, Idle when none is active.
func (o *Orchestrator) State(conversationID conversation.ConversationID) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess, ok := o.sessions[conversationID]; ok {
		return sess.State()
	}
	return StateIdle
}

// Processing returns the conversation's telemetry projection.
func (o *Orchestrator) Processing(conversationID conversation.ConversationID) (events.ProcessingState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess, ok := o.sessions[conversationID]; ok {
		return sess.Processing(), true
	}
	return events.ProcessingState{}, false
}

// Cancel requests a graceful stop of the conversation's active session. A
// no-op when no session is active; other conversations are unaffected.
func (o *Orchestrator) Cancel(conversationID conversation.ConversationID) {
	o.mu.Lock()
	sess, ok := o.sessions[conversationID]
	o.mu.Unlock()
	if ok {
		sess.Cancel()
	}
}

// CancelAll stops every active session.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	sessions := make([]*session, 0, len(o.sessions))
	for _, sess := range o.sessions {
		sessions = append(sessions, sess)
	}
	o.mu.Unlock()
	for _, sess := range sessions {
		sess.Cancel()
	}
}

func (o *Orchestrator) removeSession(sess *session) {
	o.mu.Lock()
	if current, ok := o.sessions[sess.conversationID]; ok && current == sess {
		delete(o.sessions, sess.conversationID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) sinksFor(conversationID conversation.ConversationID) []events.EventSink {
	sinks := append([]events.EventSink{}, o.sinks...)
	if o.sinkFactory != nil {
		sinks = append(sinks, o.sinkFactory(conversationID)...)
	}
	return sinks
}

func (o *Orchestrator) run(ctx context.Context, sess *session, opts StartOptions) {
	sinks := o.sinksFor(sess.conversationID)
	events.PublishTo(sinks, events.NewStartEvent(sess.metadata()))

	log.Debug().
		Str("conversation_id", sess.conversationID.String()).
		Str("message_id", sess.messageID.String()).
		Bool("stream", opts.Request.Stream).
		Msg("starting completion session")

	resp, err := o.client.Complete(ctx, opts.Request)
	if err != nil {
		o.fail(ctx, sess, sinks, err)
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if !opts.Request.Stream {
		o.runNonStreaming(ctx, sess, sinks, resp.Body)
		return
	}

	dec := NewStreamDecoder(resp.Body)
	for {
		select {
		case <-ctx.Done():
			o.cancelled(ctx, sess, sinks)
			return
		default:
		}

		chunk, done, err := dec.Next()
		if err != nil {
			o.fail(ctx, sess, sinks, err)
			return
		}
		if done {
			break
		}
		if chunk == nil {
			continue
		}

		if err := o.applyChunk(ctx, sess, sinks, chunk); err != nil {
			o.fail(ctx, sess, sinks, err)
			return
		}
	}

	o.complete(ctx, sess, sinks)
}

func (o *Orchestrator) applyChunk(ctx context.Context, sess *session, sinks []events.EventSink, chunk *StreamChunk) error {
	if sess.State() == StateLoading {
		sess.setState(StateStreaming)
	}

	if model := chunk.ResolveModel(); model != "" {
		sess.mu.Lock()
		first := sess.model == ""
		if first {
			sess.model = model
		}
		sess.mu.Unlock()
		if first {
			events.PublishTo(sinks, events.NewModelEvent(sess.metadata(), model))
		}
	}

	if len(chunk.Choices) > 0 {
		delta := chunk.Choices[0].Delta

		if len(delta.ToolCalls) > 0 {
			sess.merger.AddDeltas(delta.ToolCalls)
		}

		// content or reasoning arriving while a tool-call batch is open
		// freezes that batch before the text is applied
		if (delta.Content != "" || delta.ReasoningContent != "") && sess.merger.HasOpenBatch() {
			batch := sess.merger.FinalizeBatch()
			events.PublishTo(sinks, events.NewToolCallBatchEvent(sess.metadata(), batch))
		}

		if delta.ReasoningContent != "" {
			sess.thinking.WriteString(delta.ReasoningContent)
			thinking := sess.fullThinking()
			if err := o.store.UpdateMessage(ctx, sess.messageID, store.MessageUpdate{ThinkingContent: &thinking}); err != nil {
				return err
			}
			events.PublishTo(sinks, events.NewPartialThinkingEvent(sess.metadata(), delta.ReasoningContent, thinking))
		}

		if delta.Content != "" {
			sess.content.WriteString(delta.Content)
			content := sess.fullContent()
			if err := o.store.UpdateMessage(ctx, sess.messageID, store.MessageUpdate{Content: &content}); err != nil {
				return err
			}
			events.PublishTo(sinks, events.NewPartialEvent(sess.metadata(), delta.Content, content))
		}
	}

	if chunk.Timings != nil || chunk.PromptProgress != nil {
		processing := sess.Processing()
		if t := chunk.Timings; t != nil {
			sess.timings = t
			processing.PromptTokens = t.PromptN
			processing.CachedTokens = t.CacheN
			processing.TokensDecoded = t.PredictedN
			processing.TokensPerSecond = t.TokensPerSecond()
			processing.ContextUsed = t.PromptN + t.PredictedN
		}
		if p := chunk.PromptProgress; p != nil {
			processing.PromptProcessed = p.Processed
			processing.PromptTotal = p.Total
			processing.CachedTokens = p.Cache
			processing.PromptProgressMS = p.TimeMS
		}
		sess.setProcessing(processing)
		events.PublishTo(sinks, events.NewProcessingEvent(sess.metadata(), processing))
	}

	return nil
}

func (o *Orchestrator) runNonStreaming(ctx context.Context, sess *session, sinks []events.EventSink, body io.Reader) {
	raw, err := io.ReadAll(body)
	if err != nil {
		o.fail(ctx, sess, sinks, err)
		return
	}

	var resp completionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		o.fail(ctx, sess, sinks, errors.Wrap(err, "decode completion response"))
		return
	}

	if len(resp.Choices) == 0 {
		o.fail(ctx, sess, sinks, NewEmptyResponseError())
		return
	}

	sess.setState(StateStreaming)
	msg := resp.Choices[0].Message
	if msg.Content == "" && msg.ReasoningContent == "" && len(msg.ToolCalls) == 0 {
		o.fail(ctx, sess, sinks, NewEmptyResponseError())
		return
	}

	if model := resp.Model; model != "" {
		sess.mu.Lock()
		sess.model = model
		sess.mu.Unlock()
	}
	sess.content.WriteString(msg.Content)
	sess.thinking.WriteString(msg.ReasoningContent)
	sess.merger.AddDeltas(msg.ToolCalls)
	sess.timings = resp.Timings

	o.complete(ctx, sess, sinks)
}

// complete reconciles the accumulators into the store and resolves the
// session to Completed.
func (o *Orchestrator) complete(ctx context.Context, sess *session, sinks []events.EventSink) {
	bctx := context.WithoutCancel(ctx)

	if batch := sess.merger.FinalizeBatch(); len(batch) > 0 {
		events.PublishTo(sinks, events.NewToolCallBatchEvent(sess.metadata(), batch))
	}

	payload, err := sess.merger.Payload()
	if err != nil {
		o.fail(ctx, sess, sinks, err)
		return
	}

	content := sess.fullContent()
	thinking := sess.fullThinking()
	update := store.MessageUpdate{
		Content:         &content,
		ThinkingContent: &thinking,
		TimingStats:     sess.timings,
	}
	if payload != "" {
		update.ToolCallPayload = &payload
	}
	sess.mu.Lock()
	model := sess.model
	sess.mu.Unlock()
	if model != "" {
		update.ModelName = &model
	}

	if err := o.store.UpdateMessage(bctx, sess.messageID, update); err != nil {
		o.fail(ctx, sess, sinks, err)
		return
	}

	events.PublishTo(sinks, events.NewFinalEvent(sess.metadata(), content, thinking, sess.merger.Calls(), sess.timings))
	log.Debug().
		Str("conversation_id", sess.conversationID.String()).
		Int("content_length", len(content)).
		Int("tool_call_count", len(sess.merger.Calls())).
		Msg("completion session finished")

	sess.finish(StateCompleted)
	o.removeSession(sess)
}

// cancelled is the graceful-stop path: partial assistant output received so
// far is persisted, never discarded.
func (o *Orchestrator) cancelled(ctx context.Context, sess *session, sinks []events.EventSink) {
	bctx := context.WithoutCancel(ctx)

	if sess.role == conversation.RoleAssistant && sess.content.Len() > 0 {
		content := sess.fullContent()
		thinking := sess.fullThinking()
		if err := o.store.UpdateMessage(bctx, sess.messageID, store.MessageUpdate{
			Content:         &content,
			ThinkingContent: &thinking,
		}); err != nil {
			log.Warn().Err(err).Str("message_id", sess.messageID.String()).Msg("failed to persist partial content on cancel")
		}
	}

	events.PublishTo(sinks, events.NewInterruptEvent(sess.metadata(), sess.fullContent(), sess.fullThinking()))
	log.Debug().Str("conversation_id", sess.conversationID.String()).Msg("completion session cancelled")

	sess.finish(StateCancelled)
	o.removeSession(sess)
}

// fail rolls back the pending message and surfaces a typed error. Abort
// errors are not failures and divert to the cancelled path.
func (o *Orchestrator) fail(ctx context.Context, sess *session, sinks []events.EventSink, err error) {
	chatErr := ClassifyError(err)
	if chatErr.Kind == ErrorKindAborted {
		o.cancelled(ctx, sess, sinks)
		return
	}

	bctx := context.WithoutCancel(ctx)
	if sess.restore {
		content := sess.baseContent
		thinking := sess.baseThinking
		if rollbackErr := o.store.UpdateMessage(bctx, sess.messageID, store.MessageUpdate{
			Content:         &content,
			ThinkingContent: &thinking,
		}); rollbackErr != nil {
			log.Warn().Err(rollbackErr).Str("message_id", sess.messageID.String()).Msg("failed to restore message after failure")
		}
	} else {
		o.rollbackPendingMessage(bctx, sess)
	}

	events.PublishTo(sinks, events.NewErrorEvent(sess.metadata(), string(chatErr.Kind), chatErr))
	log.Error().Err(chatErr).
		Str("conversation_id", sess.conversationID.String()).
		Str("kind", string(chatErr.Kind)).
		Msg("completion session failed")

	sess.finish(StateFailed)
	o.removeSession(sess)
}

// rollbackPendingMessage deletes the just-created pending message so the
// tree never retains an empty failed turn, and moves the current leaf back
// onto its parent.
func (o *Orchestrator) rollbackPendingMessage(ctx context.Context, sess *session) {
	msg, err := o.store.GetMessage(ctx, sess.messageID)
	if err != nil {
		log.Warn().Err(err).Str("message_id", sess.messageID.String()).Msg("failed to load pending message for rollback")
		return
	}

	if err := o.store.DeleteMessage(ctx, sess.messageID); err != nil {
		log.Warn().Err(err).Str("message_id", sess.messageID.String()).Msg("failed to roll back pending message after failure")
		return
	}

	if msg.ParentID != nil {
		if err := o.store.UpdateConversation(ctx, sess.conversationID, store.ConversationUpdate{
			CurrentLeafID: msg.ParentID,
		}); err != nil {
			log.Warn().Err(err).Str("conversation_id", sess.conversationID.String()).Msg("failed to move current leaf after rollback")
		}
	}
}
