package streaming

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/store"
)

type fixture struct {
	store     *store.SQLiteStore
	orch      *Orchestrator
	collector *events.CollectorSink
	conv      *conversation.Conversation
	user      *conversation.Message
	assistant *conversation.Message
}

func newFixture(t *testing.T, handler http.HandlerFunc) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	conv, err := s.CreateConversation(ctx, "streaming test")
	require.NoError(t, err)
	rootID, err := s.CreateRootMessage(ctx, conv.ID)
	require.NoError(t, err)
	user, err := s.CreateMessageBranch(ctx, conversation.NewUserMessage(conv.ID, "Hello"), &rootID)
	require.NoError(t, err)
	assistant, err := s.CreateMessageBranch(ctx, conversation.NewAssistantMessage(conv.ID, ""), &user.ID)
	require.NoError(t, err)

	collector := events.NewCollectorSink()
	orch := NewOrchestrator(s, NewClient(server.URL), WithSinks(collector))

	return &fixture{
		store:     s,
		orch:      orch,
		collector: collector,
		conv:      conv,
		user:      user,
		assistant: assistant,
	}
}

func (f *fixture) startOptions(stream bool) StartOptions {
	return StartOptions{
		ConversationID: f.conv.ID,
		MessageID:      f.assistant.ID,
		Role:           conversation.RoleAssistant,
		Request:        NewCompletionRequest(nil, RequestOptions{Model: "test-model", Stream: stream}),
	}
}

func (f *fixture) eventTypes() []events.EventType {
	evs := f.collector.Events()
	types := make([]events.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type())
	}
	return types
}

func sseHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}
}

func TestStreamingCompletes(t *testing.T) {
	f := newFixture(t, sseHandler(
		`data: {"model":"llama-3","choices":[{"delta":{"content":"Hi"}}]}`,
		`data: {"choices":[{"delta":{"content":" there"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"timings":{"prompt_n":10,"prompt_ms":50,"predicted_n":2,"predicted_ms":100,"cache_n":4}}`,
		`data: [DONE]`,
	))

	handle, err := f.orch.Start(context.Background(), f.startOptions(true))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, handle.Wait())

	msg, err := f.store.GetMessage(context.Background(), f.assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", msg.Content)
	assert.Equal(t, "llama-3", msg.ModelName)
	require.NotNil(t, msg.TimingStats)
	assert.Equal(t, 2, msg.TimingStats.PredictedN)

	types := f.eventTypes()
	assert.Contains(t, types, events.EventTypeStart)
	assert.Contains(t, types, events.EventTypeModel)
	assert.Contains(t, types, events.EventTypePartial)
	assert.Contains(t, types, events.EventTypeFinal)
	assert.NotContains(t, types, events.EventTypeError)

	// the session slot is free again
	assert.Equal(t, StateIdle, f.orch.State(f.conv.ID))
}

func TestStreamingReasoningContent(t *testing.T) {
	f := newFixture(t, sseHandler(
		`data: {"choices":[{"delta":{"reasoning_content":"thinking..."}}]}`,
		`data: {"choices":[{"delta":{"content":"answer"}}]}`,
		`data: [DONE]`,
	))

	handle, err := f.orch.Start(context.Background(), f.startOptions(true))
	require.NoError(t, err)
	require.Equal(t, StateCompleted, handle.Wait())

	msg, err := f.store.GetMessage(context.Background(), f.assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, "answer", msg.Content)
	assert.Equal(t, "thinking...", msg.ThinkingContent)

	assert.Contains(t, f.eventTypes(), events.EventTypePartialThinking)
}

func TestCancelPersistsPartialContent(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Partial answer\"}}]}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})

	handle, err := f.orch.Start(context.Background(), f.startOptions(true))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msg, err := f.store.GetMessage(context.Background(), f.assistant.ID)
		return err == nil && msg.Content == "Partial answer"
	}, 5*time.Second, 10*time.Millisecond)

	handle.Cancel()
	assert.Equal(t, StateCancelled, handle.Wait())

	msg, err := f.store.GetMessage(context.Background(), f.assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, "Partial answer", msg.Content)

	types := f.eventTypes()
	assert.Contains(t, types, events.EventTypeInterrupt)
	assert.NotContains(t, types, events.EventTypeError)
}

func TestServerErrorRollsBackPendingMessage(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"request exceeds the available context size","type":"exceed_context_size_error","n_prompt_tokens":9000,"n_ctx":8192}}`)
	})

	handle, err := f.orch.Start(context.Background(), f.startOptions(true))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, handle.Wait())

	_, err = f.store.GetMessage(context.Background(), f.assistant.ID)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)

	// the leaf moved back onto the user message
	conv, err := f.store.GetConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.NotNil(t, conv.CurrentLeafID)
	assert.Equal(t, f.user.ID, *conv.CurrentLeafID)

	var errEvent *events.EventError
	for _, ev := range f.collector.Events() {
		if e, ok := ev.(*events.EventError); ok {
			errEvent = e
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, string(ErrorKindServer), errEvent.Kind)
	assert.Contains(t, errEvent.ErrorString, "context")
}

func TestToolCallBatchesStayIndependent(t *testing.T) {
	f := newFixture(t, sseHandler(
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"a","type":"function","function":{"name":"f"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":1}"}}]}}]}`,
		`data: {"choices":[{"delta":{"content":"calling again"}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"b","type":"function","function":{"name":"g","arguments":"{}"}}]}}]}`,
		`data: [DONE]`,
	))

	handle, err := f.orch.Start(context.Background(), f.startOptions(true))
	require.NoError(t, err)
	require.Equal(t, StateCompleted, handle.Wait())

	msg, err := f.store.GetMessage(context.Background(), f.assistant.ID)
	require.NoError(t, err)
	assert.Contains(t, msg.ToolCallPayload, `"name":"f"`)
	assert.Contains(t, msg.ToolCallPayload, `"name":"g"`)
	assert.Contains(t, msg.ToolCallPayload, `{\"x\":1}`)

	batchEvents := 0
	for _, ev := range f.collector.Events() {
		if batch, ok := ev.(*events.EventToolCallBatch); ok {
			batchEvents++
			assert.Len(t, batch.Calls, 1)
		}
	}
	assert.Equal(t, 2, batchEvents)
}

func TestSecondStartIsRejectedWhileStreaming(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	handle, err := f.orch.Start(context.Background(), f.startOptions(true))
	require.NoError(t, err)

	_, err = f.orch.Start(context.Background(), f.startOptions(true))
	assert.ErrorIs(t, err, ErrSessionActive)

	close(release)
	handle.Cancel()
	handle.Wait()
}

func TestCancelWithoutSessionIsNoop(t *testing.T) {
	f := newFixture(t, sseHandler(`data: [DONE]`))
	f.orch.Cancel(conversation.NewConversationID())
	assert.Equal(t, StateIdle, f.orch.State(f.conv.ID))
}

func TestNonStreamingEmptyResponseFails(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":""},"finish_reason":"stop"}]}`)
	})

	handle, err := f.orch.Start(context.Background(), f.startOptions(false))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, handle.Wait())

	var errEvent *events.EventError
	for _, ev := range f.collector.Events() {
		if e, ok := ev.(*events.EventError); ok {
			errEvent = e
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, string(ErrorKindEmptyResponse), errEvent.Kind)
}

func TestNonStreamingCompletes(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"llama-3","choices":[{"message":{"content":"full answer"},"finish_reason":"stop"}],"timings":{"predicted_n":5,"predicted_ms":100}}`)
	})

	handle, err := f.orch.Start(context.Background(), f.startOptions(false))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, handle.Wait())

	msg, err := f.store.GetMessage(context.Background(), f.assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, "full answer", msg.Content)
	assert.Equal(t, "llama-3", msg.ModelName)
}

func TestContinueRestoresOnFailure(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"code":500,"message":"backend exploded"}}`)
	})

	ctx := context.Background()
	base := "original answer"
	require.NoError(t, f.store.UpdateMessage(ctx, f.assistant.ID, store.MessageUpdate{Content: &base}))

	opts := f.startOptions(true)
	opts.BaseContent = base
	opts.RestoreOnFailure = true

	handle, err := f.orch.Start(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, handle.Wait())

	msg, err := f.store.GetMessage(ctx, f.assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, "original answer", msg.Content)
}

func TestConcurrentConversationsStreamIndependently(t *testing.T) {
	f := newFixture(t, sseHandler(
		`data: {"choices":[{"delta":{"content":"one"}}]}`,
		`data: [DONE]`,
	))
	ctx := context.Background()

	// second conversation against the same backend
	conv2, err := f.store.CreateConversation(ctx, "second")
	require.NoError(t, err)
	root2, err := f.store.CreateRootMessage(ctx, conv2.ID)
	require.NoError(t, err)
	user2, err := f.store.CreateMessageBranch(ctx, conversation.NewUserMessage(conv2.ID, "hi"), &root2)
	require.NoError(t, err)
	assistant2, err := f.store.CreateMessageBranch(ctx, conversation.NewAssistantMessage(conv2.ID, ""), &user2.ID)
	require.NoError(t, err)

	h1, err := f.orch.Start(ctx, f.startOptions(true))
	require.NoError(t, err)

	h2, err := f.orch.Start(ctx, StartOptions{
		ConversationID: conv2.ID,
		MessageID:      assistant2.ID,
		Role:           conversation.RoleAssistant,
		Request:        NewCompletionRequest(nil, RequestOptions{Model: "test-model", Stream: true}),
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, h1.Wait())
	assert.Equal(t, StateCompleted, h2.Wait())
}
