package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/streaming"
)

func newTestManager(t *testing.T, handler http.HandlerFunc, options ...ManagerOption) (*Manager, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	orch := streaming.NewOrchestrator(s, streaming.NewClient(server.URL))
	return NewManager(s, orch, options...), s
}

func replyWith(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestSendCreatesConversationTree(t *testing.T) {
	m, s := newTestManager(t, replyWith("Hi", " there"))
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "Hello")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, res.Handle.Wait())

	assert.Equal(t, "Hello", res.Conversation.Name)

	messages, err := s.GetConversationMessages(ctx, res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.True(t, messages[0].IsRoot())
	assert.Equal(t, conversation.RoleUser, messages[1].Role)
	assert.Equal(t, conversation.RoleAssistant, messages[2].Role)
	assert.Equal(t, "Hi there", messages[2].Content)

	conv, err := s.GetConversation(ctx, res.Conversation.ID)
	require.NoError(t, err)
	require.NotNil(t, conv.CurrentLeafID)
	assert.Equal(t, res.AssistantMessage.ID, *conv.CurrentLeafID)
}

func TestSendInsertsSystemPrompt(t *testing.T) {
	m, s := newTestManager(t, replyWith("ok"), WithSystemPrompt("You are terse."))
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "Hello")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, res.Handle.Wait())

	messages, err := s.GetConversationMessages(ctx, res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, conversation.MessageTypeSystem, messages[1].Type)
	assert.Equal(t, "You are terse.", messages[1].Content)
	require.NotNil(t, messages[2].ParentID)
	assert.Equal(t, messages[1].ID, *messages[2].ParentID)
}

func TestSendAppendsUnderCurrentLeaf(t *testing.T) {
	m, s := newTestManager(t, replyWith("answer"))
	ctx := context.Background()

	first, err := m.Send(ctx, conversation.ConversationID{}, "one")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, first.Handle.Wait())

	second, err := m.Send(ctx, first.Conversation.ID, "two")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, second.Handle.Wait())

	require.NotNil(t, second.UserMessage.ParentID)
	assert.Equal(t, first.AssistantMessage.ID, *second.UserMessage.ParentID)

	messages, err := s.GetConversationMessages(ctx, first.Conversation.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 5)
}

func TestEditCollapsesHistory(t *testing.T) {
	m, s := newTestManager(t, replyWith("answer"))
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "original question")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, res.Handle.Wait())

	handle, err := m.EditMessage(ctx, res.UserMessage.ID, "edited question")
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.Equal(t, streaming.StateCompleted, handle.Wait())

	messages, err := s.GetConversationMessages(ctx, res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "edited question", messages[1].Content)

	// the old assistant answer is gone
	_, err = s.GetMessage(ctx, res.AssistantMessage.ID)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)
}

func TestEditBranchingKeepsOriginalBranch(t *testing.T) {
	m, s := newTestManager(t, replyWith("answer"))
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "original question")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, res.Handle.Wait())

	sibling, handle, err := m.EditMessageBranching(ctx, res.UserMessage.ID, "edited question")
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.Equal(t, streaming.StateCompleted, handle.Wait())

	messages, err := s.GetConversationMessages(ctx, res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 5)

	// both user turns sit under the root as siblings
	siblings := conversation.SiblingsOf(messages, sibling.ID)
	assert.Equal(t, 2, siblings.TotalSiblings())
	assert.Equal(t, 1, siblings.Index)

	// the original answer stays reachable
	_, err = s.GetMessage(ctx, res.AssistantMessage.ID)
	assert.NoError(t, err)

	// the current leaf moved onto the new branch's answer
	conv, err := s.GetConversation(ctx, res.Conversation.ID)
	require.NoError(t, err)
	require.NotNil(t, conv.CurrentLeafID)
	leaf, err := s.GetMessage(ctx, *conv.CurrentLeafID)
	require.NoError(t, err)
	require.NotNil(t, leaf.ParentID)
	assert.Equal(t, sibling.ID, *leaf.ParentID)
}

func TestEditAssistantMessageDoesNotRegenerate(t *testing.T) {
	m, s := newTestManager(t, replyWith("answer"))
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "question")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, res.Handle.Wait())

	handle, err := m.EditMessage(ctx, res.AssistantMessage.ID, "hand-written answer")
	require.NoError(t, err)
	assert.Nil(t, handle)

	msg, err := s.GetMessage(ctx, res.AssistantMessage.ID)
	require.NoError(t, err)
	assert.Equal(t, "hand-written answer", msg.Content)
}

func TestRegenerateReplacesAnswer(t *testing.T) {
	var calls atomic.Int32
	m, s := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		replyWith(fmt.Sprintf("answer %d", n))(w, r)
	})
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "question")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, res.Handle.Wait())

	pending, handle, err := m.Regenerate(ctx, res.AssistantMessage.ID)
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, handle.Wait())

	_, err = s.GetMessage(ctx, res.AssistantMessage.ID)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)

	msg, err := s.GetMessage(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "answer 2", msg.Content)

	messages, err := s.GetConversationMessages(ctx, res.Conversation.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 3)
}

func TestRegenerateBranchingKeepsBothAnswers(t *testing.T) {
	var calls atomic.Int32
	m, s := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		replyWith(fmt.Sprintf("answer %d", n))(w, r)
	})
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "question")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, res.Handle.Wait())

	pending, handle, err := m.RegenerateBranching(ctx, res.AssistantMessage.ID)
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, handle.Wait())

	messages, err := s.GetConversationMessages(ctx, res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 4)

	siblings := conversation.SiblingsOf(messages, pending.ID)
	assert.Equal(t, 2, siblings.TotalSiblings())

	original, err := s.GetMessage(ctx, res.AssistantMessage.ID)
	require.NoError(t, err)
	assert.Equal(t, "answer 1", original.Content)
}

func TestRegenerateRejectsUserMessage(t *testing.T) {
	m, _ := newTestManager(t, replyWith("answer"))
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "question")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, res.Handle.Wait())

	_, _, err = m.Regenerate(ctx, res.UserMessage.ID)
	assert.ErrorIs(t, err, ErrNotAssistantMessage)
}

func TestContinueAppendsToExistingAnswer(t *testing.T) {
	var calls atomic.Int32
	m, s := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			replyWith("first half")(w, r)
			return
		}
		replyWith(" second half")(w, r)
	})
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "question")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, res.Handle.Wait())

	handle, err := m.Continue(ctx, res.AssistantMessage.ID)
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, handle.Wait())

	msg, err := s.GetMessage(ctx, res.AssistantMessage.ID)
	require.NoError(t, err)
	assert.Equal(t, "first half second half", msg.Content)

	// no new message was created
	messages, err := s.GetConversationMessages(ctx, res.Conversation.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 3)
}

func TestContinueRestoresOriginalOnFailure(t *testing.T) {
	var calls atomic.Int32
	m, s := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			replyWith("original")(w, r)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"code":500,"message":"backend exploded"}}`)
	})
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "question")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, res.Handle.Wait())

	handle, err := m.Continue(ctx, res.AssistantMessage.ID)
	require.NoError(t, err)
	assert.Equal(t, streaming.StateFailed, handle.Wait())

	msg, err := s.GetMessage(ctx, res.AssistantMessage.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", msg.Content)
}

func TestNavigateToSiblingSwitchesBranch(t *testing.T) {
	m, s := newTestManager(t, replyWith("answer"))
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "original question")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, res.Handle.Wait())

	_, handle, err := m.EditMessageBranching(ctx, res.UserMessage.ID, "edited question")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, handle.Wait())

	// navigate back to the original user turn's branch
	displayed, err := m.NavigateToSibling(ctx, res.Conversation.ID, res.UserMessage.ID)
	require.NoError(t, err)
	require.Len(t, displayed, 2)
	assert.Equal(t, "original question", displayed[0].Message.Content)
	assert.Equal(t, 2, displayed[0].Siblings.TotalSiblings())

	conv, err := s.GetConversation(ctx, res.Conversation.ID)
	require.NoError(t, err)
	require.NotNil(t, conv.CurrentLeafID)
	assert.Equal(t, res.AssistantMessage.ID, *conv.CurrentLeafID)
}

func TestSendRejectedWhileGenerating(t *testing.T) {
	release := make(chan struct{})
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	ctx := context.Background()

	res, err := m.Send(ctx, conversation.ConversationID{}, "question")
	require.NoError(t, err)

	_, err = m.Send(ctx, res.Conversation.ID, "another question")
	assert.ErrorIs(t, err, streaming.ErrSessionActive)

	close(release)
	m.Stop(res.Conversation.ID)
	res.Handle.Wait()
}

func TestTitleFromContent(t *testing.T) {
	assert.Equal(t, "Hello world", titleFromContent("  Hello world  "))
	assert.Equal(t, "first line", titleFromContent("first line\nsecond line"))
	assert.Equal(t, "New conversation", titleFromContent("   \n  "))

	long := titleFromContent("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.LessOrEqual(t, len([]rune(long)), maxTitleLength+1)
}
