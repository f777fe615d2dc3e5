package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/streaming"
)

var (
	ErrNotAssistantMessage = errors.New("operation requires an assistant message")
	ErrCannotBranchRoot    = errors.New("the root message cannot be branched")
)

// Manager is the session façade: it coordinates tree mutations in the store
// with streaming sessions in the orchestrator. One manager serves many
// conversations.
type Manager struct {
	store store.Store
	orch  *streaming.Orchestrator

	systemPrompt string
	requestOpts  streaming.RequestOptions
}

type ManagerOption func(*Manager)

// WithSystemPrompt inserts a system message at the top of every new
// conversation.
func WithSystemPrompt(prompt string) ManagerOption {
	return func(m *Manager) {
		m.systemPrompt = prompt
	}
}

func WithRequestOptions(opts streaming.RequestOptions) ManagerOption {
	return func(m *Manager) {
		m.requestOpts = opts
	}
}

func NewManager(s store.Store, orch *streaming.Orchestrator, options ...ManagerOption) *Manager {
	ret := &Manager{
		store: s,
		orch:  orch,
		requestOpts: streaming.RequestOptions{
			Stream: true,
		},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// SendResult reports the tree nodes a send created and the handle of the
// streaming session generating the reply.
type SendResult struct {
	Conversation     *conversation.Conversation
	UserMessage      *conversation.Message
	AssistantMessage *conversation.Message
	Handle           *streaming.Handle
}

// Send appends a user message under the conversation's current leaf and
// streams an assistant reply under it. A zero conversation id creates a fresh
// conversation, root node and, when configured, system prompt message first.
func (m *Manager) Send(ctx context.Context, conversationID conversation.ConversationID, content string, attachments ...conversation.Attachment) (*SendResult, error) {
	var conv *conversation.Conversation
	var parentID conversation.MessageID

	if conversationID.IsZero() {
		var err error
		conv, parentID, err = m.bootstrapConversation(ctx, content)
		if err != nil {
			return nil, err
		}
	} else {
		if m.orch.State(conversationID).Active() {
			return nil, streaming.ErrSessionActive
		}
		var err error
		conv, err = m.store.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		parentID, err = m.currentLeaf(ctx, conv)
		if err != nil {
			return nil, err
		}
	}

	userMsg, err := m.store.CreateMessageBranch(ctx,
		conversation.NewUserMessage(conv.ID, content, conversation.WithAttachments(attachments...)),
		&parentID)
	if err != nil {
		return nil, err
	}

	pending, handle, err := m.generateUnder(ctx, conv.ID, userMsg.ID)
	if err != nil {
		return nil, err
	}

	return &SendResult{
		Conversation:     conv,
		UserMessage:      userMsg,
		AssistantMessage: pending,
		Handle:           handle,
	}, nil
}

// bootstrapConversation creates the conversation, its root node and the
// optional system prompt message, returning the id the first user message
// should attach under.
func (m *Manager) bootstrapConversation(ctx context.Context, content string) (*conversation.Conversation, conversation.MessageID, error) {
	conv, err := m.store.CreateConversation(ctx, titleFromContent(content))
	if err != nil {
		return nil, conversation.NilMessage, err
	}

	rootID, err := m.store.CreateRootMessage(ctx, conv.ID)
	if err != nil {
		return nil, conversation.NilMessage, err
	}

	parentID := rootID
	if m.systemPrompt != "" {
		sysMsg, err := m.store.CreateMessageBranch(ctx,
			conversation.NewSystemMessage(conv.ID, m.systemPrompt), &rootID)
		if err != nil {
			return nil, conversation.NilMessage, err
		}
		parentID = sysMsg.ID
	}

	log.Debug().Str("conversation_id", conv.ID.String()).Str("name", conv.Name).Msg("bootstrapped conversation")
	return conv, parentID, nil
}

// EditMessage is the collapsing edit: every branch below the message is
// cascade-deleted, the content is replaced in place and, for a user turn, a
// fresh assistant reply is streamed. The returned handle is nil when no
// generation was started.
func (m *Manager) EditMessage(ctx context.Context, messageID conversation.MessageID, content string, attachments ...conversation.Attachment) (*streaming.Handle, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.orch.State(msg.ConversationID).Active() {
		return nil, streaming.ErrSessionActive
	}

	for _, childID := range msg.ChildIDs {
		if _, err := m.store.DeleteMessageCascading(ctx, msg.ConversationID, childID); err != nil {
			return nil, err
		}
	}

	update := store.MessageUpdate{Content: &content}
	if attachments != nil {
		update.Attachments = attachments
	}
	if err := m.store.UpdateMessage(ctx, messageID, update); err != nil {
		return nil, err
	}

	if msg.Role != conversation.RoleUser {
		err := m.store.UpdateConversation(ctx, msg.ConversationID, store.ConversationUpdate{CurrentLeafID: &messageID})
		return nil, err
	}

	_, handle, err := m.generateUnder(ctx, msg.ConversationID, messageID)
	return handle, err
}

// EditMessageBranching creates a sibling with the new content under the same
// parent instead of mutating in place, switches the current leaf onto it and,
// for a user turn, streams a fresh reply. The original branch stays reachable
// through sibling navigation.
func (m *Manager) EditMessageBranching(ctx context.Context, messageID conversation.MessageID, content string, attachments ...conversation.Attachment) (*conversation.Message, *streaming.Handle, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.ParentID == nil {
		return nil, nil, ErrCannotBranchRoot
	}
	if m.orch.State(msg.ConversationID).Active() {
		return nil, nil, streaming.ErrSessionActive
	}

	sibling, err := m.store.CreateMessageBranch(ctx,
		conversation.NewMessage(msg.ConversationID, msg.Type, msg.Role, content, conversation.WithAttachments(attachments...)),
		msg.ParentID)
	if err != nil {
		return nil, nil, err
	}

	if msg.Role != conversation.RoleUser {
		return sibling, nil, nil
	}

	_, handle, err := m.generateUnder(ctx, msg.ConversationID, sibling.ID)
	if err != nil {
		return nil, nil, err
	}
	return sibling, handle, nil
}

// Regenerate destructively replaces an assistant message: the message and its
// descendants are deleted and a fresh reply is streamed under the same parent.
func (m *Manager) Regenerate(ctx context.Context, messageID conversation.MessageID) (*conversation.Message, *streaming.Handle, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.Role != conversation.RoleAssistant {
		return nil, nil, ErrNotAssistantMessage
	}
	if msg.ParentID == nil {
		return nil, nil, ErrCannotBranchRoot
	}
	if m.orch.State(msg.ConversationID).Active() {
		return nil, nil, streaming.ErrSessionActive
	}

	if _, err := m.store.DeleteMessageCascading(ctx, msg.ConversationID, messageID); err != nil {
		return nil, nil, err
	}

	pending, handle, err := m.generateUnder(ctx, msg.ConversationID, *msg.ParentID)
	if err != nil {
		return nil, nil, err
	}
	return pending, handle, nil
}

// RegenerateBranching creates a sibling assistant slot under the same parent
// and streams into it, keeping the original answer reachable as a branch.
func (m *Manager) RegenerateBranching(ctx context.Context, messageID conversation.MessageID) (*conversation.Message, *streaming.Handle, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.Role != conversation.RoleAssistant {
		return nil, nil, ErrNotAssistantMessage
	}
	if msg.ParentID == nil {
		return nil, nil, ErrCannotBranchRoot
	}
	if m.orch.State(msg.ConversationID).Active() {
		return nil, nil, streaming.ErrSessionActive
	}

	pending, handle, err := m.generateUnder(ctx, msg.ConversationID, *msg.ParentID)
	if err != nil {
		return nil, nil, err
	}
	return pending, handle, nil
}

// Continue re-issues a completion with the assistant message's existing
// content as a prefix. No new message is created; appended output concatenates
// onto the original, and a hard failure restores the pre-continue content.
func (m *Manager) Continue(ctx context.Context, messageID conversation.MessageID) (*streaming.Handle, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != conversation.RoleAssistant {
		return nil, ErrNotAssistantMessage
	}
	if m.orch.State(msg.ConversationID).Active() {
		return nil, streaming.ErrSessionActive
	}

	messages, err := m.store.GetConversationMessages(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	// the partial answer stays in the request so the model picks up where it
	// stopped
	thread := conversation.PathToLeaf(messages, messageID, false)

	return m.orch.Start(ctx, streaming.StartOptions{
		ConversationID:   msg.ConversationID,
		MessageID:        messageID,
		Role:             conversation.RoleAssistant,
		Request:          streaming.NewCompletionRequest(thread, m.requestOpts),
		BaseContent:      msg.Content,
		BaseThinking:     msg.ThinkingContent,
		RestoreOnFailure: true,
	})
}

// NavigateToSibling switches the conversation onto a sibling branch: the
// sibling is resolved down to its current tip, the current leaf moves there
// and the refreshed display path is returned.
func (m *Manager) NavigateToSibling(ctx context.Context, conversationID conversation.ConversationID, siblingID conversation.MessageID) ([]conversation.DisplayedMessage, error) {
	messages, err := m.store.GetConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	leafID := conversation.ResolveLeaf(messages, siblingID)
	if err := m.store.UpdateConversation(ctx, conversationID, store.ConversationUpdate{CurrentLeafID: &leafID}); err != nil {
		return nil, err
	}

	return conversation.DisplayPath(messages, leafID), nil
}

// DisplayPath returns the currently viewed branch with per-message sibling
// metadata.
func (m *Manager) DisplayPath(ctx context.Context, conversationID conversation.ConversationID) ([]conversation.DisplayedMessage, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := m.store.GetConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	leafID := conversation.NilMessage
	if conv.CurrentLeafID != nil {
		leafID = *conv.CurrentLeafID
	}
	return conversation.DisplayPath(messages, leafID), nil
}

// Stop requests a graceful stop of the conversation's active generation.
func (m *Manager) Stop(conversationID conversation.ConversationID) {
	m.orch.Cancel(conversationID)
}

func (m *Manager) StopAll() {
	m.orch.CancelAll()
}

func (m *Manager) State(conversationID conversation.ConversationID) streaming.State {
	return m.orch.State(conversationID)
}

func (m *Manager) Processing(conversationID conversation.ConversationID) (events.ProcessingState, bool) {
	return m.orch.Processing(conversationID)
}

func (m *Manager) ListConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	return m.store.ListConversations(ctx)
}

func (m *Manager) RenameConversation(ctx context.Context, id conversation.ConversationID, name string) error {
	return m.store.UpdateConversation(ctx, id, store.ConversationUpdate{Name: &name})
}

func (m *Manager) DeleteConversation(ctx context.Context, id conversation.ConversationID) error {
	m.orch.Cancel(id)
	return m.store.DeleteConversation(ctx, id)
}

func (m *Manager) ExportConversation(ctx context.Context, id conversation.ConversationID) (*conversation.Bundle, error) {
	return m.store.Export(ctx, id)
}

func (m *Manager) ImportConversations(ctx context.Context, bundles []*conversation.Bundle) (store.ImportResult, error) {
	return m.store.Import(ctx, bundles)
}

// generateUnder creates the pending assistant message under parentID and
// starts a streaming session for it. The request carries the root-to-parent
// thread; the pending message itself is never sent.
func (m *Manager) generateUnder(ctx context.Context, conversationID conversation.ConversationID, parentID conversation.MessageID) (*conversation.Message, *streaming.Handle, error) {
	pending, err := m.store.CreateMessageBranch(ctx,
		conversation.NewAssistantMessage(conversationID, ""), &parentID)
	if err != nil {
		return nil, nil, err
	}

	messages, err := m.store.GetConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	thread := conversation.PathToLeaf(messages, parentID, false)
	handle, err := m.orch.Start(ctx, streaming.StartOptions{
		ConversationID: conversationID,
		MessageID:      pending.ID,
		Role:           conversation.RoleAssistant,
		Request:        streaming.NewCompletionRequest(thread, m.requestOpts),
	})
	if err != nil {
		return nil, nil, err
	}

	return pending, handle, nil
}

// currentLeaf resolves the id new messages should attach under: the
// conversation's current leaf, or its root node when no leaf is set yet.
func (m *Manager) currentLeaf(ctx context.Context, conv *conversation.Conversation) (conversation.MessageID, error) {
	if conv.CurrentLeafID != nil {
		return *conv.CurrentLeafID, nil
	}

	messages, err := m.store.GetConversationMessages(ctx, conv.ID)
	if err != nil {
		return conversation.NilMessage, err
	}
	for _, msg := range messages {
		if msg.IsRoot() {
			return msg.ID, nil
		}
	}
	return conversation.NilMessage, errors.Errorf("conversation %s has no root message", conv.ID)
}

const maxTitleLength = 48

// titleFromContent derives a conversation name from the first line of the
// first user message.
func titleFromContent(content string) string {
	title := strings.TrimSpace(content)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:maxTitleLength])) + "…"
	}
	return title
}
