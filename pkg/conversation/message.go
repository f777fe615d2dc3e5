package conversation

import (
	"time"
)

type MessageType string

const (
	// MessageTypeRoot is the sentinel node at the top of every conversation
	// tree. It is never displayed and never sent to the model.
	MessageTypeRoot   MessageType = "root"
	MessageTypeText   MessageType = "text"
	MessageTypeThink  MessageType = "think"
	MessageTypeSystem MessageType = "system"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// TimingStats is the final generation timing snapshot reported by the backend.
type TimingStats struct {
	PromptN     int     `json:"prompt_n"`
	PromptMS    float64 `json:"prompt_ms"`
	PredictedN  int     `json:"predicted_n"`
	PredictedMS float64 `json:"predicted_ms"`
	CacheN      int     `json:"cache_n"`
}

// TokensPerSecond reports the decode rate, or 0 when no tokens were predicted.
func (t TimingStats) TokensPerSecond() float64 {
	if t.PredictedMS <= 0 {
		return 0
	}
	return float64(t.PredictedN) / t.PredictedMS * 1000.0
}

// Message is a single node in the conversation tree.
//
// ParentID is nil only for the root node and never changes once set; branching
// is done by creating new siblings under a shared parent, never by
// re-parenting. ChildIDs is append-only and ordered by creation time, so the
// last child is by convention the most recent branch.
type Message struct {
	ID              MessageID      `json:"id"`
	ConversationID  ConversationID `json:"conversationId"`
	Type            MessageType    `json:"type"`
	Role            Role           `json:"role"`
	Content         string         `json:"content"`
	ThinkingContent string         `json:"thinkingContent,omitempty"`
	ToolCallPayload string         `json:"toolCallPayload,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	ParentID        *MessageID     `json:"parentId,omitempty"`
	ChildIDs        []MessageID    `json:"childIds"`
	Attachments     AttachmentList `json:"attachments,omitempty"`
	TimingStats     *TimingStats   `json:"timingStats,omitempty"`
	ModelName       string         `json:"modelName,omitempty"`
}

type MessageOption func(*Message)

func WithID(id MessageID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithParentID(parentID MessageID) MessageOption {
	return func(m *Message) {
		m.ParentID = &parentID
	}
}

func WithTimestamp(ts time.Time) MessageOption {
	return func(m *Message) {
		m.Timestamp = ts
	}
}

func WithAttachments(attachments ...Attachment) MessageOption {
	return func(m *Message) {
		m.Attachments = attachments
	}
}

func WithThinkingContent(thinking string) MessageOption {
	return func(m *Message) {
		m.ThinkingContent = thinking
	}
}

func WithModelName(model string) MessageOption {
	return func(m *Message) {
		m.ModelName = model
	}
}

func NewMessage(conversationID ConversationID, typ MessageType, role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:             NewMessageID(),
		ConversationID: conversationID,
		Type:           typ,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// NewRootMessage creates the sentinel root node for a conversation.
func NewRootMessage(conversationID ConversationID) *Message {
	return NewMessage(conversationID, MessageTypeRoot, RoleSystem, "")
}

func NewUserMessage(conversationID ConversationID, content string, options ...MessageOption) *Message {
	return NewMessage(conversationID, MessageTypeText, RoleUser, content, options...)
}

func NewAssistantMessage(conversationID ConversationID, content string, options ...MessageOption) *Message {
	return NewMessage(conversationID, MessageTypeText, RoleAssistant, content, options...)
}

func NewSystemMessage(conversationID ConversationID, content string, options ...MessageOption) *Message {
	return NewMessage(conversationID, MessageTypeSystem, RoleSystem, content, options...)
}

// IsRoot reports whether this is the sentinel root node.
func (m *Message) IsRoot() bool {
	return m.Type == MessageTypeRoot
}

// HasChildren reports whether any branches continue below this node.
func (m *Message) HasChildren() bool {
	return len(m.ChildIDs) > 0
}

// Conversation is an ordered sequence of messages, usually a root-to-leaf path.
type Thread []*Message

// LastMessage returns the final message of the thread, or nil when empty.
func (t Thread) LastMessage() *Message {
	if len(t) == 0 {
		return nil
	}
	return t[len(t)-1]
}
