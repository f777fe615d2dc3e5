package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/arbor/pkg/conversation"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrParentNotFound       = errors.New("parent message not found")
)

// ConversationUpdate is a partial conversation mutation. Nil fields are left
// untouched; every applied update also refreshes lastModified.
type ConversationUpdate struct {
	Name          *string
	CurrentLeafID *conversation.MessageID
}

// MessageUpdate is a partial message mutation. Nil fields are left untouched;
// a non-nil Attachments replaces the list wholesale.
type MessageUpdate struct {
	Content         *string
	ThinkingContent *string
	ToolCallPayload *string
	ModelName       *string
	TimingStats     *conversation.TimingStats
	Attachments     conversation.AttachmentList
}

// ImportResult reports how many conversation bundles were loaded and how many
// were skipped because their id already existed.
type ImportResult struct {
	Imported int
	Skipped  int
}

// Store is the single source of truth for conversations and their message
// trees. Multi-row writes (branch creation, cascading deletes, conversation
// deletion, import) are atomic: a failure mid-way leaves no partial childIds
// or row state behind.
type Store interface {
	Close() error

	CreateConversation(ctx context.Context, name string) (*conversation.Conversation, error)
	GetConversation(ctx context.Context, id conversation.ConversationID) (*conversation.Conversation, error)
	ListConversations(ctx context.Context) ([]*conversation.Conversation, error)
	UpdateConversation(ctx context.Context, id conversation.ConversationID, update ConversationUpdate) error
	DeleteConversation(ctx context.Context, id conversation.ConversationID) error

	CreateRootMessage(ctx context.Context, conversationID conversation.ConversationID) (conversation.MessageID, error)
	CreateMessageBranch(ctx context.Context, msg *conversation.Message, parentID *conversation.MessageID) (*conversation.Message, error)
	GetMessage(ctx context.Context, id conversation.MessageID) (*conversation.Message, error)
	UpdateMessage(ctx context.Context, id conversation.MessageID, update MessageUpdate) error
	DeleteMessage(ctx context.Context, id conversation.MessageID) error
	DeleteMessageCascading(ctx context.Context, conversationID conversation.ConversationID, messageID conversation.MessageID) ([]conversation.MessageID, error)

	// GetConversationMessages returns the conversation's full message set
	// sorted by timestamp ascending.
	GetConversationMessages(ctx context.Context, conversationID conversation.ConversationID) ([]*conversation.Message, error)

	Import(ctx context.Context, bundles []*conversation.Bundle) (ImportResult, error)
	Export(ctx context.Context, conversationID conversation.ConversationID) (*conversation.Bundle, error)
}
