package conversation

import "time"

// Conversation is the top-level row owning a message tree. CurrentLeafID names
// the tip of the branch currently being viewed; it is nil only for a brand-new
// conversation that has no messages yet.
type Conversation struct {
	ID            ConversationID `json:"id"`
	Name          string         `json:"name"`
	LastModified  time.Time      `json:"lastModified"`
	CurrentLeafID *MessageID     `json:"currentLeafId,omitempty"`
}

func NewConversation(name string) *Conversation {
	return &Conversation{
		ID:           NewConversationID(),
		Name:         name,
		LastModified: time.Now(),
	}
}

// Bundle pairs a conversation with its full message set, as used by
// import/export.
type Bundle struct {
	Conversation *Conversation `json:"conversation"`
	Messages     []*Message    `json:"messages"`
}
