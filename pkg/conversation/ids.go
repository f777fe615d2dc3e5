package conversation

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ConversationID identifies one conversation and all the messages belonging to it.
type ConversationID uuid.UUID

func NewConversationID() ConversationID {
	return ConversationID(uuid.New())
}

func (id ConversationID) String() string {
	return uuid.UUID(id).String()
}

func (id ConversationID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id ConversationID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *ConversationID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = ConversationID(u)
	return nil
}

func ParseConversationID(s string) (ConversationID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ConversationID{}, err
	}
	return ConversationID(u), nil
}

// MessageID identifies a single message node in a conversation tree.
type MessageID uuid.UUID

var NilMessage = MessageID(uuid.Nil)

func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

func (id MessageID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = MessageID(u)
	return nil
}

func ParseMessageID(s string) (MessageID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, err
	}
	return MessageID(u), nil
}
