package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/arbor/pkg/conversation"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    last_modified INTEGER NOT NULL,
    current_leaf_id TEXT
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    type TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    thinking_content TEXT NOT NULL DEFAULT '',
    tool_call_payload TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL,
    parent_id TEXT,
    child_ids TEXT NOT NULL DEFAULT '[]',
    attachments TEXT NOT NULL DEFAULT '[]',
    timing_stats TEXT,
    model_name TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_timestamp ON messages(conversation_id, timestamp);
`

// SQLiteStore persists conversation trees in an embedded SQLite database.
// child_ids and attachments are stored as JSON columns so the tree shape can
// evolve without SQL column churn.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}

	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite database")
	}

	if _, err := db.ExecContext(ctx, sqliteSchemaV1); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialize schema")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, name string) (*conversation.Conversation, error) {
	conv := conversation.NewConversation(name)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, name, last_modified, current_leaf_id) VALUES (?, ?, ?, NULL)`,
		conv.ID.String(), conv.Name, conv.LastModified.UnixMicro())
	if err != nil {
		return nil, errors.Wrap(err, "insert conversation")
	}

	log.Debug().Str("conversation_id", conv.ID.String()).Str("name", name).Msg("created conversation")
	return conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id conversation.ConversationID) (*conversation.Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func getConversation(ctx context.Context, q querier, id conversation.ConversationID) (*conversation.Conversation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, name, last_modified, current_leaf_id FROM conversations WHERE id = ?`,
		id.String())
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*conversation.Conversation, error) {
	var (
		idStr        string
		name         string
		lastModified int64
		leafStr      sql.NullString
	)
	if err := row.Scan(&idStr, &name, &lastModified, &leafStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, errors.Wrap(err, "scan conversation")
	}

	convID, err := conversation.ParseConversationID(idStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse conversation id")
	}

	conv := &conversation.Conversation{
		ID:           convID,
		Name:         name,
		LastModified: time.UnixMicro(lastModified),
	}
	if leafStr.Valid && leafStr.String != "" {
		leafID, err := conversation.ParseMessageID(leafStr.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse current leaf id")
		}
		conv.CurrentLeafID = &leafID
	}

	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, last_modified, current_leaf_id FROM conversations ORDER BY last_modified DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []*conversation.Conversation
	for rows.Next() {
		var (
			idStr        string
			name         string
			lastModified int64
			leafStr      sql.NullString
		)
		if err := rows.Scan(&idStr, &name, &lastModified, &leafStr); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		convID, err := conversation.ParseConversationID(idStr)
		if err != nil {
			return nil, errors.Wrap(err, "parse conversation id")
		}
		conv := &conversation.Conversation{
			ID:           convID,
			Name:         name,
			LastModified: time.UnixMicro(lastModified),
		}
		if leafStr.Valid && leafStr.String != "" {
			leafID, err := conversation.ParseMessageID(leafStr.String)
			if err != nil {
				return nil, errors.Wrap(err, "parse current leaf id")
			}
			conv.CurrentLeafID = &leafID
		}
		ret = append(ret, conv)
	}

	return ret, rows.Err()
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id conversation.ConversationID, update ConversationUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return updateConversationTx(ctx, tx, id, update)
	})
}

func updateConversationTx(ctx context.Context, tx *sql.Tx, id conversation.ConversationID, update ConversationUpdate) error {
	if update.Name != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET name = ? WHERE id = ?`, *update.Name, id.String()); err != nil {
			return errors.Wrap(err, "update conversation name")
		}
	}
	if update.CurrentLeafID != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET current_leaf_id = ? WHERE id = ?`,
			update.CurrentLeafID.String(), id.String()); err != nil {
			return errors.Wrap(err, "update conversation current leaf")
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_modified = ? WHERE id = ?`,
		time.Now().UnixMicro(), id.String())
	if err != nil {
		return errors.Wrap(err, "refresh last modified")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id conversation.ConversationID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id = ?`, id.String()); err != nil {
			return errors.Wrap(err, "delete conversation messages")
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM conversations WHERE id = ?`, id.String())
		if err != nil {
			return errors.Wrap(err, "delete conversation")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "rows affected")
		}
		if affected == 0 {
			return ErrConversationNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) CreateRootMessage(ctx context.Context, conversationID conversation.ConversationID) (conversation.MessageID, error) {
	root := conversation.NewRootMessage(conversationID)
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return insertMessage(ctx, tx, root)
	}); err != nil {
		return conversation.NilMessage, err
	}
	return root.ID, nil
}

// CreateMessageBranch inserts a new message, appends its id to the parent's
// child list, and moves the conversation's current leaf onto it. All three
// writes happen in one transaction. A nil parentID is reserved for root
// insertion and skips the parent bookkeeping.
func (s *SQLiteStore) CreateMessageBranch(ctx context.Context, msg *conversation.Message, parentID *conversation.MessageID) (*conversation.Message, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if parentID != nil {
			parent, err := getMessage(ctx, tx, *parentID)
			if err != nil {
				if errors.Is(err, ErrMessageNotFound) {
					return ErrParentNotFound
				}
				return err
			}
			msg.ParentID = parentID

			parent.ChildIDs = append(parent.ChildIDs, msg.ID)
			if err := writeChildIDs(ctx, tx, parent.ID, parent.ChildIDs); err != nil {
				return err
			}
		}

		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}

		if !msg.IsRoot() {
			leafID := msg.ID
			if err := updateConversationTx(ctx, tx, msg.ConversationID, ConversationUpdate{CurrentLeafID: &leafID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("conversation_id", msg.ConversationID.String()).
		Str("message_id", msg.ID.String()).
		Str("role", string(msg.Role)).
		Msg("created message branch")
	return msg, nil
}

func insertMessage(ctx context.Context, q querier, msg *conversation.Message) error {
	childIDs, err := json.Marshal(msg.ChildIDs)
	if err != nil {
		return errors.Wrap(err, "marshal child ids")
	}
	if msg.ChildIDs == nil {
		childIDs = []byte("[]")
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return errors.Wrap(err, "marshal attachments")
	}
	if msg.Attachments == nil {
		attachments = []byte("[]")
	}

	var timingStats interface{}
	if msg.TimingStats != nil {
		b, err := json.Marshal(msg.TimingStats)
		if err != nil {
			return errors.Wrap(err, "marshal timing stats")
		}
		timingStats = string(b)
	}

	var parentID interface{}
	if msg.ParentID != nil {
		parentID = msg.ParentID.String()
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, type, role, content, thinking_content, tool_call_payload,
		 timestamp, parent_id, child_ids, attachments, timing_stats, model_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.ConversationID.String(), string(msg.Type), string(msg.Role),
		msg.Content, msg.ThinkingContent, msg.ToolCallPayload,
		msg.Timestamp.UnixMicro(), parentID, string(childIDs), string(attachments), timingStats, msg.ModelName)
	return errors.Wrap(err, "insert message")
}

func writeChildIDs(ctx context.Context, q querier, id conversation.MessageID, childIDs []conversation.MessageID) error {
	b, err := json.Marshal(childIDs)
	if err != nil {
		return errors.Wrap(err, "marshal child ids")
	}
	if childIDs == nil {
		b = []byte("[]")
	}
	_, err = q.ExecContext(ctx,
		`UPDATE messages SET child_ids = ? WHERE id = ?`, string(b), id.String())
	return errors.Wrap(err, "update child ids")
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id conversation.MessageID) (*conversation.Message, error) {
	return getMessage(ctx, s.db, id)
}

const messageColumns = `id, conversation_id, type, role, content, thinking_content, tool_call_payload,
	timestamp, parent_id, child_ids, attachments, timing_stats, model_name`

func getMessage(ctx context.Context, q querier, id conversation.MessageID) (*conversation.Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id.String())
	if err != nil {
		return nil, errors.Wrap(err, "query message")
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "query message")
		}
		return nil, ErrMessageNotFound
	}
	return scanMessage(rows)
}

func scanMessage(rows *sql.Rows) (*conversation.Message, error) {
	var (
		idStr, convStr, typ, role          string
		content, thinking, toolCalls       string
		timestamp                          int64
		parentStr, timingStr               sql.NullString
		childIDsStr, attachmentsStr, model string
	)
	if err := rows.Scan(&idStr, &convStr, &typ, &role, &content, &thinking, &toolCalls,
		&timestamp, &parentStr, &childIDsStr, &attachmentsStr, &timingStr, &model); err != nil {
		return nil, errors.Wrap(err, "scan message")
	}

	msgID, err := conversation.ParseMessageID(idStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse message id")
	}
	convID, err := conversation.ParseConversationID(convStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse conversation id")
	}

	msg := &conversation.Message{
		ID:              msgID,
		ConversationID:  convID,
		Type:            conversation.MessageType(typ),
		Role:            conversation.Role(role),
		Content:         content,
		ThinkingContent: thinking,
		ToolCallPayload: toolCalls,
		Timestamp:       time.UnixMicro(timestamp),
		ModelName:       model,
	}

	if parentStr.Valid && parentStr.String != "" {
		parentID, err := conversation.ParseMessageID(parentStr.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse parent id")
		}
		msg.ParentID = &parentID
	}

	if err := json.Unmarshal([]byte(childIDsStr), &msg.ChildIDs); err != nil {
		return nil, errors.Wrap(err, "unmarshal child ids")
	}
	if err := json.Unmarshal([]byte(attachmentsStr), &msg.Attachments); err != nil {
		return nil, errors.Wrap(err, "unmarshal attachments")
	}
	if timingStr.Valid && timingStr.String != "" {
		msg.TimingStats = &conversation.TimingStats{}
		if err := json.Unmarshal([]byte(timingStr.String), msg.TimingStats); err != nil {
			return nil, errors.Wrap(err, "unmarshal timing stats")
		}
	}

	return msg, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, id conversation.MessageID, update MessageUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		set := func(column string, value interface{}) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE messages SET `+column+` = ? WHERE id = ?`, value, id.String())
			if err != nil {
				return errors.Wrapf(err, "update message %s", column)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return errors.Wrap(err, "rows affected")
			}
			if affected == 0 {
				return ErrMessageNotFound
			}
			return nil
		}

		if update.Content != nil {
			if err := set("content", *update.Content); err != nil {
				return err
			}
		}
		if update.ThinkingContent != nil {
			if err := set("thinking_content", *update.ThinkingContent); err != nil {
				return err
			}
		}
		if update.ToolCallPayload != nil {
			if err := set("tool_call_payload", *update.ToolCallPayload); err != nil {
				return err
			}
		}
		if update.ModelName != nil {
			if err := set("model_name", *update.ModelName); err != nil {
				return err
			}
		}
		if update.TimingStats != nil {
			b, err := json.Marshal(update.TimingStats)
			if err != nil {
				return errors.Wrap(err, "marshal timing stats")
			}
			if err := set("timing_stats", string(b)); err != nil {
				return err
			}
		}
		if update.Attachments != nil {
			b, err := json.Marshal(update.Attachments)
			if err != nil {
				return errors.Wrap(err, "marshal attachments")
			}
			if err := set("attachments", string(b)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteMessage removes a single message and detaches it from its parent's
// child list. Descendants are left in place; use DeleteMessageCascading to
// remove a whole subtree.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id conversation.MessageID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		msg, err := getMessage(ctx, tx, id)
		if err != nil {
			return err
		}

		if msg.ParentID != nil {
			if err := detachChild(ctx, tx, *msg.ParentID, id); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id.String())
		return errors.Wrap(err, "delete message")
	})
}

func detachChild(ctx context.Context, tx *sql.Tx, parentID, childID conversation.MessageID) error {
	parent, err := getMessage(ctx, tx, parentID)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			// orphaned parent pointer, nothing to detach from
			return nil
		}
		return err
	}

	filtered := parent.ChildIDs[:0]
	for _, cid := range parent.ChildIDs {
		if cid != childID {
			filtered = append(filtered, cid)
		}
	}
	return writeChildIDs(ctx, tx, parentID, filtered)
}

// DeleteMessageCascading removes messageID together with every descendant
// reachable through child links, as one transaction. It returns the full set
// of deleted ids so in-memory views can reconcile.
func (s *SQLiteStore) DeleteMessageCascading(ctx context.Context, conversationID conversation.ConversationID, messageID conversation.MessageID) ([]conversation.MessageID, error) {
	var deleted []conversation.MessageID

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		messages, err := getConversationMessages(ctx, tx, conversationID)
		if err != nil {
			return err
		}

		target, err := getMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}

		descendants := conversation.CollectDescendants(messages, messageID)
		deleted = append([]conversation.MessageID{messageID}, descendants...)

		if target.ParentID != nil {
			if err := detachChild(ctx, tx, *target.ParentID, messageID); err != nil {
				return err
			}
		}

		for _, id := range deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id.String()); err != nil {
				return errors.Wrap(err, "delete message")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("conversation_id", conversationID.String()).
		Str("message_id", messageID.String()).
		Int("deleted_count", len(deleted)).
		Msg("cascading delete")
	return deleted, nil
}

func (s *SQLiteStore) GetConversationMessages(ctx context.Context, conversationID conversation.ConversationID) ([]*conversation.Message, error) {
	return getConversationMessages(ctx, s.db, conversationID)
}

func getConversationMessages(ctx context.Context, q querier, conversationID conversation.ConversationID) ([]*conversation.Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC`,
		conversationID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query conversation messages")
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []*conversation.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, msg)
	}

	return ret, rows.Err()
}

// Import bulk-loads conversation bundles, skipping any conversation id that
// already exists instead of overwriting it.
func (s *SQLiteStore) Import(ctx context.Context, bundles []*conversation.Bundle) (ImportResult, error) {
	result := ImportResult{}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, bundle := range bundles {
			if bundle == nil || bundle.Conversation == nil {
				continue
			}

			_, err := getConversation(ctx, tx, bundle.Conversation.ID)
			if err == nil {
				result.Skipped++
				continue
			}
			if !errors.Is(err, ErrConversationNotFound) {
				return err
			}

			conv := bundle.Conversation
			var leafID interface{}
			if conv.CurrentLeafID != nil {
				leafID = conv.CurrentLeafID.String()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO conversations (id, name, last_modified, current_leaf_id) VALUES (?, ?, ?, ?)`,
				conv.ID.String(), conv.Name, conv.LastModified.UnixMicro(), leafID); err != nil {
				return errors.Wrap(err, "insert imported conversation")
			}

			for _, msg := range bundle.Messages {
				if err := insertMessage(ctx, tx, msg); err != nil {
					return err
				}
			}
			result.Imported++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}

	log.Info().Int("imported", result.Imported).Int("skipped", result.Skipped).Msg("import finished")
	return result, nil
}

// Export returns a conversation and its full message set as one bundle, the
// inverse of Import.
func (s *SQLiteStore) Export(ctx context.Context, conversationID conversation.ConversationID) (*conversation.Bundle, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := s.GetConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &conversation.Bundle{Conversation: conv, Messages: messages}, nil
}
