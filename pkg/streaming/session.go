package streaming

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/events"
)

// State is the lifecycle of one conversation's streaming session.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Active reports whether the session still owns the conversation's single
// streaming slot.
func (s State) Active() bool {
	return s == StateLoading || s == StateStreaming
}

// session holds the accumulators and cancellation handle of one in-flight
// completion. Each conversation has at most one; accumulators are a cache
// that is reconciled into the store on completion or graceful cancellation,
// and discarded on hard failure.
type session struct {
	conversationID conversation.ConversationID
	messageID      conversation.MessageID
	role           conversation.Role

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	content    strings.Builder
	thinking   strings.Builder
	merger     *ToolCallMerger
	model      string
	timings    *conversation.TimingStats
	processing events.ProcessingState

	// continue-mode prefix; rolled back to on failure when restore is set
	baseContent  string
	baseThinking string
	restore      bool
}

func newSession(conversationID conversation.ConversationID, messageID conversation.MessageID, role conversation.Role, cancel context.CancelFunc) *session {
	return &session{
		conversationID: conversationID,
		messageID:      messageID,
		role:           role,
		state:          StateLoading,
		cancel:         cancel,
		done:           make(chan struct{}),
		merger:         NewToolCallMerger(),
	}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// finish records the terminal state and releases waiters.
func (s *session) finish(state State) {
	s.mu.Lock()
	s.state = state
	s.cancel = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *session) metadata() events.EventMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return events.EventMetadata{
		ConversationID: s.conversationID,
		MessageID:      s.messageID,
		Model:          s.model,
	}
}

// fullContent is the persisted view: the continue-mode prefix plus everything
// accumulated this session.
func (s *session) fullContent() string {
	return s.baseContent + s.content.String()
}

func (s *session) fullThinking() string {
	return s.baseThinking + s.thinking.String()
}

func (s *session) setProcessing(state events.ProcessingState) {
	s.mu.Lock()
	s.processing = state
	s.mu.Unlock()
}

func (s *session) Processing() events.ProcessingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}
