package streaming

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

type ErrorKind string

const (
	// ErrorKindAborted is a user-initiated stop. It is not surfaced as an
	// error dialog; the session resolves to Cancelled.
	ErrorKindAborted ErrorKind = "aborted"
	// ErrorKindTransport covers connection refused, DNS failures and other
	// network-level errors. Retryable by re-sending.
	ErrorKindTransport ErrorKind = "transport"
	// ErrorKindTimeout is a transport-reported timeout, surfaced with
	// distinct messaging from generic transport errors.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindServer is a non-2xx response with a structured message.
	ErrorKindServer ErrorKind = "server"
	// ErrorKindEmptyResponse is a non-streaming completion carrying neither
	// content nor tool calls.
	ErrorKindEmptyResponse ErrorKind = "empty-response"
)

// ContextOverflow carries the prompt-size details a server reports when the
// request exceeds the model's context window, so the UI can suggest trimming
// history.
type ContextOverflow struct {
	PromptTokens int `json:"n_prompt_tokens"`
	MaxContext   int `json:"n_ctx"`
}

// ChatError is the typed error surfaced by streaming sessions.
type ChatError struct {
	Kind     ErrorKind
	Message  string
	Status   int
	Overflow *ContextOverflow
	cause    error
}

func (e *ChatError) Error() string {
	if e.Overflow != nil {
		return fmt.Sprintf("%s: %s (prompt %d tokens, context %d)",
			e.Kind, e.Message, e.Overflow.PromptTokens, e.Overflow.MaxContext)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ChatError) Unwrap() error {
	return e.cause
}

func NewServerError(status int, message string, overflow *ContextOverflow) *ChatError {
	return &ChatError{Kind: ErrorKindServer, Status: status, Message: message, Overflow: overflow}
}

func NewEmptyResponseError() *ChatError {
	return &ChatError{Kind: ErrorKindEmptyResponse, Message: "completion carried no content and no tool calls"}
}

// ClassifyError maps an arbitrary error onto the taxonomy. Context
// cancellation is an abort, net timeouts are timeouts, everything else that
// is not already a ChatError becomes a transport error.
func ClassifyError(err error) *ChatError {
	if err == nil {
		return nil
	}

	var chatErr *ChatError
	if errors.As(err, &chatErr) {
		return chatErr
	}

	if errors.Is(err, context.Canceled) {
		return &ChatError{Kind: ErrorKindAborted, Message: "aborted by user", cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ChatError{Kind: ErrorKindTimeout, Message: err.Error(), cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ChatError{Kind: ErrorKindTimeout, Message: err.Error(), cause: err}
	}

	return &ChatError{Kind: ErrorKindTransport, Message: err.Error(), cause: err}
}

// IsAborted reports whether err resolves to a user-initiated abort.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Kind == ErrorKindAborted
}
