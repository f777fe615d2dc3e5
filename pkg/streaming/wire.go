package streaming

import (
	"strings"

	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/arbor/pkg/conversation"
)

// ToolCallDelta is one incremental tool-call fragment from the stream. Index
// names the slot the fragment belongs to; a nil index means "next available
// slot".
type ToolCallDelta struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// PromptProgress is the backend's prompt-processing snapshot, used only for
// UI telemetry.
type PromptProgress struct {
	Cache     int     `json:"cache"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	TimeMS    float64 `json:"time_ms"`
}

type streamDelta struct {
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content"`
	ToolCalls        []ToolCallDelta `json:"tool_calls"`
	Model            string          `json:"model"`
}

type responseMessage struct {
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content"`
	ToolCalls        []ToolCallDelta `json:"tool_calls"`
	Model            string          `json:"model"`
}

type streamChoice struct {
	Delta        streamDelta      `json:"delta"`
	Message      *responseMessage `json:"message"`
	FinishReason *string          `json:"finish_reason"`
}

// StreamChunk is one decoded `data:` record from the event stream.
type StreamChunk struct {
	Model          string                    `json:"model"`
	Choices        []streamChoice            `json:"choices"`
	Timings        *conversation.TimingStats `json:"timings"`
	PromptProgress *PromptProgress           `json:"prompt_progress"`
}

// ResolveModel returns the first non-empty model name, checked top-level,
// then delta, then message.
func (c *StreamChunk) ResolveModel() string {
	if c.Model != "" {
		return c.Model
	}
	if len(c.Choices) > 0 {
		if c.Choices[0].Delta.Model != "" {
			return c.Choices[0].Delta.Model
		}
		if c.Choices[0].Message != nil && c.Choices[0].Message.Model != "" {
			return c.Choices[0].Message.Model
		}
	}
	return ""
}

// IsTerminal reports whether the record carries a finish marker, which
// schedules the Streaming to Completed transition once the transport signals
// end of stream.
func (c *StreamChunk) IsTerminal() bool {
	for _, choice := range c.Choices {
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			return true
		}
	}
	return false
}

// completionResponse is the non-streaming response shape.
type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      responseMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	} `json:"choices"`
	Timings *conversation.TimingStats `json:"timings"`
}

// RequestOptions are the generation parameters carried into every completion
// request.
type RequestOptions struct {
	Model       string
	Temperature float32
	TopP        float32
	MaxTokens   int
	Stream      bool
}

// BuildChatMessages converts a root-to-leaf thread into the ordered request
// message list. Root nodes are skipped; user attachments expand into
// multi-part content.
func BuildChatMessages(thread conversation.Thread) []go_openai.ChatCompletionMessage {
	msgs := make([]go_openai.ChatCompletionMessage, 0, len(thread))
	for _, msg := range thread {
		if msg.IsRoot() {
			continue
		}

		out := go_openai.ChatCompletionMessage{
			Role: string(msg.Role),
		}

		if len(msg.Attachments) > 0 && msg.Role == conversation.RoleUser {
			out.MultiContent = buildMultiContent(msg)
		} else {
			out.Content = msg.Content
		}

		msgs = append(msgs, out)
	}
	return msgs
}

func buildMultiContent(msg *conversation.Message) []go_openai.ChatMessagePart {
	parts := make([]go_openai.ChatMessagePart, 0, len(msg.Attachments)+1)

	// document-style attachments are folded into the text prompt
	var docs strings.Builder
	for _, a := range msg.Attachments {
		switch v := a.(type) {
		case *conversation.TextAttachment:
			writeDocument(&docs, v.Name, v.Content)
		case *conversation.PDFAttachment:
			writeDocument(&docs, v.Name, v.Text)
		case *conversation.LegacyTextAttachment:
			writeDocument(&docs, v.Name, v.Content)
		}
	}

	text := msg.Content
	if docs.Len() > 0 {
		text = docs.String() + text
	}
	parts = append(parts, go_openai.ChatMessagePart{
		Type: go_openai.ChatMessagePartTypeText,
		Text: text,
	})

	for _, a := range msg.Attachments {
		if img, ok := a.(*conversation.ImageAttachment); ok {
			parts = append(parts, go_openai.ChatMessagePart{
				Type: go_openai.ChatMessagePartTypeImageURL,
				ImageURL: &go_openai.ChatMessageImageURL{
					URL: img.DataURI(),
				},
			})
		}
	}

	return parts
}

func writeDocument(b *strings.Builder, name, content string) {
	b.WriteString("File: ")
	b.WriteString(name)
	b.WriteString("\n")
	b.WriteString(content)
	b.WriteString("\n\n")
}

// NewCompletionRequest assembles the wire request for one thread.
func NewCompletionRequest(thread conversation.Thread, opts RequestOptions) go_openai.ChatCompletionRequest {
	return go_openai.ChatCompletionRequest{
		Model:       opts.Model,
		Messages:    BuildChatMessages(thread),
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
		Stream:      opts.Stream,
	}
}
