package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

const completionsPath = "/v1/chat/completions"

// Client issues completion requests against an OpenAI-compatible streaming
// backend. Timeout policy belongs to the injected http.Client, not to this
// package.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	ret := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Complete issues the request and returns the raw streamed response. The
// caller owns the body. Non-2xx responses are drained and mapped onto the
// error taxonomy.
func (c *Client) Complete(ctx context.Context, req go_openai.ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.Debug().
		Str("url", httpReq.URL.String()).
		Str("model", req.Model).
		Bool("stream", req.Stream).
		Int("message_count", len(req.Messages)).
		Msg("issuing completion request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, decodeServerError(resp)
	}

	if resp.Body == nil {
		return nil, &ChatError{Kind: ErrorKindTransport, Message: "empty response body"}
	}

	return resp, nil
}

// serverErrorBody is the error envelope returned by llama.cpp-style servers.
// Context-window overflow errors carry the prompt size next to the message.
type serverErrorBody struct {
	Error struct {
		Code         int    `json:"code"`
		Message      string `json:"message"`
		Type         string `json:"type"`
		PromptTokens int    `json:"n_prompt_tokens"`
		MaxContext   int    `json:"n_ctx"`
	} `json:"error"`
}

func decodeServerError(resp *http.Response) *ChatError {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return NewServerError(resp.StatusCode, resp.Status, nil)
	}

	var body serverErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Message == "" {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return NewServerError(resp.StatusCode, msg, nil)
	}

	var overflow *ContextOverflow
	if body.Error.Type == "exceed_context_size_error" ||
		(body.Error.PromptTokens > 0 && body.Error.MaxContext > 0) {
		overflow = &ContextOverflow{
			PromptTokens: body.Error.PromptTokens,
			MaxContext:   body.Error.MaxContext,
		}
	}

	return NewServerError(resp.StatusCode, body.Error.Message, overflow)
}
