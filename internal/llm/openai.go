package llm

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tbourn/go-chat-stream/internal/apperr"
	"github.com/tbourn/go-chat-stream/internal/domain"
)

// OpenAI streams chat completions from any OpenAI-compatible endpoint.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI builds a client. An empty baseURL keeps the public API.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

func toMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, t := range req.History {
		role := openai.ChatMessageRoleUser
		if t.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
}

// Stream opens a streaming completion. The call runs under its own
// cancelable context derived from ctx, so Close stops it promptly.
func (o *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      toMessages(req),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		cancel()
		return nil, apperr.UpstreamModel(err)
	}
	return &openaiStream{s: s, cancel: cancel}, nil
}

type openaiStream struct {
	s      *openai.ChatCompletionStream
	cancel context.CancelFunc
	closed atomic.Bool
}

func (st *openaiStream) Recv() (Fragment, error) {
	if st.closed.Load() {
		return Fragment{}, ErrStreamClosed
	}
	resp, err := st.s.Recv()
	if errors.Is(err, io.EOF) {
		return Fragment{}, io.EOF
	}
	if err != nil {
		if st.closed.Load() {
			return Fragment{}, ErrStreamClosed
		}
		return Fragment{}, apperr.UpstreamModel(err)
	}
	return fromResponse(resp), nil
}

func (st *openaiStream) Close() error {
	if !st.closed.CompareAndSwap(false, true) {
		return nil
	}
	st.cancel()
	return st.s.Close()
}

func fromResponse(resp openai.ChatCompletionStreamResponse) Fragment {
	var f Fragment
	if resp.Usage != nil {
		f.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	if len(resp.Choices) == 0 {
		return f
	}
	c := resp.Choices[0]
	f.Text = c.Delta.Content
	f.FinishReason = string(c.FinishReason)
	for i, tc := range c.Delta.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		f.ToolCalls = append(f.ToolCalls, ToolCall{
			Index:     idx,
			ID:        tc.ID,
			Type:      string(tc.Type),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return f
}
