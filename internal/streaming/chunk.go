package streaming

import (
	"encoding/json"

	"github.com/tbourn/go-chat-stream/internal/apperr"
	"github.com/tbourn/go-chat-stream/internal/llm"
)

// Event names written to the client channel.
const (
	EventChunk = "chunk"
	EventError = "error"
)

// ChunkPayload mirrors the OpenAI chat.completion.chunk shape so existing
// client libraries can consume the stream.
type ChunkPayload struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *ChunkUsage   `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type ChunkDelta struct {
	Content   string         `json:"content,omitempty"`
	ToolCalls []ToolCallJSON `json:"tool_calls,omitempty"`
}

type ToolCallJSON struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolFunctionJSON `json:"function"`
}

type ToolFunctionJSON struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type ChunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func toolCallsJSON(calls []llm.ToolCall) []ToolCallJSON {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCallJSON, len(calls))
	for i, c := range calls {
		out[i] = ToolCallJSON{
			Index:    c.Index,
			ID:       c.ID,
			Type:     c.Type,
			Function: ToolFunctionJSON{Name: c.Name, Arguments: c.Arguments},
		}
	}
	return out
}

func usageJSON(s *Session) *ChunkUsage {
	return &ChunkUsage{
		PromptTokens:     s.PromptTokens,
		CompletionTokens: s.CompletionTokens,
		TotalTokens:      s.TotalTokens,
	}
}

func encodeChunk(id string, s *Session, delta ChunkDelta, finish *string, usage *ChunkUsage) []byte {
	b, _ := json.Marshal(ChunkPayload{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: s.StartTime.Unix(),
		Model:   s.Model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	})
	return b
}

// EncodeError renders err as an error event body. Only the classified
// code and message are exposed.
func EncodeError(err error) []byte {
	e := apperr.From(err)
	b, _ := json.Marshal(ErrorPayload{Code: e.Code, Message: e.Message, Retryable: e.Retryable})
	return b
}
