// Package llm defines the model-call collaborator: a cancellable, lazily
// pulled sequence of response fragments.
package llm

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrStreamClosed is returned by Recv after Close was called.
var ErrStreamClosed = errors.New("llm: stream closed")

// ToolCall is one tool invocation descriptor, possibly partial: streaming
// backends deliver names and arguments incrementally.
type ToolCall struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// Usage carries token counts. Zero means "not reported".
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Fragment is one incremental unit of model output.
type Fragment struct {
	Text         string
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason string
}

// Turn is a prior conversation message sent as context.
type Turn struct {
	Role string
	Text string
}

// Request describes one model call. Model is always explicit.
type Request struct {
	Model   string
	System  string
	History []Turn
	Prompt  string
}

// Stream is a pull-based fragment sequence. Recv returns io.EOF at the end.
// Close cancels the upstream call; it is safe to call more than once and
// concurrently with Recv.
type Stream interface {
	Recv() (Fragment, error)
	Close() error
}

// Client starts model calls.
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

type hookedStream struct {
	Stream
	once sync.Once
	hook func(error)
}

// WithErrorHook returns s with hook attached: it runs once, on the first
// Recv error that is neither io.EOF nor ErrStreamClosed.
func WithErrorHook(s Stream, hook func(error)) Stream {
	if hook == nil {
		return s
	}
	return &hookedStream{Stream: s, hook: hook}
}

func (h *hookedStream) Recv() (Fragment, error) {
	f, err := h.Stream.Recv()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, ErrStreamClosed) {
		h.once.Do(func() { h.hook(err) })
	}
	return f, err
}
