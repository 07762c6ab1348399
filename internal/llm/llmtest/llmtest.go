// Package llmtest provides scripted llm.Stream and llm.Client
// implementations for tests.
package llmtest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tbourn/go-chat-stream/internal/llm"
)

// Step is one scripted Recv result. A non-nil Err ends the stream with it.
type Step struct {
	Fragment llm.Fragment
	Err      error
	// Gate, when set, blocks this step until it is closed or the stream is.
	Gate chan struct{}
}

// Script replays steps, then returns io.EOF.
type Script struct {
	mu     sync.Mutex
	steps  []Step
	pos    int
	done   chan struct{}
	closed atomic.Bool
	recvs  atomic.Int32
}

// NewScript returns a stream over steps.
func NewScript(steps ...Step) *Script {
	return &Script{steps: steps, done: make(chan struct{})}
}

// Texts is shorthand for a script of plain text fragments.
func Texts(parts ...string) *Script {
	steps := make([]Step, len(parts))
	for i, p := range parts {
		steps[i] = Step{Fragment: llm.Fragment{Text: p}}
	}
	return NewScript(steps...)
}

func (s *Script) Recv() (llm.Fragment, error) {
	s.recvs.Add(1)
	if s.closed.Load() {
		return llm.Fragment{}, llm.ErrStreamClosed
	}
	s.mu.Lock()
	if s.pos >= len(s.steps) {
		s.mu.Unlock()
		return llm.Fragment{}, io.EOF
	}
	st := s.steps[s.pos]
	s.pos++
	s.mu.Unlock()

	if st.Gate != nil {
		select {
		case <-st.Gate:
		case <-s.done:
			return llm.Fragment{}, llm.ErrStreamClosed
		}
	}
	if s.closed.Load() {
		return llm.Fragment{}, llm.ErrStreamClosed
	}
	if st.Err != nil {
		return llm.Fragment{}, st.Err
	}
	return st.Fragment, nil
}

func (s *Script) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Script) Closed() bool { return s.closed.Load() }

// Done is closed when Close is called.
func (s *Script) Done() <-chan struct{} { return s.done }

// Recvs counts Recv calls.
func (s *Script) Recvs() int { return int(s.recvs.Load()) }

// Client hands out a prepared stream and records requests.
type Client struct {
	mu       sync.Mutex
	Next     func(req llm.Request) (llm.Stream, error)
	requests []llm.Request
}

func (c *Client) Stream(_ context.Context, req llm.Request) (llm.Stream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	next := c.Next
	c.mu.Unlock()
	return next(req)
}

// Requests returns every request seen so far.
func (c *Client) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}
