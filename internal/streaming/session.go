package streaming

import (
	"strings"
	"time"

	"github.com/tbourn/go-chat-stream/internal/llm"
)

// Finish reasons set by the pipeline when upstream reports none.
const (
	FinishStop      = "stop"
	FinishCancelled = "cancelled"
)

// Session accumulates one stream's output. It is owned by a single
// pipeline run and mutated only on that run's pull path.
type Session struct {
	Model     string
	StartTime time.Time
	EndTime   time.Time

	ChunkCount       int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string

	text strings.Builder
}

// NewSession starts a session for model at start.
func NewSession(model string, start time.Time) *Session {
	return &Session{Model: model, StartTime: start}
}

// Text returns the client-visible text accumulated so far.
func (s *Session) Text() string { return s.text.String() }

func (s *Session) appendText(t string) { s.text.WriteString(t) }

// observe records fragment metadata. Token counts are running totals:
// positive values overwrite, zeros mean "not reported".
func (s *Session) observe(f llm.Fragment) {
	s.ChunkCount++
	if f.FinishReason != "" {
		s.FinishReason = f.FinishReason
	}
	if u := f.Usage; u != nil {
		if u.PromptTokens > 0 {
			s.PromptTokens = u.PromptTokens
		}
		if u.CompletionTokens > 0 {
			s.CompletionTokens = u.CompletionTokens
		}
		if u.TotalTokens > 0 {
			s.TotalTokens = u.TotalTokens
		}
	}
}

func (s *Session) deriveCompletion() {
	if s.CompletionTokens == 0 && s.PromptTokens > 0 && s.TotalTokens >= s.PromptTokens {
		s.CompletionTokens = s.TotalTokens - s.PromptTokens
	}
}

// complete seals a session that reached the end of its fragment sequence.
func (s *Session) complete(end time.Time) {
	s.EndTime = end
	s.deriveCompletion()
	if s.FinishReason == "" {
		s.FinishReason = FinishStop
	}
}

// interrupt seals a session cut short by the client.
func (s *Session) interrupt(end time.Time) {
	s.EndTime = end
	s.deriveCompletion()
	if s.FinishReason == "" {
		s.FinishReason = FinishCancelled
	}
}

// Duration is the wall-clock time between start and seal.
func (s *Session) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
