package streaming

import (
	"testing"
	"time"

	"github.com/tbourn/go-chat-stream/internal/llm"
)

func TestSession_ObserveOverwritesPositiveCounts(t *testing.T) {
	s := NewSession("m", time.Unix(100, 0))
	s.observe(llm.Fragment{Usage: &llm.Usage{PromptTokens: 10, TotalTokens: 12}})
	s.observe(llm.Fragment{Usage: &llm.Usage{TotalTokens: 15}})
	s.observe(llm.Fragment{})

	if s.ChunkCount != 3 {
		t.Fatalf("chunk count = %d", s.ChunkCount)
	}
	if s.PromptTokens != 10 || s.TotalTokens != 15 {
		t.Fatalf("got prompt=%d total=%d", s.PromptTokens, s.TotalTokens)
	}
}

func TestSession_CompleteDerivesCompletionTokens(t *testing.T) {
	start := time.Unix(100, 0)
	s := NewSession("m", start)
	s.observe(llm.Fragment{Usage: &llm.Usage{PromptTokens: 7, TotalTokens: 20}})
	s.complete(start.Add(2 * time.Second))

	if s.CompletionTokens != 13 {
		t.Fatalf("completion tokens = %d", s.CompletionTokens)
	}
	if s.FinishReason != FinishStop {
		t.Fatalf("finish = %q", s.FinishReason)
	}
	if s.Duration() != 2*time.Second {
		t.Fatalf("duration = %v", s.Duration())
	}
}

func TestSession_ReportedCompletionIsKept(t *testing.T) {
	s := NewSession("m", time.Now())
	s.observe(llm.Fragment{Usage: &llm.Usage{PromptTokens: 5, CompletionTokens: 4, TotalTokens: 20}, FinishReason: "length"})
	s.complete(time.Now())
	if s.CompletionTokens != 4 || s.FinishReason != "length" {
		t.Fatalf("got %+v", s)
	}
}

func TestSession_Interrupt(t *testing.T) {
	s := NewSession("m", time.Now())
	if s.Duration() != 0 {
		t.Fatalf("unsealed session should report zero duration")
	}
	s.interrupt(time.Now())
	if s.FinishReason != FinishCancelled {
		t.Fatalf("finish = %q", s.FinishReason)
	}
}
