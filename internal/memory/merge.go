package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/tbourn/go-chat-stream/internal/domain"
)

// CachedMessage is one conversation turn held in the context cache.
//
// Synthetic marks a timestamp assigned at insertion time because the turn
// had not been read back from the durable log yet. Real timestamps always
// win over synthetic ones for the same turn.
type CachedMessage struct {
	Role      string    `json:"messageType"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Synthetic bool      `json:"synthetic,omitempty"`
}

// DedupKey identifies a turn by role and text.
func (m CachedMessage) DedupKey() string {
	return strings.ToUpper(m.Role) + "::" + m.Text
}

// FromMessages converts durable log rows, keeping their real timestamps.
func FromMessages(msgs []domain.Message) []CachedMessage {
	out := make([]CachedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, CachedMessage{Role: m.Role, Text: m.Content, Timestamp: m.CreatedAt.UTC()})
	}
	return out
}

// syntheticStep separates consecutive synthetic stamps.
const syntheticStep = time.Microsecond

// merge folds incoming into existing and returns the union newest-first.
//
// Incoming entries with a zero timestamp are stamped after every timestamp
// already present, in their given (chronological) order, so a just-produced
// [question, answer] pair sorts above older context. On a dedup collision a
// real timestamp replaces a synthetic one; otherwise the newer stamp wins.
// The result is not truncated.
func merge(existing, incoming []CachedMessage, now time.Time) []CachedMessage {
	anchor := now.UTC()
	for _, m := range existing {
		if m.Timestamp.After(anchor) {
			anchor = m.Timestamp
		}
	}
	for _, m := range incoming {
		if m.Timestamp.After(anchor) {
			anchor = m.Timestamp
		}
	}

	byKey := make(map[string]int, len(existing)+len(incoming))
	out := make([]CachedMessage, 0, len(existing)+len(incoming))
	put := func(m CachedMessage) {
		k := m.DedupKey()
		i, seen := byKey[k]
		if !seen {
			byKey[k] = len(out)
			out = append(out, m)
			return
		}
		if preferred(m, out[i]) {
			out[i] = m
		}
	}

	for _, m := range existing {
		put(m)
	}
	step := 0
	for _, m := range incoming {
		if m.Timestamp.IsZero() {
			step++
			m.Timestamp = anchor.Add(time.Duration(step) * syntheticStep)
			m.Synthetic = true
		}
		put(m)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// preferred reports whether candidate should replace current.
func preferred(candidate, current CachedMessage) bool {
	if candidate.Synthetic != current.Synthetic {
		return !candidate.Synthetic
	}
	return candidate.Timestamp.After(current.Timestamp)
}

func capped(msgs []CachedMessage, max int) []CachedMessage {
	if max > 0 && len(msgs) > max {
		return msgs[:max]
	}
	return msgs
}
