package streaming

import "strings"

// Reasoning block tags by model family.
const (
	TagThink     = "think"
	TagThinking  = "thinking"
	TagReasoning = "reasoning"
)

// BlockTagForModel picks the reasoning block tag for a model name.
func BlockTagForModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "claude"):
		return TagThink
	case strings.HasPrefix(m, "gemini"):
		return TagThinking
	case strings.HasPrefix(m, "gpt"), len(m) > 1 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9':
		return TagReasoning
	}
	return TagThink
}

// blockStripper removes <tag ...>...</tag> spans from streamed text,
// case-insensitively, replacing each span with one space. Stray opening or
// closing tags are replaced the same way. Text that might start a tag is
// withheld until enough input arrives to decide.
type blockStripper struct {
	open    string // "<tag"
	close   string // "</tag"
	pending string
	inBlock bool
}

func newBlockStripper(tag string) *blockStripper {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		tag = TagThink
	}
	return &blockStripper{open: "<" + tag, close: "</" + tag}
}

// feed consumes a text delta and returns the part safe to emit.
func (b *blockStripper) feed(s string) string {
	b.pending += s
	var out strings.Builder
	for {
		if b.inBlock {
			i, end, ok := b.findTag(b.pending, b.close)
			if !ok {
				// Drop block content, keep only what could begin the close tag.
				b.pending = b.pending[partialStart(b.pending, b.close):]
				return out.String()
			}
			if end < 0 {
				b.pending = b.pending[i:]
				return out.String()
			}
			out.WriteByte(' ')
			b.pending = b.pending[end:]
			b.inBlock = false
			continue
		}

		oi, oend, ook := b.findTag(b.pending, b.open)
		ci, cend, cok := b.findTag(b.pending, b.close)
		if cok && (!ook || ci < oi) {
			// Stray closing tag.
			out.WriteString(b.pending[:ci])
			if cend < 0 {
				b.pending = b.pending[ci:]
				return out.String()
			}
			out.WriteByte(' ')
			b.pending = b.pending[cend:]
			continue
		}
		if ook {
			out.WriteString(b.pending[:oi])
			if oend < 0 {
				b.pending = b.pending[oi:]
				return out.String()
			}
			b.pending = b.pending[oend:]
			b.inBlock = true
			continue
		}

		cut := partialStart(b.pending, b.open)
		if c := partialStart(b.pending, b.close); c < cut {
			cut = c
		}
		out.WriteString(b.pending[:cut])
		b.pending = b.pending[cut:]
		return out.String()
	}
}

// flush ends the stream. Content of an unterminated block and an
// unterminated tag are dropped; a dangling partial prefix is plain text.
func (b *blockStripper) flush() string {
	p := b.pending
	b.pending = ""
	if b.inBlock {
		return ""
	}
	if i, _, ok := b.findTag(p, b.open); ok {
		return p[:i]
	}
	if i, _, ok := b.findTag(p, b.close); ok {
		return p[:i]
	}
	return p
}

// findTag locates the first occurrence of prefix (e.g. "<think") that is a
// complete tag name, case-insensitively. end is the index just past the
// closing '>' or -1 if the tag is not terminated yet. A prefix at the very
// end of s, whose boundary is still unknown, counts as found.
func (b *blockStripper) findTag(s, prefix string) (start, end int, ok bool) {
	from := 0
	for {
		i := indexFold(s[from:], prefix)
		if i < 0 {
			return 0, 0, false
		}
		i += from
		j := i + len(prefix)
		if j < len(s) && !isTagBoundary(s[j]) {
			from = i + 1
			continue
		}
		if k := strings.IndexByte(s[j:], '>'); k >= 0 {
			return i, j + k + 1, true
		}
		return i, -1, true
	}
}

func isTagBoundary(c byte) bool {
	return c == '>' || c == '/' || c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// partialStart returns the index of the longest suffix of s that is a
// proper prefix of tag, or len(s) if there is none.
func partialStart(s, tag string) int {
	n := len(tag) - 1
	if n > len(s) {
		n = len(s)
	}
	for l := n; l > 0; l-- {
		if equalFold(s[len(s)-l:], tag[:l]) {
			return len(s) - l
		}
	}
	return len(s)
}

// indexFold is strings.Index with ASCII case folding; sub must be lower
// case. Byte offsets stay aligned with s.
func indexFold(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if equalFold(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

func equalFold(a, lowerB string) bool {
	if len(a) != len(lowerB) {
		return false
	}
	for i := 0; i < len(a); i++ {
		c := a[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != lowerB[i] {
			return false
		}
	}
	return true
}
