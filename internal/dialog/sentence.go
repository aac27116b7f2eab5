package dialog

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// firstSentenceBoundary returns the byte index of the last byte of the first
// sentence terminator in s, or -1 if s holds no complete sentence yet.
//
// '.', '!' and '?' only end a sentence when followed by whitespace, so a
// trailing "3." in a partially streamed "3.5" is not split. The full-width
// terminators '。', '！' and '？' end a sentence on their own.
func firstSentenceBoundary(s string) int {
	for i, r := range s {
		switch r {
		case '。', '！', '？':
			return i + utf8.RuneLen(r) - 1
		case '.', '!', '?':
			next, size := utf8.DecodeRuneInString(s[i+1:])
			if size > 0 && unicode.IsSpace(next) {
				return i
			}
		}
	}
	return -1
}

// sentenceSplitter accumulates streamed text and yields complete sentences.
type sentenceSplitter struct {
	buf strings.Builder
}

// push appends text and returns every sentence completed by it, trimmed.
func (s *sentenceSplitter) push(text string) []string {
	s.buf.WriteString(text)
	var out []string
	for {
		pending := s.buf.String()
		idx := firstSentenceBoundary(pending)
		if idx < 0 {
			return out
		}
		if sentence := strings.TrimSpace(pending[:idx+1]); sentence != "" {
			out = append(out, sentence)
		}
		s.buf.Reset()
		s.buf.WriteString(strings.TrimLeftFunc(pending[idx+1:], unicode.IsSpace))
	}
}

// flush returns the trailing partial sentence, if any, and empties the buffer.
func (s *sentenceSplitter) flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}
