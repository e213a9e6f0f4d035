package text

import "strings"

// Segmenter cuts streamed text into sentences. A boundary is only decided
// on the rune after the punctuation, so "3.14" stays whole and closing
// quotes or repeated marks ("？！", "……") stay with their sentence.
type Segmenter struct {
	// MaxRunes forces a cut, preferably at the last comma or space, once a
	// sentence grows this long. Zero disables it.
	MaxRunes int

	buffer  []rune
	pending bool
}

func NewSegmenter(maxRunes int) *Segmenter {
	return &Segmenter{MaxRunes: maxRunes}
}

func (s *Segmenter) Feed(text string) []string {
	var out []string
	for _, r := range text {
		if s.pending {
			switch {
			case isSentenceBoundary(r) || isClosingMark(r):
				s.buffer = append(s.buffer, r)
				continue
			case isDigit(r) && s.endsWithDecimalPoint():
				s.pending = false
			default:
				out = s.cut(out, len(s.buffer))
			}
		}
		s.buffer = append(s.buffer, r)
		switch {
		case isSentenceBoundary(r):
			s.pending = true
		case s.MaxRunes > 0 && len(s.buffer) >= s.MaxRunes:
			out = s.cut(out, s.softBreak())
		}
	}
	return out
}

// Flush returns whatever is buffered, boundary or not.
func (s *Segmenter) Flush() string {
	out := s.cut(nil, len(s.buffer))
	if len(out) == 0 {
		return ""
	}
	return out[0]
}

// cut emits buffer[:n] and keeps the rest.
func (s *Segmenter) cut(out []string, n int) []string {
	sentence := strings.TrimSpace(string(s.buffer[:n]))
	rest := copy(s.buffer, s.buffer[n:])
	s.buffer = s.buffer[:rest]
	s.pending = false
	if sentence != "" {
		out = append(out, sentence)
	}
	return out
}

func (s *Segmenter) softBreak() int {
	for i := len(s.buffer) - 2; i > 0; i-- {
		switch s.buffer[i] {
		case ',', '，', '、', ':', '：', ' ':
			return i + 1
		}
	}
	return len(s.buffer)
}

func (s *Segmenter) endsWithDecimalPoint() bool {
	n := len(s.buffer)
	return n >= 2 && s.buffer[n-1] == '.' && isDigit(s.buffer[n-2])
}

func isSentenceBoundary(r rune) bool {
	switch r {
	case '\n', '.', '!', '?', ';', '。', '！', '？', '；', '…':
		return true
	default:
		return false
	}
}

func isClosingMark(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '」', '』', '）', ')', '】', '》':
		return true
	default:
		return false
	}
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
