package text

import (
	"reflect"
	"testing"
)

func feedAll(s *Segmenter, chunks ...string) []string {
	var out []string
	for _, c := range chunks {
		out = append(out, s.Feed(c)...)
	}
	if rest := s.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}

func TestSegmenter(t *testing.T) {
	tests := []struct {
		name     string
		max      int
		chunks   []string
		expected []string
	}{
		{"sentences", 0, []string{"今天天气很好。我们去公园吧！好"}, []string{"今天天气很好。", "我们去公园吧！", "好"}},
		{"across chunks", 0, []string{"今天天气很好。我们去", "公园吧！好", "的"}, []string{"今天天气很好。", "我们去公园吧！", "好的"}},
		{"decimal point", 0, []string{"pi is 3.14. Next"}, []string{"pi is 3.14.", "Next"}},
		{"closing quote", 0, []string{"他说：“好的。”然后走了"}, []string{"他说：“好的。”", "然后走了"}},
		{"repeated marks", 0, []string{"等等……真的吗？！"}, []string{"等等……", "真的吗？！"}},
		{"hard cap", 4, []string{"abcdefgh"}, []string{"abcd", "efgh"}},
		{"soft break", 8, []string{"一二三，四五六七八九"}, []string{"一二三，", "四五六七八九"}},
		{"blank", 0, []string{"  \n  "}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := feedAll(NewSegmenter(tt.max), tt.chunks...)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("segments = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSegmenterHoldsBoundaryUntilNextRune(t *testing.T) {
	s := NewSegmenter(0)
	if got := s.Feed("好的。"); len(got) != 0 {
		t.Fatalf("Feed() = %q, want nothing before the next rune", got)
	}
	if got := s.Feed("再见"); len(got) != 1 || got[0] != "好的。" {
		t.Fatalf("Feed() = %q, want the held sentence", got)
	}
	if rest := s.Flush(); rest != "再见" {
		t.Errorf("Flush() = %q", rest)
	}
	if rest := s.Flush(); rest != "" {
		t.Errorf("second Flush() = %q, want empty", rest)
	}
}
