package text

import "regexp"

// MarkdownFilter turns model-formatted text into something a voice can read.
// Chunks are filtered independently, so markup split across two chunks is
// passed through.
type MarkdownFilter struct {
	cfg MarkdownFilterConfig
}

type MarkdownFilterConfig struct {
	// Drop fenced code blocks entirely.
	RemoveCodeBlock bool
	// Drop images instead of reading their alt text.
	RemoveImage bool
}

func DefaultMarkdownFilterConfig() MarkdownFilterConfig {
	return MarkdownFilterConfig{RemoveCodeBlock: true, RemoveImage: true}
}

func NewMarkdownFilter(cfg MarkdownFilterConfig) *MarkdownFilter {
	return &MarkdownFilter{cfg: cfg}
}

type rewrite struct {
	re   *regexp.Regexp
	repl string
}

var (
	codeBlock = regexp.MustCompile("```[\\s\\S]*?```")
	image     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)

	// Applied in order: emphasis before inline code so '*' inside code
	// survives, links after images.
	rewrites = []rewrite{
		{regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`), "$1"},
		{regexp.MustCompile(`\n={3,}\s*$`), ""},
		{regexp.MustCompile(`\*\*([^\n*]+)\*\*`), "$1"},
		{regexp.MustCompile(`__([^\n_]+)__`), "$1"},
		{regexp.MustCompile(`~~([^\n~]+)~~`), "$1"},
		{regexp.MustCompile(`\*([^\n*]+)\*`), "$1"},
		{regexp.MustCompile(`_([^\n_]+)_`), "$1"},
		{regexp.MustCompile("`([^`\n]+)`"), "$1"},
		{regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`), "$1"},
		{regexp.MustCompile(`<[^>]+>`), ""},
		{regexp.MustCompile(`(?m)^\s*>\s*`), ""},
		{regexp.MustCompile(`(?m)^\s*([*\-+]|\d+\.)\s+`), ""},
		{regexp.MustCompile(`(?m)^\s*([-*_]{3,})\s*$`), ""},
		{regexp.MustCompile(`\[\^.+?\](?::\s*.+?$)?`), ""},
		{regexp.MustCompile(`(?m)^\s{0,2}\[.+?\]:\s*\S+.*?$`), ""},
		{regexp.MustCompile(`\n{3,}`), "\n\n"},
	}
)

func (f *MarkdownFilter) Filter(s string) string {
	if f.cfg.RemoveCodeBlock {
		s = codeBlock.ReplaceAllString(s, "")
	}
	if f.cfg.RemoveImage {
		s = image.ReplaceAllString(s, "")
	} else {
		s = image.ReplaceAllString(s, "$1")
	}
	for _, rw := range rewrites {
		s = rw.re.ReplaceAllString(s, rw.repl)
	}
	return s
}
