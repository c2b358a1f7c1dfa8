package fulfill

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	codeBlockPattern = regexp.MustCompile("(?s)```.*?```|`[^`]*`")
	linkPattern      = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	urlPattern       = regexp.MustCompile(`https?://\S+`)
)

// speakable strips markup, links and symbols from text before it is spoken.
// Whitespace and stray punctuation collapse to single spaces.
func speakable(raw string) string {
	raw = codeBlockPattern.ReplaceAllString(raw, " ")
	raw = linkPattern.ReplaceAllString(raw, "$1")
	raw = urlPattern.ReplaceAllString(raw, " ")

	var b strings.Builder
	b.Grow(len(raw))
	space := true
	gap := func() {
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3', unicode.IsControl(r) && !unicode.IsSpace(r):
			// joiners and control codes
		case unicode.IsSpace(r):
			gap()
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// emoji and symbols
		case strings.ContainsRune(".,!?:;'\"-()", r):
			b.WriteRune(r)
			space = false
		case unicode.IsPunct(r):
			gap()
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}
