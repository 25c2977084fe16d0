package grants

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeAppName lowers a display name into the natural-key form used to
// match application rows within an organization: lowercase, diacritics
// stripped, punctuation and whitespace collapsed to single spaces.
// "Slack", "slack " and "Slàck!" all map to "slack".
func NormalizeAppName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = stripDiacritics(s)
	s = nonAlnumRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// stripDiacritics decomposes to NFD and drops combining marks.
func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
