package encoding

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonAlphanumeric = regexp.MustCompile(`[^A-Z0-9 ]+`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

// Fold reduces s to an accent-free, upper-case, single-spaced key so that
// "Sul América", "SULAMERICA " and "sul-américa" compare close to each other.
// Punctuation becomes a space.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(func(r rune) bool {
		return unicode.Is(unicode.Mn, r)
	}))
	result, _, err := transform.String(t, s)
	if err != nil {
		result = s
	}
	result = strings.ToUpper(result)
	result = nonAlphanumeric.ReplaceAllString(result, " ")
	result = whitespaceRun.ReplaceAllString(result, " ")
	return strings.TrimSpace(result)
}

// FoldKey is Fold with all spaces removed, used for column headers and
// operator aliases.
func FoldKey(s string) string {
	return strings.ReplaceAll(Fold(s), " ", "")
}
