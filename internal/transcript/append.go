// Package transcript joins recognized speech onto field text.
package transcript

import (
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	markupPolicyOnce sync.Once
	markupPolicy     *bluemonday.Policy

	closingTag = regexp.MustCompile(`</([a-zA-Z][a-zA-Z0-9]*)\s*>`)
	selfClosed = regexp.MustCompile(`<[a-zA-Z][a-zA-Z0-9]*(\s[^<>]*)?/>`)
)

// Clean trims recognized text. Markup is stripped only when the text holds a
// well-formed element, such as an echoed <b>..</b> pair or a <br/>; stray
// angle brackets in dictated words are kept as spoken.
func Clean(raw string) string {
	raw = strings.TrimSpace(raw)
	if !HasMarkup(raw) {
		return raw
	}
	stripped := html.UnescapeString(stripPolicy().Sanitize(raw))
	return strings.Join(strings.Fields(stripped), " ")
}

// HasMarkup reports whether s contains a self-closing element or a closing
// tag preceded by its opening tag.
func HasMarkup(s string) bool {
	if selfClosed.MatchString(s) {
		return true
	}
	for _, m := range closingTag.FindAllStringSubmatchIndex(s, -1) {
		name := s[m[2]:m[3]]
		opening := regexp.MustCompile(`<` + regexp.QuoteMeta(name) + `(\s[^<>]*)?>`)
		if opening.MatchString(s[:m[0]]) {
			return true
		}
	}
	return false
}

// Append joins recognized text onto the existing field value: the addition is
// taken verbatim when the field is empty, otherwise separated by one space.
// An addition that cleans to nothing leaves existing untouched.
func Append(existing string, addition string) string {
	addition = Clean(addition)
	if addition == "" {
		return existing
	}
	if existing == "" {
		return addition
	}
	return existing + " " + addition
}

func stripPolicy() *bluemonday.Policy {
	markupPolicyOnce.Do(func() {
		markupPolicy = bluemonday.StrictPolicy()
		markupPolicy.AddSpaceWhenStrippingTag(true)
	})
	return markupPolicy
}
