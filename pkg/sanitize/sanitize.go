package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

const maxDisplayNameLen = 64

var uidPattern = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// SanitizeUID strips everything that is not path-safe from a user id. Mailbox
// paths are slash-delimited, so an id must never introduce separators.
func SanitizeUID(uid string) string {
	uid = strings.TrimSpace(uid)
	return uidPattern.ReplaceAllString(uid, "")
}

// SanitizeDisplayName trims a display name, strips control characters, and
// clamps it to a bounded length
func SanitizeDisplayName(name string) string {
	name = StripControlCharacters(strings.TrimSpace(name))
	if len(name) > maxDisplayNameLen {
		name = name[:maxDisplayNameLen]
	}
	return name
}

// SanitizeURL trims whitespace and removes characters with no business in a
// URL
func SanitizeURL(url string) string {
	url = strings.TrimSpace(url)
	return regexp.MustCompile(`[<>;\\]`).ReplaceAllString(url, "")
}

// ValidateUIDFormat checks that a user id is non-empty, bounded, and path-safe
func ValidateUIDFormat(uid string) bool {
	return regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,128}$`).MatchString(uid)
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
