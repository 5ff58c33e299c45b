// Package policy holds the data-handling rules applied before conversation
// text leaves the process.
package policy

import "regexp"

type piiRule struct {
	kind    string
	pattern *regexp.Regexp
	marker  string
}

// Cards run before phones so long digit runs are not classified as phone
// numbers.
var piiRules = []piiRule{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{"card", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{"phone", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card numbers and phone numbers in a transcript.
func RedactPII(input string) (redacted string, changed bool) {
	redacted, kinds := RedactPIIKinds(input)
	return redacted, len(kinds) > 0
}

// RedactPIIKinds is RedactPII that also reports which kinds were masked.
func RedactPIIKinds(input string) (string, []string) {
	out := input
	var kinds []string
	for _, r := range piiRules {
		next := r.pattern.ReplaceAllString(out, r.marker)
		if next != out {
			kinds = append(kinds, r.kind)
		}
		out = next
	}
	return out, kinds
}
