// Package policy holds the privacy rules applied before conversation text
// leaves the process.
package policy

import "regexp"

type redactionRule struct {
	kind    string
	pattern *regexp.Regexp
	marker  string
}

// Rules run in order: bank and card numbers before phone numbers, which
// would otherwise swallow them.
var redactionRules = []redactionRule{
	{kind: "email", pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), marker: "[REDACTED_EMAIL]"},
	{kind: "iban", pattern: regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`), marker: "[REDACTED_IBAN]"},
	{kind: "card", pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), marker: "[REDACTED_CARD]"},
	{kind: "phone", pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), marker: "[REDACTED_PHONE]"},
}

// Redact replaces personal data in text with markers and returns the kinds
// it found, in rule order.
func Redact(text string) (string, []string) {
	var kinds []string
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(text, rule.marker)
		if next != text {
			kinds = append(kinds, rule.kind)
			text = next
		}
	}
	return text, kinds
}

// RedactPII is Redact reporting only whether anything changed.
func RedactPII(text string) (string, bool) {
	out, kinds := Redact(text)
	return out, len(kinds) > 0
}
