// detect.go builds the throttle-detection predicate over subprocess error
// text.
package ratelimit

import "strings"

// defaultSignatures are the substrings that mark an error line as a
// throttle condition. Matched case-insensitively.
var defaultSignatures = []string{
	"rate limit",
	"rate_limit",
	"usage limit reached",
	"too many requests",
	"429",
}

// NewDetector returns a predicate matching the default throttle signatures
// plus any extra configured ones. The exact wording the CLI uses for
// throttling is not a stable contract, so detection stays a predicate over
// free-form error text rather than a hard-coded comparison.
func NewDetector(extra []string) func(string) bool {
	signatures := make([]string, 0, len(defaultSignatures)+len(extra))
	for _, s := range defaultSignatures {
		signatures = append(signatures, strings.ToLower(s))
	}
	for _, s := range extra {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			signatures = append(signatures, s)
		}
	}

	return func(text string) bool {
		lower := strings.ToLower(text)
		for _, sig := range signatures {
			if strings.Contains(lower, sig) {
				return true
			}
		}
		return false
	}
}
