package execution

import (
	"fmt"
	"regexp"
	"strings"
)

// failureHeuristic maps error message keywords to a readable reason.
type failureHeuristic struct {
	keywords []string
	pattern  *regexp.Regexp
	reason   string
}

var serverErrorPattern = regexp.MustCompile(`\b5\d\d\b|internal server error|bad gateway|service unavailable|gateway timeout`)

// Order matters: a "Timeout waiting for locator" is a timeout first.
var failureHeuristics = []failureHeuristic{
	{
		keywords: []string{"timeout", "timed out"},
		reason:   "Page or element took too long to respond",
	},
	{
		keywords: []string{"not found", "locator", "no such element", "unable to find"},
		reason:   "Required page element was not found",
	},
	{
		keywords: []string{"net::", "network", "econnrefused", "econnreset", "dns"},
		reason:   "Network error while loading the page",
	},
	{
		keywords: []string{"expect", "assert"},
		reason:   "Page content did not match the expected result",
	},
	{
		pattern: serverErrorPattern,
		reason:  "Server returned an error response",
	},
}

// FailureReason derives a readable failure reason from an error message,
// falling back to "<step name> failed: <error type>".
func FailureReason(message, stepName, errType string) string {
	lower := strings.ToLower(message)

	for _, h := range failureHeuristics {
		for _, kw := range h.keywords {
			if strings.Contains(lower, kw) {
				return h.reason
			}
		}

		if h.pattern != nil && h.pattern.MatchString(lower) {
			return h.reason
		}
	}

	if errType == "" {
		errType = "Error"
	}

	return fmt.Sprintf("%s failed: %s", stepName, errType)
}
