package llm

import (
	"regexp"
	"strings"
)

// Internal role names must never appear in user-visible text. The
// pattern also catches the space-separated spelling of the persona
// role, case-insensitively.
var roleNamePattern = regexp.MustCompile(`(?i)\bstudent[_ ]persona\b|\bevaluator\b|\bcontroller\b|\bexaminer\b`)

var spaceRuns = regexp.MustCompile(`[ \t]{2,}`)

// Sanitize strips internal role names from provider output. Every
// string destined for a user surface goes through here before it
// leaves this package.
func Sanitize(text string) string {
	cleaned := roleNamePattern.ReplaceAllString(text, "")
	cleaned = spaceRuns.ReplaceAllString(cleaned, " ")
	lines := strings.Split(cleaned, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(strings.TrimLeft(l, " "), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
