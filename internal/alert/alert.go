package alert

import (
	"fmt"
	"strings"
)

// DefaultSeverities are checked in priority order
var DefaultSeverities = []string{"critical", "high"}

// Match returns the first severity, in priority order, that appears in the
// summary as a case-insensitive substring.
func Match(summary string, severities []string) (string, bool) {
	lower := strings.ToLower(summary)
	for _, severity := range severities {
		s := strings.ToLower(strings.TrimSpace(severity))
		if s == "" {
			continue
		}
		if strings.Contains(lower, s) {
			return s, true
		}
	}
	return "", false
}

// NormalizeSeverities lowercases and trims a severity list, dropping blanks and duplicates
func NormalizeSeverities(severities []string) []string {
	seen := make(map[string]bool, len(severities))
	out := make([]string, 0, len(severities))
	for _, severity := range severities {
		s := strings.ToLower(strings.TrimSpace(severity))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Subject is the alert subject for a matched severity
func Subject(clientID, severity string) string {
	return fmt.Sprintf("AI ALERT - Client %s: %s issue detected", clientID, strings.ToUpper(severity))
}

// Body is the alert body for a matched severity
func Body(clientID, severity, summary string) string {
	return fmt.Sprintf("The AI detected a %s issue for client '%s' in recent logs.\n\n"+
		"AI summary:\n%s\n\n"+
		"Check the log dashboards for details, filtering by client_id: '%s'.",
		severity, clientID, summary, clientID)
}

// CriticalSubject is the subject of the cycle failure notification
const CriticalSubject = "CRITICAL ERROR - AI log analyzer"

// CriticalBody describes a cycle-fatal error
func CriticalBody(err error) string {
	return fmt.Sprintf("The AI log analyzer hit a critical error: %v\n"+
		"Check the analyzer logs for details.", err)
}
