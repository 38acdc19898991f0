package controller

import (
	"net/url"
	"strings"
)

// Synthetic step messages shown while the agent has not yet reported any
// history of its own.
const (
	initializingMessage = "Initializing Agent..."
	thinkingMessage     = "Agent is thinking..."
)

// deriveSteps maps a poll's full history onto displayed steps. A step is
// failed when its message contains "failed" (case-insensitive), success
// otherwise. The result is a pure function of the input: callers replace
// the displayed log wholesale instead of merging.
func deriveSteps(history []string) []Step {
	steps := make([]Step, 0, len(history))

	for _, message := range history {
		status := StepSuccess
		if strings.Contains(strings.ToLower(message), "failed") {
			status = StepFailed
		}

		steps = append(steps, Step{Message: message, Status: status})
	}

	return steps
}

// defaultDefinitionName synthesizes a human-readable definition name from
// the target URL. Malformed URLs fall back to the raw string so that a
// bad URL never blocks definition creation.
func defaultDefinitionName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.IsAbs() && u.Hostname() != "" {
		return "Test for " + u.Hostname()
	}

	return "Test for " + rawURL
}
