package agent

// RunState is the lifecycle state reported by the agent for a test run.
// Progression is strictly one-way: RUNNING -> {COMPLETED | FAILED}.
type RunState string

// Run state constants.
const (
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// Schedule interval constants accepted by the agent.
const (
	Interval15m = "15m"
	Interval30m = "30m"
	Interval1h  = "1h"
	Interval6h  = "6h"
	Interval12h = "12h"
	Interval24h = "24h"
)

// validIntervals is the set of schedule intervals the agent accepts.
var validIntervals = map[string]struct{}{
	Interval15m: {},
	Interval30m: {},
	Interval1h:  {},
	Interval6h:  {},
	Interval12h: {},
	Interval24h: {},
}

// IsValidInterval checks if the given schedule interval is supported.
func IsValidInterval(interval string) bool {
	_, ok := validIntervals[interval]

	return ok
}

// TestDefinition is a saved, reusable browser test specification owned by
// a single user. lastRunStatus and lastRunScreenshot are only meaningful
// when lastRunAt is set; both are maintained server-side by run outcomes.
type TestDefinition struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	URL               string  `json:"url"`
	Instructions      string  `json:"instructions"`
	DesiredOutcome    string  `json:"desiredOutcome"`
	IsScheduled       bool    `json:"isScheduled,omitempty"`
	ScheduleInterval  string  `json:"scheduleInterval,omitempty"`
	SlackWebhookURL   string  `json:"slackWebhookUrl,omitempty"`
	CreatedAt         string  `json:"createdAt"`
	UpdatedAt         string  `json:"updatedAt"`
	LastRunAt         *string `json:"lastRunAt,omitempty"`
	LastRunStatus     *string `json:"lastRunStatus,omitempty"`
	LastRunScreenshot *string `json:"lastRunScreenshot,omitempty"`
}

// CreateDefinitionRequest is the payload for persisting a new definition.
type CreateDefinitionRequest struct {
	Name             string `json:"name"`
	URL              string `json:"url"`
	Instructions     string `json:"instructions"`
	DesiredOutcome   string `json:"desiredOutcome"`
	IsScheduled      bool   `json:"isScheduled,omitempty"`
	ScheduleInterval string `json:"scheduleInterval,omitempty"`
	SlackWebhookURL  string `json:"slackWebhookUrl,omitempty"`
}

// StartRunRequest is the payload for starting a test run. The definition
// id is an association only; runs without one are allowed.
type StartRunRequest struct {
	URL              string `json:"url"`
	Instructions     string `json:"instructions"`
	Outcome          string `json:"outcome"`
	TestDefinitionID string `json:"testDefinitionId,omitempty"`
}

// RunStatus is a point-in-time view of a test run as reported by one
// poll. History is re-delivered in full on every poll, never as a delta.
type RunStatus struct {
	Status     RunState `json:"status"`
	Result     string   `json:"result,omitempty"`
	Error      string   `json:"error,omitempty"`
	Screenshot string   `json:"screenshot,omitempty"`
	History    []string `json:"history,omitempty"`
}
