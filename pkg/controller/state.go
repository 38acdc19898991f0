package controller

// Phase is the controller's lifecycle state. The only transitions are
// idle -> running -> {completed | failed} -> idle; polling happens only
// while running. There is no paused or cancelled phase.
type Phase string

// Controller phases.
const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// StepStatus classifies one displayed step of the live progress feed.
type StepStatus string

// Step statuses.
const (
	StepPending StepStatus = "pending"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

// Step is one entry of the displayed progress feed. Steps are derived
// from the latest poll's history, never stored server-side.
type Step struct {
	Message string     `json:"message"`
	Status  StepStatus `json:"status"`
}

// RunInput carries the raw form fields for starting a run that has no
// persisted definition yet.
type RunInput struct {
	URL              string `json:"url"`
	Instructions     string `json:"instructions"`
	Outcome          string `json:"outcome"`
	IsScheduled      bool   `json:"isScheduled,omitempty"`
	ScheduleInterval string `json:"scheduleInterval,omitempty"`
	SlackWebhookURL  string `json:"slackWebhookUrl,omitempty"`
}

// Snapshot is a read-only view of the controller state handed to
// observers. The presentation layer renders snapshots and never mutates
// controller state directly.
type Snapshot struct {
	Phase             Phase  `json:"phase"`
	URL               string `json:"url"`
	Instructions      string `json:"instructions"`
	Outcome           string `json:"outcome"`
	BoundDefinitionID string `json:"boundDefinitionId,omitempty"`
	RunID             string `json:"runId,omitempty"`
	Steps             []Step `json:"steps"`
	Screenshot        string `json:"screenshot,omitempty"`
	Result            string `json:"result,omitempty"`
	Error             string `json:"error,omitempty"`
}

// clone returns a deep copy so observers never alias the live step log.
func (s Snapshot) clone() Snapshot {
	out := s
	out.Steps = make([]Step, len(s.Steps))
	copy(out.Steps, s.Steps)

	return out
}
