package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dpeshrijal/automate-qa-panel/pkg/agent"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often a running test is polled for status.
const DefaultPollInterval = 2 * time.Second

// subscriberBuffer is the per-observer snapshot channel capacity. Slow
// observers drop intermediate snapshots rather than stall the poll loop.
const subscriberBuffer = 16

// genericStartError is surfaced when the agent rejects a run start
// without a usable error message.
const genericStartError = "Failed to start test"

// genericRunError is surfaced when a run terminates FAILED without a
// server-provided message.
const genericRunError = "Test failed"

var (
	// ErrMissingInput is returned when url or instructions are blank.
	ErrMissingInput = errors.New("url and instructions are required")

	// ErrRunInProgress is returned when a start is attempted while a run
	// is already being tracked. At most one run is in flight per
	// controller instance.
	ErrRunInProgress = errors.New("a test run is already in progress")

	// ErrClosed is returned after the controller has been torn down.
	ErrClosed = errors.New("controller is closed")
)

// Controller owns the full lifecycle of one in-flight test run at a time
// for a single user: submission, polling, step-log derivation, and
// terminal resolution. It also caches the user's definition list.
type Controller interface {
	// StartRun starts a run from raw form input, persisting a new
	// definition first unless one is already bound.
	StartRun(ctx context.Context, input RunInput) error

	// RunDefinition starts a run for an existing saved definition. The
	// definition is never re-persisted.
	RunDefinition(ctx context.Context, def *agent.TestDefinition) error

	// DeleteDefinition removes a saved definition. Failure is propagated;
	// the cached list is only refreshed on success.
	DeleteDefinition(ctx context.Context, id string) error

	// RefreshDefinitions re-fetches the definition list. Failure keeps
	// the last-known list and is not surfaced.
	RefreshDefinitions(ctx context.Context)

	// Definitions returns the last-known definition list.
	Definitions() []agent.TestDefinition

	// Snapshot returns the current observable state.
	Snapshot() Snapshot

	// Subscribe returns a channel receiving a snapshot after every state
	// mutation until the controller is closed.
	Subscribe() <-chan Snapshot

	// Reset returns a terminal-state controller to idle for a new run.
	Reset()

	// Close stops any active poll loop and releases observers.
	Close()
}

// Compile-time interface check.
var _ Controller = (*controller)(nil)

type controller struct {
	log          logrus.FieldLogger
	agent        agent.Client
	userID       string
	pollInterval time.Duration

	mu     sync.Mutex
	state  Snapshot
	defs   []agent.TestDefinition
	subs   []chan Snapshot
	busy   bool
	closed bool

	done   chan struct{}
	pollWG sync.WaitGroup
}

// New creates a controller for one user. pollInterval <= 0 selects the
// default of two seconds.
func New(
	log logrus.FieldLogger,
	client agent.Client,
	userID string,
	pollInterval time.Duration,
) Controller {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &controller{
		log: log.WithField("component", "controller").
			WithField("user_id", userID),
		agent:        client,
		userID:       userID,
		pollInterval: pollInterval,
		state:        Snapshot{Phase: PhaseIdle, Steps: []Step{}},
		done:         make(chan struct{}),
	}
}

func (c *controller) StartRun(ctx context.Context, input RunInput) error {
	if input.URL == "" || input.Instructions == "" {
		return ErrMissingInput
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return ErrClosed
	}

	if c.busy || c.state.Phase == PhaseRunning {
		c.mu.Unlock()

		return ErrRunInProgress
	}

	// Keep an already-bound definition so re-runs of a saved test do not
	// create duplicates.
	boundID := c.state.BoundDefinitionID

	c.busy = true
	c.beginLocked(input, boundID)
	c.mu.Unlock()

	if boundID == "" {
		c.persistDefinition(ctx, input)
	}

	return c.launch(ctx, input)
}

func (c *controller) RunDefinition(
	ctx context.Context, def *agent.TestDefinition,
) error {
	if def == nil || def.URL == "" || def.Instructions == "" {
		return ErrMissingInput
	}

	input := RunInput{
		URL:          def.URL,
		Instructions: def.Instructions,
		Outcome:      def.DesiredOutcome,
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return ErrClosed
	}

	if c.busy || c.state.Phase == PhaseRunning {
		c.mu.Unlock()

		return ErrRunInProgress
	}

	c.busy = true
	c.beginLocked(input, def.ID)
	c.mu.Unlock()

	return c.launch(ctx, input)
}

// beginLocked clears all state left over from a previous run and seeds
// the initial pending step. Stale results must never remain visible once
// a new run has started.
func (c *controller) beginLocked(input RunInput, boundID string) {
	c.state = Snapshot{
		Phase:             PhaseIdle,
		URL:               input.URL,
		Instructions:      input.Instructions,
		Outcome:           input.Outcome,
		BoundDefinitionID: boundID,
		Steps:             []Step{{Message: initializingMessage, Status: StepPending}},
	}
	c.notifyLocked()
}

// persistDefinition saves a new definition for a raw-input run. Failure
// is non-fatal: the run proceeds unbound and the error is only logged.
func (c *controller) persistDefinition(ctx context.Context, input RunInput) {
	req := &agent.CreateDefinitionRequest{
		Name:            defaultDefinitionName(input.URL),
		URL:             input.URL,
		Instructions:    input.Instructions,
		DesiredOutcome:  input.Outcome,
		IsScheduled:     input.IsScheduled,
		SlackWebhookURL: input.SlackWebhookURL,
	}

	if input.IsScheduled {
		req.ScheduleInterval = input.ScheduleInterval
	}

	def, err := c.agent.CreateDefinition(ctx, c.userID, req)
	if err != nil {
		c.log.WithError(err).Warn("Failed to save test definition, running unbound")

		return
	}

	c.mu.Lock()
	c.state.BoundDefinitionID = def.ID
	c.notifyLocked()
	c.mu.Unlock()

	c.RefreshDefinitions(ctx)
}

// launch starts the run on the agent and, on success, enters RUNNING and
// spawns the poll loop. A start failure is fatal to the attempt: it is
// surfaced as the run's error and no polling begins. The busy guard taken
// by the caller is released here either way.
func (c *controller) launch(ctx context.Context, input RunInput) error {
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	c.mu.Lock()
	boundID := c.state.BoundDefinitionID
	c.mu.Unlock()

	runID, err := c.agent.StartRun(ctx, c.userID, &agent.StartRunRequest{
		URL:              input.URL,
		Instructions:     input.Instructions,
		Outcome:          input.Outcome,
		TestDefinitionID: boundID,
	})
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = genericStartError
		}

		c.mu.Lock()
		c.state.Phase = PhaseFailed
		c.state.Error = msg
		c.notifyLocked()
		c.mu.Unlock()

		c.log.WithError(err).Warn("Run start rejected by agent")

		return err
	}

	c.mu.Lock()
	c.state.Phase = PhaseRunning
	c.state.RunID = runID
	c.notifyLocked()
	c.mu.Unlock()

	c.log.WithField("run_id", runID).Info("Test run started")

	c.pollWG.Add(1)

	go c.pollLoop(runID)

	return nil
}

// pollLoop drives one run to a terminal state. The fetch happens inline
// on the ticker goroutine, so polls are strictly sequential and never
// overlap. The loop exits on terminal status or controller teardown.
func (c *controller) pollLoop(runID string) {
	defer c.pollWG.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.pollOnce(runID) {
				return
			}
		case <-c.done:
			return
		}
	}
}

// pollOnce performs a single status fetch and reconciliation. It returns
// true once the run has reached a terminal state. A transport failure is
// absorbed for this tick only: the loop continues.
func (c *controller) pollOnce(runID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.pollInterval*2)
	defer cancel()

	status, err := c.agent.GetRun(ctx, c.userID, runID)
	if err != nil {
		c.log.WithError(err).WithField("run_id", runID).
			Debug("Poll tick failed, will retry")

		return false
	}

	c.mu.Lock()

	if c.state.Phase != PhaseRunning || c.state.RunID != runID {
		// Torn down or superseded while the fetch was in flight.
		c.mu.Unlock()

		return true
	}

	// The screenshot may arrive before the terminal status; absence in a
	// poll never clears a previously shown one.
	if status.Screenshot != "" {
		c.state.Screenshot = status.Screenshot
	}

	if len(status.History) > 0 {
		c.state.Steps = deriveSteps(status.History)
	} else {
		c.state.Steps = append(
			c.state.Steps, Step{Message: thinkingMessage, Status: StepPending},
		)
	}

	terminal := status.Status.Terminal()
	if terminal {
		c.finalizeLocked(status)
	}

	c.notifyLocked()
	c.mu.Unlock()

	if terminal {
		c.log.WithField("run_id", runID).
			WithField("status", status.Status).
			Info("Test run finished")

		ctx, cancel := context.WithTimeout(
			context.Background(), c.pollInterval*2,
		)
		defer cancel()

		// Make the just-updated lastRunAt/lastRunStatus visible.
		c.RefreshDefinitions(ctx)
	}

	return terminal
}

// finalizeLocked records the terminal outcome and clears the form fields
// and bound-definition reference so the panel is ready for a fresh
// submission.
func (c *controller) finalizeLocked(status *agent.RunStatus) {
	switch status.Status {
	case agent.RunStateCompleted:
		c.state.Phase = PhaseCompleted
		c.state.Result = status.Result
	case agent.RunStateFailed:
		c.state.Phase = PhaseFailed

		c.state.Error = status.Error
		if c.state.Error == "" {
			c.state.Error = genericRunError
		}
	}

	c.state.URL = ""
	c.state.Instructions = ""
	c.state.Outcome = ""
	c.state.BoundDefinitionID = ""
}

func (c *controller) DeleteDefinition(ctx context.Context, id string) error {
	if err := c.agent.DeleteDefinition(ctx, c.userID, id); err != nil {
		// State is left as last known-good; the caller surfaces the alert.
		return err
	}

	c.mu.Lock()

	if c.state.BoundDefinitionID == id {
		c.state.BoundDefinitionID = ""
		c.notifyLocked()
	}

	c.mu.Unlock()

	c.RefreshDefinitions(ctx)

	return nil
}

func (c *controller) RefreshDefinitions(ctx context.Context) {
	defs, err := c.agent.ListDefinitions(ctx, c.userID)
	if err != nil {
		// Definitions are a convenience view, not critical path.
		c.log.WithError(err).Debug("Failed to refresh definitions, keeping last known")

		return
	}

	c.mu.Lock()
	c.defs = defs
	c.mu.Unlock()
}

func (c *controller) Definitions() []agent.TestDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]agent.TestDefinition, len(c.defs))
	copy(out, c.defs)

	return out
}

func (c *controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.clone()
}

func (c *controller) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, subscriberBuffer)

	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()

	return ch
}

func (c *controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseRunning {
		return
	}

	c.state = Snapshot{Phase: PhaseIdle, Steps: []Step{}}
	c.notifyLocked()
}

// Close stops the poll loop, if any, and closes all observer channels.
// The controller cannot be reused afterwards.
func (c *controller) Close() {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return
	}

	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.pollWG.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.subs {
		close(ch)
	}

	c.subs = nil
}

// notifyLocked fans the current state out to observers. Sends are
// non-blocking so a slow observer can never stall the poll loop; missed
// snapshots are recoverable via Snapshot().
func (c *controller) notifyLocked() {
	if len(c.subs) == 0 {
		return
	}

	snap := c.state.clone()

	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
