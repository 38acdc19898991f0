package panel

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dpeshrijal/automate-qa-panel/pkg/agent"
	"github.com/dpeshrijal/automate-qa-panel/pkg/controller"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// handleListDefinitions refreshes and returns the user's saved test
// definitions. A refresh failure degrades to the last-known list rather
// than erroring: definitions are a convenience view, not critical path.
func (s *server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controllerFor(userFromContext(r.Context()).ID)
	ctrl.RefreshDefinitions(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"testDefinitions": ctrl.Definitions(),
	})
}

// handleStartRun starts a test run from raw form input.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var input controller.RunInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if input.IsScheduled && !agent.IsValidInterval(input.ScheduleInterval) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid schedule interval"})

		return
	}

	ctrl := s.controllerFor(userFromContext(r.Context()).ID)

	if err := ctrl.StartRun(r.Context(), input); err != nil {
		s.writeRunError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, ctrl.Snapshot())
}

// handleRunDefinition starts a run for an existing saved definition.
func (s *server) handleRunDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctrl := s.controllerFor(userFromContext(r.Context()).ID)

	def := findDefinition(ctrl.Definitions(), id)
	if def == nil {
		// The cached list may be stale; refresh once before giving up.
		ctrl.RefreshDefinitions(r.Context())

		if def = findDefinition(ctrl.Definitions(), id); def == nil {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"test definition not found"})

			return
		}
	}

	if err := ctrl.RunDefinition(r.Context(), def); err != nil {
		s.writeRunError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, ctrl.Snapshot())
}

// handleDeleteDefinition removes a saved definition. The destructive
// action requires explicit confirmation; without it nothing is sent to
// the agent.
func (s *server) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"confirmation required: pass confirm=true"})

		return
	}

	id := chi.URLParam(r, "id")
	ctrl := s.controllerFor(userFromContext(r.Context()).ID)

	if err := ctrl.DeleteDefinition(r.Context(), id); err != nil {
		s.log.WithError(err).WithField("definition_id", id).
			Warn("Failed to delete test definition")

		writeJSON(w, http.StatusBadGateway,
			errorResponse{"failed to delete test"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunState returns the controller's current snapshot.
func (s *server) handleRunState(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controllerFor(userFromContext(r.Context()).ID)

	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

// handleRunReset returns a terminal-state controller to idle so the
// panel can accept a fresh submission.
func (s *server) handleRunReset(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controllerFor(userFromContext(r.Context()).ID)
	ctrl.Reset()

	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

type dashboardResponse struct {
	Definitions []agent.TestDefinition `json:"testDefinitions"`
	Run         controller.Snapshot    `json:"run"`
	AgentOnline bool                   `json:"agentOnline"`
}

// handleDashboard aggregates everything the panel needs on first load:
// the definition list, the current run snapshot, and agent reachability.
// The two network fetches run concurrently.
func (s *server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controllerFor(userFromContext(r.Context()).ID)

	var agentOnline bool

	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		ctrl.RefreshDefinitions(ctx)

		return nil
	})

	g.Go(func() error {
		agentOnline = s.agent.Health(ctx) == nil

		return nil
	})

	// Both goroutines absorb their own failures.
	_ = g.Wait()

	writeJSON(w, http.StatusOK, dashboardResponse{
		Definitions: ctrl.Definitions(),
		Run:         ctrl.Snapshot(),
		AgentOnline: agentOnline,
	})
}

// writeRunError maps controller start errors onto HTTP statuses.
func (s *server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, controller.ErrMissingInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, controller.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	default:
		// Run-start rejections carry the agent's message verbatim.
		writeJSON(w, http.StatusBadGateway, errorResponse{err.Error()})
	}
}

func findDefinition(defs []agent.TestDefinition, id string) *agent.TestDefinition {
	for i := range defs {
		if defs[i].ID == id {
			return &defs[i]
		}
	}

	return nil
}
