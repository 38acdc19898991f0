package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dpeshrijal/automate-qa-panel/pkg/agent"
	"github.com/dpeshrijal/automate-qa-panel/pkg/config"
	"github.com/dpeshrijal/automate-qa-panel/pkg/controller"
	"github.com/dpeshrijal/automate-qa-panel/pkg/panel/store"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newAgentStub starts an HTTP stub standing in for the remote
// browser-automation agent.
func newAgentStub(t *testing.T) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/test-definitions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"testDefinitions": []agent.TestDefinition{
				{
					ID:           "def-1",
					Name:         "Test for example.com",
					URL:          "https://example.com",
					Instructions: "log in",
				},
			},
		})
	})

	r.Post("/test-definitions", func(w http.ResponseWriter, r *http.Request) {
		var req agent.CreateDefinitionRequest

		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"testDefinition": agent.TestDefinition{
				ID:   "def-new",
				Name: req.Name,
				URL:  req.URL,
			},
		})
	})

	r.Delete("/test-definitions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/tests", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"testId": "run-1"})
	})

	r.Get("/tests/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(agent.RunStatus{
			Status: agent.RunStateCompleted,
			Result: "done",
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return srv
}

// newTestPanel wires a server with a real sqlite store and the agent stub
// and returns its router for in-process requests.
func newTestPanel(t *testing.T, mutate func(*config.Config)) (*server, http.Handler) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	agentStub := newAgentStub(t)

	cfg := &config.Config{
		Server: config.ServerConfig{Listen: ":0"},
		Auth: config.AuthConfig{
			SessionTTL:  "720h",
			AllowSignup: true,
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{
				Path: filepath.Join(t.TempDir(), "panel.db"),
			},
		},
		Agent: config.AgentConfig{
			BaseURL:      agentStub.URL,
			Timeout:      "2s",
			PollInterval: "5ms",
		},
	}

	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, st.Stop())
	})

	s := &server{
		log:         log,
		cfg:         cfg,
		store:       st,
		agent:       agent.NewClient(log, cfg.Agent.BaseURL, cfg.AgentTimeout()),
		done:        make(chan struct{}),
		controllers: make(map[uint]controller.Controller),
	}

	t.Cleanup(func() {
		s.ctrlMu.Lock()
		defer s.ctrlMu.Unlock()

		for _, ctrl := range s.controllers {
			ctrl.Close()
		}
	})

	return s, s.buildRouter()
}

func doJSON(
	t *testing.T, router http.Handler,
	method, path string, body any, cookies []*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Buffer

	if body != nil {
		reqBody = &bytes.Buffer{}
		require.NoError(t, json.NewEncoder(reqBody).Encode(body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	return rec
}

// signIn creates an account through the API and returns its session cookie.
func signIn(t *testing.T, router http.Handler) *http.Cookie {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/signup",
		map[string]string{
			"email":    "alice@example.com",
			"password": "Passw0rd123",
			"name":     "Alice",
		}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}

	t.Fatal("no session cookie set on signup")

	return nil
}

func TestHealthEndpoint(t *testing.T) {
	_, router := newTestPanel(t, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresSession(t *testing.T) {
	_, router := newTestPanel(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/definitions"},
		{http.MethodPost, "/api/v1/runs"},
		{http.MethodGet, "/api/v1/run"},
		{http.MethodGet, "/api/v1/dashboard"},
		{http.MethodGet, "/api/v1/auth/me"},
	} {
		rec := doJSON(t, router, tc.method, tc.path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code,
			"%s %s", tc.method, tc.path)
	}
}

func TestSignupValidation(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]string
		wantCode int
		wantErr  string
	}{
		{
			name:     "invalid email",
			body:     map[string]string{"email": "nope", "password": "Passw0rd123"},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid email format",
		},
		{
			name:     "short password",
			body:     map[string]string{"email": "a@b.co", "password": "Ab1"},
			wantCode: http.StatusBadRequest,
			wantErr:  "at least 8 characters",
		},
		{
			name:     "no uppercase",
			body:     map[string]string{"email": "a@b.co", "password": "passw0rd"},
			wantCode: http.StatusBadRequest,
			wantErr:  "uppercase letter",
		},
		{
			name:     "no lowercase",
			body:     map[string]string{"email": "a@b.co", "password": "PASSW0RD"},
			wantCode: http.StatusBadRequest,
			wantErr:  "lowercase letter",
		},
		{
			name:     "no digit",
			body:     map[string]string{"email": "a@b.co", "password": "Password"},
			wantCode: http.StatusBadRequest,
			wantErr:  "one number",
		},
		{
			name:     "valid",
			body:     map[string]string{"email": "a@b.co", "password": "Passw0rd123"},
			wantCode: http.StatusCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := newTestPanel(t, nil)

			rec := doJSON(t, router, http.MethodPost,
				"/api/v1/auth/signup", tt.body, nil)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())

			if tt.wantErr != "" {
				var resp errorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Contains(t, resp.Error, tt.wantErr)
			}
		})
	}
}

func TestSignupDisabled(t *testing.T) {
	_, router := newTestPanel(t, func(c *config.Config) {
		c.Auth.AllowSignup = false
	})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/signup",
		map[string]string{
			"email":    "a@b.co",
			"password": "Passw0rd123",
		}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSignupDuplicateEmail(t *testing.T) {
	_, router := newTestPanel(t, nil)

	signIn(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/signup",
		map[string]string{
			"email":    "alice@example.com",
			"password": "Passw0rd123",
		}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLoginFlow(t *testing.T) {
	_, router := newTestPanel(t, nil)

	cookie := signIn(t, router)

	// The signup session works immediately.
	rec := doJSON(t, router, http.MethodGet, "/api/v1/auth/me", nil,
		[]*http.Cookie{cookie})
	require.Equal(t, http.StatusOK, rec.Code)

	var me userResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&me))
	assert.Equal(t, "alice@example.com", me.Email)

	// Wrong password is rejected without leaking which part was wrong.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/login",
		map[string]string{
			"email":    "alice@example.com",
			"password": "WrongPass1",
		}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "invalid credentials", resp.Error)

	// Fresh login issues a new session.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/login",
		map[string]string{
			"email":    "alice@example.com",
			"password": "Passw0rd123",
		}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Result().Cookies())

	// Logout invalidates the session server-side.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", nil,
		[]*http.Cookie{cookie})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/auth/me", nil,
		[]*http.Cookie{cookie})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListDefinitions(t *testing.T) {
	_, router := newTestPanel(t, nil)
	cookie := signIn(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/definitions", nil,
		[]*http.Cookie{cookie})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		TestDefinitions []agent.TestDefinition `json:"testDefinitions"`
	}

	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.TestDefinitions, 1)
	assert.Equal(t, "def-1", resp.TestDefinitions[0].ID)
}

func TestStartRunEndpoint(t *testing.T) {
	_, router := newTestPanel(t, nil)
	cookie := signIn(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/runs",
		controller.RunInput{
			URL:          "https://example.com",
			Instructions: "log in",
		}, []*http.Cookie{cookie})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var snap controller.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))

	// The stub completes runs almost instantly, so the returned snapshot
	// may already be terminal.
	assert.NotEqual(t, controller.PhaseIdle, snap.Phase)
	assert.NotEqual(t, controller.PhaseFailed, snap.Phase)
}

func TestStartRunMissingInput(t *testing.T) {
	_, router := newTestPanel(t, nil)
	cookie := signIn(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/runs",
		controller.RunInput{URL: "https://example.com"},
		[]*http.Cookie{cookie})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRunInvalidScheduleInterval(t *testing.T) {
	_, router := newTestPanel(t, nil)
	cookie := signIn(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/runs",
		controller.RunInput{
			URL:              "https://example.com",
			Instructions:     "log in",
			IsScheduled:      true,
			ScheduleInterval: "5m",
		}, []*http.Cookie{cookie})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunDefinitionEndpoint(t *testing.T) {
	_, router := newTestPanel(t, nil)
	cookie := signIn(t, router)

	rec := doJSON(t, router, http.MethodPost,
		"/api/v1/definitions/def-1/run", nil, []*http.Cookie{cookie})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost,
		"/api/v1/definitions/no-such-def/run", nil, []*http.Cookie{cookie})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteDefinitionRequiresConfirmation(t *testing.T) {
	_, router := newTestPanel(t, nil)
	cookie := signIn(t, router)

	rec := doJSON(t, router, http.MethodDelete,
		"/api/v1/definitions/def-1", nil, []*http.Cookie{cookie})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp.Error, "confirm")

	rec = doJSON(t, router, http.MethodDelete,
		"/api/v1/definitions/def-1?confirm=true", nil, []*http.Cookie{cookie})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunStateAndReset(t *testing.T) {
	_, router := newTestPanel(t, nil)
	cookie := signIn(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/run", nil,
		[]*http.Cookie{cookie})
	require.Equal(t, http.StatusOK, rec.Code)

	var snap controller.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, controller.PhaseIdle, snap.Phase)

	// Start a run and wait for the stub to complete it.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/runs",
		controller.RunInput{
			URL:          "https://example.com",
			Instructions: "log in",
		}, []*http.Cookie{cookie})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/run", nil,
			[]*http.Cookie{cookie})

		var snap controller.Snapshot
		if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
			return false
		}

		return snap.Phase == controller.PhaseCompleted
	}, 2*time.Second, 5*time.Millisecond)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/run/reset", nil,
		[]*http.Cookie{cookie})
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, controller.PhaseIdle, snap.Phase)
}

func TestDashboard(t *testing.T) {
	_, router := newTestPanel(t, nil)
	cookie := signIn(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/dashboard", nil,
		[]*http.Cookie{cookie})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dashboardResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.AgentOnline)
	require.Len(t, resp.Definitions, 1)
	assert.Equal(t, controller.PhaseIdle, resp.Run.Phase)
}

func TestAuthRateLimit(t *testing.T) {
	_, router := newTestPanel(t, func(c *config.Config) {
		c.Server.RateLimit = config.RateLimitConfig{
			Enabled: true,
			Auth:    config.RateLimitTier{RequestsPerMinute: 2},
			Authenticated: config.RateLimitTier{
				RequestsPerMinute: 100,
			},
		}
	})

	body := map[string]string{"email": "a@b.co", "password": "WrongPass1"}

	for i := 0; i < 2; i++ {
		rec := doJSON(t, router, http.MethodPost,
			"/api/v1/auth/login", body, nil)
		require.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPageRedirects(t *testing.T) {
	webDir := t.TempDir()

	for _, page := range []string{"index.html", "signin.html", "signup.html"} {
		require.NoError(t, os.WriteFile(
			filepath.Join(webDir, page), []byte("<html></html>"), 0o644,
		))
	}

	_, router := newTestPanel(t, func(c *config.Config) {
		c.Server.WebDir = webDir
	})

	// Unauthenticated requests to protected pages land on sign-in.
	rec := doJSON(t, router, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/signin", rec.Header().Get("Location"))

	// Public pages are reachable without a session.
	rec = doJSON(t, router, http.MethodGet, "/signin", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Authenticated users are bounced away from the sign-in page.
	cookie := signIn(t, router)

	rec = doJSON(t, router, http.MethodGet, "/signin", nil,
		[]*http.Cookie{cookie})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	rec = doJSON(t, router, http.MethodGet, "/", nil, []*http.Cookie{cookie})
	assert.Equal(t, http.StatusOK, rec.Code)
}
