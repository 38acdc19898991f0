package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout is the default timeout for agent HTTP requests.
const DefaultTimeout = 30 * time.Second

// userIDHeader identifies the calling user; the agent is trusted to
// scope definitions and runs accordingly.
const userIDHeader = "X-User-Id"

// Client is the HTTP facade over the remote browser-automation agent.
type Client interface {
	// CreateDefinition persists a new test definition for the user and
	// returns it with its server-assigned id.
	CreateDefinition(
		ctx context.Context, userID string, req *CreateDefinitionRequest,
	) (*TestDefinition, error)

	// ListDefinitions fetches all definitions owned by the user.
	ListDefinitions(ctx context.Context, userID string) ([]TestDefinition, error)

	// DeleteDefinition removes one definition by id.
	DeleteDefinition(ctx context.Context, userID, id string) error

	// StartRun starts a test run and returns its id.
	StartRun(ctx context.Context, userID string, req *StartRunRequest) (string, error)

	// GetRun fetches the current status of a run.
	GetRun(ctx context.Context, userID, runID string) (*RunStatus, error)

	// Health checks that the agent is reachable.
	Health(ctx context.Context) error
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	baseURL string
	http    *http.Client
}

// NewClient creates an agent client for the given base URL. A trailing
// slash on the base URL is normalized away.
func NewClient(log logrus.FieldLogger, baseURL string, timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &client{
		log:     log.WithField("component", "agent"),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *client) CreateDefinition(
	ctx context.Context, userID string, req *CreateDefinitionRequest,
) (*TestDefinition, error) {
	var resp struct {
		TestDefinition TestDefinition `json:"testDefinition"`
	}

	if err := c.do(
		ctx, http.MethodPost, "/test-definitions", userID, req, &resp,
	); err != nil {
		return nil, fmt.Errorf("creating test definition: %w", err)
	}

	return &resp.TestDefinition, nil
}

func (c *client) ListDefinitions(
	ctx context.Context, userID string,
) ([]TestDefinition, error) {
	var resp struct {
		TestDefinitions []TestDefinition `json:"testDefinitions"`
	}

	if err := c.do(
		ctx, http.MethodGet, "/test-definitions", userID, nil, &resp,
	); err != nil {
		return nil, fmt.Errorf("listing test definitions: %w", err)
	}

	return resp.TestDefinitions, nil
}

func (c *client) DeleteDefinition(ctx context.Context, userID, id string) error {
	if err := c.do(
		ctx, http.MethodDelete, "/test-definitions/"+id, userID, nil, nil,
	); err != nil {
		return fmt.Errorf("deleting test definition: %w", err)
	}

	return nil
}

func (c *client) StartRun(
	ctx context.Context, userID string, req *StartRunRequest,
) (string, error) {
	var resp struct {
		TestID string `json:"testId"`
	}

	if err := c.do(ctx, http.MethodPost, "/tests", userID, req, &resp); err != nil {
		return "", err
	}

	if resp.TestID == "" {
		return "", fmt.Errorf("agent returned no test id")
	}

	return resp.TestID, nil
}

func (c *client) GetRun(ctx context.Context, userID, runID string) (*RunStatus, error) {
	var status RunStatus

	if err := c.do(
		ctx, http.MethodGet, "/tests/"+runID, userID, nil, &status,
	); err != nil {
		return nil, fmt.Errorf("fetching run status: %w", err)
	}

	return &status, nil
}

func (c *client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/health", nil,
	)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("agent health check returned %d", resp.StatusCode)
	}

	return nil
}

// do performs one JSON request against the agent. A non-2xx response is
// returned as an error carrying the body's "error" field when present.
func (c *client) do(
	ctx context.Context,
	method, path, userID string,
	body, out any,
) error {
	var reqBody *bytes.Buffer

	if body != nil {
		reqBody = &bytes.Buffer{}
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	var (
		req *http.Request
		err error
	)

	if reqBody != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}

	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set(userIDHeader, userID)

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK ||
		resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s", errorMessage(resp))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// errorMessage extracts the "error" field from a non-2xx response body,
// falling back to a generic message keyed by status code.
func errorMessage(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil &&
		body.Error != "" {
		return body.Error
	}

	return fmt.Sprintf("agent returned status %d", resp.StatusCode)
}
