package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// APIError is a failed API call. State errors carry the robot's current
// state.
type APIError struct {
	Status        int      `json:"-"`
	Message       string   `json:"error"`
	CurrentState  string   `json:"current_state"`
	AllowedStates []string `json:"allowed_states"`
	Failures      []struct {
		Path   string `json:"path"`
		Kind   string `json:"kind"`
		Reason string `json:"reason"`
	} `json:"failures"`
}

func (e *APIError) Error() string {
	switch {
	case e.CurrentState != "":
		return fmt.Sprintf("rejected in state %s (allowed: %s)", e.CurrentState, strings.Join(e.AllowedStates, ", "))
	case len(e.Failures) > 0:
		parts := make([]string, len(e.Failures))
		for i, f := range e.Failures {
			parts[i] = fmt.Sprintf("%s %s", f.Path, f.Kind)
		}
		return fmt.Sprintf("disarm failed: %s", strings.Join(parts, ", "))
	case e.Message != "":
		return e.Message
	}
	return fmt.Sprintf("API error (%d)", e.Status)
}

// Client wraps HTTP calls to the armctl API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListRobots fetches every robot's status
func (c *Client) ListRobots() ([]RobotItem, error) {
	var robots []RobotItem
	if err := c.do(http.MethodGet, "/robots", nil, &robots); err != nil {
		return nil, err
	}
	return robots, nil
}

// GetRobot fetches a single robot
func (c *Client) GetRobot(name string) (*RobotItem, error) {
	var r RobotItem
	if err := c.do(http.MethodGet, robotPath(name, ""), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetEvents fetches a robot's most recent journaled events
func (c *Client) GetEvents(name string, limit int) ([]EventItem, error) {
	var events []EventItem
	path := fmt.Sprintf("%s?limit=%d", robotPath(name, "events"), limit)
	if err := c.do(http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// GetRuns fetches a robot's most recent command runs
func (c *Client) GetRuns(name string, limit int) ([]RunItem, error) {
	var runs []RunItem
	path := fmt.Sprintf("%s?limit=%d", robotPath(name, "runs"), limit)
	if err := c.do(http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Arm arms a robot through the safety authority
func (c *Client) Arm(name string) error {
	return c.do(http.MethodPost, robotPath(name, "arm"), nil, nil)
}

// Disarm disarms a robot
func (c *Client) Disarm(name string) error {
	return c.do(http.MethodPost, robotPath(name, "disarm"), nil, nil)
}

// ForceDisarm clears a robot's safety error
func (c *Client) ForceDisarm(name string) error {
	return c.do(http.MethodPost, robotPath(name, "force_disarm"), nil, nil)
}

// Cancel cancels a robot's running command
func (c *Client) Cancel(name string) error {
	return c.do(http.MethodPost, robotPath(name, "cancel"), nil, nil)
}

// Execute requests a command and returns its handle without waiting
func (c *Client) Execute(name, command string, goal map[string]interface{}) (*Handle, error) {
	var h Handle
	body := map[string]interface{}{"goal": goal}
	if err := c.do(http.MethodPost, robotPath(name, "commands/"+url.PathEscape(command)), body, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// SetParam updates a live parameter
func (c *Client) SetParam(name, path string, value interface{}) error {
	body := map[string]interface{}{"path": path, "value": value}
	return c.do(http.MethodPut, robotPath(name, "params"), body, nil)
}

// SetFault changes a simulated actuator's disarm failure mode
func (c *Client) SetFault(name, path, mode string) error {
	body := map[string]string{"path": path, "mode": mode}
	return c.do(http.MethodPost, robotPath(name, "fault"), body, nil)
}

// ReportError reports a hardware fault
func (c *Client) ReportError(name, path, reason string) error {
	body := map[string]string{"path": path, "reason": reason}
	return c.do(http.MethodPost, robotPath(name, "report_error"), body, nil)
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}

func robotPath(name, action string) string {
	p := "/robots/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
