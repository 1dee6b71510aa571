package sitepushsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal sitepush HTTP API client.
type Client struct {
	BaseURL string
	// Token is a session token, sent as Authorization: Bearer.
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Submissions wait for the
// deployment to finish, so the default timeout is generous.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 15 * time.Minute,
	}
}

// Delta is the change set for one submission. Records are passed through
// untouched.
type Delta struct {
	Added   []json.RawMessage `json:"added,omitempty"`
	Updated []json.RawMessage `json:"updated,omitempty"`
	Deleted []any             `json:"deleted,omitempty"`
}

type Build struct {
	Status    string `json:"status"`
	RawStatus string `json:"raw_status,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UpdateResult is the outcome of a submitted delta.
type UpdateResult struct {
	OK        bool   `json:"ok"`
	JobID     string `json:"job_id,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Polls     int    `json:"polls,omitempty"`
	Build     *Build `json:"build,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Me struct {
	Authorized bool   `json:"authorized"`
	Username   string `json:"username,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
}

type Job struct {
	ID          string `json:"id"`
	Identity    string `json:"identity"`
	Location    string `json:"location"`
	State       string `json:"state"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	Polls       int    `json:"polls"`
	Added       int    `json:"added"`
	Updated     int    `json:"updated"`
	Deleted     int    `json:"deleted"`
	SubmittedAt string `json:"submitted_at"`
	UpdatedAt   string `json:"updated_at"`
}

type Queue struct {
	State        string `json:"state"`
	RunningJobID string `json:"running_job_id,omitempty"`
	Depth        int    `json:"depth"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// JobError reports a rejected delta or a job that ran and failed.
type JobError struct {
	StatusCode int
	Result     UpdateResult
}

func (e *JobError) Error() string {
	if e.Result.JobID == "" {
		return fmt.Sprintf("update rejected (%s): %s", e.Result.Kind, e.Result.Error)
	}
	return fmt.Sprintf("job %s failed (%s): %s", e.Result.JobID, e.Result.Kind, e.Result.Error)
}

// SubmitUpdate submits delta and waits for it to be committed and deployed.
func (c *Client) SubmitUpdate(ctx context.Context, delta Delta) (UpdateResult, error) {
	data, err := json.Marshal(delta)
	if err != nil {
		return UpdateResult{}, err
	}
	return c.SubmitUpdateJSON(ctx, data)
}

// SubmitUpdateJSON is SubmitUpdate for an already encoded delta.
func (c *Client) SubmitUpdateJSON(ctx context.Context, body []byte) (UpdateResult, error) {
	resp, err := c.send(ctx, http.MethodPost, "api/update-markers", bytes.NewReader(body))
	if err != nil {
		return UpdateResult{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return UpdateResult{}, err
	}
	var res UpdateResult
	if jsonErr := json.Unmarshal(raw, &res); jsonErr != nil || (resp.StatusCode >= 300 && res.Kind == "") {
		if resp.StatusCode >= 300 {
			return UpdateResult{}, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		}
		return UpdateResult{}, jsonErr
	}
	if !res.OK {
		return res, &JobError{StatusCode: resp.StatusCode, Result: res}
	}
	return res, nil
}

func (c *Client) DeployStatus(ctx context.Context) (Build, error) {
	var b Build
	err := c.do(ctx, http.MethodGet, "api/deploy-status", nil, &b)
	return b, err
}

// Me reports the session behind Token. An unknown or expired token is not an
// error; it yields Authorized=false.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var me Me
	err := c.do(ctx, http.MethodGet, "auth/me", nil, &me)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		return Me{Authorized: false}, nil
	}
	return me, err
}

func (c *Client) Queue(ctx context.Context) (Queue, error) {
	var q Queue
	err := c.do(ctx, http.MethodGet, "api/queue", nil, &q)
	return q, err
}

// Jobs lists recent jobs, newest first. limit <= 0 uses the server default.
func (c *Client) Jobs(ctx context.Context, limit int, state string) ([]Job, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if state != "" {
		q.Set("state", state)
	}
	endpoint := "api/jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Jobs, err
}

func (c *Client) Job(ctx context.Context, id string) (Job, error) {
	var j Job
	err := c.do(ctx, http.MethodGet, "api/jobs/"+url.PathEscape(id), nil, &j)
	return j, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "auth/logout", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.send(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return c.HTTPClient.Do(req)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
