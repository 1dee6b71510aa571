package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sitepush/internal/domain"
	"sitepush/internal/records"
)

const (
	DefaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"
)

// HTTPError is a non-2xx response from the GitHub API.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github: status %d", e.Status)
	}
	return fmt.Sprintf("github: status %d: %s", e.Status, e.Message)
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// Client talks to the GitHub REST API on behalf of a signed-in user. It is
// both the remote state gateway (contents API) and the build status poller
// (Pages builds API).
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "sitepush"
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, userAgent: userAgent}
}

type contentResponse struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
	SHA      string `json:"sha"`
}

// ReadCollection fetches and decodes the stored collection together with the
// blob sha it was read at.
func (c *Client) ReadCollection(ctx context.Context, loc domain.Location, credential string) (records.Snapshot, error) {
	op := "read " + loc.Path
	endpoint := contentsPath(loc)
	if loc.Branch != "" {
		endpoint += "?ref=" + url.QueryEscape(loc.Branch)
	}
	var resp contentResponse
	status, err := c.doJSON(ctx, http.MethodGet, endpoint, credential, nil, &resp)
	if err != nil {
		return records.Snapshot{}, &domain.RemoteReadError{Op: op, Status: status, Err: err}
	}
	if resp.Type != "" && resp.Type != "file" {
		return records.Snapshot{}, &domain.RemoteReadError{Op: op, Err: fmt.Errorf("%s is a %s, not a file", loc.Path, resp.Type)}
	}
	if resp.Encoding != "" && resp.Encoding != "base64" {
		return records.Snapshot{}, &domain.RemoteReadError{Op: op, Err: fmt.Errorf("unsupported content encoding %q", resp.Encoding)}
	}
	raw, err := base64.StdEncoding.DecodeString(stripNewlines(resp.Content))
	if err != nil {
		return records.Snapshot{}, &domain.RemoteReadError{Op: op, Err: fmt.Errorf("decode content: %w", err)}
	}
	recs, err := records.DecodeCollection(raw)
	if err != nil {
		return records.Snapshot{}, &domain.RemoteReadError{Op: op, Err: err}
	}
	return records.Snapshot{Records: recs, Token: resp.SHA}, nil
}

type commitRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type commitResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// CommitCollection writes recs back, presenting token as the expected blob
// sha. A 409 means someone else committed first.
func (c *Client) CommitCollection(ctx context.Context, loc domain.Location, recs []records.Record, token, credential, message string) (domain.CommitResult, error) {
	op := "commit " + loc.Path
	data, err := records.EncodeCollection(recs)
	if err != nil {
		return domain.CommitResult{}, &domain.RemoteWriteError{Op: op, Err: fmt.Errorf("encode collection: %w", err)}
	}
	body := commitRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(data),
		SHA:     token,
		Branch:  loc.Branch,
	}
	var resp commitResponse
	status, err := c.doJSON(ctx, http.MethodPut, contentsPath(loc), credential, body, &resp)
	if err != nil {
		return domain.CommitResult{}, &domain.RemoteWriteError{
			Op:       op,
			Status:   status,
			Conflict: status == http.StatusConflict,
			Err:      err,
		}
	}
	return domain.CommitResult{CommitSHA: resp.Commit.SHA, ContentSHA: resp.Content.SHA}, nil
}

type pagesBuild struct {
	Status *string `json:"status"`
	Error  struct {
		Message *string `json:"message"`
	} `json:"error"`
	Commit string `json:"commit"`
}

// LatestBuild reports the most recent Pages build. An empty build list is
// reported as pending.
func (c *Client) LatestBuild(ctx context.Context, loc domain.Location, credential string) (domain.Build, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/pages/builds?per_page=1", url.PathEscape(loc.Owner), url.PathEscape(loc.Repo))
	var builds []pagesBuild
	status, err := c.doJSON(ctx, http.MethodGet, endpoint, credential, nil, &builds)
	if err != nil {
		return domain.Build{}, &domain.RemoteReadError{Op: "list pages builds", Status: status, Err: err}
	}
	if len(builds) == 0 {
		return domain.Build{Status: domain.DeploymentPending}, nil
	}
	latest := builds[0]
	build := domain.Build{Commit: latest.Commit}
	if latest.Status != nil {
		build.RawStatus = *latest.Status
	}
	if latest.Error.Message != nil {
		build.Error = *latest.Error.Message
	}
	build.Status = ClassifyBuildStatus(build.RawStatus)
	return build, nil
}

// ClassifyBuildStatus maps a Pages build status onto a deployment status.
// Anything that is not terminal counts as pending.
func ClassifyBuildStatus(raw string) domain.DeploymentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "built":
		return domain.DeploymentSucceeded
	case "errored":
		return domain.DeploymentFailed
	default:
		return domain.DeploymentPending
	}
}

type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

// User returns the account that owns credential.
func (c *Client) User(ctx context.Context, credential string) (User, error) {
	var u User
	status, err := c.doJSON(ctx, http.MethodGet, "/user", credential, nil, &u)
	if err != nil {
		return User{}, &domain.RemoteReadError{Op: "fetch user", Status: status, Err: err}
	}
	if strings.TrimSpace(u.Login) == "" {
		return User{}, &domain.RemoteReadError{Op: "fetch user", Err: fmt.Errorf("response has no login")}
	}
	return u, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint, credential string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &HTTPError{Status: resp.StatusCode, Message: errorMessage(payload)}
	}
	if out == nil || len(payload) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func errorMessage(payload []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Message != "" {
		return body.Message
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > 256 {
		text = text[:256]
	}
	return text
}

func contentsPath(loc domain.Location) string {
	segments := strings.Split(strings.Trim(loc.Path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("/repos/%s/%s/contents/%s", url.PathEscape(loc.Owner), url.PathEscape(loc.Repo), strings.Join(segments, "/"))
}

func stripNewlines(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}
