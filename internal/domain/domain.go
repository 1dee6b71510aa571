package domain

import "fmt"

// Location addresses the single file a job mutates.
type Location struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s/%s:%s@%s", l.Owner, l.Repo, l.Path, l.Branch)
}

type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentSucceeded DeploymentStatus = "succeeded"
	DeploymentFailed    DeploymentStatus = "failed"
)

// Terminal reports whether polling can stop.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentSucceeded || s == DeploymentFailed
}

// Build is the most recent build reported by the remote build system.
type Build struct {
	Status    DeploymentStatus `json:"status" enum:"pending,succeeded,failed"`
	RawStatus string           `json:"raw_status,omitempty"`
	Commit    string           `json:"commit,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type CommitResult struct {
	CommitSHA  string `json:"commit_sha"`
	ContentSHA string `json:"content_sha"`
}

type Session struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	AccessToken string `json:"-"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}

// Job is the persisted history row of a submitted job.
type Job struct {
	ID          string `json:"id"`
	Identity    string `json:"identity"`
	Location    string `json:"location"`
	State       string `json:"state" enum:"queued,committing,polling,succeeded,failed"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	Polls       int    `json:"polls"`
	Added       int    `json:"added"`
	Updated     int    `json:"updated"`
	Deleted     int    `json:"deleted"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	JobID    string `json:"job_id,omitempty"`
	Identity string `json:"identity"`
	Payload  string `json:"payload_json"`
}
