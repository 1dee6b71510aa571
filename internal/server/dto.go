package server

import (
	"time"

	"sitepush/internal/domain"
	"sitepush/internal/engine"
)

// Response payloads

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

type MeResponse struct {
	Authorized bool   `json:"authorized"`
	Username   string `json:"username,omitempty" example:"octocat"`
	ExpiresAt  string `json:"expires_at,omitempty" format:"date-time"`
}

type LogoutResponse struct {
	OK bool `json:"ok"`
}

// UpdateMarkersRequest documents the delta accepted by /api/update-markers.
type UpdateMarkersRequest struct {
	Added   []map[string]any `json:"added,omitempty" doc:"records appended to the collection"`
	Updated []map[string]any `json:"updated,omitempty" doc:"records replacing the stored record with the same id"`
	Deleted []any            `json:"deleted,omitempty" doc:"ids (string or number) to remove"`
}

// UpdateMarkersResponse is returned for every submitted delta, failed or not.
type UpdateMarkersResponse struct {
	OK        bool          `json:"ok"`
	JobID     string        `json:"job_id,omitempty"`
	CommitSHA string        `json:"commit_sha,omitempty"`
	Polls     int           `json:"polls,omitempty"`
	Build     *domain.Build `json:"build,omitempty"`
	Kind      string        `json:"kind,omitempty" enum:"validation,remote_read,remote_write,deployment_failed,internal"`
	Error     string        `json:"error,omitempty"`
}

type JobListResponse struct {
	Jobs []domain.Job `json:"jobs"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
}

// StreamMessage is one job transition pushed over /api/events.
type StreamMessage struct {
	JobID       string           `json:"job_id"`
	Phase       string           `json:"phase"`
	Identity    string           `json:"identity"`
	Location    string           `json:"location"`
	Added       int              `json:"added"`
	Updated     int              `json:"updated"`
	Deleted     int              `json:"deleted"`
	CommitSHA   string           `json:"commit_sha,omitempty"`
	Polls       int              `json:"polls,omitempty"`
	BuildStatus string           `json:"build_status,omitempty"`
	ErrorKind   domain.ErrorKind `json:"error_kind,omitempty"`
	Error       string           `json:"error,omitempty"`
	SubmittedAt string           `json:"submitted_at"`
	At          string           `json:"at"`
}

func streamMessage(tr engine.Transition) StreamMessage {
	return StreamMessage{
		JobID:       tr.JobID,
		Phase:       string(tr.Phase),
		Identity:    tr.Identity,
		Location:    tr.Location.String(),
		Added:       tr.Added,
		Updated:     tr.Updated,
		Deleted:     tr.Deleted,
		CommitSHA:   tr.CommitSHA,
		Polls:       tr.Polls,
		BuildStatus: string(tr.Build.Status),
		ErrorKind:   tr.ErrorKind,
		Error:       tr.Error,
		SubmittedAt: tr.SubmittedAt.UTC().Format(time.RFC3339Nano),
		At:          tr.At.UTC().Format(time.RFC3339Nano),
	}
}

func nonNilJobs(in []domain.Job) []domain.Job {
	if in == nil {
		return []domain.Job{}
	}
	return in
}

func nonNilEvents(in []domain.Event) []domain.Event {
	if in == nil {
		return []domain.Event{}
	}
	return in
}
