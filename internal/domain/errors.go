package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConflict matches a RemoteWriteError caused by a stale concurrency token.
	ErrConflict = errors.New("remote version changed")
	// ErrPollLimit matches a RemoteWriteError raised when a build never settles.
	ErrPollLimit = errors.New("deployment did not finish within the poll limit")
)

type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindRemoteRead       ErrorKind = "remote_read"
	KindRemoteWrite      ErrorKind = "remote_write"
	KindDeploymentFailed ErrorKind = "deployment_failed"
	KindInternal         ErrorKind = "internal"
)

// ValidationError reports a malformed delta.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid delta: " + e.Reason
	}
	return fmt.Sprintf("invalid delta: %s: %s", e.Field, e.Reason)
}

// RemoteReadError reports a failed fetch or decode of remote state.
type RemoteReadError struct {
	Op     string
	Status int
	Err    error
}

func (e *RemoteReadError) Error() string {
	return "remote read failed: " + describe(e.Op, e.Status, e.Err)
}

func (e *RemoteReadError) Unwrap() error { return e.Err }

// RemoteWriteError reports a rejected or failed commit, including a build
// that never reached a terminal status.
type RemoteWriteError struct {
	Op       string
	Status   int
	Conflict bool
	Timeout  bool
	Err      error
}

func (e *RemoteWriteError) Error() string {
	return "remote write failed: " + describe(e.Op, e.Status, e.Err)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

func (e *RemoteWriteError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Conflict
	case ErrPollLimit:
		return e.Timeout
	}
	return false
}

// DeploymentFailedError is a build the remote build system itself marked as failed.
type DeploymentFailedError struct {
	RawStatus string
	Message   string
	Commit    string
}

func (e *DeploymentFailedError) Error() string {
	msg := "deployment failed"
	if e.RawStatus != "" {
		msg += " (" + e.RawStatus + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// KindOf classifies err into the job failure taxonomy.
func KindOf(err error) ErrorKind {
	var (
		ve *ValidationError
		re *RemoteReadError
		we *RemoteWriteError
		de *DeploymentFailedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &de):
		return KindDeploymentFailed
	case errors.As(err, &we):
		return KindRemoteWrite
	case errors.As(err, &re):
		return KindRemoteRead
	default:
		return KindInternal
	}
}

func describe(op string, status int, err error) string {
	parts := make([]string, 0, 3)
	if op != "" {
		parts = append(parts, op)
	}
	if status != 0 {
		parts = append(parts, fmt.Sprintf("status %d", status))
	}
	if err != nil {
		parts = append(parts, err.Error())
	}
	if len(parts) == 0 {
		return "unknown error"
	}
	return strings.Join(parts, ": ")
}
