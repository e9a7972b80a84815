// Package buildservice is the remote build service: it accepts uploaded
// build contexts, builds them with a local image builder and reports the
// result through job records persisted in the WAL store.
package buildservice

import (
	"time"

	"github.com/kennethnrk/chassis/pkg/builder"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Finished reports whether the job reached a terminal state.
func (s JobStatus) Finished() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Job is the stored record of one build request.
type Job struct {
	ID               string        `json:"id"`
	Status           JobStatus     `json:"status"`
	ImageName        string        `json:"image_name"`
	Tag              string        `json:"tag"`
	Publish          bool          `json:"publish"`
	InsecureRegistry bool          `json:"insecure_registry"`
	HasCredentials   bool          `json:"has_credentials,omitempty"`
	Webhook          string        `json:"webhook,omitempty"`
	Platforms        []string      `json:"platforms,omitempty"`
	Timeout          time.Duration `json:"timeout"`
	ContextDir       string        `json:"context_dir,omitempty"`

	ImageTag     string `json:"image_tag,omitempty"`
	Logs         string `json:"logs,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Response renders the job the way the SDK polls it.
func (j Job) Response() *builder.BuildResponse {
	id := j.ID
	resp := &builder.BuildResponse{
		RemoteBuildID: &id,
		Completed:     j.Status.Finished(),
		Success:       j.Status == JobStatusSucceeded,
	}
	if j.ImageTag != "" {
		tag := j.ImageTag
		resp.ImageTag = &tag
	}
	if j.Logs != "" {
		logs := j.Logs
		resp.Logs = &logs
	}
	if j.ErrorMessage != "" {
		msg := j.ErrorMessage
		resp.ErrorMessage = &msg
	}
	return resp
}
