package model

import (
	"fmt"
	"time"
)

// JobStatus is stored as is in the database.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobProcessing, JobDone, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is a single dispatch of a sample to the work queue.
type Job struct {
	ID         int64
	ExternalID string
	Queue      string
	Status     JobStatus
	SampleID   int64
	CreatedAt  time.Time
}

func (j Job) String() string {
	return fmt.Sprintf("id: %d, job_id: %q, queue: %q, status: %s, sample_id: %d",
		j.ID, j.ExternalID, j.Queue, j.Status, j.SampleID)
}

// Task is the payload a queue worker receives.
type Task struct {
	SHA1       string `json:"sha1"`
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Version    int    `json:"version"`
	Timeout    int    `json:"timeout"` // seconds
}
