package model

import "time"

// Task lifecycle event kinds published to the event bus
type EventKind string

const (
	EventProcessing EventKind = "processing"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
	EventDeleted    EventKind = "deleted"
)

// TaskEvent is the payload published for every lifecycle transition.
type TaskEvent struct {
	Kind             EventKind `json:"kind"`
	TaskID           string    `json:"task_id"`
	Status           JobStatus `json:"status"`
	Progress         int       `json:"progress"`
	Error            string    `json:"error,omitempty"`
	DownloadFilename string    `json:"download_filename,omitempty"`
	ArtifactURL      string    `json:"artifact_url,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}
