package model

import "time"

// JobInputs are fixed at creation and never change afterwards.
type JobInputs struct {
	DocumentPath     string      `json:"-"`
	DocumentName     string      `json:"document_name"`
	VoiceSamplePath  string      `json:"-"`
	Language         Language    `json:"language"`
	IncludeSubtitles bool        `json:"include_subtitles"`
	QualityMode      QualityMode `json:"quality_mode"`
	SlideDuration    int         `json:"slide_duration"`
	WorkspaceDir     string      `json:"-"`
}

// JobResult is recorded when a job completes.
type JobResult struct {
	ArtifactPath     string
	DownloadFilename string
	ArtifactKey      string
	ArtifactURL      string
}

// Job is one document-to-video conversion tracked in memory.
type Job struct {
	ID           string
	Status       JobStatus
	Progress     int
	CurrentStep  string
	ErrorMessage *string
	Inputs       JobInputs
	Result       *JobResult
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Summary returns the list view of the job.
func (j Job) Summary() JobSummary {
	return JobSummary{
		TaskID:      j.ID,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
	}
}

// JobSummary is the list entry returned by GET /tasks.
type JobSummary struct {
	TaskID      string    `json:"task_id"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	Progress    int       `json:"progress"`
	CurrentStep string    `json:"current_step"`
}
