package model

import (
	"io"
	"time"
)

// UploadForm is the validated non-file part of POST /upload.
type UploadForm struct {
	Language         string `validate:"required,oneof=korean english"`
	IncludeSubtitles bool
	QualityMode      string `validate:"omitempty,oneof=stable_korean presentation high_quality fast"`
	SlideDuration    int    `validate:"omitempty,min=3,max=30"`
}

// UploadFile is one multipart file handed to the task service.
type UploadFile struct {
	Filename string
	Size     int64
	Content  io.Reader
}

// UploadRequest carries everything POST /upload received.
type UploadRequest struct {
	Form     UploadForm
	Document UploadFile
	Voice    UploadFile
}

// UploadResponse is returned with 202 Accepted.
type UploadResponse struct {
	TaskID         string      `json:"task_id"`
	Status         JobStatus   `json:"status"`
	Message        string      `json:"message"`
	QualityMode    QualityMode `json:"quality_mode"`
	SlideDuration  int         `json:"slide_duration"`
	CheckStatusURL string      `json:"check_status_url"`
	DownloadURL    string      `json:"download_url"`
}

// TaskStatusResponse is returned by GET /status/:taskId.
type TaskStatusResponse struct {
	TaskID           string     `json:"task_id"`
	Status           JobStatus  `json:"status"`
	Progress         int        `json:"progress"`
	CurrentStep      string     `json:"current_step"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	DownloadFilename string     `json:"download_filename,omitempty"`
	ArtifactURL      string     `json:"artifact_url,omitempty"`
	Inputs           JobInputs  `json:"inputs"`
}

// NewTaskStatusResponse builds the status view of a job.
func NewTaskStatusResponse(job Job) *TaskStatusResponse {
	resp := &TaskStatusResponse{
		TaskID:       job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		CurrentStep:  job.CurrentStep,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ErrorMessage: job.ErrorMessage,
		Inputs:       job.Inputs,
	}
	if job.Result != nil {
		resp.DownloadFilename = job.Result.DownloadFilename
		resp.ArtifactURL = job.Result.ArtifactURL
	}
	return resp
}

// TaskListResponse is returned by GET /tasks.
type TaskListResponse struct {
	Tasks []JobSummary `json:"tasks"`
}

// MessageResponse is a plain acknowledgement body.
type MessageResponse struct {
	Message string `json:"message"`
}
