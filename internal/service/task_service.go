package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/slidevoice/api/internal/client"
	"github.com/slidevoice/api/internal/model"
)

var (
	ErrJobNotCompleted = errors.New("job not completed")
	ErrArtifactMissing = errors.New("artifact file not found")
)

// ValidationError rejects an upload before any job is created.
type ValidationError struct {
	Field   string
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// JobDispatcher hands a created job to the background pipeline.
type JobDispatcher interface {
	Submit(ctx context.Context, jobID string) error
}

// TaskOptions are the filesystem locations and upload defaults.
type TaskOptions struct {
	WorkspaceDir         string
	OutputDir            string
	DefaultQualityMode   model.QualityMode
	DefaultSlideDuration int
}

// TaskService implements the upload, status, download, list and delete
// operations on top of the job tracker.
type TaskService struct {
	tracker    *JobTracker
	dispatcher JobDispatcher
	store      client.ArtifactStore
	events     client.EventPublisher
	validate   *validator.Validate
	opts       TaskOptions
	logger     *logrus.Logger
}

func NewTaskService(
	tracker *JobTracker,
	dispatcher JobDispatcher,
	store client.ArtifactStore,
	events client.EventPublisher,
	validate *validator.Validate,
	opts TaskOptions,
	logger *logrus.Logger,
) *TaskService {
	if events == nil {
		events = client.NopPublisher{}
	}
	if opts.DefaultQualityMode == "" {
		opts.DefaultQualityMode = model.QualityStableKorean
	}
	if opts.DefaultSlideDuration <= 0 {
		opts.DefaultSlideDuration = 5
	}
	return &TaskService{
		tracker:    tracker,
		dispatcher: dispatcher,
		store:      store,
		events:     events,
		validate:   validate,
		opts:       opts,
		logger:     logger,
	}
}

// Submit validates the upload, stores the input files in a fresh workspace,
// registers the job and dispatches it. It returns before any pipeline work.
func (s *TaskService) Submit(ctx context.Context, req model.UploadRequest) (*model.UploadResponse, error) {
	voiceExt, err := s.validateUpload(req)
	if err != nil {
		return nil, err
	}

	quality := model.QualityMode(req.Form.QualityMode)
	if quality == "" {
		quality = s.opts.DefaultQualityMode
	}
	slideDuration := req.Form.SlideDuration
	if slideDuration == 0 {
		slideDuration = s.opts.DefaultSlideDuration
	}

	taskID := uuid.New().String()
	workspace := filepath.Join(s.opts.WorkspaceDir, taskID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	documentPath := filepath.Join(workspace, "input.pdf")
	voicePath := filepath.Join(workspace, "speaker_audio"+voiceExt)
	if err := saveUpload(documentPath, req.Document.Content); err != nil {
		os.RemoveAll(workspace)
		return nil, err
	}
	if err := saveUpload(voicePath, req.Voice.Content); err != nil {
		os.RemoveAll(workspace)
		return nil, err
	}

	inputs := model.JobInputs{
		DocumentPath:     documentPath,
		DocumentName:     filepath.Base(req.Document.Filename),
		VoiceSamplePath:  voicePath,
		Language:         model.Language(req.Form.Language),
		IncludeSubtitles: req.Form.IncludeSubtitles,
		QualityMode:      quality,
		SlideDuration:    slideDuration,
		WorkspaceDir:     workspace,
	}
	if _, err := s.tracker.CreateWithID(taskID, inputs); err != nil {
		os.RemoveAll(workspace)
		return nil, fmt.Errorf("failed to register job: %w", err)
	}
	if err := s.tracker.Start(taskID); err != nil {
		return nil, fmt.Errorf("failed to start job: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{"task_id": taskID})
	if err := s.dispatcher.Submit(ctx, taskID); err != nil {
		msg := fmt.Sprintf("failed to dispatch job: %v", err)
		if markErr := s.tracker.MarkFailed(taskID, msg); markErr != nil {
			log.WithError(markErr).Warn("Failed to record dispatch failure")
		}
		s.publish(ctx, model.TaskEvent{Kind: model.EventFailed, TaskID: taskID, Status: model.JobStatusFailed, Error: msg})
		return nil, fmt.Errorf("%s: %w", model.StageDispatch, err)
	}

	log.WithFields(logrus.Fields{
		"document": inputs.DocumentName,
		"language": inputs.Language,
		"quality":  inputs.QualityMode,
	}).Info("Task accepted")
	s.publish(ctx, model.TaskEvent{Kind: model.EventProcessing, TaskID: taskID, Status: model.JobStatusProcessing})

	return &model.UploadResponse{
		TaskID:         taskID,
		Status:         model.JobStatusProcessing,
		Message:        "Presentation video generation started",
		QualityMode:    quality,
		SlideDuration:  slideDuration,
		CheckStatusURL: "/status/" + taskID,
		DownloadURL:    "/download/" + taskID,
	}, nil
}

// validateUpload checks file types and form fields and returns the
// normalized voice file extension.
func (s *TaskService) validateUpload(req model.UploadRequest) (string, error) {
	if req.Document.Content == nil || req.Document.Filename == "" {
		return "", &ValidationError{Field: "pdf_file", Message: "document file is required"}
	}
	if !strings.EqualFold(filepath.Ext(req.Document.Filename), ".pdf") {
		return "", &ValidationError{Field: "pdf_file", Message: "only PDF documents are supported"}
	}

	if req.Voice.Content == nil || req.Voice.Filename == "" {
		return "", &ValidationError{Field: "speaker_audio", Message: "speaker audio file is required"}
	}
	voiceExt := strings.ToLower(filepath.Ext(req.Voice.Filename))
	if voiceExt != ".wav" && voiceExt != ".mp3" {
		return "", &ValidationError{Field: "speaker_audio", Message: "speaker audio must be a WAV or MP3 file"}
	}

	if err := s.validate.Struct(&req.Form); err != nil {
		verr := &ValidationError{Message: "invalid form fields", Fields: map[string]string{}}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				name := formFieldName(fe.Field())
				verr.Fields[name] = fe.Tag()
				if verr.Field == "" {
					verr.Field = name
					verr.Message = fieldMessage(name, fe.Tag())
				}
			}
		}
		return "", verr
	}
	return voiceExt, nil
}

func formFieldName(field string) string {
	switch field {
	case "Language":
		return "language"
	case "IncludeSubtitles":
		return "include_subtitles"
	case "QualityMode":
		return "quality_mode"
	case "SlideDuration":
		return "slide_duration"
	}
	return strings.ToLower(field)
}

func fieldMessage(field, tag string) string {
	switch field {
	case "language":
		return "language must be 'korean' or 'english'"
	case "quality_mode":
		return "quality_mode must be one of stable_korean, presentation, high_quality, fast"
	case "slide_duration":
		return "slide_duration must be between 3 and 30 seconds"
	}
	return fmt.Sprintf("%s failed %s validation", field, tag)
}

func saveUpload(path string, content io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// GetStatus returns the status view of one task.
func (s *TaskService) GetStatus(taskID string) (*model.TaskStatusResponse, error) {
	job, err := s.tracker.Get(taskID)
	if err != nil {
		return nil, err
	}
	return model.NewTaskStatusResponse(job), nil
}

// Download returns the artifact path and the filename to serve it under.
func (s *TaskService) Download(taskID string) (string, string, error) {
	job, err := s.tracker.Get(taskID)
	if err != nil {
		return "", "", err
	}
	if job.Status != model.JobStatusCompleted {
		return "", "", fmt.Errorf("task %s is %s: %w", taskID, job.Status, ErrJobNotCompleted)
	}
	if job.Result == nil || job.Result.ArtifactPath == "" {
		return "", "", ErrArtifactMissing
	}
	if _, err := os.Stat(job.Result.ArtifactPath); err != nil {
		return "", "", fmt.Errorf("%s: %w", job.Result.ArtifactPath, ErrArtifactMissing)
	}
	return job.Result.ArtifactPath, job.Result.DownloadFilename, nil
}

// List returns every task in submission order.
func (s *TaskService) List() []model.JobSummary {
	tasks := make([]model.JobSummary, 0, s.tracker.Len())
	for summary := range s.tracker.List() {
		tasks = append(tasks, summary)
	}
	return tasks
}

// Delete removes a task's files, its mirrored object and finally the record.
func (s *TaskService) Delete(ctx context.Context, taskID string) error {
	job, err := s.tracker.Get(taskID)
	if err != nil {
		return err
	}
	log := s.logger.WithFields(logrus.Fields{"task_id": taskID})

	if job.Inputs.WorkspaceDir != "" {
		if err := os.RemoveAll(job.Inputs.WorkspaceDir); err != nil {
			return fmt.Errorf("failed to remove workspace: %w", err)
		}
	}
	if err := os.RemoveAll(filepath.Join(s.opts.OutputDir, taskID)); err != nil {
		return fmt.Errorf("failed to remove output: %w", err)
	}
	if s.store != nil && job.Result != nil && job.Result.ArtifactKey != "" {
		if err := s.store.Remove(ctx, job.Result.ArtifactKey); err != nil {
			log.WithError(err).Warn("Failed to remove mirrored artifact")
		}
	}

	if _, err := s.tracker.Delete(taskID); err != nil {
		return err
	}
	log.Info("Task deleted")
	s.publish(ctx, model.TaskEvent{Kind: model.EventDeleted, TaskID: taskID, Status: job.Status, Progress: job.Progress})
	return nil
}

func (s *TaskService) publish(ctx context.Context, event model.TaskEvent) {
	event.OccurredAt = time.Now()
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithField("task_id", event.TaskID).Warn("Failed to publish task event")
	}
}
