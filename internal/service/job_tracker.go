package service

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slidevoice/api/internal/model"
)

var (
	// ErrJobNotFound is returned for an unknown task id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when mutating a completed or failed job.
	ErrJobTerminal = errors.New("job already in terminal state")
	// ErrInvalidProgress is returned for out-of-range or decreasing progress.
	ErrInvalidProgress = errors.New("invalid progress")
)

// JobTracker is the in-memory registry of conversion jobs. It is the only
// owner of job records; callers always receive copies.
type JobTracker struct {
	mu    sync.RWMutex
	jobs  map[string]*model.Job
	order []string
	now   func() time.Time
}

// NewJobTracker creates an empty registry.
func NewJobTracker() *JobTracker {
	return &JobTracker{
		jobs: make(map[string]*model.Job),
		now:  time.Now,
	}
}

// Create registers a new job in the uploaded state.
func (t *JobTracker) Create(inputs model.JobInputs) (model.Job, error) {
	return t.CreateWithID(uuid.New().String(), inputs)
}

// CreateWithID registers a job under a caller-chosen id. The task service uses
// it so the workspace directory can be named before the record exists.
func (t *JobTracker) CreateWithID(id string, inputs model.JobInputs) (model.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[id]; exists {
		return model.Job{}, fmt.Errorf("job %s already exists", id)
	}

	job := &model.Job{
		ID:          id,
		Status:      model.JobStatusUploaded,
		Progress:    0,
		CurrentStep: "Uploaded",
		Inputs:      inputs,
		CreatedAt:   t.now(),
	}
	t.jobs[id] = job
	t.order = append(t.order, id)

	return cloneJob(job), nil
}

// Start moves an uploaded job to processing.
func (t *JobTracker) Start(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.lookup(id)
	if err != nil {
		return err
	}
	if job.Status == model.JobStatusProcessing {
		return nil
	}
	return t.transition(job, model.JobStatusProcessing)
}

// Get returns a snapshot of the job.
func (t *JobTracker) Get(id string) (model.Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, err := t.lookup(id)
	if err != nil {
		return model.Job{}, err
	}
	return cloneJob(job), nil
}

// UpdateProgress records a new progress value and step description.
// Progress never moves backwards; an equal value only replaces the step.
func (t *JobTracker) UpdateProgress(id string, percent int, step string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.lookup(id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("update progress on %s job %s: %w", job.Status, id, ErrJobTerminal)
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("progress %d out of range: %w", percent, ErrInvalidProgress)
	}
	if percent < job.Progress {
		return fmt.Errorf("progress %d below current %d: %w", percent, job.Progress, ErrInvalidProgress)
	}

	if job.Status == model.JobStatusUploaded {
		if err := t.transition(job, model.JobStatusProcessing); err != nil {
			return err
		}
	}

	job.Progress = percent
	job.CurrentStep = step
	return nil
}

// MarkCompleted moves the job to completed and records its artifact.
func (t *JobTracker) MarkCompleted(id string, result model.JobResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.lookup(id)
	if err != nil {
		return err
	}
	if err := t.transition(job, model.JobStatusCompleted); err != nil {
		return err
	}

	job.Progress = 100
	job.CurrentStep = "Done"
	job.Result = &result
	return nil
}

// MarkFailed moves the job to failed. Progress stays where it was.
func (t *JobTracker) MarkFailed(id string, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.lookup(id)
	if err != nil {
		return err
	}
	if err := t.transition(job, model.JobStatusFailed); err != nil {
		return err
	}

	job.ErrorMessage = &message
	job.CurrentStep = "Error: " + message
	return nil
}

// Delete removes the record and returns the last snapshot so the caller can
// clean up files that belonged to it.
func (t *JobTracker) Delete(id string) (model.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.lookup(id)
	if err != nil {
		return model.Job{}, err
	}

	delete(t.jobs, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return cloneJob(job), nil
}

// List yields job summaries in creation order. The snapshot is taken when
// iteration starts, so each range over the sequence sees fresh state.
func (t *JobTracker) List() iter.Seq[model.JobSummary] {
	return func(yield func(model.JobSummary) bool) {
		t.mu.RLock()
		summaries := make([]model.JobSummary, 0, len(t.order))
		for _, id := range t.order {
			summaries = append(summaries, t.jobs[id].Summary())
		}
		t.mu.RUnlock()

		for _, s := range summaries {
			if !yield(s) {
				return
			}
		}
	}
}

// Len returns the number of tracked jobs.
func (t *JobTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

func (t *JobTracker) lookup(id string) (*model.Job, error) {
	job, ok := t.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// transition applies a status change; caller holds the write lock.
func (t *JobTracker) transition(job *model.Job, to model.JobStatus) error {
	if job.Status.IsTerminal() {
		return fmt.Errorf("%s -> %s for job %s: %w", job.Status, to, job.ID, ErrJobTerminal)
	}
	if !isValidTransition(job.Status, to) {
		return fmt.Errorf("invalid transition: %s -> %s", job.Status, to)
	}

	now := t.now()
	switch to {
	case model.JobStatusProcessing:
		job.StartedAt = &now
	case model.JobStatusCompleted, model.JobStatusFailed:
		job.CompletedAt = &now
	}
	job.Status = to
	return nil
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to model.JobStatus) bool {
	switch from {
	case model.JobStatusUploaded:
		return to == model.JobStatusProcessing || to == model.JobStatusFailed
	case model.JobStatusProcessing:
		return to == model.JobStatusCompleted || to == model.JobStatusFailed
	default:
		return false
	}
}

func cloneJob(job *model.Job) model.Job {
	c := *job
	if job.ErrorMessage != nil {
		msg := *job.ErrorMessage
		c.ErrorMessage = &msg
	}
	if job.Result != nil {
		r := *job.Result
		c.Result = &r
	}
	if job.StartedAt != nil {
		ts := *job.StartedAt
		c.StartedAt = &ts
	}
	if job.CompletedAt != nil {
		ts := *job.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}
