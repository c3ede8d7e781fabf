package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/slidevoice/api/internal/service"
)

const (
	TaskTypePresentation = "presentation:render"
	QueuePipeline        = "pipeline"

	// upper bound for one whole job when run through asynq
	taskTimeout = 2 * time.Hour
)

var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// Dispatcher schedules a job's pipeline without waiting for it.
type Dispatcher interface {
	Submit(ctx context.Context, jobID string) error
}

// JobRunner executes one job to completion.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// LocalDispatcher runs jobs on goroutines in this process, at most
// `concurrency` at a time.
type LocalDispatcher struct {
	runner JobRunner
	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logrus.Logger

	// guards closed and every wg.Add against Shutdown's Wait
	mu     sync.Mutex
	closed bool
}

func NewLocalDispatcher(runner JobRunner, concurrency int, logger *logrus.Logger) *LocalDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		runner: runner,
		slots:  make(chan struct{}, concurrency),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Submit starts the job in the background. The request context is not
// used for the run so the job outlives the HTTP request.
func (d *LocalDispatcher) Submit(_ context.Context, jobID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()

		select {
		case d.slots <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.slots }()

		if err := d.runner.Run(d.ctx, jobID); err != nil {
			d.logger.WithError(err).WithField("task_id", jobID).Debug("Job finished with error")
		}
	}()
	return nil
}

// Wait blocks until every submitted job has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown cancels running jobs and waits for them to record their state.
// Submit fails with ErrDispatcherClosed once Shutdown has begun.
func (d *LocalDispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}

type presentationPayload struct {
	TaskID string `json:"taskId"`
}

// NewPresentationTask builds the asynq task for a job.
func NewPresentationTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(presentationPayload{TaskID: jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(TaskTypePresentation, data), nil
}

// AsynqDispatcher enqueues jobs on redis. The job registry is in memory, so
// the asynq server must run in the same process.
type AsynqDispatcher struct {
	client *asynq.Client
}

func NewAsynqDispatcher(client *asynq.Client) *AsynqDispatcher {
	return &AsynqDispatcher{client: client}
}

func (d *AsynqDispatcher) Submit(ctx context.Context, jobID string) error {
	task, err := NewPresentationTask(jobID)
	if err != nil {
		return err
	}
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueuePipeline),
		asynq.MaxRetry(0),
		asynq.Timeout(taskTimeout),
		asynq.TaskID(jobID),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// TaskHandler is the asynq handler for presentation tasks.
type TaskHandler struct {
	runner JobRunner
	logger *logrus.Logger
}

func NewTaskHandler(runner JobRunner, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{runner: runner, logger: logger}
}

// ProcessTask handles presentation task processing
func (h *TaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload presentationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.TaskID == "" {
		return fmt.Errorf("task payload has no task id: %w", asynq.SkipRetry)
	}

	log := h.logger.WithField("task_id", payload.TaskID)
	log.Info("Processing presentation task")
	err := h.runner.Run(ctx, payload.TaskID)
	if err == nil {
		return nil
	}
	if errors.Is(err, service.ErrJobNotFound) {
		log.Warn("Task refers to an unknown job")
	}
	// failures are recorded on the job itself; a new upload is the retry path
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}
