package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/slidevoice/api/internal/logging"
	"github.com/slidevoice/api/internal/service"
)

type countingRunner struct {
	mu      sync.Mutex
	ran     []string
	active  atomic.Int32
	peak    atomic.Int32
	release chan struct{}
	err     error
	started atomic.Int32
}

func (r *countingRunner) Run(ctx context.Context, jobID string) error {
	r.started.Add(1)
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	r.mu.Unlock()
	return r.err
}

func TestLocalDispatcherRunsJobs(t *testing.T) {
	runner := &countingRunner{}
	d := NewLocalDispatcher(runner, 2, logging.Discard())

	for _, id := range []string{"a", "b", "c"} {
		if err := d.Submit(context.Background(), id); err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
	}
	d.Wait()

	if len(runner.ran) != 3 {
		t.Fatalf("ran = %v, want 3 jobs", runner.ran)
	}
}

func TestLocalDispatcherBoundsConcurrency(t *testing.T) {
	runner := &countingRunner{release: make(chan struct{})}
	d := NewLocalDispatcher(runner, 2, logging.Discard())

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := d.Submit(context.Background(), id); err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for runner.active.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("jobs never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := runner.active.Load(); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}

	close(runner.release)
	d.Wait()
	if got := runner.peak.Load(); got != 2 {
		t.Fatalf("peak concurrency = %d, want 2", got)
	}
}

func TestLocalDispatcherDetachesFromRequestContext(t *testing.T) {
	runner := &countingRunner{}
	d := NewLocalDispatcher(runner, 1, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Submit(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	cancel()
	d.Wait()

	if len(runner.ran) != 1 {
		t.Fatalf("job should run after the request ends, ran = %v", runner.ran)
	}
}

func TestLocalDispatcherShutdown(t *testing.T) {
	runner := &countingRunner{release: make(chan struct{})}
	d := NewLocalDispatcher(runner, 1, logging.Discard())

	if err := d.Submit(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	d.Shutdown()

	if err := d.Submit(context.Background(), "b"); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("Submit after Shutdown error = %v, want ErrDispatcherClosed", err)
	}
}

// TestLocalDispatcherSubmitRacesShutdown submits from many goroutines while
// Shutdown runs. Every Submit is either accepted or refused, and nothing
// starts once Shutdown has returned.
func TestLocalDispatcherSubmitRacesShutdown(t *testing.T) {
	runner := &countingRunner{}
	d := NewLocalDispatcher(runner, 4, logging.Discard())

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		refused  atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				switch err := d.Submit(context.Background(), "job"); {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrDispatcherClosed):
					refused.Add(1)
				default:
					t.Errorf("Submit() error = %v", err)
					return
				}
			}
		}()
	}

	close(start)
	d.Shutdown()
	after := runner.started.Load()
	wg.Wait()

	if got := accepted.Load() + refused.Load(); got != 16*50 {
		t.Fatalf("submits accounted = %d, want %d", got, 16*50)
	}
	if active := runner.active.Load(); active != 0 {
		t.Fatalf("active runs after Shutdown = %d", active)
	}
	time.Sleep(20 * time.Millisecond)
	if got := runner.started.Load(); got != after {
		t.Fatalf("runs started after Shutdown: %d -> %d", after, got)
	}
	if err := d.Submit(context.Background(), "late"); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("Submit after Shutdown error = %v, want ErrDispatcherClosed", err)
	}
}

func TestNewPresentationTask(t *testing.T) {
	task, err := NewPresentationTask("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Type() != TaskTypePresentation {
		t.Fatalf("type = %q", task.Type())
	}
	var payload map[string]string
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["taskId"] != "job-1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestTaskHandlerProcessTask(t *testing.T) {
	runner := &countingRunner{}
	h := NewTaskHandler(runner, logging.Discard())

	task, _ := NewPresentationTask("job-1")
	if err := h.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask() error = %v", err)
	}
	if len(runner.ran) != 1 || runner.ran[0] != "job-1" {
		t.Fatalf("ran = %v", runner.ran)
	}
}

func TestTaskHandlerSkipsRetry(t *testing.T) {
	cases := []struct {
		name      string
		payload   []byte
		runnerErr error
	}{
		{"bad payload", []byte("{"), nil},
		{"missing id", []byte(`{}`), nil},
		{"unknown job", []byte(`{"taskId":"gone"}`), service.ErrJobNotFound},
		{"pipeline failure", []byte(`{"taskId":"job-1"}`), &StageError{Stage: "extract_pages", Err: errors.New("no pages")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewTaskHandler(&countingRunner{err: tc.runnerErr}, logging.Discard())
			err := h.ProcessTask(context.Background(), asynq.NewTask(TaskTypePresentation, tc.payload))
			if !errors.Is(err, asynq.SkipRetry) {
				t.Fatalf("error = %v, want SkipRetry", err)
			}
		})
	}
}
