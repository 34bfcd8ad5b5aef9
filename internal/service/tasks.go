package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pixelcanvas-api/internal/logging"
	"pixelcanvas-api/internal/metrics"
)

const (
	defaultTaskQueueSize = 1024
	defaultTaskTimeout   = 30 * time.Second
)

// Task is a side effect that runs after the request that caused it has
// completed. Its failure is logged and never reaches the caller.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// TaskQueue runs background tasks one at a time.
type TaskQueue struct {
	tasks   chan Task
	timeout time.Duration
	log     zerolog.Logger
}

// NewTaskQueue creates a queue holding up to size tasks.
func NewTaskQueue(size int) *TaskQueue {
	if size <= 0 {
		size = defaultTaskQueueSize
	}
	return &TaskQueue{
		tasks:   make(chan Task, size),
		timeout: defaultTaskTimeout,
		log:     logging.Component("task-queue"),
	}
}

// Submit enqueues a task without blocking. A full queue drops the task.
func (q *TaskQueue) Submit(name string, run func(ctx context.Context) error) bool {
	select {
	case q.tasks <- Task{Name: name, Run: run}:
		return true
	default:
		metrics.BackgroundTasks.WithLabelValues(name, "dropped").Inc()
		q.log.Warn().Str("task", name).Msg("task queue full, dropping task")
		return false
	}
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	return len(q.tasks)
}

// Serve runs queued tasks until ctx is canceled, then runs whatever is
// still queued before returning.
func (q *TaskQueue) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.RunPending(context.WithoutCancel(ctx))
			return ctx.Err()
		case task := <-q.tasks:
			q.run(ctx, task)
		}
	}
}

func (q *TaskQueue) String() string {
	return "task-queue"
}

// RunPending runs every currently queued task and returns how many ran.
func (q *TaskQueue) RunPending(ctx context.Context) int {
	n := 0
	for {
		select {
		case task := <-q.tasks:
			q.run(ctx, task)
			n++
		default:
			return n
		}
	}
}

func (q *TaskQueue) run(ctx context.Context, task Task) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	if err := task.Run(ctx); err != nil {
		metrics.BackgroundTasks.WithLabelValues(task.Name, "error").Inc()
		q.log.Warn().Err(err).Str("task", task.Name).Msg("background task failed")
		return
	}
	metrics.BackgroundTasks.WithLabelValues(task.Name, "ok").Inc()
}
