package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
)

// warnFraction is the fill level at which Enqueue starts logging warnings.
const warnFraction = 0.8

// TaskQueueSet holds the four bounded task queues. Each queue is a buffered
// channel; producers block up to a timeout when a queue is full and then
// get domain.ErrQueueFull.
type TaskQueueSet struct {
	generate chan *TaskContext
	poll     chan *TaskContext
	download chan *TaskContext
	verify   chan *TaskContext

	size    int
	timeout time.Duration
	logger  *slog.Logger
}

// NewTaskQueueSet creates the queue set with the given per-queue capacity.
func NewTaskQueueSet(size int, timeout time.Duration, logger *slog.Logger) *TaskQueueSet {
	if size <= 0 {
		size = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskQueueSet{
		generate: make(chan *TaskContext, size),
		poll:     make(chan *TaskContext, size),
		download: make(chan *TaskContext, size),
		verify:   make(chan *TaskContext, size),
		size:     size,
		timeout:  timeout,
		logger:   logger,
	}
}

func (q *TaskQueueSet) channel(t domain.TaskType) chan *TaskContext {
	switch t {
	case domain.TaskGenerate:
		return q.generate
	case domain.TaskPoll:
		return q.poll
	case domain.TaskDownload:
		return q.download
	case domain.TaskVerify:
		return q.verify
	}
	return nil
}

// Enqueue places a task on its queue. It blocks up to the enqueue timeout
// when the queue is full and returns domain.ErrQueueFull on expiry; the
// caller decides whether to fail the job or retry later.
func (q *TaskQueueSet) Enqueue(ctx context.Context, task *TaskContext) error {
	ch := q.channel(task.Type)
	if ch == nil {
		return domain.ErrQueueFull
	}

	if depth := len(ch); float64(depth) >= warnFraction*float64(q.size) {
		q.logger.Warn("task queue nearly full",
			"queue", string(task.Type),
			"depth", depth,
			"capacity", q.size,
		)
	}

	select {
	case ch <- task:
		return nil
	default:
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case ch <- task:
		return nil
	case <-timer.C:
		q.logger.Error("enqueue timed out, queue full",
			"queue", string(task.Type), "job_id", task.JobID)
		return domain.ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a task of the given type is available or ctx ends.
func (q *TaskQueueSet) Dequeue(ctx context.Context, t domain.TaskType) (*TaskContext, error) {
	ch := q.channel(t)
	select {
	case task := <-ch:
		return task, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryDequeue returns a task of the given type without blocking, or nil.
func (q *TaskQueueSet) TryDequeue(t domain.TaskType) *TaskContext {
	select {
	case task := <-q.channel(t):
		return task
	default:
		return nil
	}
}

// DrainUpTo removes at most n tasks of the given type without blocking.
func (q *TaskQueueSet) DrainUpTo(t domain.TaskType, n int) []*TaskContext {
	var tasks []*TaskContext
	for len(tasks) < n {
		task := q.TryDequeue(t)
		if task == nil {
			break
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// Depths reports the current fill level of every queue.
func (q *TaskQueueSet) Depths() map[domain.TaskType]int {
	return map[domain.TaskType]int{
		domain.TaskGenerate: len(q.generate),
		domain.TaskPoll:     len(q.poll),
		domain.TaskDownload: len(q.download),
		domain.TaskVerify:   len(q.verify),
	}
}
