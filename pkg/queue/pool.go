// Package queue runs many independent tasks concurrently through a worker
// pool. Tasks never share state directories, so workers coordinate only on
// the in-process job channel; steps of a single task never interleave.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentforge/agentforge/pkg/models"
)

// TaskRunner executes one task to termination. Implemented by the fix
// workflow / executor; the pool is agnostic to what a task does.
type TaskRunner interface {
	RunTask(ctx context.Context, taskID string) (models.FinalStatus, error)
}

// Job is one queued task.
type Job struct {
	TaskID string
}

// JobResult reports how a queued task ended.
type JobResult struct {
	TaskID   string
	Status   models.FinalStatus
	Err      error
	Duration time.Duration
}

// Pool manages workers draining a job channel.
type Pool struct {
	runner      TaskRunner
	workerCount int
	taskTimeout time.Duration

	jobs    chan Job
	results chan JobResult
	stopCh  chan struct{}
	stopOne sync.Once
	wg      sync.WaitGroup

	mu          sync.RWMutex
	activeTasks map[string]context.CancelFunc
	started     bool
}

// NewPool creates a pool. taskTimeout bounds a single task run; zero means
// no bound beyond the caller's context.
func NewPool(runner TaskRunner, workerCount int, taskTimeout time.Duration) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{
		runner:      runner,
		workerCount: workerCount,
		taskTimeout: taskTimeout,
		jobs:        make(chan Job, workerCount*4),
		results:     make(chan JobResult, workerCount*4),
		stopCh:      make(chan struct{}),
		activeTasks: map[string]context.CancelFunc{},
	}
}

// Start spawns the worker goroutines. Safe to call once; later calls are
// no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true
	p.mu.Unlock()

	slog.Info("Starting worker pool", "worker_count", p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
}

// Submit enqueues a task. Returns false once the pool is stopping.
func (p *Pool) Submit(taskID string) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}
	select {
	case p.jobs <- Job{TaskID: taskID}:
		return true
	case <-p.stopCh:
		return false
	}
}

// Results exposes the completion channel.
func (p *Pool) Results() <-chan JobResult {
	return p.results
}

// Stop signals workers to finish their current tasks and waits for them.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")
	p.stopOne.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	close(p.results)
	slog.Info("Worker pool stopped")
}

// CancelTask cancels a task currently running on this pool. Returns true
// if the task was found.
func (p *Pool) CancelTask(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cancel, ok := p.activeTasks[taskID]
	if ok {
		cancel()
	}
	return ok
}

// ActiveTasks lists task ids currently being processed.
func (p *Pool) ActiveTasks() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeTasks))
	for id := range p.activeTasks {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	slog.Debug("Worker started", "worker_id", workerID)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.process(ctx, workerID, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job Job) {
	started := time.Now()
	taskCtx, cancel := context.WithCancel(ctx)
	if p.taskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.taskTimeout)
	}
	defer cancel()

	p.mu.Lock()
	p.activeTasks[job.TaskID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.activeTasks, job.TaskID)
		p.mu.Unlock()
	}()

	slog.Info("Worker picked up task", "worker_id", workerID, "task_id", job.TaskID)
	status, err := p.runner.RunTask(taskCtx, job.TaskID)
	if err != nil {
		slog.Error("Task run failed", "worker_id", workerID, "task_id", job.TaskID, "error", err)
	}

	result := JobResult{
		TaskID:   job.TaskID,
		Status:   status,
		Err:      err,
		Duration: time.Since(started),
	}
	select {
	case p.results <- result:
	default:
		slog.Warn("Result channel full, dropping result", "task_id", job.TaskID)
	}
}
