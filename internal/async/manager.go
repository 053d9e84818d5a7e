package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
)

// TaskResult is the outcome of a monitored task.
type TaskResult struct {
	Handle  models.TaskHandle
	Status  models.TaskStatus
	Elapsed time.Duration
	Err     error
}

// TaskManager waits on several tasks at once, one poller loop per task.
type TaskManager struct {
	poller      *Poller
	options     Options
	activeTasks map[models.TaskHandle]context.CancelFunc
	onUpdate    func(PollEvent)
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

func NewTaskManager(poller *Poller, opts Options) *TaskManager {
	return &TaskManager{
		poller:      poller,
		options:     opts,
		activeTasks: make(map[models.TaskHandle]context.CancelFunc),
	}
}

// OnUpdate installs a callback invoked after every status query of every task.
// It may be called from several goroutines at once.
func (tm *TaskManager) OnUpdate(fn func(PollEvent)) {
	tm.mu.Lock()
	tm.onUpdate = fn
	tm.mu.Unlock()
}

// RegisterTask starts monitoring handle. The returned channel receives exactly
// one result and is then closed.
func (tm *TaskManager) RegisterTask(ctx context.Context, handle models.TaskHandle) <-chan TaskResult {
	resultChan := make(chan TaskResult, 1)

	tm.mu.Lock()
	if _, exists := tm.activeTasks[handle]; exists {
		tm.mu.Unlock()
		resultChan <- TaskResult{Handle: handle, Err: fmt.Errorf("task %s is already monitored", handle)}
		close(resultChan)
		return resultChan
	}

	taskCtx, cancel := context.WithCancel(ctx)
	tm.activeTasks[handle] = cancel
	opts := tm.options
	opts.OnPoll = tm.onUpdate
	tm.wg.Add(1)
	tm.mu.Unlock()

	logger.Debug("Registered task %s for monitoring", handle)

	go func() {
		defer tm.wg.Done()
		defer cancel()

		start := time.Now()
		status, err := tm.poller.WaitForTask(taskCtx, handle, opts)
		elapsed := time.Since(start)

		// deregister before delivering so Active is accurate once the result is read
		tm.mu.Lock()
		delete(tm.activeTasks, handle)
		tm.mu.Unlock()
		logger.Debug("Task %s completed and removed from monitoring", handle)

		resultChan <- TaskResult{
			Handle:  handle,
			Status:  status,
			Elapsed: elapsed,
			Err:     err,
		}
		close(resultChan)
	}()

	return resultChan
}

// WaitAll registers every handle and collects the results in input order.
func (tm *TaskManager) WaitAll(ctx context.Context, handles []models.TaskHandle) []TaskResult {
	channels := make([]<-chan TaskResult, len(handles))
	for i, h := range handles {
		channels[i] = tm.RegisterTask(ctx, h)
	}

	results := make([]TaskResult, len(handles))
	for i, ch := range channels {
		results[i] = <-ch
	}
	return results
}

// Active lists the tasks still being monitored.
func (tm *TaskManager) Active() []models.TaskHandle {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	handles := make([]models.TaskHandle, 0, len(tm.activeTasks))
	for h := range tm.activeTasks {
		handles = append(handles, h)
	}
	return handles
}

// Stop cancels all outstanding waits and blocks until they have returned.
func (tm *TaskManager) Stop() {
	tm.mu.Lock()
	for _, cancel := range tm.activeTasks {
		cancel()
	}
	tm.mu.Unlock()

	tm.wg.Wait()
}
