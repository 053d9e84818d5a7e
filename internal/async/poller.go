package async

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/kelsos/pvectl/internal/client"
	"github.com/kelsos/pvectl/internal/config"
	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	// timeoutSlack widens a timeout shorter than one poll interval.
	timeoutSlack = 5 * time.Second
)

// ErrTaskTimeout is returned by strict waits that give up while the task is still running.
var ErrTaskTimeout = errors.New("timed out waiting for task")

// StatusQuerier is the slice of the API client the poller needs.
type StatusQuerier interface {
	Get(ctx context.Context, path string, params map[string]any) (*models.Result, error)
}

// PollEvent describes one status query.
type PollEvent struct {
	Handle  models.TaskHandle
	Attempt int
	Elapsed time.Duration
	Timeout time.Duration
	Status  models.TaskStatus
	Err     error
}

// Options controls a wait.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// Strict makes a timed out wait return ErrTaskTimeout. Lenient waits
	// return the last observed status and no error.
	Strict bool
	OnPoll func(PollEvent)
}

// Normalize applies the defaulting rules: a non-positive interval becomes
// 500ms and a timeout shorter than the interval becomes interval+5s.
func (o Options) Normalize() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Timeout < o.PollInterval {
		o.Timeout = o.PollInterval + timeoutSlack
	}
	return o
}

// Poller waits for PVE tasks to leave the running state.
type Poller struct {
	client StatusQuerier
}

// NewPoller builds a poller on c. An *client.APIClient is pinned to its JSON
// view since task status is only served as JSON.
func NewPoller(c StatusQuerier) *Poller {
	if api, ok := c.(*client.APIClient); ok {
		c = api.WithResponseType(config.ResponseTypeJSON)
	}
	return &Poller{client: c}
}

// StatusPath is the API path of a task's status resource.
func StatusPath(h models.TaskHandle) string {
	return fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(h.Node), url.PathEscape(h.UPID))
}

// WaitForTask blocks until the task is no longer running, the timeout elapses
// or ctx is done. The first query is issued immediately and later ones no
// sooner than one poll interval after the previous one.
//
// A failed status query is logged and counted as "still running".
func (p *Poller) WaitForTask(ctx context.Context, handle models.TaskHandle, opts Options) (models.TaskStatus, error) {
	opts = opts.Normalize()
	waitID := uuid.NewString()
	logger.Debug("[%s] waiting for task %s (interval %v, timeout %v)", waitID, handle, opts.PollInterval, opts.Timeout)

	start := time.Now()
	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	status := models.TaskStatus{Status: models.TaskStateRunning}
	var lastErr error

	for attempt := 1; ; attempt++ {
		queriedAt := time.Now()
		current, err := p.QueryStatus(ctx, handle)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return status, ctxErr
			}
			lastErr = err
			logger.Warn("[%s] status query %d for task %s failed: %v", waitID, attempt, handle, err)
		} else {
			status = current
			lastErr = nil
		}

		elapsed := time.Since(start)
		if opts.OnPoll != nil {
			opts.OnPoll(PollEvent{
				Handle:  handle,
				Attempt: attempt,
				Elapsed: elapsed,
				Timeout: opts.Timeout,
				Status:  status,
				Err:     err,
			})
		}

		if !status.Running() {
			logger.Debug("[%s] task %s finished after %v with status %s %s", waitID, handle, elapsed, status.Status, status.ExitStatus)
			return status, nil
		}

		if elapsed >= opts.Timeout {
			return p.timedOut(waitID, handle, status, opts, elapsed, lastErr)
		}

		pause := time.NewTimer(opts.PollInterval - time.Since(queriedAt))
		select {
		case <-ctx.Done():
			pause.Stop()
			return status, ctx.Err()
		case <-deadline.C:
			pause.Stop()
			return p.timedOut(waitID, handle, status, opts, time.Since(start), lastErr)
		case <-pause.C:
		}
	}
}

func (p *Poller) timedOut(
	waitID string,
	handle models.TaskHandle,
	status models.TaskStatus,
	opts Options,
	elapsed time.Duration,
	lastErr error,
) (models.TaskStatus, error) {
	logger.Warn("[%s] gave up on task %s after %v", waitID, handle, elapsed)
	if !opts.Strict {
		return status, nil
	}
	if lastErr != nil {
		return status, fmt.Errorf("%w %s after %v: last query failed: %w", ErrTaskTimeout, handle, elapsed, lastErr)
	}
	return status, fmt.Errorf("%w %s after %v", ErrTaskTimeout, handle, elapsed)
}

// QueryStatus performs a single status query.
func (p *Poller) QueryStatus(ctx context.Context, handle models.TaskHandle) (models.TaskStatus, error) {
	result, err := p.client.Get(ctx, StatusPath(handle), nil)
	if err != nil {
		return models.TaskStatus{}, err
	}
	if !result.IsSuccess() {
		return models.TaskStatus{}, fmt.Errorf("status query: %w", result.Err())
	}

	var response models.APIResponse[models.TaskStatus]
	if err := result.Decode(&response); err != nil {
		return models.TaskStatus{}, err
	}
	if response.Data.Status == "" {
		return models.TaskStatus{}, errors.New("status query: empty task status")
	}
	return response.Data, nil
}

// TaskIsRunning reports whether the task currently reports "running".
func (p *Poller) TaskIsRunning(ctx context.Context, handle models.TaskHandle) (bool, error) {
	status, err := p.QueryStatus(ctx, handle)
	if err != nil {
		return false, err
	}
	return status.Running(), nil
}

// ExitStatus returns the exit status of a finished task ("OK" on success).
func (p *Poller) ExitStatus(ctx context.Context, handle models.TaskHandle) (string, error) {
	status, err := p.QueryStatus(ctx, handle)
	if err != nil {
		return "", err
	}
	return status.ExitStatus, nil
}
