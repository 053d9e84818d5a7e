package async

import (
	"context"
	"errors"
	"fmt"

	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
)

// Requester performs a raw API call.
type Requester interface {
	Do(ctx context.Context, method, path string, params map[string]any) (*models.Result, error)
}

// Start issues a call that spawns a server-side task and returns its handle.
func Start(ctx context.Context, c Requester, node, method, path string, params map[string]any) (models.TaskHandle, error) {
	result, err := c.Do(ctx, method, path, params)
	if err != nil {
		return models.TaskHandle{}, fmt.Errorf("failed to initiate task: %w", err)
	}
	if err := result.Err(); err != nil {
		return models.TaskHandle{}, fmt.Errorf("failed to initiate task: %w", err)
	}

	var response models.APIResponse[string]
	if err := result.Decode(&response); err != nil {
		return models.TaskHandle{}, fmt.Errorf("failed to read task id: %w", err)
	}
	if response.Data == "" {
		return models.TaskHandle{}, errors.New("response carried no task id")
	}

	logger.Debug("%s %s started task %s", method, path, response.Data)
	return models.NewTaskHandle(node, response.Data)
}

// Run starts a task and waits for it to finish.
func Run(
	ctx context.Context,
	c Requester,
	poller *Poller,
	node, method, path string,
	params map[string]any,
	opts Options,
) (models.TaskHandle, models.TaskStatus, error) {
	handle, err := Start(ctx, c, node, method, path, params)
	if err != nil {
		return models.TaskHandle{}, models.TaskStatus{}, err
	}

	status, err := poller.WaitForTask(ctx, handle, opts)
	return handle, status, err
}
