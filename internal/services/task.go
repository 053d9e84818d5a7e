package services

import (
	"context"
	"fmt"

	"github.com/kelsos/pvectl/internal/async"
	"github.com/kelsos/pvectl/internal/client"
	"github.com/kelsos/pvectl/internal/endpoints"
	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
)

// TaskFilter narrows a task listing. Zero values are left out.
type TaskFilter struct {
	Start      int
	Limit      int
	VMID       int
	TypeFilter string
	UserFilter string
	ErrorsOnly bool
	Source     string
}

func (f TaskFilter) args() map[string]any {
	args := map[string]any{}
	if f.Start > 0 {
		args["start"] = f.Start
	}
	if f.Limit > 0 {
		args["limit"] = f.Limit
	}
	if f.VMID > 0 {
		args["vmid"] = f.VMID
	}
	if f.TypeFilter != "" {
		args["typefilter"] = f.TypeFilter
	}
	if f.UserFilter != "" {
		args["userfilter"] = f.UserFilter
	}
	if f.ErrorsOnly {
		args["errors"] = true
	}
	if f.Source != "" {
		args["source"] = f.Source
	}
	return args
}

// TaskService handles task-related operations
type TaskService struct {
	client *client.APIClient
	poller *async.Poller
}

func NewTaskService(client *client.APIClient, poller *async.Poller) *TaskService {
	return &TaskService{
		client: client,
		poller: poller,
	}
}

// Status reads the current status of a task
func (s *TaskService) Status(ctx context.Context, handle models.TaskHandle) (models.TaskStatus, error) {
	status, err := s.poller.QueryStatus(ctx, handle)
	if err != nil {
		return models.TaskStatus{}, fmt.Errorf("failed to get status of task %s: %w", handle, err)
	}
	return status, nil
}

// Log reads the task log, optionally paginated
func (s *TaskService) Log(ctx context.Context, handle models.TaskHandle, start, limit int) ([]models.TaskLogLine, error) {
	args := map[string]any{"node": handle.Node, "upid": handle.UPID}
	if start > 0 {
		args["start"] = start
	}
	if limit > 0 {
		args["limit"] = limit
	}

	var response models.APIResponse[[]models.TaskLogLine]
	if err := call(ctx, s.client, "tasks.log", args, &response); err != nil {
		return nil, fmt.Errorf("failed to get log of task %s: %w", handle, err)
	}
	return response.Data, nil
}

// List reads the task list of a node
func (s *TaskService) List(ctx context.Context, node string, filter TaskFilter) ([]models.TaskListEntry, error) {
	args := filter.args()
	args["node"] = node

	var response models.APIResponse[[]models.TaskListEntry]
	if err := call(ctx, s.client, "tasks.list", args, &response); err != nil {
		return nil, fmt.Errorf("failed to list tasks on %s: %w", node, err)
	}

	logger.Debug("Found %d tasks on node %s", len(response.Data), node)
	return response.Data, nil
}

// Stop asks the server to abort a running task
func (s *TaskService) Stop(ctx context.Context, handle models.TaskHandle) error {
	logger.Info("Stopping task %s", handle)
	if err := call(ctx, s.client, "tasks.stop", map[string]any{"node": handle.Node, "upid": handle.UPID}, nil); err != nil {
		return fmt.Errorf("failed to stop task %s: %w", handle, err)
	}
	return nil
}

// Wait blocks until the task is no longer running
func (s *TaskService) Wait(ctx context.Context, handle models.TaskHandle, opts async.Options) (models.TaskStatus, error) {
	return s.poller.WaitForTask(ctx, handle, opts)
}

// call builds name from the endpoint table, executes it and decodes the
// response into out (if non-nil).
func call(ctx context.Context, c *client.APIClient, name string, args map[string]any, out any) error {
	req, err := endpoints.Build(name, args)
	if err != nil {
		return err
	}

	result, err := c.Call(ctx, req)
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	return result.Decode(out)
}
