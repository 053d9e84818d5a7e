package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kelsos/pvectl/internal/async"
	"github.com/kelsos/pvectl/internal/config"
	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
	"github.com/kelsos/pvectl/internal/services"
	"github.com/kelsos/pvectl/internal/storage"
	"github.com/kelsos/pvectl/internal/tui"
)

// handleFor builds a task handle, taking the node from the UPID unless given.
func handleFor(node, upid string) (models.TaskHandle, error) {
	if node == "" {
		parsed, err := models.ParseUPID(upid)
		if err != nil {
			return models.TaskHandle{}, fmt.Errorf("cannot derive node, pass --node: %w", err)
		}
		node = parsed.Node
	}
	return models.NewTaskHandle(node, upid)
}

func newTaskCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	var node string

	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and control tasks",
	}
	taskCmd.PersistentFlags().StringVar(&node, "node", "", "Node running the task (default: taken from the UPID)")

	statusCmd := &cobra.Command{
		Use:   "status <upid>",
		Short: "Show the status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := handleFor(node, args[0])
			if err != nil {
				return err
			}
			session, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			status, err := session.Tasks.Status(ctx, handle)
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}

	var start, limit int
	logCmd := &cobra.Command{
		Use:   "log <upid>",
		Short: "Print the log of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := handleFor(node, args[0])
			if err != nil {
				return err
			}
			session, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			lines, err := session.Tasks.Log(ctx, handle, start, limit)
			if err != nil {
				return err
			}
			for _, l := range lines {
				fmt.Println(l.T)
			}
			return nil
		},
	}
	logCmd.Flags().IntVar(&start, "start", 0, "First line to print")
	logCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of lines")

	var filter services.TaskFilter
	listCmd := &cobra.Command{
		Use:   "list <node>",
		Short: "List recent tasks of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			entries, err := session.Tasks.List(ctx, args[0], filter)
			if err != nil {
				return err
			}
			for _, e := range entries {
				status := e.Status
				if status == "" {
					status = string(models.TaskStateRunning)
				}
				fmt.Printf("%-12s %-10s %-16s %s\n", e.Type, e.ID, status, e.UPID)
			}
			return nil
		},
	}
	listCmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum number of tasks")
	listCmd.Flags().IntVar(&filter.VMID, "vmid", 0, "Only tasks of this guest")
	listCmd.Flags().StringVar(&filter.TypeFilter, "type", "", "Only tasks of this type")
	listCmd.Flags().StringVar(&filter.UserFilter, "user", "", "Only tasks of this user")
	listCmd.Flags().BoolVar(&filter.ErrorsOnly, "errors", false, "Only failed tasks")
	listCmd.Flags().StringVar(&filter.Source, "source", "", "archive, active or all")

	stopCmd := &cobra.Command{
		Use:   "stop <upid>",
		Short: "Abort a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := handleFor(node, args[0])
			if err != nil {
				return err
			}
			session, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			return session.Tasks.Stop(ctx, handle)
		},
	}

	taskCmd.AddCommand(statusCmd, logCmd, listCmd, stopCmd)
	return taskCmd
}

func newWaitCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	var (
		node   string
		useTUI bool
	)

	cmd := &cobra.Command{
		Use:   "wait <upid>...",
		Short: "Wait for tasks to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handles := make([]models.TaskHandle, 0, len(args))
			for _, upid := range args {
				h, err := handleFor(node, upid)
				if err != nil {
					return err
				}
				handles = append(handles, h)
			}

			if useTUI {
				return waitWithTUI(ctx, cfg, handles)
			}

			session, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer session.Cleanup()

			if len(handles) == 1 {
				return waitOne(ctx, session, handles[0])
			}
			return summarize(session.TaskManager().WaitAll(ctx, handles))
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "Node running the tasks (default: taken from each UPID)")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show a terminal UI while waiting")
	return cmd
}

// waitWithTUI moves logging to a rotating file so it does not tear the UI.
func waitWithTUI(ctx context.Context, cfg *config.Config, handles []models.TaskHandle) error {
	dataDir, err := storage.GetAppDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	logPath, err := logger.InitFileOnly(filepath.Join(dataDir, "logs"))
	if err != nil {
		return err
	}
	defer logger.Close()

	session, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer session.Cleanup()

	monitor := tui.NewTaskMonitor(session, logPath)
	results, err := monitor.Run(ctx, handles)
	if err != nil {
		return err
	}
	return summarize(results)
}

func summarize(results []async.TaskResult) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("%s error: %v\n", r.Handle.UPID, r.Err)
			errs = append(errs, r.Err)
			continue
		}
		if err := reportStatus(r.Handle, r.Status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
