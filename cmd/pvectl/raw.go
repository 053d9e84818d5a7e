package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kelsos/pvectl/internal/async"
	"github.com/kelsos/pvectl/internal/config"
	"github.com/kelsos/pvectl/internal/endpoints"
	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
	"github.com/kelsos/pvectl/internal/services"
)

// newRawCmds builds get/create/set/delete, one per HTTP verb.
func newRawCmds(ctx context.Context, cfg *config.Config) []*cobra.Command {
	verbs := []struct {
		name   string
		method string
		short  string
	}{
		{"get", http.MethodGet, "GET a resource"},
		{"create", http.MethodPost, "POST to a resource"},
		{"set", http.MethodPut, "PUT a resource"},
		{"delete", http.MethodDelete, "DELETE a resource"},
	}

	cmds := make([]*cobra.Command, 0, len(verbs))
	for _, verb := range verbs {
		cmds = append(cmds, &cobra.Command{
			Use:   verb.name + " <path> [key=value...]",
			Short: verb.short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				params, err := parseParams(args[1:])
				if err != nil {
					return err
				}
				session, err := connect(ctx, cfg)
				if err != nil {
					return err
				}
				result, err := session.Client().Do(ctx, verb.method, args[0], params)
				if err != nil {
					return err
				}
				return printResult(result)
			},
		})
	}
	return cmds
}

func newEndpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List the endpoints known to call",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, ep := range endpoints.Default().List() {
				marker := ""
				if ep.Async {
					marker = " (task)"
				}
				fmt.Printf("%-20s %-6s %s%s\n", ep.Name, ep.Method, ep.Path, marker)

				var params []string
				for _, p := range ep.Params {
					name := p.Name
					if p.Required {
						name += "*"
					}
					params = append(params, name)
				}
				if len(params) > 0 {
					fmt.Printf("%-20s        params: %s\n", "", strings.Join(params, ", "))
				}
			}
			return nil
		},
	}
}

func newCallCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "call <endpoint> [key=value...]",
		Short: "Call an endpoint from the endpoint table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			req, err := endpoints.Build(args[0], params)
			if err != nil {
				return err
			}

			session, err := connect(ctx, cfg)
			if err != nil {
				return err
			}

			if !req.Async || !wait {
				result, err := session.Client().Call(ctx, req)
				if err != nil {
					return err
				}
				return printResult(result)
			}

			handle, err := async.Start(ctx, session.Client(), req.Node, req.Method, req.Path, req.Params)
			if err != nil {
				return err
			}
			logger.Info("Started task %s", handle.UPID)
			return waitOne(ctx, session, handle)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the spawned task to finish")
	return cmd
}

// waitOne waits for handle and reports its outcome.
func waitOne(ctx context.Context, session *services.Session, handle models.TaskHandle) error {
	status, err := session.Wait(ctx, handle)
	if err != nil {
		return err
	}
	return reportStatus(handle, status)
}

func reportStatus(handle models.TaskHandle, status models.TaskStatus) error {
	switch {
	case status.Running():
		logger.Warn("Task %s is still running", handle.UPID)
		fmt.Printf("%s running\n", handle.UPID)
		return nil
	case status.Succeeded():
		fmt.Printf("%s %s\n", handle.UPID, status.ExitStatus)
		return nil
	}
	fmt.Printf("%s %s\n", handle.UPID, status.ExitStatus)
	return fmt.Errorf("task %s failed: %s", handle.UPID, status.ExitStatus)
}
