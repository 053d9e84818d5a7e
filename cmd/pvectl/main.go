package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kelsos/pvectl/internal/config"
	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
	"github.com/kelsos/pvectl/internal/services"
	"github.com/kelsos/pvectl/internal/utils"
)

// connect validates the configuration and returns an authenticated session.
func connect(ctx context.Context, cfg *config.Config) (*services.Session, error) {
	cfg.SetBaseURL()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	session := services.NewSession(cfg)
	if err := session.Connect(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// parseParams turns key=value arguments into request parameters. Repeated
// keys become lists.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		switch existing := params[key].(type) {
		case nil:
			params[key] = value
		case string:
			params[key] = []string{existing, value}
		case []string:
			params[key] = append(existing, value)
		}
	}
	return params, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes the payload of result to stdout and turns HTTP failures
// into an error.
func printResult(result *models.Result) error {
	logger.Debug("%d %s (%s)", result.StatusCode, result.ReasonPhrase, result.ContentType)

	switch {
	case result.DataURI != "":
		fmt.Println(result.DataURI)
	case len(result.Body) > 0:
		var doc any
		if err := json.Unmarshal(result.Body, &doc); err != nil {
			fmt.Println(string(result.Body))
		} else if err := printJSON(doc); err != nil {
			return err
		}
	}

	return result.Err()
}

func main() {
	logger.Init()

	cfg := config.NewConfig()
	dataDir := os.Getenv("PVE_DATA_DIR")
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	utils.LoadEnvironment(dataDir)

	if err := cfg.LoadFromEnvironment(); err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "pvectl",
		Short: "A CLI client for the Proxmox VE API",
		Long: `pvectl talks to the Proxmox VE REST API. Besides raw requests it can start
guest operations and wait for the tasks they spawn to finish.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfg.Host, "host", "H", cfg.Host, "Proxmox VE host")
	flags.IntVarP(&cfg.Port, "port", "p", cfg.Port, "API port")
	flags.StringVar(&cfg.ResponseType, "response-type", cfg.ResponseType, "Response type (json or png)")
	flags.BoolVarP(&cfg.InsecureSkipVerify, "insecure", "k", cfg.InsecureSkipVerify, "Skip TLS certificate verification")
	flags.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Timeout of a single HTTP request")
	flags.StringVarP(&cfg.Username, "username", "u", cfg.Username, "User name, optionally as user@realm")
	flags.StringVar(&cfg.Realm, "realm", cfg.Realm, "Authentication realm")
	flags.StringVar(&cfg.APIToken, "api-token", cfg.APIToken, "API token (user@realm!tokenid=secret)")
	flags.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Interval between task status queries")
	flags.DurationVar(&cfg.TaskTimeout, "timeout", cfg.TaskTimeout, "Maximum time to wait for a task")
	flags.BoolVar(&cfg.StrictWait, "strict", cfg.StrictWait, "Fail when a task is still running at the timeout")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for the session cache and logs")

	rootCmd.AddCommand(
		newLoginCmd(ctx, cfg),
		newLogoutCmd(ctx, cfg),
		newVersionCmd(ctx, cfg),
		newNodesCmd(ctx, cfg),
		newEndpointsCmd(),
		newCallCmd(ctx, cfg),
		newTaskCmd(ctx, cfg),
		newWaitCmd(ctx, cfg),
		newGuestCmd(ctx, cfg),
	)
	rootCmd.AddCommand(newRawCmds(ctx, cfg)...)

	if err := rootCmd.Execute(); err != nil {
		logger.Fatal("%v", err)
	}
}

func newLoginCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Request a new ticket and cache it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.SetBaseURL()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			session := services.NewSession(cfg)
			return session.Login(ctx)
		},
	}
}

func newLogoutCmd(_ context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the cached ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.SetBaseURL()
			return services.NewSession(cfg).Logout()
		},
	}
}

func newVersionCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the API version of the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			v, err := session.Nodes.Version(ctx)
			if err != nil {
				return err
			}
			return printJSON(v)
		},
	}
}

func newNodesCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List cluster nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			nodes, err := session.Nodes.List(ctx)
			if err != nil {
				return err
			}
			for _, n := range nodes {
				fmt.Printf("%-16s %-8s cpu %5.1f%%  mem %d/%d\n", n.Node, n.Status, n.CPU*100, n.Mem, n.MaxMem)
			}
			return nil
		},
	}
}
