package services

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kelsos/pvectl/internal/async"
	"github.com/kelsos/pvectl/internal/client"
	"github.com/kelsos/pvectl/internal/endpoints"
	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
)

// GuestType selects between virtual machines and containers.
type GuestType string

const (
	GuestQemu GuestType = "qemu"
	GuestLXC  GuestType = "lxc"
)

// ParseGuestType validates a guest type name.
func ParseGuestType(s string) (GuestType, error) {
	switch GuestType(s) {
	case GuestQemu, GuestLXC:
		return GuestType(s), nil
	}
	return "", fmt.Errorf("guest type must be %q or %q, got %q", GuestQemu, GuestLXC, s)
}

// Guest addresses a VM or container on a node.
type Guest struct {
	Node string
	Type GuestType
	VMID int
}

func (g Guest) String() string {
	return fmt.Sprintf("%s/%s/%d", g.Node, g.Type, g.VMID)
}

func (g Guest) args(extra map[string]any) map[string]any {
	args := map[string]any{"node": g.Node, "vmid": g.VMID}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

// CloneOptions configures a clone. Name is the VM name or container hostname.
type CloneOptions struct {
	NewID   int
	Name    string
	Full    bool
	Target  string
	Storage string
	Pool    string
}

// BackupOptions configures a vzdump run for one guest.
type BackupOptions struct {
	Storage  string
	Mode     string
	Compress string
	Remove   bool
}

// GuestService starts long-running guest operations. Every operation returns
// the handle of the spawned task.
type GuestService struct {
	client *client.APIClient
}

func NewGuestService(client *client.APIClient) *GuestService {
	return &GuestService{client: client}
}

func (s *GuestService) Start(ctx context.Context, g Guest) (models.TaskHandle, error) {
	return s.spawn(ctx, g, "start", nil)
}

func (s *GuestService) Stop(ctx context.Context, g Guest) (models.TaskHandle, error) {
	return s.spawn(ctx, g, "stop", nil)
}

// Shutdown requests a clean shutdown, falling back to a hard stop after
// timeout seconds when forceStop is set.
func (s *GuestService) Shutdown(ctx context.Context, g Guest, timeout int, forceStop bool) (models.TaskHandle, error) {
	extra := map[string]any{}
	if timeout > 0 {
		extra["timeout"] = timeout
	}
	if forceStop {
		extra["forceStop"] = true
	}
	return s.spawn(ctx, g, "shutdown", extra)
}

func (s *GuestService) Reboot(ctx context.Context, g Guest) (models.TaskHandle, error) {
	return s.spawn(ctx, g, "reboot", nil)
}

// Migrate moves the guest to target. For containers online maps to restart mode.
func (s *GuestService) Migrate(ctx context.Context, g Guest, target string, online bool) (models.TaskHandle, error) {
	extra := map[string]any{"target": target}
	if online {
		if g.Type == GuestLXC {
			extra["restart"] = true
		} else {
			extra["online"] = true
		}
	}
	return s.spawn(ctx, g, "migrate", extra)
}

func (s *GuestService) Clone(ctx context.Context, g Guest, opts CloneOptions) (models.TaskHandle, error) {
	extra := map[string]any{"newid": opts.NewID}
	if opts.Name != "" {
		if g.Type == GuestLXC {
			extra["hostname"] = opts.Name
		} else {
			extra["name"] = opts.Name
		}
	}
	if opts.Full {
		extra["full"] = true
	}
	if opts.Target != "" {
		extra["target"] = opts.Target
	}
	if opts.Storage != "" {
		extra["storage"] = opts.Storage
	}
	if opts.Pool != "" {
		extra["pool"] = opts.Pool
	}
	return s.spawn(ctx, g, "clone", extra)
}

// Backup runs vzdump for the guest on its node.
func (s *GuestService) Backup(ctx context.Context, g Guest, opts BackupOptions) (models.TaskHandle, error) {
	args := map[string]any{"node": g.Node, "vmid": strconv.Itoa(g.VMID)}
	if opts.Storage != "" {
		args["storage"] = opts.Storage
	}
	if opts.Mode != "" {
		args["mode"] = opts.Mode
	}
	if opts.Compress != "" {
		args["compress"] = opts.Compress
	}
	if opts.Remove {
		args["remove"] = true
	}

	logger.Info("Starting backup of %s", g)
	return s.Run(ctx, "vzdump", args)
}

// Run executes any asynchronous endpoint from the table and returns the task handle.
func (s *GuestService) Run(ctx context.Context, name string, args map[string]any) (models.TaskHandle, error) {
	req, err := endpoints.Build(name, args)
	if err != nil {
		return models.TaskHandle{}, err
	}
	if !req.Async {
		return models.TaskHandle{}, fmt.Errorf("endpoint %s does not start a task", name)
	}

	handle, err := async.Start(ctx, s.client, req.Node, req.Method, req.Path, req.Params)
	if err != nil {
		return models.TaskHandle{}, fmt.Errorf("%s failed: %w", name, err)
	}
	return handle, nil
}

func (s *GuestService) spawn(ctx context.Context, g Guest, action string, extra map[string]any) (models.TaskHandle, error) {
	if _, err := ParseGuestType(string(g.Type)); err != nil {
		return models.TaskHandle{}, err
	}
	logger.Info("Requesting %s of %s", action, g)
	return s.Run(ctx, fmt.Sprintf("%s.%s", g.Type, action), g.args(extra))
}
