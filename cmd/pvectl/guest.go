package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kelsos/pvectl/internal/config"
	"github.com/kelsos/pvectl/internal/models"
	"github.com/kelsos/pvectl/internal/services"
)

type guestFlags struct {
	node      string
	guestType string
	wait      bool
}

func (f *guestFlags) guest(vmid string) (services.Guest, error) {
	id, err := strconv.Atoi(vmid)
	if err != nil {
		return services.Guest{}, fmt.Errorf("invalid vmid %q", vmid)
	}
	gt, err := services.ParseGuestType(f.guestType)
	if err != nil {
		return services.Guest{}, err
	}
	if f.node == "" {
		return services.Guest{}, fmt.Errorf("--node is required")
	}
	return services.Guest{Node: f.node, Type: gt, VMID: id}, nil
}

func newGuestCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	flags := &guestFlags{}

	guestCmd := &cobra.Command{
		Use:   "guest",
		Short: "Start long-running operations on virtual machines and containers",
	}
	guestCmd.PersistentFlags().StringVarP(&flags.node, "node", "n", "", "Node hosting the guest")
	guestCmd.PersistentFlags().StringVarP(&flags.guestType, "type", "t", string(services.GuestQemu), "Guest type (qemu or lxc)")
	guestCmd.PersistentFlags().BoolVarP(&flags.wait, "wait", "w", false, "Wait for the spawned task to finish")

	// action wraps a guest operation into a command taking the vmid.
	action := func(use, short string, op func(*services.GuestService, services.Guest) (models.TaskHandle, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <vmid>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				g, err := flags.guest(args[0])
				if err != nil {
					return err
				}
				session, err := connect(ctx, cfg)
				if err != nil {
					return err
				}
				handle, err := op(session.Guests, g)
				if err != nil {
					return err
				}
				if !flags.wait {
					fmt.Println(handle.UPID)
					return nil
				}
				return waitOne(ctx, session, handle)
			},
		}
	}

	startCmd := action("start", "Start a guest", func(s *services.GuestService, g services.Guest) (models.TaskHandle, error) {
		return s.Start(ctx, g)
	})
	stopCmd := action("stop", "Stop a guest immediately", func(s *services.GuestService, g services.Guest) (models.TaskHandle, error) {
		return s.Stop(ctx, g)
	})
	rebootCmd := action("reboot", "Reboot a guest", func(s *services.GuestService, g services.Guest) (models.TaskHandle, error) {
		return s.Reboot(ctx, g)
	})

	var (
		shutdownTimeout int
		forceStop       bool
	)
	shutdownCmd := action("shutdown", "Shut a guest down cleanly", func(s *services.GuestService, g services.Guest) (models.TaskHandle, error) {
		return s.Shutdown(ctx, g, shutdownTimeout, forceStop)
	})
	shutdownCmd.Flags().IntVar(&shutdownTimeout, "shutdown-timeout", 0, "Seconds to wait for the guest to shut down")
	shutdownCmd.Flags().BoolVar(&forceStop, "force-stop", false, "Stop the guest when the shutdown times out")

	var (
		target string
		online bool
	)
	migrateCmd := action("migrate", "Migrate a guest to another node", func(s *services.GuestService, g services.Guest) (models.TaskHandle, error) {
		return s.Migrate(ctx, g, target, online)
	})
	migrateCmd.Flags().StringVar(&target, "target", "", "Target node")
	migrateCmd.Flags().BoolVar(&online, "online", false, "Live migrate (restart mode for containers)")
	_ = migrateCmd.MarkFlagRequired("target")

	var clone services.CloneOptions
	cloneCmd := action("clone", "Clone a guest", func(s *services.GuestService, g services.Guest) (models.TaskHandle, error) {
		return s.Clone(ctx, g, clone)
	})
	cloneCmd.Flags().IntVar(&clone.NewID, "newid", 0, "VMID of the clone")
	cloneCmd.Flags().StringVar(&clone.Name, "name", "", "Name (or hostname) of the clone")
	cloneCmd.Flags().BoolVar(&clone.Full, "full", false, "Create a full copy instead of a linked clone")
	cloneCmd.Flags().StringVar(&clone.Target, "target", "", "Target node")
	cloneCmd.Flags().StringVar(&clone.Storage, "storage", "", "Target storage for a full clone")
	cloneCmd.Flags().StringVar(&clone.Pool, "pool", "", "Resource pool of the clone")
	_ = cloneCmd.MarkFlagRequired("newid")

	var backup services.BackupOptions
	backupCmd := action("backup", "Back a guest up with vzdump", func(s *services.GuestService, g services.Guest) (models.TaskHandle, error) {
		return s.Backup(ctx, g, backup)
	})
	backupCmd.Flags().StringVar(&backup.Storage, "storage", "", "Backup storage")
	backupCmd.Flags().StringVar(&backup.Mode, "mode", "", "snapshot, suspend or stop")
	backupCmd.Flags().StringVar(&backup.Compress, "compress", "", "Compression (0, 1, gzip, lzo, zstd)")
	backupCmd.Flags().BoolVar(&backup.Remove, "prune", false, "Prune older backups according to the storage retention")

	guestCmd.AddCommand(startCmd, stopCmd, shutdownCmd, rebootCmd, migrateCmd, cloneCmd, backupCmd)
	return guestCmd
}
