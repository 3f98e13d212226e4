package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"astoria/internal/disks"
	"astoria/internal/ipc"
)

func newDisksCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "disks",
		Short: "List the volumes known to the disk manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap disks.Snapshot
			if _, err := ctx.readState(cmd, ipc.ManagerDisk, &snap); err != nil {
				return err
			}
			vols := snap.Disks.Sorted()
			if jsonOutput {
				return writeJSON(cmd, vols)
			}
			out := cmd.OutOrStdout()
			if len(vols) == 0 {
				fmt.Fprintln(out, "No disks")
				return nil
			}
			rows := make([][]string, 0, len(vols))
			for _, vol := range vols {
				rows = append(rows, []string{vol.UUID, vol.MountPath, string(vol.Category)})
			}
			fmt.Fprintln(out, renderTable("", []string{"UUID", "Mount Path", "Category"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newStaticDiskCommand(ctx *commandContext) *cobra.Command {
	staticCmd := &cobra.Command{
		Use:   "static-disk",
		Short: "Register directories as disks",
	}

	staticCmd.AddCommand(&cobra.Command{
		Use:   "add PATH",
		Short: "Register a directory as a static disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			err = ctx.call(cmd, func(c context.Context, r *ipc.Requester, timeout time.Duration) (ipc.ResponseEnvelope, error) {
				return r.AddStaticDisk(c, path, timeout)
			})
			if err != nil {
				return fmt.Errorf("add static disk: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added static disk %s\n", path)
			return nil
		},
	})

	staticCmd.AddCommand(&cobra.Command{
		Use:   "remove PATH",
		Short: "Remove a static disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			err = ctx.call(cmd, func(c context.Context, r *ipc.Requester, timeout time.Duration) (ipc.ResponseEnvelope, error) {
				return r.RemoveStaticDisk(c, path, timeout)
			})
			if err != nil {
				return fmt.Errorf("remove static disk: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed static disk %s\n", path)
			return nil
		},
	})

	staticCmd.AddCommand(&cobra.Command{
		Use:   "remove-all",
		Short: "Remove every static disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := ctx.call(cmd, func(c context.Context, r *ipc.Requester, timeout time.Duration) (ipc.ResponseEnvelope, error) {
				return r.RemoveAllStaticDisks(c, timeout)
			})
			if err != nil {
				return fmt.Errorf("remove static disks: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Removed all static disks")
			return nil
		},
	})

	return staticCmd
}
