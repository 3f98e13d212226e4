package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"astoria/internal/ipc"
	"astoria/internal/procd"
)

func newUsercodeCommand(ctx *commandContext) *cobra.Command {
	usercodeCmd := &cobra.Command{
		Use:   "usercode",
		Short: "Control the running user code",
	}

	usercodeCmd.AddCommand(&cobra.Command{
		Use:   "kill",
		Short: "Stop the running user code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := ctx.callStopping(cmd, func(c context.Context, r *ipc.Requester, timeout time.Duration) (ipc.ResponseEnvelope, error) {
				return r.Kill(c, timeout)
			})
			if err != nil {
				return fmt.Errorf("kill usercode: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Usercode killed")
			return nil
		},
	})

	usercodeCmd.AddCommand(&cobra.Command{
		Use:   "restart",
		Short: "Restart user code from the inserted volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := ctx.callStopping(cmd, func(c context.Context, r *ipc.Requester, timeout time.Duration) (ipc.ResponseEnvelope, error) {
				return r.Restart(c, timeout)
			})
			if err != nil {
				return fmt.Errorf("restart usercode: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Usercode restarted")
			return nil
		},
	})

	var jsonOutput bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the user code status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap procd.Snapshot
			if _, err := ctx.readState(cmd, ipc.ManagerProcess, &snap); err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, snap)
			}
			rows := [][]string{{"Status", string(snap.CodeStatus)}}
			if snap.DiskInfo != nil {
				rows = append(rows, []string{"Disk", snap.DiskInfo.UUID}, []string{"Mount path", snap.DiskInfo.MountPath})
			}
			if snap.RunID != "" {
				rows = append(rows, []string{"Run", snap.RunID})
			}
			if snap.PID > 0 {
				rows = append(rows, []string{"PID", fmt.Sprint(snap.PID)})
			}
			if snap.ExitCode != nil {
				rows = append(rows, []string{"Exit code", fmt.Sprint(*snap.ExitCode)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderFields("Usercode", rows))
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	usercodeCmd.AddCommand(statusCmd)

	return usercodeCmd
}
