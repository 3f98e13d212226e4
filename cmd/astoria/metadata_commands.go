package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"astoria/internal/ipc"
	"astoria/internal/metadata"
)

func newMetadataCommand(ctx *commandContext) *cobra.Command {
	metadataCmd := &cobra.Command{
		Use:   "metadata",
		Short: "Inspect or override robot metadata",
	}

	metadataCmd.AddCommand(&cobra.Command{
		Use:   "set ATTR [VALUE]",
		Short: "Override a mutable attribute; omit VALUE to clear the override",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			attr := args[0]
			value := ""
			if len(args) == 2 {
				value = args[1]
			}
			err := ctx.call(cmd, func(c context.Context, r *ipc.Requester, timeout time.Duration) (ipc.ResponseEnvelope, error) {
				return r.Mutate(c, attr, value, timeout)
			})
			if err != nil {
				return fmt.Errorf("set %s: %w", attr, err)
			}
			out := cmd.OutOrStdout()
			if value == "" {
				fmt.Fprintf(out, "Cleared override for %s\n", attr)
			} else {
				fmt.Fprintf(out, "Set %s to %s\n", attr, value)
			}
			return nil
		},
	})

	var jsonOutput bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap metadata.Snapshot
			env, err := ctx.readState(cmd, ipc.ManagerMetadata, &snap)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, snap.Metadata)
			}
			rows, err := metadataRows(snap.Metadata)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderFields("Metadata", rows))
			if env.Status != ipc.StatusRunning {
				fmt.Fprintf(out, "%s is %s; showing defaults\n", ipc.ManagerMetadata, env.Status)
			}
			return nil
		},
	}
	showCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	metadataCmd.AddCommand(showCmd)

	return metadataCmd
}

// metadataRows flattens md into field/value pairs ordered by field name.
func metadataRows(md metadata.Metadata) ([][]string, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		value := fields[name]
		display := ""
		switch v := value.(type) {
		case nil:
			display = "-"
		case bool:
			display = yesNo(v)
		default:
			display = fmt.Sprint(v)
		}
		rows = append(rows, []string{name, display})
	}
	return rows, nil
}
