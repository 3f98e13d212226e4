package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"astoria/internal/daemonrun"
	"astoria/internal/ipc"
)

var daemonCommands = []struct {
	use     string
	manager string
	short   string
}{
	{use: "diskd", manager: ipc.ManagerDisk, short: "Run the disk manager"},
	{use: "metad", manager: ipc.ManagerMetadata, short: "Run the metadata manager"},
	{use: "procd", manager: ipc.ManagerProcess, short: "Run the process manager"},
}

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	commands := make([]*cobra.Command, 0, len(daemonCommands))
	for _, spec := range daemonCommands {
		var logLevel string
		cmd := &cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				return daemonrun.Run(cmd.Context(), cfg, spec.manager, daemonrun.Options{LogLevel: logLevel})
			},
		}
		cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
		commands = append(commands, cmd)
	}
	return commands
}
