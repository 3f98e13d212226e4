package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	return newRootCommandWithDialer(dialMQTT)
}

func newRootCommandWithDialer(dial dialFunc) *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag, dial)

	rootCmd := &cobra.Command{
		Use:           "astoria",
		Short:         "Astoria robot management",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().DurationVar(&ctx.timeout, "timeout", 0, "Request timeout (default from config)")

	for _, cmd := range newDaemonCommands(ctx) {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newUsercodeCommand(ctx))
	rootCmd.AddCommand(newMetadataCommand(ctx))
	rootCmd.AddCommand(newDisksCommand(ctx))
	rootCmd.AddCommand(newStaticDiskCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
