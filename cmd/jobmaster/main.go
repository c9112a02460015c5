package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "jobmaster",
		Short:         "jobmaster schedules events and runs their jobs across servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./jobmaster.yaml", "path to config (yaml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the scheduler until SIGINT/SIGTERM",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the config file and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return validate(cmd.OutOrStdout(), cfgPath)
			},
		},
		newPredictCmd(&cfgPath),
	)
	return root
}
