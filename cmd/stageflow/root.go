package main

import (
	"github.com/spf13/cobra"

	"stageflow/pkg/version"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stageflow",
		Short:         "Staged workflow orchestration engine",
		Long:          "stageflow classifies a request, then answers it directly or decomposes it into items executed through tool servers.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to YAML config (defaults plus STAGEFLOW_* env when empty)")

	root.AddCommand(
		newRunCmd(),
		newStatesCmd(),
		newHistoryCmd(),
		newEventsCmd(),
		newStatsCmd(),
	)
	return root
}
