// taskgrid runs tasks on a pool of execution resources and serves their
// status over HTTP.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskgrid",
		Short: "Task execution engine",
		Long: `taskgrid submits tasks to a pool of execution resources, tracks their
life-cycle and retrieves their results.

Configuration is read from TASKGRID_* environment variables; flags override
them.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newResourcesCmd(),
	)

	return root
}
