package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seantiz/taskgrid/internal/backend"
	"github.com/seantiz/taskgrid/internal/backend/noop"
	"github.com/seantiz/taskgrid/internal/config"
)

func newResourcesCmd() *cobra.Command {
	var (
		resourcesFile string
		check         bool
	)

	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List the configured execution resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("resources") {
				cfg.ResourcesFile = resourcesFile
			}

			descs := config.DefaultResources()
			if cfg.ResourcesFile != "" {
				var err error
				descs, err = config.LoadResources(cfg.ResourcesFile)
				if err != nil {
					return err
				}
			}

			if check {
				reg := backend.NewRegistry()
				noop.Register(reg)
				logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
				resources, err := reg.Build(descs, logger, true)
				if err != nil {
					return err
				}
				for _, r := range resources {
					r.Close()
				}
			}

			printResources(cmd.OutOrStdout(), descs)
			return nil
		},
	}

	cmd.Flags().StringVar(&resourcesFile, "resources", "", "YAML resources file (or TASKGRID_RESOURCES_FILE)")
	cmd.Flags().BoolVar(&check, "check", false, "Instantiate every resource to validate its parameters")

	return cmd
}

func printResources(w io.Writer, descs []backend.Descriptor) {
	fmt.Fprintf(w, "%-20s  %-8s  %-7s  %6s  %8s  %12s  %s\n", "NAME", "TYPE", "ENABLED", "CORES", "PER JOB", "MEM/CORE", "WALLTIME")
	for _, d := range descs {
		fmt.Fprintf(w, "%-20s  %-8s  %-7t  %6d  %8s  %12s  %s\n",
			d.Name, d.Type, d.Enabled, d.MaxCores,
			unlimitedInt(d.MaxCoresPerJob), unlimitedBytes(d.MaxMemoryPerCore), unlimitedDuration(d))
	}
}

func unlimitedInt(n int) string {
	if n <= 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func unlimitedBytes(n uint64) string {
	if n == 0 {
		return "-"
	}
	return humanize.IBytes(n)
}

func unlimitedDuration(d backend.Descriptor) string {
	if d.MaxWalltime <= 0 {
		return "-"
	}
	return d.MaxWalltime.String()
}
