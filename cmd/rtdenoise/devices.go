package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gogpu/rtdenoise/denoiser"
	"github.com/gogpu/rtdenoise/internal/gpu"
)

// listAdapters is replaced in tests.
var listAdapters = gpu.ListAdapters

// NewDevicesCommand creates the devices command.
func NewDevicesCommand(rootOpts *RootOptions) *cobra.Command {
	var backends []string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List GPU adapters and denoiser backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(backends) == 0 {
				backends = []string{rootOpts.File.Render.Backend}
			}
			return listDevices(cmd.OutOrStdout(), backends)
		},
	}
	cmd.Flags().StringSliceVar(&backends, "backend", nil, "HAL backends to enumerate (default: the configured one)")
	return cmd
}

func listDevices(w io.Writer, backends []string) error {
	for _, name := range backends {
		b, err := gpu.ParseBackend(name)
		if err != nil {
			return err
		}
		adapters, err := listAdapters(b)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", name, err)
			continue
		}
		fmt.Fprintf(w, "%s:\n", name)
		if len(adapters) == 0 {
			fmt.Fprintln(w, "  (no adapters)")
		}
		for i, a := range adapters {
			fmt.Fprintf(w, "  %d  %-40s %s\n", i, a.Name, a.Type)
		}
	}

	names := denoiser.Available()
	if len(names) == 0 {
		names = []string{denoiser.None}
	}
	fmt.Fprintf(w, "denoisers: %s\n", strings.Join(names, ", "))
	return nil
}
