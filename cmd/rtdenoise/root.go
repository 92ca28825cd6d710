package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gogpu/rtdenoise"
	"github.com/gogpu/rtdenoise/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    int

	// File is the effective configuration, loaded before any subcommand
	// runs.
	File config.File
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "rtdenoise",
		Short:         "Progressive ray tracing with asynchronous denoising",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().CountVarP(&opts.Verbose, "verbose", "v", "log more (-v debug, -vv debug with source)")

	cmd.AddCommand(NewRenderCommand(opts))
	cmd.AddCommand(NewDevicesCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

func (o *RootOptions) load(logOut io.Writer) error {
	o.File = config.Default()
	if o.ConfigPath != "" {
		f, err := config.Load(o.ConfigPath)
		if err != nil {
			return err
		}
		o.File = f
	}

	level, err := config.ParseLevel(o.File.Logging.Level)
	if err != nil {
		return err
	}
	if o.Verbose > 0 {
		level = slog.LevelDebug
	}
	rtdenoise.SetLogger(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level:     level,
		AddSource: o.Verbose > 1,
	})))
	return nil
}
