// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crunchydata/segment-recovery/internal/config"
	"github.com/crunchydata/segment-recovery/internal/logging"
)

func initLogging(verbose bool) {
	// Configure a singleton that treats logr.Logger.V(1) as logrus.DebugLevel.
	var verbosity int
	if verbose || strings.EqualFold(os.Getenv("GPRECOVERSEG_DEBUG"), "true") {
		verbosity = 1
	}
	logging.SetLogSink(logging.Logrus(os.Stdout, versionString, 1, verbosity))
}

// newCommand returns the root command. It calls run with the options parsed
// from flags, the environment, and an optional settings file.
func newCommand(run func(context.Context, *config.Options) error) *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "gprecoverseg",
		Short: "Recover failed mirror segments",
		Long: "Recover failed mirror segments in place, to new hosts with -p, " +
			"or as listed in a configuration file with -i.",
		Args:          cobra.NoArgs,
		Version:       versionString,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	config.AddFlags(cmd.Flags())
	cmd.Flags().String("settings", "", "YAML, JSON, or TOML file of option values")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if file, _ := cmd.Flags().GetString("settings"); file != "" {
			v.SetConfigFile(file)
			if err := v.ReadInConfig(); err != nil {
				return err
			}
		}

		options, err := config.Load(v)
		if err != nil {
			return err
		}
		if options.Verbose {
			initLogging(true)
		}
		return run(cmd.Context(), options)
	}
	return cmd
}

func execute(ctx context.Context, args []string) int {
	cmd := newCommand(func(ctx context.Context, options *config.Options) error {
		a, err := newApp(ctx, options)
		if err != nil {
			return err
		}
		defer a.close()
		return a.run(ctx)
	})
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	code := exitCode(err)
	if code == exitAborted {
		logging.FromContext(ctx).Error(err, fmt.Sprintf("%s failed. exiting...", cmd.Name()))
	}
	return code
}

func main() {
	initVersion()
	initLogging(false)

	// Interrupts are left to the default handler so that recovery can ignore
	// them while it changes the catalog.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)

	otelFlush, err := initOpenTelemetry(ctx)
	if err != nil {
		logging.FromContext(ctx).Error(err, "unable to initialize OpenTelemetry")
		os.Exit(exitAborted)
	}

	code := execute(parentContext(ctx), os.Args[1:])

	_ = otelFlush(context.Background())
	stop()
	os.Exit(code)
}
