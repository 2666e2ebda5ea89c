// Command mirage assembles machines full of synthetic devices from
// declarative configuration and lets an operator poke at them.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type appContext struct {
	verbose bool
}

func (ctx *appContext) logger() *slog.Logger {
	level := slog.LevelInfo
	if ctx.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	ctx := &appContext{}

	rootCmd := &cobra.Command{
		Use:           "mirage",
		Short:         "Build machines out of synthetic devices and watch how guests probe them",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", false, "enable debug logging")

	// Keep commands in the order they are added.
	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		validateCommand(ctx),
		describeCommand(ctx),
		monitorCommand(ctx),
		traceCommand(ctx),
		probeCommand(ctx),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
