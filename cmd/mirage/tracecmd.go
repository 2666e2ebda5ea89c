package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyrange/mirage/internal/trace"
)

type traceCmd struct {
	*appContext

	device string
	limit  int64
	stats  bool
}

func traceCommand(ctx *appContext) *cobra.Command {
	var cmd traceCmd
	cmd.appContext = ctx

	cobraCmd := &cobra.Command{
		Use:   "trace <file>",
		Short: "Dump a recorded access trace",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.run,
	}
	cobraCmd.Flags().StringVar(&cmd.device, "device", "", "only show entries from this device")
	cobraCmd.Flags().Int64Var(&cmd.limit, "limit", 0, "stop after this many entries")
	cobraCmd.Flags().BoolVar(&cmd.stats, "stats", false, "print per-device entry counts instead of entries")

	return cobraCmd
}

func (cmd *traceCmd) run(_ *cobra.Command, args []string) error {
	r, closer, err := trace.NewReaderFromFile(args[0])
	if err != nil {
		return err
	}
	defer closer.Close()

	if cmd.stats {
		return cmd.printStats(r)
	}

	opts := trace.SearchOptions{LimitStart: cmd.limit}
	if cmd.device != "" {
		opts.Sources = []string{cmd.device}
	}

	return r.Search(opts, func(ts time.Time, kind trace.Kind, source string, payload []byte) error {
		switch kind {
		case trace.KindAccess:
			a, err := trace.DecodeAccess(payload)
			if err != nil {
				return err
			}
			fmt.Printf("%s %-12s %s\n", ts.Format(time.RFC3339Nano), source, a)
		case trace.KindMessage:
			fmt.Printf("%s %-12s # %s\n", ts.Format(time.RFC3339Nano), source, string(payload))
		}
		return nil
	})
}

func (cmd *traceCmd) printStats(r trace.Reader) error {
	first, last := r.TimeRange()
	fmt.Printf("from %s to %s\n", first.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))

	for _, source := range r.Sources() {
		n, err := r.Count(trace.SearchOptions{Sources: []string{source}})
		if err != nil {
			return err
		}
		fmt.Printf("%-16s %d\n", source, n)
	}
	return nil
}
