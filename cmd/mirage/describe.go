package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	mirage "github.com/tinyrange/mirage"
)

type describeCmd struct {
	*appContext

	namespace string
}

func describeCommand(ctx *appContext) *cobra.Command {
	var cmd describeCmd
	cmd.appContext = ctx

	cobraCmd := &cobra.Command{
		Use:   "describe <config> [<device>]",
		Short: "Print the resources every device would claim",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  cmd.run,
	}
	cobraCmd.Flags().StringVar(&cmd.namespace, "namespace", "hardware.devices",
		"configuration namespace holding the device entries")

	return cobraCmd
}

func (cmd *describeCmd) run(_ *cobra.Command, args []string) error {
	machine, err := mirage.Load(args[0],
		mirage.WithLogger(cmd.logger()),
		mirage.WithNamespace(cmd.namespace),
	)
	if err != nil {
		return err
	}
	defer machine.Close()

	if len(args) == 2 {
		desc, ok := machine.Registry().FindByID(args[1])
		if !ok {
			return fmt.Errorf("no device %q in %s", args[1], args[0])
		}
		desc.Describe(os.Stdout)
		return nil
	}

	machine.Describe(os.Stdout)
	return nil
}
