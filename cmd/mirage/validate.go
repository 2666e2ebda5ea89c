package main

import (
	"fmt"

	"github.com/spf13/cobra"

	mirage "github.com/tinyrange/mirage"
)

type validateCmd struct {
	*appContext

	namespace string
}

func validateCommand(ctx *appContext) *cobra.Command {
	var cmd validateCmd
	cmd.appContext = ctx

	cobraCmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a device configuration without starting anything",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.run,
	}
	cobraCmd.Flags().StringVar(&cmd.namespace, "namespace", "hardware.devices",
		"configuration namespace holding the device entries")

	return cobraCmd
}

func (cmd *validateCmd) run(_ *cobra.Command, args []string) error {
	machine, err := mirage.Load(args[0],
		mirage.WithLogger(cmd.logger()),
		mirage.WithNamespace(cmd.namespace),
	)
	if err != nil {
		return err
	}
	defer machine.Close()

	fmt.Printf("%s: %d devices OK\n", args[0], len(machine.Registry().Devices()))
	return nil
}
