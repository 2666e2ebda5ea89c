package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/mirage/internal/hostprobe"
)

type probeCmd struct {
	*appContext

	asConfig  bool
	namespace string
}

func probeCommand(ctx *appContext) *cobra.Command {
	var cmd probeCmd
	cmd.appContext = ctx

	cobraCmd := &cobra.Command{
		Use:   "probe",
		Short: "List the host's PCI functions",
		Long: "List the PCI functions of the machine mirage runs on. With --yaml the\n" +
			"inventory is rendered as synthetic-device stanzas ready to be edited\n" +
			"into a configuration file.",
		Args: cobra.NoArgs,
		RunE: cmd.run,
	}
	cobraCmd.Flags().BoolVar(&cmd.asConfig, "yaml", false, "emit the inventory as device configuration")
	cobraCmd.Flags().StringVar(&cmd.namespace, "namespace", "hardware.devices",
		"namespace to root the emitted configuration under")

	return cobraCmd
}

func (cmd *probeCmd) run(_ *cobra.Command, _ []string) error {
	devices, err := hostprobe.Scan()
	if err != nil {
		return err
	}

	if cmd.asConfig {
		return hostprobe.WriteConfig(os.Stdout, cmd.namespace, devices)
	}

	for _, d := range devices {
		fmt.Printf("%-12s %04x:%04x class=0x%06x rev=0x%02x  %s %s\n",
			d.Address, d.VendorID, d.ProductID, d.ClassCode, d.Revision, d.Vendor, d.Product)
	}
	fmt.Printf("%d PCI functions\n", len(devices))
	return nil
}
