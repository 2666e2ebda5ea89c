package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	mirage "github.com/tinyrange/mirage"
	"github.com/tinyrange/mirage/internal/devices/synthetic"
	"github.com/tinyrange/mirage/internal/trace"
)

type monitorCmd struct {
	*appContext

	namespace string
	traceFile string
}

func monitorCommand(ctx *appContext) *cobra.Command {
	var cmd monitorCmd
	cmd.appContext = ctx

	cobraCmd := &cobra.Command{
		Use:   "monitor <config>",
		Short: "Start a machine and poke its devices interactively",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.run,
	}
	cobraCmd.Flags().StringVar(&cmd.namespace, "namespace", "hardware.devices",
		"configuration namespace holding the device entries")
	cobraCmd.Flags().StringVar(&cmd.traceFile, "trace", "", "record every access to this file")

	return cobraCmd
}

func (cmd *monitorCmd) run(_ *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("monitor needs an interactive terminal")
	}

	metrics := mirage.NewMetrics()
	opts := []mirage.Option{
		mirage.WithLogger(cmd.logger()),
		mirage.WithNamespace(cmd.namespace),
		mirage.WithMetrics(metrics),
	}
	if cmd.traceFile != "" {
		opts = append(opts, mirage.WithTraceFile(cmd.traceFile))
	}

	machine, err := mirage.Load(args[0], opts...)
	if err != nil {
		return err
	}
	defer machine.Close()

	if err := machine.Start(); err != nil {
		return err
	}

	fmt.Printf("%d devices up. Type help for commands, quit to leave.\n",
		len(machine.Registry().Devices()))

	session := &monitorSession{machine: machine, metrics: metrics}
	return session.loop()
}

type monitorSession struct {
	machine *mirage.Machine
	metrics *mirage.Metrics
}

var monitorHelp = []struct {
	usage string
	about string
}{
	{"devices", "list the devices on the machine"},
	{"describe [<id>]", "show declared resources"},
	{"config <id>", "hex dump of a PCI device's configuration space"},
	{"bars <id>", "show the base-address regions of a PCI device"},
	{"map <id> <bar> <addr>", "program a base address into a region"},
	{"inb|inw|inl <port>", "read 1, 2 or 4 bytes from a port"},
	{"outb|outw|outl <port> <value>", "write 1, 2 or 4 bytes to a port"},
	{"readb|readw|readl <addr>", "read 1, 2 or 4 bytes from memory space"},
	{"writeb|writew|writel <addr> <value>", "write 1, 2 or 4 bytes to memory space"},
	{"irq <id>", "pulse the interrupt line of an ISA device"},
	{"stats", "show per-device access counts"},
	{"quit", "leave the monitor"},
}

func (s *monitorSession) loop() error {
	var completions []readline.PrefixCompleterInterface
	for _, h := range monitorHelp {
		completions = append(completions, readline.PcItem(strings.Fields(h.usage)[0]))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            color.CyanString("mirage> "),
		InterruptPrompt:   "^C",
		AutoComplete:      readline.NewPrefixCompleter(completions...),
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("error initializing readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}

		if err := s.dispatch(strings.Fields(line)); err != nil {
			fmt.Println(color.RedString("error:"), err)
		}
	}
	return nil
}

func (s *monitorSession) dispatch(fields []string) error {
	model := s.machine.Model()

	switch cmd := fields[0]; cmd {
	case "help":
		for _, h := range monitorHelp {
			fmt.Printf("  %-36s %s\n", h.usage, h.about)
		}
		return nil

	case "devices":
		for _, id := range model.Devices() {
			desc, _ := s.machine.Registry().FindByID(id)
			fmt.Printf("  %-16s %s\n", id, desc.Kind())
		}
		return nil

	case "describe":
		if len(fields) == 1 {
			s.machine.Describe(os.Stdout)
			return nil
		}
		desc, ok := s.machine.Registry().FindByID(fields[1])
		if !ok {
			return fmt.Errorf("no device %q", fields[1])
		}
		desc.Describe(os.Stdout)
		return nil

	case "config":
		if len(fields) != 2 {
			return fmt.Errorf("usage: config <id>")
		}
		cfg, err := synthetic.ConfigSpace(model, fields[1])
		if err != nil {
			return err
		}
		for off := 0; off < len(cfg); off += 16 {
			fmt.Printf("  %02x: % x\n", off, cfg[off:off+16])
		}
		return nil

	case "bars":
		if len(fields) != 2 {
			return fmt.Errorf("usage: bars <id>")
		}
		bars, err := model.DeviceBARs(fields[1])
		if err != nil {
			return err
		}
		for _, b := range bars {
			where := "unmapped"
			if b.Programmed {
				where = fmt.Sprintf("at 0x%x", b.Addr)
			}
			fmt.Printf("  bar[%d] size=0x%x %-12s %s\n", b.Index, b.Size, b.Kind, where)
		}
		return nil

	case "map":
		if len(fields) != 4 {
			return fmt.Errorf("usage: map <id> <bar> <addr>")
		}
		index, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("bad region index %q", fields[2])
		}
		addr, err := parseNum(fields[3], 64)
		if err != nil {
			return err
		}
		return model.ProgramBAR(fields[1], index, addr)

	case "inb", "inw", "inl":
		if len(fields) != 2 {
			return fmt.Errorf("usage: %s <port>", cmd)
		}
		port, err := parseNum(fields[1], 16)
		if err != nil {
			return err
		}
		value, err := model.PortRead(uint16(port), accessWidth(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("0x%x\n", value)
		return nil

	case "outb", "outw", "outl":
		if len(fields) != 3 {
			return fmt.Errorf("usage: %s <port> <value>", cmd)
		}
		port, err := parseNum(fields[1], 16)
		if err != nil {
			return err
		}
		value, err := parseNum(fields[2], 32)
		if err != nil {
			return err
		}
		return model.PortWrite(uint16(port), accessWidth(cmd), uint32(value))

	case "readb", "readw", "readl":
		if len(fields) != 2 {
			return fmt.Errorf("usage: %s <addr>", cmd)
		}
		addr, err := parseNum(fields[1], 64)
		if err != nil {
			return err
		}
		value, err := model.MMIORead(addr, accessWidth(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("0x%x\n", value)
		return nil

	case "writeb", "writew", "writel":
		if len(fields) != 3 {
			return fmt.Errorf("usage: %s <addr> <value>", cmd)
		}
		addr, err := parseNum(fields[1], 64)
		if err != nil {
			return err
		}
		value, err := parseNum(fields[2], 32)
		if err != nil {
			return err
		}
		return model.MMIOWrite(addr, accessWidth(cmd), uint32(value))

	case "irq":
		if len(fields) != 2 {
			return fmt.Errorf("usage: irq <id>")
		}
		return synthetic.PulseIRQ(model, fields[1])

	case "stats":
		fmt.Printf("  %-16s %10s %10s %10s %10s\n", "device", "pio-read", "pio-write", "mmio-read", "mmio-write")
		for _, d := range s.machine.Registry().Devices() {
			fmt.Printf("  %-16s %10d %10d %10d %10d\n", d.ID(),
				s.metrics.AccessCount(d.ID(), trace.SpacePort, trace.OpRead),
				s.metrics.AccessCount(d.ID(), trace.SpacePort, trace.OpWrite),
				s.metrics.AccessCount(d.ID(), trace.SpaceMMIO, trace.OpRead),
				s.metrics.AccessCount(d.ID(), trace.SpaceMMIO, trace.OpWrite))
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

// accessWidth maps a command suffix to the access width: b is one byte,
// w two, l four.
func accessWidth(cmd string) uint8 {
	switch cmd[len(cmd)-1] {
	case 'w':
		return 2
	case 'l':
		return 4
	default:
		return 1
	}
}

func parseNum(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return v, nil
}
