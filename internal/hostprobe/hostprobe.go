// Package hostprobe inventories the PCI functions of the machine it runs
// on and renders them as synthetic-device configuration stanzas. A scan
// gives a harness a quick way to clone the identity of real hardware into
// a device set.
package hostprobe

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/jaypipes/ghw"
)

// Device is one PCI function discovered on the host.
type Device struct {
	Address   string
	VendorID  uint16
	ProductID uint16
	ClassCode uint32
	Revision  uint8
	Vendor    string
	Product   string
}

// Scan lists the PCI functions visible to the host, ordered by bus
// address. Functions whose identity cannot be parsed are skipped.
func Scan() ([]Device, error) {
	info, err := ghw.PCI()
	if err != nil {
		return nil, fmt.Errorf("hostprobe: could not get PCI info: %w", err)
	}

	devices := make([]Device, 0, len(info.Devices))
	for _, p := range info.Devices {
		d, err := fromGHW(p)
		if err != nil {
			continue
		}
		devices = append(devices, d)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address < devices[j].Address
	})
	return devices, nil
}

func fromGHW(p *ghw.PCIDevice) (Device, error) {
	if p == nil || p.Vendor == nil || p.Product == nil || p.Class == nil {
		return Device{}, fmt.Errorf("hostprobe: incomplete device record")
	}

	vendor, err := parseHexUint(p.Vendor.ID, 16)
	if err != nil {
		return Device{}, fmt.Errorf("hostprobe: %s: vendor id: %w", p.Address, err)
	}
	product, err := parseHexUint(p.Product.ID, 16)
	if err != nil {
		return Device{}, fmt.Errorf("hostprobe: %s: product id: %w", p.Address, err)
	}

	subclass, progIf := "00", "00"
	if p.Subclass != nil {
		subclass = p.Subclass.ID
	}
	if p.ProgrammingInterface != nil {
		progIf = p.ProgrammingInterface.ID
	}
	class, err := classCode(p.Class.ID, subclass, progIf)
	if err != nil {
		return Device{}, fmt.Errorf("hostprobe: %s: class: %w", p.Address, err)
	}

	revision := uint64(0)
	if p.Revision != "" {
		revision, err = parseHexUint(p.Revision, 8)
		if err != nil {
			return Device{}, fmt.Errorf("hostprobe: %s: revision: %w", p.Address, err)
		}
	}

	return Device{
		Address:   p.Address,
		VendorID:  uint16(vendor),
		ProductID: uint16(product),
		ClassCode: uint32(class),
		Revision:  uint8(revision),
		Vendor:    p.Vendor.Name,
		Product:   p.Product.Name,
	}, nil
}

func parseHexUint(s string, bits int) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	v, err := strconv.ParseUint(s, 16, bits)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// classCode folds the three class-hierarchy bytes into the 24-bit code a
// config-space header carries: base class high, programming interface low.
func classCode(base, subclass, progIf string) (uint32, error) {
	b, err := parseHexUint(base, 8)
	if err != nil {
		return 0, err
	}
	s, err := parseHexUint(subclass, 8)
	if err != nil {
		return 0, err
	}
	p, err := parseHexUint(progIf, 8)
	if err != nil {
		return 0, err
	}
	return uint32(b)<<16 | uint32(s)<<8 | uint32(p), nil
}

// WriteConfig renders the devices as a configuration document rooted at
// the given dotted namespace, one synthetic PCI stanza per device. The
// emitted region sizes are placeholders; the operator is expected to edit
// them to match the footprint under study.
func WriteConfig(w io.Writer, namespace string, devices []Device) error {
	indent := ""
	for _, part := range strings.Split(namespace, ".") {
		if _, err := fmt.Fprintf(w, "%s%s:\n", indent, part); err != nil {
			return err
		}
		indent += "  "
	}

	for i, d := range devices {
		key := fmt.Sprintf("host%d", i)
		label := strings.ReplaceAll(strings.TrimSpace(d.Vendor+" "+d.Product), "\n", " ")

		lines := []string{
			fmt.Sprintf("%s: # %s %s", key, d.Address, label),
			fmt.Sprintf("  id: %s", key),
			"  type: pci",
			fmt.Sprintf("  vid: 0x%04x", d.VendorID),
			fmt.Sprintf("  pid: 0x%04x", d.ProductID),
			fmt.Sprintf("  classCode: 0x%06x", d.ClassCode),
			fmt.Sprintf("  revisionId: 0x%02x", d.Revision),
			"  interruptPin: 1",
			"  resources:",
			"    r0:",
			"      isIo: false",
			"      isPrefetchable: false",
			"      size: 0x1000",
		}
		for _, line := range lines {
			if _, err := fmt.Fprintf(w, "%s%s\n", indent, line); err != nil {
				return err
			}
		}
	}
	return nil
}
