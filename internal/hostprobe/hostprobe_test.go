package hostprobe

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/mirage/internal/config"
	"github.com/tinyrange/mirage/internal/devices/synthetic"
)

func TestParseHexUint(t *testing.T) {
	tests := []struct {
		in      string
		bits    int
		want    uint64
		wantErr bool
	}{
		{"8086", 16, 0x8086, false},
		{"0x8086", 16, 0x8086, false},
		{" 01 ", 8, 1, false},
		{"10000", 16, 0, true},
		{"xyz", 16, 0, true},
		{"", 16, 0, true},
	}

	for _, tt := range tests {
		got, err := parseHexUint(tt.in, tt.bits)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseHexUint(%q, %d) error = %v, wantErr %v", tt.in, tt.bits, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("parseHexUint(%q, %d) = %#x, want %#x", tt.in, tt.bits, got, tt.want)
		}
	}
}

func TestClassCode(t *testing.T) {
	got, err := classCode("02", "00", "00")
	if err != nil {
		t.Fatalf("classCode() error = %v", err)
	}
	if got != 0x020000 {
		t.Errorf("classCode() = %#06x, want 0x020000", got)
	}

	got, err = classCode("0c", "03", "30")
	if err != nil {
		t.Fatalf("classCode() error = %v", err)
	}
	if got != 0x0C0330 {
		t.Errorf("classCode() = %#06x, want 0x0c0330", got)
	}

	if _, err := classCode("zz", "00", "00"); err == nil {
		t.Errorf("classCode() with a broken base class succeeded, want error")
	}
}

// The emitted stanzas must parse back into valid synthetic devices.
func TestWriteConfigRoundTrip(t *testing.T) {
	devices := []Device{
		{
			Address:   "0000:00:02.0",
			VendorID:  0x8086,
			ProductID: 0x1234,
			ClassCode: 0x030000,
			Revision:  0x0C,
			Vendor:    "Intel Corporation",
			Product:   "Some Display Controller",
		},
		{
			Address:   "0000:00:1F.2",
			VendorID:  0x1AF4,
			ProductID: 0x1000,
			ClassCode: 0x020000,
			Revision:  0x01,
			Vendor:    "Red Hat, Inc.",
			Product:   "Virtio network device",
		},
	}

	var buf bytes.Buffer
	if err := WriteConfig(&buf, "hardware.devices", devices); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}

	tree, err := config.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("emitted document does not parse: %v\n%s", err, buf.String())
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := synthetic.BuildRegistry(tree, "hardware.devices", synthetic.Options{Log: log})
	if err != nil {
		t.Fatalf("emitted document does not build: %v\n%s", err, buf.String())
	}

	if got := len(r.Devices()); got != len(devices) {
		t.Fatalf("registry holds %d devices, want %d", got, len(devices))
	}

	desc, ok := r.FindByID("host0")
	if !ok {
		t.Fatalf("FindByID(host0) found nothing")
	}
	pci, ok := desc.(*synthetic.PCIDescriptor)
	if !ok {
		t.Fatalf("host0 type = %T, want *synthetic.PCIDescriptor", desc)
	}
	if got := len(pci.Resources()); got != 1 {
		t.Errorf("host0 has %d resources, want 1", got)
	}
}
