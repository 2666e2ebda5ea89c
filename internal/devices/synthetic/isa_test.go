package synthetic

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/mirage/internal/chipset"
	"github.com/tinyrange/mirage/internal/config"
	"github.com/tinyrange/mirage/internal/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildTree(t *testing.T, doc string) *config.Tree {
	t.Helper()
	tree, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return tree
}

func buildDevice(t *testing.T, doc string, key string) Descriptor {
	t.Helper()
	desc, err := newDescriptor(buildTree(t, doc), key, &env{log: testLogger()})
	if err != nil {
		t.Fatalf("newDescriptor(%s) error = %v", key, err)
	}
	return desc
}

func buildDeviceErr(t *testing.T, doc string, key string) error {
	t.Helper()
	desc, err := newDescriptor(buildTree(t, doc), key, &env{log: testLogger()})
	if err == nil {
		t.Fatalf("newDescriptor(%s) = %v, want error", key, desc)
	}
	return err
}

type sinkEvent struct {
	line  uint8
	level bool
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) SetIRQ(line uint8, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{line, level})
}

func (s *recordingSink) snapshot() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkEvent, len(s.events))
	copy(out, s.events)
	return out
}

const isaDoc = `
hardware:
  devices:
    isa0:
      id: isa0
      type: isa
      start: 0x300
      size: 0x10
      irq: 5
`

func TestISADescriptorFromConfig(t *testing.T) {
	desc := buildDevice(t, isaDoc, "hardware.devices.isa0")

	if got := desc.ID(); got != "isa0" {
		t.Errorf("ID() = %q, want %q", got, "isa0")
	}
	if got := desc.Kind(); got != KindISA {
		t.Errorf("Kind() = %q, want %q", got, KindISA)
	}

	isa, ok := desc.(*ISADescriptor)
	if !ok {
		t.Fatalf("descriptor type = %T, want *ISADescriptor", desc)
	}
	want := ISAResource{PortBase: 0x300, PortSize: 0x10, IRQ: 5}
	if got := isa.Resource(); got != want {
		t.Errorf("Resource() = %+v, want %+v", got, want)
	}
}

func TestISAValidation(t *testing.T) {
	const template = `
hardware:
  devices:
    isa0:
      id: isa0
      type: isa
      start: %s
      size: %s
      irq: %s
`

	tests := []struct {
		name    string
		start   string
		size    string
		irq     string
		wantErr bool
	}{
		{"valid", "0x300", "0x10", "5", false},
		{"range fills the space", "0xFFF8", "0x8", "5", false},
		{"zero size", "0x300", "0", "5", false},
		{"irq 15", "0x300", "0x10", "15", false},
		{"missing start", "", "0x10", "5", true},
		{"start too large", "0x10000", "0x10", "5", true},
		{"negative start", "-1", "0x10", "5", true},
		{"size too large", "0x300", "0x10000", "5", true},
		{"range past the end", "0xFFF8", "0x10", "5", true},
		{"irq too large", "0x300", "0x10", "16", true},
		{"missing irq", "0x300", "0x10", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := fmt.Sprintf(template, tt.start, tt.size, tt.irq)
			tree := buildTree(t, doc)

			_, err := newDescriptor(tree, "hardware.devices.isa0", &env{log: testLogger()})
			if (err != nil) != tt.wantErr {
				t.Fatalf("newDescriptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "hardware.devices.isa0") {
				t.Errorf("error %q does not name the offending key", err)
			}
		})
	}
}

func TestISADescribe(t *testing.T) {
	desc := buildDevice(t, isaDoc, "hardware.devices.isa0")

	var buf bytes.Buffer
	desc.Describe(&buf)

	want := "isa device \"isa0\"\n" +
		"  ports: base=0x0300 size=0x0010\n" +
		"  irq: 5\n"
	if got := buf.String(); got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
}

func TestISARegisterWithHost(t *testing.T) {
	desc := buildDevice(t, isaDoc, "hardware.devices.isa0")
	m := chipset.NewModel(testLogger(), nil)

	if err := desc.RegisterWithHost(m); err != nil {
		t.Fatalf("RegisterWithHost() error = %v", err)
	}
	if err := desc.RegisterWithHost(m); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("second RegisterWithHost() error = %v, want ErrAlreadyRegistered", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Every access width answers inside the claimed range, with zero.
	for _, width := range []uint8{1, 2, 4} {
		got, err := m.PortRead(0x304, width)
		if err != nil {
			t.Fatalf("PortRead(0x304, %d) error = %v", width, err)
		}
		if got != 0 {
			t.Errorf("PortRead(0x304, %d) = %#x, want 0", width, got)
		}
	}
	if err := m.PortWrite(0x30F, 1, 0xAA); err != nil {
		t.Errorf("PortWrite(0x30F) error = %v", err)
	}

	// One past the end of the range nothing answers.
	if _, err := m.PortRead(0x310, 1); err == nil {
		t.Errorf("PortRead(0x310) succeeded, want error")
	}

	if !m.Lines().Allocated(5) {
		t.Errorf("irq 5 was not allocated")
	}
}

func TestISAInterceptRecords(t *testing.T) {
	var buf trace.Buffer
	lg := trace.New(&buf)

	tree := buildTree(t, isaDoc)
	desc, err := newDescriptor(tree, "hardware.devices.isa0", &env{log: testLogger(), trace: lg})
	if err != nil {
		t.Fatalf("newDescriptor() error = %v", err)
	}

	m := chipset.NewModel(testLogger(), nil)
	if err := desc.RegisterWithHost(m); err != nil {
		t.Fatalf("RegisterWithHost() error = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := m.PortRead(0x300, 1); err != nil {
		t.Fatalf("PortRead() error = %v", err)
	}
	if err := m.PortWrite(0x302, 2, 0xBEEF); err != nil {
		t.Fatalf("PortWrite() error = %v", err)
	}
	if err := lg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := trace.NewReaderBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("NewReaderBytes() error = %v", err)
	}

	var accesses []trace.Access
	err = r.EachSource("isa0", func(_ time.Time, kind trace.Kind, payload []byte) error {
		if kind != trace.KindAccess {
			return nil
		}
		a, err := trace.DecodeAccess(payload)
		if err != nil {
			return err
		}
		accesses = append(accesses, a)
		return nil
	})
	if err != nil {
		t.Fatalf("EachSource() error = %v", err)
	}

	want := []trace.Access{
		{Addr: 0x300, Width: 1, Space: trace.SpacePort, Op: trace.OpRead},
		{Addr: 0x302, Value: 0xBEEF, Width: 2, Space: trace.SpacePort, Op: trace.OpWrite},
	}
	if len(accesses) != len(want) {
		t.Fatalf("recorded %d accesses, want %d", len(accesses), len(want))
	}
	for i, a := range accesses {
		if a != want[i] {
			t.Errorf("access[%d] = %+v, want %+v", i, a, want[i])
		}
	}
}

func TestISAPulseIRQ(t *testing.T) {
	sink := &recordingSink{}
	m := chipset.NewModel(testLogger(), sink)

	desc := buildDevice(t, isaDoc, "hardware.devices.isa0")
	if err := desc.RegisterWithHost(m); err != nil {
		t.Fatalf("RegisterWithHost() error = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := PulseIRQ(m, "isa0"); err != nil {
		t.Fatalf("PulseIRQ() error = %v", err)
	}

	want := []sinkEvent{{5, true}, {5, false}}
	got := sink.snapshot()
	if len(got) != len(want) {
		t.Fatalf("sink saw %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	if err := PulseIRQ(m, "missing"); err == nil {
		t.Errorf("PulseIRQ(missing) succeeded, want error")
	}
}
