// Package trace is a thread-safe binary log of guest I/O accesses.
//
// Each entry carries a timestamp, a source (the device identity) and either
// a fixed-size access record or a free-form message. The binary format is:
//   - 2 bytes kind (0 = invalid, 1 = access, 2 = message)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - sourceLength bytes source
//   - payloadLength bytes payload
//
// Thread-safety is achieved by atomically adding to the current offset of
// the destination, so concurrent writers never interleave inside an entry.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Kind discriminates entry payloads.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindAccess
	KindMessage
)

// Space is the address space an access targeted.
type Space uint8

const (
	SpacePort Space = iota
	SpaceMMIO
)

func (s Space) String() string {
	switch s {
	case SpacePort:
		return "pio"
	case SpaceMMIO:
		return "mmio"
	default:
		return "unknown"
	}
}

// Op is the access direction.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Access is one guest-visible device access.
type Access struct {
	Addr  uint64
	Value uint32
	Width uint8
	Space Space
	Op    Op
}

func (a Access) String() string {
	if a.Op == OpWrite {
		return fmt.Sprintf("%s write 0x%04x width=%d <- 0x%x", a.Space, a.Addr, a.Width, a.Value)
	}
	return fmt.Sprintf("%s read 0x%04x width=%d -> 0x%x", a.Space, a.Addr, a.Width, a.Value)
}

// accessPayloadSize is the wire size of an encoded Access.
const accessPayloadSize = 16

func encodeAccess(a Access) []byte {
	payload := make([]byte, accessPayloadSize)
	binary.LittleEndian.PutUint64(payload[0:8], a.Addr)
	binary.LittleEndian.PutUint32(payload[8:12], a.Value)
	payload[12] = a.Width
	payload[13] = uint8(a.Space)
	payload[14] = uint8(a.Op)
	return payload
}

// DecodeAccess decodes an Access from a KindAccess payload.
func DecodeAccess(payload []byte) (Access, error) {
	if len(payload) != accessPayloadSize {
		return Access{}, fmt.Errorf("trace: access payload is %d bytes, want %d", len(payload), accessPayloadSize)
	}
	return Access{
		Addr:  binary.LittleEndian.Uint64(payload[0:8]),
		Value: binary.LittleEndian.Uint32(payload[8:12]),
		Width: payload[12],
		Space: Space(payload[13]),
		Op:    Op(payload[14]),
	}, nil
}

// Writer is the destination of a Log.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Log writes trace entries to a Writer. A nil Log discards everything, so
// callers can hold an optional sink without branching.
type Log struct {
	w      Writer
	offset atomic.Uint64
}

// New builds a Log on top of w.
func New(w Writer) *Log {
	return &Log{w: w}
}

// NewFile builds a Log writing to filename, truncating any previous run's
// entries.
func NewFile(filename string) (*Log, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", filename, err)
	}
	return New(f), nil
}

// Close closes the underlying writer.
func (l *Log) Close() error {
	if l == nil || l.w == nil {
		return nil
	}
	return l.w.Close()
}

// WriteAccess appends one access record attributed to source.
func (l *Log) WriteAccess(source string, access Access) {
	l.write(KindAccess, source, encodeAccess(access))
}

// WriteMessage appends a free-form message attributed to source.
func (l *Log) WriteMessage(source string, format string, args ...any) {
	l.write(KindMessage, source, fmt.Appendf(nil, format, args...))
}

func (l *Log) write(kind Kind, source string, payload []byte) {
	if l == nil || l.w == nil {
		return
	}

	header, size := encodeHeader(kind, source, payload)
	off := l.offset.Add(uint64(size)) - uint64(size)
	if _, err := l.w.WriteAt(header, int64(off)); err != nil {
		panic(err)
	}
	// source after the header, payload after the source
	if _, err := l.w.WriteAt([]byte(source), int64(off)+headerSize); err != nil {
		panic(err)
	}
	if _, err := l.w.WriteAt(payload, int64(off)+headerSize+int64(len(source))); err != nil {
		panic(err)
	}
}

const headerSize = 16

func encodeHeader(kind Kind, source string, payload []byte) ([]byte, int64) {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))
	return header, headerSize + int64(len(source)) + int64(len(payload))
}

func decodeHeader(header [headerSize]byte) (kind Kind, sourceLength uint16, payloadLength uint32) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	payloadLength = binary.LittleEndian.Uint32(header[4:8])
	return
}

func decodeTimestamp(header [headerSize]byte) int64 {
	return int64(binary.LittleEndian.Uint64(header[8:16]))
}

type bufferWrite struct {
	off  int64
	data []byte
}

// Buffer is an in-memory Writer for tests and short captures.
type Buffer struct {
	data    sync.Map
	maxSize atomic.Int64
}

func (b *Buffer) WriteAt(p []byte, off int64) (n int, err error) {
	b.data.Store(off, bufferWrite{
		off:  off,
		data: append([]byte{}, p...),
	})
	val := b.maxSize.Load()
	for val < int64(len(p))+off {
		if b.maxSize.CompareAndSwap(val, int64(len(p))+off) {
			break
		}
		val = b.maxSize.Load()
	}
	return len(p), nil
}

func (b *Buffer) Close() error {
	return nil
}

// Bytes assembles the buffered entries into one contiguous byte slice.
func (b *Buffer) Bytes() []byte {
	data := make([]byte, b.maxSize.Load())
	b.data.Range(func(key, value any) bool {
		w := value.(bufferWrite)
		copy(data[w.off:w.off+int64(len(w.data))], w.data)
		return true
	})
	return data
}
