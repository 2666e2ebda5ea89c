package hv

// Snapshot stream constants
const (
	SnapshotMagic   uint32 = 0x4d495247 // "MIRG"
	SnapshotVersion uint32 = 1
)

// DeviceSnapshot is an opaque, gob-encodable value describing one device's
// captured state. Concrete types are registered with encoding/gob by the
// package that defines them.
type DeviceSnapshot any

// DeviceSnapshotter is implemented by device instances whose state can be
// captured for save/restore. The host correlates snapshots with devices by
// the identity string, so DeviceID must be stable across runs.
type DeviceSnapshotter interface {
	DeviceID() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}

// StateDescription declares, for external snapshot tooling, how a device
// kind's instance state is serialized: a stream name, the version the
// encoder writes and the oldest version the decoder accepts, and the field
// names present in the stream.
type StateDescription struct {
	Name           string
	Version        uint32
	MinimumVersion uint32
	Fields         []string
}
