package synthetic

import "encoding/gob"

func init() {
	gob.Register(&PCIDeviceSnapshot{})
}
