// Package device describes the supported PIC18FxxJ60/J65 parts: their
// flash geometry, configuration-word addresses, and the descriptor lookup
// used to identify a part from the device id reported by OP_DISCOVER.
package device

import (
	"fmt"

	"github.com/pic18boot/netboot/pkg/neterr"
)

// Flash geometry shared by every supported device.
const (
	MaxAddr      = 0x1FFFFF
	EraseSize    = 1024
	WriteSize    = 64
	ResetVector  = 0x000000
	HiPrioVector = 0x000008
	LoPrioVector = 0x000018
)

// Configuration word and device-id addresses, shared by every supported
// device.
const (
	Config1L = 0x300000
	Config1H = 0x300001
	Config2L = 0x300002
	Config2H = 0x300003
	Config3L = 0x300004
	Config3H = 0x300005
	DevID1   = 0x3FFFFE
	DevID2   = 0x3FFFFF
)

// Device ids, as reported in the top 11 bits of the DiscoverReply DeviceID
// field (see SplitID).
const (
	PIC18F66J60 uint16 = 0b00011000000
	PIC18F86J60 uint16 = 0b00011000001
	PIC18F96J60 uint16 = 0b00011000010
	PIC18F66J65 uint16 = 0b00011111000
	PIC18F86J65 uint16 = 0b00011111010
	PIC18F96J65 uint16 = 0b00011111100
	PIC18F67J60 uint16 = 0b00011111001
	PIC18F87J60 uint16 = 0b00011111011
	PIC18F97J60 uint16 = 0b00011111101
)

const (
	idShift = 5
	revMask = 1<<idShift - 1
)

// SplitID decomposes a raw DiscoverReply.DeviceID into its device id (top
// bits) and silicon revision (bottom idShift bits).
func SplitID(raw uint16) (id uint16, revision uint8) {
	return raw >> idShift, uint8(raw & revMask)
}

// Descriptor describes one supported device's flash size and the address
// of its last 8 bytes of flash, where the device's config words live.
type Descriptor struct {
	ID            uint16
	Name          string
	FlashSize     uint32
	ConfigAddress uint32
}

var supported = []Descriptor{
	{PIC18F66J60, "PIC18F66J60", 64 * 1024, 0xFFF8},
	{PIC18F86J60, "PIC18F86J60", 64 * 1024, 0xFFF8},
	{PIC18F96J60, "PIC18F96J60", 64 * 1024, 0xFFF8},
	{PIC18F66J65, "PIC18F66J65", 96 * 1024, 0x17FF8},
	{PIC18F86J65, "PIC18F86J65", 96 * 1024, 0x17FF8},
	{PIC18F96J65, "PIC18F96J65", 96 * 1024, 0x17FF8},
	{PIC18F67J60, "PIC18F67J60", 128 * 1024, 0x1FFF8},
	{PIC18F87J60, "PIC18F87J60", 128 * 1024, 0x1FFF8},
	{PIC18F97J60, "PIC18F97J60", 128 * 1024, 0x1FFF8},
}

// Find looks up the Descriptor for a raw DiscoverReply.DeviceID, ignoring
// the silicon revision bits.
func Find(rawID uint16) (Descriptor, error) {
	id, _ := SplitID(rawID)
	for _, d := range supported {
		if d.ID == id {
			return d, nil
		}
	}
	return Descriptor{}, neterr.New(neterr.UnknownDevice, "device.Find", fmt.Sprintf("unknown device id %#04x", rawID))
}

// All returns every supported Descriptor, in declaration order.
func All() []Descriptor {
	out := make([]Descriptor, len(supported))
	copy(out, supported)
	return out
}
