// Package can holds the CAN frame value types shared across the driver.
package can

import "time"

// Flag bits carried in the upper part of the identifier word, same values
// as SocketCAN (<linux/can.h>). The hardware uses a different on-wire
// encoding; internal/driver translates at the register boundary.
const (
	FlagExtended = 0x80000000 // EFF: 29-bit identifier
	FlagRemote   = 0x40000000 // RTR: remote transmission request
	FlagError    = 0x20000000 // error frame, never transmittable
	MaskStandard = 0x000007FF
	MaskExtended = 0x1FFFFFFF
)

// MaxDataLen is the classic CAN payload limit. The bxCAN macrocell does not
// do CAN FD.
const MaxDataLen = 8

// Frame is one classic CAN frame. ID carries EFF/RTR/ERR flags in its upper
// bits; only the first Len bytes of Data are valid.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [MaxDataLen]byte
}

func (f Frame) IsExtended() bool { return f.ID&FlagExtended != 0 }
func (f Frame) IsRemote() bool   { return f.ID&FlagRemote != 0 }
func (f Frame) IsError() bool    { return f.ID&FlagError != 0 }

// Equal reports whether two frames match in identifier, flags and payload.
func (f Frame) Equal(g Frame) bool {
	if f.ID != g.ID || f.Len != g.Len {
		return false
	}
	for i := uint8(0); i < f.Len && i < MaxDataLen; i++ {
		if f.Data[i] != g.Data[i] {
			return false
		}
	}
	return true
}

// RxFrame is a received frame plus its capture metadata. Loopback marks a
// frame that never left the node and was only echoed internally; Failed is
// meaningful only together with Loopback and marks a transmission that was
// attempted but aborted or errored out.
type RxFrame struct {
	Frame     Frame
	Loopback  bool
	Failed    bool
	Timestamp time.Time
}
