package transport

import "github.com/kstaniek/go-bxcan/internal/can"

// FrameSink is a generic CAN frame transmission target. The bxCAN driver's
// Send, the SLCAN dump writer and test doubles all satisfy it through thin
// adapters.
type FrameSink interface {
	SendFrame(can.Frame) error
}
