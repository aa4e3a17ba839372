package driver

import (
	"errors"

	"github.com/kstaniek/go-bxcan/internal/timing"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
// Transient bus conditions (arbitration loss, queue-full, bus-off) are never
// errors; they surface as NotSent / no-data outcomes and counters.
var (
	// ErrInvalidBitRate is the timing calculator's failure, re-exported so
	// callers of Start need not import internal/timing.
	ErrInvalidBitRate = timing.ErrInvalidBitRate

	// ErrInitModeNotEntered / ErrInitModeNotCleared mean the controller did
	// not acknowledge an initialization mode transition within the bounded
	// wait. Treated as a hardware fault; Start gives up without retrying.
	ErrInitModeNotEntered = errors.New("controller did not confirm init mode entry")
	ErrInitModeNotCleared = errors.New("controller did not confirm init mode exit")

	// ErrUnsupportedFrame rejects error frames and oversized payloads
	// synchronously, before any hardware interaction.
	ErrUnsupportedFrame = errors.New("frame not transmittable: error frame or oversized payload")

	// ErrNotRunning guards Send against use before a successful Start.
	ErrNotRunning = errors.New("driver not running")
)
