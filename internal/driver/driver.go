// Package driver implements the bxCAN link-layer driver: bit-timing setup,
// priority-arbitrated transmission through the three hardware mailboxes, a
// bounded receive queue fed from interrupt context, and a blocking
// timeout-bounded Send/Receive API.
//
// Locking discipline: mu serializes the public entry points so one thread at
// a time drives the control plane. hw stands in for the interrupt-disable
// critical section of the original firmware; it protects exactly the receive
// queue, the mailbox tracker and the counters, and makes multi-register
// sequences atomic with respect to ServiceInterrupt.
package driver

import (
	"sync"
	"time"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/logging"
	"github.com/kstaniek/go-bxcan/internal/metrics"
	"github.com/kstaniek/go-bxcan/internal/timing"
)

// Options select the per-session operating mode; fixed until the next Start.
type Options struct {
	// Loopback echoes every completed transmission (successful or failed)
	// into the receive queue, marked as such. Software echo only, the
	// controller's own loopback mode is not used.
	Loopback bool
	// Silent puts the controller in listen-only mode.
	Silent bool
}

// Config carries the platform collaborators the driver consumes.
type Config struct {
	// ClockHz is the peripheral clock feeding the CAN kernel.
	ClockHz uint32
	// Enable performs the one-time controller bring-up (peripheral clock,
	// reset line, interrupt vector). Invoked on the first Start only;
	// those lines are not safely re-toggled once the peripheral is live.
	Enable func()
	// Now supplies receive timestamps. Defaults to time.Now.
	Now func() time.Time
	// InitTimeout bounds each wait for an init-mode acknowledge.
	// Defaults to one second.
	InitTimeout time.Duration
}

// SendOutcome distinguishes the two normal results of Send.
type SendOutcome int

const (
	// NotSent means the timeout elapsed without a mailbox accepting the
	// frame. Normal backpressure on a shared bus, not an error.
	NotSent SendOutcome = iota
	// Transmitted means the frame was handed to a hardware mailbox.
	Transmitted
)

func (o SendOutcome) String() string {
	if o == Transmitted {
		return "transmitted"
	}
	return "not sent"
}

// txItem tracks one hardware transmit slot. A slot goes pending->empty only
// through a hardware completion or a bus-off abort, never by thread action
// after programming.
type txItem struct {
	frame   can.Frame
	pending bool
}

// Stats is a read-only snapshot of the session diagnostics.
type Stats struct {
	Errors           uint64 // bus errors recorded via last-error-code
	RxHwOverflows    uint64 // hardware FIFO overruns
	RxQueueOverflows uint32 // software queue evictions (saturating)
	TxFrames         uint64
	RxFrames         uint64 // real traffic only, loopback excluded
	LastErrorCode    uint8  // most recent non-zero LEC field
	PeakTxMailbox    uint8  // highest mailbox index ever loaded
	RxQueueLen       int
}

// Driver is one bxCAN controller session. Create with New, then Start.
type Driver struct {
	regs bxcan.Registers
	cfg  Config

	mu sync.Mutex // serializes Start/Stop/Send/Receive

	hw sync.Mutex // low-level lock: queue, mailbox tracker, counters, register sequences

	enabled bool // one-time Enable guard, never cleared
	running bool

	rxq       rxQueue
	pendingTx [bxcan.NumTxMailboxes]txItem

	rxEvent *event
	txEvent *event

	errorCnt      uint64
	rxOverflowCnt uint64
	txCnt         uint64
	rxCnt         uint64
	lastErrorCode uint8
	peakTxMailbox uint8
	hadActivity   bool

	loopback bool
}

// New wires a driver to a register bank. The driver stays Stopped until
// Start succeeds.
func New(regs bxcan.Registers, cfg Config) *Driver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = time.Second
	}
	return &Driver{
		regs:    regs,
		cfg:     cfg,
		rxEvent: newEvent(),
		txEvent: newEvent(),
	}
}

// Start configures the controller for the given bit rate and moves the
// driver to Running. On any failure the controller is left silenced and the
// driver stays unusable until a later Start succeeds; there is no partial
// state.
func (d *Driver) Start(bitrate uint32, opts Options) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hw.Lock()
	d.running = false
	if !d.enabled {
		if d.cfg.Enable != nil {
			d.cfg.Enable()
		}
		d.enabled = true
	}
	// Silence the controller first or it interferes with everything below:
	// wake it, request init mode, mask all interrupt sources.
	mcr := d.regs.Read(bxcan.MCR)
	d.regs.Write(bxcan.MCR, (mcr&^uint32(bxcan.MCR_SLEEP))|bxcan.MCR_INRQ)
	d.regs.Write(bxcan.IER, 0)
	d.hw.Unlock()

	if !d.waitINAK(true) {
		return ErrInitModeNotEntered
	}

	// Interrupt sources are masked, so the session state can be rebuilt
	// without handler interference.
	d.hw.Lock()
	d.resetState(opts)
	d.hw.Unlock()

	tm, err := timing.Compute(d.cfg.ClockHz, bitrate)
	if err != nil {
		return err
	}
	logging.L().Info("can_start",
		"bitrate", bitrate,
		"timings", tm.String(),
		"loopback", opts.Loopback,
		"silent", opts.Silent)

	d.hw.Lock()
	d.regs.Write(bxcan.MCR, bxcan.MCR_ABOM|bxcan.MCR_AWUM|bxcan.MCR_INRQ)

	btr := uint32(tm.Prescaler-1) & bxcan.BTR_BRP_MASK
	btr |= (uint32(tm.BS1-1) & 15) << bxcan.BTR_TS1_SHIFT
	btr |= (uint32(tm.BS2-1) & 7) << bxcan.BTR_TS2_SHIFT
	btr |= (uint32(tm.SJW-1) & 3) << bxcan.BTR_SJW_SHIFT
	if opts.Silent {
		btr |= bxcan.BTR_SILM
	}
	d.regs.Write(bxcan.BTR, btr)

	// From here on interrupts are live again.
	d.regs.Write(bxcan.IER,
		bxcan.IER_TMEIE|
			bxcan.IER_FMPIE0|
			bxcan.IER_FMPIE1|
			bxcan.IER_ERRIE|
			bxcan.IER_LECIE|
			bxcan.IER_BOFIE)

	d.regs.Write(bxcan.MCR, bxcan.MCR_ABOM|bxcan.MCR_AWUM) // leave init mode
	d.hw.Unlock()

	if !d.waitINAK(false) {
		return ErrInitModeNotCleared
	}

	d.hw.Lock()
	d.configureDefaultFilter()
	d.running = true
	d.hw.Unlock()
	return nil
}

// Stop forces the controller into reset/sleep and masks its interrupts.
// Idempotent; counters and queued frames are discarded.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hw.Lock()
	defer d.hw.Unlock()

	d.regs.Write(bxcan.IER, 0)
	d.regs.Write(bxcan.MCR, bxcan.MCR_SLEEP|bxcan.MCR_RESET)
	d.running = false
}

// Send offers the frame to the hardware mailboxes, blocking up to timeout
// for a slot the frame's priority allows it to take. NotSent after the
// budget elapses is a normal backpressure outcome. Frames that lose local
// arbitration are retried here, never buffered.
func (d *Driver) Send(frame can.Frame, timeout time.Duration) (SendOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return NotSent, ErrNotRunning
	}
	if frame.IsError() || frame.Len > can.MaxDataLen {
		return NotSent, ErrUnsupportedFrame
	}

	started := time.Now()
	for {
		if d.canAccept(frame) {
			loaded, err := d.loadMailbox(frame)
			if err != nil {
				return NotSent, err
			}
			if loaded {
				return Transmitted, nil
			}
			// Lost the free slot between acceptance and load; benign,
			// fall through to the wait-and-retry path.
		}

		elapsed := time.Since(started)
		if elapsed >= timeout {
			metrics.IncSendTimeout()
			return NotSent, nil
		}
		d.txEvent.wait(timeout - elapsed)
	}
}

// Receive pops the oldest received frame, blocking up to timeout when the
// queue is empty. ok=false means no data within the budget.
func (d *Driver) Receive(timeout time.Duration) (rxf can.RxFrame, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return can.RxFrame{}, false
	}

	started := time.Now()
	for {
		d.hw.Lock()
		if f, nonEmpty := d.rxq.pop(); nonEmpty {
			d.hw.Unlock()
			return f, true
		}
		d.hw.Unlock()

		elapsed := time.Since(started)
		if elapsed >= timeout {
			return can.RxFrame{}, false
		}
		d.rxEvent.wait(timeout - elapsed)
	}
}

// Stats returns a consistent snapshot of the session diagnostics.
func (d *Driver) Stats() Stats {
	d.hw.Lock()
	defer d.hw.Unlock()
	return Stats{
		Errors:           d.errorCnt,
		RxHwOverflows:    d.rxOverflowCnt,
		RxQueueOverflows: d.rxq.overflowCount(),
		TxFrames:         d.txCnt,
		RxFrames:         d.rxCnt,
		LastErrorCode:    d.lastErrorCode,
		PeakTxMailbox:    d.peakTxMailbox,
		RxQueueLen:       d.rxq.len(),
	}
}

// HadActivity reports whether any real bus traffic happened since the last
// call, clearing the flag.
func (d *Driver) HadActivity() bool {
	d.hw.Lock()
	defer d.hw.Unlock()
	had := d.hadActivity
	d.hadActivity = false
	return had
}

// resetState rebuilds the per-session state. Caller holds hw and has masked
// the interrupt sources.
func (d *Driver) resetState(opts Options) {
	d.rxq.reset()
	for i := range d.pendingTx {
		d.pendingTx[i] = txItem{}
	}
	// Fresh events so stale signals from a previous session cannot leak
	// into this one.
	d.rxEvent = newEvent()
	d.txEvent = newEvent()
	d.errorCnt = 0
	d.rxOverflowCnt = 0
	d.txCnt = 0
	d.rxCnt = 0
	d.lastErrorCode = 0
	d.peakTxMailbox = 0
	d.hadActivity = false
	d.loopback = opts.Loopback
}

// waitINAK polls the initialization-acknowledge bit until it matches target
// or the bounded window elapses.
func (d *Driver) waitINAK(target bool) bool {
	deadline := time.Now().Add(d.cfg.InitTimeout)
	for {
		if (d.regs.Read(bxcan.MSR)&bxcan.MSR_INAK != 0) == target {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// canAccept implements the acceptance rule: free hardware slot available and
// the candidate outranks every pending frame, so it can never be starved
// behind the controller's own priority-based slot scheduling. Runs under hw
// so the mailbox flags and the transmit status register are read atomically
// with respect to the completion handler.
func (d *Driver) canAccept(frame can.Frame) bool {
	d.hw.Lock()
	defer d.hw.Unlock()

	const allTME = bxcan.TSR_TME0 | bxcan.TSR_TME1 | bxcan.TSR_TME2
	switch d.regs.Read(bxcan.TSR) & allTME {
	case allTME:
		return true // all mailboxes free
	case 0:
		return false // all mailboxes busy
	}

	for i := range d.pendingTx {
		if d.pendingTx[i].pending && !frame.PriorityOver(d.pendingTx[i].frame) {
			return false // a pending frame ranks >= the candidate
		}
	}
	return true
}

// loadMailbox programs the first free hardware slot with the frame and marks
// it pending. loaded=false means no slot was free, which the Send loop
// treats as a benign retry.
//
// The priority check from canAccept is intentionally not repeated here. The
// only way it could be invalidated between the two calls is a completion
// replacing the highest-priority pending frame with a lower-priority one,
// which on a functioning bus does not happen (frames do not time out in the
// mailboxes), and repeating the scan would lengthen every load's critical
// section. Accepted race, same as the source firmware.
func (d *Driver) loadMailbox(frame can.Frame) (loaded bool, err error) {
	if frame.IsError() || frame.Len > can.MaxDataLen {
		return false, ErrUnsupportedFrame
	}

	d.hw.Lock()
	defer d.hw.Unlock()

	tsr := d.regs.Read(bxcan.TSR)
	mbx := -1
	for i := 0; i < bxcan.NumTxMailboxes; i++ {
		if tsr&bxcan.TME(i) != 0 {
			mbx = i
			break
		}
	}
	if mbx < 0 {
		return false, nil
	}

	if uint8(mbx) > d.peakTxMailbox {
		d.peakTxMailbox = uint8(mbx)
		metrics.SetPeakTxMailbox(d.peakTxMailbox)
	}

	var tir uint32
	if frame.IsExtended() {
		tir = ((frame.ID & can.MaskExtended) << bxcan.IR_EXID_SHIFT) | bxcan.IR_IDE
	} else {
		tir = (frame.ID & can.MaskStandard) << bxcan.IR_STID_SHIFT
	}
	if frame.IsRemote() {
		tir |= bxcan.IR_RTR
	}

	d.regs.Write(bxcan.TDTR(mbx), uint32(frame.Len))
	d.regs.Write(bxcan.TDLR(mbx),
		uint32(frame.Data[0])|
			uint32(frame.Data[1])<<8|
			uint32(frame.Data[2])<<16|
			uint32(frame.Data[3])<<24)
	d.regs.Write(bxcan.TDHR(mbx),
		uint32(frame.Data[4])|
			uint32(frame.Data[5])<<8|
			uint32(frame.Data[6])<<16|
			uint32(frame.Data[7])<<24)
	d.regs.Write(bxcan.TIR(mbx), tir|bxcan.TIR_TXRQ) // transmission starts here

	d.pendingTx[mbx] = txItem{frame: frame, pending: true}
	return true, nil
}

// configureDefaultFilter programs bank 0 as a single permissive
// identifier-mask filter matching everything into FIFO 0. Caller holds hw.
func (d *Driver) configureDefaultFilter() {
	fmr := d.regs.Read(bxcan.FMR)
	d.regs.Write(bxcan.FMR, fmr|bxcan.FMR_FINIT)

	// Start bank of the slave instance; 27 parks it past the last bank on
	// single-instance parts. See the bxCAN macrocell documentation.
	fmr = d.regs.Read(bxcan.FMR)
	fmr &= 0xFFFFC0F1
	fmr |= 27 << 8
	d.regs.Write(bxcan.FMR, fmr)

	d.regs.Write(bxcan.FFA1R, 0)      // everything to FIFO 0
	d.regs.Write(bxcan.FM1R, 0)       // identifier-mask mode
	d.regs.Write(bxcan.FS1R, 0x1FFF)  // 32-bit scale
	d.regs.Write(bxcan.FR1(0), 0)     // match-all
	d.regs.Write(bxcan.FR2(0), 0)
	d.regs.Write(bxcan.FA1R, 1)       // activate bank 0

	fmr = d.regs.Read(bxcan.FMR)
	d.regs.Write(bxcan.FMR, fmr&^uint32(bxcan.FMR_FINIT))
}
