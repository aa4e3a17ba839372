// Package sim models a bxCAN controller well enough to run the driver
// without silicon: the init-mode handshake, the three transmit mailboxes
// with completion and abort, the two 3-deep receive FIFOs with overrun, and
// error/bus-off injection. It fills the role gocanopen's virtual bus plays
// for that stack's driver tests.
package sim

import (
	"sync"
	"time"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/can"
)

// Options tune the model, mostly for fault-path tests.
type Options struct {
	// ManualTx suppresses automatic transmit completion; the test drives
	// CompleteTx itself, so mailboxes stay busy indefinitely.
	ManualTx bool
	// TxDelay postpones automatic completions.
	TxDelay time.Duration
	// WedgeInitEntry keeps INAK deasserted forever (init entry never
	// acknowledged). WedgeInitExit keeps it asserted once set.
	WedgeInitEntry bool
	WedgeInitExit  bool
}

type txSlot struct {
	busy bool // TME deasserted
	rqcp bool
	txok bool
	gen  int // bumped on abort so a stale scheduled completion is dropped
	tir  uint32
	tdtr uint32
	tdlr uint32
	tdhr uint32
}

type rxEntry struct {
	rir  uint32
	rdtr uint32
	rdlr uint32
	rdhr uint32
}

// Bus implements bxcan.Registers. Interrupts are delivered by invoking the
// bound callback with no internal lock held, so the handler is free to read
// and write registers; automatic transmit completions are delivered from a
// separate goroutine for the same reason.
type Bus struct {
	mu  sync.Mutex
	opt Options
	irq func()

	mcr, ier, btr                uint32
	fmr, fm1r, fs1r, ffa1r, fa1r uint32
	filters                      [28][2]uint32

	inak   bool
	erri   bool
	busOff bool
	lec    uint8

	tx   [bxcan.NumTxMailboxes]txSlot
	fifo [bxcan.NumRxFIFOs][]rxEntry
	full [bxcan.NumRxFIFOs]bool
	fovr [bxcan.NumRxFIFOs]bool

	transcript []can.Frame
	onTx       func(can.Frame)
}

// New returns a powered-up controller in its reset state.
func New(opt Options) *Bus {
	b := &Bus{opt: opt}
	b.mcr = bxcan.MCR_SLEEP // reset value: sleep requested
	return b
}

// BindIRQ attaches the interrupt line. The callback runs with no bus lock
// held and may freely access registers.
func (b *Bus) BindIRQ(fn func()) {
	b.mu.Lock()
	b.irq = fn
	b.mu.Unlock()
}

// OnTx observes every successfully completed transmission.
func (b *Bus) OnTx(fn func(can.Frame)) {
	b.mu.Lock()
	b.onTx = fn
	b.mu.Unlock()
}

// Transcript returns the frames transmitted successfully so far.
func (b *Bus) Transcript() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]can.Frame, len(b.transcript))
	copy(out, b.transcript)
	return out
}

// Read implements bxcan.Registers.
func (b *Bus) Read(r bxcan.Reg) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case r == bxcan.MCR:
		return b.mcr
	case r == bxcan.MSR:
		v := uint32(0)
		if b.inak {
			v |= bxcan.MSR_INAK
		}
		if b.mcr&bxcan.MCR_SLEEP != 0 {
			v |= bxcan.MSR_SLAK
		}
		if b.erri {
			v |= bxcan.MSR_ERRI
		}
		return v
	case r == bxcan.TSR:
		v := uint32(0)
		for i := range b.tx {
			if !b.tx[i].busy {
				v |= bxcan.TME(i)
			}
			if b.tx[i].rqcp {
				v |= bxcan.RQCP(i)
			}
			if b.tx[i].txok {
				v |= bxcan.TXOK(i)
			}
		}
		return v
	case r == bxcan.RF0R || r == bxcan.RF1R:
		return b.rfr(fifoIndex(r))
	case r == bxcan.IER:
		return b.ier
	case r == bxcan.ESR:
		v := uint32(b.lec) << bxcan.ESR_LEC_SHIFT
		if b.busOff {
			v |= bxcan.ESR_BOFF
		}
		return v
	case r == bxcan.BTR:
		return b.btr
	case r >= bxcan.TIR(0) && r < bxcan.RIR(0):
		mbx, word := mailboxWord(r, bxcan.TIR(0))
		s := &b.tx[mbx]
		return [...]uint32{s.tir, s.tdtr, s.tdlr, s.tdhr}[word]
	case r >= bxcan.RIR(0) && r < bxcan.RIR(0)+0x20:
		fifo, word := mailboxWord(r, bxcan.RIR(0))
		if len(b.fifo[fifo]) == 0 {
			return 0
		}
		e := b.fifo[fifo][0]
		return [...]uint32{e.rir, e.rdtr, e.rdlr, e.rdhr}[word]
	case r == bxcan.FMR:
		return b.fmr
	case r == bxcan.FM1R:
		return b.fm1r
	case r == bxcan.FS1R:
		return b.fs1r
	case r == bxcan.FFA1R:
		return b.ffa1r
	case r == bxcan.FA1R:
		return b.fa1r
	case r >= bxcan.FR1(0) && r < bxcan.FR1(28):
		bank := int(r-bxcan.FR1(0)) / 8
		word := int(r-bxcan.FR1(0)) / 4 % 2
		return b.filters[bank][word]
	}
	return 0
}

// Write implements bxcan.Registers.
func (b *Bus) Write(r bxcan.Reg, v uint32) {
	var scheduled []int

	b.mu.Lock()
	switch {
	case r == bxcan.MCR:
		if v&bxcan.MCR_RESET != 0 {
			b.reset()
			b.mu.Unlock()
			return
		}
		b.mcr = v
		if v&bxcan.MCR_INRQ != 0 {
			if !b.opt.WedgeInitEntry {
				b.inak = true
			}
		} else if !b.opt.WedgeInitExit {
			b.inak = false
		}
	case r == bxcan.MSR:
		if v&bxcan.MSR_ERRI != 0 {
			b.erri = false
		}
	case r == bxcan.TSR:
		for i := range b.tx {
			if v&bxcan.RQCP(i) != 0 {
				b.tx[i].rqcp = false
				b.tx[i].txok = false
			}
			if v&(bxcan.TSR_ABRQ0<<(8*i)) != 0 && b.tx[i].busy && !b.tx[i].rqcp {
				// Abort: the slot frees without a completion event.
				b.tx[i].busy = false
				b.tx[i].gen++
			}
		}
	case r == bxcan.RF0R || r == bxcan.RF1R:
		f := fifoIndex(r)
		if v&bxcan.RFR_FOVR != 0 {
			b.fovr[f] = false
		}
		if v&bxcan.RFR_FULL != 0 {
			b.full[f] = false
		}
		if v&bxcan.RFR_RFOM != 0 && len(b.fifo[f]) > 0 {
			b.fifo[f] = b.fifo[f][1:]
		}
	case r == bxcan.IER:
		b.ier = v
	case r == bxcan.ESR:
		b.lec = 0 // BOFF reflects bus state and is not writable
	case r == bxcan.BTR:
		b.btr = v
	case r >= bxcan.TIR(0) && r < bxcan.RIR(0):
		mbx, word := mailboxWord(r, bxcan.TIR(0))
		s := &b.tx[mbx]
		switch word {
		case 0:
			s.tir = v
			if v&bxcan.TIR_TXRQ != 0 && !s.busy {
				s.busy = true
				if !b.opt.ManualTx {
					s.gen++
					scheduled = append(scheduled, mbx)
				}
			}
		case 1:
			s.tdtr = v
		case 2:
			s.tdlr = v
		case 3:
			s.tdhr = v
		}
	case r == bxcan.FMR:
		b.fmr = v
	case r == bxcan.FM1R:
		b.fm1r = v
	case r == bxcan.FS1R:
		b.fs1r = v
	case r == bxcan.FFA1R:
		b.ffa1r = v
	case r == bxcan.FA1R:
		b.fa1r = v
	case r >= bxcan.FR1(0) && r < bxcan.FR1(28):
		bank := int(r-bxcan.FR1(0)) / 8
		word := int(r-bxcan.FR1(0)) / 4 % 2
		b.filters[bank][word] = v
	}
	gens := make([]int, len(scheduled))
	for i, mbx := range scheduled {
		gens[i] = b.tx[mbx].gen
	}
	delay := b.opt.TxDelay
	b.mu.Unlock()

	for i, mbx := range scheduled {
		go func(mbx, gen int) {
			if delay > 0 {
				time.Sleep(delay)
			}
			b.completeTx(mbx, gen)
		}(mbx, gens[i])
	}
}

// CompleteTx finishes a pending transmission by hand (ManualTx mode).
func (b *Bus) CompleteTx(mbx int, ok bool) {
	b.mu.Lock()
	gen := b.tx[mbx].gen
	b.mu.Unlock()
	b.finishTx(mbx, gen, ok)
}

// completeTx is the automatic path; the outcome depends on bus state.
func (b *Bus) completeTx(mbx, gen int) {
	b.mu.Lock()
	ok := !b.busOff
	b.mu.Unlock()
	b.finishTx(mbx, gen, ok)
}

func (b *Bus) finishTx(mbx, gen int, ok bool) {
	b.mu.Lock()
	s := &b.tx[mbx]
	if !s.busy || s.rqcp || s.gen != gen {
		b.mu.Unlock()
		return // aborted or already completed
	}
	s.busy = false
	s.rqcp = true
	s.txok = ok
	var frame can.Frame
	var observer func(can.Frame)
	if ok {
		frame = decodeTx(s)
		b.transcript = append(b.transcript, frame)
		observer = b.onTx
	}
	fire := b.ier&bxcan.IER_TMEIE != 0
	irq := b.irq
	b.mu.Unlock()

	if observer != nil {
		observer(frame)
	}
	if fire && irq != nil {
		irq()
	}
}

// InjectFrame presents a frame on the wire into the given FIFO. With the
// FIFO already holding three messages the newcomer is lost and the overrun
// flag raised, as the hardware does.
func (b *Bus) InjectFrame(fifo int, frame can.Frame) {
	e := encodeRx(frame)

	b.mu.Lock()
	if len(b.fifo[fifo]) >= bxcan.RxFIFODepth {
		b.fovr[fifo] = true
		b.full[fifo] = true
		fire := b.ier&fmpie(fifo) != 0
		irq := b.irq
		b.mu.Unlock()
		if fire && irq != nil {
			irq()
		}
		return
	}
	b.fifo[fifo] = append(b.fifo[fifo], e)
	if len(b.fifo[fifo]) == bxcan.RxFIFODepth {
		b.full[fifo] = true
	}
	fire := b.ier&fmpie(fifo) != 0
	irq := b.irq
	b.mu.Unlock()

	if fire && irq != nil {
		irq()
	}
}

// InjectBusError raises the error interrupt with the given last-error-code.
func (b *Bus) InjectBusError(lec uint8) {
	b.mu.Lock()
	b.lec = lec & 7
	b.erri = true
	fire := b.ier&(bxcan.IER_ERRIE|bxcan.IER_LECIE) != 0
	irq := b.irq
	b.mu.Unlock()
	if fire && irq != nil {
		irq()
	}
}

// InjectBusOff drives the controller bus-off and raises the error interrupt.
func (b *Bus) InjectBusOff(lec uint8) {
	b.mu.Lock()
	b.busOff = true
	b.lec = lec & 7
	b.erri = true
	fire := b.ier&(bxcan.IER_ERRIE|bxcan.IER_BOFIE|bxcan.IER_LECIE) != 0
	irq := b.irq
	b.mu.Unlock()
	if fire && irq != nil {
		irq()
	}
}

// RecoverBus clears the bus-off condition (the ABOM recovery the real
// controller performs after 128 idle sequences).
func (b *Bus) RecoverBus() {
	b.mu.Lock()
	b.busOff = false
	b.mu.Unlock()
}

func (b *Bus) reset() {
	b.mcr = bxcan.MCR_SLEEP
	b.ier = 0
	b.btr = 0
	b.inak = false
	b.erri = false
	b.busOff = false
	b.lec = 0
	for i := range b.tx {
		b.tx[i] = txSlot{gen: b.tx[i].gen + 1}
	}
	for f := range b.fifo {
		b.fifo[f] = nil
		b.full[f] = false
		b.fovr[f] = false
	}
}

func (b *Bus) rfr(fifo int) uint32 {
	v := uint32(len(b.fifo[fifo])) & bxcan.RFR_FMP_MASK
	if b.full[fifo] {
		v |= bxcan.RFR_FULL
	}
	if b.fovr[fifo] {
		v |= bxcan.RFR_FOVR
	}
	return v
}

func fifoIndex(r bxcan.Reg) int {
	if r == bxcan.RF0R {
		return 0
	}
	return 1
}

func fmpie(fifo int) uint32 {
	if fifo == 0 {
		return bxcan.IER_FMPIE0
	}
	return bxcan.IER_FMPIE1
}

// mailboxWord resolves a register inside a mailbox block into (mailbox,
// word) where word indexes IR/DTR/DLR/DHR.
func mailboxWord(r, base bxcan.Reg) (int, int) {
	off := int(r - base)
	return off / 0x10, off % 0x10 / 4
}

func encodeRx(frame can.Frame) rxEntry {
	var e rxEntry
	if frame.IsExtended() {
		e.rir = ((frame.ID & can.MaskExtended) << bxcan.IR_EXID_SHIFT) | bxcan.IR_IDE
	} else {
		e.rir = (frame.ID & can.MaskStandard) << bxcan.IR_STID_SHIFT
	}
	if frame.IsRemote() {
		e.rir |= bxcan.IR_RTR
	}
	e.rdtr = uint32(frame.Len) & 15
	e.rdlr = uint32(frame.Data[0]) | uint32(frame.Data[1])<<8 |
		uint32(frame.Data[2])<<16 | uint32(frame.Data[3])<<24
	e.rdhr = uint32(frame.Data[4]) | uint32(frame.Data[5])<<8 |
		uint32(frame.Data[6])<<16 | uint32(frame.Data[7])<<24
	return e
}

func decodeTx(s *txSlot) can.Frame {
	var frame can.Frame
	if s.tir&bxcan.IR_IDE != 0 {
		frame.ID = (can.MaskExtended & (s.tir >> bxcan.IR_EXID_SHIFT)) | can.FlagExtended
	} else {
		frame.ID = can.MaskStandard & (s.tir >> bxcan.IR_STID_SHIFT)
	}
	if s.tir&bxcan.IR_RTR != 0 {
		frame.ID |= can.FlagRemote
	}
	frame.Len = uint8(s.tdtr & 15)
	if frame.Len > can.MaxDataLen {
		frame.Len = can.MaxDataLen
	}
	for i := 0; i < 4; i++ {
		frame.Data[i] = byte(s.tdlr >> (8 * i))
		frame.Data[i+4] = byte(s.tdhr >> (8 * i))
	}
	return frame
}
