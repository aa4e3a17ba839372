// Package bxcan defines the register-level contract of the STM32 bxCAN
// macrocell: byte offsets into the peripheral block, the bit semantics of
// each register, and the Registers capability the driver performs all
// hardware access through. The bit layout is part of the external contract
// and is deliberately not abstracted away.
package bxcan

// Reg is a byte offset into the 0x400-byte bxCAN register block.
type Reg uint16

// Registers is the access capability for one bxCAN instance. Implementations
// are the memory-mapped block on real hardware and the controller model in
// internal/sim. All accesses are 32-bit.
type Registers interface {
	Read(r Reg) uint32
	Write(r Reg, v uint32)
}

// Control/status registers.
const (
	MCR  Reg = 0x000 // master control
	MSR  Reg = 0x004 // master status
	TSR  Reg = 0x008 // transmit status
	RF0R Reg = 0x00C // receive FIFO 0
	RF1R Reg = 0x010 // receive FIFO 1
	IER  Reg = 0x014 // interrupt enable
	ESR  Reg = 0x018 // error status
	BTR  Reg = 0x01C // bit timing
)

// BlockSize is the full extent of the register block, for mapping.
const BlockSize = 0x400

// NumTxMailboxes is fixed by the macrocell.
const NumTxMailboxes = 3

// NumRxFIFOs is fixed by the macrocell; each FIFO is 3 messages deep.
const (
	NumRxFIFOs  = 2
	RxFIFODepth = 3
)

// TIR..TDHR address the transmit mailbox registers of mailbox mbx (0..2).
func TIR(mbx int) Reg  { return Reg(0x180 + 0x10*mbx) }
func TDTR(mbx int) Reg { return Reg(0x184 + 0x10*mbx) }
func TDLR(mbx int) Reg { return Reg(0x188 + 0x10*mbx) }
func TDHR(mbx int) Reg { return Reg(0x18C + 0x10*mbx) }

// RIR..RDHR address the receive mailbox registers of FIFO fifo (0..1).
func RIR(fifo int) Reg  { return Reg(0x1B0 + 0x10*fifo) }
func RDTR(fifo int) Reg { return Reg(0x1B4 + 0x10*fifo) }
func RDLR(fifo int) Reg { return Reg(0x1B8 + 0x10*fifo) }
func RDHR(fifo int) Reg { return Reg(0x1BC + 0x10*fifo) }

// RFR returns the FIFO status register for fifo (0..1).
func RFR(fifo int) Reg {
	if fifo == 0 {
		return RF0R
	}
	return RF1R
}

// Filter bank registers.
const (
	FMR   Reg = 0x200 // filter master
	FM1R  Reg = 0x204 // filter mode
	FS1R  Reg = 0x20C // filter scale
	FFA1R Reg = 0x214 // filter FIFO assignment
	FA1R  Reg = 0x21C // filter activation
)

// FR1/FR2 address the two filter registers of bank (0..27).
func FR1(bank int) Reg { return Reg(0x240 + 8*bank) }
func FR2(bank int) Reg { return Reg(0x244 + 8*bank) }

// MCR bits.
const (
	MCR_INRQ  = 1 << 0  // initialization request
	MCR_SLEEP = 1 << 1  // sleep mode request
	MCR_AWUM  = 1 << 5  // automatic wakeup
	MCR_ABOM  = 1 << 6  // automatic bus-off recovery
	MCR_RESET = 1 << 15 // software master reset
)

// MSR bits.
const (
	MSR_INAK = 1 << 0 // initialization acknowledge
	MSR_SLAK = 1 << 1 // sleep acknowledge
	MSR_ERRI = 1 << 2 // error interrupt pending, write 1 to clear
)

// TSR bits. Mailbox n uses the low-byte bits shifted left by 8*n; the
// mailbox-empty and abort bits live in the high byte.
const (
	TSR_RQCP0 = 1 << 0 // request completed, write 1 to clear
	TSR_TXOK0 = 1 << 1 // transmission OK
	TSR_ABRQ0 = 1 << 7 // abort request
	TSR_RQCP1 = TSR_RQCP0 << 8
	TSR_TXOK1 = TSR_TXOK0 << 8
	TSR_ABRQ1 = TSR_ABRQ0 << 8
	TSR_RQCP2 = TSR_RQCP0 << 16
	TSR_TXOK2 = TSR_TXOK0 << 16
	TSR_ABRQ2 = TSR_ABRQ0 << 16
	TSR_TME0  = 1 << 26 // transmit mailbox empty
	TSR_TME1  = 1 << 27
	TSR_TME2  = 1 << 28
)

// RQCP returns the request-completed bit for mailbox mbx.
func RQCP(mbx int) uint32 { return TSR_RQCP0 << (8 * mbx) }

// TXOK returns the transmit-OK bit for mailbox mbx.
func TXOK(mbx int) uint32 { return TSR_TXOK0 << (8 * mbx) }

// TME returns the mailbox-empty bit for mailbox mbx.
func TME(mbx int) uint32 { return TSR_TME0 << mbx }

// RF0R/RF1R bits (identical layout for both FIFOs).
const (
	RFR_FMP_MASK = 0x3    // pending message count
	RFR_FULL     = 1 << 3 // FIFO full, write 1 to clear
	RFR_FOVR     = 1 << 4 // FIFO overrun, write 1 to clear
	RFR_RFOM     = 1 << 5 // release output mailbox
)

// IER bits.
const (
	IER_TMEIE  = 1 << 0  // transmit mailbox empty
	IER_FMPIE0 = 1 << 1  // FIFO 0 message pending
	IER_FMPIE1 = 1 << 4  // FIFO 1 message pending
	IER_BOFIE  = 1 << 10 // bus-off
	IER_LECIE  = 1 << 11 // last error code change
	IER_ERRIE  = 1 << 15 // general error
)

// ESR bits.
const (
	ESR_BOFF      = 1 << 2 // bus-off state
	ESR_LEC_MASK  = 0x7 << ESR_LEC_SHIFT
	ESR_LEC_SHIFT = 4
)

// BTR fields.
const (
	BTR_BRP_MASK  = 0x3FF // prescaler - 1
	BTR_TS1_SHIFT = 16    // BS1 - 1, 4 bits
	BTR_TS2_SHIFT = 20    // BS2 - 1, 3 bits
	BTR_SJW_SHIFT = 24    // SJW - 1, 2 bits
	BTR_SILM      = 1 << 31
)

// TIR/RIR bits. The identifier occupies bits 21..31 for standard frames and
// bits 3..31 for extended frames.
const (
	TIR_TXRQ      = 1 << 0 // transmit request (TIR only)
	IR_RTR        = 1 << 1
	IR_IDE        = 1 << 2
	IR_EXID_SHIFT = 3
	IR_STID_SHIFT = 21
)

// FMR bits.
const (
	FMR_FINIT       = 1 << 0 // filter init mode
	FMR_CAN2SB_MASK = 0x3F << 8
)
