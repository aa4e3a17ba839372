package driver

import (
	"time"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/metrics"
)

// ServiceInterrupt drains every pending interrupt cause of the shared CAN
// interrupt line: per-mailbox transmit completions, both receive FIFOs, then
// the status-change flag. The platform's interrupt trampoline (or the
// simulator's delivery goroutine) invokes it once per event batch; causes
// arriving during the drain are picked up before it returns or raise the
// line again.
func (d *Driver) ServiceInterrupt() {
	now := d.cfg.Now()

	d.hw.Lock()
	defer d.hw.Unlock()

	// TXOK deasserted on a completed request means the hardware failed the
	// transmission (arbitration lost terminally or bus error).
	tsr := d.regs.Read(bxcan.TSR)
	for mbx := 0; mbx < bxcan.NumTxMailboxes; mbx++ {
		if tsr&bxcan.RQCP(mbx) != 0 {
			txok := tsr&bxcan.TXOK(mbx) != 0
			d.regs.Write(bxcan.TSR, bxcan.RQCP(mbx)) // clears RQCP and TXOK
			d.handleTxComplete(mbx, txok, now)
		}
	}

	for fifo := 0; fifo < bxcan.NumRxFIFOs; fifo++ {
		for d.regs.Read(bxcan.RFR(fifo))&bxcan.RFR_FMP_MASK != 0 {
			d.handleRx(fifo, now)
		}
	}

	if d.regs.Read(bxcan.MSR)&bxcan.MSR_ERRI != 0 {
		d.handleStatusChange(now)
	}
}

// handleTxComplete frees one transmit slot, accounts for the outcome, loops
// the frame back when the session asks for it, and wakes one sender.
func (d *Driver) handleTxComplete(mbx int, txok bool, now time.Time) {
	if txok {
		d.hadActivity = true
		d.txCnt++
		metrics.IncTx()
	}

	txi := &d.pendingTx[mbx]
	if d.loopback && txi.pending {
		d.pushRx(can.RxFrame{
			Frame:     txi.frame,
			Loopback:  true,
			Failed:    !txok,
			Timestamp: now,
		})
	}
	txi.pending = false

	d.txEvent.signal()
}

// handleRx decodes one hardware FIFO entry into the receive queue and
// releases the entry back to the controller.
func (d *Driver) handleRx(fifo int, now time.Time) {
	rfr := d.regs.Read(bxcan.RFR(fifo))
	if rfr&bxcan.RFR_FMP_MASK == 0 {
		return // spurious, nothing to read
	}

	// A FIFO overrun is an accounting event, not a failure; the entry that
	// is present still gets delivered.
	if rfr&bxcan.RFR_FOVR != 0 {
		d.rxOverflowCnt++
		metrics.IncRxOverflow()
	}

	rir := d.regs.Read(bxcan.RIR(fifo))
	var frame can.Frame
	if rir&bxcan.IR_IDE == 0 {
		frame.ID = can.MaskStandard & (rir >> bxcan.IR_STID_SHIFT)
	} else {
		frame.ID = (can.MaskExtended & (rir >> bxcan.IR_EXID_SHIFT)) | can.FlagExtended
	}
	if rir&bxcan.IR_RTR != 0 {
		frame.ID |= can.FlagRemote
	}

	dlc := uint8(d.regs.Read(bxcan.RDTR(fifo)) & 15)
	if dlc > can.MaxDataLen {
		dlc = can.MaxDataLen
	}
	frame.Len = dlc

	lo := d.regs.Read(bxcan.RDLR(fifo))
	hi := d.regs.Read(bxcan.RDHR(fifo))
	for i := 0; i < 4; i++ {
		frame.Data[i] = byte(lo >> (8 * i))
		frame.Data[i+4] = byte(hi >> (8 * i))
	}

	// Release the FIFO entry just read, clearing overrun/full along the way.
	d.regs.Write(bxcan.RFR(fifo), bxcan.RFR_RFOM|bxcan.RFR_FOVR|bxcan.RFR_FULL)

	d.pushRx(can.RxFrame{Frame: frame, Timestamp: now})
}

// handleStatusChange services the error interrupt: on bus-off it aborts all
// in-flight transmissions and reports them failed, and it records any
// non-zero last-error-code. The controller recovers from bus-off on its own
// (ABOM); the driver keeps running.
func (d *Driver) handleStatusChange(now time.Time) {
	d.regs.Write(bxcan.MSR, bxcan.MSR_ERRI) // clear the error interrupt

	esr := d.regs.Read(bxcan.ESR)
	if esr&bxcan.ESR_BOFF != 0 {
		d.regs.Write(bxcan.TSR, bxcan.TSR_ABRQ0|bxcan.TSR_ABRQ1|bxcan.TSR_ABRQ2)
		d.txEvent.signal()
		metrics.IncBusOff()

		for i := range d.pendingTx {
			txi := &d.pendingTx[i]
			if !txi.pending {
				continue
			}
			txi.pending = false
			if d.loopback {
				d.pushRx(can.RxFrame{
					Frame:     txi.frame,
					Loopback:  true,
					Failed:    true,
					Timestamp: now,
				})
			}
		}
	}

	if lec := uint8((esr & bxcan.ESR_LEC_MASK) >> bxcan.ESR_LEC_SHIFT); lec != 0 {
		d.lastErrorCode = lec
		d.errorCnt++
		metrics.IncBusError()
		metrics.SetLastErrorCode(lec)
	}

	d.regs.Write(bxcan.ESR, 0)
}

// pushRx appends to the receive queue and wakes one receiver. Caller holds
// hw. Only real bus traffic counts toward rx statistics; loopback echoes
// are accounted separately.
func (d *Driver) pushRx(rxf can.RxFrame) {
	// The queue keeps its own saturating eviction counter; the merged
	// Prometheus counter covers hardware and software overflows alike.
	if d.rxq.push(rxf) {
		metrics.IncRxOverflow()
	}
	d.rxEvent.signal()

	if !rxf.Loopback && !rxf.Failed {
		d.hadActivity = true
		d.rxCnt++
		metrics.IncRx()
	} else if rxf.Loopback {
		metrics.IncLoopback()
	}
}
