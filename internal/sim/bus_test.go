package sim

import (
	"testing"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/can"
)

func TestInitModeHandshake(t *testing.T) {
	b := New(Options{})
	if b.Read(bxcan.MSR)&bxcan.MSR_INAK != 0 {
		t.Fatalf("INAK asserted at reset")
	}
	b.Write(bxcan.MCR, bxcan.MCR_INRQ)
	if b.Read(bxcan.MSR)&bxcan.MSR_INAK == 0 {
		t.Fatalf("INRQ not acknowledged")
	}
	b.Write(bxcan.MCR, 0)
	if b.Read(bxcan.MSR)&bxcan.MSR_INAK != 0 {
		t.Fatalf("INAK stuck after leaving init mode")
	}
}

func TestManualTxCompletion(t *testing.T) {
	b := New(Options{ManualTx: true})

	b.Write(bxcan.TDTR(1), 2)
	b.Write(bxcan.TDLR(1), 0x0201)
	b.Write(bxcan.TIR(1), (0x123<<bxcan.IR_STID_SHIFT)|bxcan.TIR_TXRQ)

	if b.Read(bxcan.TSR)&bxcan.TSR_TME1 != 0 {
		t.Fatalf("mailbox 1 still free after TXRQ")
	}
	b.CompleteTx(1, true)

	tsr := b.Read(bxcan.TSR)
	if tsr&bxcan.RQCP(1) == 0 || tsr&bxcan.TXOK(1) == 0 {
		t.Fatalf("completion flags not set: tsr=%#x", tsr)
	}
	b.Write(bxcan.TSR, bxcan.RQCP(1))
	tsr = b.Read(bxcan.TSR)
	if tsr&bxcan.RQCP(1) != 0 || tsr&bxcan.TSR_TME1 == 0 {
		t.Fatalf("RQCP write-1-to-clear broken: tsr=%#x", tsr)
	}

	tr := b.Transcript()
	if len(tr) != 1 || tr[0].ID != 0x123 || tr[0].Len != 2 || tr[0].Data[0] != 1 || tr[0].Data[1] != 2 {
		t.Fatalf("transcript %+v", tr)
	}
}

func TestAbortFreesSlotWithoutCompletion(t *testing.T) {
	b := New(Options{ManualTx: true})
	b.Write(bxcan.TIR(0), (0x10<<bxcan.IR_STID_SHIFT)|bxcan.TIR_TXRQ)
	b.Write(bxcan.TSR, bxcan.TSR_ABRQ0)

	tsr := b.Read(bxcan.TSR)
	if tsr&bxcan.TSR_TME0 == 0 {
		t.Fatalf("abort did not free the mailbox: tsr=%#x", tsr)
	}
	if tsr&bxcan.RQCP(0) != 0 {
		t.Fatalf("abort must not raise a completion")
	}
	// A stale CompleteTx for the aborted request must be dropped.
	b.CompleteTx(0, true)
	if len(b.Transcript()) != 0 {
		t.Fatalf("aborted frame leaked into the transcript")
	}
}

func TestFIFOOverrun(t *testing.T) {
	b := New(Options{})
	for i := 0; i < 4; i++ {
		b.InjectFrame(0, can.Frame{ID: uint32(i), Len: 1, Data: [8]byte{byte(i)}})
	}
	rfr := b.Read(bxcan.RF0R)
	if rfr&bxcan.RFR_FMP_MASK != 3 {
		t.Fatalf("FMP=%d, want 3", rfr&bxcan.RFR_FMP_MASK)
	}
	if rfr&bxcan.RFR_FOVR == 0 || rfr&bxcan.RFR_FULL == 0 {
		t.Fatalf("overrun flags missing: rfr=%#x", rfr)
	}

	// Release one entry and clear the flags; the next pending message shows.
	first := b.Read(bxcan.RIR(0)) >> bxcan.IR_STID_SHIFT
	if first != 0 {
		t.Fatalf("head id=%d, want 0", first)
	}
	b.Write(bxcan.RF0R, bxcan.RFR_RFOM|bxcan.RFR_FOVR|bxcan.RFR_FULL)
	rfr = b.Read(bxcan.RF0R)
	if rfr&bxcan.RFR_FMP_MASK != 2 || rfr&bxcan.RFR_FOVR != 0 {
		t.Fatalf("after release: rfr=%#x", rfr)
	}
	if id := b.Read(bxcan.RIR(0)) >> bxcan.IR_STID_SHIFT; id != 1 {
		t.Fatalf("next id=%d, want 1", id)
	}
}

func TestIRQDelivery(t *testing.T) {
	b := New(Options{})
	fired := 0
	b.BindIRQ(func() { fired++ })

	b.InjectFrame(0, can.Frame{ID: 1})
	if fired != 0 {
		t.Fatalf("interrupt fired with FMPIE0 masked")
	}
	b.Write(bxcan.IER, bxcan.IER_FMPIE0)
	b.InjectFrame(0, can.Frame{ID: 2})
	if fired != 1 {
		t.Fatalf("fired=%d, want 1", fired)
	}
}
