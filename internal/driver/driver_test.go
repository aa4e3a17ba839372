package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/sim"
)

const testClock = 36_000_000

func newRig(t *testing.T, simOpts sim.Options) (*sim.Bus, *Driver) {
	t.Helper()
	bus := sim.New(simOpts)
	d := New(bus, Config{ClockHz: testClock, InitTimeout: 100 * time.Millisecond})
	bus.BindIRQ(d.ServiceInterrupt)
	return bus, d
}

func stdFrame(id uint32, data ...byte) can.Frame {
	f := can.Frame{ID: id, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

func TestStart_ProgramsController(t *testing.T) {
	bus, d := newRig(t, sim.Options{})
	require.NoError(t, d.Start(500_000, Options{Silent: true}))

	// 36 MHz / 500k: prescaler 6, BS1 9, BS2 2, SJW 1.
	wantBTR := uint32(5) | uint32(8)<<bxcan.BTR_TS1_SHIFT | uint32(1)<<bxcan.BTR_TS2_SHIFT | bxcan.BTR_SILM
	assert.Equal(t, wantBTR, bus.Read(bxcan.BTR))

	// Out of init mode with auto bus-off recovery and wake-up.
	assert.Equal(t, uint32(bxcan.MCR_ABOM|bxcan.MCR_AWUM), bus.Read(bxcan.MCR))
	assert.Zero(t, bus.Read(bxcan.MSR)&bxcan.MSR_INAK)

	wantIER := uint32(bxcan.IER_TMEIE | bxcan.IER_FMPIE0 | bxcan.IER_FMPIE1 |
		bxcan.IER_ERRIE | bxcan.IER_LECIE | bxcan.IER_BOFIE)
	assert.Equal(t, wantIER, bus.Read(bxcan.IER))

	// Permissive filter bank 0 into FIFO 0.
	assert.Equal(t, uint32(1), bus.Read(bxcan.FA1R))
	assert.Equal(t, uint32(0x1FFF), bus.Read(bxcan.FS1R))
	assert.Zero(t, bus.Read(bxcan.FMR)&bxcan.FMR_FINIT)
}

func TestStart_InvalidBitRate(t *testing.T) {
	_, d := newRig(t, sim.Options{})
	err := d.Start(1_565_217, Options{})
	require.ErrorIs(t, err, ErrInvalidBitRate)

	_, err2 := d.Send(stdFrame(0x123, 1), 0)
	assert.ErrorIs(t, err2, ErrNotRunning)
	_, ok := d.Receive(0)
	assert.False(t, ok)
}

func TestStart_InitModeTimeouts(t *testing.T) {
	_, d := newRig(t, sim.Options{WedgeInitEntry: true})
	d.cfg.InitTimeout = 20 * time.Millisecond
	assert.ErrorIs(t, d.Start(500_000, Options{}), ErrInitModeNotEntered)

	_, d = newRig(t, sim.Options{WedgeInitExit: true})
	d.cfg.InitTimeout = 20 * time.Millisecond
	assert.ErrorIs(t, d.Start(500_000, Options{}), ErrInitModeNotCleared)
}

func TestStart_EnableRunsOnce(t *testing.T) {
	bus := sim.New(sim.Options{})
	enables := 0
	d := New(bus, Config{ClockHz: testClock, Enable: func() { enables++ }})
	bus.BindIRQ(d.ServiceInterrupt)

	require.NoError(t, d.Start(500_000, Options{}))
	d.Stop()
	require.NoError(t, d.Start(250_000, Options{}))
	assert.Equal(t, 1, enables)
}

func TestSend_UnsupportedFrames(t *testing.T) {
	_, d := newRig(t, sim.Options{})
	require.NoError(t, d.Start(500_000, Options{}))

	_, err := d.Send(can.Frame{ID: 0x1 | can.FlagError}, time.Second)
	assert.ErrorIs(t, err, ErrUnsupportedFrame)

	_, err = d.Send(can.Frame{ID: 0x1, Len: 9}, time.Second)
	assert.ErrorIs(t, err, ErrUnsupportedFrame)
}

func TestLoopback_EndToEnd(t *testing.T) {
	bus, d := newRig(t, sim.Options{})
	require.NoError(t, d.Start(1_000_000, Options{Loopback: true}))

	sent := stdFrame(0x123, 1, 2)
	outcome, err := d.Send(sent, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, Transmitted, outcome)

	rxf, ok := d.Receive(100 * time.Millisecond)
	require.True(t, ok, "loopback frame must arrive")
	assert.True(t, rxf.Loopback)
	assert.False(t, rxf.Failed)
	assert.True(t, rxf.Frame.Equal(sent), "echoed frame differs: %+v", rxf.Frame)

	require.Len(t, bus.Transcript(), 1)
	assert.True(t, bus.Transcript()[0].Equal(sent))

	// TXOK marks activity; the loopback echo itself is not bus traffic.
	st := d.Stats()
	assert.Equal(t, uint64(1), st.TxFrames)
	assert.Equal(t, uint64(0), st.RxFrames)
	assert.True(t, d.HadActivity())
	assert.False(t, d.HadActivity(), "activity flag must clear on read")
}

func TestMailboxAcceptance_PriorityGate(t *testing.T) {
	bus, d := newRig(t, sim.Options{ManualTx: true})
	require.NoError(t, d.Start(500_000, Options{}))

	// Filling all three slots requires strictly ascending priority.
	for _, id := range []uint32{0x300, 0x200, 0x100} {
		outcome, err := d.Send(stdFrame(id, 0xAA), 0)
		require.NoError(t, err)
		require.Equalf(t, Transmitted, outcome, "id 0x%X must load", id)
	}
	assert.Equal(t, uint8(2), d.Stats().PeakTxMailbox)

	// All mailboxes busy: immediate backpressure.
	outcome, err := d.Send(stdFrame(0x050), 0)
	require.NoError(t, err)
	assert.Equal(t, NotSent, outcome)

	// Free mailbox 0 (held id 0x300). Pending now: 0x200, 0x100.
	bus.CompleteTx(0, true)

	// 0x180 outranks 0x200 but not 0x100: any pending frame ranking at or
	// above the candidate blocks it.
	outcome, err = d.Send(stdFrame(0x180), 0)
	require.NoError(t, err)
	assert.Equal(t, NotSent, outcome)

	// 0x080 outranks every pending frame and takes the free slot.
	outcome, err = d.Send(stdFrame(0x080), 0)
	require.NoError(t, err)
	assert.Equal(t, Transmitted, outcome)
}

func TestBusOff_AbortsPendingWithFailedLoopback(t *testing.T) {
	bus, d := newRig(t, sim.Options{ManualTx: true})
	require.NoError(t, d.Start(500_000, Options{Loopback: true}))

	_, err := d.Send(stdFrame(0x300, 3), 0)
	require.NoError(t, err)
	_, err = d.Send(stdFrame(0x200, 2), 0)
	require.NoError(t, err)

	bus.InjectBusOff(5) // LEC 5: bit dominant error

	// Both pending slots must be reported failed, in slot order.
	first, ok := d.Receive(100 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, uint32(0x300), first.Frame.ID)
	assert.True(t, first.Loopback)
	assert.True(t, first.Failed)

	second, ok := d.Receive(100 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, uint32(0x200), second.Frame.ID)
	assert.True(t, second.Loopback)
	assert.True(t, second.Failed)

	st := d.Stats()
	assert.Equal(t, uint64(1), st.Errors)
	assert.Equal(t, uint8(5), st.LastErrorCode)
	assert.Equal(t, uint64(0), st.TxFrames)

	// The driver remains usable once the bus recovers.
	bus.RecoverBus()
	outcome, err := d.Send(stdFrame(0x100, 1), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Transmitted, outcome)
}

func TestSend_TimeoutAgainstBusyMailboxes(t *testing.T) {
	_, d := newRig(t, sim.Options{ManualTx: true})
	require.NoError(t, d.Start(500_000, Options{}))

	for _, id := range []uint32{0x300, 0x200, 0x100} {
		_, err := d.Send(stdFrame(id), 0)
		require.NoError(t, err)
	}

	const budget = 30 * time.Millisecond
	start := time.Now()
	outcome, err := d.Send(stdFrame(0x050), budget)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, NotSent, outcome)
	assert.GreaterOrEqual(t, elapsed, budget)
	assert.Less(t, elapsed, time.Second, "send must not block past its budget")
}

func TestReceive_TimeoutOnEmptyQueue(t *testing.T) {
	_, d := newRig(t, sim.Options{})
	require.NoError(t, d.Start(500_000, Options{}))

	const budget = 30 * time.Millisecond
	start := time.Now()
	_, ok := d.Receive(budget)
	elapsed := time.Since(start)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, budget)
	assert.Less(t, elapsed, time.Second)
}

func TestReceive_DecodesFormatsAndTimestamps(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bus := sim.New(sim.Options{})
	d := New(bus, Config{ClockHz: testClock, Now: func() time.Time { return t0 }})
	bus.BindIRQ(d.ServiceInterrupt)
	require.NoError(t, d.Start(500_000, Options{}))

	ext := can.Frame{ID: 0x1ABCDEF | can.FlagExtended | can.FlagRemote}
	bus.InjectFrame(1, ext)

	rxf, ok := d.Receive(100 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, ext.ID, rxf.Frame.ID)
	assert.True(t, rxf.Frame.IsExtended())
	assert.True(t, rxf.Frame.IsRemote())
	assert.False(t, rxf.Loopback)
	assert.True(t, rxf.Timestamp.Equal(t0))

	std := stdFrame(0x2A5, 0xDE, 0xAD, 0xBE, 0xEF, 1, 2, 3, 4)
	bus.InjectFrame(0, std)
	rxf, ok = d.Receive(100 * time.Millisecond)
	require.True(t, ok)
	assert.True(t, rxf.Frame.Equal(std))

	st := d.Stats()
	assert.Equal(t, uint64(2), st.RxFrames)
}

func TestReceive_HardwareOverrunCounted(t *testing.T) {
	// No interrupt line bound: the FIFO backs up and the fourth frame is
	// lost with the overrun flag raised.
	bus := sim.New(sim.Options{})
	d := New(bus, Config{ClockHz: testClock})
	require.NoError(t, d.Start(500_000, Options{}))

	for i := 0; i < 4; i++ {
		bus.InjectFrame(0, stdFrame(uint32(0x100+i), byte(i)))
	}
	d.ServiceInterrupt()

	st := d.Stats()
	assert.Equal(t, uint64(1), st.RxHwOverflows)
	assert.Equal(t, uint64(3), st.RxFrames)

	for i := 0; i < 3; i++ {
		rxf, ok := d.Receive(0)
		require.True(t, ok)
		assert.Equal(t, uint32(0x100+i), rxf.Frame.ID)
	}
	_, ok := d.Receive(0)
	assert.False(t, ok)
}

func TestReceive_QueueOverflowDropsOldest(t *testing.T) {
	bus, d := newRig(t, sim.Options{})
	require.NoError(t, d.Start(500_000, Options{}))

	// Each injection is drained into the software queue immediately; the
	// 17th evicts the first.
	for i := 0; i < rxQueueCapacity+1; i++ {
		bus.InjectFrame(0, stdFrame(uint32(0x400+i)))
	}

	st := d.Stats()
	assert.Equal(t, uint32(1), st.RxQueueOverflows)
	assert.Equal(t, rxQueueCapacity, st.RxQueueLen)

	rxf, ok := d.Receive(0)
	require.True(t, ok)
	assert.Equal(t, uint32(0x401), rxf.Frame.ID, "oldest frame must have been evicted")
}

func TestBusError_RecordedWithoutDisruption(t *testing.T) {
	bus, d := newRig(t, sim.Options{})
	require.NoError(t, d.Start(500_000, Options{}))

	bus.InjectBusError(3) // LEC 3: ACK error

	st := d.Stats()
	assert.Equal(t, uint64(1), st.Errors)
	assert.Equal(t, uint8(3), st.LastErrorCode)

	// Normal traffic continues.
	bus.InjectFrame(0, stdFrame(0x123, 7))
	_, ok := d.Receive(100 * time.Millisecond)
	assert.True(t, ok)
}

func TestStop_IsIdempotentAndRestartable(t *testing.T) {
	bus, d := newRig(t, sim.Options{})
	require.NoError(t, d.Start(500_000, Options{}))
	bus.InjectFrame(0, stdFrame(0x111))

	d.Stop()
	d.Stop()

	_, ok := d.Receive(0)
	assert.False(t, ok, "stopped driver must not deliver")

	require.NoError(t, d.Start(500_000, Options{}))
	st := d.Stats()
	assert.Zero(t, st.RxFrames, "restart must discard session counters")
	assert.Zero(t, st.RxQueueLen, "restart must discard queued frames")
}
