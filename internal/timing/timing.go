// Package timing derives bxCAN bit-timing register values from a peripheral
// clock and a target bit rate. The derivation is exact: a configuration is
// only returned if the reconstructed bit rate equals the request.
package timing

import (
	"errors"
	"fmt"
)

// ErrInvalidBitRate means no integer timing solution exists for the request
// at the given clock.
var ErrInvalidBitRate = errors.New("no exact bit timing solution for requested bit rate")

// errLogic flags a violated invariant of the search itself. Unreachable
// given the precondition checks; if it fires, the calculator has a bug.
var errLogic = errors.New("bit timing solution failed final validation")

const (
	maxBS1 = 16
	maxBS2 = 8

	// Sample point ceiling in permille. The optimum of 875 is close to it,
	// so the rounded split can overshoot and needs the truncated fallback.
	maxSamplePointPermille = 900

	MinPrescaler = 1
	MaxPrescaler = 1024
)

// Timings are the quantized bit-timing parameters, in natural units
// (register encoding subtracts one from each; see BTR).
type Timings struct {
	Prescaler uint16 // 1..1024
	SJW       uint8  // resynchronization jump width, quanta
	BS1       uint8  // phase segment 1, 1..16 quanta
	BS2       uint8  // phase segment 2, 1..8 quanta
}

// QuantaPerBit is the total time quanta in one bit period.
func (t Timings) QuantaPerBit() int { return 1 + int(t.BS1) + int(t.BS2) }

// SamplePointPermille locates the sample point in parts per thousand.
func (t Timings) SamplePointPermille() int {
	return 1000 * (1 + int(t.BS1)) / t.QuantaPerBit()
}

func (t Timings) String() string {
	return fmt.Sprintf("presc=%d sjw=%d bs1=%d bs2=%d (sp=%d‰)",
		t.Prescaler, t.SJW, t.BS1, t.BS2, t.SamplePointPermille())
}

type bsPair struct {
	bs1, bs2 int
}

func splitSum(sum, bs1 int) bsPair { return bsPair{bs1: bs1, bs2: sum - bs1} }

func (p bsPair) samplePointPermille() int { return 1000 * (1 + p.bs1) / (1 + p.bs1 + p.bs2) }

func (p bsPair) valid() bool {
	return p.bs1 >= 1 && p.bs1 <= maxBS1 && p.bs2 >= 1 && p.bs2 <= maxBS2
}

// Compute derives Timings for the given peripheral clock (Hz) and target bit
// rate (bit/s). It returns ErrInvalidBitRate when no exact solution exists.
//
// Ref. "Automatic Baudrate Detection in CANopen Networks", U. Koppe,
// MicroControl GmbH & Co. KG, CAN in Automation, 2003: optimal quanta per bit
// are 8 (max 10) at 1 Mbit/s and 16 (max 17) below.
func Compute(clockHz, bitrate uint32) (Timings, error) {
	if bitrate < 1 {
		return Timings{}, ErrInvalidBitRate
	}

	maxQuantaPerBit := 17
	if bitrate >= 1_000_000 {
		maxQuantaPerBit = 10
	}

	// BITRATE = PCLK / (PRESCALER * (1 + BS1 + BS2)), so with
	// BS = 1 + BS1 + BS2 the product PRESCALER*BS must equal PCLK/BITRATE.
	prescalerBS := clockHz / bitrate

	// Search downward for the largest quanta count that divides evenly.
	sum := maxQuantaPerBit - 1
	for prescalerBS%uint32(1+sum) != 0 {
		if sum <= 2 {
			return Timings{}, ErrInvalidBitRate
		}
		sum--
	}

	prescaler := prescalerBS / uint32(1+sum)
	if prescaler < MinPrescaler || prescaler > MaxPrescaler {
		return Timings{}, ErrInvalidBitRate
	}

	// Split BS1+BS2 targeting a sample point near 7/8. Solving
	// (1+bs1)/(1+bs1+bs2) == 7/8 gives bs1 = (7*sum - 1)/8; round to
	// nearest first, fall back to truncation when that overshoots 90%.
	solution := splitSum(sum, (7*sum-1+4)/8)
	if solution.samplePointPermille() > maxSamplePointPermille {
		solution = splitSum(sum, (7*sum-1)/8)
	}

	if !solution.valid() ||
		bitrate != clockHz/(prescaler*uint32(1+solution.bs1+solution.bs2)) {
		return Timings{}, errLogic
	}

	return Timings{
		Prescaler: uint16(prescaler),
		SJW:       1,
		BS1:       uint8(solution.bs1),
		BS2:       uint8(solution.bs2),
	}, nil
}
