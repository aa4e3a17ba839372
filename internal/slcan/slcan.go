// Package slcan implements the Lawicel SLCAN ASCII framing used by serial
// CAN adapters and understood by most capture tooling (slcand, candump).
// One frame per line, terminated by carriage return:
//
//	tIIIL[DD..]   standard data frame
//	TIIIIIIIIL[DD..]  extended data frame
//	rIIIL / RIIIIIIIIL  remote frames
package slcan

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-bxcan/internal/can"
)

var (
	ErrMalformed       = errors.New("slcan: malformed line")
	ErrUnrepresentable = errors.New("slcan: frame not representable")
)

const hexDigits = "0123456789ABCDEF"

// Codec encodes and decodes single SLCAN lines. Stateless and safe for
// concurrent use.
type Codec struct{}

// AppendFrame appends the SLCAN line for f, including the trailing CR.
// Error frames have no SLCAN representation.
func (Codec) AppendFrame(dst []byte, f can.Frame) ([]byte, error) {
	if f.IsError() || f.Len > can.MaxDataLen {
		return dst, ErrUnrepresentable
	}

	switch {
	case f.IsExtended() && f.IsRemote():
		dst = append(dst, 'R')
		dst = appendHex(dst, f.ID&can.MaskExtended, 8)
	case f.IsExtended():
		dst = append(dst, 'T')
		dst = appendHex(dst, f.ID&can.MaskExtended, 8)
	case f.IsRemote():
		dst = append(dst, 'r')
		dst = appendHex(dst, f.ID&can.MaskStandard, 3)
	default:
		dst = append(dst, 't')
		dst = appendHex(dst, f.ID&can.MaskStandard, 3)
	}

	dst = append(dst, hexDigits[f.Len])
	if !f.IsRemote() {
		for _, b := range f.Data[:f.Len] {
			dst = append(dst, hexDigits[b>>4], hexDigits[b&15])
		}
	}
	return append(dst, '\r'), nil
}

// Encode returns the SLCAN line for f in a fresh buffer.
func (c Codec) Encode(f can.Frame) ([]byte, error) {
	return c.AppendFrame(make([]byte, 0, 28), f)
}

// Decode parses one SLCAN line, with or without the trailing CR.
func (Codec) Decode(line []byte) (can.Frame, error) {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) < 2 {
		return can.Frame{}, ErrMalformed
	}

	var f can.Frame
	var idLen int
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen = 8
		f.ID = can.FlagExtended
	case 'r':
		idLen = 3
		f.ID = can.FlagRemote
	case 'R':
		idLen = 8
		f.ID = can.FlagExtended | can.FlagRemote
	default:
		return can.Frame{}, fmt.Errorf("%w: type %q", ErrMalformed, line[0])
	}
	if len(line) < 1+idLen+1 {
		return can.Frame{}, ErrMalformed
	}

	id, err := parseHex(line[1 : 1+idLen])
	if err != nil {
		return can.Frame{}, err
	}
	f.ID |= id

	dlc, err := parseHex(line[1+idLen : 1+idLen+1])
	if err != nil {
		return can.Frame{}, err
	}
	if dlc > can.MaxDataLen {
		return can.Frame{}, fmt.Errorf("%w: dlc %d", ErrMalformed, dlc)
	}
	f.Len = uint8(dlc)

	data := line[1+idLen+1:]
	if f.IsRemote() {
		if len(data) != 0 {
			return can.Frame{}, ErrMalformed
		}
		return f, nil
	}
	if len(data) != 2*int(f.Len) {
		return can.Frame{}, ErrMalformed
	}
	for i := 0; i < int(f.Len); i++ {
		b, err := parseHex(data[2*i : 2*i+2])
		if err != nil {
			return can.Frame{}, err
		}
		f.Data[i] = byte(b)
	}
	return f, nil
}

func appendHex(dst []byte, v uint32, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		dst = append(dst, hexDigits[(v>>(4*i))&15])
	}
	return dst
}

func parseHex(s []byte) (uint32, error) {
	var v uint32
	for _, c := range s {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint32(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint32(c-'A') + 10
		default:
			return 0, fmt.Errorf("%w: hex digit %q", ErrMalformed, c)
		}
	}
	return v, nil
}
