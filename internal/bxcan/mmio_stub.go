//go:build !linux

package bxcan

import "errors"

// MMIO is unavailable off Linux; the simulator backend still works.
type MMIO struct{}

func OpenMMIO(base uintptr) (*MMIO, error) {
	return nil, errors.New("mmio register access requires linux (/dev/mem)")
}

func (m *MMIO) Read(r Reg) uint32     { return 0 }
func (m *MMIO) Write(r Reg, v uint32) {}
func (m *MMIO) Close() error          { return nil }
