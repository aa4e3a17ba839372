//go:build linux

package bxcan

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMIO maps the bxCAN register block through /dev/mem. Reads and writes are
// single aligned 32-bit accesses, which is what the peripheral bus requires.
type MMIO struct {
	fd   int
	page []byte
	regs *[BlockSize / 4]uint32
}

// OpenMMIO maps BlockSize bytes at the given physical base address. The base
// must be page aligned (the bxCAN blocks on STM32 parts are).
func OpenMMIO(base uintptr) (*MMIO, error) {
	pageSize := unix.Getpagesize()
	if base%uintptr(pageSize) != 0 {
		return nil, fmt.Errorf("base 0x%x not aligned to page size %d", base, pageSize)
	}
	fd, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/mem: %w", err)
	}
	length := BlockSize
	if length < pageSize {
		length = pageSize
	}
	page, err := unix.Mmap(fd, int64(base), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap 0x%x: %w", base, err)
	}
	return &MMIO{
		fd:   fd,
		page: page,
		regs: (*[BlockSize / 4]uint32)(unsafe.Pointer(&page[0])),
	}, nil
}

// Read performs a 32-bit load from the register.
func (m *MMIO) Read(r Reg) uint32 {
	return atomic.LoadUint32(&m.regs[r/4])
}

// Write performs a 32-bit store to the register.
func (m *MMIO) Write(r Reg, v uint32) {
	atomic.StoreUint32(&m.regs[r/4], v)
}

// Close unmaps the block.
func (m *MMIO) Close() error {
	err := unix.Munmap(m.page)
	if cerr := unix.Close(m.fd); err == nil {
		err = cerr
	}
	m.page = nil
	m.regs = nil
	return err
}
