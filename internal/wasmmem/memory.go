// Package wasmmem implements the linear-memory and stack allocation
// discipline the scheduler relies on: a fixed 4 GiB
// virtual reservation per sandbox, followed by a guard page, with pages
// flipped to RW on demand and never shrunk.
//
// Grounded on the same raw mmap usage its shared-memory provider uses
// (kernel/threads/sab/hal_native.go: syscall.Mmap/syscall.Munmap with
// PROT flags), reusing stdlib syscall directly rather than
// golang.org/x/sys/unix for the reserve/grow discipline here, since the
// package needs nothing beyond what syscall already exports on Linux.
package wasmmem

import (
	"errors"
	"fmt"
	"syscall"
)

const (
	// PageSize is the wasm page size (64 KiB), also used as the guard
	// page size for both linear memory and stack reservations.
	PageSize = 1 << 16
	pageSize = PageSize
	maxCap   = 1 << 32 // 4 GiB ceiling
)

// ErrExhausted is returned by Expand when growth would exceed max, or the
// 4 GiB ceiling.
var ErrExhausted = errors.New("wasmmem: growth exceeds capacity")

// ErrOutOfBounds is returned by InitializeRegion on a bad copy range.
var ErrOutOfBounds = errors.New("wasmmem: access out of bounds")

// Memory is a sandbox's exclusively-owned linear memory region: a fixed
// max+guard-page virtual reservation, with size <= capacity <= max
// bytes currently backed RW.
type Memory struct {
	region   []byte // max + one guard page, mmap'd PROT_NONE
	size     uint32 // what the guest sees
	capacity uint32 // what the OS has flipped to RW
	max      uint32
	released bool
}

// Allocate reserves max+one guard page as inaccessible, then flips the
// first `initial` bytes to RW.
func Allocate(initial, max uint32) (*Memory, error) {
	if uint64(max) > maxCap {
		return nil, fmt.Errorf("wasmmem: max %d exceeds 4GiB ceiling", max)
	}
	if initial > max {
		return nil, fmt.Errorf("wasmmem: initial %d exceeds max %d", initial, max)
	}

	total := int(max) + pageSize // + one guard page
	region, err := syscall.Mmap(-1, 0, total, syscall.PROT_NONE, syscall.MAP_PRIVATE|syscall.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("wasmmem: reserve %d bytes: %w", total, err)
	}

	m := &Memory{region: region, max: max}
	if initial > 0 {
		if err := syscall.Mprotect(region[:initial], syscall.PROT_READ|syscall.PROT_WRITE); err != nil {
			_ = syscall.Munmap(region)
			return nil, fmt.Errorf("wasmmem: initial flip: %w", err)
		}
	}
	m.size = initial
	m.capacity = initial
	return m, nil
}

// Size returns the guest-visible size in bytes.
func (m *Memory) Size() uint32 { return m.size }

// Capacity returns how much the OS has actually backed RW.
func (m *Memory) Capacity() uint32 { return m.capacity }

// Bytes exposes the currently-sized RW region for bounds-checked access
// by the ABI import shims (internal/module).
func (m *Memory) Bytes() []byte { return m.region[:m.size] }

// Expand grows size by n bytes, flipping more pages to RW if needed.
// Returns ErrExhausted and leaves size unchanged if size+n would exceed
// max. Shrinking (negative n) is rejected:
// this runtime does not support it
// "shrinking is rejected".
func (m *Memory) Expand(n int64) error {
	if n < 0 {
		return fmt.Errorf("wasmmem: shrink not supported")
	}
	want := uint64(m.size) + uint64(n)
	if want > uint64(m.max) {
		return ErrExhausted
	}
	newSize := uint32(want)

	if newSize > m.capacity {
		// round up to a full page before flipping,  "flips
		// protection on full pages"
		newCap := roundUpPage(newSize)
		if newCap > m.max {
			newCap = m.max
		}
		if err := syscall.Mprotect(m.region[m.capacity:newCap], syscall.PROT_READ|syscall.PROT_WRITE); err != nil {
			return fmt.Errorf("wasmmem: grow flip: %w", err)
		}
		m.capacity = newCap
	}
	m.size = newSize
	return nil
}

func roundUpPage(n uint32) uint32 {
	if n%pageSize == 0 {
		return n
	}
	return (n/pageSize + 1) * pageSize
}

// InitializeRegion memcpys src into [off, off+len) with a bounds check
//. Any out-of-bounds access here
// would otherwise trap via the guard page at the hardware level; Go has
// no SIGSEGV-to-trap translation available to a sandboxed caller, so the
// bounds check is explicit and returns ErrOutOfBounds instead.
func (m *Memory) InitializeRegion(off uint32, src []byte) error {
	end := uint64(off) + uint64(len(src))
	if end > uint64(m.size) {
		return ErrOutOfBounds
	}
	copy(m.region[off:uint32(end)], src)
	return nil
}

// Release unmaps the region. Called on transition to Returned/Error
// A failed munmap is process-fatal: it terminates the process rather
// than leaking a region silently.
func (m *Memory) Release() {
	if m.released {
		return
	}
	if err := syscall.Munmap(m.region); err != nil {
		panic(fmt.Sprintf("wasmmem: munmap failed: %v", err))
	}
	m.released = true
}
