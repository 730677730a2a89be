// Package asmgen is the x86-64 backend: it lowers an optimised,
// register-allocated trace into native machine code through golang-asm's
// amd64 builder rather than hand-encoding REX/ModRM bytes, and it owns
// AssemblyWrapper, the only component in this module permitted to
// perform raw memory-protection syscalls.
package asmgen

import (
	"fmt"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// minAllocSize is the minimum size of an mmapped region backing one
// trace's machine code. A trace's assembled body rarely approaches a
// page, but mmap only grants whole pages anyway.
const minAllocSize = 4096

// allocationAlignment is the byte boundary each logical append is padded
// to, keeping jump targets and exit stubs aligned the way a real
// assembler's section layout would.
const allocationAlignment = 16

// nopByte pads the gap between appended chunks.
const nopByte = 0x90

// AssemblyWrapper is an mmap-allocated, initially writable byte buffer
// that becomes read+execute exactly once, at Finalize. Nothing outside
// this package performs mprotect/mmap; everywhere else it is opaque,
// addressed only via its EntryPointer.
type AssemblyWrapper struct {
	mem       mmap.MMap
	consumed  uint32
	remaining uint32
	execution bool
}

// NewAssemblyWrapper mmaps a fresh, writable, executable-capable region
// sized to hold at least capacityHint bytes. Each trace owns its own
// region for its whole lifetime, freed only when the trace is destroyed.
func NewAssemblyWrapper(capacityHint int) (*AssemblyWrapper, error) {
	size := minAllocSize
	if aligned := align(capacityHint, allocationAlignment); aligned > size {
		size = aligned
	}
	mem, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("asmgen: mmap failed: %w", err)
	}
	return &AssemblyWrapper{mem: mem, remaining: uint32(size)}, nil
}

func align(n, to int) int {
	if n <= 0 {
		return to
	}
	if r := n % to; r != 0 {
		n += to - r
	}
	return n
}

// Append writes code at the current write cursor and returns the byte
// offset it was written at, for later patching (e.g. to fix up a forward
// jump once its target's offset is known). Alignment padding between
// chunks is NOP-filled: execution falls straight through it to the next
// chunk.
func (w *AssemblyWrapper) Append(code []byte) (offset int, err error) {
	if w.execution {
		return 0, fmt.Errorf("asmgen: cannot append to a finalised AssemblyWrapper")
	}
	need := uint32(align(len(code), allocationAlignment))
	if need > w.remaining {
		return 0, fmt.Errorf("asmgen: out of space in trace code buffer (need %d, have %d)", need, w.remaining)
	}
	offset = int(w.consumed)
	copy(w.mem[offset:], code)
	for i := offset + len(code); i < offset+int(need); i++ {
		w.mem[i] = nopByte
	}
	w.consumed += need
	w.remaining -= need
	return offset, nil
}

// PatchInt32 overwrites 4 bytes at offset with v, little-endian, used to
// back-patch rel32 jump displacements once a forward target's final
// address is known.
func (w *AssemblyWrapper) PatchInt32(offset int, v int32) error {
	if offset+4 > len(w.mem) {
		return fmt.Errorf("asmgen: patch offset %d out of range", offset)
	}
	w.mem[offset] = byte(v)
	w.mem[offset+1] = byte(v >> 8)
	w.mem[offset+2] = byte(v >> 16)
	w.mem[offset+3] = byte(v >> 24)
	return nil
}

// PatchByte overwrites a single byte, used for short jump displacements.
func (w *AssemblyWrapper) PatchByte(offset int, v byte) error {
	if offset >= len(w.mem) {
		return fmt.Errorf("asmgen: patch offset %d out of range", offset)
	}
	w.mem[offset] = v
	return nil
}

// Finalize flips the buffer from writable to read+execute. This
// transition is one-way: once finalised, the region can never be
// appended to or patched again. A failure here is fatal for the trace
// but never for the process: callers must fall back to the interpreter.
func (w *AssemblyWrapper) Finalize() error {
	if w.execution {
		return nil
	}
	if err := unix.Mprotect(w.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("asmgen: mprotect failed: %w", err)
	}
	w.execution = true
	return nil
}

// EntryPointer returns the address of the start of the buffer, valid only
// after Finalize.
func (w *AssemblyWrapper) EntryPointer() uintptr {
	return uintptr(unsafeIndex(w.mem, 0))
}

// consumedOffset returns the current write cursor, used by the
// generator to record the loop header's address before emitting the
// unrolled body that follows it.
func (w *AssemblyWrapper) consumedOffset() int {
	return int(w.consumed)
}

// Close unmaps the region. Called when the owning trace is destroyed.
func (w *AssemblyWrapper) Close() error {
	return w.mem.Unmap()
}
