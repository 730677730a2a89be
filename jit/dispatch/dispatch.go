// Package dispatch is the one place that bridges interpreter state to a
// trace's native calling convention and back: it packs the live stack
// into the densely-packed frame jit/asmgen addresses, invokes the
// trace, and restores whichever slots its exit snapshot names before
// handing bytecode execution back to the interpreter.
package dispatch

import (
	"unsafe"

	"github.com/loxxgo/tracejit/internal/interp"
	"github.com/loxxgo/tracejit/internal/value"
	"github.com/loxxgo/tracejit/jit/snapshot"
	"github.com/loxxgo/tracejit/jit/trace"
)

// Enter transfers control to t's compiled native code over ctx's live
// interpreter stack, then deoptimises back into the interpreter along
// whichever guard or loop-exit the trace left through: it resizes the
// value stack to the exit snapshot's recorded height, writes every slot
// the snapshot names back, and returns the bytecode instruction pointer
// execution should resume at.
//
// Only FLOAT/BOOL/NIL-typed locals ever reach a trace's frame (the
// recorder refuses to record a slot holding an OBJECT, see
// recorder.loadSlot), so the lossy packed representation Pack/Unpack
// use is safe: an OBJECT-typed slot elsewhere on the stack is never
// named by a snapshot's stack map and so is never touched here.
func Enter(t *trace.Trace, ctx *interp.ExecContext) int {
	frame := packFrame(*ctx.Stack, frameSlotCount(t))

	framePtr := uintptr(unsafe.Pointer(&frame[0]))
	var spillPtr uintptr
	if len(t.Spill) > 0 {
		spillPtr = uintptr(unsafe.Pointer(&t.Spill[0]))
	}

	exit := int(t.Unit.Invoke(framePtr, spillPtr))
	t.RecordGuardFailure(exit)

	snap := t.Snapshots[exit]
	restoreStack(ctx.Stack, frame, snap)
	return snap.NextIP
}

// frameSlotCount returns how many slots the packed frame must hold:
// every snapshot's stack map must be addressable by the exit stubs, and
// some of those slots are expression temporaries above the height the
// stack had on entry.
func frameSlotCount(t *trace.Trace) int {
	max := 0
	for _, snap := range t.Snapshots {
		if snap.StackSize > max {
			max = snap.StackSize
		}
		for _, entry := range snap.StackMap {
			if entry.Slot+1 > max {
				max = entry.Slot + 1
			}
		}
	}
	return max
}

// packFrame lays out stack in the SlotSize-stride, tag-then-payload
// format jit/asmgen's addressing assumes, sized to at least minSlots.
func packFrame(stack []value.Value, minSlots int) []byte {
	n := len(stack)
	if minSlots > n {
		n = minSlots
	}
	buf := make([]byte, n*value.SlotSize)
	for i, v := range stack {
		value.Pack(v, buf[i*value.SlotSize:(i+1)*value.SlotSize])
	}
	return buf
}

// restoreStack rebuilds the interpreter's value stack as the exit
// snapshot describes it: the stack is resized to the virtual height at
// the guard, and every slot the snapshot names is copied back from
// wherever the exit stub the trace ran through left it in frame.
func restoreStack(stack *[]value.Value, frame []byte, snap snapshot.Snapshot) {
	s := *stack
	for len(s) < snap.StackSize {
		s = append(s, value.NilValue())
	}
	s = s[:snap.StackSize]
	for _, entry := range snap.StackMap {
		if entry.Slot >= len(s) {
			continue
		}
		lo := entry.Slot * value.SlotSize
		s[entry.Slot] = value.Unpack(frame[lo : lo+value.SlotSize])
	}
	*stack = s
}
