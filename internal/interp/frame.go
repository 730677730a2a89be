package interp

import (
	"github.com/loxxgo/tracejit/internal/bytecode"
	"github.com/loxxgo/tracejit/internal/value"
)

// Frame is an activation record, exposing stable indices into the
// interpreter's value stack for its local slots.
type Frame struct {
	Code *bytecode.CodeObject
	IP   int
	// Base is the index into vm.stack of this frame's slot 0.
	Base int
}

// Slot returns the absolute stack index backing local i of this frame.
// jit/asmgen addresses slots through this same base+i arithmetic when it
// emits LOAD/STORE against the frame pointer register.
func (f *Frame) Slot(i int) int { return f.Base + i }

// SlotAddr returns a pointer to the Value occupying local i. Only valid
// while vm.stack's backing array has not been reallocated.
func SlotAddr(stack []value.Value, absoluteIndex int) *value.Value {
	return &stack[absoluteIndex]
}
