package asmgen

import (
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/loxxgo/tracejit/jit/regalloc"
)

// Calling convention for an assembled trace, chosen to keep the
// interpreter's slot addressing intact while giving the allocator a real
// platform register file to work with:
//
//	RDI = framePtr  (base address of the packed value-stack frame;
//	                 STACK_REF slot addresses are framePtr + slot*SlotSize)
//	RSI = spillPtr  (base address of this trace's spill area)
//	RAX = exit number returned to the caller
//
// Three scratch registers are reserved from the allocator's pools: RAX
// (general scratch, also the return-value register), X0 (floating-point
// scratch) and R15 (stack-size cursor). A second floating-point scratch,
// X15, is additionally withheld: binary FLOAT ops can have both operands
// be unmaterialised literals at once (the recorder never constant-folds),
// which needs two live XMM temporaries simultaneously. R14 never appears
// in any pool: the Go runtime keeps the current goroutine pointer there
// and jitcall must hand it back intact.
var (
	FramePtrReg = x86.REG_DI
	SpillPtrReg = x86.REG_SI
	ScratchGP   = x86.REG_AX
	ScratchFP   = x86.REG_X0
	ScratchFP2  = x86.REG_X15
	CursorGP    = x86.REG_R15
)

// gpNative/fpNative back regalloc.Register.ID with concrete amd64
// register numbers. Order is arbitrary but fixed.
var gpNative = []int16{
	x86.REG_BX, x86.REG_CX, x86.REG_DX,
	x86.REG_R8, x86.REG_R9, x86.REG_R10, x86.REG_R11,
	x86.REG_R12, x86.REG_R13,
}

var fpNative = []int16{
	x86.REG_X1, x86.REG_X2, x86.REG_X3, x86.REG_X4, x86.REG_X5, x86.REG_X6, x86.REG_X7,
	x86.REG_X8, x86.REG_X9, x86.REG_X10, x86.REG_X11, x86.REG_X12, x86.REG_X13, x86.REG_X14,
}

// GPPool and FPPool are the usable register pools handed to regalloc.New:
// the platform register file minus the reserved scratch and argument
// registers above.
func GPPool() []regalloc.Register {
	pool := make([]regalloc.Register, len(gpNative))
	for i := range gpNative {
		pool[i] = regalloc.Register{Class: regalloc.GeneralPurpose, ID: i}
	}
	return pool
}

func FPPool() []regalloc.Register {
	pool := make([]regalloc.Register, len(fpNative))
	for i := range fpNative {
		pool[i] = regalloc.Register{Class: regalloc.FloatingPoint, ID: i}
	}
	return pool
}

// native returns the concrete amd64 register encoding for an allocated
// Location.
func native(loc regalloc.Location) int16 {
	if loc.Reg.Class == regalloc.FloatingPoint {
		return fpNative[loc.Reg.ID]
	}
	return gpNative[loc.Reg.ID]
}
