// Package trace defines the Trace record, the unit the recorder fills
// in, the optimiser and allocator transform, and the assembler turns into
// installed machine code, plus the TraceCache that looks traces up by
// bytecode entry address.
package trace

import (
	"github.com/loxxgo/tracejit/internal/bytecode"
	"github.com/loxxgo/tracejit/internal/value"
	"github.com/loxxgo/tracejit/jit/ir"
	"github.com/loxxgo/tracejit/jit/regalloc"
	"github.com/loxxgo/tracejit/jit/snapshot"
)

// State is a Trace's lifecycle stage.
type State uint8

const (
	Recording State = iota
	IRComplete
	Compiled
	Failed
	Blacklisted
)

func (s State) String() string {
	switch s {
	case Recording:
		return "RECORDING"
	case IRComplete:
		return "IR_COMPLETE"
	case Compiled:
		return "COMPILED"
	case Failed:
		return "FAILED"
	case Blacklisted:
		return "BLACKLISTED"
	default:
		return "?"
	}
}

// NativeCodeUnit is assembled, executable machine code ready to be
// invoked.
type NativeCodeUnit interface {
	// Invoke transfers control to the native code, operating on a packed
	// copy of the interpreter stack (addressed from framePtr) and the trace's
	// spill area (addressed from spillPtr), and returns the snapshot
	// index (exit number) of whichever guard or loop-exit the trace left
	// through.
	Invoke(framePtr, spillPtr uintptr) int32
}

// Trace owns every buffer describing one recorded hot-loop path: its IR,
// its snapshots, the allocation map the register allocator produced, and
// (once assembled) its native code unit.
type Trace struct {
	EntryIP   int
	Code      *bytecode.CodeObject
	StackBase int

	IR        *ir.Buffer
	Shadow    *snapshot.ShadowStack
	Snapshots []snapshot.Snapshot

	Alloc *regalloc.AllocationMap
	Asm   []byte
	Unit  NativeCodeUnit

	// Spill backs every spill slot the register allocator assigned, packed
	// in the same value.SlotSize tag/payload layout as an interpreter
	// stack slot (value.Pack/Unpack convert to and from it). Sized to
	// Alloc.SpillSlotCount()*value.SlotSize once allocation completes;
	// native code addresses it via the spillPtr argument to Invoke.
	Spill []byte

	State State

	// GuardFailures counts side-exits per snapshot index, so a
	// persistently failing guard can be flagged for a side-trace in a
	// later revision.
	GuardFailures []int
}

func New(entryIP int, code *bytecode.CodeObject, stackBase int) *Trace {
	return &Trace{
		EntryIP:   entryIP,
		Code:      code,
		StackBase: stackBase,
		IR:        ir.NewBuffer(),
		Shadow:    snapshot.NewShadowStack(len(code.Varnames)),
		State:     Recording,
	}
}

// AddSnapshot appends snap and returns its exit number, its index into
// the trace's snapshot vector.
func (t *Trace) AddSnapshot(snap snapshot.Snapshot) int {
	t.Snapshots = append(t.Snapshots, snap)
	t.GuardFailures = append(t.GuardFailures, 0)
	return len(t.Snapshots) - 1
}

// PatchPendingResumeIPs sets NextIP to ip on every snapshot still holding
// the pending sentinel. The recorder calls it with the loop entry when it
// records the back-branch.
func (t *Trace) PatchPendingResumeIPs(ip int) {
	for i := range t.Snapshots {
		if t.Snapshots[i].NextIP == snapshot.PendingIP {
			t.Snapshots[i].NextIP = ip
		}
	}
}

func (t *Trace) RecordGuardFailure(exitNumber int) int {
	t.GuardFailures[exitNumber]++
	return t.GuardFailures[exitNumber]
}

// PrepareSpillArea sizes t.Spill to t.Alloc's spill-slot count, called
// once register allocation has completed and before the assembler runs.
func (t *Trace) PrepareSpillArea() {
	t.Spill = make([]byte, t.Alloc.SpillSlotCount()*value.SlotSize)
}
