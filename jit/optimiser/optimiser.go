// Package optimiser implements the loop peeling (unroll-once) transform
// over a completed trace: the recorded IR becomes a peeled prefix (the
// first iteration) followed by a LOOP_START marker, φ-nodes for values
// carried across the back-edge, and an unrolled copy of the loop body
// that the native LOOP instruction repeatedly re-enters. It also
// implements dead-move elimination.
package optimiser

import (
	"github.com/loxxgo/tracejit/internal/value"
	"github.com/loxxgo/tracejit/jit/ir"
	"github.com/loxxgo/tracejit/jit/snapshot"
	"github.com/loxxgo/tracejit/jit/trace"
)

// ErrMalformed is returned when Optimise is handed an IR buffer that
// doesn't end in a LOOP instruction, which should never happen for a
// trace the recorder completed normally.
type ErrMalformed struct{ Reason string }

func (e ErrMalformed) Error() string { return "optimiser: " + e.Reason }

// Optimise transforms t.IR/t.Snapshots in place from the recorder's
// linear output into peeled-and-unrolled form. It is idempotent: calling
// it again on an already-optimised trace (one whose buffer already
// contains a LOOP_START) returns without modifying anything.
func Optimise(t *trace.Trace) error {
	instrs := t.IR.Instructions()
	if n := len(instrs); n == 0 || instrs[n-1].Op != ir.Loop {
		return ErrMalformed{Reason: "IR does not end in LOOP"}
	}
	for _, inst := range instrs {
		if inst.Op == ir.LoopStart {
			return nil // already optimised; idempotent no-op.
		}
	}

	o := &optState{
		src:        instrs[:len(instrs)-1], // drop the trailing LOOP
		shadow:     t.Shadow,
		srcSnaps:   t.Snapshots,
		copyRemap:  make(map[ir.Ref]ir.Ref),
		phiForRead: make(map[ir.Ref]ir.Ref),
	}
	if err := o.run(); err != nil {
		return err
	}

	t.IR = o.out
	t.Snapshots = o.newSnapshots
	t.GuardFailures = make([]int, len(o.newSnapshots))
	return nil
}

type optState struct {
	src    []ir.Instruction
	shadow *snapshot.ShadowStack

	srcSnaps     []snapshot.Snapshot
	newSnapshots []snapshot.Snapshot

	out *ir.Buffer

	// firstLoad records, per stack slot, the ref of the Load instruction
	// (if any) that first materialised that slot's value in the prefix.
	firstLoad map[int]ir.Ref

	// copyRemap maps a prefix ref (of a non-invariant, duplicated
	// instruction) to its counterpart ref in the unrolled copy.
	copyRemap map[ir.Ref]ir.Ref

	// phiForRead maps a prefix "entry" ref (typically a Load) to the phi
	// ref that replaces it inside the unrolled copy.
	phiForRead map[ir.Ref]ir.Ref

	// phiForSlot maps a carried stack slot to its phi, used when
	// duplicated snapshots need the previous iteration's value for a
	// slot the current iteration has not yet touched.
	phiForSlot map[int]ir.Ref

	// snapForOldIRRef indexes srcSnaps by the prefix ref they guard, so
	// duplicated guards can find (and renumber) their snapshot.
	snapForOldIRRef map[ir.Ref]int
}

func (o *optState) run() error {
	o.out = ir.NewBuffer()
	o.firstLoad = map[int]ir.Ref{}
	o.snapForOldIRRef = map[ir.Ref]int{}
	for i, s := range o.srcSnaps {
		o.snapForOldIRRef[s.IRRef] = i
	}

	// Pass 1: copy the prefix unchanged (this is iteration one) and
	// record which slot each Load materialised.
	for i, inst := range o.src {
		ref := o.out.Emit(inst)
		if ref != ir.Ref(i) {
			return ErrMalformed{Reason: "prefix copy ref mismatch"}
		}
		if inst.Op == ir.Load {
			o.firstLoad[inst.Operands[0].Slot()] = ref
		}
	}
	// Prefix snapshots pass through unchanged: their IR refs are stable
	// (the prefix's instruction indices don't move).
	o.newSnapshots = append(o.newSnapshots, o.srcSnaps...)

	// Determine loop-carried slots: those whose final shadow-stack ref
	// differs from the ref that first loaded them, meaning the slot was
	// reassigned somewhere in the body.
	type carried struct {
		slot int
		from ir.Ref // the entry (first-load) ref, to be replaced by a phi
		to   ir.Ref // the prefix ref holding the value at loop end
	}
	var carries []carried
	for slot := 0; slot < o.shadow.Len(); slot++ {
		entry := o.shadow.Get(slot)
		if entry.Tag == 0 {
			continue
		}
		first, ok := o.firstLoad[slot]
		if !ok || first == entry.Ref {
			continue
		}
		carries = append(carries, carried{slot: slot, from: first, to: entry.Ref})
	}

	loopStartRef := o.out.Emit(ir.New(ir.LoopStart, value.Unknown))

	// One phi per carried slot. The entry operand is the value the peeled
	// first iteration left behind (c.to): the unrolled body computes
	// iterations two onward, reading every carried slot through its phi.
	o.phiForSlot = make(map[int]ir.Ref, len(carries))
	for _, c := range carries {
		typ := o.src[c.to].Type
		phiRef := o.out.Emit(ir.New(ir.Phi, typ, ir.MakeIRRef(c.to), ir.MakeIRRef(c.to)))
		o.phiForRead[c.from] = phiRef
		o.phiForSlot[c.slot] = phiRef
	}

	// Pass 2: duplicate every non-invariant prefix instruction (Store,
	// Load and CheckType stay behind in the prefix), rewriting operands
	// through phiForRead first, then copyRemap, and
	// falling back to the original ref when neither applies (a true
	// loop-invariant value referenced again without ever changing).
	for i, inst := range o.src {
		oldRef := ir.Ref(i)
		if inst.IsLoopInvariant() {
			continue
		}
		newInst := inst
		for j := 0; j < inst.NumOps; j++ {
			if inst.Operands[j].Kind != ir.IRRef {
				continue
			}
			newInst.Operands[j] = ir.MakeIRRef(o.rewrite(inst.Operands[j].Ref()))
		}
		newRef := o.out.Emit(newInst)
		o.copyRemap[oldRef] = newRef

		if snapIdx, ok := o.snapForOldIRRef[oldRef]; ok {
			newExit := o.duplicateSnapshot(snapIdx, newRef)
			for j := 0; j < newInst.NumOps; j++ {
				if newInst.Operands[j].Kind == ir.ExitNumber {
					newInst.Operands[j] = ir.MakeExitNumber(newExit)
				}
			}
			o.out.Set(newRef, newInst)
		}
	}

	// Re-point each phi's "loop" operand at its carried value's
	// counterpart inside the unrolled copy, now that the copy exists: the
	// predecessor supplying the carried value on every pass after the
	// first is the bottom of the unrolled body, not the prefix.
	for _, c := range carries {
		if newTo := o.rewrite(c.to); newTo != c.to {
			phiRef := o.phiForSlot[c.slot]
			inst := o.out.At(phiRef)
			inst.Operands[1] = ir.MakeIRRef(newTo)
			o.out.Set(phiRef, inst)
		}
	}

	// Phi-commit moves: for every carried slot, copy the unrolled body's
	// freshly computed value into the phi's storage so the native LOOP
	// jump lands on correct values for the next pass. A carried value
	// whose producer was itself invariant (a bare LOAD with no
	// recomputation) has nothing to commit.
	for _, c := range carries {
		newTo := o.rewrite(c.to)
		if newTo == c.to {
			continue
		}
		o.out.Emit(ir.New(ir.Move, o.src[c.to].Type, ir.MakeIRRef(o.phiForSlot[c.slot]), ir.MakeIRRef(newTo)))
	}

	o.out.Emit(ir.New(ir.Loop, value.Unknown, ir.MakeIRRef(loopStartRef)))
	return nil
}

// rewrite resolves a prefix ref as seen from inside the unrolled copy:
// prefer a phi (the ref changes across iterations), then a duplicated
// instruction's own copy, and otherwise the original, truly invariant,
// ref.
func (o *optState) rewrite(oldRef ir.Ref) ir.Ref {
	if phi, ok := o.phiForRead[oldRef]; ok {
		return phi
	}
	if newRef, ok := o.copyRemap[oldRef]; ok {
		return newRef
	}
	return oldRef
}

// duplicateSnapshot builds the snapshot for a guard duplicated into the
// unrolled body. The source snapshot only describes slots the recorded
// iteration had touched by that point; on iterations two onward, every
// carried slot written later in the loop also differs from slot memory:
// its current value is the previous iteration's, held in its phi. The
// duplicated map is therefore the rewritten source map overlaid on the
// end-of-loop shadow state resolved through the phis.
func (o *optState) duplicateSnapshot(srcIdx int, newGuardRef ir.Ref) int {
	src := o.srcSnaps[srcIdx]
	out := snapshot.Snapshot{IRRef: newGuardRef, NextIP: src.NextIP, StackSize: src.StackSize}
	seen := make(map[int]bool, len(src.StackMap))
	for _, e := range src.StackMap {
		out.StackMap = append(out.StackMap, snapshot.StackMapEntry{
			Slot: e.Slot,
			Ref:  o.rewrite(e.Ref),
			Tag:  e.Tag,
		})
		seen[e.Slot] = true
	}
	for slot := 0; slot < o.shadow.Len(); slot++ {
		entry := o.shadow.Get(slot)
		if entry.Tag == 0 || seen[slot] {
			continue
		}
		ref, ok := o.phiForSlot[slot]
		if !ok {
			ref = o.rewrite(entry.Ref)
		}
		out.StackMap = append(out.StackMap, snapshot.StackMapEntry{Slot: slot, Ref: ref, Tag: entry.Tag})
	}
	o.newSnapshots = append(o.newSnapshots, out)
	return len(o.newSnapshots) - 1
}

// EliminateDeadMoves collapses a MOVE whose destination (Operands[0]) is
// overwritten by a later MOVE to the same destination, without any
// intervening read of the destination, into NOOP.
func EliminateDeadMoves(buf *ir.Buffer) {
	instrs := buf.Instructions()
	lastMoveForDest := make(map[ir.Ref]int)
	lastRead := make(map[ir.Ref]int)
	for i, inst := range instrs {
		firstOperand := 0
		if inst.Op == ir.Move {
			firstOperand = 1 // the destination operand is a write, not a read
		}
		for j := firstOperand; j < inst.NumOps; j++ {
			if inst.Operands[j].Kind == ir.IRRef {
				lastRead[inst.Operands[j].Ref()] = i
			}
		}
		if inst.Op != ir.Move {
			continue
		}
		dest := inst.Operands[0].Ref()
		if prev, ok := lastMoveForDest[dest]; ok {
			if at, read := lastRead[dest]; !read || at <= prev {
				buf.Set(ir.Ref(prev), ir.New(ir.Noop, value.Unknown))
			}
		}
		lastMoveForDest[dest] = i
	}
}

// Finalize runs EliminateDeadMoves over t.IR; callers invoke it after
// Optimise and before register allocation.
func Finalize(t *trace.Trace) {
	EliminateDeadMoves(t.IR)
}
