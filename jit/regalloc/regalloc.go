// Package regalloc implements a linear-scan register allocator: live
// ranges are computed once over a finalised IR buffer, then walked in
// start order against a pool of platform registers partitioned by class,
// spilling the interval with the furthest-away end when none are free.
package regalloc

import (
	"sort"

	"github.com/loxxgo/tracejit/internal/value"
	"github.com/loxxgo/tracejit/jit/ir"
	"github.com/loxxgo/tracejit/jit/snapshot"
)

// Class partitions the register file: general purpose (integer/pointer
// capable) and floating point (XMM).
type Class uint8

const (
	GeneralPurpose Class = iota
	FloatingPoint
)

// Register is a platform register slot, opaque to this package beyond
// its class; jit/asmgen maps IDs to concrete x86-64 encodings.
type Register struct {
	Class Class
	ID    int
}

// Location is where a single IR ref's value lives after allocation:
// either a register or a spill slot, never both.
type Location struct {
	InRegister bool
	Reg        Register
	SpillSlot  int
}

// AllocationMap is the output of allocation: for every IR ref referenced
// by a live instruction or snapshot, its assigned register or spill
// slot.
type AllocationMap struct {
	locs       map[ir.Ref]Location
	spillCount int
}

func newAllocationMap() *AllocationMap {
	return &AllocationMap{locs: make(map[ir.Ref]Location)}
}

func (m *AllocationMap) Lookup(r ir.Ref) (Location, bool) {
	loc, ok := m.locs[r]
	return loc, ok
}

func (m *AllocationMap) SpillSlotCount() int { return m.spillCount }

// ErrAllocation is returned when the allocator cannot assign storage to
// an interval given the platform's register and spill budget.
type ErrAllocation struct{ Reason string }

func (e ErrAllocation) Error() string { return "regalloc: " + e.Reason }

type liveRange struct {
	ref        ir.Ref
	start, end int
	class      Class
}

// ComputeLiveRanges derives each ref's live range: from its definition
// index to the last index at which any instruction, or any snapshot's
// stack map, references it. A ref defined before LOOP_START but still
// read inside the unrolled loop body is live around the back-edge on
// every iteration, so its range is extended to the end of the buffer;
// otherwise its register could be handed to a ref defined later in the
// body and be clobbered before the next iteration reads it.
func ComputeLiveRanges(buf *ir.Buffer, snapshots []snapshot.Snapshot) []liveRange {
	instrs := buf.Instructions()
	starts := make(map[ir.Ref]int)
	ends := make(map[ir.Ref]int)
	classes := make(map[ir.Ref]Class)

	touch := func(r ir.Ref, at int) {
		if e, ok := ends[r]; !ok || at > e {
			ends[r] = at
		}
	}

	loopStart := -1
	for i, inst := range instrs {
		starts[ir.Ref(i)] = i
		classes[ir.Ref(i)] = classOf(inst.Type)
		if inst.Op == ir.LoopStart {
			loopStart = i
		}
		for j := 0; j < inst.NumOps; j++ {
			op := inst.Operands[j]
			if op.Kind == ir.IRRef {
				touch(op.Ref(), i)
			}
		}
	}
	for _, snap := range snapshots {
		for _, entry := range snap.StackMap {
			touch(entry.Ref, int(snap.IRRef))
		}
	}

	refs := make([]int, 0, len(starts))
	for r := range starts {
		refs = append(refs, int(r))
	}
	sort.Ints(refs)

	ranges := make([]liveRange, 0, len(refs))
	for _, ri := range refs {
		r := ir.Ref(ri)
		end := ends[r]
		if end < starts[r] {
			end = starts[r]
		}
		if loopStart >= 0 && starts[r] < loopStart && end > loopStart {
			end = len(instrs) - 1
		}
		ranges = append(ranges, liveRange{ref: r, start: starts[r], end: end, class: classes[r]})
	}
	return ranges
}

func classOf(t value.Type) Class {
	if t == value.Float {
		return FloatingPoint
	}
	return GeneralPurpose
}

type active struct {
	rng liveRange
	reg Register
}

// Allocator runs linear-scan allocation over a finalised IR buffer.
type Allocator struct {
	gpRegisters []Register
	fpRegisters []Register
}

// New builds an Allocator over the given usable register pools. Scratch
// registers the assembler clobbers freely are reserved by the caller and
// must not appear in either pool.
func New(generalPurpose, floatingPoint []Register) *Allocator {
	return &Allocator{gpRegisters: generalPurpose, fpRegisters: floatingPoint}
}

// Allocate runs linear scan over buf and returns the resulting
// AllocationMap.
func (a *Allocator) Allocate(buf *ir.Buffer, snapshots []snapshot.Snapshot) (*AllocationMap, error) {
	ranges := ComputeLiveRanges(buf, snapshots)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })

	freeGP := append([]Register(nil), a.gpRegisters...)
	freeFP := append([]Register(nil), a.fpRegisters...)

	var activeSet []active
	m := newAllocationMap()

	freePoolFor := func(class Class) *[]Register {
		if class == FloatingPoint {
			return &freeFP
		}
		return &freeGP
	}

	expireOld := func(start int) {
		kept := activeSet[:0]
		for _, act := range activeSet {
			if act.rng.end < start {
				pool := freePoolFor(act.rng.class)
				*pool = append(*pool, act.reg)
				continue
			}
			kept = append(kept, act)
		}
		activeSet = kept
		sort.Slice(activeSet, func(i, j int) bool { return activeSet[i].rng.end < activeSet[j].rng.end })
	}

	spill := func(r liveRange) {
		slot := m.spillCount
		m.spillCount++
		m.locs[r.ref] = Location{InRegister: false, Reg: Register{Class: r.class}, SpillSlot: slot}
	}

	for _, rng := range ranges {
		expireOld(rng.start)

		pool := freePoolFor(rng.class)
		if len(*pool) > 0 {
			reg := (*pool)[len(*pool)-1]
			*pool = (*pool)[:len(*pool)-1]
			m.locs[rng.ref] = Location{InRegister: true, Reg: reg}
			activeSet = append(activeSet, active{rng: rng, reg: reg})
			sort.Slice(activeSet, func(i, j int) bool { return activeSet[i].rng.end < activeSet[j].rng.end })
			continue
		}

		// No free register of this class: spill the active interval of
		// the same class with the furthest end if it outlives the
		// current one, stealing its register; otherwise spill the
		// current interval.
		furthestIdx := -1
		for i, act := range activeSet {
			if act.rng.class != rng.class {
				continue
			}
			if furthestIdx == -1 || act.rng.end > activeSet[furthestIdx].rng.end {
				furthestIdx = i
			}
		}
		if furthestIdx != -1 && activeSet[furthestIdx].rng.end > rng.end {
			stolen := activeSet[furthestIdx]
			m.locs[rng.ref] = Location{InRegister: true, Reg: stolen.reg}
			spill(stolen.rng)
			activeSet[furthestIdx] = active{rng: rng, reg: stolen.reg}
			sort.Slice(activeSet, func(i, j int) bool { return activeSet[i].rng.end < activeSet[j].rng.end })
			continue
		}
		spill(rng)
	}

	return m, nil
}
