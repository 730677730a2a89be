// Package snapshot implements the recorder's shadow stack and the
// immutable snapshots the recorder takes at every guard: each CHECK_TYPE
// and each branch-direction CHECK_TRUE/CHECK_FALSE. No snapshot is taken
// at the loop back-edge itself.
package snapshot

import "github.com/loxxgo/tracejit/jit/ir"

// Tag marks why a shadow-stack slot holds the IR ref it does. A slot's
// zero value means the recorder has not touched it yet.
type Tag uint8

const (
	// Cached means a LOAD has already materialised this slot's value
	// into an IR ref, so a subsequent read reuses it instead of emitting
	// another LOAD.
	Cached Tag = 1 << iota
	// Written means the IR value has not yet been stored back to the
	// interpreter stack slot it shadows.
	Written
)

// Entry is one shadow-stack slot: the SSA name of whichever instruction
// last produced this slot's value, plus its cache/write tags.
type Entry struct {
	Ref ir.Ref
	Tag Tag
}

// ShadowStack parallels the interpreter's value stack during recording,
// indexed by absolute stack slot. It lets the recorder emit the minimum
// number of LOAD/STORE instructions and lets snapshots compress to only
// the slots whose tag differs from the default zero value.
type ShadowStack struct {
	slots []Entry
}

func NewShadowStack(size int) *ShadowStack {
	return &ShadowStack{slots: make([]Entry, size)}
}

func (s *ShadowStack) ensure(slot int) {
	if slot >= len(s.slots) {
		grown := make([]Entry, slot+1)
		copy(grown, s.slots)
		s.slots = grown
	}
}

func (s *ShadowStack) Get(slot int) Entry {
	s.ensure(slot)
	return s.slots[slot]
}

func (s *ShadowStack) Set(slot int, e Entry) {
	s.ensure(slot)
	s.slots[slot] = e
}

func (s *ShadowStack) IsCached(slot int) bool {
	return s.Get(slot).Tag&Cached != 0
}

// Clear resets a slot to its untouched state, mirroring a pop of the
// interpreter's value stack so later snapshots no longer describe it.
func (s *ShadowStack) Clear(slot int) {
	if slot < len(s.slots) {
		s.slots[slot] = Entry{}
	}
}

func (s *ShadowStack) Len() int { return len(s.slots) }

// StackMapEntry is one (slot -> IR ref) mapping recorded in a Snapshot.
type StackMapEntry struct {
	Slot int
	Ref  ir.Ref
	Tag  Tag
}

// Compress returns only the shadow-stack slots whose tag differs from the
// slot's default (untouched) state, following the original
// implementation's compress_stack: a snapshot only needs to describe
// slots the recorder has actually produced a value for.
func Compress(s *ShadowStack) []StackMapEntry {
	var out []StackMapEntry
	for i, e := range s.slots {
		if e.Tag == 0 {
			continue
		}
		out = append(out, StackMapEntry{Slot: i, Ref: e.Ref, Tag: e.Tag})
	}
	return out
}

// Snapshot records everything deoptimisation needs to hand control back
// to the interpreter at one guard: the IR position it applies to, the
// bytecode IP execution resumes at if the guard fails, the virtual stack
// height at that point, and the compressed shadow-stack mapping.
type Snapshot struct {
	IRRef     ir.Ref
	NextIP    int
	StackSize int
	StackMap  []StackMapEntry
}

// PendingIP is the sentinel resume-IP New gives a snapshot. The recorder
// sets the real resume target (the guarded GET_LOCAL, or the branch's
// untaken side) right after creating it; when the back-branch is
// recorded, Trace.PatchPendingResumeIPs points any snapshot still holding
// the sentinel at the loop entry.
const PendingIP = -1

func New(atRef ir.Ref, stack *ShadowStack, stackSize int) Snapshot {
	return Snapshot{
		IRRef:     atRef,
		NextIP:    PendingIP,
		StackSize: stackSize,
		StackMap:  Compress(stack),
	}
}
