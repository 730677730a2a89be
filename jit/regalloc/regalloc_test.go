package regalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loxxgo/tracejit/internal/value"
	"github.com/loxxgo/tracejit/jit/ir"
	"github.com/loxxgo/tracejit/jit/snapshot"
)

func gpPool(n int) []Register {
	pool := make([]Register, n)
	for i := range pool {
		pool[i] = Register{Class: GeneralPurpose, ID: i}
	}
	return pool
}

func fpPool(n int) []Register {
	pool := make([]Register, n)
	for i := range pool {
		pool[i] = Register{Class: FloatingPoint, ID: i}
	}
	return pool
}

func TestAllocateRespectsRegisterClass(t *testing.T) {
	buf := ir.NewBuffer()
	f := buf.Emit(ir.New(ir.Literal, value.Float, ir.MakeLiteralFloat(1)))
	b := buf.Emit(ir.New(ir.Less, value.Bool, ir.MakeIRRef(f), ir.MakeIRRef(f)))
	buf.Emit(ir.New(ir.CheckTrue, value.Bool, ir.MakeIRRef(b), ir.MakeExitNumber(0)))

	a := New(gpPool(4), fpPool(4))
	m, err := a.Allocate(buf, nil)
	require.NoError(t, err)

	floc, ok := m.Lookup(f)
	require.True(t, ok)
	require.Equal(t, FloatingPoint, floc.Reg.Class)

	bloc, ok := m.Lookup(b)
	require.True(t, ok)
	require.Equal(t, GeneralPurpose, bloc.Reg.Class)
}

func TestAllocateSpillsWhenPoolExhausted(t *testing.T) {
	// Five overlapping FLOAT values against two XMM registers: three must
	// end up in spill slots.
	buf := ir.NewBuffer()
	var refs []ir.Ref
	for i := 0; i < 5; i++ {
		refs = append(refs, buf.Emit(ir.New(ir.Literal, value.Float, ir.MakeLiteralFloat(float64(i)))))
	}
	acc := refs[0]
	for i := 1; i < 5; i++ {
		acc = buf.Emit(ir.New(ir.Add, value.Float, ir.MakeIRRef(acc), ir.MakeIRRef(refs[i])))
	}

	a := New(gpPool(2), fpPool(2))
	m, err := a.Allocate(buf, nil)
	require.NoError(t, err)

	spilled, inReg := 0, 0
	for _, r := range refs {
		loc, ok := m.Lookup(r)
		require.True(t, ok)
		if loc.InRegister {
			inReg++
		} else {
			require.Equal(t, FloatingPoint, loc.Reg.Class)
			spilled++
		}
	}
	require.Equal(t, 2, inReg)
	require.Equal(t, 3, spilled)
	require.GreaterOrEqual(t, m.SpillSlotCount(), spilled)
}

func TestLiveRangeCoversSnapshotUses(t *testing.T) {
	buf := ir.NewBuffer()
	lit := buf.Emit(ir.New(ir.Literal, value.Float, ir.MakeLiteralFloat(1)))
	buf.Emit(ir.New(ir.Noop, value.Unknown))
	guard := buf.Emit(ir.New(ir.CheckType, value.Float, ir.MakeStackRef(0), ir.MakeExitNumber(0)))

	snaps := []snapshot.Snapshot{{
		IRRef:    guard,
		NextIP:   0,
		StackMap: []snapshot.StackMapEntry{{Slot: 0, Ref: lit, Tag: snapshot.Cached}},
	}}

	ranges := ComputeLiveRanges(buf, snaps)
	for _, r := range ranges {
		if r.ref == lit {
			require.Equal(t, int(guard), r.end, "a snapshot reference keeps its value alive to the guard")
			return
		}
	}
	t.Fatal("no live range computed for the literal")
}

func TestLiveRangeExtendsAcrossBackEdge(t *testing.T) {
	// A value defined before LOOP_START and read inside the loop body is
	// read again on every iteration, so it must stay live to the loop end.
	buf := ir.NewBuffer()
	inv := buf.Emit(ir.New(ir.Literal, value.Float, ir.MakeLiteralFloat(10)))
	buf.Emit(ir.New(ir.LoopStart, value.Unknown))
	phi := buf.Emit(ir.New(ir.Phi, value.Float, ir.MakeIRRef(inv), ir.MakeIRRef(inv)))
	buf.Emit(ir.New(ir.Less, value.Bool, ir.MakeIRRef(phi), ir.MakeIRRef(inv)))
	buf.Emit(ir.New(ir.Literal, value.Float, ir.MakeLiteralFloat(1)))
	end := buf.Emit(ir.New(ir.Loop, value.Unknown, ir.MakeIRRef(1)))

	ranges := ComputeLiveRanges(buf, nil)
	for _, r := range ranges {
		if r.ref == inv {
			require.Equal(t, int(end), r.end)
			return
		}
	}
	t.Fatal("no live range computed for the invariant literal")
}

func TestAllocateFurthestEndSpillHeuristic(t *testing.T) {
	// One long-lived value and a stream of short-lived ones, against a
	// single register: the long-lived interval is spilled so the short
	// ones can keep the register.
	buf := ir.NewBuffer()
	long := buf.Emit(ir.New(ir.Literal, value.Float, ir.MakeLiteralFloat(0)))
	var lastShort ir.Ref
	for i := 0; i < 3; i++ {
		s := buf.Emit(ir.New(ir.Literal, value.Float, ir.MakeLiteralFloat(1)))
		lastShort = buf.Emit(ir.New(ir.Add, value.Float, ir.MakeIRRef(s), ir.MakeIRRef(s)))
	}
	buf.Emit(ir.New(ir.Add, value.Float, ir.MakeIRRef(long), ir.MakeIRRef(lastShort)))

	a := New(gpPool(1), fpPool(1))
	m, err := a.Allocate(buf, nil)
	require.NoError(t, err)

	loc, ok := m.Lookup(long)
	require.True(t, ok)
	require.False(t, loc.InRegister, "the furthest-end interval is the one spilled")
}
