package jit_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loxxgo/tracejit/internal/bytecode"
	"github.com/loxxgo/tracejit/internal/interp"
	"github.com/loxxgo/tracejit/internal/value"
	"github.com/loxxgo/tracejit/jit"
)

// The end-to-end tests here run whole programs twice, once interpreted
// and once with the engine attached, and require identical output. They
// exercise assembled code, so they are amd64-only.
func requireAMD64(t *testing.T) {
	t.Helper()
	if runtime.GOARCH != "amd64" {
		t.SkipNow()
	}
}

func runBoth(t *testing.T, build func() (*bytecode.CodeObject, int)) ([]string, []string, *jit.Engine, int) {
	t.Helper()

	code, loopHead := build()
	plain := interp.New()
	require.NoError(t, plain.Run(code))

	code2, _ := build()
	jitted := interp.New()
	engine := jit.NewEngine(jit.DefaultConfig())
	jitted.JIT = engine
	require.NoError(t, jitted.Run(code2))

	return plain.Printed, jitted.Printed, engine, loopHead
}

type local struct {
	idx byte
}

// loopBuilder cuts down the boilerplate of hand-assembling while-loops.
type loopBuilder struct {
	c *bytecode.Chunk
}

func (b *loopBuilder) constant(v value.Value) byte { return b.c.AddConstant(v) }

func (b *loopBuilder) setLocal(l local, k byte) {
	b.c.Emit(bytecode.LoadConstant, 1)
	b.c.EmitByte(k, 1)
	b.c.Emit(bytecode.SetLocal, 1)
	b.c.EmitByte(l.idx, 1)
	b.c.Emit(bytecode.Pop, 1)
}

func (b *loopBuilder) get(l local) {
	b.c.Emit(bytecode.GetLocal, 1)
	b.c.EmitByte(l.idx, 1)
}

func (b *loopBuilder) store(l local) {
	b.c.Emit(bytecode.SetLocal, 1)
	b.c.EmitByte(l.idx, 1)
	b.c.Emit(bytecode.Pop, 1)
}

func (b *loopBuilder) loadConst(k byte) {
	b.c.Emit(bytecode.LoadConstant, 1)
	b.c.EmitByte(k, 1)
}

// addAssign emits l = l + <k>.
func (b *loopBuilder) addAssign(l local, k byte) {
	b.get(l)
	b.loadConst(k)
	b.c.Emit(bytecode.Add, 1)
	b.store(l)
}

// buildCounter assembles: sum=0; i=0; while (i<limit) { sum=sum+i; i=i+1 } print sum
func buildCounter(limit float64) (*bytecode.CodeObject, int) {
	c := bytecode.NewChunk("counter", 0)
	b := &loopBuilder{c: c}
	sum := local{c.AddLocal("sum")}
	i := local{c.AddLocal("i")}
	zero := b.constant(value.Float64(0))
	one := b.constant(value.Float64(1))
	lim := b.constant(value.Float64(limit))

	b.setLocal(sum, zero)
	b.setLocal(i, zero)

	head := c.Here()
	b.get(i)
	b.loadConst(lim)
	c.Emit(bytecode.Less, 1)
	exit := c.Emit(bytecode.ConditionalJump, 1)
	c.EmitUint16(0, 1)

	b.get(sum)
	b.get(i)
	c.Emit(bytecode.Add, 1)
	b.store(sum)
	b.addAssign(i, one)

	c.Emit(bytecode.Loop, 1)
	c.EmitUint16(uint16(c.Here()+2-head), 1)
	c.PatchUint16(exit+1, uint16(c.Here()-(exit+3)))

	b.get(sum)
	c.Emit(bytecode.Print, 1)
	c.Emit(bytecode.Return, 1)
	return c.CodeObject(), head
}

func TestHotLoopCompilesAndMatchesInterpreter(t *testing.T) {
	requireAMD64(t)
	plain, jitted, engine, head := runBoth(t, func() (*bytecode.CodeObject, int) {
		return buildCounter(400)
	})
	require.Equal(t, plain, jitted)
	require.Equal(t, []string{"79800"}, jitted)

	_, ok := engine.LookupTrace(head)
	require.True(t, ok, "the hot loop must have an installed trace")
}

func TestColdLoopIsNotCompiled(t *testing.T) {
	plain, jitted, engine, head := runBoth(t, func() (*bytecode.CodeObject, int) {
		return buildCounter(10)
	})
	require.Equal(t, plain, jitted)
	_, ok := engine.LookupTrace(head)
	require.False(t, ok, "ten iterations never cross the hot threshold")
}

type heapThing struct{}

func (heapThing) ObjString() string { return "<thing>" }

// buildTypeChange assembles a loop that reads a local every iteration and
// rebinds it to a heap object partway through:
//
//	i=0; x=0;
//	while (i < 200) { x; if (i==120) x=<obj>; i=i+1 }
//	print i
func buildTypeChange() (*bytecode.CodeObject, int) {
	c := bytecode.NewChunk("typechange", 0)
	b := &loopBuilder{c: c}
	i := local{c.AddLocal("i")}
	x := local{c.AddLocal("x")}
	zero := b.constant(value.Float64(0))
	one := b.constant(value.Float64(1))
	lim := b.constant(value.Float64(200))
	at := b.constant(value.Float64(120))
	obj := b.constant(value.ObjectValue(heapThing{}))

	b.setLocal(i, zero)
	b.setLocal(x, zero)

	head := c.Here()
	b.get(i)
	b.loadConst(lim)
	c.Emit(bytecode.Less, 1)
	exit := c.Emit(bytecode.ConditionalJump, 1)
	c.EmitUint16(0, 1)

	// Read x so the trace carries a type guard on it.
	b.get(x)
	c.Emit(bytecode.Pop, 1)

	b.get(i)
	b.loadConst(at)
	c.Emit(bytecode.Equal, 1)
	skip := c.Emit(bytecode.ConditionalJump, 1)
	c.EmitUint16(0, 1)
	b.setLocal(x, obj)
	c.PatchUint16(skip+1, uint16(c.Here()-(skip+3)))

	b.addAssign(i, one)

	c.Emit(bytecode.Loop, 1)
	c.EmitUint16(uint16(c.Here()+2-head), 1)
	c.PatchUint16(exit+1, uint16(c.Here()-(exit+3)))

	b.get(i)
	c.Emit(bytecode.Print, 1)
	c.Emit(bytecode.Return, 1)
	return c.CodeObject(), head
}

func TestTypeChangeDeoptimises(t *testing.T) {
	requireAMD64(t)
	plain, jitted, engine, head := runBoth(t, buildTypeChange)
	require.Equal(t, plain, jitted)
	require.Equal(t, []string{"200"}, jitted)

	_, ok := engine.LookupTrace(head)
	require.True(t, ok, "the trace stays installed; the guard just keeps failing")
}

// buildNested assembles: total=0; o=0; while (o<4) { n=0; while (n<150)
// { total=total+1; n=n+1 }; o=o+1 } print total
func buildNested() (*bytecode.CodeObject, int) {
	c := bytecode.NewChunk("nested", 0)
	b := &loopBuilder{c: c}
	total := local{c.AddLocal("total")}
	o := local{c.AddLocal("o")}
	n := local{c.AddLocal("n")}
	zero := b.constant(value.Float64(0))
	one := b.constant(value.Float64(1))
	oLim := b.constant(value.Float64(4))
	nLim := b.constant(value.Float64(150))

	b.setLocal(total, zero)
	b.setLocal(o, zero)

	outerHead := c.Here()
	b.get(o)
	b.loadConst(oLim)
	c.Emit(bytecode.Less, 1)
	outerExit := c.Emit(bytecode.ConditionalJump, 1)
	c.EmitUint16(0, 1)

	b.setLocal(n, zero)
	innerHead := c.Here()
	b.get(n)
	b.loadConst(nLim)
	c.Emit(bytecode.Less, 1)
	innerExit := c.Emit(bytecode.ConditionalJump, 1)
	c.EmitUint16(0, 1)

	b.addAssign(total, one)
	b.addAssign(n, one)

	c.Emit(bytecode.Loop, 1)
	c.EmitUint16(uint16(c.Here()+2-innerHead), 1)
	c.PatchUint16(innerExit+1, uint16(c.Here()-(innerExit+3)))

	b.addAssign(o, one)

	c.Emit(bytecode.Loop, 1)
	c.EmitUint16(uint16(c.Here()+2-outerHead), 1)
	c.PatchUint16(outerExit+1, uint16(c.Here()-(outerExit+3)))

	b.get(total)
	c.Emit(bytecode.Print, 1)
	c.Emit(bytecode.Return, 1)
	return c.CodeObject(), innerHead
}

func TestNestedLoopsCompileInnerFirst(t *testing.T) {
	requireAMD64(t)
	plain, jitted, engine, innerHead := runBoth(t, buildNested)
	require.Equal(t, plain, jitted)
	require.Equal(t, []string{"600"}, jitted)

	_, ok := engine.LookupTrace(innerHead)
	require.True(t, ok, "the inner loop is the one that goes hot")
}

// buildCallLoop assembles a loop whose body contains a CALL, which the
// recorder cannot trace: i=0; while (i<300) { <call>; i=i+1 } print i
func buildCallLoop() (*bytecode.CodeObject, int) {
	c := bytecode.NewChunk("callloop", 0)
	b := &loopBuilder{c: c}
	i := local{c.AddLocal("i")}
	zero := b.constant(value.Float64(0))
	one := b.constant(value.Float64(1))
	lim := b.constant(value.Float64(300))

	b.setLocal(i, zero)

	head := c.Here()
	b.get(i)
	b.loadConst(lim)
	c.Emit(bytecode.Less, 1)
	exit := c.Emit(bytecode.ConditionalJump, 1)
	c.EmitUint16(0, 1)

	c.Emit(bytecode.Call, 1)
	c.EmitByte(0, 1)
	c.Emit(bytecode.Pop, 1)

	b.addAssign(i, one)

	c.Emit(bytecode.Loop, 1)
	c.EmitUint16(uint16(c.Here()+2-head), 1)
	c.PatchUint16(exit+1, uint16(c.Here()-(exit+3)))

	b.get(i)
	c.Emit(bytecode.Print, 1)
	c.Emit(bytecode.Return, 1)
	return c.CodeObject(), head
}

func TestUnsupportedOpcodeAbortsAndBlacklists(t *testing.T) {
	plain, jitted, engine, head := runBoth(t, buildCallLoop)
	require.Equal(t, plain, jitted)
	require.Equal(t, []string{"300"}, jitted)

	// Three hundred back-edges is enough for several recording attempts;
	// every one aborts on CALL and the address ends up blacklisted, so
	// nothing is ever installed.
	_, ok := engine.LookupTrace(head)
	require.False(t, ok)
}

// buildAlternating assembles a loop whose branch flips direction every
// iteration, so whichever side the recording followed, the other side
// keeps forcing side-exits:
//
//	i=0; a=0; tg=0;
//	while (i<100) { if (tg==1) a=a+1; else a=a+2; tg=1-tg; i=i+1 }
//	print a
func buildAlternating() (*bytecode.CodeObject, int) {
	c := bytecode.NewChunk("alternating", 0)
	b := &loopBuilder{c: c}
	i := local{c.AddLocal("i")}
	a := local{c.AddLocal("a")}
	tg := local{c.AddLocal("tg")}
	zero := b.constant(value.Float64(0))
	one := b.constant(value.Float64(1))
	two := b.constant(value.Float64(2))
	lim := b.constant(value.Float64(100))

	b.setLocal(i, zero)
	b.setLocal(a, zero)
	b.setLocal(tg, zero)

	head := c.Here()
	b.get(i)
	b.loadConst(lim)
	c.Emit(bytecode.Less, 1)
	exit := c.Emit(bytecode.ConditionalJump, 1)
	c.EmitUint16(0, 1)

	b.get(tg)
	b.loadConst(one)
	c.Emit(bytecode.Equal, 1)
	els := c.Emit(bytecode.ConditionalJump, 1)
	c.EmitUint16(0, 1)

	b.addAssign(a, one)
	done := c.Emit(bytecode.Jump, 1)
	c.EmitUint16(0, 1)

	c.PatchUint16(els+1, uint16(c.Here()-(els+3)))
	b.addAssign(a, two)
	c.PatchUint16(done+1, uint16(c.Here()-(done+3)))

	// tg = 1 - tg
	b.loadConst(one)
	b.get(tg)
	c.Emit(bytecode.Subtract, 1)
	b.store(tg)

	b.addAssign(i, one)

	c.Emit(bytecode.Loop, 1)
	c.EmitUint16(uint16(c.Here()+2-head), 1)
	c.PatchUint16(exit+1, uint16(c.Here()-(exit+3)))

	b.get(a)
	c.Emit(bytecode.Print, 1)
	c.Emit(bytecode.Return, 1)
	return c.CodeObject(), head
}

func TestAlternatingBranchSideExits(t *testing.T) {
	requireAMD64(t)
	plain, jitted, engine, head := runBoth(t, buildAlternating)
	require.Equal(t, plain, jitted)
	require.Equal(t, []string{"150"}, jitted)

	_, ok := engine.LookupTrace(head)
	require.True(t, ok)
}

func TestDisabledEngineNeverCompiles(t *testing.T) {
	code, head := buildCounter(400)
	cfg := jit.DefaultConfig()
	cfg.Enabled = false
	engine := jit.NewEngine(cfg)
	vm := interp.New()
	vm.JIT = engine
	require.NoError(t, vm.Run(code))
	require.Equal(t, []string{"79800"}, vm.Printed)

	_, ok := engine.LookupTrace(head)
	require.False(t, ok)
}
