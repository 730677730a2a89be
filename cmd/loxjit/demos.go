package main

import (
	"sort"

	"github.com/loxxgo/tracejit/internal/bytecode"
	"github.com/loxxgo/tracejit/internal/value"
)

// demos hand-assembles the tiny CodeObjects this driver can run: real
// bytecode for the JIT to compile without a front end.
var demos = map[string]func() *bytecode.CodeObject{
	"counter": demoCounter,
	"deopt":   demoDeopt,
	"nested":  demoNested,
}

// DemoNames returns the registered demo names, sorted for stable listing.
func DemoNames() []string {
	names := make([]string, 0, len(demos))
	for name := range demos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// demoCounter sums 0..N-1 in a float local inside a single hot loop: the
// loop goes hot, records, compiles and runs natively, printing the final
// sum.
func demoCounter() *bytecode.CodeObject {
	c := bytecode.NewChunk("counter", 0)
	sum := c.AddLocal("sum")
	i := c.AddLocal("i")
	n := c.AddLocal("n")

	zero := c.AddConstant(value.Float64(0))
	one := c.AddConstant(value.Float64(1))
	limit := c.AddConstant(value.Float64(200))

	c.Emit(bytecode.LoadConstant, 1)
	c.EmitByte(zero, 1)
	c.Emit(bytecode.SetLocal, 1)
	c.EmitByte(sum, 1)
	c.Emit(bytecode.Pop, 1)

	c.Emit(bytecode.LoadConstant, 2)
	c.EmitByte(zero, 2)
	c.Emit(bytecode.SetLocal, 2)
	c.EmitByte(i, 2)
	c.Emit(bytecode.Pop, 2)

	c.Emit(bytecode.LoadConstant, 3)
	c.EmitByte(limit, 3)
	c.Emit(bytecode.SetLocal, 3)
	c.EmitByte(n, 3)
	c.Emit(bytecode.Pop, 3)

	loopStart := c.Here()

	// while (i < n)
	c.Emit(bytecode.GetLocal, 5)
	c.EmitByte(i, 5)
	c.Emit(bytecode.GetLocal, 5)
	c.EmitByte(n, 5)
	c.Emit(bytecode.Less, 5)
	exitJump := c.Emit(bytecode.ConditionalJump, 5)
	c.EmitUint16(0, 5)

	// sum = sum + i
	c.Emit(bytecode.GetLocal, 6)
	c.EmitByte(sum, 6)
	c.Emit(bytecode.GetLocal, 6)
	c.EmitByte(i, 6)
	c.Emit(bytecode.Add, 6)
	c.Emit(bytecode.SetLocal, 6)
	c.EmitByte(sum, 6)
	c.Emit(bytecode.Pop, 6)

	// i = i + 1
	c.Emit(bytecode.GetLocal, 7)
	c.EmitByte(i, 7)
	c.Emit(bytecode.LoadConstant, 7)
	c.EmitByte(one, 7)
	c.Emit(bytecode.Add, 7)
	c.Emit(bytecode.SetLocal, 7)
	c.EmitByte(i, 7)
	c.Emit(bytecode.Pop, 7)

	loopOp := c.Emit(bytecode.Loop, 8)
	backOffset := c.Here() + 2 - loopStart
	c.EmitUint16(uint16(backOffset), 8)

	afterLoop := c.Here()
	c.PatchUint16(exitJump+1, uint16(afterLoop-(exitJump+3)))

	c.Emit(bytecode.GetLocal, 9)
	c.EmitByte(sum, 9)
	c.Emit(bytecode.Print, 9)
	c.Emit(bytecode.Return, 9)

	_ = loopOp
	return c.CodeObject()
}

// demoDeopt drives a counting loop whose "flip" local changes runtime
// type partway through, forcing an installed trace's branch guard to
// fail and deoptimise.
func demoDeopt() *bytecode.CodeObject {
	c := bytecode.NewChunk("deopt", 0)
	i := c.AddLocal("i")
	n := c.AddLocal("n")
	flip := c.AddLocal("flip")

	zero := c.AddConstant(value.Float64(0))
	one := c.AddConstant(value.Float64(1))
	limit := c.AddConstant(value.Float64(120))
	flipAt := c.AddConstant(value.Float64(80))
	trueConst := c.AddConstant(value.Boolean(true))

	c.Emit(bytecode.LoadConstant, 1)
	c.EmitByte(zero, 1)
	c.Emit(bytecode.SetLocal, 1)
	c.EmitByte(i, 1)
	c.Emit(bytecode.Pop, 1)

	c.Emit(bytecode.LoadConstant, 2)
	c.EmitByte(limit, 2)
	c.Emit(bytecode.SetLocal, 2)
	c.EmitByte(n, 2)
	c.Emit(bytecode.Pop, 2)

	c.Emit(bytecode.LoadConstant, 3)
	c.EmitByte(zero, 3)
	c.Emit(bytecode.SetLocal, 3)
	c.EmitByte(flip, 3)
	c.Emit(bytecode.Pop, 3)

	loopStart := c.Here()

	c.Emit(bytecode.GetLocal, 5)
	c.EmitByte(i, 5)
	c.Emit(bytecode.GetLocal, 5)
	c.EmitByte(n, 5)
	c.Emit(bytecode.Less, 5)
	exitJump := c.Emit(bytecode.ConditionalJump, 5)
	c.EmitUint16(0, 5)

	// if (i == flipAt) flip = true;   -- on every other iteration the
	// conditional jump skips the assignment, so a recorded trace follows
	// the skip and its branch guard fails deterministically at i == flipAt.
	c.Emit(bytecode.GetLocal, 6)
	c.EmitByte(i, 6)
	c.Emit(bytecode.LoadConstant, 6)
	c.EmitByte(flipAt, 6)
	c.Emit(bytecode.Equal, 6)
	flipJump := c.Emit(bytecode.ConditionalJump, 6)
	c.EmitUint16(0, 6)

	c.Emit(bytecode.LoadConstant, 7)
	c.EmitByte(trueConst, 7)
	c.Emit(bytecode.SetLocal, 7)
	c.EmitByte(flip, 7)
	c.Emit(bytecode.Pop, 7)

	afterFlip := c.Here()
	c.PatchUint16(flipJump+1, uint16(afterFlip-(flipJump+3)))

	// i = i + 1
	c.Emit(bytecode.GetLocal, 8)
	c.EmitByte(i, 8)
	c.Emit(bytecode.LoadConstant, 8)
	c.EmitByte(one, 8)
	c.Emit(bytecode.Add, 8)
	c.Emit(bytecode.SetLocal, 8)
	c.EmitByte(i, 8)
	c.Emit(bytecode.Pop, 8)

	c.Emit(bytecode.Loop, 9)
	backOffset := c.Here() + 2 - loopStart
	c.EmitUint16(uint16(backOffset), 9)

	afterLoop := c.Here()
	c.PatchUint16(exitJump+1, uint16(afterLoop-(exitJump+3)))

	c.Emit(bytecode.GetLocal, 10)
	c.EmitByte(i, 10)
	c.Emit(bytecode.Print, 10)
	c.Emit(bytecode.Return, 10)

	return c.CodeObject()
}

// demoNested runs an inner hot loop inside an outer cold one; the inner
// loop is compiled first and the outer loop is left alone while a
// recording is in flight.
func demoNested() *bytecode.CodeObject {
	c := bytecode.NewChunk("nested", 0)
	outer := c.AddLocal("outer")
	total := c.AddLocal("total")
	inner := c.AddLocal("inner")

	zero := c.AddConstant(value.Float64(0))
	one := c.AddConstant(value.Float64(1))
	outerLimit := c.AddConstant(value.Float64(4))
	innerLimit := c.AddConstant(value.Float64(150))

	c.Emit(bytecode.LoadConstant, 1)
	c.EmitByte(zero, 1)
	c.Emit(bytecode.SetLocal, 1)
	c.EmitByte(outer, 1)
	c.Emit(bytecode.Pop, 1)

	c.Emit(bytecode.LoadConstant, 2)
	c.EmitByte(zero, 2)
	c.Emit(bytecode.SetLocal, 2)
	c.EmitByte(total, 2)
	c.Emit(bytecode.Pop, 2)

	outerStart := c.Here()
	c.Emit(bytecode.GetLocal, 4)
	c.EmitByte(outer, 4)
	c.Emit(bytecode.LoadConstant, 4)
	c.EmitByte(outerLimit, 4)
	c.Emit(bytecode.Less, 4)
	outerExit := c.Emit(bytecode.ConditionalJump, 4)
	c.EmitUint16(0, 4)

	c.Emit(bytecode.LoadConstant, 5)
	c.EmitByte(zero, 5)
	c.Emit(bytecode.SetLocal, 5)
	c.EmitByte(inner, 5)
	c.Emit(bytecode.Pop, 5)

	innerStart := c.Here()
	c.Emit(bytecode.GetLocal, 7)
	c.EmitByte(inner, 7)
	c.Emit(bytecode.LoadConstant, 7)
	c.EmitByte(innerLimit, 7)
	c.Emit(bytecode.Less, 7)
	innerExit := c.Emit(bytecode.ConditionalJump, 7)
	c.EmitUint16(0, 7)

	c.Emit(bytecode.GetLocal, 8)
	c.EmitByte(total, 8)
	c.Emit(bytecode.GetLocal, 8)
	c.EmitByte(inner, 8)
	c.Emit(bytecode.Add, 8)
	c.Emit(bytecode.SetLocal, 8)
	c.EmitByte(total, 8)
	c.Emit(bytecode.Pop, 8)

	c.Emit(bytecode.GetLocal, 9)
	c.EmitByte(inner, 9)
	c.Emit(bytecode.LoadConstant, 9)
	c.EmitByte(one, 9)
	c.Emit(bytecode.Add, 9)
	c.Emit(bytecode.SetLocal, 9)
	c.EmitByte(inner, 9)
	c.Emit(bytecode.Pop, 9)

	c.Emit(bytecode.Loop, 10)
	innerBack := c.Here() + 2 - innerStart
	c.EmitUint16(uint16(innerBack), 10)

	afterInner := c.Here()
	c.PatchUint16(innerExit+1, uint16(afterInner-(innerExit+3)))

	c.Emit(bytecode.GetLocal, 11)
	c.EmitByte(outer, 11)
	c.Emit(bytecode.LoadConstant, 11)
	c.EmitByte(one, 11)
	c.Emit(bytecode.Add, 11)
	c.Emit(bytecode.SetLocal, 11)
	c.EmitByte(outer, 11)
	c.Emit(bytecode.Pop, 11)

	c.Emit(bytecode.Loop, 12)
	outerBack := c.Here() + 2 - outerStart
	c.EmitUint16(uint16(outerBack), 12)

	afterOuter := c.Here()
	c.PatchUint16(outerExit+1, uint16(afterOuter-(outerExit+3)))

	c.Emit(bytecode.GetLocal, 13)
	c.EmitByte(total, 13)
	c.Emit(bytecode.Print, 13)
	c.Emit(bytecode.Return, 13)

	return c.CodeObject()
}
