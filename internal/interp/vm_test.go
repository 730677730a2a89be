package interp

import (
	"testing"

	"github.com/loxxgo/tracejit/internal/bytecode"
	"github.com/loxxgo/tracejit/internal/value"
)

// buildCountLoop assembles:
//
//	var sum = 0; var i = 0;
//	while (i < n) { sum = sum + i; i = i + 1; }
//	print sum;
func buildCountLoop(n float64) *bytecode.CodeObject {
	c := bytecode.NewChunk("count", 0)
	sum := c.AddLocal("sum")
	i := c.AddLocal("i")

	zero := c.AddConstant(value.Float64(0))
	one := c.AddConstant(value.Float64(1))
	limit := c.AddConstant(value.Float64(n))

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

	loopStart := c.Here()
	c.Emit(bytecode.GetLocal, 3)
	c.EmitByte(i, 3)
	c.Emit(bytecode.LoadConstant, 3)
	c.EmitByte(limit, 3)
	c.Emit(bytecode.Less, 3)
	exitJump := c.Emit(bytecode.ConditionalJump, 3)
	c.EmitUint16(0, 3)

	c.Emit(bytecode.GetLocal, 4)
	c.EmitByte(sum, 4)
	c.Emit(bytecode.GetLocal, 4)
	c.EmitByte(i, 4)
	c.Emit(bytecode.Add, 4)
	c.Emit(bytecode.SetLocal, 4)
	c.EmitByte(sum, 4)
	c.Emit(bytecode.Pop, 4)

	c.Emit(bytecode.GetLocal, 5)
	c.EmitByte(i, 5)
	c.Emit(bytecode.LoadConstant, 5)
	c.EmitByte(one, 5)
	c.Emit(bytecode.Add, 5)
	c.Emit(bytecode.SetLocal, 5)
	c.EmitByte(i, 5)
	c.Emit(bytecode.Pop, 5)

	c.Emit(bytecode.Loop, 6)
	c.EmitUint16(uint16(c.Here()+2-loopStart), 6)

	c.PatchUint16(exitJump+1, uint16(c.Here()-(exitJump+3)))

	c.Emit(bytecode.GetLocal, 7)
	c.EmitByte(sum, 7)
	c.Emit(bytecode.Print, 7)
	c.Emit(bytecode.Return, 7)
	return c.CodeObject()
}

func TestRunCountLoop(t *testing.T) {
	vm := New()
	if err := vm.Run(buildCountLoop(100)); err != nil {
		t.Fatal(err)
	}
	if len(vm.Printed) != 1 || vm.Printed[0] != "4950" {
		t.Fatalf("printed = %v, want [4950]", vm.Printed)
	}
}

func TestRunArithmetic(t *testing.T) {
	c := bytecode.NewChunk("arith", 0)
	a := c.AddConstant(value.Float64(9))
	b := c.AddConstant(value.Float64(2))

	c.Emit(bytecode.LoadConstant, 1)
	c.EmitByte(a, 1)
	c.Emit(bytecode.LoadConstant, 1)
	c.EmitByte(b, 1)
	c.Emit(bytecode.Divide, 1)
	c.Emit(bytecode.Print, 1)
	c.Emit(bytecode.Return, 1)

	vm := New()
	if err := vm.Run(c.CodeObject()); err != nil {
		t.Fatal(err)
	}
	if vm.Printed[0] != "4.5" {
		t.Fatalf("printed = %v, want [4.5]", vm.Printed)
	}
}

func TestRunTypeError(t *testing.T) {
	c := bytecode.NewChunk("bad", 0)
	a := c.AddConstant(value.Float64(1))
	b := c.AddConstant(value.Boolean(true))

	c.Emit(bytecode.LoadConstant, 1)
	c.EmitByte(a, 1)
	c.Emit(bytecode.LoadConstant, 1)
	c.EmitByte(b, 1)
	c.Emit(bytecode.Add, 1)
	c.Emit(bytecode.Return, 1)

	vm := New()
	if err := vm.Run(c.CodeObject()); err == nil {
		t.Fatal("expected a type error adding a float and a bool")
	}
}

func TestRunConditionalJump(t *testing.T) {
	// if (false) print 1; else print 2;
	c := bytecode.NewChunk("branch", 0)
	cond := c.AddConstant(value.Boolean(false))
	one := c.AddConstant(value.Float64(1))
	two := c.AddConstant(value.Float64(2))

	c.Emit(bytecode.LoadConstant, 1)
	c.EmitByte(cond, 1)
	cj := c.Emit(bytecode.ConditionalJump, 1)
	c.EmitUint16(0, 1)

	c.Emit(bytecode.LoadConstant, 2)
	c.EmitByte(one, 2)
	c.Emit(bytecode.Print, 2)
	j := c.Emit(bytecode.Jump, 2)
	c.EmitUint16(0, 2)

	elseAt := c.Here()
	c.Emit(bytecode.LoadConstant, 3)
	c.EmitByte(two, 3)
	c.Emit(bytecode.Print, 3)

	end := c.Here()
	c.PatchUint16(cj+1, uint16(elseAt-(cj+3)))
	c.PatchUint16(j+1, uint16(end-(j+3)))
	c.Emit(bytecode.Return, 3)

	vm := New()
	if err := vm.Run(c.CodeObject()); err != nil {
		t.Fatal(err)
	}
	if len(vm.Printed) != 1 || vm.Printed[0] != "2" {
		t.Fatalf("printed = %v, want [2]", vm.Printed)
	}
}

func TestRunCallDropsArguments(t *testing.T) {
	c := bytecode.NewChunk("call", 0)
	k := c.AddConstant(value.Float64(3))

	c.Emit(bytecode.LoadConstant, 1)
	c.EmitByte(k, 1)
	c.Emit(bytecode.LoadConstant, 1)
	c.EmitByte(k, 1)
	c.Emit(bytecode.Call, 1)
	c.EmitByte(2, 1)
	c.Emit(bytecode.Print, 1)
	c.Emit(bytecode.Return, 1)

	vm := New()
	if err := vm.Run(c.CodeObject()); err != nil {
		t.Fatal(err)
	}
	if vm.Printed[0] != "nil" {
		t.Fatalf("printed = %v, want [nil]", vm.Printed)
	}
}
