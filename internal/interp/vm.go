package interp

import (
	"encoding/binary"
	"fmt"

	"github.com/loxxgo/tracejit/internal/bytecode"
	"github.com/loxxgo/tracejit/internal/value"
)

// ErrStackUnderflow is raised if a POP/binary op is attempted on an empty
// value stack; it indicates a bug in the bytecode stream, not a script
// error.
type ErrStackUnderflow struct{ Op bytecode.Op }

func (e ErrStackUnderflow) Error() string {
	return fmt.Sprintf("interp: stack underflow executing %s", e.Op)
}

// VM is the bytecode interpreter. It owns the value stack, the global
// table and the call-frame chain, and drives the JIT hooks on every
// back-branch, every instruction while recording, and every trace-cache
// lookup.
type VM struct {
	stack   []value.Value
	frames  []Frame
	globals map[string]value.Value

	JIT JIT

	// Printed is where PRINT writes; tests read it back. It starts nil
	// and gains one string per executed PRINT.
	Printed []string
}

func New() *VM {
	return &VM{
		globals: make(map[string]value.Value),
	}
}

func (vm *VM) Stack() []value.Value { return vm.stack }

func (vm *VM) push(v value.Value) { vm.stack = append(vm.stack, v) }

func (vm *VM) pop() value.Value {
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v
}

func (vm *VM) top() value.Value { return vm.stack[len(vm.stack)-1] }

// Run executes code from instruction 0 in a fresh frame. Printed output
// accumulates in vm.Printed; execution faults (type errors at the
// language level, malformed bytecode) are returned as Go errors.
func (vm *VM) Run(code *bytecode.CodeObject) error {
	base := len(vm.stack)
	for range code.Varnames {
		vm.push(value.NilValue())
	}
	frame := Frame{Code: code, IP: 0, Base: base}
	vm.frames = append(vm.frames, frame)
	defer func() {
		vm.frames = vm.frames[:len(vm.frames)-1]
		vm.stack = vm.stack[:base]
	}()

	return vm.execFrame(&vm.frames[len(vm.frames)-1])
}

func (vm *VM) execFrame(f *Frame) error {
	code := f.Code.Code
	ctx := &ExecContext{Stack: &vm.stack, Frame: f}

	for f.IP < len(code) {
		ip := f.IP
		op := bytecode.Op(code[ip])

		need := 0
		switch op {
		case bytecode.Pop:
			need = 1
		case bytecode.Add, bytecode.Subtract, bytecode.Multiply, bytecode.Divide, bytecode.Less, bytecode.Equal:
			need = 2
		}
		if len(vm.stack) < need {
			return ErrStackUnderflow{Op: op}
		}

		// While a recording is in flight, installed traces are not
		// entered: native execution would skip the steps the recorder
		// needs to observe. The recorder aborts on the nested back-branch
		// instead.
		if vm.JIT != nil {
			if vm.JIT.Recording() {
				vm.JIT.RecordInstruction(ip, ctx)
			} else if th, ok := vm.JIT.LookupTrace(ip); ok {
				f.IP = vm.JIT.EnterTrace(th, ctx)
				continue
			}
		}

		f.IP++
		switch op {
		case bytecode.LoadConstant:
			idx := code[f.IP]
			f.IP++
			vm.push(f.Code.Constants[idx])

		case bytecode.GetLocal:
			idx := int(code[f.IP])
			f.IP++
			vm.push(vm.stack[f.Slot(idx)])

		case bytecode.SetLocal:
			idx := int(code[f.IP])
			f.IP++
			vm.stack[f.Slot(idx)] = vm.top()

		case bytecode.Pop:
			vm.pop()

		case bytecode.Add, bytecode.Subtract, bytecode.Multiply, bytecode.Divide:
			b := vm.pop()
			a := vm.pop()
			if !a.IsFloat() || !b.IsFloat() {
				return fmt.Errorf("interp: operands to %s must be numbers", op)
			}
			vm.push(value.Float64(arith(op, a.Num, b.Num)))

		case bytecode.Less:
			b := vm.pop()
			a := vm.pop()
			if !a.IsFloat() || !b.IsFloat() {
				return fmt.Errorf("interp: operands to LESS must be numbers")
			}
			vm.push(value.Boolean(a.Num < b.Num))

		case bytecode.Equal:
			b := vm.pop()
			a := vm.pop()
			vm.push(value.Boolean(a.Equal(b)))

		case bytecode.Jump:
			off := binary.LittleEndian.Uint16(code[f.IP:])
			f.IP += 2
			f.IP += int(off)

		case bytecode.ConditionalJump:
			off := binary.LittleEndian.Uint16(code[f.IP:])
			f.IP += 2
			if !vm.pop().Truthy() {
				f.IP += int(off)
			}

		case bytecode.Loop:
			off := binary.LittleEndian.Uint16(code[f.IP:])
			f.IP += 2
			f.IP -= int(off)
			if vm.JIT != nil {
				vm.JIT.HandleBasicBlockHead(f.IP, ctx)
			}

		case bytecode.Print:
			vm.Printed = append(vm.Printed, vm.pop().String())

		case bytecode.Call:
			argc := int(code[f.IP])
			f.IP++
			// The recorder treats CALL as unsupported and aborts; the
			// interpreter itself just drops the callee-less arguments so
			// a call-in-loop program still produces deterministic output.
			for i := 0; i < argc; i++ {
				vm.pop()
			}
			vm.push(value.NilValue())

		case bytecode.Return:
			return nil

		default:
			return fmt.Errorf("interp: unknown opcode 0x%02x", op)
		}
	}
	return nil
}

func arith(op bytecode.Op, a, b float64) float64 {
	switch op {
	case bytecode.Add:
		return a + b
	case bytecode.Subtract:
		return a - b
	case bytecode.Multiply:
		return a * b
	case bytecode.Divide:
		return a / b
	default:
		panic("interp: arith called with non-arithmetic op")
	}
}
