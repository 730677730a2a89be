// Package ir implements the SSA intermediate representation the recorder
// emits and the optimiser/allocator/assembler consume: an ordered,
// append-only sequence of typed three-operand instructions with
// virtual-register identity.
package ir

import "github.com/loxxgo/tracejit/internal/value"

// Ref is a dense integer index into a trace's IR buffer. Identity is
// position: the instruction at index Ref produced this value, and SSA
// means it is the only instruction that ever will.
type Ref int32

// NoRef is the sentinel value (-1) of a Ref that is not in use, used in Operand
// slots that hold something other than an IR reference.
const NoRef Ref = -1

// Op is one of the closed set of trace IR opcodes.
type Op uint8

const (
	Add Op = iota
	Subtract
	Multiply
	Divide
	Less
	Equal
	Load
	Store
	Move
	Literal
	Loop
	LoopStart
	Jump
	Phi
	CheckType
	CheckTrue
	CheckFalse
	Noop
	Return
)

func (op Op) String() string {
	switch op {
	case Add:
		return "ADD"
	case Subtract:
		return "SUBTRACT"
	case Multiply:
		return "MULTIPLY"
	case Divide:
		return "DIVIDE"
	case Less:
		return "LESS"
	case Equal:
		return "EQUAL"
	case Load:
		return "LOAD"
	case Store:
		return "STORE"
	case Move:
		return "MOVE"
	case Literal:
		return "LITERAL"
	case Loop:
		return "LOOP"
	case LoopStart:
		return "LOOP_START"
	case Jump:
		return "JUMP"
	case Phi:
		return "PHI"
	case CheckType:
		return "CHECK_TYPE"
	case CheckTrue:
		return "CHECK_TRUE"
	case CheckFalse:
		return "CHECK_FALSE"
	case Noop:
		return "NOOP"
	case Return:
		return "RETURN"
	default:
		return "???"
	}
}

// OperandKind tags the variant held by an Operand.
type OperandKind uint8

const (
	Unused OperandKind = iota
	IRRef
	StackRef
	JumpOffset
	ExitNumber
	LiteralFloat
	LiteralBool
	LiteralObject
	LiteralNil
)

// Operand is a tagged variant over an IR reference, an absolute
// interpreter stack slot, a jump offset, a snapshot (exit) number, or an
// inline literal.
type Operand struct {
	Kind  OperandKind
	Index int32 // IR ref / stack slot / jump offset / exit number
	F     float64
	B     bool
	Obj   value.Obj
}

func MakeIRRef(r Ref) Operand            { return Operand{Kind: IRRef, Index: int32(r)} }
func MakeStackRef(slot int) Operand      { return Operand{Kind: StackRef, Index: int32(slot)} }
func MakeJumpOffset(off int) Operand     { return Operand{Kind: JumpOffset, Index: int32(off)} }
func MakeExitNumber(exit int) Operand    { return Operand{Kind: ExitNumber, Index: int32(exit)} }
func MakeLiteralFloat(f float64) Operand { return Operand{Kind: LiteralFloat, F: f} }
func MakeLiteralBool(b bool) Operand     { return Operand{Kind: LiteralBool, B: b} }
func MakeLiteralObject(o value.Obj) Operand {
	return Operand{Kind: LiteralObject, Obj: o}
}
func MakeLiteralNil() Operand { return Operand{Kind: LiteralNil} }
func NoOperand() Operand      { return Operand{Kind: Unused} }

func (o Operand) IsLiteral() bool {
	switch o.Kind {
	case LiteralFloat, LiteralBool, LiteralObject, LiteralNil:
		return true
	default:
		return false
	}
}

func (o Operand) Ref() Ref    { return Ref(o.Index) }
func (o Operand) Slot() int   { return int(o.Index) }
func (o Operand) Exit() int   { return int(o.Index) }
func (o Operand) Offset() int { return int(o.Index) }

// Instruction is a single SSA IR instruction: an opcode, its result type
// and up to three operands.
type Instruction struct {
	Op       Op
	Type     value.Type
	Operands [3]Operand
	NumOps   int
}

func New(op Op, typ value.Type, operands ...Operand) Instruction {
	var inst Instruction
	inst.Op = op
	inst.Type = typ
	inst.NumOps = len(operands)
	copy(inst.Operands[:], operands)
	return inst
}

// IsLoopInvariant reports whether instructions of this opcode are
// eligible to stay in the peeled prefix rather than be duplicated into
// the unrolled loop body.
func (i Instruction) IsLoopInvariant() bool {
	switch i.Op {
	case Store, Load, CheckType:
		return true
	default:
		return false
	}
}

// Buffer is the ordered, append-only sequence of IR instructions that
// makes up a trace. Identity of a value is its index in this slice.
type Buffer struct {
	instrs []Instruction
}

func NewBuffer() *Buffer { return &Buffer{} }

// Emit appends inst and returns the Ref identifying its result.
func (b *Buffer) Emit(inst Instruction) Ref {
	b.instrs = append(b.instrs, inst)
	return Ref(len(b.instrs) - 1)
}

func (b *Buffer) Len() int { return len(b.instrs) }

func (b *Buffer) At(r Ref) Instruction { return b.instrs[r] }

func (b *Buffer) Set(r Ref, inst Instruction) { b.instrs[r] = inst }

// Instructions exposes the full slice for read-only traversal by the
// optimiser, allocator and assembler.
func (b *Buffer) Instructions() []Instruction { return b.instrs }

func (b *Buffer) Append(other *Buffer) {
	b.instrs = append(b.instrs, other.instrs...)
}
