// Package value defines the tagged runtime value the interpreter and the
// JIT both operate on. Its packed slot form (Pack/Unpack) has a fixed
// layout: a one-word tag followed by an eight-byte payload, so that the
// x86-64 backend in jit/asmgen can address a slot's type tag and payload
// at known, constant offsets without consulting Go's reflection
// machinery. The Go struct itself is laid out differently (see SlotSize).
package value

import (
	"encoding/binary"
	"math"
)

// Type is the discriminant of a Value.
type Type uint8

const (
	// Unknown marks a slot the recorder has not yet observed; it never
	// appears on a live interpreter stack slot.
	Unknown Type = iota
	Float
	Bool
	Nil
	Object
)

func (t Type) String() string {
	switch t {
	case Float:
		return "FLOAT"
	case Bool:
		return "BOOL"
	case Nil:
		return "NIL"
	case Object:
		return "OBJECT"
	default:
		return "UNKNOWN"
	}
}

// Obj is the minimal interface satisfied by heap-allocated script objects
// (strings, instances, closures, ...). The JIT never dereferences it; it
// only guards the slot's Type tag and, on a mismatch, deoptimises before
// any code that would.
type Obj interface {
	ObjString() string
}

// Value is a tagged union over float64, bool, nil and Obj. In its packed
// slot form the tag lives at byte offset 0 and the payload at byte
// offset 8, the offsets jit/asmgen's LOAD/STORE/CHECK_TYPE encodings
// rely on.
type Value struct {
	Tag     Type
	Num     float64
	Boolean bool
	Obj     Obj
}

// PayloadOffset is the byte offset of a Value's payload word, used by the
// assembler when emitting direct slot accesses. The tag occupies the
// first word.
const PayloadOffset = 8

// SlotSize is the byte stride jit/asmgen assumes between consecutive
// stack slots when computing a STACK_REF's native address
// (framePtr + slot*SlotSize). Go's real in-memory Value struct (carrying
// a bool and an interface word) is wider than this, so native traces
// address a densely-packed shadow of the stack built by jit/dispatch
// rather than vm.stack's actual Go layout.
const SlotSize = 16

func Float64(f float64) Value { return Value{Tag: Float, Num: f} }
func Boolean(b bool) Value    { return Value{Tag: Bool, Boolean: b} }
func NilValue() Value         { return Value{Tag: Nil} }
func ObjectValue(o Obj) Value { return Value{Tag: Object, Obj: o} }

func (v Value) IsFloat() bool  { return v.Tag == Float }
func (v Value) IsBool() bool   { return v.Tag == Bool }
func (v Value) IsNil() bool    { return v.Tag == Nil }
func (v Value) IsObject() bool { return v.Tag == Object }

// Truthy implements the language's truthiness rule: nil and false are
// falsy, everything else (including 0.0) is truthy.
func (v Value) Truthy() bool {
	switch v.Tag {
	case Nil:
		return false
	case Bool:
		return v.Boolean
	default:
		return true
	}
}

func (v Value) Equal(other Value) bool {
	if v.Tag != other.Tag {
		return false
	}
	switch v.Tag {
	case Float:
		return v.Num == other.Num
	case Bool:
		return v.Boolean == other.Boolean
	case Nil:
		return true
	case Object:
		return v.Obj == other.Obj
	default:
		return false
	}
}

// Pack writes v into a SlotSize-byte native slot in the same tag/payload
// layout jit/asmgen assumes for stack and spill slots: the tag at offset
// 0, the 8-byte payload at PayloadOffset. Object values cannot be
// represented in this packed form (the payload word is only wide enough
// for a float64 or bool); packing one stores just the tag, and Unpack
// returns a zero-value Obj. The recorder never lets an OBJECT-typed slot
// into a trace, so no snapshot ever writes one back through this path.
func Pack(v Value, dst []byte) {
	_ = dst[SlotSize-1]
	dst[0] = byte(v.Tag)
	switch v.Tag {
	case Float:
		binary.LittleEndian.PutUint64(dst[PayloadOffset:], math.Float64bits(v.Num))
	case Bool:
		if v.Boolean {
			dst[PayloadOffset] = 1
		} else {
			dst[PayloadOffset] = 0
		}
	}
}

// Unpack is the inverse of Pack.
func Unpack(src []byte) Value {
	_ = src[SlotSize-1]
	switch Type(src[0]) {
	case Float:
		return Float64(math.Float64frombits(binary.LittleEndian.Uint64(src[PayloadOffset:])))
	case Bool:
		return Boolean(src[PayloadOffset] != 0)
	case Object:
		return Value{Tag: Object}
	default:
		return NilValue()
	}
}

func (v Value) String() string {
	switch v.Tag {
	case Float:
		return floatString(v.Num)
	case Bool:
		if v.Boolean {
			return "true"
		}
		return "false"
	case Nil:
		return "nil"
	case Object:
		if v.Obj == nil {
			return "nil"
		}
		return v.Obj.ObjString()
	default:
		return "<unknown>"
	}
}
