package bytecode

import (
	"encoding/binary"

	"github.com/loxxgo/tracejit/internal/value"
)

// CodeObject is the per-function unit of execution: a vector of bytecode
// bytes, a constants vector, varnames and a per-instruction line table.
type CodeObject struct {
	Name      string
	Code      []byte
	Constants []value.Value
	Varnames  []string
	Lines     []int
	Arity     int
}

// Chunk is a builder used by tests and by the driver's demo programs to
// assemble a CodeObject by hand.
type Chunk struct {
	obj *CodeObject
}

func NewChunk(name string, arity int) *Chunk {
	return &Chunk{obj: &CodeObject{Name: name, Arity: arity}}
}

// Emit appends op and records the current line for it.
func (c *Chunk) Emit(op Op, line int) int {
	addr := len(c.obj.Code)
	c.obj.Code = append(c.obj.Code, byte(op))
	c.obj.Lines = append(c.obj.Lines, line)
	return addr
}

func (c *Chunk) EmitByte(b byte, line int) {
	c.obj.Code = append(c.obj.Code, b)
	c.obj.Lines = append(c.obj.Lines, line)
}

func (c *Chunk) EmitUint16(v uint16, line int) int {
	addr := len(c.obj.Code)
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	c.obj.Code = append(c.obj.Code, buf[:]...)
	c.obj.Lines = append(c.obj.Lines, line, line)
	return addr
}

// PatchUint16 overwrites a previously emitted 16-bit jump argument. Jump
// offsets are relative to the instruction pointer after the argument has
// been consumed.
func (c *Chunk) PatchUint16(at int, v uint16) {
	binary.LittleEndian.PutUint16(c.obj.Code[at:at+2], v)
}

func (c *Chunk) Here() int { return len(c.obj.Code) }

// AddConstant interns v and returns its index.
func (c *Chunk) AddConstant(v value.Value) byte {
	c.obj.Constants = append(c.obj.Constants, v)
	return byte(len(c.obj.Constants) - 1)
}

// AddLocal reserves a named local slot and returns its index.
func (c *Chunk) AddLocal(name string) byte {
	c.obj.Varnames = append(c.obj.Varnames, name)
	return byte(len(c.obj.Varnames) - 1)
}

func (c *Chunk) CodeObject() *CodeObject { return c.obj }
