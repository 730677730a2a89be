package asmgen

import (
	"fmt"
	"math"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/loxxgo/tracejit/internal/value"
	"github.com/loxxgo/tracejit/jit/ir"
	"github.com/loxxgo/tracejit/jit/regalloc"
	"github.com/loxxgo/tracejit/jit/snapshot"
	"github.com/loxxgo/tracejit/jit/trace"
)

// progBuilder returns a fresh golang-asm builder, following the same
// "one small builder per emitted chunk" approach backend_amd64.go's
// Build method uses, rather than threading a single builder through an
// entire trace: each IR instruction becomes its own assembled chunk that
// Generate appends into the trace's AssemblyWrapper at a known offset,
// which is what lets branch targets be patched after the fact through
// AssemblyWrapper's own offset-addressed PatchInt32/PatchByte (the
// branch-linking conveniences golang-asm's Builder offers, Pcond-style
// forward references, aren't exercised here; this module always knows
// both ends of a jump by the time it needs to patch one).
func progBuilder() (*asm.Builder, error) {
	return asm.NewBuilder("amd64", 8)
}

// jmpRel32Len and jccRel32Len are the fixed encoded lengths of a near
// unconditional jump (0xE9 + rel32) and a near conditional jump
// (0x0F 0x8x + rel32), used to size their raw bytes and to compute the
// byte offset of the relocatable displacement field within them.
const (
	jmpRel32Len = 5
	jccRel32Len = 6
)

func encodeJMPRel32(rel int32) []byte {
	b := make([]byte, jmpRel32Len)
	b[0] = 0xE9
	putRel32(b[1:], rel)
	return b
}

// jccOpcode is the second opcode byte of a two-byte Jcc near encoding.
type jccOpcode byte

const (
	jccJE  jccOpcode = 0x84
	jccJNE jccOpcode = 0x85
)

func encodeJccRel32(op jccOpcode, rel int32) []byte {
	b := make([]byte, jccRel32Len)
	b[0] = 0x0F
	b[1] = byte(op)
	putRel32(b[2:], rel)
	return b
}

func putRel32(b []byte, rel int32) {
	b[0] = byte(rel)
	b[1] = byte(rel >> 8)
	b[2] = byte(rel >> 16)
	b[3] = byte(rel >> 24)
}

// pendingBranch records a not-yet-resolved jump: the offset of its rel32
// field within the wrapper, the offset of the byte immediately following
// the whole jump instruction (rel32 is relative to there), and what it
// targets.
type pendingBranch struct {
	rel32Offset int
	nextInsnOff int
	exitNumber  int // -1 for the loop back-edge
}

// Generator lowers one finalised (optimised, allocated) trace into
// executable machine code. It is a single-use value: construct one with
// NewGenerator per trace.
type Generator struct {
	alloc     *regalloc.AllocationMap
	irBuf     *ir.Buffer
	snapshots []snapshot.Snapshot
	w         *AssemblyWrapper

	loopHeaderOffset int
	pending          []pendingBranch
	exitStubOffset   map[int]int
}

func NewGenerator(alloc *regalloc.AllocationMap, irBuf *ir.Buffer, snapshots []snapshot.Snapshot) *Generator {
	return &Generator{alloc: alloc, irBuf: irBuf, snapshots: snapshots, exitStubOffset: make(map[int]int)}
}

// Generate assembles t.IR (which must already be optimised, dead-move
// eliminated and register-allocated) into a fresh AssemblyWrapper,
// finalises it for execution, and installs it as t.Asm/t.Unit.
func Generate(t *trace.Trace) error {
	g := NewGenerator(t.Alloc, t.IR, t.Snapshots)
	w, err := NewAssemblyWrapper(codeSizeBound(t))
	if err != nil {
		return err
	}
	g.w = w

	instrs := t.IR.Instructions()
	for i := 0; i < len(instrs); i++ {
		inst := instrs[i]
		switch inst.Op {
		case ir.Noop:
			continue

		case ir.LoopStart:
			// The consecutive PHI block that follows initialises each
			// carried value from its "entry" operand; the loop's back-edge
			// must target the instruction right after that block, not
			// LOOP_START itself, so the entry-side initialisation never
			// re-runs on later iterations.
			j := i + 1
			for j < len(instrs) && instrs[j].Op == ir.Phi {
				if err := g.emitPhiInit(ir.Ref(j), instrs[j]); err != nil {
					return err
				}
				j++
			}
			g.loopHeaderOffset = g.w.consumedOffset()
			i = j - 1

		case ir.Phi:
			// Reached only if a PHI appears outside the LOOP_START block,
			// which Optimise never produces.
			return fmt.Errorf("asmgen: stray PHI at ir ref %d", i)

		case ir.Literal:
			if err := g.emitLiteral(ir.Ref(i), inst); err != nil {
				return err
			}

		case ir.Load:
			if err := g.emitLoad(ir.Ref(i), inst); err != nil {
				return err
			}

		case ir.Store:
			if err := g.emitStore(inst); err != nil {
				return err
			}

		case ir.Move:
			if err := g.emitMove(inst); err != nil {
				return err
			}

		case ir.Add, ir.Subtract, ir.Multiply, ir.Divide:
			if err := g.emitArith(ir.Ref(i), inst); err != nil {
				return err
			}

		case ir.Less, ir.Equal:
			if err := g.emitCompare(ir.Ref(i), inst); err != nil {
				return err
			}

		case ir.CheckType:
			if err := g.emitCheckType(inst); err != nil {
				return err
			}

		case ir.CheckTrue, ir.CheckFalse:
			if err := g.emitCheckBool(inst); err != nil {
				return err
			}

		case ir.Loop:
			if err := g.emitLoopBackEdge(); err != nil {
				return err
			}

		case ir.Return:
			if err := g.emitReturn(inst); err != nil {
				return err
			}

		default:
			return fmt.Errorf("asmgen: unsupported IR op %s", inst.Op)
		}
	}

	if err := g.emitExitStubs(); err != nil {
		return err
	}
	if err := g.resolveBranches(); err != nil {
		return err
	}
	if err := g.w.Finalize(); err != nil {
		return err
	}

	t.Asm = g.w.mem
	t.Unit = nativeCodeUnit{entry: g.w.EntryPointer()}
	return nil
}

// codeSizeBound over-approximates the bytes a trace's body and exit
// stubs can occupy, including the per-chunk alignment padding Append
// inserts: no IR instruction lowers to more than a handful of encoded
// instructions, and each stub is a run of slot restores plus its tail.
func codeSizeBound(t *trace.Trace) int {
	size := t.IR.Len() * 96
	for _, snap := range t.Snapshots {
		size += len(snap.StackMap)*48 + 48
	}
	return size
}

// append assembles the instructions a single builder accumulated and
// writes the result into the wrapper, returning the offset it landed at.
func (g *Generator) append(b *asm.Builder) (int, error) {
	return g.w.Append(b.Assemble())
}

// loc looks up where an IR ref lives, failing if the allocator never
// assigned it storage (an invariant violation: every non-Noop
// instruction's operands were referenced either by a later instruction
// or a snapshot, so ComputeLiveRanges must have seen it).
func (g *Generator) loc(r ir.Ref) (regalloc.Location, error) {
	loc, ok := g.alloc.Lookup(r)
	if !ok {
		return regalloc.Location{}, fmt.Errorf("asmgen: ir ref %d has no allocation", r)
	}
	return loc, nil
}

func frameOffset(slot int) int64 { return int64(slot * value.SlotSize) }
func spillOffset(slot int) int64 { return int64(slot * value.SlotSize) }

// moveMemToReg emits `MOVSD/MOVQ reg, base+off` depending on class.
func moveMemToReg(b *asm.Builder, class regalloc.Class, base int16, off int64, reg int16) {
	prog := b.NewProg()
	if class == regalloc.FloatingPoint {
		prog.As = x86.AMOVSD
	} else {
		prog.As = x86.AMOVQ
	}
	prog.From.Type = obj.TYPE_MEM
	prog.From.Reg = base
	prog.From.Offset = off
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = reg
	b.AddInstruction(prog)
}

func moveRegToMem(b *asm.Builder, class regalloc.Class, reg int16, base int16, off int64) {
	prog := b.NewProg()
	if class == regalloc.FloatingPoint {
		prog.As = x86.AMOVSD
	} else {
		prog.As = x86.AMOVQ
	}
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = reg
	prog.To.Type = obj.TYPE_MEM
	prog.To.Reg = base
	prog.To.Offset = off
	b.AddInstruction(prog)
}

func movRegToReg(b *asm.Builder, class regalloc.Class, src, dst int16) {
	prog := b.NewProg()
	if class == regalloc.FloatingPoint {
		prog.As = x86.AMOVSD
	} else {
		prog.As = x86.AMOVQ
	}
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = src
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = dst
	b.AddInstruction(prog)
}

// movGPToFP transfers a raw 8-byte bit pattern from a general-purpose
// register into an XMM register. There is no immediate-to-XMM move on
// x86-64, so literal floats are always built in a GP register first and
// crossed over here.
func movGPToFP(b *asm.Builder, src, dst int16) {
	prog := b.NewProg()
	prog.As = x86.AMOVQ
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = src
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = dst
	b.AddInstruction(prog)
}

// loadOperandToReg materialises operand op (an IRRef or inline literal)
// in a register, returning which one and its class. Allocated registers
// are used in place; spilled values are loaded into the scratch register
// of their class; literals are built in the GP scratch and moved across
// to the FP scratch when they are floats.
func (g *Generator) loadOperandToReg(b *asm.Builder, op ir.Operand, gpScratch, fpScratch int16) (int16, regalloc.Class, error) {
	if op.IsLiteral() {
		emitLiteralIntoReg(b, op, gpScratch)
		if op.Kind == ir.LiteralFloat {
			movGPToFP(b, gpScratch, fpScratch)
			return fpScratch, regalloc.FloatingPoint, nil
		}
		return gpScratch, regalloc.GeneralPurpose, nil
	}
	loc, err := g.loc(op.Ref())
	if err != nil {
		return 0, 0, err
	}
	class := loc.Reg.Class
	if loc.InRegister {
		return native(loc), class, nil
	}
	scratch := gpScratch
	if class == regalloc.FloatingPoint {
		scratch = fpScratch
	}
	moveMemToReg(b, class, int16(SpillPtrReg), spillOffset(loc.SpillSlot), scratch)
	return scratch, class, nil
}

// emitLiteralIntoReg builds a literal's 8-byte payload in a
// general-purpose register.
func emitLiteralIntoReg(b *asm.Builder, op ir.Operand, reg int16) {
	var bits int64
	switch op.Kind {
	case ir.LiteralFloat:
		bits = floatBitsToInt64(op.F)
	case ir.LiteralBool:
		if op.B {
			bits = 1
		}
	default: // LiteralNil, LiteralObject: payload is never read.
	}
	prog := b.NewProg()
	prog.As = x86.AMOVQ
	prog.From.Type = obj.TYPE_CONST
	prog.From.Offset = bits
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = reg
	b.AddInstruction(prog)
}

func (g *Generator) emitLiteral(ref ir.Ref, inst ir.Instruction) error {
	loc, err := g.loc(ref)
	if err != nil {
		return err
	}
	b, err := progBuilder()
	if err != nil {
		return err
	}
	lit := inst.Operands[0]
	if loc.InRegister && loc.Reg.Class == regalloc.FloatingPoint {
		emitLiteralIntoReg(b, lit, int16(ScratchGP))
		movGPToFP(b, int16(ScratchGP), native(loc))
	} else if loc.InRegister {
		emitLiteralIntoReg(b, lit, native(loc))
	} else {
		// The payload's bit pattern is class-agnostic in memory: a spilled
		// float literal is just its bits, stored through the GP scratch.
		emitLiteralIntoReg(b, lit, int16(ScratchGP))
		moveRegToMem(b, regalloc.GeneralPurpose, int16(ScratchGP), int16(SpillPtrReg), spillOffset(loc.SpillSlot))
	}
	_, err = g.append(b)
	return err
}

// emitLoad reads the payload word of a STACK_REF slot into the ref's
// allocated storage. The CHECK_TYPE guard the recorder always emits
// ahead of a LOAD has already validated the tag.
func (g *Generator) emitLoad(ref ir.Ref, inst ir.Instruction) error {
	loc, err := g.loc(ref)
	if err != nil {
		return err
	}
	slot := inst.Operands[0].Slot()
	b, err := progBuilder()
	if err != nil {
		return err
	}
	if loc.InRegister {
		moveMemToReg(b, loc.Reg.Class, int16(FramePtrReg), frameOffset(slot)+value.PayloadOffset, native(loc))
	} else {
		scratch, class := int16(ScratchGP), regalloc.GeneralPurpose
		if loc.Reg.Class == regalloc.FloatingPoint {
			scratch, class = int16(ScratchFP), regalloc.FloatingPoint
		}
		moveMemToReg(b, class, int16(FramePtrReg), frameOffset(slot)+value.PayloadOffset, scratch)
		moveRegToMem(b, class, scratch, int16(SpillPtrReg), spillOffset(loc.SpillSlot))
	}
	_, err = g.append(b)
	return err
}

// emitStore writes operand[1]'s value back to the STACK_REF slot named
// by operand[0], tagging the slot with the instruction's result type.
func (g *Generator) emitStore(inst ir.Instruction) error {
	slot := inst.Operands[0].Slot()
	b, err := progBuilder()
	if err != nil {
		return err
	}
	reg, class, err := g.loadOperandToReg(b, inst.Operands[1], int16(ScratchGP), int16(ScratchFP))
	if err != nil {
		return err
	}
	moveRegToMem(b, class, reg, int16(FramePtrReg), frameOffset(slot)+value.PayloadOffset)

	tagProg := b.NewProg()
	tagProg.As = x86.AMOVB
	tagProg.From.Type = obj.TYPE_CONST
	tagProg.From.Offset = int64(inst.Type)
	tagProg.To.Type = obj.TYPE_MEM
	tagProg.To.Reg = int16(FramePtrReg)
	tagProg.To.Offset = frameOffset(slot)
	b.AddInstruction(tagProg)

	_, err = g.append(b)
	return err
}

func (g *Generator) emitMove(inst ir.Instruction) error {
	dst, err := g.loc(inst.Operands[0].Ref())
	if err != nil {
		return err
	}
	b, err := progBuilder()
	if err != nil {
		return err
	}
	reg, class, err := g.loadOperandToReg(b, inst.Operands[1], int16(ScratchGP), int16(ScratchFP))
	if err != nil {
		return err
	}
	if dst.InRegister {
		if reg != native(dst) {
			movRegToReg(b, class, reg, native(dst))
		}
	} else {
		moveRegToMem(b, class, reg, int16(SpillPtrReg), spillOffset(dst.SpillSlot))
	}
	_, err = g.append(b)
	return err
}

var arithOp = map[ir.Op]obj.As{
	ir.Add:      x86.AADDSD,
	ir.Subtract: x86.ASUBSD,
	ir.Multiply: x86.AMULSD,
	ir.Divide:   x86.ADIVSD,
}

// emitArith computes a FLOAT binary op. Both operands are loaded into
// XMM registers (the left into the scratch; the right stays in its
// allocated register, or is loaded into the second FP scratch when it is
// spilled or a literal) and the result lands in the instruction's own
// allocated storage.
func (g *Generator) emitArith(ref ir.Ref, inst ir.Instruction) error {
	dst, err := g.loc(ref)
	if err != nil {
		return err
	}
	b, err := progBuilder()
	if err != nil {
		return err
	}
	lhs, _, err := g.loadOperandToReg(b, inst.Operands[0], int16(ScratchGP), int16(ScratchFP))
	if err != nil {
		return err
	}
	if lhs != int16(ScratchFP) {
		movRegToReg(b, regalloc.FloatingPoint, lhs, int16(ScratchFP))
	}
	rhs, _, err := g.loadOperandToReg(b, inst.Operands[1], int16(ScratchGP), int16(ScratchFP2))
	if err != nil {
		return err
	}
	prog := b.NewProg()
	prog.As = arithOp[inst.Op]
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = rhs
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = int16(ScratchFP)
	b.AddInstruction(prog)

	if dst.InRegister {
		movRegToReg(b, regalloc.FloatingPoint, int16(ScratchFP), native(dst))
	} else {
		moveRegToMem(b, regalloc.FloatingPoint, int16(ScratchFP), int16(SpillPtrReg), spillOffset(dst.SpillSlot))
	}
	_, err = g.append(b)
	return err
}

// UCOMISD reports an unordered comparison through CF/ZF, so "less" is
// the below (carry-set) condition, not the signed SETLT.
var compareSetcc = map[ir.Op]obj.As{
	ir.Less:  x86.ASETCS,
	ir.Equal: x86.ASETEQ,
}

// emitCompare implements LESS/EQUAL via UCOMISD followed by SETcc into
// the low byte of a general-purpose register, then zero-extends it; the
// result is a BOOL held as a GP value.
func (g *Generator) emitCompare(ref ir.Ref, inst ir.Instruction) error {
	dst, err := g.loc(ref)
	if err != nil {
		return err
	}
	b, err := progBuilder()
	if err != nil {
		return err
	}
	lhs, _, err := g.loadOperandToReg(b, inst.Operands[0], int16(ScratchGP), int16(ScratchFP))
	if err != nil {
		return err
	}
	rhs, _, err := g.loadOperandToReg(b, inst.Operands[1], int16(ScratchGP), int16(ScratchFP2))
	if err != nil {
		return err
	}
	cmp := b.NewProg()
	cmp.As = x86.AUCOMISD
	cmp.From.Type = obj.TYPE_REG
	cmp.From.Reg = rhs
	cmp.To.Type = obj.TYPE_REG
	cmp.To.Reg = lhs
	b.AddInstruction(cmp)

	set := b.NewProg()
	set.As = compareSetcc[inst.Op]
	set.To.Type = obj.TYPE_REG
	set.To.Reg = int16(ScratchGP)
	b.AddInstruction(set)

	zx := b.NewProg()
	zx.As = x86.AMOVBQZX
	zx.From.Type = obj.TYPE_REG
	zx.From.Reg = int16(ScratchGP)
	zx.To.Type = obj.TYPE_REG
	zx.To.Reg = int16(ScratchGP)
	b.AddInstruction(zx)

	if dst.InRegister {
		movRegToReg(b, regalloc.GeneralPurpose, int16(ScratchGP), native(dst))
	} else {
		moveRegToMem(b, regalloc.GeneralPurpose, int16(ScratchGP), int16(SpillPtrReg), spillOffset(dst.SpillSlot))
	}
	_, err = g.append(b)
	return err
}

// emitCheckType compares the tag byte of a STACK_REF slot against the
// type this guard was recorded with, side-exiting through the
// instruction's ExitNumber operand on a mismatch.
func (g *Generator) emitCheckType(inst ir.Instruction) error {
	slot := inst.Operands[0].Slot()
	exit := inst.Operands[1].Exit()

	b, err := progBuilder()
	if err != nil {
		return err
	}
	cmp := b.NewProg()
	cmp.As = x86.ACMPB
	cmp.From.Type = obj.TYPE_MEM
	cmp.From.Reg = int16(FramePtrReg)
	cmp.From.Offset = frameOffset(slot)
	cmp.To.Type = obj.TYPE_CONST
	cmp.To.Offset = int64(inst.Type)
	b.AddInstruction(cmp)
	if _, err := g.append(b); err != nil {
		return err
	}
	return g.emitGuardJump(jccJNE, exit)
}

// emitCheckBool guards a recorded branch direction: CHECK_TRUE side-exits
// when its BOOL operand is false, CHECK_FALSE when it is true.
func (g *Generator) emitCheckBool(inst ir.Instruction) error {
	exit := inst.Operands[1].Exit()
	b, err := progBuilder()
	if err != nil {
		return err
	}
	reg, _, err := g.loadOperandToReg(b, inst.Operands[0], int16(ScratchGP), int16(ScratchFP))
	if err != nil {
		return err
	}
	test := b.NewProg()
	test.As = x86.ATESTQ
	test.From.Type = obj.TYPE_REG
	test.From.Reg = reg
	test.To.Type = obj.TYPE_REG
	test.To.Reg = reg
	b.AddInstruction(test)
	if _, err := g.append(b); err != nil {
		return err
	}
	want := jccJE // CHECK_TRUE: exit when the flag is zero (false).
	if inst.Op == ir.CheckFalse {
		want = jccJNE
	}
	return g.emitGuardJump(want, exit)
}

// emitGuardJump appends a placeholder Jcc rel32 and records it for later
// resolution against the matching exit stub.
func (g *Generator) emitGuardJump(op jccOpcode, exit int) error {
	off, err := g.w.Append(encodeJccRel32(op, 0))
	if err != nil {
		return err
	}
	g.pending = append(g.pending, pendingBranch{
		rel32Offset: off + 2,
		nextInsnOff: off + jccRel32Len,
		exitNumber:  exit,
	})
	return nil
}

// emitLoopBackEdge appends the unconditional jump closing the unrolled
// loop body, targeting the header offset LOOP_START recorded.
func (g *Generator) emitLoopBackEdge() error {
	off, err := g.w.Append(encodeJMPRel32(0))
	if err != nil {
		return err
	}
	g.pending = append(g.pending, pendingBranch{
		rel32Offset: off + 1,
		nextInsnOff: off + jmpRel32Len,
		exitNumber:  -1,
	})
	return nil
}

// emitPhiInit copies a carried value's entry-side operand into the phi's
// own storage, run once after the peeled prefix and before the trace
// ever reaches the loop header.
func (g *Generator) emitPhiInit(ref ir.Ref, inst ir.Instruction) error {
	dst, err := g.loc(ref)
	if err != nil {
		return err
	}
	b, err := progBuilder()
	if err != nil {
		return err
	}
	reg, class, err := g.loadOperandToReg(b, inst.Operands[0], int16(ScratchGP), int16(ScratchFP))
	if err != nil {
		return err
	}
	if dst.InRegister {
		if reg != native(dst) {
			movRegToReg(b, class, reg, native(dst))
		}
	} else {
		moveRegToMem(b, class, reg, int16(SpillPtrReg), spillOffset(dst.SpillSlot))
	}
	_, err = g.append(b)
	return err
}

func (g *Generator) emitReturn(inst ir.Instruction) error {
	exit := -1
	if inst.NumOps > 0 && inst.Operands[0].Kind == ir.ExitNumber {
		exit = inst.Operands[0].Exit()
	}
	b, err := progBuilder()
	if err != nil {
		return err
	}
	mov := b.NewProg()
	mov.As = x86.AMOVL
	mov.From.Type = obj.TYPE_CONST
	mov.From.Offset = int64(exit)
	mov.To.Type = obj.TYPE_REG
	mov.To.Reg = x86.REG_AX
	b.AddInstruction(mov)
	ret := b.NewProg()
	ret.As = obj.ARET
	b.AddInstruction(ret)
	_, err = g.append(b)
	return err
}

// emitExitStubs appends one stub per distinct exit number referenced by
// a guard: write every slot that exit's snapshot names back into the
// frame buffer from wherever the allocator put its producing
// instruction, then load the exit number into the return register and
// return to the caller. dispatch.Enter reads the frame
// buffer's updated slots back into the interpreter's real stack once
// Invoke returns.
func (g *Generator) emitExitStubs() error {
	seen := make(map[int]bool)
	for _, p := range g.pending {
		if p.exitNumber < 0 || seen[p.exitNumber] {
			continue
		}
		seen[p.exitNumber] = true

		b, err := progBuilder()
		if err != nil {
			return err
		}
		for _, entry := range g.snapshots[p.exitNumber].StackMap {
			if err := g.emitSnapshotRestore(b, entry); err != nil {
				return err
			}
		}

		mov := b.NewProg()
		mov.As = x86.AMOVL
		mov.From.Type = obj.TYPE_CONST
		mov.From.Offset = int64(p.exitNumber)
		mov.To.Type = obj.TYPE_REG
		mov.To.Reg = x86.REG_AX
		b.AddInstruction(mov)
		ret := b.NewProg()
		ret.As = obj.ARET
		b.AddInstruction(ret)
		off, err := g.append(b)
		if err != nil {
			return err
		}
		g.exitStubOffset[p.exitNumber] = off
	}
	return nil
}

// emitSnapshotRestore writes one StackMapEntry's current value (from the
// IR ref's allocated register or spill slot) into its frame slot.
func (g *Generator) emitSnapshotRestore(b *asm.Builder, entry snapshot.StackMapEntry) error {
	loc, err := g.loc(entry.Ref)
	if err != nil {
		return err
	}
	typ := g.irBuf.At(entry.Ref).Type

	var reg int16
	if loc.InRegister {
		reg = native(loc)
	} else {
		reg = int16(ScratchGP)
		if loc.Reg.Class == regalloc.FloatingPoint {
			reg = int16(ScratchFP)
		}
		moveMemToReg(b, loc.Reg.Class, int16(SpillPtrReg), spillOffset(loc.SpillSlot), reg)
	}
	moveRegToMem(b, loc.Reg.Class, reg, int16(FramePtrReg), frameOffset(entry.Slot)+value.PayloadOffset)

	tagProg := b.NewProg()
	tagProg.As = x86.AMOVB
	tagProg.From.Type = obj.TYPE_CONST
	tagProg.From.Offset = int64(typ)
	tagProg.To.Type = obj.TYPE_MEM
	tagProg.To.Reg = int16(FramePtrReg)
	tagProg.To.Offset = frameOffset(entry.Slot)
	b.AddInstruction(tagProg)
	return nil
}

// resolveBranches back-patches every guard jump and the loop's back-edge
// now that every target offset is known.
func (g *Generator) resolveBranches() error {
	for _, p := range g.pending {
		target := g.loopHeaderOffset
		if p.exitNumber >= 0 {
			target = g.exitStubOffset[p.exitNumber]
		}
		rel := int32(target - p.nextInsnOff)
		if err := g.w.PatchInt32(p.rel32Offset, rel); err != nil {
			return err
		}
	}
	return nil
}

func floatBitsToInt64(f float64) int64 {
	return int64(math.Float64bits(f))
}
