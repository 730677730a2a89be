// Package recorder mirrors interpreted bytecode steps into a trace's IR
// buffer while the trace is in the Recording state, tracking a shadow
// stack of IR references so only the minimum number of LOAD/STORE
// instructions are emitted.
package recorder

import (
	"encoding/binary"
	"fmt"

	"github.com/loxxgo/tracejit/internal/bytecode"
	"github.com/loxxgo/tracejit/internal/value"
	"github.com/loxxgo/tracejit/jit/ir"
	"github.com/loxxgo/tracejit/jit/snapshot"
	"github.com/loxxgo/tracejit/jit/trace"
)

// Limits bounds a single recording, protecting against pathological
// traces.
type Limits struct {
	MaxIRLength  int
	MaxSnapshots int
	MaxConstants int
}

func DefaultLimits() Limits {
	return Limits{MaxIRLength: 4096, MaxSnapshots: 512, MaxConstants: 256}
}

// ErrAbort is returned by Step when recording must stop. Callers (the
// engine) translate it into a trace abort plus a profiler blacklist
// entry; it never reaches script-visible error paths.
type ErrAbort struct {
	Reason string
}

func (e ErrAbort) Error() string { return "recorder: abort: " + e.Reason }

func abortf(format string, args ...interface{}) error {
	return ErrAbort{Reason: fmt.Sprintf(format, args...)}
}

// operand is one entry of the recorder's mirror of the interpreter's
// operand stack: the IR ref last pushed, its observed type, and the
// absolute stack position the interpreter pushed the real value at.
type operand struct {
	ref ir.Ref
	typ value.Type
	pos int
}

// Recorder mirrors one bytecode step at a time into t.IR, consulting and
// updating t.Shadow. The shadow stack is indexed by absolute interpreter
// stack position and covers both local slots and expression temporaries:
// a push writes the pushed value's IR ref at the push position, a pop
// clears it, so a snapshot's compressed map always describes exactly the
// live virtual stack at its guard.
type Recorder struct {
	limits Limits
	t      *trace.Trace

	// stackTypes mirrors the runtime type last observed for each
	// interpreter stack slot, used to decide whether arithmetic can be
	// recorded as a FLOAT op or must abort.
	stackTypes map[int]value.Type

	// operands mirrors the interpreter's operand stack.
	operands []operand

	// lastBranchExit holds the exit number of the most recently emitted
	// branch guard.
	lastBranchExit int
}

func New(limits Limits, t *trace.Trace) *Recorder {
	return &Recorder{limits: limits, t: t, stackTypes: make(map[int]value.Type)}
}

// StepResult tells the engine what happened after mirroring one
// instruction: recording continues, the trace is complete (the back-edge
// to the entry was reached), or recording aborted.
type StepResult int

const (
	Continue StepResult = iota
	Complete
	Aborted
)

// Step mirrors the bytecode instruction at ip (within code, with the
// interpreter's live value stack stk) into the IR buffer. frameBase is
// the current frame's slot-0 absolute stack index; entryIP is the
// recording entry address. The hook fires before the interpreter
// executes the instruction, so len(stk) is the stack height immediately
// before it runs and, for CONDITIONAL_JUMP, the branch condition is
// still the top of stk; the recorder reads it directly to decide which
// side the interpreter is about to take and follows only that side.
func (r *Recorder) Step(code *bytecode.CodeObject, ip int, stk []value.Value, frameBase int, entryIP int) (StepResult, int, error) {
	if r.t.IR.Len() >= r.limits.MaxIRLength {
		return Aborted, 0, abortf("IR length limit exceeded")
	}
	if len(r.t.Snapshots) >= r.limits.MaxSnapshots {
		return Aborted, 0, abortf("snapshot limit exceeded")
	}

	op := bytecode.Op(code.Code[ip])
	argAt := ip + 1
	nextIP := argAt + op.ArgWidth()
	height := len(stk)

	switch op {
	case bytecode.LoadConstant:
		idx := int(code.Code[argAt])
		if idx >= r.limits.MaxConstants {
			return Aborted, 0, abortf("constant index %d exceeds limit", idx)
		}
		c := code.Constants[idx]
		var lit ir.Operand
		switch c.Tag {
		case value.Float:
			lit = ir.MakeLiteralFloat(c.Num)
		case value.Bool:
			lit = ir.MakeLiteralBool(c.Boolean)
		case value.Nil:
			lit = ir.MakeLiteralNil()
		default:
			return Aborted, 0, abortf("unsupported constant type %s", c.Tag)
		}
		ref := r.t.IR.Emit(ir.New(ir.Literal, c.Tag, lit))
		r.push(ref, c.Tag, height)
		return Continue, nextIP, nil

	case bytecode.GetLocal:
		slot := frameBase + int(code.Code[argAt])
		if err := r.loadSlot(slot, stk, ip, height); err != nil {
			return Aborted, 0, err
		}
		return Continue, nextIP, nil

	case bytecode.SetLocal:
		slot := frameBase + int(code.Code[argAt])
		top := r.top()
		r.t.Shadow.Set(slot, snapshot.Entry{Ref: top.ref, Tag: snapshot.Cached | snapshot.Written})
		r.stackTypes[slot] = top.typ
		return Continue, nextIP, nil

	case bytecode.Pop:
		r.pop()
		return Continue, nextIP, nil

	case bytecode.Add, bytecode.Subtract, bytecode.Multiply, bytecode.Divide, bytecode.Less, bytecode.Equal:
		return r.recordBinary(op, nextIP)

	case bytecode.ConditionalJump:
		off := binary.LittleEndian.Uint16(code.Code[argAt:])
		return r.recordBranch(stk, nextIP, nextIP+int(off))

	case bytecode.Jump:
		// Unconditional jumps inside a trace body don't require a guard:
		// the interpreter's control flow is deterministic here, so the
		// recorder simply continues at the jump target.
		off := binary.LittleEndian.Uint16(code.Code[argAt:])
		return Continue, nextIP + int(off), nil

	case bytecode.Loop:
		off := binary.LittleEndian.Uint16(code.Code[argAt:])
		target := nextIP - int(off)
		if target != entryIP {
			return Aborted, 0, abortf("back-branch targets %d, not recording entry %d", target, entryIP)
		}
		r.t.IR.Emit(ir.New(ir.Loop, value.Unknown, ir.MakeJumpOffset(0)))
		r.t.PatchPendingResumeIPs(entryIP)
		return Complete, entryIP, nil

	default:
		return Aborted, 0, abortf("unsupported opcode %s", op)
	}
}

// push mirrors an interpreter push landing at absolute stack position
// pos: the mirror gains an entry and the shadow stack records the IR ref
// now occupying that position.
func (r *Recorder) push(ref ir.Ref, typ value.Type, pos int) {
	r.operands = append(r.operands, operand{ref: ref, typ: typ, pos: pos})
	r.t.Shadow.Set(pos, snapshot.Entry{Ref: ref, Tag: snapshot.Cached | snapshot.Written})
}

func (r *Recorder) top() operand { return r.operands[len(r.operands)-1] }

func (r *Recorder) pop() operand {
	e := r.operands[len(r.operands)-1]
	r.operands = r.operands[:len(r.operands)-1]
	r.t.Shadow.Clear(e.pos)
	return e
}

// newSnapshot creates a snapshot for the guard at guardRef, resuming at
// resumeIP with virtual stack height stackSize, and returns its exit
// number.
func (r *Recorder) newSnapshot(guardRef ir.Ref, resumeIP, stackSize int) int {
	snap := snapshot.New(guardRef, r.t.Shadow, stackSize)
	snap.NextIP = resumeIP
	return r.t.AddSnapshot(snap)
}

// setGuardExit patches a guard instruction's EXIT_NUMBER operand once its
// snapshot has been allocated.
func setGuardExit(buf *ir.Buffer, guardRef ir.Ref, exit int) {
	inst := buf.At(guardRef)
	inst.Operands[1] = ir.MakeExitNumber(exit)
	buf.Set(guardRef, inst)
}

// loadSlot records a GET_LOCAL: if the shadow-stack slot is already
// cached, reuse its IR ref; otherwise emit a CHECK_TYPE guard (with a
// snapshot resuming at the GET_LOCAL itself, so a failing guard simply
// re-executes the load under interpretation) followed by a LOAD, mark
// the slot cached, and push the result.
func (r *Recorder) loadSlot(slot int, stk []value.Value, ip, height int) error {
	entry := r.t.Shadow.Get(slot)
	if entry.Tag&snapshot.Cached != 0 {
		r.push(entry.Ref, r.stackTypes[slot], height)
		return nil
	}

	observed := stk[slot].Tag
	if observed == value.Object {
		return abortf("slot %d holds an OBJECT value; traces only represent FLOAT/BOOL/NIL locals", slot)
	}
	checkRef := r.t.IR.Emit(ir.New(ir.CheckType, observed, ir.MakeStackRef(slot), ir.MakeExitNumber(0)))
	exit := r.newSnapshot(checkRef, ip, height)
	setGuardExit(r.t.IR, checkRef, exit)

	loadRef := r.t.IR.Emit(ir.New(ir.Load, observed, ir.MakeStackRef(slot)))
	r.t.Shadow.Set(slot, snapshot.Entry{Ref: loadRef, Tag: snapshot.Cached})
	r.stackTypes[slot] = observed
	r.push(loadRef, observed, height)
	return nil
}

func (r *Recorder) recordBinary(op bytecode.Op, nextIP int) (StepResult, int, error) {
	b := r.pop()
	a := r.pop()
	if a.typ != value.Float || b.typ != value.Float {
		return Aborted, 0, abortf("operands to %s are not both FLOAT", op)
	}

	var iop ir.Op
	resultType := value.Float
	switch op {
	case bytecode.Add:
		iop = ir.Add
	case bytecode.Subtract:
		iop = ir.Subtract
	case bytecode.Multiply:
		iop = ir.Multiply
	case bytecode.Divide:
		iop = ir.Divide
	case bytecode.Less:
		iop = ir.Less
		resultType = value.Bool
	case bytecode.Equal:
		iop = ir.Equal
		resultType = value.Bool
	}
	ref := r.t.IR.Emit(ir.New(iop, resultType, ir.MakeIRRef(a.ref), ir.MakeIRRef(b.ref)))
	r.push(ref, resultType, a.pos)
	return Continue, nextIP, nil
}

// recordBranch observes the live condition value (CONDITIONAL_JUMP pops
// it and jumps when it is falsy), emits a guard for the direction the
// interpreter is about to take, attaches a snapshot resuming at the
// untaken side, and continues recording only along the taken side. The
// condition is popped from the mirror before the snapshot is taken, so
// the snapshot describes the stack as the interpreter leaves it on
// either side of the branch.
func (r *Recorder) recordBranch(stk []value.Value, fallthroughIP, jumpTargetIP int) (StepResult, int, error) {
	live := stk[len(stk)-1]
	cond := r.pop()
	if cond.typ != value.Bool {
		return Aborted, 0, abortf("branch condition is not BOOL")
	}
	jumps := !live.Truthy()

	guard, resumeIP, continueIP := ir.CheckTrue, jumpTargetIP, fallthroughIP
	if jumps {
		guard, resumeIP, continueIP = ir.CheckFalse, fallthroughIP, jumpTargetIP
	}

	guardRef := r.t.IR.Emit(ir.New(guard, value.Bool, ir.MakeIRRef(cond.ref), ir.MakeExitNumber(0)))
	exit := r.newSnapshot(guardRef, resumeIP, len(stk)-1)
	setGuardExit(r.t.IR, guardRef, exit)
	r.lastBranchExit = exit

	return Continue, continueIP, nil
}

// LastBranchExit returns the exit number of the most recently recorded
// branch guard.
func (r *Recorder) LastBranchExit() int { return r.lastBranchExit }
