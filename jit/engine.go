// Package jit wires the recording, optimisation, allocation and assembly
// stages into the single Engine the interpreter talks to through
// interp.JIT. It owns no algorithm of its own: every decision documented
// here is "when" to call into jit/profiler, jit/recorder, jit/optimiser,
// jit/regalloc, jit/asmgen and jit/dispatch, not "how."
package jit

import (
	"log"

	"github.com/loxxgo/tracejit/internal/interp"
	"github.com/loxxgo/tracejit/jit/asmgen"
	"github.com/loxxgo/tracejit/jit/dispatch"
	"github.com/loxxgo/tracejit/jit/optimiser"
	"github.com/loxxgo/tracejit/jit/profiler"
	"github.com/loxxgo/tracejit/jit/recorder"
	"github.com/loxxgo/tracejit/jit/regalloc"
	"github.com/loxxgo/tracejit/jit/trace"
)

// Config holds every tunable the engine needs beyond the profiler's own
// Config. It is a plain options struct handed to NewEngine; there is no
// file- or environment-based configuration surface.
type Config struct {
	Profiler       profiler.Config
	RecorderLimits recorder.Limits

	// Enabled gates every hook: when false, the engine behaves as if it
	// were never installed (no recording, no lookups), letting a caller
	// flip --jit=false without threading a nil *Engine through the VM.
	Enabled bool

	// Debug, when set, makes the engine log each recording's lifecycle
	// transitions through Logger.
	Debug bool

	Logger Logger
}

func DefaultConfig() Config {
	return Config{
		Profiler:       profiler.DefaultConfig(),
		RecorderLimits: recorder.DefaultLimits(),
		Enabled:        true,
	}
}

// Logger is the minimal tracing sink the engine writes debug output to
// when Config.Debug is set.
type Logger interface {
	Debugf(format string, args ...interface{})
}

// stdLogger is the default Logger, built on the standard log package.
type stdLogger struct{ l *log.Logger }

// NewStdLogger wraps a standard *log.Logger as a jit.Logger.
func NewStdLogger(l *log.Logger) Logger { return stdLogger{l: l} }

func (s stdLogger) Debugf(format string, args ...interface{}) { s.l.Printf(format, args...) }

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}

// Engine implements interp.JIT: it is the only component the interpreter
// ever talks to, and it is the only component that knows the full
// recording->optimise->allocate->assemble pipeline exists.
type Engine struct {
	cfg      Config
	profiler *profiler.Profiler
	cache    *trace.Cache
	logger   Logger

	// recording is the trace currently being built, nil when no recording
	// is in flight. rec is its Recorder. At most one recording exists at
	// a time; both fields are nil or both non-nil.
	recording *trace.Trace
	rec       *recorder.Recorder
}

// NewEngine builds an Engine ready to be assigned to a VM's JIT field.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Engine{
		cfg:      cfg,
		profiler: profiler.New(cfg.Profiler),
		cache:    trace.NewCache(),
		logger:   logger,
	}
}

// Recording reports whether a trace is currently being recorded.
func (e *Engine) Recording() bool { return e.recording != nil }

// HandleBasicBlockHead implements interp.JIT: on every back-branch the
// interpreter takes, it asks the profiler whether ip just went hot and,
// if so and no recording is already in flight, starts one.
func (e *Engine) HandleBasicBlockHead(ip int, ctx *interp.ExecContext) {
	if !e.cfg.Enabled || e.recording != nil {
		return
	}
	if !e.profiler.OnBackEdge(ip) {
		return
	}
	e.recording = trace.New(ip, ctx.Frame.Code, ctx.Frame.Base)
	e.rec = recorder.New(e.cfg.RecorderLimits, e.recording)
	if e.cfg.Debug {
		e.logger.Debugf("jit: begin recording at ip=%d", ip)
	}
}

// RecordInstruction implements interp.JIT: it mirrors one bytecode step
// into the in-flight recording. When the recorder reports the trace is
// Complete it runs the rest of the pipeline; when it reports Aborted the
// trace is discarded.
func (e *Engine) RecordInstruction(ip int, ctx *interp.ExecContext) {
	if e.recording == nil {
		return
	}
	result, _, err := e.rec.Step(e.recording.Code, ip, *ctx.Stack, ctx.Frame.Base, e.recording.EntryIP)
	switch result {
	case recorder.Continue:
		// Nothing further to do: the interpreter executes the instruction
		// normally regardless of recording state.
	case recorder.Complete:
		e.finishRecording()
	case recorder.Aborted:
		e.abortRecording(err)
	}
}

// LookupTrace implements interp.JIT, delegating to the trace cache.
func (e *Engine) LookupTrace(ip int) (interp.TraceHandle, bool) {
	if !e.cfg.Enabled {
		return nil, false
	}
	t, ok := e.cache.Lookup(ip)
	if !ok {
		return nil, false
	}
	return t, true
}

// EnterTrace implements interp.JIT: it recovers the concrete *trace.Trace
// from the opaque handle the interpreter was given by LookupTrace and
// hands it to dispatch.Enter.
func (e *Engine) EnterTrace(th interp.TraceHandle, ctx *interp.ExecContext) int {
	t := th.(*trace.Trace)
	resumeIP := dispatch.Enter(t, ctx)
	if e.cfg.Debug {
		e.logger.Debugf("jit: trace entry=%d exited, resume ip=%d (guard failures=%v)", t.EntryIP, resumeIP, t.GuardFailures)
	}
	return resumeIP
}

// finishRecording runs the optimise -> allocate -> assemble pipeline over
// the just-completed recording and installs it into the cache. Any
// failure along the way is treated exactly like a recorder abort: the
// trace is discarded and the failure counts against its entry address.
// JIT-internal failures never propagate to script callers.
func (e *Engine) finishRecording() {
	t := e.recording
	t.State = trace.IRComplete

	if err := optimiser.Optimise(t); err != nil {
		e.failTrace(t, err)
		return
	}
	optimiser.Finalize(t)

	alloc := regalloc.New(asmgen.GPPool(), asmgen.FPPool())
	am, err := alloc.Allocate(t.IR, t.Snapshots)
	if err != nil {
		e.failTrace(t, err)
		return
	}
	t.Alloc = am
	t.PrepareSpillArea()

	if err := asmgen.Generate(t); err != nil {
		e.failTrace(t, err)
		return
	}

	t.State = trace.Compiled
	e.cache.Install(t)
	e.profiler.Reset(t.EntryIP)
	if e.cfg.Debug {
		e.logger.Debugf("jit: installed trace entry=%d (%d ir instructions, %d snapshots)", t.EntryIP, t.IR.Len(), len(t.Snapshots))
	}
	e.recording = nil
	e.rec = nil
}

// abortRecording discards the in-flight recording after a recorder abort.
func (e *Engine) abortRecording(err error) {
	e.failTrace(e.recording, err)
}

// failTrace marks t Failed, blames its entry address with the profiler
// (blacklisting it once repeated failures cross the configured
// threshold), and clears the engine's in-flight recording state.
func (e *Engine) failTrace(t *trace.Trace, err error) {
	t.State = trace.Failed
	blacklisted := e.profiler.RecordFailure(t.EntryIP)
	if e.cfg.Debug {
		e.logger.Debugf("jit: trace entry=%d failed: %v (blacklisted=%v)", t.EntryIP, err, blacklisted)
	}
	e.recording = nil
	e.rec = nil
}
