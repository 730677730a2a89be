//go:build amd64

package asmgen

// nativeCodeUnit adapts a finalised AssemblyWrapper's entry point into
// trace.NativeCodeUnit. Control transfers through jitcall, a small
// assembly trampoline: it moves the frame and spill base addresses into
// the argument registers the generated code expects, preserves the
// registers the Go runtime requires across the call, and hands back the
// exit number the trace left in RAX.
type nativeCodeUnit struct {
	entry uintptr
}

func (n nativeCodeUnit) Invoke(framePtr, spillPtr uintptr) int32 {
	return jitcall(n.entry, framePtr, spillPtr)
}

// jitcall is implemented in jitcall_amd64.s.
func jitcall(code, framePtr, spillPtr uintptr) int32
