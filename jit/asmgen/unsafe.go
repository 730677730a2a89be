package asmgen

import "unsafe"

// unsafeIndex returns the address of mem[i]. Isolated in its own tiny
// file so the one unsafe.Pointer arithmetic site in this package is easy
// to audit.
func unsafeIndex(mem []byte, i int) unsafe.Pointer {
	return unsafe.Pointer(&mem[i])
}
