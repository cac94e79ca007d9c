package extrastring

import "unsafe"

// sliceAddr returns the address of b's backing array, used only to
// compare two byte slices by identity (same backing storage) rather than
// by content — the Go equivalent of comparing two C++ pointers.
func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
