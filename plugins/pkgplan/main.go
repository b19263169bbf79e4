//go:build tinygo

package main

// #include <stdlib.h>
import "C"

import (
	"unsafe"
)

func main() {}

// _run is the wasm.run entrypoint. The host writes the input JSON into guest
// memory, calls run(ptr, len), and unpacks the response location from the
// (ptr << 32) | len return value. The response buffer comes from malloc so
// the host can free it after copying.
//
//export run
func _run(ptr, size uint32) uint64 {
	input := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
	out := plan(input)

	outPtr := unsafe.Pointer(C.malloc(C.ulong(len(out))))
	copy(unsafe.Slice((*byte)(outPtr), len(out)), out)

	return uint64(uintptr(outPtr))<<32 | uint64(len(out))
}
