//go:build (linux || darwin) && (amd64 || arm64)

package ffi

import "github.com/ebitengine/purego"

// CallNative calls the C function at fn with integer or pointer arguments
// through purego and returns the integer return register. It is how tests
// and the CLI exercise libffi trampolines the way foreign code would.
func CallNative(fn uintptr, args ...uintptr) (uintptr, error) {
	if fn == 0 {
		return 0, ErrNotTrampoline
	}
	r1, _, _ := purego.SyscallN(fn, args...)
	return r1, nil
}
