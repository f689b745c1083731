//go:build linux || darwin

package ffi

const ffiSysV = 1

// AAPCS64 has a single calling convention.
func abiFor(conv CallConv) (int32, error) {
	if conv != DefaultConv {
		return 0, ErrUnsupportedConv
	}
	return ffiSysV, nil
}
