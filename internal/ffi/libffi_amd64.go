//go:build linux || darwin

package ffi

// libffi ABI numbers for x86-64 System V targets.
const (
	ffiUnix64 = 2
	ffiWin64  = 3
)

func abiFor(conv CallConv) (int32, error) {
	switch conv {
	case DefaultConv:
		return ffiUnix64, nil
	case AltConv:
		return ffiWin64, nil
	}
	return 0, ErrUnsupportedConv
}
