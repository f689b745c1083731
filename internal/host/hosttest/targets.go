package hosttest

import (
	"github.com/tinyrange/trampoline/internal/ffitype"
	"github.com/tinyrange/trampoline/internal/host"
)

// NewTarget builds a target whose Callback method is fn.
func NewTarget(name string, fn Func) *Target {
	return &Target{Name: name, Methods: map[string]Func{"Callback": fn}}
}

// Sum returns a target whose Callback adds its integer arguments.
func Sum() *Target {
	return NewTarget("sum", func(args []host.Value) (host.Value, error) {
		var total int64
		for _, a := range args {
			total += a.(Scalar).Raw.Int()
		}
		return total, nil
	})
}

// Const returns a target whose Callback ignores its arguments and
// returns v.
func Const(v host.Value) *Target {
	return NewTarget("const", func([]host.Value) (host.Value, error) {
		return v, nil
	})
}

// Raise returns a target whose Callback always fails with err.
func Raise(err error) *Target {
	return NewTarget("raise", func([]host.Value) (host.Value, error) {
		return nil, err
	})
}

// Echo returns a target whose Callback returns its first argument.
func Echo() *Target {
	return NewTarget("echo", func(args []host.Value) (host.Value, error) {
		if len(args) == 0 {
			return Scalar{Tag: ffitype.Void}, nil
		}
		return args[0], nil
	})
}
