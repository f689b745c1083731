//go:build !((linux || darwin) && (amd64 || arm64))

package ffi

import (
	"errors"

	"github.com/tinyrange/trampoline/internal/arena"
)

var errNoLibFFI = errors.New("ffi: libffi binder unavailable on this platform")

// LibFFI is unavailable on this platform; OpenLibFFI always fails.
type LibFFI struct{}

func OpenLibFFI([]string) (*LibFFI, error) { return nil, errNoLibFFI }

func (*LibFFI) Name() string          { return "libffi" }
func (*LibFFI) NeedsExecutable() bool { return true }

func (*LibFFI) Bind(arena.Block, *Descriptor, Handler) (uintptr, error) {
	return 0, errNoLibFFI
}

func (*LibFFI) Unbind(arena.Block) {}

func CallNative(uintptr, ...uintptr) (uintptr, error) { return 0, errNoLibFFI }
