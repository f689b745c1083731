//go:build amd64 || arm64

package ffi

var defaultLibPaths = []string{
	"libffi.so.8",
	"libffi.so.7",
	"libffi.so.6",
	"libffi.so",
}
