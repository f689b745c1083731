//go:build amd64 || arm64

package ffi

var defaultLibPaths = []string{
	"/usr/lib/libffi.dylib",
	"/opt/homebrew/opt/libffi/lib/libffi.dylib",
	"/usr/local/opt/libffi/lib/libffi.dylib",
}
