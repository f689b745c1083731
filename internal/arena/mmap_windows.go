//go:build windows

package arena

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var defaultMapper Mapper = func(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func systemPageSize() int { return windows.Getpagesize() }
