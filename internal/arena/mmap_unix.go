//go:build unix && !(darwin && arm64)

package arena

import (
	"golang.org/x/sys/unix"
)

var defaultMapper Mapper = func(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

func systemPageSize() int { return unix.Getpagesize() }
