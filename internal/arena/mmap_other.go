//go:build !unix && !windows || (darwin && arm64)

package arena

import "os"

// Writable and executable mappings are refused on hardened targets (Apple
// silicon requires MAP_JIT plus per-thread write protection toggling), so
// these platforms run in heap mode.
var defaultMapper Mapper

func systemPageSize() int { return os.Getpagesize() }
