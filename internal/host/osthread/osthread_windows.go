package osthread

import "golang.org/x/sys/windows"

func currentID() uint64 { return uint64(windows.GetCurrentThreadId()) }
