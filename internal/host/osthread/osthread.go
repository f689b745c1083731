// Package osthread identifies the operating system thread a goroutine is
// running on. Callers that need a stable answer must hold
// runtime.LockOSThread.
package osthread

// ID returns the identifier of the current OS thread.
func ID() uint64 { return currentID() }
