package osthread

import (
	"sync"

	"github.com/ebitengine/purego"
)

var (
	loadOnce sync.Once
	loadErr  error

	pthreadThreadIDNP func(thread uintptr, id *uint64) int32
)

func load() error {
	loadOnce.Do(func() {
		lib, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_GLOBAL|purego.RTLD_LAZY)
		if err != nil {
			loadErr = err
			return
		}
		purego.RegisterLibFunc(&pthreadThreadIDNP, lib, "pthread_threadid_np")
	})
	return loadErr
}

func currentID() uint64 {
	if err := load(); err != nil {
		panic("osthread: load libSystem: " + err.Error())
	}
	var id uint64
	// A zero thread selects the calling thread.
	if rc := pthreadThreadIDNP(0, &id); rc != 0 {
		panic("osthread: pthread_threadid_np failed")
	}
	return id
}
