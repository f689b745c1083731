package callback

import "errors"

var (
	// ErrLinkage reports that the runtime context or the target method could
	// not be resolved. Nothing was acquired.
	ErrLinkage = errors.New("callback: linkage error")
	// ErrAllocation reports that the arena could not produce a block.
	ErrAllocation = errors.New("callback: allocation error")
	// ErrSignature reports an unusable signature or calling convention.
	ErrSignature = errors.New("callback: invalid signature")
	// ErrClosed reports use of a closed manager.
	ErrClosed = errors.New("callback: manager closed")
)

// Error describes a failed manager operation.
type Error struct {
	Op  string
	Tag string
	Err error
}

func (e *Error) Error() string {
	if e.Tag != "" {
		return e.Op + " " + e.Tag + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
