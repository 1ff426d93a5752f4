package common

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptHeader           = errors.New("corrupt pool header")
	ErrIncompatibleVersion     = errors.New("incompatible pool format version")
	ErrRecoveryFailed          = errors.New("recovery failed")
	ErrAllocatorCorruption     = errors.New("allocator metadata corrupted")
	ErrDoubleFree              = errors.New("double free")
	ErrBorrowViolation         = errors.New("borrow violation")
	ErrTransactionLogExhausted = errors.New("transaction log exhausted")

	ErrOutOfSpace       = errors.New("out of persistent memory")
	ErrTxDone           = errors.New("transaction already finished")
	ErrTypeMismatch     = errors.New("persistent type mismatch")
	ErrCrossPool        = errors.New("pointer refers to another pool")
	ErrNotPersistable   = errors.New("type cannot be stored persistently")
	ErrInvalidOffset    = errors.New("invalid pool offset")
	ErrUnreleasedBorrow = errors.New("mutable borrow still outstanding")
	ErrPoolTooSmall     = errors.New("pool too small")
	ErrBusy             = errors.New("transactions in progress")
	ErrClosed           = errors.New("pool closed")
	ErrNoTransaction    = errors.New("operation requires a transaction")
	ErrLogOverflow      = errors.New("allocator update too large for redo log")
)

// Error records the operation and offset an error arose from.
type Error struct {
	Op  string
	Off Offset
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at 0x%x: %v", e.Op, e.Off, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func MkError(op string, off Offset, err error) error {
	return &Error{Op: op, Off: off, Err: err}
}
