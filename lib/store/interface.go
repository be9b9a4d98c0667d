package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dCtx/lib/reconcile"
)

// --------------------------------------------------------------------------
// Entry Definition
// --------------------------------------------------------------------------

// LockRecord describes the holder of a key lock. It travels with an entry
// when the entry migrates to another node.
type LockRecord struct {
	Key        string    `cbor:"1,keyasint"`
	Holder     string    `cbor:"2,keyasint"`
	AcquiredAt time.Time `cbor:"3,keyasint"`
}

// Entry is a single versioned value of the shared context.
// A removed key is kept as a tombstone (Deleted=true) so that its version
// keeps increasing if the key is written again.
type Entry struct {
	Key     string      `cbor:"1,keyasint"`
	Value   []byte      `cbor:"2,keyasint,omitempty"`
	Version uint64      `cbor:"3,keyasint"`
	Deleted bool        `cbor:"4,keyasint,omitempty"`
	Lock    *LockRecord `cbor:"5,keyasint,omitempty"`
}

// Live returns whether the entry holds a value (is not a tombstone).
func (e Entry) Live() bool {
	return !e.Deleted
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the contract for the entries a node holds for the partitions it owns.
// All methods are local and never block on the network. Versions start at 1
// and are incremented by every successful write, including removes.
type IStore interface {
	// Get returns the entry for a key. The boolean indicates whether a live value exists.
	// If the key is a tombstone the returned entry still carries its version.
	Get(key string) (entry Entry, loaded bool)
	// Put inserts or replaces a value and returns the new version.
	Put(key string, value []byte) (version uint64)
	// PutIfVersion writes the value only if the current version equals expected
	// (0 for a key that was never written). A mismatch returns ErrConflict.
	PutIfVersion(key string, value []byte, expected uint64) (version uint64, err error)
	// Remove deletes a key. It returns whether a live value was removed and the version after the call.
	Remove(key string) (removed bool, version uint64)
	// RemoveIfVersion removes the key only if the current version equals expected.
	RemoveIfVersion(key string, expected uint64) (removed bool, err error)
	// Update applies an encoded diff with the given reconciler.
	// If ifExists is set and the key holds no live value, the call is a no-op returning Partial.
	// A Conflict result leaves the entry untouched and returns ErrConflict.
	Update(key string, r reconcile.Reconciler, diff []byte, ifExists bool) (result reconcile.Result, version uint64, err error)
	// Keys returns all live keys.
	Keys() []string
	// Size returns the number of live keys.
	Size() int
	// Clear turns every live key into a tombstone and returns how many were removed.
	Clear() int
	// Range calls fn for every entry (including tombstones) until fn returns false.
	Range(fn func(e Entry) bool)
	// Extract removes and returns all entries (including tombstones) matching the filter.
	Extract(filter func(key string) bool) []Entry
	// Ingest stores entries received from another node. An entry only replaces a local
	// one with a lower version. It returns the number of entries taken over.
	Ingest(entries []Entry) int
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message. Two errors match with errors.Is if their codes are equal.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("ContextError (code %s): %s", e.Code, e.Msg)
}

// Is reports whether target is a *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new Error with the given code and a formatted message.
func Errorf(code RetCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// CodeOf returns the RetCode carried by err, RetCSuccess for nil and
// RetCInternalError for errors that are not of type *Error.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return RetCInternalError
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by the node or backend.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCSendError                           // 4: The request could not be delivered.
	RetCTimeout                             // 5: No response arrived in time.
	RetCConflict                            // 6: A version or diff conflict was detected.
	RetCTransaction                         // 7: Invalid transaction state or failed commit.
	RetCIllegalDistribution                 // 8: The key distributor could not assign a partition.
	RetCNotOwner                            // 9: The node does not own the key (redirect).
	RetCEvaluate                            // 10: A query could not be evaluated.
)

// String returns the name of the return code.
func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCSendError:
		return "SendError"
	case RetCTimeout:
		return "Timeout"
	case RetCConflict:
		return "Conflict"
	case RetCTransaction:
		return "Transaction"
	case RetCIllegalDistribution:
		return "IllegalDistribution"
	case RetCNotOwner:
		return "NotOwner"
	case RetCEvaluate:
		return "Evaluate"
	default:
		return "Unknown"
	}
}

// Sentinel errors for errors.Is checks.
var (
	ErrInternal             = NewError(RetCInternalError, "internal error")
	ErrUnsupportedOperation = NewError(RetCUnsupportedOperation, "unsupported operation")
	ErrInvalidOperation     = NewError(RetCInvalidOperation, "invalid operation")
	ErrSend                 = NewError(RetCSendError, "request could not be delivered")
	ErrTimeout              = NewError(RetCTimeout, "timed out")
	ErrConflict             = NewError(RetCConflict, "version conflict")
	ErrTransaction          = NewError(RetCTransaction, "transaction error")
	ErrIllegalDistribution  = NewError(RetCIllegalDistribution, "illegal distribution")
	ErrNotOwner             = NewError(RetCNotOwner, "not the owner of the key")
	ErrEvaluate             = NewError(RetCEvaluate, "evaluation failed")
)
