package kitedb

import "fmt"

// Kind classifies an Error into the taxonomy of spec §7.
type Kind int

const (
	// KindIO wraps an underlying filesystem failure.
	KindIO Kind = iota
	// KindCorruption signals a magic/version/CRC mismatch discovered before
	// the tail of a scan; fatal at open.
	KindCorruption
	// KindTruncatedWALTail signals a CRC/length failure at the end of a WAL
	// scan; recoverable, not fatal.
	KindTruncatedWALTail
	// KindSchema signals a dimension or property-type mismatch.
	KindSchema
	// KindNotFound signals a missing node/key/edge.
	KindNotFound
	// KindReadOnly signals a mutation attempted on a read-only handle.
	KindReadOnly
	// KindInvariantViolation signals a duplicate key or dangling edge
	// endpoint or src==dst.
	KindInvariantViolation
	// KindConcurrency signals a second concurrent begin, or an MVCC
	// write-write conflict.
	KindConcurrency
	// KindCapacity signals an out-of-space pager allocation or WAL
	// overflow with checkpointing disabled.
	KindCapacity
	// KindValidation signals an invalid vector, untrained index, or empty
	// query set.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindTruncatedWALTail:
		return "truncated_wal_tail"
	case KindSchema:
		return "schema"
	case KindNotFound:
		return "not_found"
	case KindReadOnly:
		return "read_only"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindConcurrency:
		return "concurrency"
	case KindCapacity:
		return "capacity"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the structured, inspectable error type returned by every
// KiteDB operation that can fail. Callers should use errors.As to recover
// the Kind rather than string-matching messages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kitedb: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("kitedb: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr builds an *Error, wrapping cause with %w semantics via Unwrap.
func newErr(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func errIO(op string, cause error) error                  { return newErr(op, KindIO, cause) }
func errCorruption(op string, cause error) error           { return newErr(op, KindCorruption, cause) }
func errTruncatedWAL(op string, cause error) error         { return newErr(op, KindTruncatedWALTail, cause) }
func errSchema(op string, cause error) error                { return newErr(op, KindSchema, cause) }
func errNotFound(op string, cause error) error              { return newErr(op, KindNotFound, cause) }
func errReadOnly(op string) error                            { return newErr(op, KindReadOnly, nil) }
func errInvariant(op string, cause error) error              { return newErr(op, KindInvariantViolation, cause) }
func errConcurrency(op string, cause error) error            { return newErr(op, KindConcurrency, cause) }
func errCapacity(op string, cause error) error               { return newErr(op, KindCapacity, cause) }
func errValidation(op string, cause error) error             { return newErr(op, KindValidation, cause) }
