package common

import (
	"context"
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	// Transient I/O. The failing transaction is rolled back, the environment stays usable.
	ErrIO = errors.New("i/o error")

	// Corruption.
	ErrCorruption       = errors.New("data corruption")
	ErrChecksumMismatch = fmt.Errorf("%w: page checksum mismatch", ErrCorruption)
	ErrInvalidPageType  = fmt.Errorf("%w: unexpected page type", ErrCorruption)
	ErrInvalidMeta      = fmt.Errorf("%w: no valid meta page", ErrCorruption)
	ErrJournalCorrupt   = fmt.Errorf("%w: journal damaged beyond the recoverable point", ErrCorruption)

	// Contention.
	ErrWriterTimeout = errors.New("write transaction slot not acquired")

	// Programmer misuse.
	ErrTxClosed   = errors.New("transaction already committed, rolled back or released")
	ErrTxReadOnly = errors.New("write attempted in a read transaction")
	ErrEnvClosed  = errors.New("environment is closed")
	ErrEnvLocked  = errors.New("environment is in use by another process")

	// Domain.
	ErrTreeNotFound         = errors.New("tree not found")
	ErrTreeExists           = errors.New("tree already exists")
	ErrWrongTreeKind        = errors.New("tree exists with a different kind")
	ErrKeyTooLarge          = errors.New("key exceeds the maximum key size for the page size")
	ErrEmptyKey             = errors.New("key must not be empty")
	ErrValueSize            = errors.New("value size does not match the tree's fixed value size")
	ErrConcurrencyViolation = errors.New("entry version does not match the expected version")
	ErrComparatorNotFound   = errors.New("comparator is not registered")
	ErrInvalidOptions       = errors.New("invalid options")
)

// Category is the coarse class of an engine error.
type Category int

const (
	CategoryNone Category = iota
	CategoryTransient
	CategoryCorruption
	CategoryContention
	CategoryMisuse
	CategoryDomain
)

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryTransient:
		return "transient"
	case CategoryCorruption:
		return "corruption"
	case CategoryContention:
		return "contention"
	case CategoryMisuse:
		return "misuse"
	default:
		return "domain"
	}
}

// Classify maps err onto its Category. Errors not produced by the engine are treated as transient.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrCorruption):
		return CategoryCorruption
	case errors.Is(err, ErrWriterTimeout):
		return CategoryContention
	case errors.Is(err, ErrTxClosed), errors.Is(err, ErrTxReadOnly), errors.Is(err, ErrEnvClosed),
		errors.Is(err, ErrEnvLocked), errors.Is(err, ErrInvalidOptions):
		return CategoryMisuse
	case errors.Is(err, ErrIO):
		return CategoryTransient
	case errors.Is(err, ErrTreeNotFound), errors.Is(err, ErrTreeExists), errors.Is(err, ErrWrongTreeKind),
		errors.Is(err, ErrKeyTooLarge), errors.Is(err, ErrEmptyKey), errors.Is(err, ErrValueSize),
		errors.Is(err, ErrConcurrencyViolation), errors.Is(err, ErrComparatorNotFound):
		return CategoryDomain
	default:
		return CategoryTransient
	}
}

// IsRetryable reports whether the operation may succeed if attempted again.
func IsRetryable(err error) bool {
	return Classify(err) == CategoryContention || errors.Is(err, ErrConcurrencyViolation)
}

// IOError wraps a system error with ErrIO and an operation description.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
}

// Corruptf builds a corruption error.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// WriterTimeout wraps the context error that ended a wait for the writer slot.
func WriterTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out: %v", ErrWriterTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrWriterTimeout, err)
}
