// Package errors is the typed error catalog for kinesis. Every operation
// that can fail in a way a caller needs to branch on returns one of the
// structs below; anything else is wrapped with github.com/cockroachdb/errors
// so stack traces survive across package boundaries.
package errors

import (
	"fmt"

	cockroachdb "github.com/cockroachdb/errors"
)

type TableNotFoundError struct {
	Name string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("table %q not found", e.Name)
}

type TableAlreadyExistsError struct {
	Name string
}

func (e *TableAlreadyExistsError) Error() string {
	return fmt.Sprintf("table %q already exists", e.Name)
}

type RecordNotFoundError struct {
	Table string
	ID    string
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("record %s not found in table %q", e.ID, e.Table)
}

type DuplicateRecordIdError struct {
	Table string
	ID    string
}

func (e *DuplicateRecordIdError) Error() string {
	return fmt.Sprintf("record id %s already exists in table %q", e.ID, e.Table)
}

type SchemaViolationError struct {
	Field  string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation on field %q: %s", e.Field, e.Reason)
}

type UniqueViolationError struct {
	Field string
	Value string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique constraint violated on field %q: value %q already exists", e.Field, e.Value)
}

type TypeMismatchError struct {
	Field    string
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("field %q expects type %s, got %s", e.Field, e.Expected, e.Got)
}

type ConstraintViolationError struct {
	Field string
	Kind  string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("field %q violates %s constraint", e.Field, e.Kind)
}

type PatternMismatchError struct {
	Field   string
	Pattern string
}

func (e *PatternMismatchError) Error() string {
	return fmt.Sprintf("field %q does not match pattern %q", e.Field, e.Pattern)
}

type DeadlockDetectedError struct {
	Victim uint64
}

func (e *DeadlockDetectedError) Error() string {
	return fmt.Sprintf("deadlock detected, transaction %d chosen as victim", e.Victim)
}

type LockTimeoutError struct {
	Table    string
	RecordID string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock acquisition timed out on %s/%s", e.Table, e.RecordID)
}

type TransactionConflictError struct {
	TxnID uint64
}

func (e *TransactionConflictError) Error() string {
	return fmt.Sprintf("transaction %d conflicts with a concurrent writer", e.TxnID)
}

type WalCorruptError struct {
	Reason string
}

func (e *WalCorruptError) Error() string {
	return fmt.Sprintf("write-ahead log corrupt: %s", e.Reason)
}

type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error during %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

type CorruptPageError struct {
	PageID uint32
}

func (e *CorruptPageError) Error() string {
	return fmt.Sprintf("page %d failed integrity checks", e.PageID)
}

type SyntaxError struct {
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error: %s", e.Reason)
}

// Wrap and Wrapf attach a stack trace and a contextual message to err using
// cockroachdb/errors. Call sites use these instead of fmt.Errorf so that
// errors crossing package boundaries (page -> bufferpool -> record ->
// engine) keep their origin.
func Wrap(err error, msg string) error {
	return cockroachdb.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return cockroachdb.Wrapf(err, format, args...)
}

func New(msg string) error {
	return cockroachdb.New(msg)
}

func Newf(format string, args ...interface{}) error {
	return cockroachdb.Newf(format, args...)
}

func Is(err, target error) bool { return cockroachdb.Is(err, target) }

func As(err error, target interface{}) bool { return cockroachdb.As(err, target) }
