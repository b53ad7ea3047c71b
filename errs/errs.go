// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package errs holds the journal's abstract error kinds (spec.md §7):
// Corrupt, IO, IllegalState and JournalNotClosed. Recovery reports the
// not-cleanly-closed condition as a dirty file address in its summary, not
// as a returned error. Record-codec and consistency
// violations are raised as Corrupt; I/O failures propagate as IO and are
// terminal for the journal's current lifecycle; IllegalState indicates API
// misuse and is never recovered locally.
package errs

import (
	"errors"
	"fmt"

	"github.com/btreedb/pjournal/types"
)

var (
	// ErrCorrupt is the sentinel wrapped by CorruptError. Use errors.Is to
	// test for it regardless of which concrete corruption was detected.
	ErrCorrupt = errors.New("journal: corrupt")

	// ErrIO wraps underlying filesystem failures during normal operation.
	ErrIO = errors.New("journal: io error")

	// ErrIllegalState indicates the operation was invoked before recovery
	// completed or after Close.
	ErrIllegalState = errors.New("journal: illegal state")

	// ErrJournalNotClosed names the not-cleanly-closed condition. Recovery
	// does not return it; it records a recovery.Dirty address instead.
	ErrJournalNotClosed = errors.New("journal: not cleanly closed")

	ErrNotFound = errors.New("journal: not found")
	ErrClosed   = errors.New("journal: closed")
)

// CorruptError carries the file address where a structural violation was
// detected so callers (and the CLI surface) can report exactly where the
// journal diverged from a clean record stream.
type CorruptError struct {
	Addr   types.FileAddress
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("journal: corrupt at %s: %s", e.Addr, e.Reason)
}

func (e *CorruptError) Unwrap() error { return ErrCorrupt }

// Corrupt builds a CorruptError anchored at addr.
func Corrupt(addr types.FileAddress, format string, args ...any) error {
	return &CorruptError{Addr: addr, Reason: fmt.Sprintf(format, args...)}
}

// IOError wraps an underlying I/O failure with the path it occurred on.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("journal: io error on %s: %v", e.Path, e.Err) }
func (e *IOError) Unwrap() error { return ErrIO }

func IO(path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Path: path, Err: err}
}
