// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the append-only segment file backed by a
// mapped write window (spec.md §4.2), and the generation-ordered naming
// scheme segment files use on disk (spec.md §6). Writer is not internally
// synchronized: the Journal Manager's single monitor (spec.md §5) is the
// only serialization this package relies on, the same contract the
// teacher's own segment/file-backing code assumes of its caller.
package segment

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// Writer owns the active mapped write window for one journal: the current
// segment file, its generation, and the in-flight mmap'd region.
type Writer struct {
	dir         string
	baseName    string
	maxFileSize int64
	windowSize  int

	// onRollover is called synchronously whenever Rollover creates a new
	// segment, before Rollover returns. The Handle Registry uses this to
	// clear itself so the next append re-emits every handle it needs
	// (spec.md §9 open question: rollover clears registries before the
	// next append).
	onRollover func(newGeneration uint64)

	file         *os.File
	window       mmap.MMap
	windowOffset int64 // file offset where window begins
	pos          int   // write cursor within window
	logicalSize  int64 // current logical length of the segment file
	generation   uint64
}

// Open creates the writer for a brand-new segment at generation 0 rooted
// at dir/baseName.
func Open(dir, baseName string, maxFileSize int64, windowSize int, onRollover func(uint64)) (*Writer, error) {
	return Create(dir, baseName, 0, maxFileSize, windowSize, onRollover)
}

// Create creates the writer for a brand-new segment at the given
// generation. The Journal Manager uses this after recovery to start a
// fresh self-describing segment one past the highest generation found on
// disk rather than appending into a recovered tail.
func Create(dir, baseName string, generation uint64, maxFileSize int64, windowSize int, onRollover func(uint64)) (*Writer, error) {
	w := &Writer{dir: dir, baseName: baseName, maxFileSize: maxFileSize, windowSize: windowSize, onRollover: onRollover}
	if err := w.createSegment(generation); err != nil {
		return nil, err
	}
	if err := w.mapWindow(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) createSegment(generation uint64) error {
	path := Path(w.dir, w.baseName, generation)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("segment: create %s: %w", path, err)
	}
	w.file = f
	w.generation = generation
	w.logicalSize = 0
	return nil
}

// mapWindow maps a fresh window positioning the write cursor on tail. The
// mapping begins at the page boundary at or below tail (mmap offsets must
// be page-aligned) and extends windowSize bytes past it, clamped to the
// end of the segment, so the file carries no gap between the logical tail
// and the next append.
func (w *Writer) mapWindow(tail int64) error {
	base := tail - tail%int64(os.Getpagesize())
	end := tail + int64(w.windowSize)
	if end > w.maxFileSize {
		end = w.maxFileSize
	}
	if end <= tail {
		return fmt.Errorf("segment: no room left in segment for a new window at offset %d", tail)
	}
	if err := w.file.Truncate(end); err != nil {
		return fmt.Errorf("segment: truncate for window: %w", err)
	}
	m, err := mmap.MapRegion(w.file, int(end-base), mmap.RDWR, 0, base)
	if err != nil {
		return fmt.Errorf("segment: mmap: %w", err)
	}
	w.window = m
	w.windowOffset = base
	w.pos = int(tail - base)
	return nil
}

// Generation returns the generation of the currently active segment.
func (w *Writer) Generation() uint64 { return w.generation }

// FileName returns the bare file name (no directory) of the active segment.
func (w *Writer) FileName() string { return Name(w.baseName, w.generation) }

// Tail returns the current logical end of the active segment: the byte
// offset one past the last committed append.
func (w *Writer) Tail() int64 { return w.windowOffset + int64(w.pos) }

// Reserve guarantees that the next size bytes can be written contiguously
// via Append, forcing and discarding the current window and/or rolling
// over to a new segment as needed. It reports whether a rollover occurred
// so the caller can re-emit IV/IT records before its next append.
func (w *Writer) Reserve(size int) (rolled bool, err error) {
	if size > w.windowSize {
		return false, fmt.Errorf("segment: record of %d bytes exceeds write buffer size %d", size, w.windowSize)
	}
	if w.pos+size <= len(w.window) {
		return false, nil
	}
	tail := w.Tail()
	if err := w.Force(); err != nil {
		return false, err
	}
	if err := w.window.Unmap(); err != nil {
		return false, fmt.Errorf("segment: unmap: %w", err)
	}
	w.window = nil
	if tail+int64(size) > w.maxFileSize {
		if err := w.Rollover(); err != nil {
			return false, err
		}
		return true, nil
	}
	// Re-map so the cursor lands back on the logical tail: records stay
	// contiguous and no zero gap is left for recovery to trip over.
	if err := w.mapWindow(tail); err != nil {
		return false, err
	}
	return false, nil
}

// Append writes b into the mapped window at the current cursor. A prior
// Reserve(len(b)) call must guarantee room; Append never crosses a window
// boundary and never partially writes a record.
func (w *Writer) Append(b []byte) (offset int64, err error) {
	if w.pos+len(b) > len(w.window) {
		return 0, fmt.Errorf("segment: append of %d bytes without sufficient reservation", len(b))
	}
	off := w.windowOffset + int64(w.pos)
	copy(w.window[w.pos:], b)
	w.pos += len(b)
	if w.Tail() > w.logicalSize {
		w.logicalSize = w.Tail()
	}
	return off, nil
}

// Force forces the current mapped window to stable storage.
func (w *Writer) Force() error {
	if w.window == nil {
		return nil
	}
	if err := w.window.Flush(); err != nil {
		return fmt.Errorf("segment: flush: %w", err)
	}
	if err := unix.Fdatasync(int(w.file.Fd())); err != nil {
		return fmt.Errorf("segment: fdatasync: %w", err)
	}
	return nil
}

// Rollover truncates the current segment to its logical length, forces and
// closes it (deleting it if empty), then creates a new segment at
// generation+1 and maps a fresh window at offset 0. bufferBaseOffset is 0
// in the new segment by construction. The handle registry reset callback
// runs before Rollover returns.
func (w *Writer) Rollover() error {
	if err := w.Force(); err != nil {
		return err
	}
	empty := w.logicalSize == 0
	oldGeneration := w.generation
	oldPath := Path(w.dir, w.baseName, oldGeneration)

	if w.window != nil {
		if err := w.window.Unmap(); err != nil {
			return fmt.Errorf("segment: unmap during rollover: %w", err)
		}
		w.window = nil
	}
	if err := w.file.Truncate(w.logicalSize); err != nil {
		return fmt.Errorf("segment: truncate to logical size: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("segment: close during rollover: %w", err)
	}
	if empty {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("segment: delete empty segment: %w", err)
		}
	}

	if err := w.createSegment(oldGeneration + 1); err != nil {
		return err
	}
	if err := w.mapWindow(0); err != nil {
		return err
	}
	if w.onRollover != nil {
		w.onRollover(w.generation)
	}
	return nil
}

// Close forces, truncates to the logical length and closes the underlying
// file without creating a new segment.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	if err := w.Force(); err != nil {
		return err
	}
	if w.window != nil {
		if err := w.window.Unmap(); err != nil {
			return err
		}
		w.window = nil
	}
	if err := w.file.Truncate(w.logicalSize); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Delete removes the active segment file. Close must be called first.
func (w *Writer) Delete() error {
	return os.Remove(Path(w.dir, w.baseName, w.generation))
}

// Delete removes the segment file at generation for baseName in dir,
// regardless of whether it is currently open.
func Delete(dir, baseName string, generation uint64) error {
	err := os.Remove(Path(dir, baseName, generation))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
