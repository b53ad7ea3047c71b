// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/btreedb/pjournal/record"
)

// Reader provides random and sequential read access to a (usually sealed,
// but possibly the live tail) segment file. Recovery uses ScanWindow to
// walk records window by window; copy-back and the page-read path use
// ReadRecordAt to fetch one record at a known offset.
type Reader struct {
	file *os.File
	path string
}

// OpenReader opens the segment file for baseName at generation for
// reading only.
func OpenReader(dir, baseName string, generation uint64) (*Reader, error) {
	path := Path(dir, baseName, generation)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, path: path}, nil
}

// Close implements io.Closer.
func (r *Reader) Close() error { return r.file.Close() }

// ReadHeaderAt reads just the common header at offset.
func (r *Reader) ReadHeaderAt(offset int64) (record.Header, error) {
	buf := make([]byte, record.HeaderLen)
	if _, err := r.file.ReadAt(buf, offset); err != nil {
		return record.Header{}, err
	}
	return record.DecodeHeader(buf)
}

// ReadBodyAt reads bodyLen bytes of a record's body starting right after
// its header at offset.
func (r *Reader) ReadBodyAt(offset int64, bodyLen int) ([]byte, error) {
	buf := make([]byte, bodyLen)
	if _, err := r.file.ReadAt(buf, offset+record.HeaderLen); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadRecordAt reads the full record at offset, using scratch as the read
// buffer when it is large enough and allocating only for records that
// exceed it. The returned body aliases the buffer it was read into and is
// only valid until the next read that reuses scratch.
func (r *Reader) ReadRecordAt(offset int64, scratch []byte) (record.Header, []byte, error) {
	var hdr [record.HeaderLen]byte
	if _, err := r.file.ReadAt(hdr[:], offset); err != nil {
		return record.Header{}, nil, err
	}
	h, err := record.DecodeHeader(hdr[:])
	if err != nil {
		return record.Header{}, nil, err
	}
	bodyLen := int(h.Length) - record.HeaderLen
	if bodyLen < 0 {
		return h, nil, fmt.Errorf("segment: record at %d declares length %d below header size", offset, h.Length)
	}
	buf := scratch
	if len(buf) < bodyLen {
		buf = make([]byte, bodyLen)
	}
	if _, err := r.file.ReadAt(buf[:bodyLen], offset+record.HeaderLen); err != nil {
		return h, nil, err
	}
	return h, buf[:bodyLen], nil
}

// ReadPA reads and decodes the PA record at offset in full.
func (r *Reader) ReadPA(offset int64) (record.PA, record.Header, error) {
	h, err := r.ReadHeaderAt(offset)
	if err != nil {
		return record.PA{}, h, err
	}
	if h.Kind != record.KindPA {
		return record.PA{}, h, fmt.Errorf("segment: record at %d is %s, not PA", offset, h.Kind)
	}
	bodyLen := int(h.Length) - record.HeaderLen
	body, err := r.ReadBodyAt(offset, bodyLen)
	if err != nil {
		return record.PA{}, h, err
	}
	pa, err := record.DecodePA(body, bodyLen)
	return pa, h, err
}

// WindowRecord is one decoded record produced by ScanWindow.
type WindowRecord struct {
	Offset int64
	Header record.Header
	Body   []byte
}

// ScanWindow walks the file sequentially, reading no more than windowSize
// bytes at a time (except that a single record larger than windowSize is
// read whole on its own), invoking fn for every fully-present record. A header
// that fits inside a window but whose full record does not is not an
// error (spec.md §4.5): the scan simply re-aligns its next window read to
// start at that record. It returns the offset immediately following the
// last complete record and whether a torn (partial) record was left
// unconsumed at end of file.
func (r *Reader) ScanWindow(windowSize int, fn func(WindowRecord) error) (endOffset int64, torn bool, err error) {
	info, err := r.file.Stat()
	if err != nil {
		return 0, false, err
	}
	size := info.Size()

	var offset int64
	for offset < size {
		winLen := int64(windowSize)
		if offset+winLen > size {
			winLen = size - offset
		}
		buf := make([]byte, winLen)
		n, rerr := r.file.ReadAt(buf, offset)
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return offset, false, rerr
		}
		buf = buf[:n]

		pos := 0
		for {
			if pos+record.HeaderLen > len(buf) {
				recordStart := offset + int64(pos)
				if recordStart >= size {
					return recordStart, false, nil
				}
				if recordStart+record.HeaderLen > size {
					// We've already read every remaining byte of the file and
					// still don't have a full header: a genuine torn tail.
					return recordStart, true, nil
				}
				// Just the end of this window, not of the file: re-read a
				// fresh window starting here.
				offset = recordStart
				break
			}
			h, derr := record.DecodeHeader(buf[pos : pos+record.HeaderLen])
			if derr != nil {
				return offset + int64(pos), false, derr
			}
			recLen := int(h.Length)
			if pos+recLen > len(buf) {
				recordStart := offset + int64(pos)
				if recordStart+int64(recLen) > size {
					// Doesn't fit in the file at all: torn tail.
					return recordStart, true, nil
				}
				if recLen > windowSize {
					// Larger than a whole window (an oversized PA payload):
					// read it directly rather than looping on windows that
					// can never contain it.
					full := make([]byte, recLen)
					if _, err := r.file.ReadAt(full, recordStart); err != nil {
						return recordStart, false, err
					}
					body := full[record.HeaderLen:]
					if err := fn(WindowRecord{Offset: recordStart, Header: h, Body: body}); err != nil {
						return recordStart, false, err
					}
					offset = recordStart + int64(recLen)
					break
				}
				// Record spans past this window but fits in the file:
				// re-read a fresh window starting at the record so the next
				// iteration sees it whole.
				offset = recordStart
				break
			}
			body := buf[pos+record.HeaderLen : pos+recLen]
			if err := fn(WindowRecord{Offset: offset + int64(pos), Header: h, Body: body}); err != nil {
				return offset + int64(pos), false, err
			}
			pos += recLen
			if pos == len(buf) {
				offset += int64(pos)
				break
			}
		}
	}
	return offset, false, nil
}
