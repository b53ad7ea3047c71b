// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package recovery implements the Recovery Engine (spec.md §4.5): on
// startup it scans every segment file in generation order, replays IV/IT
// records into a throwaway per-file Handle Registry, accumulates PA
// records into a reconstruction map keyed by volume page, and merges that
// map into the final Page Index at each CP record. A file that fails to
// parse cleanly — a corrupt record, a reserved/unknown record kind, or a
// torn tail — marks the journal as not cleanly closed and every later
// file is skipped, mirroring the teacher's own "stop replay at the first
// damaged segment" recovery loop.
package recovery

import (
	"errors"
	"fmt"

	"github.com/btreedb/pjournal/errs"
	"github.com/btreedb/pjournal/handles"
	"github.com/btreedb/pjournal/pageindex"
	"github.com/btreedb/pjournal/record"
	"github.com/btreedb/pjournal/segment"
	"github.com/btreedb/pjournal/types"
)

// Dirty describes where recovery stopped trusting the journal: the file
// address immediately after the last cleanly-parsed record, and a short
// human-readable reason (surfaced by the diagnostic CLI).
type Dirty struct {
	Addr   types.FileAddress
	Reason string
}

// Summary is the full result of a recovery pass.
type Summary struct {
	Index             *pageindex.Index
	FirstGeneration   uint64
	CurrentGeneration uint64
	LastCheckpoint    *record.Checkpoint
	Dirty             *Dirty
}

// errStop is returned from a ScanWindow callback to unwind out of the
// current file once Dirty has already been recorded by the closure; it
// never escapes this package.
var errStop = errors.New("recovery: stop scanning current file")

// Recover scans every segment file for baseName in dir and rebuilds the
// Page Index. windowSize bounds each read pass the same way it bounds the
// Segment Writer's mapped window; maxBufferSize is the largest page
// buffer size any PA record in this journal is allowed to declare.
func Recover(dir, baseName string, windowSize int, maxBufferSize uint32) (*Summary, error) {
	gens, err := segment.List(dir, baseName)
	if err != nil {
		return nil, errs.IO(dir, err)
	}

	idx := pageindex.New()
	recon := make(map[types.VolumePage][]types.FileAddress)
	var lastCP *record.Checkpoint
	var dirty *Dirty
	var processed []uint64

	for _, gen := range gens {
		d, err := processFile(dir, baseName, gen, windowSize, maxBufferSize, idx, recon, &lastCP)
		if err != nil {
			return nil, err
		}
		processed = append(processed, gen)
		if d != nil {
			dirty = d
			break
		}
	}

	var first, current uint64
	if len(processed) > 0 {
		first = processed[0]
		current = processed[len(processed)-1]
	}

	return &Summary{
		Index:             idx,
		FirstGeneration:   first,
		CurrentGeneration: current,
		LastCheckpoint:    lastCP,
		Dirty:             dirty,
	}, nil
}

// processFile scans one segment file, mutating idx and recon in place. It
// returns a non-nil *Dirty if this file did not parse cleanly to its end,
// and a non-nil error only for a genuine I/O failure (not a parse
// failure, which is downgraded per spec.md §7).
func processFile(
	dir, baseName string,
	gen uint64,
	windowSize int,
	maxBufferSize uint32,
	idx *pageindex.Index,
	recon map[types.VolumePage][]types.FileAddress,
	lastCP **record.Checkpoint,
) (*Dirty, error) {
	name := segment.Name(baseName, gen)
	r, err := segment.OpenReader(dir, baseName, gen)
	if err != nil {
		return nil, errs.IO(name, err)
	}
	defer r.Close()

	reg := handles.New()
	var fileDirty *Dirty

	markDirty := func(addr types.FileAddress, reason string) error {
		fileDirty = &Dirty{Addr: addr, Reason: reason}
		return errStop
	}

	endOffset, torn, scanErr := r.ScanWindow(windowSize, func(wr segment.WindowRecord) error {
		addr := types.FileAddress{Segment: name, Offset: wr.Offset, Timestamp: wr.Header.Timestamp}
		switch wr.Header.Kind {
		case record.KindIV:
			iv, derr := record.DecodeIV(wr.Body)
			if derr != nil {
				return markDirty(addr, derr.Error())
			}
			reg.InstallVolume(int32(iv.Handle), types.VolumeDescriptor{Path: iv.Path, ID: iv.VolumeID})

		case record.KindIT:
			it, derr := record.DecodeIT(wr.Body)
			if derr != nil {
				return markDirty(addr, derr.Error())
			}
			reg.InstallTree(int32(it.Handle), types.TreeDescriptor{VolumeHandle: int32(it.VolumeHandle), Name: it.Name})

		case record.KindPA:
			bodyLen := int(wr.Header.Length) - record.HeaderLen
			pa, derr := record.DecodePA(wr.Body, bodyLen)
			if derr != nil {
				return markDirty(addr, derr.Error())
			}
			if pa.BufferSize > maxBufferSize {
				return markDirty(addr, fmt.Sprintf("PA buffer size %d exceeds maximum %d", pa.BufferSize, maxBufferSize))
			}
			if wr.Header.Timestamp == record.TransientTimestamp {
				return nil
			}
			vol, ok := reg.VolumeForHandle(int32(pa.VolumeHandle))
			if !ok {
				return markDirty(addr, fmt.Sprintf("PA references undeclared volume handle %d", pa.VolumeHandle))
			}
			key := types.VolumePage{Volume: vol, Page: pa.PageAddress}
			recon[key] = append(recon[key], addr)

		case record.KindCP:
			bodyLen := int(wr.Header.Length) - record.HeaderLen
			cp, derr := record.DecodeCP(wr.Body, bodyLen)
			if derr != nil {
				return markDirty(addr, derr.Error())
			}
			mergeCheckpoint(idx, recon, wr.Header.Timestamp)
			ck := record.Checkpoint{Timestamp: wr.Header.Timestamp, SystemTimeMillis: cp.SystemTimeMillis}
			*lastCP = &ck

		default:
			// Reserved (TS/TC/TJ/RR/WR) or otherwise unimplemented: spec.md
			// §4.5 step 3 treats this as "not cleanly closed".
			return markDirty(addr, fmt.Sprintf("reserved record kind %s encountered", wr.Header.Kind))
		}
		return nil
	})

	if scanErr != nil {
		if errors.Is(scanErr, errStop) {
			return fileDirty, nil
		}
		if record.ErrUnknownKind(scanErr) {
			return &Dirty{Addr: types.FileAddress{Segment: name, Offset: endOffset, Timestamp: -1}, Reason: scanErr.Error()}, nil
		}
		return nil, errs.IO(name, scanErr)
	}
	if torn {
		return &Dirty{Addr: types.FileAddress{Segment: name, Offset: endOffset, Timestamp: -1}, Reason: "torn tail record"}, nil
	}
	return fileDirty, nil
}

// mergeCheckpoint folds every reconstruction-map key whose list has an
// entry at or before cpTimestamp into idx, keeping the highest such
// timestamp and discarding every entry at or below it; entries left with
// a timestamp after the checkpoint remain pending for a later one
// (spec.md §4.5 step 3, CP case).
func mergeCheckpoint(idx *pageindex.Index, recon map[types.VolumePage][]types.FileAddress, cpTimestamp int64) {
	for key, list := range recon {
		bestIdx := -1
		for i, a := range list {
			if a.Timestamp <= cpTimestamp {
				if bestIdx == -1 || a.Timestamp > list[bestIdx].Timestamp {
					bestIdx = i
				}
			}
		}
		if bestIdx >= 0 {
			idx.Set(key, list[bestIdx])
		}

		remaining := list[:0:0]
		for _, a := range list {
			if a.Timestamp > cpTimestamp {
				remaining = append(remaining, a)
			}
		}
		if len(remaining) == 0 {
			delete(recon, key)
		} else {
			recon[key] = remaining
		}
	}
}
