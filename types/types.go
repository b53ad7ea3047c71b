// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package types holds the narrow, shared value types and collaborator
// interfaces used across the journal packages: the on-disk address of a
// record, the descriptors that identify volumes and trees, and the
// external Volume interface the journal copies page images back into.
// None of these types know how records are encoded or how segments are
// written; that lives in record and segment respectively.
package types

import "fmt"

// VolumeDescriptor identifies a home data volume. Equality requires both
// Path and ID to match; ordering (for deterministic Page Index iteration)
// is by Path, with ID breaking ties between descriptors that share a Path.
type VolumeDescriptor struct {
	Path string
	ID   uint64
}

func (d VolumeDescriptor) Equal(o VolumeDescriptor) bool {
	return d.Path == o.Path && d.ID == o.ID
}

func (d VolumeDescriptor) Less(o VolumeDescriptor) bool {
	if d.Path != o.Path {
		return d.Path < o.Path
	}
	return d.ID < o.ID
}

func (d VolumeDescriptor) String() string {
	return fmt.Sprintf("%s#%d", d.Path, d.ID)
}

// TreeDescriptor identifies a tree within a volume.
type TreeDescriptor struct {
	VolumeHandle int32
	Name         string
}

// VolumePage is the Page Index key: a page number within a volume.
type VolumePage struct {
	Volume VolumeDescriptor
	Page   uint64
}

func (k VolumePage) Less(o VolumePage) bool {
	if !k.Volume.Equal(o.Volume) {
		return k.Volume.Less(o.Volume)
	}
	return k.Page < o.Page
}

func (k VolumePage) String() string {
	return fmt.Sprintf("%s/%d", k.Volume, k.Page)
}

// FileAddress is the value half of a Page Index entry: where a page image
// lives in the journal and when it was written.
type FileAddress struct {
	Segment   string
	Offset    int64
	Timestamp int64
}

func (a FileAddress) String() string {
	return fmt.Sprintf("%s@%d(t=%d)", a.Segment, a.Offset, a.Timestamp)
}

// Segment generations are not parsed in this package: segment.ParseGeneration
// owns the segment file name format, and callers that need the numeric
// order (copy-back, recovery) go through the segment package.

// Volume is the narrow external interface the journal needs of a home data
// volume during copy-back. The real B-Tree storage engine's
// volume/buffer-pool/transaction manager are out of scope for this module;
// this interface is the entire surface the journal consumes from them.
type Volume interface {
	// Path is the volume's on-disk path, used to resolve a VolumeDescriptor
	// to a live Volume during copy-back.
	Path() string

	// ID must equal the VolumeDescriptor.ID the journal recorded for this
	// volume; a mismatch is a corruption error.
	ID() uint64

	// BufferSize is the fixed page size of this volume.
	BufferSize() int

	// Closed reports whether the volume has been detached; copy-back skips
	// (and treats as missed) any page belonging to a closed volume.
	Closed() bool

	// WritePage writes a full page image back to its home address.
	WritePage(pageAddress uint64, buf []byte) error

	// Sync forces previously written pages to stable storage.
	Sync() error
}

// VolumeResolver looks up a live Volume by the path recorded in a
// VolumeDescriptor. Returns nil, false if no such volume is currently
// attached.
type VolumeResolver interface {
	ResolveVolume(path string) (Volume, bool)
}
