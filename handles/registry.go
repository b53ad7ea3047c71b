// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package handles implements the Handle Registry (spec.md §4.3): two
// directional maps kept in lockstep between small process-local integer
// handles and the volume/tree identities a segment references. Handles
// are process-local and segment-scoped: every segment is self-describing
// because the registry is reset on rollover and re-populated as records
// reference each identity for the first time in the new segment.
package handles

import "github.com/btreedb/pjournal/types"

// MaxEntries is the registry's capacity: once it holds this many volume and
// tree entries combined, allocating one more new handle first clears every
// map.
const MaxEntries = 4096

// Registry holds the per-segment handle tables. It is not internally
// synchronized; the Journal Manager's monitor (spec.md §5) serializes all
// access.
type Registry struct {
	nextHandle   int32
	volumeToH    map[types.VolumeDescriptor]int32
	hToVolume    map[int32]types.VolumeDescriptor
	treeToH      map[types.TreeDescriptor]int32
	hToTree      map[int32]types.TreeDescriptor
}

func New() *Registry {
	r := &Registry{}
	r.reset()
	return r
}

func (r *Registry) reset() {
	r.volumeToH = make(map[types.VolumeDescriptor]int32)
	r.hToVolume = make(map[int32]types.VolumeDescriptor)
	r.treeToH = make(map[types.TreeDescriptor]int32)
	r.hToTree = make(map[int32]types.TreeDescriptor)
}

// Clear empties the volume and tree maps in both directions. The handle
// counter is not reset, so handles issued afterwards keep increasing. It is
// called on rollover, and internally before a new allocation whenever the
// combined volume and tree count has reached MaxEntries.
func (r *Registry) Clear() { r.reset() }

// size returns the total number of distinct entries tracked (volumes +
// trees), used to decide when to auto-clear at MaxEntries.
func (r *Registry) size() int { return len(r.volumeToH) + len(r.treeToH) }

// HandleForVolume returns the handle for vol, allocating a new one and
// reporting isNew=true if vol has not been referenced in the current
// segment yet. The caller must emit an IV record for vol whenever isNew is
// true, before any PA record that references the returned handle.
func (r *Registry) HandleForVolume(vol types.VolumeDescriptor) (handle int32, isNew bool) {
	if h, ok := r.volumeToH[vol]; ok {
		return h, false
	}
	if r.size() >= MaxEntries {
		r.Clear()
	}
	h := r.nextHandle
	r.nextHandle++
	r.volumeToH[vol] = h
	r.hToVolume[h] = vol
	return h, true
}

// HandleForTree mirrors HandleForVolume for tree descriptors; callers emit
// an IT record whenever isNew is true.
func (r *Registry) HandleForTree(tree types.TreeDescriptor) (handle int32, isNew bool) {
	if h, ok := r.treeToH[tree]; ok {
		return h, false
	}
	if r.size() >= MaxEntries {
		r.Clear()
	}
	h := r.nextHandle
	r.nextHandle++
	r.treeToH[tree] = h
	r.hToTree[h] = tree
	return h, true
}

// InstallVolume is used by recovery to record an IV record's (handle,
// descriptor) pair directly, without allocating a new handle.
func (r *Registry) InstallVolume(handle int32, vol types.VolumeDescriptor) {
	r.volumeToH[vol] = handle
	r.hToVolume[handle] = vol
	if handle >= r.nextHandle {
		r.nextHandle = handle + 1
	}
}

// InstallTree mirrors InstallVolume for IT records.
func (r *Registry) InstallTree(handle int32, tree types.TreeDescriptor) {
	r.treeToH[tree] = handle
	r.hToTree[handle] = tree
	if handle >= r.nextHandle {
		r.nextHandle = handle + 1
	}
}

// VolumeForHandle resolves a handle previously installed or allocated in
// the current segment. ok is false for any handle not yet declared by an
// IV record in this segment — spec.md §4.3/§8 invariant 6: resolution
// never refers to a handle not declared earlier in the same segment.
func (r *Registry) VolumeForHandle(handle int32) (types.VolumeDescriptor, bool) {
	v, ok := r.hToVolume[handle]
	return v, ok
}

// TreeForHandle mirrors VolumeForHandle for tree handles.
func (r *Registry) TreeForHandle(handle int32) (types.TreeDescriptor, bool) {
	t, ok := r.hToTree[handle]
	return t, ok
}
