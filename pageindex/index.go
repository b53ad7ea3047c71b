// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package pageindex implements the Page Index (spec.md §4.4): the
// in-memory mapping from (volume, page) to the latest known journal
// location for that page. It follows the same lock-free-snapshot shape
// the teacher uses for its own segment table: a single atomic.Value holds
// an immutable snapshot, mutations (single-writer, serialized by the
// Journal Manager's monitor) install a new snapshot, and readers load a
// consistent view without blocking the writer.
package pageindex

import (
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash/v2"

	"github.com/btreedb/pjournal/types"
)

type pageComparer struct{}

func (pageComparer) Compare(a, b types.VolumePage) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}

type hashEntry struct {
	key  types.VolumePage
	addr types.FileAddress
}

// hashKey folds a VolumePage into a single uint64 using xxhash over the
// volume path, combined with the volume id and page number. This backs a
// secondary O(1) point-lookup index (immutable.Map) that accelerates
// ReadPageFromJournal's hot path without disturbing the authoritative
// ordered SortedMap copy-back relies on for its (volume_path, page_number)
// iteration order.
func hashKey(k types.VolumePage) uint64 {
	h := xxhash.Sum64String(k.Volume.Path)
	const prime = 1099511628211
	h = h*prime ^ k.Volume.ID
	h = h*prime ^ k.Page
	return h
}

type snapshot struct {
	ordered *immutable.SortedMap[types.VolumePage, types.FileAddress]
	hash    *immutable.Map[uint64, []hashEntry]
}

func newSnapshot() *snapshot {
	return &snapshot{
		ordered: immutable.NewSortedMap[types.VolumePage, types.FileAddress](pageComparer{}),
		hash:    immutable.NewMap[uint64, []hashEntry](nil),
	}
}

// Index is the Page Index.
type Index struct {
	v atomic.Value // *snapshot
}

func New() *Index {
	idx := &Index{}
	idx.v.Store(newSnapshot())
	return idx
}

func (idx *Index) load() *snapshot { return idx.v.Load().(*snapshot) }

// Len reports the number of entries currently in the index.
func (idx *Index) Len() int { return idx.load().ordered.Len() }

// Get resolves key to its latest known FileAddress. ok is false if key is
// absent (spec.md §4.9 step 1: "absent => return false").
func (idx *Index) Get(key types.VolumePage) (types.FileAddress, bool) {
	s := idx.load()
	bucket, _ := s.hash.Get(hashKey(key))
	for _, e := range bucket {
		if e.key == key {
			return e.addr, true
		}
	}
	return types.FileAddress{}, false
}

// Set installs or replaces the entry for key with addr. The caller (the
// Journal Manager, under its monitor) is responsible for only calling this
// with a strictly newer FileAddress for the same key, per spec.md §4.4's
// "value is the latest (highest timestamp) known location" invariant.
func (idx *Index) Set(key types.VolumePage, addr types.FileAddress) {
	s := idx.load()
	ordered := s.ordered.Set(key, addr)
	hk := hashKey(key)
	bucket, _ := s.hash.Get(hk)
	newBucket := make([]hashEntry, 0, len(bucket)+1)
	replaced := false
	for _, e := range bucket {
		if e.key == key {
			newBucket = append(newBucket, hashEntry{key: key, addr: addr})
			replaced = true
		} else {
			newBucket = append(newBucket, e)
		}
	}
	if !replaced {
		newBucket = append(newBucket, hashEntry{key: key, addr: addr})
	}
	idx.v.Store(&snapshot{ordered: ordered, hash: s.hash.Set(hk, newBucket)})
}

// Delete removes key only if its current FileAddress still equals
// expected; it reports whether the removal happened. This backs the
// Copy-Back Worker's two-phase reconciliation (spec.md §4.6 step 4): a
// newer append superseding the snapshot during the unlocked I/O pass must
// not be clobbered by a stale delete.
func (idx *Index) Delete(key types.VolumePage, expected types.FileAddress) bool {
	s := idx.load()
	current, ok := idx.Get(key)
	if !ok || current != expected {
		return false
	}
	ordered := s.ordered.Delete(key)
	hk := hashKey(key)
	bucket, _ := s.hash.Get(hk)
	newBucket := make([]hashEntry, 0, len(bucket))
	for _, e := range bucket {
		if e.key != key {
			newBucket = append(newBucket, e)
		}
	}
	var hash *immutable.Map[uint64, []hashEntry]
	if len(newBucket) == 0 {
		hash = s.hash.Delete(hk)
	} else {
		hash = s.hash.Set(hk, newBucket)
	}
	idx.v.Store(&snapshot{ordered: ordered, hash: hash})
	return true
}

// Clear empties the index, used on Close when the journal is shut down.
func (idx *Index) Clear() { idx.v.Store(newSnapshot()) }

// Entry is one (key, address) pair produced by a Snapshot.
type Entry struct {
	Key  types.VolumePage
	Addr types.FileAddress
}

// Snapshot returns every entry in (volume_path, page_number) order,
// suitable for the Copy-Back Worker's candidate scan or the CLI dump.
func (idx *Index) Snapshot() []Entry {
	s := idx.load()
	out := make([]Entry, 0, s.ordered.Len())
	it := s.ordered.Iterator()
	for !it.Done() {
		k, v, _ := it.Next()
		out = append(out, Entry{Key: k, Addr: v})
	}
	return out
}
