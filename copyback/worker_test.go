// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package copyback

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btreedb/pjournal/errs"
	"github.com/btreedb/pjournal/iorate"
	"github.com/btreedb/pjournal/pageindex"
	"github.com/btreedb/pjournal/record"
	"github.com/btreedb/pjournal/types"
)

func segName(gen uint64) string { return fmt.Sprintf("journal.%016d", gen) }

// stubJournal is an in-memory stand-in for the Journal Manager, the same
// stub-not-mock style the root package's tests use for volumes.
type stubJournal struct {
	mu      sync.Mutex
	idx     *pageindex.Index
	cp      *int64
	first   uint64
	current uint64
	segs    map[string]uint64
	pages   map[types.FileAddress]record.PA

	deleted    []string
	rolledOver bool
	suspended  bool
	closed     bool
}

func newStubJournal() *stubJournal {
	return &stubJournal{
		idx:   pageindex.New(),
		segs:  map[string]uint64{},
		pages: map[types.FileAddress]record.PA{},
	}
}

func (s *stubJournal) WithMonitor(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *stubJournal) Index() *pageindex.Index { return s.idx }

func (s *stubJournal) LastCheckpointTimestamp() (int64, bool) {
	if s.cp == nil {
		return 0, false
	}
	return *s.cp, true
}

func (s *stubJournal) FirstGeneration() uint64       { return s.first }
func (s *stubJournal) CurrentGeneration() uint64     { return s.current }
func (s *stubJournal) SetFirstGeneration(gen uint64) { s.first = gen }
func (s *stubJournal) SegmentCount() int             { return len(s.segs) }

func (s *stubJournal) GenerationOf(name string) (uint64, bool) {
	g, ok := s.segs[name]
	return g, ok
}

func (s *stubJournal) ReadPage(addr types.FileAddress, _ []byte) (record.PA, error) {
	pa, ok := s.pages[addr]
	if !ok {
		return record.PA{}, errs.Corrupt(addr, "no record at address")
	}
	return pa, nil
}

func (s *stubJournal) DeleteSegmentsBefore(gen uint64) (int, error) {
	n := 0
	for name, g := range s.segs {
		if g < gen && g != s.current {
			delete(s.segs, name)
			s.deleted = append(s.deleted, name)
			n++
		}
	}
	return n, nil
}

func (s *stubJournal) RolloverIfIdle() error {
	s.rolledOver = true
	return nil
}

func (s *stubJournal) Suspended() bool { return s.suspended }
func (s *stubJournal) Closed() bool    { return s.closed }

// addPage installs a page image at (gen, offset) and indexes it.
func (s *stubJournal) addPage(vol types.VolumeDescriptor, page uint64, gen uint64, offset, ts int64, fill byte) types.FileAddress {
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = fill
	}
	pa := record.PA{VolumeHandle: 0, BufferSize: 8, LeftSize: 0, PageAddress: page, Payload: buf}
	addr := types.FileAddress{Segment: segName(gen), Offset: offset, Timestamp: ts}
	s.pages[addr] = pa
	s.segs[segName(gen)] = gen
	s.idx.Set(types.VolumePage{Volume: vol, Page: page}, addr)
	return addr
}

type stubVolume struct {
	mu       sync.Mutex
	path     string
	id       uint64
	bufSize  int
	closed   bool
	writes   []uint64
	pages    map[uint64][]byte
	syncs    int
	onWrite  func(page uint64)
	writeErr error
}

func newStubVolume(path string, id uint64, bufSize int) *stubVolume {
	return &stubVolume{path: path, id: id, bufSize: bufSize, pages: map[uint64][]byte{}}
}

func (v *stubVolume) Path() string    { return v.path }
func (v *stubVolume) ID() uint64      { return v.id }
func (v *stubVolume) BufferSize() int { return v.bufSize }
func (v *stubVolume) Closed() bool    { return v.closed }

func (v *stubVolume) WritePage(page uint64, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.writeErr != nil {
		return v.writeErr
	}
	b := make([]byte, len(buf))
	copy(b, buf)
	v.pages[page] = b
	v.writes = append(v.writes, page)
	if v.onWrite != nil {
		v.onWrite(page)
	}
	return nil
}

func (v *stubVolume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.syncs++
	return nil
}

type stubResolver map[string]*stubVolume

func (r stubResolver) ResolveVolume(path string) (types.Volume, bool) {
	v, ok := r[path]
	return v, ok
}

func newTestWorker(t *testing.T, j Journal, r types.VolumeResolver) *Worker {
	t.Helper()
	w := New(Config{
		Interval:       time.Hour, // ticker never fires in tests; cycles run directly
		MinimumUrgency: 2,
		ReadBufferSize: 1 << 16,
		IORateMin:      2,
		IORateMax:      100,
		TimestampLimit: math.MaxInt64,
	}, j, r, iorate.New())
	t.Cleanup(w.Stop)
	return w
}

func TestCycleDrainsOldestSegmentOnly(t *testing.T) {
	j := newStubJournal()
	vol := types.VolumeDescriptor{Path: "/data/a.db", ID: 1}
	j.addPage(vol, 1, 0, 0, 1, 0xaa)
	j.addPage(vol, 2, 1, 0, 2, 0xbb)
	j.current = 1
	cp := int64(10)
	j.cp = &cp

	sv := newStubVolume("/data/a.db", 1, 8)
	w := newTestWorker(t, j, stubResolver{"/data/a.db": sv})

	require.NoError(t, w.runCycle(false, math.MaxInt64))

	// Page 1 (generation 0, the oldest) was copied; page 2 (generation 1)
	// was not a candidate and became the first miss.
	require.Equal(t, []uint64{1}, sv.writes)
	require.Equal(t, 1, sv.syncs)
	require.Equal(t, 1, j.idx.Len())
	_, stillThere := j.idx.Get(types.VolumePage{Volume: vol, Page: 2})
	require.True(t, stillThere)
	require.Equal(t, uint64(1), j.first)
	require.Equal(t, []string{segName(0)}, j.deleted)
}

func TestUrgentCycleDrainsEverythingInOrder(t *testing.T) {
	j := newStubJournal()
	volA := types.VolumeDescriptor{Path: "/data/a.db", ID: 1}
	volB := types.VolumeDescriptor{Path: "/data/b.db", ID: 2}
	// Insert out of path/page order across three generations.
	j.addPage(volB, 9, 2, 0, 5, 3)
	j.addPage(volA, 7, 1, 0, 4, 2)
	j.addPage(volA, 3, 0, 0, 1, 1)
	j.current = 2
	cp := int64(100)
	j.cp = &cp

	sa := newStubVolume("/data/a.db", 1, 8)
	sb := newStubVolume("/data/b.db", 2, 8)
	w := newTestWorker(t, j, stubResolver{"/data/a.db": sa, "/data/b.db": sb})

	require.NoError(t, w.CopyBack(math.MaxInt64))

	// (volume_path, page_number) order: a.db/3, a.db/7, then b.db/9.
	require.Equal(t, []uint64{3, 7}, sa.writes)
	require.Equal(t, []uint64{9}, sb.writes)
	require.Equal(t, 0, j.idx.Len())
	require.ElementsMatch(t, []string{segName(0), segName(1)}, j.deleted)
	require.Equal(t, uint64(2), j.first)
	require.True(t, j.rolledOver)
}

func TestNoCheckpointMeansNothingCopied(t *testing.T) {
	j := newStubJournal()
	vol := types.VolumeDescriptor{Path: "/data/a.db", ID: 1}
	j.addPage(vol, 1, 0, 0, 1, 0xaa)

	sv := newStubVolume("/data/a.db", 1, 8)
	w := newTestWorker(t, j, stubResolver{"/data/a.db": sv})

	require.NoError(t, w.runCycle(false, math.MaxInt64))
	require.Empty(t, sv.writes)
	require.Equal(t, 1, j.idx.Len())
	require.Empty(t, j.deleted)
}

func TestTimestampLimitBoundsCandidates(t *testing.T) {
	j := newStubJournal()
	vol := types.VolumeDescriptor{Path: "/data/a.db", ID: 1}
	j.addPage(vol, 1, 0, 0, 1, 0xaa)
	j.addPage(vol, 2, 0, 100, 8, 0xbb)
	cp := int64(10)
	j.cp = &cp

	sv := newStubVolume("/data/a.db", 1, 8)
	w := newTestWorker(t, j, stubResolver{"/data/a.db": sv})

	// Limit 5: only the t=1 entry qualifies (8 >= 5).
	require.NoError(t, w.runCycle(true, 5))
	require.Equal(t, []uint64{1}, sv.writes)
	require.Equal(t, 1, j.idx.Len())
}

func TestSupersededEntrySurvivesReconciliation(t *testing.T) {
	j := newStubJournal()
	vol := types.VolumeDescriptor{Path: "/data/a.db", ID: 1}
	key := types.VolumePage{Volume: vol, Page: 1}
	j.addPage(vol, 1, 0, 0, 1, 0xaa)
	j.current = 0
	cp := int64(10)
	j.cp = &cp

	newer := types.FileAddress{Segment: segName(0), Offset: 500, Timestamp: 7}
	sv := newStubVolume("/data/a.db", 1, 8)
	// Simulate a concurrent append for the same page landing during the
	// unlocked I/O pass.
	sv.onWrite = func(uint64) {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.pages[newer] = record.PA{BufferSize: 8, PageAddress: 1, Payload: make([]byte, 8)}
		j.idx.Set(key, newer)
	}
	w := newTestWorker(t, j, stubResolver{"/data/a.db": sv})

	require.NoError(t, w.runCycle(true, math.MaxInt64))

	// The stale delete must not clobber the newer address.
	got, ok := j.idx.Get(key)
	require.True(t, ok)
	require.Equal(t, newer, got)
	require.Empty(t, j.deleted)
	require.False(t, j.rolledOver)
}

func TestMissingVolumeIsSkippedNotFatal(t *testing.T) {
	j := newStubJournal()
	volA := types.VolumeDescriptor{Path: "/data/a.db", ID: 1}
	volGone := types.VolumeDescriptor{Path: "/data/gone.db", ID: 9}
	j.addPage(volGone, 1, 0, 0, 1, 0xcc)
	j.addPage(volA, 2, 0, 100, 2, 0xaa)
	cp := int64(10)
	j.cp = &cp

	sv := newStubVolume("/data/a.db", 1, 8)
	w := newTestWorker(t, j, stubResolver{"/data/a.db": sv})

	require.NoError(t, w.runCycle(true, math.MaxInt64))
	require.Equal(t, []uint64{2}, sv.writes)
	// The unresolvable entry stays put and pins its segment.
	require.Equal(t, 1, j.idx.Len())
	require.Empty(t, j.deleted)
}

func TestVolumeIDMismatchIsCorruption(t *testing.T) {
	j := newStubJournal()
	vol := types.VolumeDescriptor{Path: "/data/a.db", ID: 1}
	j.addPage(vol, 1, 0, 0, 1, 0xaa)
	cp := int64(10)
	j.cp = &cp

	sv := newStubVolume("/data/a.db", 42, 8) // wrong id
	w := newTestWorker(t, j, stubResolver{"/data/a.db": sv})

	err := w.runCycle(true, math.MaxInt64)
	require.ErrorIs(t, err, errs.ErrCorrupt)
	require.Empty(t, sv.writes)
	require.Equal(t, 1, j.idx.Len())
}

func TestUrgencyFloorsAtTen(t *testing.T) {
	j := newStubJournal()
	w := newTestWorker(t, j, stubResolver{})
	require.Equal(t, 10, w.Urgency())

	vol := types.VolumeDescriptor{Path: "/data/a.db", ID: 1}
	for gen := uint64(0); gen < 5; gen++ {
		j.addPage(vol, gen, gen, 0, int64(gen)+1, 1)
	}
	j.current = 4
	require.Equal(t, 10, w.Urgency())
}
