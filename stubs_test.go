// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pjournal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btreedb/pjournal/types"
)

// stubVolume is an in-memory home data volume. It records every page
// write in order so tests can assert copy-back ordering and idempotence.
type stubVolume struct {
	mu      sync.Mutex
	path    string
	id      uint64
	bufSize int
	closed  bool

	pages  map[uint64][]byte
	writes []uint64
	syncs  int
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
	b := make([]byte, len(buf))
	copy(b, buf)
	v.pages[page] = b
	v.writes = append(v.writes, page)
	return nil
}

func (v *stubVolume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.syncs++
	return nil
}

func (v *stubVolume) writeOrder() []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]uint64, len(v.writes))
	copy(out, v.writes)
	return out
}

func (v *stubVolume) page(n uint64) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pages[n]
}

type stubResolver map[string]*stubVolume

func (r stubResolver) ResolveVolume(path string) (types.Volume, bool) {
	v, ok := r[path]
	return v, ok
}

// mustOpen opens a Manager with fast worker intervals suitable for tests.
// The copy-back worker is left suspended; tests drive cycles explicitly
// through CopyBack.
func mustOpen(t *testing.T, dir string, resolver types.VolumeResolver, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithVolumeResolver(resolver),
		WithFlushInterval(10 * time.Millisecond),
		WithCopierInterval(time.Hour),
		WithSuspendCopying(true),
		WithIORateSleepMultiplier(0.001),
	}
	m, err := Open(dir, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// shutdownWithoutCleanup simulates a process death after the last force:
// workers stop and file handles are released, but none of Close's
// cleanup (map clearing, empty-index segment deletion) runs.
func shutdownWithoutCleanup(t *testing.T, m *Manager) {
	t.Helper()
	atomic.StoreUint32(&m.closed, 1)
	if m.copier != nil {
		m.copier.Stop()
	}
	if m.flusher != nil {
		m.flusher.Stop()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer != nil {
		require.NoError(t, m.writer.Close())
		m.writer = nil
	}
	m.readMu.Lock()
	for _, r := range m.readers {
		_ = r.Close()
	}
	m.readers = nil
	m.readMu.Unlock()
}

// pageImage builds a buffer with live data at both ends and a zeroed
// middle gap, the shape the PA payload packing exists for.
func pageImage(size int, fill byte) []byte {
	b := make([]byte, size)
	for i := 0; i < size/4; i++ {
		b[i] = fill
	}
	for i := size - size/4; i < size; i++ {
		b[i] = fill + 1
	}
	return b
}

// solidPage builds a buffer with no zero run at all, so its PA payload is
// stored verbatim. Useful when a test needs an exactly predictable record
// size.
func solidPage(size int, fill byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = fill | 1
	}
	return b
}
