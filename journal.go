// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package pjournal implements the Journal Manager of an embedded B-Tree
// storage engine: a write-ahead, append-only, segmented on-disk log that
// records images of modified database pages together with catalog and
// checkpoint metadata, and later copies those page images back into their
// home data volumes so journal segments can be reclaimed.
//
// A single Manager instance is used concurrently by many mutators plus
// two background workers (flush and copy-back). One monitor serializes
// every mutation of the Page Index, the Handle Registry and the Segment
// Writer; readers take lock-free snapshots of the Page Index and perform
// file I/O without the monitor.
package pjournal

import (
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/btreedb/pjournal/copyback"
	"github.com/btreedb/pjournal/errs"
	"github.com/btreedb/pjournal/flush"
	"github.com/btreedb/pjournal/handles"
	"github.com/btreedb/pjournal/iorate"
	"github.com/btreedb/pjournal/pageindex"
	"github.com/btreedb/pjournal/record"
	"github.com/btreedb/pjournal/recovery"
	"github.com/btreedb/pjournal/segment"
	"github.com/btreedb/pjournal/types"
)

// Re-exported sentinels so callers don't need to import errs for the
// common checks.
var (
	ErrCorrupt      = errs.ErrCorrupt
	ErrIO           = errs.ErrIO
	ErrIllegalState = errs.ErrIllegalState
	ErrClosed       = errs.ErrClosed
)

const (
	// MinimumFileSize, DefaultFileSize and MaximumFileSize bound the
	// maximumFileSize option: the size at which a segment rolls over.
	MinimumFileSize = int64(16) << 20
	DefaultFileSize = int64(1) << 30
	MaximumFileSize = int64(64) << 30

	DefaultWriteBufferSize = 4 << 20
	DefaultReadBufferSize  = 64 << 10

	DefaultFlushInterval  = 100 * time.Millisecond
	DefaultCopierInterval = time.Second

	DefaultMinimumUrgency        = 2
	DefaultIORateMin             = 2
	DefaultIORateMax             = 100
	DefaultIORateSleepMultiplier = 0.5

	// DefaultBaseName is the segment file base name: files are named
	// "<base>.<16-digit-generation>".
	DefaultBaseName = "pjournal"
)

// Manager is the journal. Construct with Open, then call Recover exactly
// once before any write or read.
type Manager struct {
	closed    uint32 // atomically accessed
	suspended uint32 // hard pause of the copy-back worker

	dir      string
	baseName string

	maximumFileSize       int64
	writeBufferSize       int
	readBufferSize        int
	flushInterval         time.Duration
	copierInterval        time.Duration
	minimumUrgency        int
	ioRateMin             int
	ioRateMax             int
	ioRateSleepMultiplier float64
	copierTimestampLimit  int64

	logger   log.Logger
	reg      prometheus.Registerer
	metrics  *journalMetrics
	resolver types.VolumeResolver
	meter    *iorate.Meter

	// mu is the single monitor (spec'd critical section): it serializes
	// all mutations of the Page Index, Handle Registry and Segment Writer
	// state. Writes to the mapped window happen while holding it.
	mu         sync.Mutex
	recovered  bool
	idx        *pageindex.Index
	registry   *handles.Registry
	writer     *segment.Writer
	firstGen   uint64
	currentGen uint64
	lastCP     *record.Checkpoint
	dirty      *recovery.Dirty

	// readMu guards the lazily populated read channel cache, keyed by
	// segment file name. Readers are closed together on Close.
	readMu  sync.Mutex
	readers map[string]*segment.Reader

	flusher *flush.Worker
	copier  *copyback.Worker
}

// Option configures a Manager at Open time.
type Option func(*Manager)

// WithLogger sets the logger used by the Manager and both workers.
func WithLogger(l log.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetricsRegisterer sets where Prometheus metrics are registered. A
// nil registerer (the default) creates the metrics without registering.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.reg = reg }
}

// WithVolumeResolver supplies the lookup from volume path to live volume
// used by copy-back. Without one, copy-back writes no page back: every
// candidate counts as missed, so no segment from the oldest indexed page
// onward is reclaimed.
func WithVolumeResolver(r types.VolumeResolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithBaseName overrides the segment file base name.
func WithBaseName(name string) Option { return func(m *Manager) { m.baseName = name } }

// WithMaximumFileSize sets the segment rollover size, clamped to
// [MinimumFileSize, MaximumFileSize].
func WithMaximumFileSize(n int64) Option { return func(m *Manager) { m.maximumFileSize = n } }

// WithWriteBufferSize sets the mapped write window size.
func WithWriteBufferSize(n int) Option { return func(m *Manager) { m.writeBufferSize = n } }

// WithReadBufferSize sets the copy-back scratch buffer size.
func WithReadBufferSize(n int) Option { return func(m *Manager) { m.readBufferSize = n } }

// WithFlushInterval sets how often the flush worker forces the window.
func WithFlushInterval(d time.Duration) Option { return func(m *Manager) { m.flushInterval = d } }

// WithCopierInterval sets how often the copy-back worker evaluates urgency.
func WithCopierInterval(d time.Duration) Option { return func(m *Manager) { m.copierInterval = d } }

// WithMinimumUrgency sets the urgency score below which a copy-back tick
// does nothing.
func WithMinimumUrgency(n int) Option { return func(m *Manager) { m.minimumUrgency = n } }

// WithIORateBounds clamps the measured I/O rate used to pace copy-back.
func WithIORateBounds(min, max int) Option {
	return func(m *Manager) { m.ioRateMin, m.ioRateMax = min, max }
}

// WithIORateSleepMultiplier scales the per-page copy-back sleep.
func WithIORateSleepMultiplier(f float64) Option {
	return func(m *Manager) { m.ioRateSleepMultiplier = f }
}

// WithCopierTimestampLimit bounds the timestamps copy-back will touch.
func WithCopierTimestampLimit(ts int64) Option {
	return func(m *Manager) { m.copierTimestampLimit = ts }
}

// WithSuspendCopying starts the Manager with the copy-back worker paused.
func WithSuspendCopying(s bool) Option {
	return func(m *Manager) {
		if s {
			m.suspended = 1
		} else {
			m.suspended = 0
		}
	}
}

// Open prepares a Manager rooted at dir. The directory must exist and be
// readable and writable to the current process. No segment file is read
// or created until Recover is called.
func Open(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:                  dir,
		baseName:             DefaultBaseName,
		copierTimestampLimit: math.MaxInt64,
		registry:             handles.New(),
		meter:                iorate.New(),
		readers:              make(map[string]*segment.Reader),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, errs.IO(dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: journal path %s is not a directory", errs.ErrIllegalState, dir)
	}
	m.metrics = newJournalMetrics(m.reg)
	return m, nil
}

func (m *Manager) applyDefaultsAndValidate() error {
	if m.logger == nil {
		m.logger = level.NewFilter(log.NewLogfmtLogger(os.Stderr), level.AllowInfo())
	}
	if m.baseName == "" {
		return fmt.Errorf("%w: empty segment base name", errs.ErrIllegalState)
	}
	if m.maximumFileSize == 0 {
		m.maximumFileSize = DefaultFileSize
	}
	if m.maximumFileSize < MinimumFileSize {
		m.maximumFileSize = MinimumFileSize
	}
	if m.maximumFileSize > MaximumFileSize {
		m.maximumFileSize = MaximumFileSize
	}
	if m.writeBufferSize <= 0 {
		m.writeBufferSize = DefaultWriteBufferSize
	}
	if m.readBufferSize <= 0 {
		m.readBufferSize = DefaultReadBufferSize
	}
	if m.flushInterval <= 0 {
		m.flushInterval = DefaultFlushInterval
	}
	if m.copierInterval <= 0 {
		m.copierInterval = DefaultCopierInterval
	}
	if m.minimumUrgency <= 0 {
		m.minimumUrgency = DefaultMinimumUrgency
	}
	if m.ioRateMin <= 0 {
		m.ioRateMin = DefaultIORateMin
	}
	if m.ioRateMax <= 0 {
		m.ioRateMax = DefaultIORateMax
	}
	if m.ioRateSleepMultiplier <= 0 {
		m.ioRateSleepMultiplier = DefaultIORateSleepMultiplier
	}
	return nil
}

func (m *Manager) checkClosed() error {
	if atomic.LoadUint32(&m.closed) == 1 {
		return fmt.Errorf("%w: %w", errs.ErrIllegalState, errs.ErrClosed)
	}
	return nil
}

func (m *Manager) withMonitor(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// forcerFunc adapts a closure to the flush worker's Forcer.
type forcerFunc func() error

func (f forcerFunc) Force() error { return f() }

// Recover scans every segment file in the journal directory, rebuilds the
// Page Index by merging checkpoints, and starts the flush and copy-back
// workers. It must be called exactly once; a second call returns
// ErrIllegalState.
func (m *Manager) Recover() error {
	if err := m.checkClosed(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recovered {
		return fmt.Errorf("%w: recover called twice", errs.ErrIllegalState)
	}

	sum, err := recovery.Recover(m.dir, m.baseName, m.writeBufferSize, uint32(m.writeBufferSize))
	if err != nil {
		return err
	}
	m.idx = sum.Index
	m.firstGen = sum.FirstGeneration
	m.currentGen = sum.CurrentGeneration
	m.lastCP = sum.LastCheckpoint
	m.dirty = sum.Dirty
	if m.dirty != nil {
		m.metrics.dirtyRecovery.Set(1)
		level.Warn(m.logger).Log("msg", "journal was not cleanly closed",
			"segment", m.dirty.Addr.Segment, "offset", m.dirty.Addr.Offset, "reason", m.dirty.Reason)
	}
	m.metrics.pageIndexSize.Set(float64(m.idx.Len()))
	m.recovered = true

	m.flusher = flush.New(m.flushInterval, forcerFunc(m.forceActive), m.withMonitor, m.logger)
	m.copier = copyback.New(copyback.Config{
		Interval:        m.copierInterval,
		MinimumUrgency:  m.minimumUrgency,
		ReadBufferSize:  m.readBufferSize,
		IORateMin:       m.ioRateMin,
		IORateMax:       m.ioRateMax,
		SleepMultiplier: m.ioRateSleepMultiplier,
		TimestampLimit:  m.copierTimestampLimit,
		Logger:          m.logger,
		Registerer:      m.reg,
	}, copierJournal{m}, m.resolver, m.meter)

	level.Info(m.logger).Log("msg", "journal recovered",
		"pages", m.idx.Len(), "firstGeneration", m.firstGen, "currentGeneration", m.currentGen,
		"dirty", m.dirty != nil)
	return nil
}

// forceActive forces the active mapped window; a nil writer (nothing
// written since recovery) is a no-op. Called under the monitor by the
// flush worker.
func (m *Manager) forceActive() error {
	if m.writer == nil {
		return nil
	}
	return m.writer.Force()
}

// ensureWriterLocked creates the active write segment on first use. After
// recovery we always start a fresh segment one past the highest
// generation on disk rather than appending into a recovered tail: the new
// segment is self-describing from its first record, and a dirty tail is
// never extended.
func (m *Manager) ensureWriterLocked() error {
	if m.writer != nil {
		return nil
	}
	gens, err := segment.List(m.dir, m.baseName)
	if err != nil {
		return errs.IO(m.dir, err)
	}
	gen := uint64(0)
	if len(gens) > 0 {
		gen = gens[len(gens)-1] + 1
	}
	onRollover := func(newGen uint64) {
		m.registry.Clear()
		m.currentGen = newGen
		m.metrics.rollovers.Inc()
	}
	w, err := segment.Create(m.dir, m.baseName, gen, m.maximumFileSize, m.writeBufferSize, onRollover)
	if err != nil {
		return errs.IO(m.dir, err)
	}
	m.writer = w
	m.currentGen = gen
	if len(gens) == 0 {
		m.firstGen = gen
	}
	m.registry.Clear()
	return nil
}

// appendLocked reserves space for and appends a batch of records as one
// contiguous reservation, so no record ever splits across a segment
// boundary. build encodes the batch; it is invoked again after a
// rollover so handle allocations observe the cleared registry and the
// rebuilt batch re-emits its IV/IT records into the new segment.
func (m *Manager) appendLocked(build func() [][]byte) ([]int64, error) {
	recs := build()
	total := 0
	for _, r := range recs {
		total += len(r)
	}
	if total == 0 {
		return nil, nil
	}
	if total > m.writeBufferSize || int64(total) > m.maximumFileSize {
		return nil, fmt.Errorf("%w: record batch of %d bytes exceeds segment capacity", errs.ErrIllegalState, total)
	}
	rolled, err := m.writer.Reserve(total)
	if err != nil {
		return nil, errs.IO(m.writer.FileName(), err)
	}
	if rolled {
		recs = build()
		total = 0
		for _, r := range recs {
			total += len(r)
		}
		if _, err := m.writer.Reserve(total); err != nil {
			return nil, errs.IO(m.writer.FileName(), err)
		}
	}
	offs := make([]int64, len(recs))
	for i, r := range recs {
		off, err := m.writer.Append(r)
		if err != nil {
			return nil, errs.IO(m.writer.FileName(), err)
		}
		offs[i] = off
	}
	return offs, nil
}

// WritePageToJournal records a page image for (vol, page) at the given
// engine timestamp. The first reference to vol in the current segment
// emits an IV record ahead of the PA in the same reservation. A
// timestamp of record.TransientTimestamp marks the image transient:
// it is journalled but never installed in the Page Index, and recovery
// discards it.
func (m *Manager) WritePageToJournal(vol types.VolumeDescriptor, page uint64, buf []byte, timestamp int64) error {
	if err := m.checkClosed(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recovered {
		return fmt.Errorf("%w: page write before recovery completed", errs.ErrIllegalState)
	}
	if err := m.ensureWriterLocked(); err != nil {
		return err
	}

	left, payload := record.PackPayload(buf)
	pa := record.PA{
		BufferSize:  uint32(len(buf)),
		LeftSize:    left,
		PageAddress: page,
		Payload:     payload,
	}

	paPos := 0
	offs, err := m.appendLocked(func() [][]byte {
		recs := make([][]byte, 0, 2)
		handle, isNew := m.registry.HandleForVolume(vol)
		pa.VolumeHandle = uint32(handle)
		if isNew {
			iv := record.IV{Handle: uint32(handle), VolumeID: vol.ID, Path: vol.Path}
			b := make([]byte, iv.Len())
			iv.Encode(b, timestamp)
			recs = append(recs, b)
		}
		b := make([]byte, pa.Len())
		pa.Encode(b, timestamp)
		recs = append(recs, b)
		paPos = len(recs) - 1
		return recs
	})
	if err != nil {
		return err
	}

	if timestamp != record.TransientTimestamp {
		m.idx.Set(types.VolumePage{Volume: vol, Page: page}, types.FileAddress{
			Segment:   m.writer.FileName(),
			Offset:    offs[paPos],
			Timestamp: timestamp,
		})
		m.metrics.pageIndexSize.Set(float64(m.idx.Len()))
	}
	m.metrics.pagesWritten.Inc()
	m.metrics.pageBytesWritten.Add(float64(len(buf)))
	return nil
}

// WriteCheckpointToJournal forces everything written so far, appends a CP
// record and forces again, so checkpoint durability implies durability of
// every record before it. Before Recover has completed this is a no-op.
func (m *Manager) WriteCheckpointToJournal(timestamp int64) error {
	if err := m.checkClosed(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recovered {
		return nil
	}
	if err := m.ensureWriterLocked(); err != nil {
		return err
	}
	if err := m.writer.Force(); err != nil {
		return errs.IO(m.writer.FileName(), err)
	}
	now := time.Now().UnixMilli()
	cp := record.CP{SystemTimeMillis: now}
	if _, err := m.appendLocked(func() [][]byte {
		b := make([]byte, cp.Len())
		cp.Encode(b, timestamp)
		return [][]byte{b}
	}); err != nil {
		return err
	}
	if err := m.writer.Force(); err != nil {
		return errs.IO(m.writer.FileName(), err)
	}
	m.lastCP = &record.Checkpoint{Timestamp: timestamp, SystemTimeMillis: now}
	m.metrics.checkpoints.Inc()
	return nil
}

// HandleForVolume returns the current segment's handle for vol, emitting
// an IV record if this is the volume's first reference in the segment.
func (m *Manager) HandleForVolume(vol types.VolumeDescriptor) (int32, error) {
	if err := m.checkClosed(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recovered {
		return 0, fmt.Errorf("%w: handle request before recovery completed", errs.ErrIllegalState)
	}
	if err := m.ensureWriterLocked(); err != nil {
		return 0, err
	}
	var handle int32
	_, err := m.appendLocked(func() [][]byte {
		h, isNew := m.registry.HandleForVolume(vol)
		handle = h
		if !isNew {
			return nil
		}
		iv := record.IV{Handle: uint32(h), VolumeID: vol.ID, Path: vol.Path}
		b := make([]byte, iv.Len())
		iv.Encode(b, 0)
		return [][]byte{b}
	})
	return handle, err
}

// HandleForTree returns the current segment's handle for the named tree
// in vol, emitting the volume's IV and the tree's IT as needed so that
// every handle a segment references was declared earlier in that same
// segment.
func (m *Manager) HandleForTree(vol types.VolumeDescriptor, treeName string) (int32, error) {
	if err := m.checkClosed(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recovered {
		return 0, fmt.Errorf("%w: handle request before recovery completed", errs.ErrIllegalState)
	}
	if err := m.ensureWriterLocked(); err != nil {
		return 0, err
	}
	var handle int32
	_, err := m.appendLocked(func() [][]byte {
		recs := make([][]byte, 0, 2)
		vh, vNew := m.registry.HandleForVolume(vol)
		if vNew {
			iv := record.IV{Handle: uint32(vh), VolumeID: vol.ID, Path: vol.Path}
			b := make([]byte, iv.Len())
			iv.Encode(b, 0)
			recs = append(recs, b)
		}
		th, tNew := m.registry.HandleForTree(types.TreeDescriptor{VolumeHandle: vh, Name: treeName})
		handle = th
		if tNew {
			it := record.IT{Handle: uint32(th), VolumeHandle: uint32(vh), Name: treeName}
			b := make([]byte, it.Len())
			it.Encode(b, 0)
			recs = append(recs, b)
		}
		return recs
	})
	return handle, err
}

// ReadPageFromJournal fills buf with the latest journalled image of
// (vol, page). It returns false, leaving buf untouched and reading no
// segment file, when the journal holds no image for that page; the caller
// then reads from the home volume.
func (m *Manager) ReadPageFromJournal(vol types.VolumeDescriptor, page uint64, buf []byte) (bool, error) {
	if err := m.checkClosed(); err != nil {
		return false, err
	}
	m.mu.Lock()
	if !m.recovered {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: page read before recovery completed", errs.ErrIllegalState)
	}
	addr, ok := m.idx.Get(types.VolumePage{Volume: vol, Page: page})
	m.mu.Unlock()
	if !ok {
		m.metrics.readMisses.Inc()
		return false, nil
	}

	pa, err := m.readPage(addr, nil)
	if err != nil {
		return false, err
	}
	if pa.PageAddress != page {
		return false, errs.Corrupt(addr, "PA page address %d does not match requested page %d", pa.PageAddress, page)
	}
	img, err := pa.Reconstruct()
	if err != nil {
		return false, errs.Corrupt(addr, "%v", err)
	}
	if len(img) != len(buf) {
		return false, errs.Corrupt(addr, "page image size %d does not match requested buffer size %d", len(img), len(buf))
	}
	copy(buf, img)
	m.metrics.pagesRead.Inc()
	return true, nil
}

// readPage reads and decodes the PA record at addr through the read
// channel cache. Safe without the monitor.
func (m *Manager) readPage(addr types.FileAddress, scratch []byte) (record.PA, error) {
	gen, ok := segment.ParseGeneration(m.baseName, addr.Segment)
	if !ok {
		return record.PA{}, errs.Corrupt(addr, "malformed segment file name")
	}
	r, err := m.reader(addr.Segment, gen)
	if err != nil {
		return record.PA{}, err
	}
	h, body, err := r.ReadRecordAt(addr.Offset, scratch)
	if err != nil {
		return record.PA{}, errs.IO(addr.Segment, err)
	}
	if h.Kind != record.KindPA {
		return record.PA{}, errs.Corrupt(addr, "record is %s, not PA", h.Kind)
	}
	pa, err := record.DecodePA(body, len(body))
	if err != nil {
		return record.PA{}, errs.Corrupt(addr, "%v", err)
	}
	return pa, nil
}

func (m *Manager) reader(name string, gen uint64) (*segment.Reader, error) {
	m.readMu.Lock()
	defer m.readMu.Unlock()
	if m.readers == nil {
		return nil, errs.ErrClosed
	}
	if r, ok := m.readers[name]; ok {
		return r, nil
	}
	r, err := segment.OpenReader(m.dir, m.baseName, gen)
	if err != nil {
		return nil, errs.IO(name, err)
	}
	m.readers[name] = r
	return r, nil
}

func (m *Manager) dropReader(name string) {
	m.readMu.Lock()
	defer m.readMu.Unlock()
	if r, ok := m.readers[name]; ok {
		_ = r.Close()
		delete(m.readers, name)
	}
}

// CopyBack requests an urgent copy-back of every checkpointed page image
// with timestamp below toTimestamp and blocks until the cycle completes.
func (m *Manager) CopyBack(toTimestamp int64) error {
	if err := m.checkClosed(); err != nil {
		return err
	}
	m.mu.Lock()
	copier := m.copier
	recovered := m.recovered
	m.mu.Unlock()
	if !recovered || copier == nil {
		return fmt.Errorf("%w: copy-back before recovery completed", errs.ErrIllegalState)
	}
	return copier.CopyBack(toTimestamp)
}

// SuspendCopying hard-pauses (or resumes) the copy-back worker.
func (m *Manager) SuspendCopying(suspend bool) {
	if suspend {
		atomic.StoreUint32(&m.suspended, 1)
	} else {
		atomic.StoreUint32(&m.suspended, 0)
	}
}

// deleteSegmentsBeforeLocked removes every segment file whose generation
// precedes cutoff, except the active write segment. Monitor held.
func (m *Manager) deleteSegmentsBeforeLocked(cutoff uint64) (int, error) {
	gens, err := segment.List(m.dir, m.baseName)
	if err != nil {
		return 0, errs.IO(m.dir, err)
	}
	active := uint64(math.MaxUint64)
	if m.writer != nil {
		active = m.writer.Generation()
	}
	n := 0
	var firstErr error
	for _, g := range gens {
		if g >= cutoff || g == active {
			continue
		}
		name := segment.Name(m.baseName, g)
		if err := segment.Delete(m.dir, m.baseName, g); err != nil {
			if firstErr == nil {
				firstErr = errs.IO(name, err)
			}
			continue
		}
		m.dropReader(name)
		n++
	}
	return n, firstErr
}

// rolloverThresholdLocked is the tail size past which an idle journal
// (empty Page Index, nothing missed) rolls its active segment to release
// the space already written.
func (m *Manager) rolloverThresholdLocked() int64 {
	return int64(m.writeBufferSize)
}

// rolloverIfIdleLocked rolls the active segment over and deletes the old
// one. Monitor held.
func (m *Manager) rolloverIfIdleLocked() error {
	if m.writer == nil {
		return nil
	}
	if m.writer.Tail() <= m.rolloverThresholdLocked() {
		return nil
	}
	old := m.writer.Generation()
	oldName := segment.Name(m.baseName, old)
	if err := m.writer.Rollover(); err != nil {
		return errs.IO(oldName, err)
	}
	m.dropReader(oldName)
	if err := segment.Delete(m.dir, m.baseName, old); err != nil {
		return errs.IO(oldName, err)
	}
	return nil
}

// Stats is a point-in-time snapshot of the journal's externally
// observable state, used by the diagnostic CLI and tests.
type Stats struct {
	Recovered         bool
	PageIndexSize     int
	FirstGeneration   uint64
	CurrentGeneration uint64
	SegmentCount      int
	LastCheckpoint    *record.Checkpoint
	Dirty             *recovery.Dirty
	IORate            int
	CopyLatencyP99    time.Duration
}

// Stats returns a consistent snapshot taken under the monitor.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Recovered:         m.recovered,
		FirstGeneration:   m.firstGen,
		CurrentGeneration: m.currentGen,
		Dirty:             m.dirty,
		IORate:            m.meter.Rate(),
	}
	if m.idx != nil {
		s.PageIndexSize = m.idx.Len()
	}
	if m.lastCP != nil {
		cp := *m.lastCP
		s.LastCheckpoint = &cp
	}
	if gens, err := segment.List(m.dir, m.baseName); err == nil {
		s.SegmentCount = len(gens)
	}
	if m.copier != nil {
		s.CopyLatencyP99 = m.copier.LatencyQuantile(99)
	}
	return s
}

// PageIndexSnapshot returns every Page Index entry in
// (volume_path, page_number) order.
func (m *Manager) PageIndexSnapshot() []pageindex.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idx == nil {
		return nil
	}
	return m.idx.Snapshot()
}

// Close sets the closed flag, waits for both workers to observe it and
// exit their loops, drains and closes the write window, closes all cached
// read channels and clears the in-memory maps. If the Page Index is empty
// every segment file is deleted. It is safe to call more than once.
func (m *Manager) Close() error {
	if atomic.SwapUint32(&m.closed, 1) != 0 {
		return nil
	}

	m.mu.Lock()
	copier, flusher := m.copier, m.flusher
	m.mu.Unlock()
	if copier != nil {
		copier.Stop()
	}
	if flusher != nil {
		flusher.Stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	emptyIdx := m.recovered && m.idx != nil && m.idx.Len() == 0

	if m.writer != nil {
		if err := m.writer.Close(); err != nil && firstErr == nil {
			firstErr = errs.IO(m.writer.FileName(), err)
		}
		m.writer = nil
	}

	m.readMu.Lock()
	for name, r := range m.readers {
		if err := r.Close(); err != nil {
			level.Error(m.logger).Log("msg", "error closing read channel", "segment", name, "err", err)
		}
	}
	m.readers = nil
	m.readMu.Unlock()

	if m.idx != nil {
		m.idx.Clear()
	}
	m.registry.Clear()

	if emptyIdx {
		gens, err := segment.List(m.dir, m.baseName)
		if err == nil {
			for _, g := range gens {
				if err := segment.Delete(m.dir, m.baseName, g); err != nil && firstErr == nil {
					firstErr = errs.IO(segment.Name(m.baseName, g), err)
				}
			}
		} else if firstErr == nil {
			firstErr = errs.IO(m.dir, err)
		}
	}
	return firstErr
}

// copierJournal adapts the Manager to the copy-back worker's Journal
// interface without exporting monitor-bound methods on Manager itself.
type copierJournal struct{ m *Manager }

func (j copierJournal) WithMonitor(fn func())       { j.m.withMonitor(fn) }
func (j copierJournal) Index() *pageindex.Index     { return j.m.idx }
func (j copierJournal) FirstGeneration() uint64     { return j.m.firstGen }
func (j copierJournal) CurrentGeneration() uint64   { return j.m.currentGen }
func (j copierJournal) SetFirstGeneration(g uint64) { j.m.firstGen = g }

func (j copierJournal) LastCheckpointTimestamp() (int64, bool) {
	if j.m.lastCP == nil {
		return 0, false
	}
	return j.m.lastCP.Timestamp, true
}

func (j copierJournal) SegmentCount() int {
	gens, err := segment.List(j.m.dir, j.m.baseName)
	if err != nil {
		return 0
	}
	return len(gens)
}

func (j copierJournal) GenerationOf(name string) (uint64, bool) {
	return segment.ParseGeneration(j.m.baseName, name)
}

func (j copierJournal) ReadPage(addr types.FileAddress, scratch []byte) (record.PA, error) {
	return j.m.readPage(addr, scratch)
}

func (j copierJournal) DeleteSegmentsBefore(gen uint64) (int, error) {
	n, err := j.m.deleteSegmentsBeforeLocked(gen)
	j.m.metrics.pageIndexSize.Set(float64(j.m.idx.Len()))
	j.m.metrics.ioRate.Set(float64(j.m.meter.Rate()))
	return n, err
}

func (j copierJournal) RolloverIfIdle() error { return j.m.rolloverIfIdleLocked() }

func (j copierJournal) Suspended() bool { return atomic.LoadUint32(&j.m.suspended) == 1 }
func (j copierJournal) Closed() bool    { return atomic.LoadUint32(&j.m.closed) == 1 }
