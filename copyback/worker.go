// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package copyback implements the Copy-Back Worker (spec.md §4.6): the
// background activity that drains checkpointed page images out of the
// journal into their home volumes so segment files can be reclaimed. Each
// cycle snapshots its candidates under the Journal Manager's monitor,
// performs all home-volume I/O without it, and reacquires it for a
// two-phase reconciliation: an entry is only removed from the Page Index
// if its address still equals the snapshot's, so a newer append that
// superseded it during the unlocked pass survives.
package copyback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/btreedb/pjournal/errs"
	"github.com/btreedb/pjournal/iorate"
	"github.com/btreedb/pjournal/pageindex"
	"github.com/btreedb/pjournal/record"
	"github.com/btreedb/pjournal/types"
)

const (
	// urgentScore is the urgency reported when urgent mode is requested,
	// and also the floor the score never drops below.
	urgentScore = 10

	// urgencySizeBase scales the Page Index size contribution to the
	// urgency score.
	urgencySizeBase = 250_000
)

// Journal is the narrow surface the worker needs of the Journal Manager.
// All methods except WithMonitor, GenerationOf, ReadPage, Suspended and
// Closed must be called while holding the monitor (inside a WithMonitor
// callback).
type Journal interface {
	// WithMonitor runs fn while holding the Journal Manager's monitor.
	WithMonitor(fn func())

	// Index returns the shared Page Index.
	Index() *pageindex.Index

	// LastCheckpointTimestamp returns the timestamp of the last durable
	// checkpoint; ok is false if none has been written or recovered yet.
	LastCheckpointTimestamp() (ts int64, ok bool)

	// FirstGeneration is the earliest generation still holding un-copied
	// pages; CurrentGeneration is the active write segment's generation.
	FirstGeneration() uint64
	CurrentGeneration() uint64
	SetFirstGeneration(gen uint64)

	// SegmentCount reports how many segment files are currently on disk.
	SegmentCount() int

	// GenerationOf parses a segment file name into its generation.
	GenerationOf(segmentName string) (uint64, bool)

	// ReadPage reads the PA record at addr, using scratch as the read
	// buffer when large enough. Safe to call without the monitor.
	ReadPage(addr types.FileAddress, scratch []byte) (record.PA, error)

	// DeleteSegmentsBefore deletes every segment file whose generation
	// precedes gen, except the active write segment. It reports how many
	// files were removed.
	DeleteSegmentsBefore(gen uint64) (int, error)

	// RolloverIfIdle rolls the active segment over and deletes the old one
	// when its tail has grown past the rollover threshold. Called only
	// when nothing was missed and the Page Index is empty.
	RolloverIfIdle() error

	// Suspended reports whether copy-back is hard-paused by configuration.
	Suspended() bool

	// Closed reports whether the journal is shutting down. A cycle in
	// progress checks this between pages and exits cleanly, unless it was
	// started in urgent mode, in which case it runs to completion.
	Closed() bool
}

// Config carries the worker's tuning knobs (spec.md §6 configuration
// table rows copierInterval, minimumUrgency, ioRateMin/Max,
// ioRateSleepMultiplier, copierTimestampLimit, readBufferSize).
type Config struct {
	Interval        time.Duration
	MinimumUrgency  int
	ReadBufferSize  int
	IORateMin       int
	IORateMax       int
	SleepMultiplier float64
	TimestampLimit  int64
	Logger          log.Logger
	Registerer      prometheus.Registerer
}

type workerMetrics struct {
	cycles            prometheus.Counter
	pagesCopied       prometheus.Counter
	segmentsReclaimed prometheus.Counter
	urgency           prometheus.Gauge
}

func newWorkerMetrics(reg prometheus.Registerer) *workerMetrics {
	return &workerMetrics{
		cycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "copyback_cycles",
			Help: "copyback_cycles counts completed copy-back cycles.",
		}),
		pagesCopied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "copyback_pages_copied",
			Help: "copyback_pages_copied counts page images written back to their home volumes.",
		}),
		segmentsReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "copyback_segments_reclaimed",
			Help: "copyback_segments_reclaimed counts segment files deleted after their pages were copied back.",
		}),
		urgency: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "copyback_urgency",
			Help: "copyback_urgency is the most recently computed urgency score.",
		}),
	}
}

// Worker runs copy-back cycles on its own goroutine at the configured
// interval, and on demand via CopyBack.
type Worker struct {
	cfg      Config
	j        Journal
	resolver types.VolumeResolver
	meter    *iorate.Meter
	metrics  *workerMetrics

	urgent uint32

	// cycleMu serializes cycles so a manual CopyBack never interleaves
	// with a ticker-driven cycle. scratch is only touched under it.
	cycleMu sync.Mutex
	scratch []byte

	histMu sync.Mutex
	hist   *hdrhistogram.Histogram

	closed uint32
	done   chan struct{}
	exited chan struct{}
}

// New starts a Copy-Back Worker in the background. Call Stop to shut it
// down; Stop waits for the worker to leave its loop.
func New(cfg Config, j Journal, resolver types.VolumeResolver, meter *iorate.Meter) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	w := &Worker{
		cfg:      cfg,
		j:        j,
		resolver: resolver,
		meter:    meter,
		metrics:  newWorkerMetrics(cfg.Registerer),
		scratch:  make([]byte, cfg.ReadBufferSize),
		hist:     hdrhistogram.New(1, time.Minute.Nanoseconds(), 3),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.exited)
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if atomic.LoadUint32(&w.closed) == 1 {
				return
			}
			if w.j.Suspended() {
				continue
			}
			if w.Urgency() < w.cfg.MinimumUrgency {
				continue
			}
			urgent := atomic.LoadUint32(&w.urgent) == 1
			if err := w.runCycle(urgent, w.cfg.TimestampLimit); err != nil {
				level.Error(w.cfg.Logger).Log("msg", "copy-back cycle failed", "err", err)
			}
		case <-w.done:
			return
		}
	}
}

// Stop signals the worker to exit and waits for its loop to finish. A
// cycle already past its snapshot completes its pages only if it started
// urgent; otherwise it notices the closed journal between pages and exits.
func (w *Worker) Stop() {
	if atomic.SwapUint32(&w.closed, 1) == 0 {
		close(w.done)
	}
	<-w.exited
}

// CopyBack requests an urgent cycle bounded by limit and blocks until it
// completes. In urgent mode every checkpointed entry is a candidate
// regardless of which segment holds it.
func (w *Worker) CopyBack(limit int64) error {
	atomic.StoreUint32(&w.urgent, 1)
	if w.cfg.TimestampLimit < limit {
		limit = w.cfg.TimestampLimit
	}
	return w.runCycle(true, limit)
}

// Urgency computes the current urgency score:
// max(10, indexSize/sizeBase + max(0, segmentCount-1)), forced to 10 in
// urgent mode. The floor at 10 preserves the original implementation's
// arithmetic.
func (w *Worker) Urgency() int {
	if atomic.LoadUint32(&w.urgent) == 1 {
		w.metrics.urgency.Set(urgentScore)
		return urgentScore
	}
	var size, segments int
	w.j.WithMonitor(func() {
		size = w.j.Index().Len()
		segments = w.j.SegmentCount()
	})
	u := size / urgencySizeBase
	if segments > 1 {
		u += segments - 1
	}
	if u < urgentScore {
		u = urgentScore
	}
	w.metrics.urgency.Set(float64(u))
	return u
}

// LatencyQuantile reports the q'th percentile (0..100) of per-page
// copy-back write latency observed so far.
func (w *Worker) LatencyQuantile(q float64) time.Duration {
	w.histMu.Lock()
	defer w.histMu.Unlock()
	return time.Duration(w.hist.ValueAtQuantile(q))
}

func (w *Worker) observeLatency(d time.Duration) {
	w.histMu.Lock()
	defer w.histMu.Unlock()
	_ = w.hist.RecordValue(d.Nanoseconds())
}

// runCycle performs one full copy-back cycle (spec.md §4.6 steps 1-8).
func (w *Worker) runCycle(urgent bool, limit int64) error {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	var cands []pageindex.Entry
	var missed *types.FileAddress

	// noteMiss folds addr into firstMissed: the minimum skipped address by
	// (generation, offset). Segments at or after it survive reclamation.
	noteMiss := func(addr types.FileAddress) {
		if missed == nil {
			a := addr
			missed = &a
			return
		}
		ga, _ := w.j.GenerationOf(addr.Segment)
		gm, _ := w.j.GenerationOf(missed.Segment)
		if ga < gm || (ga == gm && addr.Offset < missed.Offset) {
			a := addr
			missed = &a
		}
	}

	// Step 1: snapshot candidates under the monitor. A candidate's
	// timestamp is below min(lastCheckpoint, limit) and it either lives in
	// the oldest segment or the cycle is urgent.
	w.j.WithMonitor(func() {
		entries := w.j.Index().Snapshot()
		cpTS, ok := w.j.LastCheckpointTimestamp()
		if !ok {
			// Nothing is durable yet; every entry must survive.
			for _, e := range entries {
				noteMiss(e.Addr)
			}
			return
		}
		if limit < cpTS {
			cpTS = limit
		}
		first := w.j.FirstGeneration()
		for _, e := range entries {
			gen, known := w.j.GenerationOf(e.Addr.Segment)
			if known && e.Addr.Timestamp < cpTS && (urgent || gen <= first) {
				cands = append(cands, e)
			} else {
				noteMiss(e.Addr)
			}
		}
	})

	// Step 2: the I/O pass, without the monitor, in (volume_path, page)
	// order (Snapshot iterates the sorted index).
	touched := make(map[string]types.Volume)
	written := make([]pageindex.Entry, 0, len(cands))
	var cycleErr error
	for i, e := range cands {
		if !urgent && w.j.Closed() {
			for _, rest := range cands[i:] {
				noteMiss(rest.Addr)
			}
			break
		}
		var vol types.Volume
		ok := false
		if w.resolver != nil {
			vol, ok = w.resolver.ResolveVolume(e.Key.Volume.Path)
		}
		if !ok || vol.Closed() {
			noteMiss(e.Addr)
			continue
		}
		if vol.ID() != e.Key.Volume.ID {
			cycleErr = errs.Corrupt(e.Addr, "volume id mismatch: journal recorded %d, live volume %q has %d",
				e.Key.Volume.ID, vol.Path(), vol.ID())
		}
		var pa record.PA
		if cycleErr == nil {
			pa, cycleErr = w.j.ReadPage(e.Addr, w.scratch)
		}
		var img []byte
		if cycleErr == nil {
			img, cycleErr = pa.Reconstruct()
			if cycleErr == nil && len(img) != vol.BufferSize() {
				cycleErr = errs.Corrupt(e.Addr, "page image size %d does not match volume buffer size %d", len(img), vol.BufferSize())
			}
			if cycleErr == nil && pa.PageAddress != e.Key.Page {
				cycleErr = errs.Corrupt(e.Addr, "PA page address %d does not match index key page %d", pa.PageAddress, e.Key.Page)
			}
		}
		if cycleErr != nil {
			for _, rest := range cands[i:] {
				noteMiss(rest.Addr)
			}
			break
		}
		start := time.Now()
		if err := vol.WritePage(pa.PageAddress, img); err != nil {
			cycleErr = errs.IO(vol.Path(), err)
			for _, rest := range cands[i:] {
				noteMiss(rest.Addr)
			}
			break
		}
		w.observeLatency(time.Since(start))
		touched[vol.Path()] = vol
		written = append(written, e)
		w.metrics.pagesCopied.Inc()

		rate := w.meter.RecordIO()
		sleep := time.Duration(w.cfg.SleepMultiplier *
			float64(iorate.Clamp(rate, w.cfg.IORateMin, w.cfg.IORateMax)) *
			float64(time.Millisecond))
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}

	// Step 3: sync every touched volume. If a sync fails the written pages
	// are not durable, so neither the index entries nor the segments they
	// point at may be released.
	for _, v := range touched {
		if err := v.Sync(); err != nil {
			if cycleErr == nil {
				cycleErr = errs.IO(v.Path(), err)
			}
			atomic.StoreUint32(&w.urgent, 0)
			return cycleErr
		}
	}

	// Steps 4-7: reconcile, reclaim, maybe roll over, advance
	// firstGeneration. All under the monitor again.
	w.j.WithMonitor(func() {
		for _, e := range written {
			if !w.j.Index().Delete(e.Key, e.Addr) {
				// A newer append superseded this entry during the I/O
				// pass; it stays and its current address is a miss.
				if cur, ok := w.j.Index().Get(e.Key); ok {
					noteMiss(cur)
				}
			}
		}

		var cutoff uint64
		if missed != nil {
			cutoff, _ = w.j.GenerationOf(missed.Segment)
		} else {
			cutoff = w.j.CurrentGeneration()
		}
		n, err := w.j.DeleteSegmentsBefore(cutoff)
		if err != nil {
			level.Warn(w.cfg.Logger).Log("msg", "segment reclamation incomplete", "err", err)
		}
		if n > 0 {
			w.metrics.segmentsReclaimed.Add(float64(n))
		}

		if missed == nil && w.j.Index().Len() == 0 {
			if err := w.j.RolloverIfIdle(); err != nil {
				level.Warn(w.cfg.Logger).Log("msg", "idle rollover failed", "err", err)
			}
		}

		if missed != nil {
			gen, _ := w.j.GenerationOf(missed.Segment)
			w.j.SetFirstGeneration(gen)
		} else {
			w.j.SetFirstGeneration(w.j.CurrentGeneration())
		}
	})

	// Step 8.
	atomic.StoreUint32(&w.urgent, 0)
	w.metrics.cycles.Inc()
	return cycleErr
}
