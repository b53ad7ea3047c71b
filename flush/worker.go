// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package flush implements the Flush Worker (spec.md §4.7): a background
// goroutine that forces the active mapped write window to stable storage
// once per configured interval. It follows the teacher's runRotate
// goroutine shape (wal.go's runRotate/triggerRotate/closed-flag dance)
// but is driven by a plain ticker rather than a trigger channel, since
// flushing has no payload to hand off — it is purely time-based.
package flush

import (
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Forcer is the narrow capability the Flush Worker needs of the Segment
// Writer: force the active mapped window to stable storage.
type Forcer interface {
	Force() error
}

// Worker ticks at a configured interval and calls Forcer.Force, under a
// caller-supplied lock callback so it can serialize with the Journal
// Manager's single monitor (spec.md §5: "writes to the mapped window are
// done while holding the monitor").
type Worker struct {
	interval time.Duration
	forcer   Forcer
	withLock func(func())
	logger   log.Logger

	closed uint32
	done   chan struct{}
	exited chan struct{}
}

// New starts a Flush Worker in the background. withLock must run fn while
// holding the Journal Manager's monitor. Call Stop to shut it down.
func New(interval time.Duration, forcer Forcer, withLock func(func()), logger log.Logger) *Worker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	w := &Worker{
		interval: interval,
		forcer:   forcer,
		withLock: withLock,
		logger:   logger,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.exited)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if atomic.LoadUint32(&w.closed) == 1 {
				return
			}
			var err error
			w.withLock(func() {
				err = w.forcer.Force()
			})
			if err != nil {
				level.Error(w.logger).Log("msg", "flush worker force failed", "err", err)
			}
		case <-w.done:
			return
		}
	}
}

// Stop signals the worker to exit and waits for it to observe the signal
// and leave its loop. It is safe to call more than once.
func (w *Worker) Stop() {
	if atomic.SwapUint32(&w.closed, 1) == 0 {
		close(w.done)
	}
	<-w.exited
}
