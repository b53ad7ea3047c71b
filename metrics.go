// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pjournal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type journalMetrics struct {
	pagesWritten     prometheus.Counter
	pageBytesWritten prometheus.Counter
	checkpoints      prometheus.Counter
	pagesRead        prometheus.Counter
	readMisses       prometheus.Counter
	rollovers        prometheus.Counter
	dirtyRecovery    prometheus.Gauge
	pageIndexSize    prometheus.Gauge
	ioRate           prometheus.Gauge
}

func newJournalMetrics(reg prometheus.Registerer) *journalMetrics {
	return &journalMetrics{
		pagesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "journal_pages_written",
			Help: "journal_pages_written counts page images appended to the journal.",
		}),
		pageBytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "journal_page_bytes_written",
			Help: "journal_page_bytes_written counts the uncompressed bytes of page" +
				" images appended. Bytes written to disk are usually lower because the" +
				" zeroed middle gap of each page is omitted from the record payload.",
		}),
		checkpoints: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "journal_checkpoints_written",
			Help: "journal_checkpoints_written counts CP records appended.",
		}),
		pagesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "journal_pages_read",
			Help: "journal_pages_read counts page reads served from the journal" +
				" instead of the home volume.",
		}),
		readMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "journal_read_misses",
			Help: "journal_read_misses counts page reads that fell through to the" +
				" home volume because the Page Index held no entry.",
		}),
		rollovers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "journal_segment_rollovers",
			Help: "journal_segment_rollovers counts how many times the journal moved" +
				" to a new segment file.",
		}),
		dirtyRecovery: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "journal_dirty_recovery",
			Help: "journal_dirty_recovery is 1 when the last recovery found the" +
				" journal not cleanly closed (a torn tail or an unparseable record).",
		}),
		pageIndexSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "journal_page_index_size",
			Help: "journal_page_index_size is the number of pages whose latest image" +
				" currently lives in the journal.",
		}),
		ioRate: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "journal_io_rate",
			Help: "journal_io_rate is the decayed page-I/O rate estimate used to" +
				" pace copy-back.",
		}),
	}
}
