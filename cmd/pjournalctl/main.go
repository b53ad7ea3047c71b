// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// pjournalctl is a diagnostic entry point for a journal directory: it
// runs recovery, prints the last valid checkpoint, and dumps the Page
// Index in (volume_path, page) order with gap markers between
// non-adjacent pages.
package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/btreedb/pjournal"
	"github.com/btreedb/pjournal/pageindex"
)

var (
	dir      = kingpin.Arg("dir", "Journal directory to inspect.").Required().ExistingDir()
	baseName = kingpin.Flag("base", "Segment file base name.").Default(pjournal.DefaultBaseName).String()
	watch    = kingpin.Flag("watch", "Re-print the dump at this interval until interrupted.").Duration()
	noIndex  = kingpin.Flag("no-index", "Print only the summary, not the Page Index dump.").Bool()
)

func main() {
	kingpin.Parse()

	m, err := pjournal.Open(*dir,
		pjournal.WithBaseName(*baseName),
		pjournal.WithSuspendCopying(true),
	)
	if err != nil {
		kingpin.Fatalf("open journal: %v", err)
	}
	defer m.Close()

	if err := m.Recover(); err != nil {
		kingpin.Fatalf("recover journal: %v", err)
	}

	for {
		dump(m)
		if *watch <= 0 {
			return
		}
		time.Sleep(*watch)
		fmt.Println()
	}
}

func dump(m *pjournal.Manager) {
	s := m.Stats()

	fmt.Printf("journal: %s (base %s)\n", *dir, *baseName)
	fmt.Printf("segments: %d  generations: [%d..%d]\n", s.SegmentCount, s.FirstGeneration, s.CurrentGeneration)
	if s.LastCheckpoint != nil {
		fmt.Printf("last valid checkpoint: timestamp=%d written=%s\n",
			s.LastCheckpoint.Timestamp,
			time.UnixMilli(s.LastCheckpoint.SystemTimeMillis).Format(time.RFC3339))
	} else {
		fmt.Println("last valid checkpoint: none")
	}
	if s.Dirty != nil {
		fmt.Printf("NOT CLEANLY CLOSED: %s offset %d: %s\n", s.Dirty.Addr.Segment, s.Dirty.Addr.Offset, s.Dirty.Reason)
	}
	fmt.Printf("page index: %d entries\n", s.PageIndexSize)

	if *noIndex {
		return
	}
	printIndex(os.Stdout, m.PageIndexSnapshot())
}

func printIndex(out *os.File, entries []pageindex.Entry) {
	var lastVol string
	var lastPage uint64
	haveLast := false
	for _, e := range entries {
		vol := e.Key.Volume.String()
		if vol != lastVol {
			fmt.Fprintf(out, "%s\n", vol)
			lastVol = vol
			haveLast = false
		}
		if haveLast && e.Key.Page > lastPage+1 {
			fmt.Fprintf(out, "  ... %d pages absent\n", e.Key.Page-lastPage-1)
		}
		fmt.Fprintf(out, "  page %-12d -> %s@%d t=%d\n", e.Key.Page, e.Addr.Segment, e.Addr.Offset, e.Addr.Timestamp)
		lastPage = e.Key.Page
		haveLast = true
	}
}
