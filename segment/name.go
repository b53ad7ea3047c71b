// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// genDigits is the fixed width of the zero-padded generation suffix
// (spec.md §6: "<base>.<16-digit-generation>").
const genDigits = 16

// Name builds the on-disk file name for baseName at generation.
func Name(baseName string, generation uint64) string {
	return fmt.Sprintf("%s.%0*d", baseName, genDigits, generation)
}

// ParseGeneration extracts the generation from name if it matches
// "<baseName>.<16-digit-generation>" exactly; ok is false for anything else,
// including extra suffixes or non-numeric generations.
func ParseGeneration(baseName, name string) (generation uint64, ok bool) {
	prefix := baseName + "."
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	suffix := name[len(prefix):]
	if len(suffix) != genDigits {
		return 0, false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	g, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return g, true
}

// List returns the generations of every segment file for baseName found in
// dir, sorted ascending (lexicographic sort on the zero-padded name, which
// by construction sorts by generation too). Any file in dir that does not
// match the segment pattern is ignored, not an error: spec.md §6 forbids
// other *matching* files but recovery must still tolerate an otherwise
// messy directory.
func List(dir, baseName string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var gens []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if g, ok := ParseGeneration(baseName, e.Name()); ok {
			gens = append(gens, g)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// Path joins dir and the segment file name for generation.
func Path(dir, baseName string, generation uint64) string {
	return filepath.Join(dir, Name(baseName, generation))
}
