// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package handles

import (
	"testing"

	"github.com/btreedb/pjournal/types"
	"github.com/stretchr/testify/require"
)

func TestHandleForVolumeIsStableWithinSegment(t *testing.T) {
	r := New()
	v := types.VolumeDescriptor{Path: "/data/vol1.db", ID: 1}

	h1, isNew1 := r.HandleForVolume(v)
	require.True(t, isNew1)
	h2, isNew2 := r.HandleForVolume(v)
	require.False(t, isNew2)
	require.Equal(t, h1, h2)

	got, ok := r.VolumeForHandle(h1)
	require.True(t, ok)
	require.Equal(t, v, got)
}

func TestUnknownHandleNotResolved(t *testing.T) {
	r := New()
	_, ok := r.VolumeForHandle(42)
	require.False(t, ok)
}

func TestClearResetsBothDirections(t *testing.T) {
	r := New()
	v := types.VolumeDescriptor{Path: "/data/vol1.db", ID: 1}
	h, _ := r.HandleForVolume(v)
	r.Clear()
	_, ok := r.VolumeForHandle(h)
	require.False(t, ok)
	// After clear, re-registering the same volume is treated as new again.
	_, isNew := r.HandleForVolume(v)
	require.True(t, isNew)
}

func TestAutoClearAtCapacity(t *testing.T) {
	r := New()
	for i := 0; i < MaxEntries; i++ {
		v := types.VolumeDescriptor{Path: "v", ID: uint64(i)}
		r.HandleForVolume(v)
	}
	require.Equal(t, MaxEntries, r.size())

	// One more distinct entry pushes past capacity and both maps clear.
	overflow := types.VolumeDescriptor{Path: "v", ID: uint64(MaxEntries)}
	h, isNew := r.HandleForVolume(overflow)
	require.True(t, isNew)
	require.Equal(t, 1, r.size())

	// The very first volume registered is no longer resolvable.
	first := types.VolumeDescriptor{Path: "v", ID: 0}
	_, ok := r.VolumeForHandle(0)
	require.False(t, ok)
	_, isNewAgain := r.HandleForVolume(first)
	require.True(t, isNewAgain)
	_ = h
}

func TestInstallFromRecoveryAdvancesCounter(t *testing.T) {
	r := New()
	r.InstallVolume(10, types.VolumeDescriptor{Path: "/a", ID: 1})
	h, isNew := r.HandleForVolume(types.VolumeDescriptor{Path: "/b", ID: 2})
	require.True(t, isNew)
	require.Equal(t, int32(11), h)
}

func TestTreeHandles(t *testing.T) {
	r := New()
	tr := types.TreeDescriptor{VolumeHandle: 3, Name: "idx"}
	h, isNew := r.HandleForTree(tr)
	require.True(t, isNew)
	got, ok := r.TreeForHandle(h)
	require.True(t, ok)
	require.Equal(t, tr, got)
}
