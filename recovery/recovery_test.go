// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package recovery

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btreedb/pjournal/record"
	"github.com/btreedb/pjournal/segment"
	"github.com/btreedb/pjournal/types"
)

const testWindow = 4096
const testMaxBuffer = 4096

// writeRaw writes recs verbatim into a brand-new generation-0 segment.
func writeRaw(t *testing.T, dir, base string, gen uint64, recs ...[]byte) {
	t.Helper()
	require.Equal(t, uint64(0), gen, "writeRaw only supports a fresh generation-0 segment")
	w, err := segment.Open(dir, base, 1<<20, testWindow, nil)
	require.NoError(t, err)
	for _, b := range recs {
		_, err := w.Reserve(len(b))
		require.NoError(t, err)
		_, err = w.Append(b)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func encodeIV(handle uint32, volID uint64, path string, ts int64) []byte {
	iv := record.IV{Handle: handle, VolumeID: volID, Path: path}
	buf := make([]byte, iv.Len())
	iv.Encode(buf, ts)
	return buf
}

func encodePA(volHandle uint32, page uint64, payload []byte, ts int64) []byte {
	left, packed := record.PackPayload(payload)
	pa := record.PA{VolumeHandle: volHandle, BufferSize: uint32(len(payload)), LeftSize: left, PageAddress: page, Payload: packed}
	buf := make([]byte, pa.Len())
	pa.Encode(buf, ts)
	return buf
}

func encodeCP(ts, sysMillis int64) []byte {
	cp := record.CP{SystemTimeMillis: sysMillis}
	buf := make([]byte, cp.Len())
	cp.Encode(buf, ts)
	return buf
}

func page(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestRecoverCleanCycle(t *testing.T) {
	dir := t.TempDir()
	iv := encodeIV(0, 1, "/data/vol1.db", record.TransientTimestamp+1)
	pa1 := encodePA(0, 1, page(64, 1), 1)
	pa2 := encodePA(0, 2, page(64, 2), 2)
	pa3 := encodePA(0, 3, page(64, 3), 3)
	cp := encodeCP(10, 1234)
	writeRaw(t, dir, "journal", 0, iv, pa1, pa2, pa3, cp)

	sum, err := Recover(dir, "journal", testWindow, testMaxBuffer)
	require.NoError(t, err)
	require.Nil(t, sum.Dirty)
	require.Equal(t, 3, sum.Index.Len())
	require.NotNil(t, sum.LastCheckpoint)
	require.Equal(t, int64(10), sum.LastCheckpoint.Timestamp)
	require.Equal(t, uint64(0), sum.FirstGeneration)
	require.Equal(t, uint64(0), sum.CurrentGeneration)
}

func TestRecoverTornTail(t *testing.T) {
	dir := t.TempDir()
	iv := encodeIV(0, 1, "/data/vol1.db", 0)
	pa1 := encodePA(0, 1, page(64, 1), 1)
	cp := encodeCP(10, 1234)
	writeRaw(t, dir, "journal", 0, iv, pa1, cp)

	path := segment.Path(dir, "journal", 0)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	// Append a header-only fragment (no body) to simulate a crash mid-write.
	frag := make([]byte, record.HeaderLen)
	record.EncodeHeader(frag, record.Header{Kind: record.KindPA, Length: uint32(record.HeaderLen + 200), Timestamp: 99})
	_, err = f.WriteAt(frag, info.Size())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sum, err := Recover(dir, "journal", testWindow, testMaxBuffer)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Index.Len())
	require.NotNil(t, sum.Dirty)
	require.Equal(t, info.Size(), sum.Dirty.Addr.Offset)
}

func TestRecoverSupersede(t *testing.T) {
	dir := t.TempDir()
	iv := encodeIV(0, 1, "/data/vol1.db", 0)
	pa1 := encodePA(0, 7, page(32, 1), 1)
	pa2 := encodePA(0, 7, page(32, 2), 2)
	cp := encodeCP(3, 0)
	writeRaw(t, dir, "journal", 0, iv, pa1, pa2, cp)

	sum, err := Recover(dir, "journal", testWindow, testMaxBuffer)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Index.Len())
	key := types.VolumePage{Volume: types.VolumeDescriptor{Path: "/data/vol1.db", ID: 1}, Page: 7}
	addr, ok := sum.Index.Get(key)
	require.True(t, ok)
	require.Equal(t, int64(2), addr.Timestamp)
}

func TestRecoverTransientPageDiscarded(t *testing.T) {
	dir := t.TempDir()
	iv := encodeIV(0, 1, "/data/vol1.db", 0)
	pa := encodePA(0, 5, page(16, 9), record.TransientTimestamp)
	cp := encodeCP(5, 0)
	writeRaw(t, dir, "journal", 0, iv, pa, cp)

	sum, err := Recover(dir, "journal", testWindow, testMaxBuffer)
	require.NoError(t, err)
	require.Equal(t, 0, sum.Index.Len())
}

func TestRecoverUnwrittenCheckpointLosesPendingEntries(t *testing.T) {
	dir := t.TempDir()
	iv := encodeIV(0, 1, "/data/vol1.db", 0)
	pa := encodePA(0, 1, page(16, 1), 1)
	// No checkpoint: pa should not be promoted into the Page Index.
	writeRaw(t, dir, "journal", 0, iv, pa)

	sum, err := Recover(dir, "journal", testWindow, testMaxBuffer)
	require.NoError(t, err)
	require.Equal(t, 0, sum.Index.Len())
	require.Nil(t, sum.Dirty)
}

func TestRecoverUnknownHandleIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	// PA references handle 0 without a preceding IV.
	pa := encodePA(0, 1, page(16, 1), 1)
	writeRaw(t, dir, "journal", 0, pa)

	sum, err := Recover(dir, "journal", testWindow, testMaxBuffer)
	require.NoError(t, err)
	require.NotNil(t, sum.Dirty)
	require.Equal(t, 0, sum.Index.Len())
}

func TestRecoverEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	sum, err := Recover(dir, "journal", testWindow, testMaxBuffer)
	require.NoError(t, err)
	require.Equal(t, 0, sum.Index.Len())
	require.Nil(t, sum.LastCheckpoint)
	require.Equal(t, uint64(0), sum.FirstGeneration)
	require.Equal(t, uint64(0), sum.CurrentGeneration)
}
