// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package record implements the fixed-layout encode/decode of journal
// records described in spec.md §3/§6: the common header shared by every
// record kind, and the IV, IT, PA and CP bodies. TS, TC, TJ, RR and WR are
// accepted (the header decodes, the body is skipped by length) but have no
// typed body here; they are reserved for a future transaction-record
// implementation that spec.md explicitly excludes from this module.
//
// All integer fields are little-endian and fixed-width; the header's
// Length field includes the header itself. Field widths, once chosen, are
// stable across every segment a journal ever writes so that old segments
// stay readable forever.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind tags the first byte of every record.
type Kind byte

const (
	KindIV Kind = 1 + iota
	KindIT
	KindPA
	KindCP
	KindTS // reserved: transaction start
	KindTC // reserved: transaction commit
	KindTJ // reserved: transaction journal
	KindRR // reserved: read record
	KindWR // reserved: write record
)

func (k Kind) String() string {
	switch k {
	case KindIV:
		return "IV"
	case KindIT:
		return "IT"
	case KindPA:
		return "PA"
	case KindCP:
		return "CP"
	case KindTS:
		return "TS"
	case KindTC:
		return "TC"
	case KindTJ:
		return "TJ"
	case KindRR:
		return "RR"
	case KindWR:
		return "WR"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Valid reports whether k is one of the nine known tags (implemented or
// reserved). Any other byte value is corruption.
func (k Kind) Valid() bool { return k >= KindIV && k <= KindWR }

// Reserved reports whether k is accepted by the codec but has no
// implemented body (spec.md's Non-goal on transaction record processing).
func (k Kind) Reserved() bool { return k >= KindTS && k <= KindWR }

// HeaderLen is the fixed size, in bytes, of the common header: type(1) +
// length(4) + timestamp(8).
const HeaderLen = 13

// TransientTimestamp marks a PA record as transient: recovery must discard
// it rather than install it in the Page Index.
const TransientTimestamp int64 = -1

// Header is the common prefix of every record.
type Header struct {
	Kind      Kind
	Length    uint32 // total record length, header included
	Timestamp int64
}

// EncodeHeader writes h into buf[:HeaderLen]. buf must have length >= HeaderLen.
func EncodeHeader(buf []byte, h Header) {
	buf[0] = byte(h.Kind)
	binary.LittleEndian.PutUint32(buf[1:5], h.Length)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(h.Timestamp))
}

// DecodeHeader reads a Header from buf[:HeaderLen].
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("record: short header buffer (%d < %d)", len(buf), HeaderLen)
	}
	k := Kind(buf[0])
	if !k.Valid() {
		return Header{}, fmt.Errorf("%w: unknown record kind %d", errUnknownKind, buf[0])
	}
	return Header{
		Kind:      k,
		Length:    binary.LittleEndian.Uint32(buf[1:5]),
		Timestamp: int64(binary.LittleEndian.Uint64(buf[5:13])),
	}, nil
}

var errUnknownKind = errors.New("unknown record kind")

// ErrUnknownKind reports whether err was returned because the header's type
// byte did not match any known Kind. Recovery treats this the same as a
// JournalNotClosed signal: stop at this file, don't propagate.
func ErrUnknownKind(err error) bool {
	return errors.Is(err, errUnknownKind)
}

// --- IV: Identify Volume ---

// IV identifies a volume within a single segment: Handle -> (Path, VolumeID).
type IV struct {
	Handle   uint32
	VolumeID uint64
	Path     string
}

// ivFixedLen is the fixed portion of an IV body, excluding the variable-length path.
const ivFixedLen = 4 + 8 + 2 // handle + volumeId + path length prefix

// Len returns the total on-disk record length for this IV (header included).
func (r IV) Len() int { return HeaderLen + ivFixedLen + len(r.Path) }

// Encode writes the full IV record (header + body) into buf, which must be
// at least r.Len() bytes.
func (r IV) Encode(buf []byte, timestamp int64) int {
	n := r.Len()
	EncodeHeader(buf[:HeaderLen], Header{Kind: KindIV, Length: uint32(n), Timestamp: timestamp})
	body := buf[HeaderLen:n]
	binary.LittleEndian.PutUint32(body[0:4], r.Handle)
	binary.LittleEndian.PutUint64(body[4:12], r.VolumeID)
	binary.LittleEndian.PutUint16(body[12:14], uint16(len(r.Path)))
	copy(body[14:], r.Path)
	return n
}

// DecodeIV decodes an IV body (buf excludes the common header).
func DecodeIV(buf []byte) (IV, error) {
	if len(buf) < ivFixedLen {
		return IV{}, fmt.Errorf("record: short IV body")
	}
	pathLen := int(binary.LittleEndian.Uint16(buf[12:14]))
	if len(buf) < ivFixedLen+pathLen {
		return IV{}, fmt.Errorf("record: IV path truncated")
	}
	return IV{
		Handle:   binary.LittleEndian.Uint32(buf[0:4]),
		VolumeID: binary.LittleEndian.Uint64(buf[4:12]),
		Path:     string(buf[14 : 14+pathLen]),
	}, nil
}

// --- IT: Identify Tree ---

// IT identifies a tree within a single segment: Handle -> (VolumeHandle, Name).
// It is a clean body of its own rather than reusing IV's layout (spec.md §9
// open question: pick one layout and keep it stable across segments).
type IT struct {
	Handle       uint32
	VolumeHandle uint32
	Name         string
}

const itFixedLen = 4 + 4 + 2 // handle + volumeHandle + name length prefix

func (r IT) Len() int { return HeaderLen + itFixedLen + len(r.Name) }

func (r IT) Encode(buf []byte, timestamp int64) int {
	n := r.Len()
	EncodeHeader(buf[:HeaderLen], Header{Kind: KindIT, Length: uint32(n), Timestamp: timestamp})
	body := buf[HeaderLen:n]
	binary.LittleEndian.PutUint32(body[0:4], r.Handle)
	binary.LittleEndian.PutUint32(body[4:8], r.VolumeHandle)
	binary.LittleEndian.PutUint16(body[8:10], uint16(len(r.Name)))
	copy(body[10:], r.Name)
	return n
}

func DecodeIT(buf []byte) (IT, error) {
	if len(buf) < itFixedLen {
		return IT{}, fmt.Errorf("record: short IT body")
	}
	nameLen := int(binary.LittleEndian.Uint16(buf[8:10]))
	if len(buf) < itFixedLen+nameLen {
		return IT{}, fmt.Errorf("record: IT name truncated")
	}
	return IT{
		Handle:       binary.LittleEndian.Uint32(buf[0:4]),
		VolumeHandle: binary.LittleEndian.Uint32(buf[4:8]),
		Name:         string(buf[10 : 10+nameLen]),
	}, nil
}

// --- PA: Page Image ---

// paFixedLen is the fixed portion of a PA body, excluding the payload:
// volumeHandle(4) + bufferSize(4) + leftSize(4) + pageAddress(8).
const paFixedLen = 4 + 4 + 4 + 8

// PA carries a page image. The payload stores the left and right live
// portions of the buffer concatenated, omitting a zeroed middle gap of
// bufferSize-(leftSize+rightSize); leftSize==0 means the whole buffer
// follows verbatim (rightSize == bufferSize).
type PA struct {
	VolumeHandle uint32
	BufferSize   uint32
	LeftSize     uint32
	PageAddress  uint64
	Payload      []byte // leftSize + rightSize bytes
}

// RightSize returns the size of the right live portion of the buffer.
func (r PA) RightSize() uint32 { return uint32(len(r.Payload)) - r.LeftSize }

func (r PA) Len() int { return HeaderLen + paFixedLen + len(r.Payload) }

// MaxPALen returns the maximum possible on-disk length of a PA record for a
// page of the given buffer size (i.e. payload == bufferSize, no gap).
func MaxPALen(bufferSize uint32) int { return HeaderLen + paFixedLen + int(bufferSize) }

func (r PA) Encode(buf []byte, timestamp int64) int {
	n := r.Len()
	EncodeHeader(buf[:HeaderLen], Header{Kind: KindPA, Length: uint32(n), Timestamp: timestamp})
	body := buf[HeaderLen:n]
	binary.LittleEndian.PutUint32(body[0:4], r.VolumeHandle)
	binary.LittleEndian.PutUint32(body[4:8], r.BufferSize)
	binary.LittleEndian.PutUint32(body[8:12], r.LeftSize)
	binary.LittleEndian.PutUint64(body[12:20], r.PageAddress)
	copy(body[paFixedLen:], r.Payload)
	return n
}

// DecodePA decodes a PA body. bodyLen is the declared body length (record
// Length - HeaderLen), used to compute the payload size.
func DecodePA(buf []byte, bodyLen int) (PA, error) {
	if len(buf) < paFixedLen || bodyLen < paFixedLen {
		return PA{}, fmt.Errorf("record: short PA body")
	}
	payloadLen := bodyLen - paFixedLen
	if len(buf) < paFixedLen+payloadLen {
		return PA{}, fmt.Errorf("record: PA payload truncated")
	}
	leftSize := binary.LittleEndian.Uint32(buf[8:12])
	r := PA{
		VolumeHandle: binary.LittleEndian.Uint32(buf[0:4]),
		BufferSize:   binary.LittleEndian.Uint32(buf[4:8]),
		LeftSize:     leftSize,
		PageAddress:  binary.LittleEndian.Uint64(buf[12:20]),
	}
	r.Payload = make([]byte, payloadLen)
	copy(r.Payload, buf[paFixedLen:paFixedLen+payloadLen])
	if int(r.LeftSize) > payloadLen {
		return r, fmt.Errorf("record: PA leftSize %d exceeds payload size %d", r.LeftSize, payloadLen)
	}
	return r, nil
}

// Reconstruct rebuilds the full bufferSize page image from a decoded PA,
// placing the left portion at offset 0, the right portion at
// bufferSize-rightSize, and zero-filling the middle (spec.md §4.9).
func (r PA) Reconstruct() ([]byte, error) {
	out := make([]byte, r.BufferSize)
	left := r.Payload[:r.LeftSize]
	right := r.Payload[r.LeftSize:]
	if uint32(len(left)) > r.BufferSize || uint32(len(right)) > r.BufferSize {
		return nil, fmt.Errorf("record: PA portions exceed buffer size")
	}
	copy(out, left)
	copy(out[r.BufferSize-uint32(len(right)):], right)
	return out, nil
}

// PackPayload is the write-side inverse of Reconstruct: given a full page
// buffer, find the longest run of zero bytes that does not start at
// offset 0 (so leftSize 0 always means a verbatim payload) and return
// (leftSize, payload) such that Reconstruct recovers the exact original
// bytes. If the buffer has no exploitable zero run, the whole buffer is
// stored verbatim with leftSize 0.
func PackPayload(buf []byte) (leftSize uint32, payload []byte) {
	n := len(buf)
	bestStart, bestLen := -1, 0
	i := 0
	for i < n {
		if buf[i] != 0 {
			i++
			continue
		}
		j := i
		for j < n && buf[j] == 0 {
			j++
		}
		if i > 0 && j-i > bestLen {
			bestStart, bestLen = i, j-i
		}
		i = j
	}
	if bestLen == 0 {
		return 0, append([]byte(nil), buf...)
	}
	left := buf[:bestStart]
	right := buf[bestStart+bestLen:]
	out := make([]byte, 0, len(left)+len(right))
	out = append(out, left...)
	out = append(out, right...)
	return uint32(len(left)), out
}

// --- CP: Checkpoint ---

// CP marks a durability boundary. The record header's Timestamp field is
// the checkpoint's logical timestamp; SystemTimeMillis is the wall-clock
// time it was written, kept for operator diagnostics only.
type CP struct {
	SystemTimeMillis int64
}

const cpBodyLen = 8

func (r CP) Len() int { return HeaderLen + cpBodyLen }

func (r CP) Encode(buf []byte, timestamp int64) int {
	n := r.Len()
	EncodeHeader(buf[:HeaderLen], Header{Kind: KindCP, Length: uint32(n), Timestamp: timestamp})
	binary.LittleEndian.PutUint64(buf[HeaderLen:n], uint64(r.SystemTimeMillis))
	return n
}

func DecodeCP(buf []byte, bodyLen int) (CP, error) {
	if bodyLen != cpBodyLen {
		return CP{}, fmt.Errorf("record: CP body length %d != %d", bodyLen, cpBodyLen)
	}
	if len(buf) < cpBodyLen {
		return CP{}, fmt.Errorf("record: short CP body")
	}
	return CP{SystemTimeMillis: int64(binary.LittleEndian.Uint64(buf[0:8]))}, nil
}

// Checkpoint is the in-memory durability marker spec.md §3 describes: a
// (Timestamp, SystemTimeMillis) pair.
type Checkpoint struct {
	Timestamp        int64
	SystemTimeMillis int64
}
