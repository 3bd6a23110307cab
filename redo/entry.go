package redo

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/outofforest/photon"

	"github.com/gstoredb/gstore/types"
)

// EntryType discriminates log entries. Zero is reserved: fallocate fills the
// log with zeroes, so a zero type marks the end of the written region.
type EntryType uint32

// Log entry types.
const (
	EntryInsert EntryType = iota + 1
	EntryUpdate
	EntryDelete
	EntryCommit
)

// entryHeader precedes every entry. Length covers the header and the body
// including padding, and is always a multiple of 8 so the next entry starts
// aligned.
type entryHeader struct {
	Type      uint32
	Length    uint32
	Timestamp int64
}

const entryHeaderSize = uint64(unsafe.Sizeof(entryHeader{}))

// nullValue marks a null column value in the serialized form. Real payloads
// never reach this length because entries must fit the log.
const nullValue = 0xffffffff

// Entry is one decoded REDO record. Insert carries all column values, update
// carries only the changed ones together with the change bitmap and the row
// the new version supersedes.
type Entry struct {
	Type      EntryType
	Timestamp int64
	Xid       types.TxID
	Cid       types.CommandID
	Row       types.RowID
	OldRow    types.RowID
	Changed   []bool
	Values    []types.Value
}

func valuesSize(values []types.Value) uint64 {
	var n uint64
	for _, v := range values {
		n += 4
		if !v.Null {
			n += uint64(len(v.Data))
		}
	}
	return n
}

func putValues(buf []byte, values []types.Value) []byte {
	for _, v := range values {
		if v.Null {
			binary.LittleEndian.PutUint32(buf, nullValue)
			buf = buf[4:]
			continue
		}
		binary.LittleEndian.PutUint32(buf, uint32(len(v.Data)))
		buf = buf[4:]
		copy(buf, v.Data)
		buf = buf[len(v.Data):]
	}
	return buf
}

func getValues(buf []byte, n int) ([]types.Value, []byte, error) {
	values := make([]types.Value, 0, n)
	for range n {
		if len(buf) < 4 {
			return nil, nil, errors.New("truncated value list")
		}
		length := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		if length == nullValue {
			values = append(values, types.Null())
			continue
		}
		if uint64(len(buf)) < uint64(length) {
			return nil, nil, errors.New("truncated value payload")
		}
		data := make([]byte, length)
		copy(data, buf)
		values = append(values, types.Value{Data: data})
		buf = buf[length:]
	}
	return values, buf, nil
}

// size returns the encoded entry length including header and padding.
func (e *Entry) size() (uint64, error) {
	var body uint64
	switch e.Type {
	case EntryInsert:
		body = 16 + valuesSize(e.Values)
	case EntryUpdate:
		body = 20 + uint64(len(e.Changed)+7)/8 + valuesSize(e.Values)
	case EntryDelete:
		body = 12
	case EntryCommit:
		body = 4
	default:
		return 0, errors.Errorf("unknown entry type %d", e.Type)
	}
	return alignEntry(entryHeaderSize + body), nil
}

func alignEntry(n uint64) uint64 {
	return (n + 7) &^ 7
}

// encode writes the entry into dst, which must be at least e.size() bytes and
// 8-aligned within the mapping. The type word is written last so a torn write
// never exposes a partially encoded entry to replay.
func (e *Entry) encode(dst []byte, size uint64) {
	clear(dst[:size])
	hdr := photon.FromBytes[entryHeader](dst)
	hdr.Length = uint32(size)
	hdr.Timestamp = e.Timestamp

	buf := dst[entryHeaderSize:size]
	binary.LittleEndian.PutUint32(buf, uint32(e.Xid))
	switch e.Type {
	case EntryInsert:
		binary.LittleEndian.PutUint32(buf[4:], uint32(e.Cid))
		binary.LittleEndian.PutUint32(buf[8:], uint32(e.Row))
		binary.LittleEndian.PutUint32(buf[12:], uint32(len(e.Values)))
		putValues(buf[16:], e.Values)

	case EntryUpdate:
		binary.LittleEndian.PutUint32(buf[4:], uint32(e.Cid))
		binary.LittleEndian.PutUint32(buf[8:], uint32(e.OldRow))
		binary.LittleEndian.PutUint32(buf[12:], uint32(e.Row))
		binary.LittleEndian.PutUint32(buf[16:], uint32(len(e.Changed)))
		buf = buf[20:]
		for i, changed := range e.Changed {
			if changed {
				buf[i/8] |= 1 << (i % 8)
			}
		}
		putValues(buf[(len(e.Changed)+7)/8:], e.Values)

	case EntryDelete:
		binary.LittleEndian.PutUint32(buf[4:], uint32(e.Cid))
		binary.LittleEndian.PutUint32(buf[8:], uint32(e.Row))

	case EntryCommit:
	}

	hdr.Type = uint32(e.Type)
}

// decode parses the entry starting at buf. buf extends to the end of the
// writable region; the entry's own length field bounds the read.
func decode(buf []byte) (Entry, error) {
	if uint64(len(buf)) < entryHeaderSize {
		return Entry{}, errors.New("truncated entry header")
	}
	hdr := photon.FromBytes[entryHeader](buf)
	if hdr.Length < uint32(entryHeaderSize) || hdr.Length%8 != 0 ||
		uint64(hdr.Length) > uint64(len(buf)) {
		return Entry{}, errors.Errorf("entry has invalid length %d", hdr.Length)
	}

	e := Entry{
		Type:      EntryType(hdr.Type),
		Timestamp: hdr.Timestamp,
	}
	body := buf[entryHeaderSize:hdr.Length]

	switch e.Type {
	case EntryInsert:
		if len(body) < 16 {
			return Entry{}, errors.New("truncated insert entry")
		}
		e.Xid = types.TxID(binary.LittleEndian.Uint32(body))
		e.Cid = types.CommandID(binary.LittleEndian.Uint32(body[4:]))
		e.Row = types.RowID(binary.LittleEndian.Uint32(body[8:]))
		ncols := binary.LittleEndian.Uint32(body[12:])
		values, _, err := getValues(body[16:], int(ncols))
		if err != nil {
			return Entry{}, err
		}
		e.Values = values

	case EntryUpdate:
		if len(body) < 20 {
			return Entry{}, errors.New("truncated update entry")
		}
		e.Xid = types.TxID(binary.LittleEndian.Uint32(body))
		e.Cid = types.CommandID(binary.LittleEndian.Uint32(body[4:]))
		e.OldRow = types.RowID(binary.LittleEndian.Uint32(body[8:]))
		e.Row = types.RowID(binary.LittleEndian.Uint32(body[12:]))
		ncols := int(binary.LittleEndian.Uint32(body[16:]))
		body = body[20:]
		bitmapLen := (ncols + 7) / 8
		if len(body) < bitmapLen {
			return Entry{}, errors.New("truncated update bitmap")
		}
		e.Changed = make([]bool, ncols)
		var changedCount int
		for i := range ncols {
			if body[i/8]&(1<<(i%8)) != 0 {
				e.Changed[i] = true
				changedCount++
			}
		}
		values, _, err := getValues(body[bitmapLen:], changedCount)
		if err != nil {
			return Entry{}, err
		}
		e.Values = values

	case EntryDelete:
		if len(body) < 12 {
			return Entry{}, errors.New("truncated delete entry")
		}
		e.Xid = types.TxID(binary.LittleEndian.Uint32(body))
		e.Cid = types.CommandID(binary.LittleEndian.Uint32(body[4:]))
		e.Row = types.RowID(binary.LittleEndian.Uint32(body[8:]))

	case EntryCommit:
		if len(body) < 4 {
			return Entry{}, errors.New("truncated commit entry")
		}
		e.Xid = types.TxID(binary.LittleEndian.Uint32(body))

	default:
		return Entry{}, errors.Errorf("unknown entry type %d", hdr.Type)
	}

	return e, nil
}
