package redo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"

	"github.com/gstoredb/gstore/types"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(),
		logger.New(logger.DefaultConfig)))
	t.Cleanup(cancel)
	return ctx
}

func collect(t *testing.T, l *Log) []Entry {
	var entries []Entry
	require.NoError(t, l.Replay(testCtx(t), func(e Entry) error {
		entries = append(entries, e)
		return nil
	}))
	return entries
}

func TestAppendReplay(t *testing.T) {
	requireT := require.New(t)
	ctx := testCtx(t)
	path := filepath.Join(t.TempDir(), "redo")

	l, err := Open(ctx, Config{Path: path, Limit: MinLimit})
	requireT.NoError(err)

	_, err = l.Append(Entry{
		Type:   EntryInsert,
		Xid:    10,
		Cid:    1,
		Row:    7,
		Values: []types.Value{{Data: []byte{1, 2, 3, 4}}, {Data: []byte("hello")}, types.Null()},
	})
	requireT.NoError(err)

	_, err = l.Append(Entry{
		Type:    EntryUpdate,
		Xid:     10,
		Cid:     2,
		Row:     8,
		OldRow:  7,
		Changed: []bool{false, true, false},
		Values:  []types.Value{{Data: []byte("world")}},
	})
	requireT.NoError(err)

	_, err = l.Append(Entry{Type: EntryDelete, Xid: 11, Cid: 1, Row: 3})
	requireT.NoError(err)
	_, err = l.Append(Entry{Type: EntryCommit, Xid: 10})
	requireT.NoError(err)

	requireT.NoError(l.Close())

	l, err = Open(ctx, Config{Path: path, Limit: MinLimit})
	requireT.NoError(err)
	defer func() {
		requireT.NoError(l.Close())
	}()

	entries := collect(t, l)
	requireT.Len(entries, 4)

	requireT.Equal(EntryInsert, entries[0].Type)
	requireT.Equal(types.TxID(10), entries[0].Xid)
	requireT.Equal(types.CommandID(1), entries[0].Cid)
	requireT.Equal(types.RowID(7), entries[0].Row)
	requireT.Len(entries[0].Values, 3)
	requireT.Equal([]byte{1, 2, 3, 4}, entries[0].Values[0].Data)
	requireT.Equal([]byte("hello"), entries[0].Values[1].Data)
	requireT.True(entries[0].Values[2].Null)

	requireT.Equal(EntryUpdate, entries[1].Type)
	requireT.Equal(types.RowID(7), entries[1].OldRow)
	requireT.Equal(types.RowID(8), entries[1].Row)
	requireT.Equal([]bool{false, true, false}, entries[1].Changed)
	requireT.Len(entries[1].Values, 1)
	requireT.Equal([]byte("world"), entries[1].Values[0].Data)

	requireT.Equal(EntryDelete, entries[2].Type)
	requireT.Equal(types.RowID(3), entries[2].Row)

	requireT.Equal(EntryCommit, entries[3].Type)
	requireT.Equal(types.TxID(10), entries[3].Xid)
}

func TestCheckpoint(t *testing.T) {
	requireT := require.New(t)
	ctx := testCtx(t)
	path := filepath.Join(t.TempDir(), "redo")

	l, err := Open(ctx, Config{Path: path, Limit: MinLimit})
	requireT.NoError(err)
	defer func() {
		requireT.NoError(l.Close())
	}()

	_, err = l.Append(Entry{Type: EntryDelete, Xid: 10, Cid: 1, Row: 1})
	requireT.NoError(err)
	pos := l.Position()

	// Entries appended after the position was captured stay in front of the
	// replay even when the checkpoint is recorded later.
	_, err = l.Append(Entry{Type: EntryDelete, Xid: 10, Cid: 2, Row: 2})
	requireT.NoError(err)
	requireT.NoError(l.Checkpoint(pos))

	entries := collect(t, l)
	requireT.Len(entries, 1)
	requireT.Equal(types.RowID(2), entries[0].Row)

	// A position outside the written region is ignored.
	requireT.NoError(l.Checkpoint(types.LogPosition(MinLimit)))
	requireT.Len(collect(t, l), 1)
	requireT.NoError(l.Checkpoint(0))
	requireT.Len(collect(t, l), 1)
}

func TestRotation(t *testing.T) {
	requireT := require.New(t)
	ctx := testCtx(t)
	path := filepath.Join(t.TempDir(), "redo")

	checkpoints := 0
	l, err := Open(ctx, Config{
		Path:  path,
		Limit: MinLimit,
		BeforeRotate: func() error {
			checkpoints++
			return nil
		},
	})
	requireT.NoError(err)
	defer func() {
		requireT.NoError(l.Close())
	}()

	payload := make([]byte, 64<<10)
	for l.Generation() == 0 {
		_, err := l.Append(Entry{
			Type:   EntryInsert,
			Xid:    10,
			Cid:    1,
			Row:    1,
			Values: []types.Value{{Data: payload}},
		})
		requireT.NoError(err)
	}

	requireT.Equal(uint64(1), l.Generation())
	requireT.Equal(1, checkpoints)

	// The retiring log was kept aside.
	old, err := filepath.Glob(path + ".old.*")
	requireT.NoError(err)
	requireT.Len(old, 1)

	// The fresh log holds only what was appended after the rotation.
	entries := collect(t, l)
	requireT.Len(entries, 1)
}

func TestCorruptTailCutOff(t *testing.T) {
	requireT := require.New(t)
	ctx := testCtx(t)
	path := filepath.Join(t.TempDir(), "redo")

	l, err := Open(ctx, Config{Path: path, Limit: MinLimit})
	requireT.NoError(err)

	_, err = l.Append(Entry{Type: EntryDelete, Xid: 10, Cid: 1, Row: 1})
	requireT.NoError(err)
	_, err = l.Append(Entry{Type: EntryDelete, Xid: 10, Cid: 2, Row: 2})
	requireT.NoError(err)
	end := l.Position()
	requireT.NoError(l.Close())

	// A torn final write leaves a nonzero type with garbage behind it.
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	requireT.NoError(err)
	_, err = f.WriteAt([]byte{0xff, 0xff, 0xff, 0xff, 3, 0, 0, 0}, int64(end))
	requireT.NoError(err)
	requireT.NoError(f.Close())

	l, err = Open(ctx, Config{Path: path, Limit: MinLimit})
	requireT.NoError(err)
	defer func() {
		requireT.NoError(l.Close())
	}()

	requireT.Equal(end, l.Position())
	entries := collect(t, l)
	requireT.Len(entries, 2)

	// Appending after the cut works.
	_, err = l.Append(Entry{Type: EntryCommit, Xid: 10})
	requireT.NoError(err)
	requireT.Len(collect(t, l), 3)
}

func TestTail(t *testing.T) {
	requireT := require.New(t)
	ctx := testCtx(t)
	path := filepath.Join(t.TempDir(), "redo")

	l, err := Open(ctx, Config{Path: path, Limit: MinLimit})
	requireT.NoError(err)
	defer func() {
		requireT.NoError(l.Close())
	}()

	_, err = l.Append(Entry{Type: EntryDelete, Xid: 10, Cid: 1, Row: 1})
	requireT.NoError(err)
	second, err := l.Append(Entry{Type: EntryDelete, Xid: 10, Cid: 2, Row: 2})
	requireT.NoError(err)
	_, err = l.Append(Entry{Type: EntryDelete, Xid: 10, Cid: 3, Row: 3})
	requireT.NoError(err)

	var rows []types.RowID
	next, err := l.Tail(second, func(e Entry) error {
		rows = append(rows, e.Row)
		return nil
	})
	requireT.NoError(err)
	requireT.Equal([]types.RowID{2, 3}, rows)
	requireT.Equal(l.Position(), next)

	// Nothing new: the position does not move.
	rows = rows[:0]
	next, err = l.Tail(next, func(e Entry) error {
		rows = append(rows, e.Row)
		return nil
	})
	requireT.NoError(err)
	requireT.Empty(rows)
	requireT.Equal(l.Position(), next)
}
