package hashindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gstoredb/gstore/types"
)

func newTestIndex(t *testing.T, nrooms, nslots uint32) *Index {
	section := make([]byte, SectionLength(nrooms, nslots))
	Init(section, nrooms, nslots)
	idx, err := New(section, nrooms, nslots)
	require.NoError(t, err)
	return idx
}

func chain(t *testing.T, idx *Index, key []byte) []types.RowID {
	var rows []types.RowID
	require.NoError(t, idx.Walk(key, func(row types.RowID) bool {
		rows = append(rows, row)
		return true
	}))
	return rows
}

func TestInsertWalk(t *testing.T) {
	requireT := require.New(t)
	idx := newTestIndex(t, 100, 128)

	requireT.Empty(chain(t, idx, []byte("a")))

	requireT.NoError(idx.Insert([]byte("a"), 1))
	requireT.NoError(idx.Insert([]byte("a"), 2))
	requireT.NoError(idx.Insert([]byte("b"), 3))

	// Later inserts sit at the chain head.
	requireT.Equal([]types.RowID{2, 1}, chain(t, idx, []byte("a")))
	requireT.Equal([]types.RowID{3}, chain(t, idx, []byte("b")))

	requireT.Error(idx.Insert([]byte("a"), 100))
}

func TestCollisions(t *testing.T) {
	requireT := require.New(t)
	// A single bucket forces every key into one chain.
	idx := newTestIndex(t, 100, 1)

	requireT.NoError(idx.Insert([]byte("a"), 1))
	requireT.NoError(idx.Insert([]byte("b"), 2))
	requireT.NoError(idx.Insert([]byte("c"), 3))

	// All keys share the chain; the caller filters by key equality.
	requireT.Equal([]types.RowID{3, 2, 1}, chain(t, idx, []byte("a")))
}

func TestRemove(t *testing.T) {
	requireT := require.New(t)
	idx := newTestIndex(t, 100, 1)

	requireT.NoError(idx.Insert([]byte("a"), 1))
	requireT.NoError(idx.Insert([]byte("a"), 2))
	requireT.NoError(idx.Insert([]byte("a"), 3))

	// Middle of the chain.
	requireT.NoError(idx.Remove([]byte("a"), 2))
	requireT.Equal([]types.RowID{3, 1}, chain(t, idx, []byte("a")))

	// Head.
	requireT.NoError(idx.Remove([]byte("a"), 3))
	requireT.Equal([]types.RowID{1}, chain(t, idx, []byte("a")))

	// Tail, then the chain is empty.
	requireT.NoError(idx.Remove([]byte("a"), 1))
	requireT.Empty(chain(t, idx, []byte("a")))

	requireT.Error(idx.Remove([]byte("a"), 1))
}

func TestWalkStop(t *testing.T) {
	requireT := require.New(t)
	idx := newTestIndex(t, 100, 1)

	requireT.NoError(idx.Insert([]byte("a"), 1))
	requireT.NoError(idx.Insert([]byte("a"), 2))

	var rows []types.RowID
	requireT.NoError(idx.Walk([]byte("a"), func(row types.RowID) bool {
		rows = append(rows, row)
		return false
	}))
	requireT.Equal([]types.RowID{2}, rows)
}

func TestWalkReentrant(t *testing.T) {
	requireT := require.New(t)
	idx := newTestIndex(t, 100, 1)

	requireT.NoError(idx.Insert([]byte("a"), 1))

	// The walk callback runs outside the bucket lock, so it may write to the
	// same bucket without deadlocking.
	requireT.NoError(idx.Walk([]byte("a"), func(row types.RowID) bool {
		requireT.NoError(idx.Insert([]byte("a"), 2))
		requireT.NoError(idx.Remove([]byte("a"), row))
		return false
	}))

	requireT.Equal([]types.RowID{2}, chain(t, idx, []byte("a")))
}

func TestRebuild(t *testing.T) {
	requireT := require.New(t)
	idx := newTestIndex(t, 100, 64)

	keys := map[types.RowID][]byte{}
	for r := types.RowID(0); r < 100; r += 3 {
		keys[r] = []byte(fmt.Sprintf("key-%d", r))
	}
	idx.Rebuild(func(row types.RowID) []byte {
		return keys[row]
	})

	for row, key := range keys {
		found := false
		requireT.NoError(idx.Walk(key, func(r types.RowID) bool {
			if r == row {
				found = true
				return false
			}
			return true
		}))
		requireT.True(found, "row %d missing after rebuild", row)
	}

	// Rows without a key are not chained anywhere.
	requireT.NoError(idx.Walk([]byte("key-1"), func(r types.RowID) bool {
		requireT.NotEqual(types.RowID(1), r)
		return true
	}))
}

func TestValidateSection(t *testing.T) {
	requireT := require.New(t)

	section := make([]byte, SectionLength(50, 64))
	Init(section, 50, 64)
	requireT.NoError(Validate(section, 50, 64))

	requireT.Error(Validate(section, 50, 128))
	requireT.Error(Validate(section[:10], 50, 64))

	section[0] ^= 0xff
	requireT.Error(Validate(section, 50, 64))
}
