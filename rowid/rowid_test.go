package rowid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gstoredb/gstore/types"
)

func newTestMap(t *testing.T, nrooms uint32) *Map {
	m, err := New(make([]uint64, WordCount(nrooms)), nrooms)
	require.NoError(t, err)
	return m
}

func TestWordCount(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal(uint64(4), WordCount(1))
	requireT.Equal(uint64(4), WordCount(256))
	requireT.Equal(uint64(12), WordCount(257))
	requireT.Equal(uint64(4+1024), WordCount(65536))
	requireT.Equal(uint64(4+4*256+4*256*256), WordCount(1<<24))
}

func TestAllocateSequential(t *testing.T) {
	requireT := require.New(t)
	m := newTestMap(t, 100)

	for i := range uint32(100) {
		id, ok := m.Allocate(0)
		requireT.True(ok)
		requireT.Equal(types.RowID(i), id)
	}
	_, ok := m.Allocate(0)
	requireT.False(ok)
}

func TestReleaseReuse(t *testing.T) {
	requireT := require.New(t)
	m := newTestMap(t, 100)

	for range 100 {
		_, ok := m.Allocate(0)
		requireT.True(ok)
	}

	requireT.True(m.Release(37))
	requireT.False(m.Release(37))
	requireT.False(m.Allocated(37))

	id, ok := m.Allocate(0)
	requireT.True(ok)
	requireT.Equal(types.RowID(37), id)
	requireT.True(m.Allocated(37))
}

func TestAllocateMin(t *testing.T) {
	requireT := require.New(t)
	m := newTestMap(t, 1000)

	id, ok := m.Allocate(700)
	requireT.True(ok)
	requireT.Equal(types.RowID(700), id)

	// The lowest id is still free and preferred by an unconstrained call.
	id, ok = m.Allocate(0)
	requireT.True(ok)
	requireT.Equal(types.RowID(0), id)

	_, ok = m.Allocate(1000)
	requireT.False(ok)
}

func TestAllocateAcrossNodes(t *testing.T) {
	requireT := require.New(t)
	m := newTestMap(t, 300)

	for i := range uint32(300) {
		id, ok := m.Allocate(0)
		requireT.True(ok)
		requireT.Equal(types.RowID(i), id)
	}
	_, ok := m.Allocate(0)
	requireT.False(ok)

	// Free one id in each subtree; the lower one wins.
	requireT.True(m.Release(299))
	requireT.True(m.Release(255))

	id, ok := m.Allocate(0)
	requireT.True(ok)
	requireT.Equal(types.RowID(255), id)

	id, ok = m.Allocate(0)
	requireT.True(ok)
	requireT.Equal(types.RowID(299), id)
}

func TestThreeLevels(t *testing.T) {
	requireT := require.New(t)
	m := newTestMap(t, 70000)

	id, ok := m.Allocate(65536)
	requireT.True(ok)
	requireT.Equal(types.RowID(65536), id)

	id, ok = m.Allocate(69999)
	requireT.True(ok)
	requireT.Equal(types.RowID(69999), id)

	_, ok = m.Allocate(70000)
	requireT.False(ok)

	requireT.True(m.Release(69999))
	requireT.False(m.Allocated(69999))
	requireT.True(m.Allocated(65536))
}

func TestRebuild(t *testing.T) {
	requireT := require.New(t)
	m := newTestMap(t, 1000)

	allocated := map[types.RowID]bool{3: true, 255: true, 256: true, 999: true}
	m.Rebuild(func(id types.RowID) bool {
		return allocated[id]
	})

	for id := range allocated {
		requireT.True(m.Allocated(id))
	}
	requireT.False(m.Allocated(0))

	id, ok := m.Allocate(0)
	requireT.True(ok)
	requireT.Equal(types.RowID(0), id)

	id, ok = m.Allocate(255)
	requireT.True(ok)
	requireT.Equal(types.RowID(257), id)
}

func TestRebuildFull(t *testing.T) {
	requireT := require.New(t)
	m := newTestMap(t, 512)

	m.Rebuild(func(types.RowID) bool { return true })

	_, ok := m.Allocate(0)
	requireT.False(ok)

	requireT.True(m.Release(511))
	id, ok := m.Allocate(0)
	requireT.True(ok)
	requireT.Equal(types.RowID(511), id)
}
