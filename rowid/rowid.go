package rowid

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gstoredb/gstore/types"
)

const (
	bitsPerLevel  = 8
	childrenCount = 1 << bitsPerLevel
	wordsPerNode  = 4
	bitsPerWord   = 64
)

// Levels returns the number of bitmap levels needed to cover nrooms rows.
// One level handles 256 rows, every additional level multiplies the coverage
// by 256, up to the full 32-bit space.
func Levels(nrooms uint32) int {
	switch {
	case nrooms <= 1<<8:
		return 1
	case nrooms <= 1<<16:
		return 2
	case nrooms <= 1<<24:
		return 3
	default:
		return 4
	}
}

// WordCount returns the number of 64-bit words the bitmap occupies for
// nrooms rows. It is the persistent size formula of the row-map section.
func WordCount(nrooms uint32) uint64 {
	levels := Levels(nrooms)
	var n uint64
	for d := range levels - 1 {
		n += wordsPerNode << (bitsPerLevel * d)
	}
	leafBits := (uint64(nrooms) + childrenCount - 1) / childrenCount * childrenCount
	return n + leafBits/bitsPerWord
}

// Map is the hierarchical RowID allocator. It operates in place over a word
// array, normally a view into the mapped base file, so allocation state
// persists together with the rows themselves. A set bit above the leaf level
// means the corresponding subtree has no free id.
type Map struct {
	mu     sync.Mutex
	base   []uint64
	nrooms uint32
	levels int
	starts [4]uint64
}

// New wraps a word array sized by WordCount(nrooms).
func New(base []uint64, nrooms uint32) (*Map, error) {
	if uint64(len(base)) < WordCount(nrooms) {
		return nil, errors.Errorf("row map needs %d words, got %d", WordCount(nrooms), len(base))
	}
	m := &Map{
		base:   base,
		nrooms: nrooms,
		levels: Levels(nrooms),
	}
	var off uint64
	for d := range m.levels {
		m.starts[d] = off
		off += wordsPerNode << (bitsPerLevel * d)
	}
	return m, nil
}

// NRooms returns the capacity covered by the map.
func (m *Map) NRooms() uint32 {
	return m.nrooms
}

// Allocate finds the lowest free RowID not smaller than min, marks it
// allocated and returns it. The second result is false when no free id ≥ min
// exists; callers report that as capacity exhaustion, not as corruption.
func (m *Map) Allocate(min types.RowID) (types.RowID, bool) {
	if uint32(min) >= m.nrooms {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, _, ok := m.allocate(0, 0, uint32(min))
	if !ok {
		return 0, false
	}
	return types.RowID(id), true
}

// stride is the number of rows covered by one bit at the given depth.
func (m *Map) stride(depth int) uint32 {
	return 1 << (bitsPerLevel * (m.levels - 1 - depth))
}

func (m *Map) node(depth int, index uint32) []uint64 {
	off := m.starts[depth] + wordsPerNode*uint64(index)
	return m.base[off : off+wordsPerNode]
}

func nodeFull(words []uint64) bool {
	return words[0]&words[1]&words[2]&words[3] == ^uint64(0)
}

func (m *Map) allocate(depth int, index, min uint32) (rowid uint32, full, ok bool) {
	stride := m.stride(depth)
	first := index * childrenCount * stride
	if first >= m.nrooms {
		// Boundary: the leaf words backing this subtree are not materialized.
		return 0, false, false
	}
	words := m.node(depth, index)

	var startBit uint32
	if min > first {
		startBit = (min - first) / stride
	}

	for b := startBit; b < childrenCount; b++ {
		w, bit := b>>6, b&(bitsPerWord-1)
		if words[w]&(1<<bit) != 0 {
			continue
		}
		if depth == m.levels-1 {
			id := first + b
			if id >= m.nrooms {
				// Bits past nrooms stay clear forever, so this node never
				// reports full and the parent keeps its summary bit clear too.
				return 0, false, false
			}
			words[w] |= 1 << bit
			return id, nodeFull(words), true
		}

		childMin := first + b*stride
		if min > childMin {
			childMin = min
		}
		id, childFull, childOK := m.allocate(depth+1, index*childrenCount+b, childMin)
		if childFull {
			words[w] |= 1 << bit
		}
		if childOK {
			return id, nodeFull(words), true
		}
	}
	return 0, nodeFull(words), false
}

// Release clears the id at the leaf and clears the "subtree full" summary on
// every ancestor. It reports whether the id was allocated.
func (m *Map) Release(id types.RowID) bool {
	if uint32(id) >= m.nrooms {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := uint32(id)
	leaf := m.node(m.levels-1, r>>bitsPerLevel)
	w, bit := (r>>6)&(wordsPerNode-1), r&(bitsPerWord-1)
	if leaf[w]&(1<<bit) == 0 {
		return false
	}
	leaf[w] &^= 1 << bit

	for depth := m.levels - 2; depth >= 0; depth-- {
		child := r >> (bitsPerLevel * (m.levels - 1 - depth))
		words := m.node(depth, child>>bitsPerLevel)
		w, bit := (child>>6)&(wordsPerNode-1), child&(bitsPerWord-1)
		words[w] &^= 1 << bit
	}
	return true
}

// Allocated reports whether the id is currently marked allocated.
func (m *Map) Allocated(id types.RowID) bool {
	if uint32(id) >= m.nrooms {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := uint32(id)
	leaf := m.node(m.levels-1, r>>bitsPerLevel)
	return leaf[(r>>6)&(wordsPerNode-1)]&(1<<(r&(bitsPerWord-1))) != 0
}

// Rebuild reconstructs the whole bitmap from scratch. allocated is probed for
// every id in [0, nrooms); replay uses it after re-applying the REDO log so
// the map matches the row data exactly.
func (m *Map) Rebuild(allocated func(types.RowID) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.base[:WordCount(m.nrooms)])

	for r := uint32(0); r < m.nrooms; r++ {
		if !allocated(types.RowID(r)) {
			continue
		}
		leaf := m.node(m.levels-1, r>>bitsPerLevel)
		leaf[(r>>6)&(wordsPerNode-1)] |= 1 << (r & (bitsPerWord - 1))
	}

	// Recompute the summary levels bottom-up. Children past nrooms have no
	// backing words and are never full.
	for depth := m.levels - 2; depth >= 0; depth-- {
		childStride := m.stride(depth + 1)
		nodes := uint32(1) << (bitsPerLevel * depth)
		for index := uint32(0); index < nodes; index++ {
			if index*childrenCount*m.stride(depth) >= m.nrooms {
				break
			}
			words := m.node(depth, index)
			for b := uint32(0); b < childrenCount; b++ {
				child := index*childrenCount + b
				if child*childrenCount*childStride >= m.nrooms {
					break
				}
				if nodeFull(m.node(depth+1, child)) {
					words[b>>6] |= 1 << (b & (bitsPerWord - 1))
				}
			}
		}
	}
}
