package hashindex

import (
	"sync"
	"unsafe"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/outofforest/photon"

	"github.com/gstoredb/gstore/types"
)

// numBucketLocks stripes bucket access. Collisions between unrelated buckets
// only cost contention, never correctness.
const numBucketLocks = 5000

// sectionHeader heads the persistent hash-index section of the base file.
type sectionHeader struct {
	Signature [8]byte
	NSlots    uint32
	NRooms    uint32
}

const headerSize = uint64(unsafe.Sizeof(sectionHeader{}))

// SectionLength returns the byte size of the hash-index section for the given
// capacity and bucket count: the header, one head per bucket and one chain
// link per row.
func SectionLength(nrooms, nslots uint32) uint64 {
	return headerSize + 4*(uint64(nslots)+uint64(nrooms))
}

// Init formats a freshly allocated section: every bucket head and every chain
// link starts out invalid.
func Init(section []byte, nrooms, nslots uint32) {
	hdr := photon.FromBytes[sectionHeader](section)
	*hdr = sectionHeader{
		Signature: types.HashIndexSignature,
		NSlots:    nslots,
		NRooms:    nrooms,
	}
	entries := photon.SliceFromPointer[uint32](
		unsafe.Pointer(&section[headerSize]), int(nslots)+int(nrooms))
	for i := range entries {
		entries[i] = uint32(types.InvalidRowID)
	}
}

// Validate checks the stored section header against the declared geometry.
func Validate(section []byte, nrooms, nslots uint32) error {
	if uint64(len(section)) < SectionLength(nrooms, nslots) {
		return errors.New("hash index section is truncated")
	}
	hdr := photon.FromBytes[sectionHeader](section)
	if hdr.Signature != types.HashIndexSignature {
		return errors.New("hash index has wrong signature")
	}
	if hdr.NSlots != nslots || hdr.NRooms != nrooms {
		return errors.Errorf("hash index geometry mismatch: stored %d/%d, expected %d/%d",
			hdr.NSlots, hdr.NRooms, nslots, nrooms)
	}
	return nil
}

// Index maps primary-key hashes to chains of row slots. It operates in place
// over the mapped section, so the index persists with the rows. Chains may
// contain stale or colliding entries; the caller filters by key equality and
// visibility.
type Index struct {
	slots  []uint32
	links  []uint32
	nslots uint32
	nrooms uint32
	locks  []sync.RWMutex
}

// New wraps a section previously formatted by Init. The view is bound to the
// mapping it was created from; after a remap a fresh Index must be built.
func New(section []byte, nrooms, nslots uint32) (*Index, error) {
	if err := Validate(section, nrooms, nslots); err != nil {
		return nil, err
	}
	lockCount := numBucketLocks
	if uint32(lockCount) > nslots {
		lockCount = int(nslots)
	}
	return &Index{
		slots:  photon.SliceFromPointer[uint32](unsafe.Pointer(&section[headerSize]), int(nslots)),
		links:  photon.SliceFromPointer[uint32](unsafe.Pointer(&section[headerSize+4*uint64(nslots)]), int(nrooms)),
		nslots: nslots,
		nrooms: nrooms,
		locks:  make([]sync.RWMutex, lockCount),
	}, nil
}

func (idx *Index) slot(key []byte) uint32 {
	return uint32(xxhash.Sum64(key) % uint64(idx.nslots))
}

func (idx *Index) lock(slot uint32) *sync.RWMutex {
	return &idx.locks[slot%uint32(len(idx.locks))]
}

// Walk calls fn for every row chained under the key's bucket, head first.
// fn returning false stops the walk. The chain is snapshotted under the
// bucket lock and fn runs without it, so fn may take row locks or call back
// into the index without any lock-ordering concern. Rows unlinked after the
// snapshot may still be delivered; the caller's visibility filtering covers
// them.
func (idx *Index) Walk(key []byte, fn func(types.RowID) bool) error {
	slot := idx.slot(key)
	l := idx.lock(slot)
	l.RLock()

	var chain []types.RowID
	cur := idx.slots[slot]
	for steps := uint32(0); cur != uint32(types.InvalidRowID); steps++ {
		if cur >= idx.nrooms {
			l.RUnlock()
			return errors.Errorf("hash chain of slot %d points to row %d beyond capacity", slot, cur)
		}
		if steps >= idx.nrooms {
			l.RUnlock()
			return errors.Errorf("hash chain of slot %d is cyclic", slot)
		}
		chain = append(chain, types.RowID(cur))
		cur = idx.links[cur]
	}
	l.RUnlock()

	for _, row := range chain {
		if !fn(row) {
			return nil
		}
	}
	return nil
}

// Insert chains the row under the key's bucket. The row must not already be
// chained anywhere.
func (idx *Index) Insert(key []byte, row types.RowID) error {
	if uint32(row) >= idx.nrooms {
		return errors.Errorf("row %d beyond capacity %d", row, idx.nrooms)
	}
	slot := idx.slot(key)
	l := idx.lock(slot)
	l.Lock()
	defer l.Unlock()

	idx.links[row] = idx.slots[slot]
	idx.slots[slot] = uint32(row)
	return nil
}

// Remove unlinks the row from the key's bucket. A row not found in the chain
// is reported as an error since it indicates a corrupted index.
func (idx *Index) Remove(key []byte, row types.RowID) error {
	if uint32(row) >= idx.nrooms {
		return errors.Errorf("row %d beyond capacity %d", row, idx.nrooms)
	}
	slot := idx.slot(key)
	l := idx.lock(slot)
	l.Lock()
	defer l.Unlock()

	cur := idx.slots[slot]
	if cur == uint32(row) {
		idx.slots[slot] = idx.links[cur]
		idx.links[cur] = uint32(types.InvalidRowID)
		return nil
	}
	for steps := uint32(0); cur != uint32(types.InvalidRowID); steps++ {
		if cur >= idx.nrooms || steps >= idx.nrooms {
			break
		}
		next := idx.links[cur]
		if next == uint32(row) {
			idx.links[cur] = idx.links[next]
			idx.links[next] = uint32(types.InvalidRowID)
			return nil
		}
		cur = next
	}
	return errors.Errorf("row %d not found in hash slot %d", row, slot)
}

// Rebuild reconstructs the whole index from scratch. key is probed for every
// row in ascending order; rows without a key (unallocated or dead) return
// nil. The caller must hold exclusive access to the store. Ascending
// insertion makes the result identical to the chains incremental maintenance
// would have produced.
func (idx *Index) Rebuild(key func(types.RowID) []byte) {
	for i := range idx.slots {
		idx.slots[i] = uint32(types.InvalidRowID)
	}
	for i := range idx.links {
		idx.links[i] = uint32(types.InvalidRowID)
	}
	for r := uint32(0); r < idx.nrooms; r++ {
		k := key(types.RowID(r))
		if k == nil {
			continue
		}
		slot := idx.slot(k)
		idx.links[r] = idx.slots[slot]
		idx.slots[slot] = r
	}
}
