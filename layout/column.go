package layout

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/outofforest/photon"

	"github.com/gstoredb/gstore/schema"
	"github.com/gstoredb/gstore/types"
)

// ErrExtraExhausted is returned by Store when the extra region has no room
// for a variable-length value. The caller grows the region and retries.
var ErrExtraExhausted = errors.New("extra region exhausted")

// codec binds a column to its section offsets. Codecs are rebuilt on every
// remap together with the other views.
type codec struct {
	kind       schema.Kind
	size       uint32
	nullable   bool
	nullmapOff uint64
	valuesOff  uint64
}

func makeCodecs(s schema.Schema, metas []colMeta) []codec {
	codecs := make([]codec, len(s.Columns))
	for i := range s.Columns {
		codecs[i] = codec{
			kind:       schema.Kind(metas[i].Kind),
			size:       metas[i].Size,
			nullable:   metas[i].Nullable != 0,
			nullmapOff: metas[i].NullmapOffset,
			valuesOff:  metas[i].ValuesOffset,
		}
	}
	return codecs
}

// SysAttr returns the mapped MVCC record of the row. The pointer is bound to
// the current revision; callers holding it across an extra-region growth must
// re-fetch.
func (l *Layout) SysAttr(row types.RowID) *types.SysAttr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	off := l.hdr.SysAttrOffset + uint64(row)*types.SysAttrLength
	return photon.FromPointer[types.SysAttr](unsafe.Pointer(&l.data[off]))
}

// Adjacent rows share null-bitmap bytes, so bit updates go through atomic
// word operations even though each row is individually locked.
func (l *Layout) nullWord(c *codec, row types.RowID) *uint32 {
	off := c.nullmapOff + uint64(row)/32*4
	return photon.FromPointer[uint32](unsafe.Pointer(&l.data[off]))
}

func (l *Layout) offsetSlot(c *codec, row types.RowID) *uint32 {
	off := c.valuesOff + uint64(row)*4
	return photon.FromPointer[uint32](unsafe.Pointer(&l.data[off]))
}

// Fetch reads one column value of the row. The returned bytes are copied out
// of the mapped region. The caller holds the row lock.
func (l *Layout) Fetch(row types.RowID, col int) (types.Value, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if col < 0 || col >= len(l.codecs) {
		return types.Value{}, errors.Errorf("column index %d out of range", col)
	}
	c := &l.codecs[col]
	if c.nullable && atomic.LoadUint32(l.nullWord(c, row))&(1<<(uint32(row)&31)) == 0 {
		return types.Null(), nil
	}

	switch c.kind {
	case schema.KindFixed:
		off := c.valuesOff + uint64(row)*uint64(c.size)
		data := make([]byte, c.size)
		copy(data, l.data[off:off+uint64(c.size)])
		return types.Value{Data: data}, nil

	case schema.KindVarlena:
		slot := atomic.LoadUint32(l.offsetSlot(c, row))
		if slot == 0 {
			return types.Null(), nil
		}
		pos := uint64(slot) * 8
		extraLen := l.hdr.ExtraLength
		if pos+4 > extraLen {
			return types.Value{}, errors.Errorf("row %d column %d points outside the extra region", row, col)
		}
		extra := l.data[l.hdr.ExtraOffset:]
		length := uint64(*photon.FromPointer[uint32](unsafe.Pointer(&extra[pos])))
		if pos+4+length > extraLen {
			return types.Value{}, errors.Errorf("row %d column %d has a truncated payload", row, col)
		}
		data := make([]byte, length)
		copy(data, extra[pos+4:pos+4+length])
		return types.Value{Data: data}, nil

	default:
		return types.Value{}, errors.Errorf("column %d has unknown kind %d", col, c.kind)
	}
}

// Store writes one column value of the row. Variable-length payloads are
// appended to the extra region; ErrExtraExhausted asks the caller to grow it
// and retry. The caller holds the row lock.
func (l *Layout) Store(row types.RowID, col int, v types.Value) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if col < 0 || col >= len(l.codecs) {
		return errors.Errorf("column index %d out of range", col)
	}
	c := &l.codecs[col]

	if v.Null {
		if !c.nullable {
			return errors.Errorf("null value for non-nullable column %d", col)
		}
		atomic.AndUint32(l.nullWord(c, row), ^(uint32(1) << (uint32(row) & 31)))
		if c.kind == schema.KindVarlena {
			atomic.StoreUint32(l.offsetSlot(c, row), 0)
		}
		return nil
	}

	switch c.kind {
	case schema.KindFixed:
		if uint32(len(v.Data)) != c.size {
			return errors.Errorf("column %d expects %d bytes, got %d", col, c.size, len(v.Data))
		}
		off := c.valuesOff + uint64(row)*uint64(c.size)
		copy(l.data[off:off+uint64(c.size)], v.Data)

	case schema.KindVarlena:
		pos, err := l.allocExtra(4 + uint64(len(v.Data)))
		if err != nil {
			return err
		}
		extra := l.data[l.hdr.ExtraOffset:]
		*photon.FromPointer[uint32](unsafe.Pointer(&extra[pos])) = uint32(len(v.Data))
		copy(extra[pos+4:], v.Data)
		atomic.StoreUint32(l.offsetSlot(c, row), uint32(pos/8))

	default:
		return errors.Errorf("column %d has unknown kind %d", col, c.kind)
	}

	if c.nullable {
		atomic.OrUint32(l.nullWord(c, row), 1<<(uint32(row)&31))
	}
	return nil
}

// allocExtra advances the usage cursor by the 8-aligned size. The cursor
// never moves past the region length, so a failed allocation leaves the
// persistent state untouched. Superseded payloads stay behind the cursor
// until compaction.
func (l *Layout) allocExtra(size uint64) (uint64, error) {
	if l.hdr.ExtraOffset == 0 {
		return 0, errors.New("schema declares no varlena columns")
	}
	need := align8(size)
	for {
		cur := atomic.LoadUint64(&l.hdr.ExtraUsed)
		if cur+need > l.hdr.ExtraLength {
			return 0, ErrExtraExhausted
		}
		if cur/8 > math.MaxUint32 {
			return 0, errors.New("extra region exceeds the addressable range")
		}
		if atomic.CompareAndSwapUint64(&l.hdr.ExtraUsed, cur, cur+need) {
			return cur, nil
		}
	}
}

// Region is a byte range within the main section.
type Region struct {
	Offset uint64
	Length uint64
}

// RowRegions returns the byte ranges of the main section a row occupies: its
// null-bitmap words, value slots and system attributes. Mirroring these
// ranges to a buffer laid out like the main section carries the row over.
func (l *Layout) RowRegions(row types.RowID) []Region {
	l.mu.RLock()
	defer l.mu.RUnlock()

	regions := make([]Region, 0, len(l.codecs)*2+1)
	for i := range l.codecs {
		c := &l.codecs[i]
		if c.nullable {
			regions = append(regions, Region{
				Offset: c.nullmapOff + uint64(row)/32*4,
				Length: 4,
			})
		}
		switch c.kind {
		case schema.KindFixed:
			regions = append(regions, Region{
				Offset: c.valuesOff + uint64(row)*uint64(c.size),
				Length: uint64(c.size),
			})
		case schema.KindVarlena:
			regions = append(regions, Region{
				Offset: c.valuesOff + uint64(row)*4,
				Length: 4,
			})
		}
	}
	regions = append(regions, Region{
		Offset: l.hdr.SysAttrOffset + uint64(row)*types.SysAttrLength,
		Length: types.SysAttrLength,
	})
	return regions
}

func atomicMaxUint32(p *uint32, v uint32) {
	for {
		cur := atomic.LoadUint32(p)
		if cur >= v || atomic.CompareAndSwapUint32(p, cur, v) {
			return
		}
	}
}
