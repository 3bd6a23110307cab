package layout

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/photon"

	"github.com/gstoredb/gstore/hashindex"
	"github.com/gstoredb/gstore/rowid"
	"github.com/gstoredb/gstore/schema"
	"github.com/gstoredb/gstore/types"
)

const (
	pageSize = 4096

	// extraReserved keeps offset 0 of the extra region unused so a zero
	// per-row offset always means "no value".
	extraReserved = 8

	// extraWidthEstimate sizes the initial extra region per varlena column.
	extraWidthEstimate = 64
)

// baseHeader is the persistent header of the base file. It is projected
// directly onto the mapped region; all fields are 8-byte aligned and
// little-endian by virtue of the in-memory representation.
type baseHeader struct {
	Signature     [8]byte
	SchemaSum     [32]byte
	TableName     [64]byte
	Capacity      uint32
	NCols         uint32
	PrimaryKey    int32
	NItems        uint32
	MainLength    uint64
	SysAttrOffset uint64
	RowMapOffset  uint64
	HashOffset    uint64
	ExtraOffset   uint64
	ExtraLength   uint64
	ExtraUsed     uint64
}

// colMeta is the persistent per-column descriptor following the header.
type colMeta struct {
	Kind          uint8
	Nullable      uint8
	_             [2]byte
	Size          uint32
	NullmapOffset uint64
	ValuesOffset  uint64
	Name          [schema.MaxNameLength]byte
}

// rowMapHeader heads the allocator bitmap section.
type rowMapHeader struct {
	Signature [8]byte
	Length    uint64
	NRooms    uint32
	_         [4]byte
}

const (
	baseHeaderSize   = uint64(unsafe.Sizeof(baseHeader{}))
	colMetaSize      = uint64(unsafe.Sizeof(colMeta{}))
	rowMapHeaderSize = uint64(unsafe.Sizeof(rowMapHeader{}))
)

// Config describes the store the layout belongs to.
type Config struct {
	Path         string
	TableName    string
	Capacity     uint32
	Schema       schema.Schema
	PrimaryKey   int // -1 when the table has no primary key
	NumHashSlots uint32
}

// sizes is the deterministic section-size derivation shared by create and
// validate. Byte-identical derivation from (capacity, schema) is what makes
// files compatible across opens.
type sizes struct {
	nullmapOff   []uint64
	valuesOff    []uint64
	sysAttrOff   uint64
	mainLength   uint64
	rowMapOff    uint64
	rowMapLength uint64
	hashOff      uint64
	hashLength   uint64
	extraOff     uint64
	extraLength  uint64
	fileSize     uint64
	numHashSlots uint32
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

func pageAlign(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// DefaultNumHashSlots mirrors the sizing heuristic of the index rebuild: a
// load factor below one plus slack for small tables.
func DefaultNumHashSlots(capacity uint32) uint32 {
	return uint32(12*uint64(capacity)/10 + 1000)
}

func deriveSizes(cfg Config) sizes {
	var s sizes
	capacity := uint64(cfg.Capacity)

	main := baseHeaderSize + colMetaSize*uint64(len(cfg.Schema.Columns))
	s.nullmapOff = make([]uint64, len(cfg.Schema.Columns))
	s.valuesOff = make([]uint64, len(cfg.Schema.Columns))
	var extraEstimate uint64
	for i, c := range cfg.Schema.Columns {
		if c.Nullable {
			s.nullmapOff[i] = main
			main += align8((capacity + 7) / 8)
		}
		s.valuesOff[i] = main
		switch c.Kind {
		case schema.KindFixed:
			main += align8(uint64(c.Size) * capacity)
		case schema.KindVarlena:
			main += align8(4 * capacity)
			extraEstimate += extraWidthEstimate * capacity
		}
	}
	s.sysAttrOff = main
	main += align8(types.SysAttrLength * capacity)
	s.mainLength = main

	s.rowMapOff = pageAlign(main)
	s.rowMapLength = rowMapHeaderSize + rowid.WordCount(cfg.Capacity)*8

	end := s.rowMapOff + pageAlign(s.rowMapLength)
	if cfg.PrimaryKey >= 0 {
		s.numHashSlots = cfg.NumHashSlots
		if s.numHashSlots == 0 {
			s.numHashSlots = DefaultNumHashSlots(cfg.Capacity)
		}
		s.hashOff = end
		s.hashLength = hashindex.SectionLength(cfg.Capacity, s.numHashSlots)
		end += pageAlign(s.hashLength)
	}
	if cfg.Schema.HasVarlena() {
		s.extraOff = end
		s.extraLength = pageAlign(extraReserved + extraEstimate)
		end += s.extraLength
	}
	s.fileSize = end
	return s
}

// Layout owns the mapped base file: the schema section with its fixed-length
// column arrays and per-row system attributes, the allocator bitmap, the
// optional hash index and the growable extra region. Every remap bumps the
// revision; holders of cached section views must compare revisions before
// trusting them.
type Layout struct {
	path string
	cfg  Config
	fp   [32]byte
	sz   sizes

	mu       sync.RWMutex
	file     *os.File
	data     []byte
	hdr      *baseHeader
	metas    []colMeta
	codecs   []codec
	revision uint64
	clean    bool
}

// Open maps the base file at cfg.Path, creating it when absent. The returned
// boolean reports whether the file was closed cleanly: false means the file
// may be torn and the caller must replay the REDO log before using the rows.
func Open(cfg Config) (*Layout, bool, error) {
	if err := cfg.Schema.Validate(); err != nil {
		return nil, false, err
	}
	if cfg.Capacity == 0 {
		return nil, false, errors.New("capacity must be positive")
	}
	if cfg.PrimaryKey >= len(cfg.Schema.Columns) {
		return nil, false, errors.Errorf("primary key column %d out of range", cfg.PrimaryKey)
	}

	l := &Layout{
		path: cfg.Path,
		cfg:  cfg,
		fp:   cfg.Schema.Fingerprint(),
		sz:   deriveSizes(cfg),
	}

	file, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	switch {
	case err == nil:
		if err := l.create(file); err != nil {
			_ = file.Close()
			_ = os.Remove(cfg.Path)
			return nil, false, err
		}
		return l, true, nil
	case os.IsExist(err):
		clean, err := l.openExisting()
		if err != nil {
			return nil, false, err
		}
		return l, clean, nil
	default:
		return nil, false, errors.WithStack(err)
	}
}

func (l *Layout) create(file *os.File) error {
	s := l.sz
	if err := unix.Fallocate(int(file.Fd()), 0, 0, int64(s.fileSize)); err != nil {
		return errors.Wrapf(err, "fallocate('%s', %d) failed", l.path, s.fileSize)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(s.fileSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "mmap('%s') failed", l.path)
	}
	l.file = file
	l.data = data

	hdr := photon.FromBytes[baseHeader](data)
	*hdr = baseHeader{
		Signature:     types.BaseMappedSignature,
		SchemaSum:     l.fp,
		Capacity:      l.cfg.Capacity,
		NCols:         uint32(len(l.cfg.Schema.Columns)),
		PrimaryKey:    int32(l.cfg.PrimaryKey),
		MainLength:    s.mainLength,
		SysAttrOffset: s.sysAttrOff,
		RowMapOffset:  s.rowMapOff,
		HashOffset:    s.hashOff,
		ExtraOffset:   s.extraOff,
		ExtraLength:   s.extraLength,
		ExtraUsed:     extraReserved,
	}
	copy(hdr.TableName[:], l.cfg.TableName)

	metas := photon.SliceFromPointer[colMeta](
		unsafe.Add(unsafe.Pointer(hdr), baseHeaderSize), len(l.cfg.Schema.Columns))
	for i, c := range l.cfg.Schema.Columns {
		m := &metas[i]
		*m = colMeta{
			Kind:          uint8(c.Kind),
			Size:          c.Size,
			NullmapOffset: s.nullmapOff[i],
			ValuesOffset:  s.valuesOff[i],
		}
		if c.Nullable {
			m.Nullable = 1
		}
		copy(m.Name[:], c.Name)
	}

	rmh := photon.FromBytes[rowMapHeader](data[s.rowMapOff:])
	*rmh = rowMapHeader{
		Signature: types.RowMapSignature,
		Length:    s.rowMapLength,
		NRooms:    l.cfg.Capacity,
	}

	if l.cfg.PrimaryKey >= 0 {
		hashindex.Init(data[s.hashOff:s.hashOff+s.hashLength], l.cfg.Capacity, s.numHashSlots)
	}

	l.installViews()
	l.clean = true
	return l.Flush()
}

func (l *Layout) openExisting() (bool, error) {
	file, err := os.OpenFile(l.path, os.O_RDWR, 0o600)
	if err != nil {
		return false, errors.WithStack(err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return false, errors.WithStack(err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return false, errors.Wrapf(err, "mmap('%s') failed", l.path)
	}
	l.file = file
	l.data = data

	clean, err := l.validate(uint64(info.Size()))
	if err != nil {
		_ = unix.Munmap(data)
		_ = file.Close()
		l.data = nil
		l.file = nil
		return false, err
	}

	l.installViews()
	l.clean = clean
	// While mapped, the file carries the mapped signature so a crash leaves
	// evidence behind.
	l.hdr.Signature = types.BaseMappedSignature
	return clean, l.flushHeader()
}

// MarkRecovered declares that replay brought the rows back in sync, so a
// clean close may restore the base signature.
func (l *Layout) MarkRecovered() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clean = true
}

// validate re-derives every section size from the declared schema and
// compares it field by field against the stored header. Any disagreement is
// a fatal schema incompatibility.
func (l *Layout) validate(fileSize uint64) (bool, error) {
	if fileSize < baseHeaderSize {
		return false, errors.Errorf("base file '%s' is too small", l.path)
	}
	hdr := photon.FromBytes[baseHeader](l.data)

	var clean bool
	switch hdr.Signature {
	case types.BaseSignature:
		clean = true
	case types.BaseMappedSignature:
		clean = false
	default:
		return false, errors.Errorf("base file '%s' has wrong signature", l.path)
	}

	s := l.sz
	if hdr.Capacity != l.cfg.Capacity ||
		hdr.NCols != uint32(len(l.cfg.Schema.Columns)) ||
		hdr.PrimaryKey != int32(l.cfg.PrimaryKey) ||
		hdr.SchemaSum != l.fp ||
		hdr.MainLength != s.mainLength ||
		hdr.SysAttrOffset != s.sysAttrOff ||
		hdr.RowMapOffset != s.rowMapOff ||
		hdr.HashOffset != s.hashOff ||
		hdr.ExtraOffset != s.extraOff {
		return false, errors.Errorf("base file '%s' has incompatible schema definition", l.path)
	}
	if s.mainLength > fileSize {
		return false, errors.Errorf("base file '%s' is smaller than its schema requires", l.path)
	}

	metas := photon.SliceFromPointer[colMeta](
		unsafe.Add(unsafe.Pointer(hdr), baseHeaderSize), len(l.cfg.Schema.Columns))
	for i, c := range l.cfg.Schema.Columns {
		m := &metas[i]
		nullable := m.Nullable != 0
		if m.Kind != uint8(c.Kind) || m.Size != c.Size || nullable != c.Nullable ||
			m.NullmapOffset != s.nullmapOff[i] || m.ValuesOffset != s.valuesOff[i] {
			return false, errors.Errorf("base file '%s' column %q is incompatible", l.path, c.Name)
		}
	}

	if s.rowMapOff+s.rowMapLength > fileSize {
		return false, errors.Errorf("base file '%s' is smaller than its row map requires", l.path)
	}
	rmh := photon.FromBytes[rowMapHeader](l.data[s.rowMapOff:])
	if rmh.Signature != types.RowMapSignature || rmh.Length != s.rowMapLength ||
		rmh.NRooms != l.cfg.Capacity {
		return false, errors.Errorf("base file '%s' has corrupted row map", l.path)
	}

	if l.cfg.PrimaryKey >= 0 {
		if s.hashOff+s.hashLength > fileSize {
			return false, errors.Errorf("base file '%s' is smaller than its hash index requires", l.path)
		}
		if err := hashindex.Validate(l.data[s.hashOff:s.hashOff+s.hashLength],
			l.cfg.Capacity, s.numHashSlots); err != nil {
			return false, errors.Wrapf(err, "base file '%s'", l.path)
		}
	}

	if l.cfg.Schema.HasVarlena() {
		if hdr.ExtraLength == 0 || hdr.ExtraOffset+hdr.ExtraLength > fileSize {
			return false, errors.Errorf("base file '%s' has no room for its extra region", l.path)
		}
		if hdr.ExtraUsed < extraReserved || hdr.ExtraUsed > hdr.ExtraLength {
			return false, errors.Errorf("base file '%s' has corrupted extra usage", l.path)
		}
	} else if hdr.ExtraOffset != 0 || hdr.ExtraLength != 0 {
		return false, errors.Errorf("base file '%s' has an extra region but the schema declares no varlena columns", l.path)
	}

	return clean, nil
}

func (l *Layout) installViews() {
	l.hdr = photon.FromBytes[baseHeader](l.data)
	l.metas = photon.SliceFromPointer[colMeta](
		unsafe.Add(unsafe.Pointer(l.hdr), baseHeaderSize), int(l.hdr.NCols))
	l.codecs = makeCodecs(l.cfg.Schema, l.metas)
	l.revision++
}

// Revision identifies the current mapping. It changes whenever the region is
// remapped (extra growth); cached views derived from older revisions must be
// re-fetched.
func (l *Layout) Revision() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.revision
}

// GrowExtra remaps the base file with at least min additional bytes of extra
// space. All cached section views become stale.
func (l *Layout) GrowExtra(min uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hdr.ExtraOffset == 0 {
		return errors.New("store has no extra region to grow")
	}

	grow := pageAlign(min)
	const growChunk = 16 << 20
	if grow < growChunk {
		grow = growChunk
	}
	newSize := uint64(len(l.data)) + grow

	if err := unix.Munmap(l.data); err != nil {
		return errors.WithStack(err)
	}
	l.data = nil
	l.hdr = nil
	l.metas = nil
	l.codecs = nil

	if err := unix.Fallocate(int(l.file.Fd()), 0, 0, int64(newSize)); err != nil {
		return errors.Wrapf(err, "fallocate('%s', %d) failed", l.path, newSize)
	}
	data, err := unix.Mmap(int(l.file.Fd()), 0, int(newSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "mmap('%s') failed", l.path)
	}
	l.data = data
	l.installViews()
	l.hdr.ExtraLength = newSize - l.hdr.ExtraOffset
	return nil
}

// Capacity returns the number of row slots.
func (l *Layout) Capacity() uint32 {
	return l.cfg.Capacity
}

// Schema returns the declared schema.
func (l *Layout) Schema() schema.Schema {
	return l.cfg.Schema
}

// PrimaryKey returns the primary-key column index, -1 when none.
func (l *Layout) PrimaryKey() int {
	return l.cfg.PrimaryKey
}

// NItems returns the row high-water mark: no row at or above it was ever
// inserted.
func (l *Layout) NItems() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return atomic.LoadUint32(&l.hdr.NItems)
}

// BumpNItems raises the high-water mark to cover row.
func (l *Layout) BumpNItems(row types.RowID) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	atomicMaxUint32(&l.hdr.NItems, uint32(row)+1)
}

// RowMapWords returns the allocator bitmap words. The view is bound to the
// current revision.
func (l *Layout) RowMapWords() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	off := l.hdr.RowMapOffset + rowMapHeaderSize
	return photon.SliceFromPointer[uint64](
		unsafe.Pointer(&l.data[off]), int(rowid.WordCount(l.cfg.Capacity)))
}

// MainBytes returns the schema section including per-row system attributes.
func (l *Layout) MainBytes() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.data[:l.hdr.MainLength]
}

// ExtraBytes returns the variable-length region, empty when the schema has no
// varlena columns.
func (l *Layout) ExtraBytes() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.hdr.ExtraOffset == 0 {
		return nil
	}
	return l.data[l.hdr.ExtraOffset : l.hdr.ExtraOffset+l.hdr.ExtraLength]
}

// ExtraUsed returns the allocation cursor of the extra region.
func (l *Layout) ExtraUsed() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return atomic.LoadUint64(&l.hdr.ExtraUsed)
}

// HashBytes returns the hash-index section, nil when the store declares no
// primary key.
func (l *Layout) HashBytes() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.hdr.HashOffset == 0 {
		return nil
	}
	return l.data[l.hdr.HashOffset : l.hdr.HashOffset+l.sz.hashLength]
}

// NumHashSlots returns the bucket count of the hash index, 0 when none.
func (l *Layout) NumHashSlots() uint32 {
	return l.sz.numHashSlots
}

// Flush persists the whole mapped region.
func (l *Layout) Flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return errors.WithStack(unix.Msync(l.data, unix.MS_SYNC))
}

func (l *Layout) flushHeader() error {
	return errors.WithStack(unix.Msync(l.data[:pageSize], unix.MS_SYNC))
}

// Close restores the clean signature, persists and unmaps the file. A file
// opened torn keeps its mapped signature until MarkRecovered, so an open
// failing halfway through recovery does not mask the pending replay.
func (l *Layout) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.data == nil {
		return nil
	}
	if l.clean {
		l.hdr.Signature = types.BaseSignature
	}
	if err := unix.Msync(l.data, unix.MS_SYNC); err != nil {
		return errors.WithStack(err)
	}
	if err := unix.Munmap(l.data); err != nil {
		return errors.WithStack(err)
	}
	l.data = nil
	l.hdr = nil
	l.metas = nil
	l.codecs = nil
	return errors.WithStack(l.file.Close())
}
