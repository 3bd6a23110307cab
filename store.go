package gstore

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"

	"github.com/gstoredb/gstore/gpu"
	"github.com/gstoredb/gstore/hashindex"
	"github.com/gstoredb/gstore/layout"
	"github.com/gstoredb/gstore/mvcc"
	"github.com/gstoredb/gstore/redo"
	"github.com/gstoredb/gstore/rowid"
	"github.com/gstoredb/gstore/schema"
	"github.com/gstoredb/gstore/types"
)

// numRowLocks stripes per-row exclusion across all operations touching row
// state.
const numRowLocks = 4000

// checkpointInterval paces the background flush of the base file; every
// checkpoint lets future replays skip the log written before it.
const checkpointInterval = time.Minute

// Sentinel errors reported to callers.
var (
	// ErrCapacityExhausted means no free row slot exists. Reclaim may free
	// some.
	ErrCapacityExhausted = errors.New("store capacity exhausted")

	// ErrKeyNotFound means no visible row carries the requested primary key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrRowModified means the target row was deleted or superseded by
	// another transaction.
	ErrRowModified = errors.New("row modified by a concurrent transaction")

	// ErrNoPrimaryKey means a key operation was issued against a store
	// declared without a primary key.
	ErrNoPrimaryKey = errors.New("store has no primary key")
)

// Config describes a store.
type Config struct {
	// Path of the base file.
	Path string

	// RedoPath of the REDO log, Path + ".redo" when empty.
	RedoPath string

	// TableName recorded in the base file header.
	TableName string

	// Capacity is the fixed number of row slots.
	Capacity uint32

	// Schema of the user columns.
	Schema schema.Schema

	// PrimaryKey names the indexed column, empty for none.
	PrimaryKey string

	// NumHashSlots overrides the hash bucket count, 0 for the default.
	NumHashSlots uint32

	// RedoLimit bounds the log size, 0 for the default.
	RedoLimit uint64

	// TxStatus resolves transaction outcomes. Required.
	TxStatus types.StatusFn

	// Device mirrors the store into device memory when set.
	Device gpu.Device

	// UpdateInterval and UpdateThreshold pace the device synchronization.
	UpdateInterval  time.Duration
	UpdateThreshold uint32
}

// Store is a persistent, memory-mapped columnar row store with MVCC
// visibility, an append-only REDO log and an optional device mirror.
type Store struct {
	cfg      Config
	pkCol    int
	layout   *layout.Layout
	log      *redo.Log
	mirror   *gpu.Mirror
	rowLocks [numRowLocks]sync.Mutex

	// remapMu serializes extra-region growth against everything else; all
	// operations hold it shared, growth holds it exclusively and rebinds the
	// views below.
	remapMu sync.RWMutex
	rowMap  *rowid.Map
	index   *hashindex.Index
}

// Open maps the base file and the REDO log, replaying the log first when the
// base file was not closed cleanly.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.TxStatus == nil {
		return nil, errors.New("transaction status resolver is required")
	}
	if cfg.RedoPath == "" {
		cfg.RedoPath = cfg.Path + ".redo"
	}

	pkCol := -1
	if cfg.PrimaryKey != "" {
		for i, c := range cfg.Schema.Columns {
			if c.Name == cfg.PrimaryKey {
				pkCol = i
				break
			}
		}
		if pkCol < 0 {
			return nil, errors.Errorf("primary key column %q not in schema", cfg.PrimaryKey)
		}
		if cfg.Schema.Columns[pkCol].Nullable {
			return nil, errors.Errorf("primary key column %q must not be nullable", cfg.PrimaryKey)
		}
	}

	l, clean, err := layout.Open(layout.Config{
		Path:         cfg.Path,
		TableName:    cfg.TableName,
		Capacity:     cfg.Capacity,
		Schema:       cfg.Schema,
		PrimaryKey:   pkCol,
		NumHashSlots: cfg.NumHashSlots,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:    cfg,
		pkCol:  pkCol,
		layout: l,
	}

	log, err := redo.Open(ctx, redo.Config{
		Path:  cfg.RedoPath,
		Limit: cfg.RedoLimit,
		// Entries of the retiring log must be durable in the base file
		// before the fresh log replaces it.
		BeforeRotate: l.Flush,
	})
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	s.log = log

	if !clean {
		logger.Get(ctx).Info("Base file was not closed cleanly, replaying redo log",
			zap.String("path", cfg.Path))
		if err := s.replay(ctx); err != nil {
			_ = log.Close()
			_ = l.Close()
			return nil, err
		}
	}

	if err := s.rebindViews(); err != nil {
		_ = log.Close()
		_ = l.Close()
		return nil, err
	}

	if !clean {
		s.rowMap.Rebuild(func(row types.RowID) bool {
			return s.layout.SysAttr(row).Xmin != types.InvalidTxID
		})
		if s.index != nil {
			s.index.Rebuild(s.rebuildKey)
		}
		if err := l.Flush(); err != nil {
			_ = log.Close()
			_ = l.Close()
			return nil, err
		}
		if err := log.Checkpoint(log.Position()); err != nil {
			_ = log.Close()
			_ = l.Close()
			return nil, err
		}
		l.MarkRecovered()
	}

	if cfg.Device != nil {
		s.mirror = gpu.New(gpu.Config{
			Device:          cfg.Device,
			Source:          (*mirrorSource)(s),
			UpdateInterval:  cfg.UpdateInterval,
			UpdateThreshold: cfg.UpdateThreshold,
		})
	}

	logger.Get(ctx).Info("Store opened", zap.String("path", cfg.Path),
		zap.Uint32("capacity", cfg.Capacity), zap.Uint32("rows", l.NItems()))
	return s, nil
}

// Run drives the background work: the device synchronizer and the periodic
// checkpoint. It blocks until ctx is canceled.
func (s *Store) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		if s.mirror != nil {
			spawn("deviceSync", parallel.Fail, s.mirror.Run)
		}
		spawn("checkpoint", parallel.Fail, s.checkpointLoop)
		return nil
	})
}

func (s *Store) checkpointLoop(ctx context.Context) error {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
			if err := s.Checkpoint(); err != nil {
				logger.Get(ctx).Error("Checkpoint failed", zap.Error(err))
			}
		}
	}
}

// Checkpoint flushes the base file and records the log position replays may
// start from. The position is captured and the base flushed under the
// exclusive lock, so no writer is between its append and its row mutation at
// that moment; every entry before the position is therefore in the flush.
func (s *Store) Checkpoint() error {
	if err := s.log.Sync(); err != nil {
		return err
	}
	s.remapMu.Lock()
	pos := s.log.Position()
	err := s.layout.Flush()
	s.remapMu.Unlock()
	if err != nil {
		return err
	}
	return s.log.Checkpoint(pos)
}

func (s *Store) rebindViews() error {
	rowMap, err := rowid.New(s.layout.RowMapWords(), s.layout.Capacity())
	if err != nil {
		return err
	}
	s.rowMap = rowMap
	if s.pkCol >= 0 {
		index, err := hashindex.New(s.layout.HashBytes(), s.layout.Capacity(), s.layout.NumHashSlots())
		if err != nil {
			return err
		}
		s.index = index
	}
	return nil
}

// rebuildKey feeds the index rebuild: the primary key bytes of allocated
// rows, nil for empty slots.
func (s *Store) rebuildKey(row types.RowID) []byte {
	if s.layout.SysAttr(row).Xmin == types.InvalidTxID {
		return nil
	}
	v, err := s.layout.Fetch(row, s.pkCol)
	if err != nil || v.Null {
		return nil
	}
	return v.Data
}

func (s *Store) lockRow(row types.RowID) *sync.Mutex {
	return &s.rowLocks[uint32(row)%numRowLocks]
}

// lockRows takes both row locks in stripe order so concurrent updates never
// deadlock.
func (s *Store) lockRows(a, b types.RowID) func() {
	la, lb := s.lockRow(a), s.lockRow(b)
	if la == lb {
		la.Lock()
		return la.Unlock
	}
	if uint32(a)%numRowLocks > uint32(b)%numRowLocks {
		la, lb = lb, la
	}
	la.Lock()
	lb.Lock()
	return func() {
		lb.Unlock()
		la.Unlock()
	}
}

// growExtra expands the extra region and rebinds every view that pointed
// into the old mapping.
func (s *Store) growExtra() error {
	s.remapMu.Lock()
	defer s.remapMu.Unlock()

	if err := s.layout.GrowExtra(1); err != nil {
		return err
	}
	if err := s.rebindViews(); err != nil {
		return err
	}
	if s.mirror != nil {
		s.mirror.RequestLoad()
	}
	return nil
}

// retryExtra reruns op after growing the extra region whenever op runs out
// of it.
func (s *Store) retryExtra(op func() error) error {
	for {
		err := op()
		if !errors.Is(err, layout.ErrExtraExhausted) {
			return err
		}
		if err := s.growExtra(); err != nil {
			return err
		}
	}
}

// Insert writes a new row on behalf of transaction xid and returns its slot.
func (s *Store) Insert(xid types.TxID, cid types.CommandID, values []types.Value) (types.RowID, error) {
	if len(values) != len(s.cfg.Schema.Columns) {
		return 0, errors.Errorf("expected %d values, got %d", len(s.cfg.Schema.Columns), len(values))
	}
	if s.pkCol >= 0 && values[s.pkCol].Null {
		return 0, errors.New("primary key must not be null")
	}

	var row types.RowID
	err := s.retryExtra(func() error {
		var err error
		row, err = s.insertOnce(xid, cid, values)
		return err
	})
	if err != nil {
		return 0, err
	}
	if s.mirror != nil {
		s.mirror.RecordChange(1)
	}
	return row, nil
}

func (s *Store) insertOnce(xid types.TxID, cid types.CommandID, values []types.Value) (types.RowID, error) {
	s.remapMu.RLock()
	defer s.remapMu.RUnlock()

	var row types.RowID
	var lock *sync.Mutex
	for min := types.RowID(0); ; {
		var ok bool
		row, ok = s.rowMap.Allocate(min)
		if !ok {
			return 0, errors.WithStack(ErrCapacityExhausted)
		}
		lock = s.lockRow(row)
		lock.Lock()
		// Reclaim clears released slots, so this holds unless the slot still
		// carries a version some snapshot needs; such a slot is skipped.
		if mvcc.WriteVisible(s.layout.SysAttr(row), xid, types.FirstNormalTxID, s.cfg.TxStatus) {
			break
		}
		lock.Unlock()
		s.rowMap.Release(row)
		min = row + 1
	}
	defer lock.Unlock()

	// Column bytes land first; without a sysattr the slot stays invisible,
	// so running out of extra space here retries without a trace in the log.
	for i, v := range values {
		if err := s.layout.Store(row, i, v); err != nil {
			s.rowMap.Release(row)
			return 0, err
		}
	}

	// The entry is logged before any visible change; a full log surfaces
	// here and leaves nothing to roll back beyond the slot.
	if _, err := s.log.Append(redo.Entry{
		Type:   redo.EntryInsert,
		Xid:    xid,
		Cid:    cid,
		Row:    row,
		Values: values,
	}); err != nil {
		s.rowMap.Release(row)
		return 0, err
	}

	*s.layout.SysAttr(row) = types.SysAttr{Xmin: xid, Xmax: types.InvalidTxID, Cid: cid}
	s.layout.BumpNItems(row)

	if s.index != nil {
		if err := s.index.Insert(values[s.pkCol].Data, row); err != nil {
			*s.layout.SysAttr(row) = types.SysAttr{}
			s.rowMap.Release(row)
			return 0, err
		}
	}
	return row, nil
}

// Update supersedes row with a new version holding the changed values.
// changed flags one entry per column; values carries the new values of the
// flagged columns in schema order. The new slot is returned; readers with
// older snapshots keep seeing the old one.
func (s *Store) Update(xid types.TxID, cid types.CommandID, row types.RowID,
	changed []bool, values []types.Value) (types.RowID, error) {
	if len(changed) != len(s.cfg.Schema.Columns) {
		return 0, errors.Errorf("expected %d change flags, got %d", len(s.cfg.Schema.Columns), len(changed))
	}
	count := 0
	for _, c := range changed {
		if c {
			count++
		}
	}
	if count != len(values) {
		return 0, errors.Errorf("expected %d changed values, got %d", count, len(values))
	}

	var newRow types.RowID
	err := s.retryExtra(func() error {
		var err error
		newRow, err = s.updateOnce(xid, cid, row, changed, values)
		return err
	})
	if err != nil {
		return 0, err
	}
	if s.mirror != nil {
		s.mirror.RecordChange(2)
	}
	return newRow, nil
}

func (s *Store) updateOnce(xid types.TxID, cid types.CommandID, oldRow types.RowID,
	changed []bool, values []types.Value) (types.RowID, error) {
	s.remapMu.RLock()
	defer s.remapMu.RUnlock()

	if !s.rowMap.Allocated(oldRow) {
		return 0, errors.WithStack(ErrRowModified)
	}

	newRow, ok := s.rowMap.Allocate(0)
	if !ok {
		return 0, errors.WithStack(ErrCapacityExhausted)
	}

	unlock := s.lockRows(oldRow, newRow)
	defer unlock()

	oldAttr := s.layout.SysAttr(oldRow)
	if oldAttr.Xmin == types.InvalidTxID || oldAttr.Xmax != types.InvalidTxID {
		s.rowMap.Release(newRow)
		return 0, errors.WithStack(ErrRowModified)
	}

	vi := 0
	var pkValue types.Value
	for i := range s.cfg.Schema.Columns {
		var v types.Value
		if changed[i] {
			v = values[vi]
			vi++
		} else {
			var err error
			v, err = s.layout.Fetch(oldRow, i)
			if err != nil {
				s.rowMap.Release(newRow)
				return 0, err
			}
		}
		if i == s.pkCol {
			if v.Null {
				s.rowMap.Release(newRow)
				return 0, errors.New("primary key must not be null")
			}
			pkValue = v
		}
		if err := s.layout.Store(newRow, i, v); err != nil {
			s.rowMap.Release(newRow)
			return 0, err
		}
	}

	// Same ordering as insert: the entry is logged before either version
	// changes visibly.
	if _, err := s.log.Append(redo.Entry{
		Type:    redo.EntryUpdate,
		Xid:     xid,
		Cid:     cid,
		Row:     newRow,
		OldRow:  oldRow,
		Changed: changed,
		Values:  values,
	}); err != nil {
		s.rowMap.Release(newRow)
		return 0, err
	}

	prevCid := oldAttr.Cid
	*s.layout.SysAttr(newRow) = types.SysAttr{Xmin: xid, Xmax: types.InvalidTxID, Cid: cid}
	oldAttr.Xmax = xid
	oldAttr.Cid = cid
	s.layout.BumpNItems(newRow)

	// The old version stays indexed; visibility filtering hides it from new
	// snapshots and Reclaim unlinks it once nobody can see it.
	if s.index != nil {
		if err := s.index.Insert(pkValue.Data, newRow); err != nil {
			oldAttr.Xmax = types.InvalidTxID
			oldAttr.Cid = prevCid
			*s.layout.SysAttr(newRow) = types.SysAttr{}
			s.rowMap.Release(newRow)
			return 0, err
		}
	}
	return newRow, nil
}

// Delete marks the row deleted by transaction xid. The slot is reclaimed
// later, once no snapshot can see it.
func (s *Store) Delete(xid types.TxID, cid types.CommandID, row types.RowID) error {
	s.remapMu.RLock()
	defer s.remapMu.RUnlock()

	if !s.rowMap.Allocated(row) {
		return errors.WithStack(ErrRowModified)
	}

	lock := s.lockRow(row)
	lock.Lock()
	defer lock.Unlock()

	attr := s.layout.SysAttr(row)
	if attr.Xmin == types.InvalidTxID || attr.Xmax != types.InvalidTxID {
		return errors.WithStack(ErrRowModified)
	}

	// The entry is logged before the row changes visibly.
	if _, err := s.log.Append(redo.Entry{
		Type: redo.EntryDelete,
		Xid:  xid,
		Cid:  cid,
		Row:  row,
	}); err != nil {
		return err
	}
	attr.Xmax = xid
	attr.Cid = cid
	if s.mirror != nil {
		s.mirror.RecordChange(1)
	}
	return nil
}

// Commit records the commit of xid in the log and makes everything appended
// so far durable. Visibility flips through the status resolver, not here.
func (s *Store) Commit(xid types.TxID) error {
	if _, err := s.log.Append(redo.Entry{
		Type: redo.EntryCommit,
		Xid:  xid,
	}); err != nil {
		return err
	}
	return s.log.Sync()
}

// LookupByKey returns the slot and values of the visible row carrying the
// key.
func (s *Store) LookupByKey(key []byte, snap mvcc.Snapshot) (types.RowID, []types.Value, error) {
	s.remapMu.RLock()
	defer s.remapMu.RUnlock()

	if s.index == nil {
		return 0, nil, errors.WithStack(ErrNoPrimaryKey)
	}

	var (
		found    bool
		foundRow types.RowID
	)
	err := s.index.Walk(key, func(row types.RowID) bool {
		lock := s.lockRow(row)
		lock.Lock()
		visible := mvcc.ReadVisible(s.layout.SysAttr(row), snap, s.cfg.TxStatus)
		lock.Unlock()
		if !visible {
			return true
		}
		v, err := s.layout.Fetch(row, s.pkCol)
		if err != nil || v.Null || !bytes.Equal(v.Data, key) {
			return true
		}
		found = true
		foundRow = row
		return false
	})
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return 0, nil, errors.WithStack(ErrKeyNotFound)
	}

	values, err := s.fetchRow(foundRow)
	if err != nil {
		return 0, nil, err
	}
	return foundRow, values, nil
}

func (s *Store) fetchRow(row types.RowID) ([]types.Value, error) {
	values := make([]types.Value, len(s.cfg.Schema.Columns))
	for i := range values {
		v, err := s.layout.Fetch(row, i)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// Reclaim releases slots of rows no snapshot can see anymore: committed
// deletes older than oldestXmin and leftovers of aborted transactions. It
// returns the number of slots freed.
func (s *Store) Reclaim(ctx context.Context, oldestXmin types.TxID) (int, error) {
	s.remapMu.RLock()
	defer s.remapMu.RUnlock()

	reclaimed := 0
	nitems := s.layout.NItems()
	for r := uint32(0); r < nitems; r++ {
		row := types.RowID(r)
		if !s.rowMap.Allocated(row) {
			continue
		}

		lock := s.lockRow(row)
		lock.Lock()
		attr := s.layout.SysAttr(row)
		dead := mvcc.WriteVisible(attr, types.InvalidTxID, oldestXmin, s.cfg.TxStatus)
		if !dead {
			lock.Unlock()
			continue
		}

		if s.index != nil && attr.Xmin != types.InvalidTxID {
			if v, err := s.layout.Fetch(row, s.pkCol); err == nil && !v.Null {
				if err := s.index.Remove(v.Data, row); err != nil {
					logger.Get(ctx).Warn("Reclaimed row was not chained in the hash index",
						zap.Uint32("row", uint32(row)), zap.Error(err))
				}
			}
		}
		*attr = types.SysAttr{}
		s.rowMap.Release(row)
		lock.Unlock()
		reclaimed++
	}

	if reclaimed > 0 && s.mirror != nil {
		s.mirror.RequestLoad()
	}
	return reclaimed, nil
}

// replay re-applies the REDO log to the base file after an unclean shutdown.
// It runs before any view is built; the row map and hash index are rebuilt
// from the replayed row data afterwards.
func (s *Store) replay(ctx context.Context) error {
	return s.log.Replay(ctx, func(e redo.Entry) error {
		switch e.Type {
		case redo.EntryInsert:
			for i, v := range e.Values {
				if err := s.replayStore(e.Row, i, v); err != nil {
					return err
				}
			}
			*s.layout.SysAttr(e.Row) = types.SysAttr{Xmin: e.Xid, Xmax: types.InvalidTxID, Cid: e.Cid}
			s.layout.BumpNItems(e.Row)

		case redo.EntryUpdate:
			vi := 0
			for i := range s.cfg.Schema.Columns {
				var v types.Value
				if i < len(e.Changed) && e.Changed[i] {
					v = e.Values[vi]
					vi++
				} else {
					var err error
					v, err = s.layout.Fetch(e.OldRow, i)
					if err != nil {
						return err
					}
				}
				if err := s.replayStore(e.Row, i, v); err != nil {
					return err
				}
			}
			*s.layout.SysAttr(e.Row) = types.SysAttr{Xmin: e.Xid, Xmax: types.InvalidTxID, Cid: e.Cid}
			old := s.layout.SysAttr(e.OldRow)
			old.Xmax = e.Xid
			old.Cid = e.Cid
			s.layout.BumpNItems(e.Row)

		case redo.EntryDelete:
			attr := s.layout.SysAttr(e.Row)
			attr.Xmax = e.Xid
			attr.Cid = e.Cid

		case redo.EntryCommit:
		}
		return nil
	})
}

func (s *Store) replayStore(row types.RowID, col int, v types.Value) error {
	for {
		err := s.layout.Store(row, col, v)
		if !errors.Is(err, layout.ErrExtraExhausted) {
			return err
		}
		if err := s.layout.GrowExtra(1); err != nil {
			return err
		}
	}
}

// DeviceStatus reports the state of the device mirror.
func (s *Store) DeviceStatus() gpu.Status {
	if s.mirror == nil {
		return gpu.StatusNotReady
	}
	return s.mirror.Status()
}

// DeviceHandle returns the shareable identity of the device buffer.
func (s *Store) DeviceHandle() (gpu.Handle, error) {
	if s.mirror == nil {
		return gpu.Handle{}, errors.New("store has no device mirror")
	}
	return s.mirror.Handle()
}

// Path returns the base file path.
func (s *Store) Path() string {
	return s.cfg.Path
}

// NItems returns the row high-water mark.
func (s *Store) NItems() uint32 {
	return s.layout.NItems()
}

// Close checkpoints and unmaps the store. The base file gets its clean
// signature back, so the next open skips replay.
func (s *Store) Close() error {
	if err := s.Checkpoint(); err != nil {
		return err
	}
	if err := s.log.Close(); err != nil {
		return err
	}
	return s.layout.Close()
}

// mirrorSource adapts the store to the synchronizer without widening the
// public API.
type mirrorSource Store

func (m *mirrorSource) MainBytes() []byte  { return m.layout.MainBytes() }
func (m *mirrorSource) ExtraBytes() []byte { return m.layout.ExtraBytes() }
func (m *mirrorSource) ExtraUsed() uint64  { return m.layout.ExtraUsed() }
func (m *mirrorSource) Revision() uint64   { return m.layout.Revision() }
func (m *mirrorSource) Generation() uint64 { return m.log.Generation() }

func (m *mirrorSource) LogPosition() types.LogPosition {
	return m.log.Position()
}

func (m *mirrorSource) Tail(from types.LogPosition, fn func(redo.Entry) error) (types.LogPosition, error) {
	return m.log.Tail(from, fn)
}

func (m *mirrorSource) RowRegions(row types.RowID) []gpu.Region {
	regions := m.layout.RowRegions(row)
	out := make([]gpu.Region, len(regions))
	for i, r := range regions {
		out[i] = gpu.Region{Offset: r.Offset, Length: r.Length}
	}
	return out
}
