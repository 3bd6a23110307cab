package gstore

import (
	"sync/atomic"

	"github.com/gstoredb/gstore/mvcc"
	"github.com/gstoredb/gstore/types"
)

// Cursor iterates the rows visible to a snapshot in ascending slot order.
// Next may be called from multiple goroutines sharing one cursor; each row is
// delivered exactly once.
type Cursor struct {
	store *Store
	snap  mvcc.Snapshot
	pos   uint32
	limit uint32
}

// NewScan starts a scan under the given snapshot. Rows inserted after the
// scan started are skipped by visibility, not by the cursor bound.
func (s *Store) NewScan(snap mvcc.Snapshot) *Cursor {
	return &Cursor{
		store: s,
		snap:  snap,
		limit: s.layout.NItems(),
	}
}

// Next returns the next visible row. The third result is false when the scan
// is exhausted.
func (c *Cursor) Next() (types.RowID, []types.Value, bool, error) {
	for {
		r := atomic.AddUint32(&c.pos, 1) - 1
		if r >= c.limit {
			return 0, nil, false, nil
		}
		row := types.RowID(r)

		c.store.remapMu.RLock()
		if !c.store.rowMap.Allocated(row) {
			c.store.remapMu.RUnlock()
			continue
		}
		lock := c.store.lockRow(row)
		lock.Lock()
		visible := mvcc.ReadVisible(c.store.layout.SysAttr(row), c.snap, c.store.cfg.TxStatus)
		lock.Unlock()
		if !visible {
			c.store.remapMu.RUnlock()
			continue
		}
		values, err := c.store.fetchRow(row)
		c.store.remapMu.RUnlock()
		if err != nil {
			return 0, nil, false, err
		}
		return row, values, true, nil
	}
}

// Rescan resets the cursor to the beginning and refreshes the row bound. It
// must not run concurrently with Next.
func (c *Cursor) Rescan() {
	atomic.StoreUint32(&c.pos, 0)
	c.limit = c.store.layout.NItems()
}
