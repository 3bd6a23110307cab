package mvcc

import (
	"github.com/gstoredb/gstore/types"
)

// Snapshot identifies the reading transaction. Commit state of other
// transactions is resolved through the StatusFn supplied by the host.
type Snapshot struct {
	XID types.TxID
	CID types.CommandID
}

// resolve maps the sentinel-free TxID t to a status. t must be a normal id.
func resolve(t types.TxID, self types.TxID, status types.StatusFn) types.TxStatus {
	if t == self {
		return types.TxInProgress
	}
	return status(t)
}

// ReadVisible decides whether the row described by attr is visible to the
// snapshot. The caller holds the row lock. Resolved commit states are cached
// in place: a committed xmin/xmax becomes Frozen, an aborted one becomes
// Invalid. Concurrent writers of those caches converge on the same value, so
// the mutation is benign; the identity of xmin/xmax is never changed here.
func ReadVisible(attr *types.SysAttr, snap Snapshot, status types.StatusFn) bool {
	if attr.Xmin == types.InvalidTxID {
		return false
	}
	if attr.Xmin != types.FrozenTxID {
		switch {
		case attr.Xmin == snap.XID:
			if attr.Cid >= snap.CID {
				return false // inserted after the scan started
			}
			if attr.Xmax == types.InvalidTxID {
				return true // not deleted yet
			}
			if attr.Xmax == types.FrozenTxID {
				return false // deleted, and committed
			}
			if attr.Xmax != snap.XID {
				return true // deleted by others, but not committed
			}
		case status(attr.Xmin) == types.TxCommitted:
			attr.Xmin = types.FrozenTxID
		case status(attr.Xmin) == types.TxInProgress:
			return false // inserted by another session, not committed
		default:
			// Aborted or crashed.
			attr.Xmin = types.InvalidTxID
			return false
		}
	}

	// By here the inserting transaction has committed.
	if attr.Xmax == types.InvalidTxID {
		return true
	}
	if attr.Xmax != types.FrozenTxID {
		switch {
		case attr.Xmax == snap.XID:
			// Self-delete hides the row only for commands after it happened.
			return attr.Cid >= snap.CID
		case status(attr.Xmax) == types.TxInProgress:
			return true // removed by a transaction still in progress
		case status(attr.Xmax) == types.TxCommitted:
			attr.Xmax = types.FrozenTxID
		default:
			attr.Xmax = types.InvalidTxID
			return true
		}
	}
	// Deleted, and the deleting transaction committed.
	return false
}

// WriteVisible decides whether the row slot may be reused by a writer: true
// means no active or future snapshot can see it. self is the writing
// transaction, oldestXmin the oldest transaction id any active reader could
// still need. The caller holds the row lock. Mirrors tuple-vacuum logic.
func WriteVisible(attr *types.SysAttr, self types.TxID, oldestXmin types.TxID, status types.StatusFn) bool {
	if attr.Xmin != types.FrozenTxID {
		switch {
		case attr.Xmin == types.InvalidTxID:
			return true // nobody ever wrote the slot
		case attr.Xmin == self:
			return false // inserted by ourselves
		case status(attr.Xmin) == types.TxInProgress:
			return false // insert in progress
		case status(attr.Xmin) == types.TxCommitted:
			attr.Xmin = types.FrozenTxID
		default:
			// Aborted or crashed insert; the slot holds garbage only.
			attr.Xmin = types.InvalidTxID
			return true
		}
	}

	// The insert is committed.
	if attr.Xmax == types.InvalidTxID {
		return false // row still lives
	}
	if attr.Xmax != types.FrozenTxID {
		switch {
		case attr.Xmax == self:
			return false // deleted by ourselves, not yet committed
		case status(attr.Xmax) == types.TxInProgress:
			return false // delete in progress
		case status(attr.Xmax) == types.TxCommitted:
			// Keep the id; the oldestXmin comparison below needs it.
		default:
			attr.Xmax = types.InvalidTxID
			return false
		}
	} else {
		return true
	}

	// Deleter committed, but a reader with an old enough snapshot might still
	// see the row.
	return attr.Xmax < oldestXmin
}
