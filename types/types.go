package types

const (
	// RowIDLength is the number of bytes taken by a serialized RowID.
	RowIDLength = 4

	// SysAttrLength is the number of bytes taken by one SystemAttribute record.
	SysAttrLength = 12
)

// Signatures of the persistent sections. The base signature is rewritten to
// the mapped variant while a process keeps the file open, so a file found with
// the mapped variant on open was not closed cleanly.
var (
	BaseSignature       = [8]byte{'@', 'B', 'A', 'S', 'E', '-', '1', '@'}
	BaseMappedSignature = [8]byte{'%', 'B', 'a', 's', 'e', '-', '1', '%'}
	RowMapSignature     = [8]byte{'@', 'R', 'O', 'W', '-', 'I', 'D', '@'}
	HashIndexSignature  = [8]byte{'@', 'H', 'I', 'N', 'D', 'E', 'X', '@'}
	RedoLogSignature    = [8]byte{'@', 'R', 'E', 'D', 'O', '-', '1', '@'}
)

type (
	// RowID is the dense 32-bit identifier of a row slot.
	RowID uint32

	// TxID is the type for transaction ID.
	TxID uint32

	// CommandID is the type for command ID within a transaction.
	CommandID uint32

	// LogPosition is the byte position within the REDO log file.
	LogPosition uint64
)

// InvalidRowID marks an empty slot reference (hash heads, chain links).
const InvalidRowID RowID = 0xffffffff

// Transaction ID sentinels.
const (
	// InvalidTxID means no transaction wrote the marker.
	InvalidTxID TxID = 0

	// FrozenTxID caches a resolved, definitely-committed outcome.
	FrozenTxID TxID = 2

	// FirstNormalTxID is the lowest TxID assignable to a transaction.
	FirstNormalTxID TxID = 3
)

// TxStatus is the resolved state of a transaction.
type TxStatus byte

// Transaction states reported by the host.
const (
	TxInProgress TxStatus = iota
	TxCommitted
	TxAborted
)

// StatusFn resolves the state of a transaction. It is supplied by the host
// transaction manager; TxIDs below FirstNormalTxID are never passed to it.
type StatusFn func(TxID) TxStatus

// SysAttr is the hidden per-row MVCC record. One instance lives in the mapped
// base file for every row slot; visibility checks may rewrite Xmin/Xmax with
// the frozen/invalid sentinels in place.
type SysAttr struct {
	Xmin TxID
	Xmax TxID
	Cid  CommandID
}

// Value is one column value crossing the store boundary. Fixed-width columns
// carry exactly the column size in Data, variable-length columns carry the
// payload bytes.
type Value struct {
	Data []byte
	Null bool
}

// Null returns a null value.
func Null() Value {
	return Value{Null: true}
}
