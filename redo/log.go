package redo

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/outofforest/logger"
	"github.com/outofforest/photon"

	"github.com/gstoredb/gstore/types"
)

const (
	// DefaultLimit is the log size when the configuration does not set one.
	DefaultLimit = 512 << 20

	// MinLimit guards against logs too small to rotate sensibly.
	MinLimit = 1 << 20

	pageSize = 4096
)

// logHeader heads the REDO log file. Checkpoint is the position from which
// replay must start: everything before it is already durable in the base
// file.
type logHeader struct {
	Signature  [8]byte
	CreatedAt  int64
	Checkpoint uint64
	_          [8]byte
}

const logHeaderSize = uint64(unsafe.Sizeof(logHeader{}))

// Config describes a REDO log.
type Config struct {
	Path  string
	Limit uint64

	// BeforeRotate runs under the exclusive rotation lock before the log is
	// replaced. The host flushes the base file here so entries of the
	// retiring log are durable without it.
	BeforeRotate func() error
}

// Log is the append-only, size-bounded REDO log. Appends run concurrently
// under a shared lock with a CAS-advanced cursor; rotation escalates to the
// exclusive lock, moves the full log aside and installs a fresh one.
type Log struct {
	cfg   Config
	limit uint64

	mu         sync.RWMutex
	file       *os.File
	data       []byte
	hdr        *logHeader
	cursor     uint64
	generation uint64
}

// Open maps the REDO log at cfg.Path, creating it when absent. A pre-existing
// log is scanned to find the append position; a corrupt tail is cut off with
// a warning, matching the recovery semantics of a torn final write.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if cfg.Limit == 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Limit < MinLimit {
		return nil, errors.Errorf("redo log limit %d is below the minimum %d", cfg.Limit, MinLimit)
	}

	l := &Log{
		cfg:   cfg,
		limit: cfg.Limit,
	}

	file, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	switch {
	case err == nil:
		if err := l.create(file, cfg.Limit); err != nil {
			_ = file.Close()
			_ = os.Remove(cfg.Path)
			return nil, err
		}
	case os.IsExist(err):
		if err := l.openExisting(ctx); err != nil {
			return nil, err
		}
	default:
		return nil, errors.WithStack(err)
	}
	return l, nil
}

func (l *Log) create(file *os.File, limit uint64) error {
	if err := unix.Fallocate(int(file.Fd()), 0, 0, int64(limit)); err != nil {
		return errors.Wrapf(err, "fallocate('%s', %d) failed", l.cfg.Path, limit)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(limit),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "mmap('%s') failed", l.cfg.Path)
	}

	hdr := photon.FromBytes[logHeader](data)
	*hdr = logHeader{
		Signature:  types.RedoLogSignature,
		CreatedAt:  time.Now().UnixNano(),
		Checkpoint: logHeaderSize,
	}
	if err := unix.Msync(data[:pageSize], unix.MS_SYNC); err != nil {
		_ = unix.Munmap(data)
		return errors.WithStack(err)
	}

	l.file = file
	l.data = data
	l.hdr = hdr
	l.limit = limit
	l.cursor = logHeaderSize
	return nil
}

func (l *Log) openExisting(ctx context.Context) error {
	file, err := os.OpenFile(l.cfg.Path, os.O_RDWR, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return errors.WithStack(err)
	}
	size := uint64(info.Size())
	if size < logHeaderSize {
		_ = file.Close()
		return errors.Errorf("redo log '%s' is too small", l.cfg.Path)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "mmap('%s') failed", l.cfg.Path)
	}

	hdr := photon.FromBytes[logHeader](data)
	if hdr.Signature != types.RedoLogSignature {
		_ = unix.Munmap(data)
		_ = file.Close()
		return errors.Errorf("redo log '%s' has wrong signature", l.cfg.Path)
	}
	if hdr.Checkpoint < logHeaderSize || hdr.Checkpoint > size {
		_ = unix.Munmap(data)
		_ = file.Close()
		return errors.Errorf("redo log '%s' has corrupted checkpoint %d", l.cfg.Path, hdr.Checkpoint)
	}

	l.file = file
	l.data = data
	l.hdr = hdr
	l.limit = size

	cursor, corrupt := l.scanEnd()
	if corrupt {
		logger.Get(ctx).Warn("Redo log has a corrupt tail, cutting it off",
			zap.String("path", l.cfg.Path), zap.Uint64("position", cursor))
		clear(l.data[cursor:])
	}
	l.cursor = cursor
	return nil
}

// scanEnd walks entries from the first one to find the end of the written
// region. A zero type word is the natural end; anything undecodable is a
// corrupt tail.
func (l *Log) scanEnd() (uint64, bool) {
	pos := logHeaderSize
	for pos+entryHeaderSize <= l.limit {
		hdr := photon.FromBytes[entryHeader](l.data[pos:])
		if hdr.Type == 0 {
			return pos, false
		}
		if _, err := decode(l.data[pos:]); err != nil {
			return pos, true
		}
		pos += uint64(hdr.Length)
	}
	return pos, false
}

// Append encodes the entry into the log and returns its position. It stamps
// the entry with the current time. When the log is full it rotates first and
// writes into the fresh log.
func (l *Log) Append(e Entry) (types.LogPosition, error) {
	size, err := e.size()
	if err != nil {
		return 0, err
	}
	if size > l.cfg.Limit-logHeaderSize {
		return 0, errors.Errorf("entry of %d bytes cannot fit the redo log", size)
	}
	e.Timestamp = time.Now().UnixNano()

	for {
		l.mu.RLock()
		for {
			pos := atomic.LoadUint64(&l.cursor)
			if pos+size > l.limit {
				break
			}
			if !atomic.CompareAndSwapUint64(&l.cursor, pos, pos+size) {
				continue
			}
			e.encode(l.data[pos:], size)
			l.mu.RUnlock()
			return types.LogPosition(pos), nil
		}
		l.mu.RUnlock()

		if err := l.rotate(size); err != nil {
			return 0, err
		}
	}
}

// rotate installs a fresh log. The retiring log is kept next to the live one
// under a unique suffix; operators may archive or delete it.
func (l *Log) rotate(need uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// The exclusive lock is the escalated state of the shared lock appenders
	// hold; the lock cannot be upgraded in place, so the appender re-enters
	// here and the fullness check must be repeated. Another appender may have
	// escalated first and already rotated.
	if l.cursor+need <= l.limit {
		return nil
	}

	if l.cfg.BeforeRotate != nil {
		if err := l.cfg.BeforeRotate(); err != nil {
			return errors.Wrap(err, "checkpoint before redo log rotation failed")
		}
	}
	if err := unix.Msync(l.data, unix.MS_SYNC); err != nil {
		return errors.WithStack(err)
	}

	tmpPath := l.cfg.Path + ".new." + uuid.NewString()
	file, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	fresh := &Log{cfg: l.cfg}
	if err := fresh.create(file, l.cfg.Limit); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	oldPath := l.cfg.Path + ".old." + uuid.NewString()
	if err := os.Rename(l.cfg.Path, oldPath); err != nil {
		_ = unix.Munmap(fresh.data)
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return errors.WithStack(err)
	}
	if err := os.Rename(tmpPath, l.cfg.Path); err != nil {
		_ = unix.Munmap(fresh.data)
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return errors.WithStack(err)
	}

	_ = unix.Munmap(l.data)
	_ = l.file.Close()

	l.file = fresh.file
	l.data = fresh.data
	l.hdr = fresh.hdr
	l.limit = fresh.limit
	atomic.StoreUint64(&l.cursor, fresh.cursor)
	atomic.AddUint64(&l.generation, 1)
	return nil
}

// Position returns the current append position.
func (l *Log) Position() types.LogPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return types.LogPosition(atomic.LoadUint64(&l.cursor))
}

// Generation counts rotations. A consumer streaming the log compares
// generations to detect that its position belongs to a retired file.
func (l *Log) Generation() uint64 {
	return atomic.LoadUint64(&l.generation)
}

// Sync persists everything appended so far.
func (l *Log) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	end := atomic.LoadUint64(&l.cursor)
	end = (end + pageSize - 1) &^ uint64(pageSize-1)
	if end > l.limit {
		end = l.limit
	}
	return errors.WithStack(unix.Msync(l.data[:end], unix.MS_SYNC))
}

// Checkpoint records that the base file is durable up to pos, so future
// replays may skip everything before it. The caller must have flushed the
// base file after capturing pos with no writer in flight. A position from
// before a rotation is past the cursor of the fresh log and is ignored; the
// fresh log already starts fully checkpointed.
func (l *Log) Checkpoint(pos types.LogPosition) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p := uint64(pos)
	if p < logHeaderSize || p > atomic.LoadUint64(&l.cursor) {
		return nil
	}
	l.hdr.Checkpoint = p
	return errors.WithStack(unix.Msync(l.data[:pageSize], unix.MS_SYNC))
}

// Replay feeds every entry from the checkpoint to the end of the written
// region into apply in log order.
func (l *Log) Replay(ctx context.Context, apply func(Entry) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos := l.hdr.Checkpoint
	end := atomic.LoadUint64(&l.cursor)
	count := 0
	for pos+entryHeaderSize <= end {
		hdr := photon.FromBytes[entryHeader](l.data[pos:])
		if hdr.Type == 0 {
			break
		}
		e, err := decode(l.data[pos:])
		if err != nil {
			return errors.Wrapf(err, "redo log '%s' is corrupted at position %d", l.cfg.Path, pos)
		}
		if err := apply(e); err != nil {
			return err
		}
		pos += uint64(hdr.Length)
		count++
	}
	logger.Get(ctx).Info("Redo log replayed",
		zap.String("path", l.cfg.Path), zap.Int("entries", count))
	return nil
}

// Tail feeds entries from the given position to the current append position
// into fn. It returns the position after the last entry delivered. The
// position must come from Append or a previous Tail of the same generation.
func (l *Log) Tail(from types.LogPosition, fn func(Entry) error) (types.LogPosition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos := uint64(from)
	if pos < logHeaderSize || pos > l.limit {
		return from, errors.Errorf("position %d is outside the redo log", pos)
	}
	end := atomic.LoadUint64(&l.cursor)
	for pos+entryHeaderSize <= end {
		hdr := photon.FromBytes[entryHeader](l.data[pos:])
		if hdr.Type == 0 {
			break
		}
		e, err := decode(l.data[pos:])
		if err != nil {
			return types.LogPosition(pos), errors.Wrapf(err, "redo log '%s' is corrupted at position %d", l.cfg.Path, pos)
		}
		if err := fn(e); err != nil {
			return types.LogPosition(pos), err
		}
		pos += uint64(hdr.Length)
	}
	return types.LogPosition(pos), nil
}

// Close persists and unmaps the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.data == nil {
		return nil
	}
	if err := unix.Msync(l.data, unix.MS_SYNC); err != nil {
		return errors.WithStack(err)
	}
	if err := unix.Munmap(l.data); err != nil {
		return errors.WithStack(err)
	}
	l.data = nil
	l.hdr = nil
	return errors.WithStack(l.file.Close())
}
