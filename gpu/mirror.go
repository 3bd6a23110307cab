package gpu

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"

	"github.com/gstoredb/gstore/redo"
	"github.com/gstoredb/gstore/types"
)

// Defaults of the background synchronization triggers.
const (
	DefaultUpdateInterval  = 15 * time.Second
	DefaultUpdateThreshold = 40000
)

// Status of the device mirror.
type Status uint32

// Mirror states.
const (
	StatusNotReady Status = iota
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNotReady:
		return "not-ready"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Region is a byte range within the main section.
type Region struct {
	Offset uint64
	Length uint64
}

// Source is the store side of the mirror: live section views plus the REDO
// tail used for incremental updates. Views are bound to Revision; a revision
// change invalidates device offsets and forces a full reload.
type Source interface {
	MainBytes() []byte
	ExtraBytes() []byte
	ExtraUsed() uint64
	Revision() uint64
	Generation() uint64
	LogPosition() types.LogPosition
	Tail(from types.LogPosition, fn func(redo.Entry) error) (types.LogPosition, error)
	RowRegions(row types.RowID) []Region
}

// Config describes a mirror.
type Config struct {
	Device          Device
	Source          Source
	UpdateInterval  time.Duration
	UpdateThreshold uint32
}

type command int

const (
	cmdLoad command = iota + 1
	cmdApply
)

// Mirror keeps a device buffer synchronized with the base file: the main
// section at offset 0 followed by the extra region. Synchronization runs in a
// single background goroutine; writers only record changes and wake it.
type Mirror struct {
	cfg Config

	wake chan struct{}

	qmu   sync.Mutex
	queue []command

	pending uint32

	mu          sync.RWMutex
	status      Status
	buf         Buffer
	extraBase   uint64
	extraSynced uint64
	appliedPos  types.LogPosition
	generation  uint64
	revision    uint64
}

// New creates a mirror. Run must be started for it to make progress.
func New(cfg Config) *Mirror {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.UpdateThreshold == 0 {
		cfg.UpdateThreshold = DefaultUpdateThreshold
	}
	m := &Mirror{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
	m.enqueue(cmdLoad)
	return m
}

// Run is the synchronization loop. It keeps running through failures; a
// failure flips the status to failed and frees the partially written buffer,
// and the mirror stays down until RequestLoad re-arms it.
func (m *Mirror) Run(ctx context.Context) error {
	log := logger.Get(ctx)
	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.close()
			return errors.WithStack(ctx.Err())
		case <-m.wake:
		case <-ticker.C:
		}

		cmds := m.drain()
		if len(cmds) == 0 {
			cmds = []command{cmdApply}
		}
		for _, cmd := range cmds {
			var err error
			switch cmd {
			case cmdLoad:
				err = m.load()
			case cmdApply:
				err = m.apply()
			}
			if err != nil {
				log.Error("Device synchronization failed", zap.Error(err),
					zap.String("device", m.cfg.Device.Name()))
				m.fail()
				break
			}
		}
	}
}

// RecordChange accounts rows modified since the last synchronization and
// wakes the loop once the threshold is crossed.
func (m *Mirror) RecordChange(rows uint32) {
	if atomic.AddUint32(&m.pending, rows) >= m.cfg.UpdateThreshold {
		m.enqueue(cmdApply)
	}
}

// RequestLoad schedules a full reload, used after operations that rearrange
// rows wholesale.
func (m *Mirror) RequestLoad() {
	m.enqueue(cmdLoad)
}

// RequestSync schedules an incremental synchronization immediately.
func (m *Mirror) RequestSync() {
	m.enqueue(cmdApply)
}

// Status returns the current mirror state.
func (m *Mirror) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// AppliedPosition returns the log position the device buffer reflects.
func (m *Mirror) AppliedPosition() types.LogPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appliedPos
}

// Handle returns the shareable identity of the device buffer. It fails until
// the initial load completed.
func (m *Mirror) Handle() (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusReady {
		return Handle{}, errors.Errorf("device buffer is %s", m.status)
	}
	return m.buf.Handle(), nil
}

func (m *Mirror) enqueue(cmd command) {
	m.qmu.Lock()
	if len(m.queue) == 0 || m.queue[len(m.queue)-1] != cmd {
		m.queue = append(m.queue, cmd)
	}
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mirror) drain() []command {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	cmds := m.queue
	m.queue = nil
	return cmds
}

// fail tears the mirror down: a failed write leaves the buffer torn, so it is
// freed rather than kept. No reload is scheduled; RequestLoad is the explicit
// re-trigger.
func (m *Mirror) fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusFailed
	if m.buf != nil {
		_ = m.buf.Close()
		m.buf = nil
	}
	m.extraSynced = 0
	m.appliedPos = 0
}

// load copies the whole main section and the used part of the extra region
// into the device buffer.
func (m *Mirror) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Mirror) loadLocked() error {
	src := m.cfg.Source
	revision := src.Revision()
	generation := src.Generation()
	pos := src.LogPosition()
	main := src.MainBytes()
	extra := src.ExtraBytes()
	used := src.ExtraUsed()

	size := uint64(len(main)) + uint64(len(extra))

	if m.buf == nil {
		buf, err := m.cfg.Device.Allocate(size)
		if err != nil {
			return err
		}
		m.buf = buf
	} else if m.buf.Size() != size {
		if err := m.buf.Resize(size); err != nil {
			return err
		}
	}

	if err := m.buf.Write(0, main); err != nil {
		return err
	}
	if used > 0 {
		if err := m.buf.Write(uint64(len(main)), extra[:used]); err != nil {
			return err
		}
	}

	// A remap during the copy leaves the buffer torn; go around again.
	if src.Revision() != revision {
		m.enqueue(cmdLoad)
		return nil
	}

	m.status = StatusReady
	m.extraBase = uint64(len(main))
	m.extraSynced = used
	m.appliedPos = pos
	m.generation = generation
	m.revision = revision
	atomic.StoreUint32(&m.pending, 0)
	return nil
}

// apply streams the REDO tail since the last synchronization and recopies the
// touched rows plus the freshly appended part of the extra region. Rotation
// or remap since the last round invalidates the tail position and falls back
// to a full reload.
func (m *Mirror) apply() error {
	src := m.cfg.Source

	m.mu.Lock()
	defer m.mu.Unlock()

	// A failed mirror waits for an explicit RequestLoad; the periodic apply
	// must not resurrect it behind the operator's back.
	if m.status == StatusFailed {
		return nil
	}
	if m.status != StatusReady ||
		m.generation != src.Generation() || m.revision != src.Revision() {
		return m.loadLocked()
	}

	touched := map[types.RowID]struct{}{}
	next, err := src.Tail(m.appliedPos, func(e redo.Entry) error {
		switch e.Type {
		case redo.EntryInsert, redo.EntryDelete:
			touched[e.Row] = struct{}{}
		case redo.EntryUpdate:
			touched[e.Row] = struct{}{}
			touched[e.OldRow] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}

	main := src.MainBytes()
	for row := range touched {
		for _, r := range src.RowRegions(row) {
			if err := m.buf.Write(r.Offset, main[r.Offset:r.Offset+r.Length]); err != nil {
				return err
			}
		}
	}

	used := src.ExtraUsed()
	if used > m.extraSynced {
		extra := src.ExtraBytes()
		if err := m.buf.Write(m.extraBase+m.extraSynced, extra[m.extraSynced:used]); err != nil {
			return err
		}
		m.extraSynced = used
	}

	if src.Revision() != m.revision {
		m.enqueue(cmdLoad)
		return nil
	}

	m.appliedPos = next
	atomic.StoreUint32(&m.pending, 0)
	return nil
}

func (m *Mirror) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf != nil {
		_ = m.buf.Close()
		m.buf = nil
	}
	m.status = StatusNotReady
}
