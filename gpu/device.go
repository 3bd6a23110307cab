package gpu

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Handle is the shareable identity of a device buffer. The file descriptor
// may be passed to another process over a unix socket; mapping it there gives
// a view of the same memory.
type Handle struct {
	FD   int
	Size uint64
}

// Buffer is a region of device memory mirroring sections of the base file.
type Buffer interface {
	// Write copies p into the buffer at off.
	Write(off uint64, p []byte) error

	// Resize grows or shrinks the buffer, preserving the prefix.
	Resize(size uint64) error

	// Size returns the current buffer size.
	Size() uint64

	// Handle returns the shareable identity of the buffer.
	Handle() Handle

	// Close releases the memory. Previously exported handles stay valid
	// until their holders close them.
	Close() error
}

// Device allocates buffers. The host implementation backs them with
// memfd-created shared memory; a CUDA implementation would back them with
// device allocations exported through IPC handles.
type Device interface {
	Name() string
	Allocate(size uint64) (Buffer, error)
}

type hostDevice struct{}

// NewHostDevice returns a device backed by anonymous shared memory.
func NewHostDevice() Device {
	return hostDevice{}
}

func (hostDevice) Name() string {
	return "host"
}

func (hostDevice) Allocate(size uint64) (Buffer, error) {
	fd, err := unix.MemfdCreate("gstore-buffer", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "memfd_create failed")
	}
	b := &hostBuffer{fd: fd}
	if err := b.Resize(size); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return b, nil
}

type hostBuffer struct {
	fd   int
	data []byte
}

func (b *hostBuffer) Write(off uint64, p []byte) error {
	if off+uint64(len(p)) > uint64(len(b.data)) {
		return errors.Errorf("write of %d bytes at %d exceeds buffer size %d", len(p), off, len(b.data))
	}
	copy(b.data[off:], p)
	return nil
}

func (b *hostBuffer) Resize(size uint64) error {
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			return errors.WithStack(err)
		}
		b.data = nil
	}
	if err := unix.Ftruncate(b.fd, int64(size)); err != nil {
		return errors.WithStack(err)
	}
	data, err := unix.Mmap(b.fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.WithStack(err)
	}
	b.data = data
	return nil
}

func (b *hostBuffer) Size() uint64 {
	return uint64(len(b.data))
}

func (b *hostBuffer) Handle() Handle {
	return Handle{FD: b.fd, Size: uint64(len(b.data))}
}

func (b *hostBuffer) Close() error {
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			return errors.WithStack(err)
		}
		b.data = nil
	}
	return errors.WithStack(unix.Close(b.fd))
}
