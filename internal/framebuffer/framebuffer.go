//go:build linux

// Package framebuffer maps the shared-memory region a shim publishes a
// VM's pixel data through. On Linux, a POSIX shared-memory object named
// "/name" is realized as a tmpfs file at /dev/shm/name — shm_open(3) is
// exactly an open(2) under that prefix — so this package opens the file
// directly rather than binding libc's shm_open.
package framebuffer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxSize is the upper bound on a mapped framebuffer: 4096x2048 32-bit
// pixels. The shim does not negotiate a tighter size, so this is the
// largest region Open will ever map.
const MaxSize = 4096 * 2048 * 4

// Mapping is a read-only memory mapping of a VM's framebuffer. It is
// immutable once created; Width/Height/Format live on the owning
// Listener instead, since they change on every DisplaySwitch while the
// mapping itself is acquired at most once.
type Mapping struct {
	fd   int
	data []byte
}

// Open maps the shared-memory object for vmID, sized size bytes (which
// must not exceed MaxSize). The object is expected at /dev/shm/{vmID}.rdpmux,
// matching the name the shim publishes under.
func Open(vmID int, size int) (*Mapping, error) {
	if size <= 0 || size > MaxSize {
		return nil, &Error{Kind: TooLarge, Err: fmt.Errorf("requested size %d exceeds maximum %d", size, MaxSize)}
	}

	path := shmPath(vmID)

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, &Error{Kind: OpenFailed, Err: fmt.Errorf("open %s: %w", path, err)}
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, &Error{Kind: MapFailed, Err: fmt.Errorf("mmap %s: %w", path, err)}
	}

	return &Mapping{fd: fd, data: data}, nil
}

// ShmDir is the directory POSIX shared-memory names resolve under. It is a
// package variable rather than a constant so callers running outside a
// standard Linux host (containers with a non-default tmpfs mount, tests)
// can repoint it before calling Open.
var ShmDir = "/dev/shm"

func shmPath(vmID int) string {
	return fmt.Sprintf("%s/%d.rdpmux", ShmDir, vmID)
}

// Bytes returns the mapped region. The caller must not retain the slice
// past Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Close unmaps the region and closes the backing file descriptor. Safe
// to call once; a second call is a caller bug, not guarded against here
// because the Listener that owns a Mapping only ever closes it during its
// own single teardown path.
func (m *Mapping) Close() error {
	var firstErr error
	if err := unix.Munmap(m.data); err != nil {
		firstErr = fmt.Errorf("framebuffer: munmap: %w", err)
	}
	if err := unix.Close(m.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("framebuffer: close: %w", err)
	}
	return firstErr
}
