// Package shared implements the per-store shared control block: a small,
// fixed-layout value attached by name (POSIX shared memory) by every
// process that has a store open, carrying the vacuum daemon's pid/start
// time, a heartbeat, and an open-tick counter. Grounded on the original
// implementation's shared_memory<Ty> (original_source's
// include/pstore/shared_memory.hpp and lib/os/shared_memory.cpp): shm_open
// with O_CREAT, ftruncate to the value's size, then mmap MAP_SHARED.
package shared

import (
	"crypto/sha256"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// alphabet32 is the 32-symbol alphabet (Crockford-style, vowel-free to
// avoid accidentally spelling words) used to render the store UUID into
// the sync name.
const alphabet32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NameLength is the number of alphabet32 characters the sync name carries,
// giving 20*5 = 100 bits taken from a SHA-256 digest of the UUID: fewer than
// the UUID's own 122 random bits, so the name is a truncation of the store's
// identity rather than a lossless encoding of it.
const NameLength = 20

// SyncName derives the deterministic, filesystem/shm-safe name used to
// attach this store's shared control block, from its UUID.
func SyncName(id uuid.UUID) string {
	sum := sha256.Sum256(id[:])

	var out [NameLength]byte

	acc := uint64(0)
	bits := 0
	si := 0

	for i := range out {
		for bits < 5 {
			acc = acc<<8 | uint64(sum[si])
			si = (si + 1) % len(sum)
			bits += 8
		}

		bits -= 5
		out[i] = alphabet32[(acc>>uint(bits))&0x1f]
	}

	return string(out[:])
}

// layout of the shared value, mirroring C8:
//
//	pid_t      vacuum_pid        0=none, -1=starting, else running
//	atomic u64 vacuum_start_time ms since epoch
//	atomic u64 last_touch        heartbeat, unix nanos
//	atomic u64 open_tick         incremented while any process holds the store open
const (
	offVacuumPID       = 0
	offVacuumStartTime = 8
	offLastTouch       = 16
	offOpenTick        = 24
	blockSize          = 32
)

// ControlBlock is an attached view of one store's shared control block.
// Multiple processes attaching with the same name observe the same
// memory, backed by a POSIX shared-memory object of that name.
type ControlBlock struct {
	data []byte
	fd   int
	name string
}

// shmDir is where POSIX shared-memory objects live on Linux: glibc's own
// shm_open is implemented as open(2) against this tmpfs, which is what
// lets two unrelated processes attach to the same backing pages by name.
const shmDir = "/dev/shm/"

// Attach opens (creating if necessary) the named shared-memory object and
// maps it. The first attacher to observe an all-zero block performs no
// special initialisation beyond what the zero value already means (no
// vacuum running, tick 0); unlike the original's placement-new-under-
// spinlock dance, a block of scalar atomics has a valid zero value, so no
// separate "is this freshly created" gate is required.
func Attach(name string) (*ControlBlock, error) {
	fullPath := shmDir + name

	fd, err := unix.Open(fullPath, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shared: open %q: %w", fullPath, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shared: fstat %q: %w", fullPath, err)
	}

	if st.Size < blockSize {
		if err := unix.Ftruncate(fd, blockSize); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("shared: ftruncate %q: %w", fullPath, err)
		}
	}

	data, err := unix.Mmap(fd, 0, blockSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shared: mmap %q: %w", fullPath, err)
	}

	return &ControlBlock{data: data, fd: fd, name: name}, nil
}

func (c *ControlBlock) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&c.data[off]))
}

// VacuumPID returns the pid field: 0 means no vacuum is running, -1 means
// one is starting, any other value is the running vacuum's pid.
func (c *ControlBlock) VacuumPID() int32 {
	return int32(atomic.LoadUint64(c.u64(offVacuumPID)))
}

// SetVacuumPID updates the pid field.
func (c *ControlBlock) SetVacuumPID(pid int32) {
	atomic.StoreUint64(c.u64(offVacuumPID), uint64(uint32(pid)))
}

// VacuumStartTime returns the recorded vacuum start time, in milliseconds
// since the Unix epoch.
func (c *ControlBlock) VacuumStartTime() uint64 {
	return atomic.LoadUint64(c.u64(offVacuumStartTime))
}

// SetVacuumStartTime records the vacuum start time.
func (c *ControlBlock) SetVacuumStartTime(ms uint64) {
	atomic.StoreUint64(c.u64(offVacuumStartTime), ms)
}

// Touch records a heartbeat at the given Unix-nanosecond timestamp.
func (c *ControlBlock) Touch(unixNano uint64) {
	atomic.StoreUint64(c.u64(offLastTouch), unixNano)
}

// LastTouch returns the most recent heartbeat timestamp.
func (c *ControlBlock) LastTouch() uint64 {
	return atomic.LoadUint64(c.u64(offLastTouch))
}

// IncrementOpenTick increments the open-tick counter and returns its new
// value. Called periodically by any process that holds the store open
// with access-tick tracking enabled.
func (c *ControlBlock) IncrementOpenTick() uint64 {
	return atomic.AddUint64(c.u64(offOpenTick), 1)
}

// OpenTick returns the current open-tick counter value.
func (c *ControlBlock) OpenTick() uint64 {
	return atomic.LoadUint64(c.u64(offOpenTick))
}

// Detach unmaps the control block and closes its descriptor. It does not
// unlink the shared-memory object: other attached processes may still be
// using it.
func (c *ControlBlock) Detach() error {
	if err := unix.Munmap(c.data); err != nil {
		return fmt.Errorf("shared: munmap %q: %w", c.name, err)
	}

	return unix.Close(c.fd)
}

// Unlink removes the named shared-memory object. It should be called by
// whichever process determines the store itself has been deleted, not
// simply closed. A store's UUID is assigned once, when pstore.Open creates
// the file, and read back from its header on every later open, so a held
// ControlBlock's name is always derived from SyncName(db.UUID()).
func Unlink(name string) error {
	if err := unix.Unlink(shmDir + name); err != nil {
		return fmt.Errorf("shared: unlink %q: %w", shmDir+name, err)
	}

	return nil
}
