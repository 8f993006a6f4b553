//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// hotrestart/shmem_linux.go
// The shared memory region: {size, version, flags, locks, stat slots}.
// Laid out by struct definition; any layout change must bump Version so a
// mismatched parent/child pair refuses to pair up.

package hotrestart

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/stats"
)

// Version is bumped on every shared memory or RPC layout change that would
// break a hot restart. Operations cope with a mismatch by doing a full
// restart.
const Version = 5

// NumStatsSlots is the fixed capacity of the shared stat slot array.
const NumStatsSlots = 16384

const flagInitializing = 0x1

type sharedHeader struct {
	Size          uint64
	Version       uint64
	Flags         uint64
	LogLock       lockWord
	AccessLogLock lockWord
	StatLock      lockWord
}

const headerSize = unsafe.Sizeof(sharedHeader{})

// SharedMemorySize is the byte size of the whole region.
const SharedMemorySize = uint64(headerSize) + NumStatsSlots*uint64(unsafe.Sizeof(stats.RawStatData{}))

// SharedMemory is the mapped region of one base-id namespace.
type SharedMemory struct {
	mem    []byte
	header *sharedHeader
	slots  *[NumStatsSlots]stats.RawStatData

	logLock       ProcessSharedLock
	accessLogLock ProcessSharedLock
	statLock      ProcessSharedLock
}

func shmemPath(prefix string, baseID uint32) string {
	return fmt.Sprintf("/dev/shm/%s_shared_memory_%d", prefix, baseID)
}

// initializeSharedMemory creates (epoch 0) or attaches (epoch > 0) the
// region. A size or version mismatch on attach is fatal to startup.
func initializeSharedMemory(prefix string, baseID, restartEpoch uint32) (*SharedMemory, error) {
	path := shmemPath(prefix, baseID)
	flags := unix.O_RDWR
	if restartEpoch == 0 {
		// If we are meant to be first, drop any leftover region so a clean
		// restart can create it fresh.
		_ = unix.Unlink(path)
		flags |= unix.O_CREAT | unix.O_EXCL
	}

	fd, err := unix.Open(path, flags, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open shared memory region %s, check user permissions", path)
	}
	defer unix.Close(fd)

	if restartEpoch == 0 {
		if err := unix.Ftruncate(fd, int64(SharedMemorySize)); err != nil {
			return nil, errors.Wrap(err, "ftruncate shared memory")
		}
	}

	mem, err := unix.Mmap(fd, 0, int(SharedMemorySize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap shared memory")
	}

	s := &SharedMemory{
		mem:    mem,
		header: (*sharedHeader)(unsafe.Pointer(&mem[0])),
		slots:  (*[NumStatsSlots]stats.RawStatData)(unsafe.Pointer(&mem[headerSize])),
	}
	s.logLock.word = &s.header.LogLock
	s.accessLogLock.word = &s.header.AccessLogLock
	s.statLock.word = &s.header.StatLock

	if restartEpoch == 0 {
		s.header.Flags |= flagInitializing
		s.header.Size = SharedMemorySize
		s.header.Version = Version
		s.header.LogLock = lockWord{}
		s.header.AccessLogLock = lockWord{}
		s.header.StatLock = lockWord{}
		s.header.Flags &^= flagInitializing
	} else {
		if s.header.Size != SharedMemorySize || s.header.Version != Version {
			gotSize, gotVersion := s.header.Size, s.header.Version
			unix.Munmap(mem)
			return nil, errors.Wrapf(api.ErrVersionMismatch,
				"region %s has size=%d version=%d, want size=%d version=%d",
				path, gotSize, gotVersion, SharedMemorySize, Version)
		}
		// A predecessor may have died holding a lock; make them consistent
		// before anyone blocks on them.
		s.logLock.recoverOnAttach()
		s.accessLogLock.recoverOnAttach()
		s.statLock.recoverOnAttach()
	}

	return s, nil
}

// LogLock guards the shared log sinks.
func (s *SharedMemory) LogLock() *ProcessSharedLock { return &s.logLock }

// AccessLogLock guards the shared access log sinks.
func (s *SharedMemory) AccessLogLock() *ProcessSharedLock { return &s.accessLogLock }

// StatLock guards stat slot allocation.
func (s *SharedMemory) StatLock() *ProcessSharedLock { return &s.statLock }

// contains reports whether data points into this region.
func (s *SharedMemory) contains(data *stats.RawStatData) bool {
	p := uintptr(unsafe.Pointer(data))
	base := uintptr(unsafe.Pointer(&s.mem[0]))
	return p >= base && p < base+uintptr(len(s.mem))
}

// close unmaps the region. The file stays for the successor.
func (s *SharedMemory) close() {
	if s.mem != nil {
		unix.Munmap(s.mem)
		s.mem = nil
	}
}
