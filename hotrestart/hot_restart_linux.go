//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// hotrestart/hot_restart_linux.go
// The generation coordinator. The child (epoch N+1) drives the protocol:
// drain the parent's listeners, duplicate its listen sockets, migrate admin
// duties and stats, then terminate it. The parent answers from its
// dispatcher's socket event and replies exactly once per request.

package hotrestart

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
)

// MaxConcurrentProcesses bounds how many generations may run at once.
// Socket ids wrap modulo this value, so a fourth generation gets the oldest
// generation's address. If that generation still holds it, binding fails
// and New returns an error; the older process is not terminated.
const MaxConcurrentProcesses = 3

const defaultPrefix = "hioload_proxy"

// Options selects the shared memory and socket namespace of a restart
// chain.
type Options struct {
	// BaseID isolates independent proxy deployments on one host.
	BaseID uint32
	// RestartEpoch is this process's generation; 0 means a fresh start.
	RestartEpoch uint32
	// Prefix overrides the namespace prefix; defaults to hioload_proxy.
	Prefix string
}

// ParentStats is the snapshot a parent reports to its successor.
type ParentStats struct {
	MemoryAllocated uint64
	NumConnections  uint64
}

// Instance is the parent-side surface the RPC handler drives.
type Instance interface {
	DrainListeners()
	// GetListenSocketFd returns the fd of the listener bound exactly to
	// address (tcp://ip:port form), or -1.
	GetListenSocketFd(address string) int
	ShutdownAdmin()
	StartTimeFirstEpoch() uint64
	ParentStats() ParentStats
}

// HotRestart implements the coordinator plus the shared stat allocator.
type HotRestart struct {
	options Options
	shmem   *SharedMemory
	socket  int

	parentAddr unix.Sockaddr
	childAddr  unix.Sockaddr

	socketEvent      api.FileEvent
	server           Instance
	parentTerminated bool
}

// New maps the shared memory region and binds this generation's domain
// socket.
func New(options Options) (*HotRestart, error) {
	if options.Prefix == "" {
		options.Prefix = defaultPrefix
	}
	shmem, err := initializeSharedMemory(options.Prefix, options.BaseID, options.RestartEpoch)
	if err != nil {
		return nil, err
	}

	hr := &HotRestart{options: options, shmem: shmem, socket: -1}
	hr.socket, err = hr.bindDomainSocket(uint64(options.RestartEpoch))
	if err != nil {
		shmem.close()
		return nil, err
	}
	hr.childAddr = hr.domainSocketAddress(uint64(options.RestartEpoch) + 1)
	if options.RestartEpoch != 0 {
		hr.parentAddr = hr.domainSocketAddress(uint64(options.RestartEpoch) - 1)
	}

	// If the parent ever goes away, terminate: a generation must never
	// outlive the launcher logic that owns the restart chain.
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
		logrus.Warnf("prctl PR_SET_PDEATHSIG: %v", err)
	}
	return hr, nil
}

// VersionString identifies the wire + layout contract, e.g. "5.2490416".
// Both sides of a restart must agree on it.
func VersionString() string {
	return fmt.Sprintf("%d.%d", Version, SharedMemorySize)
}

// VersionString returns the contract version of this build.
func (hr *HotRestart) VersionString() string { return VersionString() }

// ShmemRegion exposes the mapped region (stat allocation, lock access).
func (hr *HotRestart) ShmemRegion() *SharedMemory { return hr.shmem }

// Shutdown releases the socket and the mapping. The shared memory file
// itself stays behind for the successor.
func (hr *HotRestart) Shutdown() {
	if hr.socketEvent != nil {
		hr.socketEvent.Close()
		hr.socketEvent = nil
	}
	if hr.socket != -1 {
		unix.Close(hr.socket)
		hr.socket = -1
	}
	hr.shmem.close()
}

func (hr *HotRestart) bindDomainSocket(id uint64) (int, error) {
	// Datagram mode keeps message framing trivial: one datagram, one RPC.
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "domain socket")
	}
	if err := unix.Bind(fd, hr.domainSocketAddress(id)); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "unable to bind domain socket with id=%d (see --base-id option)", id)
	}
	return fd, nil
}

// domainSocketAddress names the abstract socket of generation id. The
// leading '@' marks the abstract namespace.
func (hr *HotRestart) domainSocketAddress(id uint64) unix.Sockaddr {
	id = id % MaxConcurrentProcesses
	return &unix.SockaddrUnix{
		Name: fmt.Sprintf("@%s_domain_socket_%d", hr.options.Prefix, uint64(hr.options.BaseID)+id),
	}
}

// Initialize arms the RPC handler on the main dispatcher.
func (hr *HotRestart) Initialize(dispatcher api.Dispatcher, server Instance) {
	hr.server = server
	hr.socketEvent = dispatcher.CreateFileEvent(hr.socket, func(api.FileReadyType) {
		hr.onSocketEvent()
	}, api.FileTriggerEdge, api.FileReadyRead)
}

// DrainParentListeners asks the parent to stop accepting. Fire and forget.
func (hr *HotRestart) DrainParentListeners() {
	if hr.options.RestartEpoch == 0 {
		return
	}
	hr.sendToParent(encodeRPC(RPCDrainListenersRequest, nil), -1)
}

// DuplicateParentListenSocket fetches the parent's listen fd for address,
// or -1 when the parent has no such listener.
func (hr *HotRestart) DuplicateParentListenSocket(address string) int {
	if hr.options.RestartEpoch == 0 || hr.parentTerminated {
		return -1
	}
	data, err := encodeGetListenSocketRequest(address)
	if err != nil {
		logrus.Warnf("hot restart: %v", err)
		return -1
	}
	hr.sendToParent(data, -1)
	reply := hr.receiveTypedRPC(RPCGetListenSocketReply, 8)
	return reply.fd
}

// GetParentStats fetches the parent's resource snapshot so gauges carry
// over smoothly.
func (hr *HotRestart) GetParentStats() ParentStats {
	if hr.options.RestartEpoch == 0 || hr.parentTerminated {
		return ParentStats{}
	}
	hr.sendToParent(encodeRPC(RPCGetStatsRequest, nil), -1)
	reply := hr.receiveTypedRPC(RPCGetStatsReply, 16+8*getStatsReservedWords)
	return ParentStats{
		MemoryAllocated: binary.LittleEndian.Uint64(reply.payload[0:8]),
		NumConnections:  binary.LittleEndian.Uint64(reply.payload[8:16]),
	}
}

// ShutdownParentAdmin takes over the admin surface and returns the restart
// chain's original start time.
func (hr *HotRestart) ShutdownParentAdmin() uint64 {
	if hr.options.RestartEpoch == 0 {
		return 0
	}
	hr.sendToParent(encodeRPC(RPCShutdownAdminRequest, nil), -1)
	reply := hr.receiveTypedRPC(RPCShutdownAdminReply, 8)
	return binary.LittleEndian.Uint64(reply.payload)
}

// TerminateParent tells the parent to exit. Idempotent.
func (hr *HotRestart) TerminateParent() {
	if hr.options.RestartEpoch == 0 || hr.parentTerminated {
		return
	}
	hr.sendToParent(encodeRPC(RPCTerminateRequest, nil), -1)
	hr.parentTerminated = true
}

func (hr *HotRestart) sendToParent(data []byte, fd int) {
	if err := sendRPC(hr.socket, hr.parentAddr, data, fd); err != nil {
		logrus.Fatalf("hot restart rpc send to parent: %v", err)
	}
}

// receiveTypedRPC blocks for the one reply the just-sent request produces.
// Anything else on the socket at this point is a protocol violation.
func (hr *HotRestart) receiveTypedRPC(typ RPCMessageType, payloadLen int) *rpcMessage {
	msg, err := recvRPC(hr.socket, true)
	if err != nil {
		logrus.Fatalf("hot restart rpc receive: %v", err)
	}
	if msg.typ != typ || len(msg.payload) != payloadLen {
		logrus.Fatalf("unexpected hot restart rpc: type=%d payload=%d bytes", msg.typ, len(msg.payload))
	}
	return msg
}

// onSocketEvent drains queued requests from the child and answers each
// exactly once.
func (hr *HotRestart) onSocketEvent() {
	for {
		msg, err := recvRPC(hr.socket, false)
		if err != nil {
			logrus.Warnf("hot restart rpc: %v", err)
			return
		}
		if msg == nil {
			return
		}

		switch msg.typ {
		case RPCShutdownAdminRequest:
			hr.server.ShutdownAdmin()
			hr.sendToChild(encodeShutdownAdminReply(hr.server.StartTimeFirstEpoch()), -1)

		case RPCGetListenSocketRequest:
			hr.onGetListenSocket(decodeAddress(msg.payload))

		case RPCGetStatsRequest:
			ps := hr.server.ParentStats()
			hr.sendToChild(encodeGetStatsReply(ps.MemoryAllocated, ps.NumConnections), -1)

		case RPCDrainListenersRequest:
			hr.server.DrainListeners()

		case RPCTerminateRequest:
			logrus.Warn("shutting down due to child request")
			unix.Kill(os.Getpid(), unix.SIGTERM)

		default:
			hr.sendToChild(encodeRPC(RPCUnknownRequestReply, nil), -1)
		}
	}
}

func (hr *HotRestart) onGetListenSocket(address string) {
	fd := -1
	if hr.server != nil {
		fd = hr.server.GetListenSocketFd(address)
	}
	hr.sendToChild(encodeGetListenSocketReply(fd != -1), fd)
}

func (hr *HotRestart) sendToChild(data []byte, fd int) {
	if err := sendRPC(hr.socket, hr.childAddr, data, fd); err != nil {
		logrus.Warnf("hot restart rpc send to child: %v", err)
	}
}

