//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// hotrestart/rpc_linux.go
// Wire format of the generation-to-generation RPC. Fixed-size little-endian
// messages over a unix datagram socket: {length u64, type u64, payload}.
// GetListenSocketReply additionally carries the duplicated listen fd as
// SCM_RIGHTS ancillary data.

package hotrestart

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RPCMessageType tags each message.
type RPCMessageType uint64

const (
	RPCDrainListenersRequest RPCMessageType = iota + 1
	RPCGetListenSocketRequest
	RPCGetListenSocketReply
	RPCShutdownAdminRequest
	RPCShutdownAdminReply
	RPCTerminateRequest
	RPCUnknownRequestReply
	RPCGetStatsRequest
	RPCGetStatsReply
)

const (
	rpcHeaderSize = 16

	// addressBufSize fixes the GetListenSocketRequest payload: a
	// null-terminated listener URL.
	addressBufSize = 256

	// getStatsReservedWords pads GetStatsReply for future fields without a
	// version bump.
	getStatsReservedWords = 16

	rpcBufferSize = 4096
)

// rpcMessage is one decoded datagram.
type rpcMessage struct {
	typ     RPCMessageType
	payload []byte
	// fd is the ancillary descriptor of a GetListenSocketReply, -1 when
	// absent.
	fd int
}

func encodeRPC(typ RPCMessageType, payload []byte) []byte {
	buf := make([]byte, rpcHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(buf)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(typ))
	copy(buf[rpcHeaderSize:], payload)
	return buf
}

func decodeRPC(buf []byte) (*rpcMessage, error) {
	if len(buf) < rpcHeaderSize {
		return nil, errors.Errorf("rpc datagram too short: %d bytes", len(buf))
	}
	length := binary.LittleEndian.Uint64(buf[0:8])
	if length != uint64(len(buf)) {
		return nil, errors.Errorf("rpc length field %d does not match datagram size %d", length, len(buf))
	}
	return &rpcMessage{
		typ:     RPCMessageType(binary.LittleEndian.Uint64(buf[8:16])),
		payload: buf[rpcHeaderSize:],
		fd:      -1,
	}, nil
}

func encodeGetListenSocketRequest(address string) ([]byte, error) {
	if len(address) >= addressBufSize {
		return nil, errors.Errorf("listener address %q exceeds rpc buffer", address)
	}
	payload := make([]byte, addressBufSize)
	copy(payload, address)
	return encodeRPC(RPCGetListenSocketRequest, payload), nil
}

func decodeAddress(payload []byte) string {
	n := 0
	for n < len(payload) && payload[n] != 0 {
		n++
	}
	return string(payload[:n])
}

func encodeGetListenSocketReply(hasFd bool) []byte {
	payload := make([]byte, 8)
	fdTag := int64(-1)
	if hasFd {
		fdTag = 0
	}
	binary.LittleEndian.PutUint64(payload, uint64(fdTag))
	return encodeRPC(RPCGetListenSocketReply, payload)
}

func encodeShutdownAdminReply(originalStartTime uint64) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, originalStartTime)
	return encodeRPC(RPCShutdownAdminReply, payload)
}

func encodeGetStatsReply(memoryAllocated, numConnections uint64) []byte {
	payload := make([]byte, 16+8*getStatsReservedWords)
	binary.LittleEndian.PutUint64(payload[0:8], memoryAllocated)
	binary.LittleEndian.PutUint64(payload[8:16], numConnections)
	return encodeRPC(RPCGetStatsReply, payload)
}

// sendRPC sends one datagram, optionally attaching fd as SCM_RIGHTS.
func sendRPC(sock int, to unix.Sockaddr, data []byte, fd int) error {
	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	return unix.Sendmsg(sock, data, oob, to, 0)
}

// recvRPC reads one datagram. In non-blocking mode, returns (nil, nil) when
// the socket is dry.
func recvRPC(sock int, block bool) (*rpcMessage, error) {
	// The socket normally runs non-blocking under the dispatcher; awaiting
	// a typed reply toggles it blocking for exactly one receive.
	if block {
		if err := unix.SetNonblock(sock, false); err != nil {
			return nil, errors.Wrap(err, "clear O_NONBLOCK")
		}
		defer unix.SetNonblock(sock, true)
	}

	buf := make([]byte, rpcBufferSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, 0)
	if err == unix.EAGAIN && !block {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "recvmsg")
	}

	msg, err := decodeRPC(buf[:n])
	if err != nil {
		return nil, err
	}

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, errors.Wrap(err, "parse control message")
		}
		for i := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsgs[i])
			if err != nil || len(fds) == 0 {
				continue
			}
			// Only a GetListenSocketReply legitimately carries an fd; any
			// other stray descriptor must not leak.
			if msg.typ == RPCGetListenSocketReply && msg.fd == -1 {
				msg.fd = fds[0]
				fds = fds[1:]
			}
			for _, stray := range fds {
				unix.Close(stray)
			}
		}
	}
	return msg, nil
}
