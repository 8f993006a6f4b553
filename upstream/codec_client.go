// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// upstream/codec_client.go
// Thin binding between one upstream connection and its HTTP/1 codec: raw
// connection bytes feed the codec, codec protocol errors tear the
// connection down. Byte-level parsing lives behind api.ClientCodec.

package upstream

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-proxy/api"
)

// CodecFactory builds the codec for a fresh upstream connection.
type CodecFactory func(conn api.ClientConnection) api.ClientCodec

// CodecClient couples a client connection with its codec.
type CodecClient struct {
	conn  api.ClientConnection
	codec api.ClientCodec
}

// NewCodecClient wires conn's read path into codec.
func NewCodecClient(conn api.ClientConnection, codec api.ClientCodec) *CodecClient {
	cc := &CodecClient{conn: conn, codec: codec}
	conn.AddReadFilter(&codecReadFilter{cc: cc})
	return cc
}

// NewStream allocates a request stream on the codec.
func (cc *CodecClient) NewStream(responseDecoder api.StreamDecoder) api.StreamEncoder {
	return cc.codec.NewStream(responseDecoder)
}

// Connection returns the underlying connection.
func (cc *CodecClient) Connection() api.ClientConnection { return cc.conn }

// Close drops the connection without flushing.
func (cc *CodecClient) Close() { cc.conn.Close(api.CloseNoFlush) }

type codecReadFilter struct {
	cc *CodecClient
}

func (f *codecReadFilter) OnNewConnection() api.FilterStatus { return api.FilterContinue }

func (f *codecReadFilter) OnData(data []byte) api.FilterStatus {
	if err := f.cc.codec.Dispatch(data); err != nil {
		logrus.WithField("cx", f.cc.conn.ID()).Debugf("upstream protocol error: %v", err)
		f.cc.conn.Close(api.CloseNoFlush)
	}
	return api.FilterContinue
}
