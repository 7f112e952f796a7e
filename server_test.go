/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullLogger struct{}

func (nullLogger) Infof(ctx context.Context, format string, args ...interface{})  {}
func (nullLogger) Errorf(ctx context.Context, format string, args ...interface{}) {}
func (nullLogger) Debugf(ctx context.Context, format string, args ...interface{}) {}

// fixedUpstreamProxy hands back one end of a net.Pipe as the upstream
// connection for every handshake, so a test can observe what the Tunnel
// forwards without a real second listener.
type fixedUpstreamProxy struct {
	upstream net.Conn
	err      error
}

func (p *fixedUpstreamProxy) Handshake(conn net.Conn) (string, int, net.Conn, error) {
	if p.err != nil {
		return "", 0, nil, p.err
	}
	return "upstream.example", 443, p.upstream, nil
}

func TestServeTunnelsAcceptedConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpListener := ln.(*net.TCPListener)

	upstreamOuter, upstreamInner := net.Pipe()
	server := NewServer(nullLogger{}, &fixedUpstreamProxy{upstream: upstreamInner})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx, tcpListener) }()

	clientConn, err := net.Dial("tcp", tcpListener.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	_, err = clientConn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	upstreamOuter.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := upstreamOuter.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = upstreamOuter.Write([]byte("pong"))
	require.NoError(t, err)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = clientConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	cancel()
	select {
	case err := <-serveDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestHandshakeFailureClosesConnectionWithoutTunneling(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpListener := ln.(*net.TCPListener)

	server := NewServer(nullLogger{}, &fixedUpstreamProxy{err: assert.AnError})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, tcpListener)

	clientConn, err := net.Dial("tcp", tcpListener.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	_, err = clientConn.Read(buf)
	assert.Error(t, err, "the server must close the connection when the proxy handshake fails")
}
