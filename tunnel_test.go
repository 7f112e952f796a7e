/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter is a PacketWriter that appends every write to its own
// buffers, protected by a mutex since the two tunnel directions call it
// from different goroutines.
type recordingWriter struct {
	mu   sync.Mutex
	up   bytes.Buffer
	down bytes.Buffer
}

func (w *recordingWriter) WriteUp(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.up.Write(payload)
	return nil
}

func (w *recordingWriter) WriteDown(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.down.Write(payload)
	return nil
}

func (w *recordingWriter) upBytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.up.Bytes()...)
}

func (w *recordingWriter) downBytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.down.Bytes()...)
}

func TestTunnelForwardsBytesBothDirections(t *testing.T) {
	clientOuter, clientInner := net.Pipe()
	serverOuter, serverInner := net.Pipe()

	writer := &recordingWriter{}
	tunnel := NewTunnel(NewTCPByteStream(clientInner), NewTCPByteStream(serverInner), nil, 2, writer)

	done := make(chan struct{})
	go func() {
		tunnel.Run()
		close(done)
	}()

	go func() { clientOuter.Write([]byte("hello upstream")) }()
	buf := make([]byte, 32)
	n, err := serverOuter.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello upstream", string(buf[:n]))

	go func() { serverOuter.Write([]byte("hello client")) }()
	n, err = clientOuter.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello client", string(buf[:n]))

	clientOuter.Close()
	serverOuter.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not shut down after both legs closed")
	}

	assert.Equal(t, "hello upstream", string(writer.upBytes()))
	assert.Equal(t, "hello client", string(writer.downBytes()))
}

// fakeUpgradeProtocol matches any payload starting with a fixed prefix and
// swaps in a new pair of streams so the test can observe that the swapped
// streams, not the originals, carry traffic afterward and that the
// triggering bytes themselves were never forwarded.
type fakeUpgradeProtocol struct {
	prefix      []byte
	newClient   ByteStream
	newServer   ByteStream
}

func (p *fakeUpgradeProtocol) Name() string { return "fake" }

func (p *fakeUpgradeProtocol) IsProtocolPacket(buf []byte) bool {
	return bytes.HasPrefix(buf, p.prefix)
}

func (p *fakeUpgradeProtocol) WrapConnection(first []byte, client, server ByteStream) (ByteStream, ByteStream, error) {
	return p.newClient, p.newServer, nil
}

func TestTunnelProtocolUpgradeSwapsStreamsAndBumpsDepth(t *testing.T) {
	clientOuter, clientInner := net.Pipe()
	serverOuter, serverInner := net.Pipe()
	newClientOuter, newClientInner := net.Pipe()
	newServerOuter, newServerInner := net.Pipe()

	proto := &fakeUpgradeProtocol{
		prefix:    []byte("UPGRADE"),
		newClient: NewTCPByteStream(newClientInner),
		newServer: NewTCPByteStream(newServerInner),
	}

	writer := &recordingWriter{}
	tunnel := NewTunnel(NewTCPByteStream(clientInner), NewTCPByteStream(serverInner), []ApplicationProtocol{proto}, 2, writer)

	done := make(chan struct{})
	go func() {
		tunnel.Run()
		close(done)
	}()

	go func() { clientOuter.Write([]byte("UPGRADE-now")) }()

	require.Eventually(t, func() bool {
		return tunnel.depth.Load() == 1
	}, time.Second, 10*time.Millisecond, "protocol depth never incremented")

	assert.Empty(t, writer.upBytes(), "the triggering bytes must not be forwarded raw")

	go func() { newClientOuter.Write([]byte("post-upgrade")) }()
	buf := make([]byte, 32)
	n, err := newServerOuter.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "post-upgrade", string(buf[:n]))

	clientOuter.Close()
	serverOuter.Close()
	newClientOuter.Close()
	newServerOuter.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not shut down after both legs closed")
	}
}

func TestTunnelMaxDepthStopsFurtherUpgrades(t *testing.T) {
	_, clientInner := net.Pipe()
	_, serverInner := net.Pipe()

	proto := &fakeUpgradeProtocol{prefix: []byte("X")}
	tunnel := NewTunnel(NewTCPByteStream(clientInner), NewTCPByteStream(serverInner), []ApplicationProtocol{proto}, 0, nil)

	assert.Nil(t, tunnel.matchProtocol([]byte("Xanything")), "a zero max depth must never match a protocol")
}
