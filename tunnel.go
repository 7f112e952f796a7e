/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"sync"
	"sync/atomic"
	"time"
)

// tunnelChunk is the maximum size of a single Recv call while forwarding.
const tunnelChunk = 9000

// tunnelPollInterval bounds how long a forwarding loop blocks on Recv before
// giving its lock back up. This is the Go-native replacement for the
// original implementation's asyncio wait_for(recv(), .02): instead of a
// cooperative scheduler needing an explicit yield point, a real read
// deadline periodically returns control so a protocol upgrade detected on
// the other leg can acquire both locks and swap the wrapped streams.
const tunnelPollInterval = 20 * time.Millisecond

// PacketWriter records forwarded payloads for offline inspection. A Tunnel
// calls it with every application-layer write it makes on the wire, after
// any protocol upgrade; a nil PacketWriter is a valid no-op.
type PacketWriter interface {
	WriteUp(payload []byte) error
	WriteDown(payload []byte) error
}

// Tunnel forwards bytes between a client and a server ByteStream in both
// directions, detecting and applying application-protocol upgrades (such as
// unwrapping an intercepted TLS handshake) up to a configured depth.
type Tunnel struct {
	client, server ByteStream
	c2sLock        sync.Mutex
	s2cLock        sync.Mutex

	protocols []ApplicationProtocol
	maxDepth  int
	depth     atomic.Int32

	active atomic.Bool
	wg     sync.WaitGroup

	writer PacketWriter
}

// NewTunnel builds a Tunnel over client and server, applying at most
// maxDepth application-protocol upgrades detected via protocols. writer may
// be nil.
func NewTunnel(client, server ByteStream, protocols []ApplicationProtocol, maxDepth int, writer PacketWriter) *Tunnel {
	t := &Tunnel{
		client:    client,
		server:    server,
		protocols: protocols,
		maxDepth:  maxDepth,
		writer:    writer,
	}
	t.active.Store(true)
	return t
}

// Run starts both forwarding directions and blocks until the tunnel closes,
// in either direction, for any reason.
func (t *Tunnel) Run() {
	tunnelsActive.Inc()
	defer tunnelsActive.Dec()

	t.wg.Add(2)
	go t.communicateClientToServer()
	go t.communicateServerToClient()
	t.wg.Wait()
}

func (t *Tunnel) isActive() bool { return t.active.Load() }

func (t *Tunnel) shutdown() { t.active.Store(false) }

func (t *Tunnel) matchProtocol(data []byte) ApplicationProtocol {
	if int(t.depth.Load()) >= t.maxDepth {
		return nil
	}
	for _, p := range t.protocols {
		if p.IsProtocolPacket(data) {
			return p
		}
	}
	return nil
}

// communicateClientToServer reads from the client, optionally upgrades both
// legs on the first packet that matches a registered protocol, and forwards
// everything else to the server. Only this direction ever triggers an
// upgrade, matching the client always being the TLS handshake initiator.
func (t *Tunnel) communicateClientToServer() {
	defer t.wg.Done()
	defer func() {
		t.c2sLock.Lock()
		t.client.Close()
		t.c2sLock.Unlock()
	}()

	for t.isActive() {
		t.c2sLock.Lock()
		data, timedOut, err := t.recvWithPoll(t.client)
		if timedOut {
			t.c2sLock.Unlock()
			continue
		}
		if err != nil {
			t.shutdown()
			t.c2sLock.Unlock()
			break
		}
		if data == nil {
			t.shutdown()
			t.c2sLock.Unlock()
			break
		}

		if proto := t.matchProtocol(data); proto != nil {
			t.s2cLock.Lock()
			newClient, newServer, uerr := proto.WrapConnection(data, t.client, t.server)
			if uerr != nil {
				t.shutdown()
			} else {
				t.client, t.server = newClient, newServer
				t.depth.Add(1)
			}
			t.s2cLock.Unlock()
			t.c2sLock.Unlock()
			continue
		}

		if err := t.server.SendAll(data); err != nil {
			t.shutdown()
			t.c2sLock.Unlock()
			break
		}
		RecordBytesForwarded("up", len(data))
		if t.writer != nil {
			t.writer.WriteUp(data)
		}
		t.c2sLock.Unlock()
	}
}

// communicateServerToClient reads from the server and forwards everything
// to the client; it never inspects the payload for a protocol signature.
func (t *Tunnel) communicateServerToClient() {
	defer t.wg.Done()
	defer func() {
		t.s2cLock.Lock()
		t.server.Close()
		t.s2cLock.Unlock()
	}()

	for t.isActive() {
		t.s2cLock.Lock()
		data, timedOut, err := t.recvWithPoll(t.server)
		if timedOut {
			t.s2cLock.Unlock()
			continue
		}
		if err != nil {
			t.shutdown()
			t.s2cLock.Unlock()
			break
		}
		if data == nil {
			t.shutdown()
			t.s2cLock.Unlock()
			break
		}

		if err := t.client.SendAll(data); err != nil {
			t.shutdown()
			t.s2cLock.Unlock()
			break
		}
		RecordBytesForwarded("down", len(data))
		if t.writer != nil {
			t.writer.WriteDown(data)
		}
		t.s2cLock.Unlock()
	}
}

// recvWithPoll reads up to tunnelChunk bytes from stream, bounded by
// tunnelPollInterval. A timed-out read is reported via timedOut so the
// caller just retries, rather than treating it as end of stream or failure.
func (t *Tunnel) recvWithPoll(stream ByteStream) (data []byte, timedOut bool, err error) {
	stream.SetReadDeadline(time.Now().Add(tunnelPollInterval))
	data, err = stream.Recv(tunnelChunk)
	if err != nil {
		if IsTimeout(err) {
			return nil, true, nil
		}
		return nil, false, err
	}
	return data, false, nil
}
