/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// prefixConn is a net.Conn wrapper whose Read first drains a queue of bytes
// pushed ahead of time, then falls through to the underlying connection.
// This is the Go-idiomatic stand-in for an OpenSSL memory-BIO's push_data:
// crypto/tls drives its handshake state machine over any net.Conn, so
// pre-seeding is just pre-seeding what Read returns.
type prefixConn struct {
	net.Conn
	mu     sync.Mutex
	prefix []byte
}

// Push appends buf to the end of the read queue, which Read drains before
// reading from the underlying connection.
func (p *prefixConn) Push(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefix = append(p.prefix, buf...)
}

func (p *prefixConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()
	return p.Conn.Read(b)
}

// streamConn adapts a ByteStream into a net.Conn so crypto/tls, which only
// knows how to drive a net.Conn, can be layered over any ByteStream
// (including another TLS-wrapped one, for nested upgrades).
type streamConn struct {
	bs ByteStream
}

func (s *streamConn) Read(b []byte) (int, error) {
	data, err := s.bs.Recv(len(b))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	return copy(b, data), nil
}

func (s *streamConn) Write(b []byte) (int, error) {
	if err := s.bs.SendAll(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *streamConn) Close() error          { return s.bs.Close() }
func (s *streamConn) LocalAddr() net.Addr   { return nil }
func (s *streamConn) RemoteAddr() net.Addr  { return s.bs.PeerInfo() }
func (s *streamConn) SetDeadline(t time.Time) error {
	return s.bs.SetReadDeadline(t)
}
func (s *streamConn) SetReadDeadline(t time.Time) error  { return s.bs.SetReadDeadline(t) }
func (s *streamConn) SetWriteDeadline(t time.Time) error { return nil }

// keylogCapture is a tls.Config.KeyLogWriter sink that latches the most
// recent CLIENT_RANDOM line it observes, in lieu of reaching into crypto/tls's
// unexported connection state to read client_random/master_secret directly.
type keylogCapture struct {
	mu           sync.Mutex
	clientRandom []byte
	masterSecret []byte
	chain        io.Writer
}

func (k *keylogCapture) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	fields := strings.Fields(line)
	if len(fields) == 3 && fields[0] == "CLIENT_RANDOM" {
		k.mu.Lock()
		k.clientRandom, _ = hex.DecodeString(fields[1])
		k.masterSecret, _ = hex.DecodeString(fields[2])
		k.mu.Unlock()
	}
	if k.chain != nil {
		return k.chain.Write(p)
	}
	return len(p), nil
}

// TLSByteStream layers a TLS session over another ByteStream. It is
// constructed fresh | handshaking and becomes established once Handshake
// returns cleanly; secrets are only valid after that point.
type TLSByteStream struct {
	prefix    *prefixConn
	conn      *tls.Conn
	keylog    *keylogCapture
	side      string // "client" or "server"
	established bool
}

// NewTLSClient builds an outbound TLS session as a client, used to reconnect
// to the real upstream server with the intercepted SNI.
func NewTLSClient(underlying ByteStream, config *tls.Config, keylogSink io.Writer) *TLSByteStream {
	pc := &prefixConn{Conn: &streamConn{bs: underlying}}
	kl := &keylogCapture{chain: keylogSink}
	cfg := config.Clone()
	cfg.KeyLogWriter = kl
	return &TLSByteStream{
		prefix: pc,
		conn:   tls.Client(pc, cfg),
		keylog: kl,
		side:   "client",
	}
}

// NewTLSServer builds an inbound TLS session terminating the intercepted
// client's handshake under a certificate minted for the observed SNI.
func NewTLSServer(underlying ByteStream, config *tls.Config, keylogSink io.Writer) *TLSByteStream {
	pc := &prefixConn{Conn: &streamConn{bs: underlying}}
	kl := &keylogCapture{chain: keylogSink}
	cfg := config.Clone()
	cfg.KeyLogWriter = kl
	return &TLSByteStream{
		prefix: pc,
		conn:   tls.Server(pc, cfg),
		keylog: kl,
		side:   "server",
	}
}

// PushData appends buf to the inbound buffer ahead of any handshake step.
// This is how the first client record, already consumed upstream to parse
// SNI, is returned to the handshake so no bytes are lost.
func (t *TLSByteStream) PushData(buf []byte) {
	t.prefix.Push(buf)
}

// Handshake drives the TLS handshake to completion. Called at most once;
// re-entry is an error.
func (t *TLSByteStream) Handshake() error {
	if t.established {
		return NewError(KindTLS, "handshake", errors.New("handshake already established"))
	}
	if err := t.conn.HandshakeContext(context.Background()); err != nil {
		return NewError(KindTLS, "handshake", err)
	}
	t.established = true
	return nil
}

// Recv ensures the session is established, then reads up to max plaintext
// bytes, returning an empty, nil-error slice on peer close.
func (t *TLSByteStream) Recv(max int) ([]byte, error) {
	if !t.established {
		if err := t.Handshake(); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, max)
	n, err := t.conn.Read(buf)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, NewError(KindTLS, "recv", err)
	}
	return buf[:n], nil
}

// SendAll ensures the session is established, then writes buf in full.
func (t *TLSByteStream) SendAll(buf []byte) error {
	if !t.established {
		if err := t.Handshake(); err != nil {
			return err
		}
	}
	if _, err := t.conn.Write(buf); err != nil {
		return NewError(KindTLS, "sendall", err)
	}
	return nil
}

// PeerInfo reports the remote address of the underlying stream.
func (t *TLSByteStream) PeerInfo() net.Addr {
	return t.conn.RemoteAddr()
}

// SetReadDeadline bounds the next Recv call (and, if the handshake is still
// pending, the handshake itself).
func (t *TLSByteStream) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

// Close unwraps the TLS session, closing the underlying ByteStream.
func (t *TLSByteStream) Close() error {
	return t.conn.Close()
}

// Secrets returns the (client_random, master_secret) pair latched during
// Handshake. Both are nil until the session is established.
func (t *TLSByteStream) Secrets() (clientRandom, masterSecret []byte) {
	t.keylog.mu.Lock()
	defer t.keylog.mu.Unlock()
	return t.keylog.clientRandom, t.keylog.masterSecret
}

// ConnectionState exposes the underlying tls.ConnectionState, notably for
// reading NegotiatedProtocol/ServerName in logs.
func (t *TLSByteStream) ConnectionState() tls.ConnectionState {
	return t.conn.ConnectionState()
}
