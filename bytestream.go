/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"errors"
	"io"
	"net"
	"time"
)

// ByteStream is the uniform byte-oriented abstraction every leg of a tunnel
// is wrapped in: a raw TCP socket, or a TLS session layered over another
// ByteStream. Go's blocking net.Conn plus goroutines already provide the
// cooperative-scheduling suspension points the design calls for, so no
// separate async/non-blocking contract is needed on top of it.
type ByteStream interface {
	// Recv reads up to max bytes. An empty slice with a nil error is
	// never returned for anything other than io.EOF, which callers treat
	// as an orderly close (an empty read).
	Recv(max int) ([]byte, error)
	// SendAll writes buf in its entirety or returns an error.
	SendAll(buf []byte) error
	// PeerInfo reports the remote address of the underlying connection.
	PeerInfo() net.Addr
	// SetReadDeadline bounds the next Recv call. A tunnel uses this to
	// periodically hand its forwarding lock back rather than blocking on
	// it indefinitely, which is what lets a protocol upgrade on the other
	// leg make progress.
	SetReadDeadline(t time.Time) error
	// Close tears down the underlying connection.
	Close() error
}

// IsTimeout reports whether err (possibly wrapped in an *Error) is a
// deadline-exceeded error from a ByteStream's underlying net.Conn, as
// opposed to a real transport failure.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// TCPByteStream wraps a net.Conn directly, with no handshake step of its own.
type TCPByteStream struct {
	conn net.Conn
}

// NewTCPByteStream wraps conn as a ByteStream.
func NewTCPByteStream(conn net.Conn) *TCPByteStream {
	return &TCPByteStream{conn: conn}
}

// Recv reads up to max bytes, returning an empty, nil-error slice on
// orderly close to match the component contract.
func (t *TCPByteStream) Recv(max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := t.conn.Read(buf)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// SendAll writes buf in its entirety.
func (t *TCPByteStream) SendAll(buf []byte) error {
	_, err := t.conn.Write(buf)
	return err
}

// PeerInfo reports the remote address of the wrapped connection.
func (t *TCPByteStream) PeerInfo() net.Addr {
	return t.conn.RemoteAddr()
}

// SetReadDeadline bounds the next Read on the wrapped connection.
func (t *TCPByteStream) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

// Close tears down the underlying connection.
func (t *TCPByteStream) Close() error {
	return t.conn.Close()
}

// Conn exposes the underlying net.Conn, used by components (the TLS
// Engine, the proxy-protocol handshakes) that need the raw connection to
// build another layer on top of it.
func (t *TCPByteStream) Conn() net.Conn {
	return t.conn
}
