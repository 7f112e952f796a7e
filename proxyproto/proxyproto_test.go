/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package proxyproto

import (
	"bufio"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) *net.TCPListener {
	t.Helper()
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// TestSocks5ConnectToIPv4 reproduces the SOCKS5 CONNECT end-to-end scenario:
// client negotiates no-auth, requests an IPv4 target, and the handshake
// dials a real upstream listener and replies with its bound address.
func TestSocks5ConnectToIPv4(t *testing.T) {
	upstreamListener := listenLoopback(t)
	upstreamAddr := upstreamListener.Addr().(*net.TCPAddr)
	go upstreamListener.AcceptTCP()

	client, server := net.Pipe()
	defer client.Close()

	type result struct {
		target   Target
		upstream net.Conn
		err      error
	}
	results := make(chan result, 1)
	go func() {
		target, upstream, err := NewSocks().Handshake(server)
		results <- result{target, upstream, err}
	}()

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	methodReply := make([]byte, 2)
	_, err = client.Read(methodReply)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, methodReply)

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, upstreamAddr.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(upstreamAddr.Port))
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x05), reply[0])
	assert.Equal(t, byte(socks5Success), reply[1])
	assert.Equal(t, byte(0x01), reply[3])

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, upstreamAddr.IP.String(), r.target.Host)
		assert.Equal(t, upstreamAddr.Port, r.target.Port)
		r.upstream.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

// TestSocks4aDomainResolution reproduces the SOCKS4a literal scenario: a
// 0.0.0.x IPv4 literal signals a NUL-terminated domain follows the user id.
func TestSocks4aDomainResolution(t *testing.T) {
	upstreamListener := listenLoopback(t)
	upstreamAddr := upstreamListener.Addr().(*net.TCPAddr)
	go upstreamListener.AcceptTCP()

	client, server := net.Pipe()
	defer client.Close()

	type result struct {
		target   Target
		upstream net.Conn
		err      error
	}
	results := make(chan result, 1)
	go func() {
		target, upstream, err := NewSocks().Handshake(server)
		results <- result{target, upstream, err}
	}()

	req := []byte{0x04, 0x01}
	req = binary.BigEndian.AppendUint16(req, uint16(upstreamAddr.Port))
	req = append(req, 0x00, 0x00, 0x00, 0x7f) // 0.0.0.127 signals SOCKS4a
	req = append(req, []byte("user")...)
	req = append(req, 0x00)
	req = append(req, []byte("127.0.0.1")...)
	req = append(req, 0x00)
	_, err := client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 8)
	_, err = client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), reply[0])
	assert.Equal(t, byte(socks4Success), reply[1])

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, "127.0.0.1", r.target.Host)
		assert.Equal(t, upstreamAddr.Port, r.target.Port)
		r.upstream.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

// TestHTTPConnectRejectsNonConnect reproduces the HTTP CONNECT rejection
// scenario: a plain GET gets the exact 405 response and the sentinel error.
func TestHTTPConnectRejectsNonConnect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	results := make(chan error, 1)
	go func() {
		_, _, err := NewHTTPConnect().Handshake(server)
		results <- err
	}()

	_, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	reply := make([]byte, 4096)
	n, err := client.Read(reply)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(reply[:n]), "HTTP/1.0 405 Invalid Request"))
	assert.Contains(t, string(reply[:n]), "This proxy only allows CONNECT.")

	select {
	case err := <-results:
		assert.ErrorIs(t, err, ErrRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

// TestHTTPConnectAccepts reproduces a successful CONNECT against a real
// upstream listener.
func TestHTTPConnectAccepts(t *testing.T) {
	upstreamListener := listenLoopback(t)
	upstreamAddr := upstreamListener.Addr().(*net.TCPAddr)
	go upstreamListener.AcceptTCP()

	client, server := net.Pipe()
	defer client.Close()

	type result struct {
		target   Target
		upstream net.Conn
		err      error
	}
	results := make(chan result, 1)
	go func() {
		target, upstream, err := NewHTTPConnect().Handshake(server)
		results <- result{target, upstream, err}
	}()

	_, err := client.Write([]byte("CONNECT " + upstreamAddr.String() + " HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	reply := make([]byte, 64)
	n, err := client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\n", string(reply[:n]))

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, upstreamAddr.Port, r.target.Port)
		r.upstream.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestReadRequestLineEnforcesCapAndCRLF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	line, err := readRequestLine(r, maxHTTPConnectRequest)
	require.NoError(t, err)
	assert.Equal(t, "CONNECT example.com:443 HTTP/1.1", line)

	r = bufio.NewReader(strings.NewReader("CONNECT example.com:443 HTTP/1.1\r\n"))
	_, err = readRequestLine(r, 10)
	assert.Error(t, err, "a request line longer than cap must be refused")
}
